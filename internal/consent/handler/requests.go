package handler

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"consentry/internal/consent/models"
	"consentry/internal/consent/service"
	"consentry/internal/consent/signals"
	"consentry/pkg/platform/validation"
)

// SubmitRequest is the body of POST /consent. Malformed fields are coerced
// rather than rejected so a client bug never breaks the page.
type SubmitRequest struct {
	Event     string          `json:"event"`
	States    json.RawMessage `json:"states"`
	Lang      string          `json:"lang"`
	ConsentID string          `json:"consent_id,omitempty"`
	Revision  int             `json:"revision,omitempty"`

	states map[string]bool
}

// UnmarshalJSON reads every scalar field loosely: a value of the wrong JSON
// type is dropped instead of failing the whole body.
func (r *SubmitRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event     json.RawMessage `json:"event"`
		States    json.RawMessage `json:"states"`
		Lang      json.RawMessage `json:"lang"`
		ConsentID json.RawMessage `json:"consent_id"`
		Revision  json.RawMessage `json:"revision"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Event = looseString(raw.Event)
	r.States = raw.States
	r.Lang = looseString(raw.Lang)
	r.ConsentID = looseString(raw.ConsentID)
	r.Revision = looseInt(raw.Revision)
	return nil
}

func (r *SubmitRequest) Sanitize() {
	r.Event = strings.TrimSpace(r.Event)
	r.ConsentID = strings.TrimSpace(r.ConsentID)
	r.Lang = strings.TrimSpace(r.Lang)
}

func (r *SubmitRequest) Normalize() {
	r.states = coerceStates(r.States)
	if !validation.IsToken(r.ConsentID, validation.MaxConsentIDLength) {
		r.ConsentID = ""
	}
	if r.Revision < 0 {
		r.Revision = 0
	}
}

// coerceStates accepts a JSON object and reads each value loosely. Anything
// else becomes an empty map.
func coerceStates(raw json.RawMessage) map[string]bool {
	out := map[string]bool{}
	if len(raw) == 0 {
		return out
	}
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return out
	}
	for k, v := range loose {
		out[k] = truthy(v)
	}
	return out
}

// looseString returns the value when it is a JSON string and "" otherwise.
func looseString(raw json.RawMessage) string {
	var v string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v
}

// looseInt returns the value when it is an integral JSON number and 0
// otherwise.
func looseInt(raw json.RawMessage) int {
	var v float64
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return 0
	}
	if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return 0
	}
	return int(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

type RevokeRequest struct {
	ConsentID string `json:"consent_id,omitempty"`
	Lang      string `json:"lang,omitempty"`
}

func (r *RevokeRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		ConsentID json.RawMessage `json:"consent_id"`
		Lang      json.RawMessage `json:"lang"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ConsentID = looseString(raw.ConsentID)
	r.Lang = looseString(raw.Lang)
	return nil
}

func (r *RevokeRequest) Sanitize() {
	r.ConsentID = strings.TrimSpace(r.ConsentID)
	r.Lang = strings.TrimSpace(r.Lang)
}

func (r *RevokeRequest) Normalize() {
	if !validation.IsToken(r.ConsentID, validation.MaxConsentIDLength) {
		r.ConsentID = ""
	}
}

type SubmitResponse struct {
	ConsentID     string         `json:"consent_id"`
	Rev           int            `json:"rev"`
	Signals       signals.Vector `json:"signals"`
	StaleRevision bool           `json:"stale_revision,omitempty"`
}

type RevokeResponse struct {
	Success   bool          `json:"success"`
	ConsentID string        `json:"consent_id"`
	States    models.States `json:"states"`
}

type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

type StateResponse struct {
	ConsentID       string         `json:"consent_id,omitempty"`
	States          models.States  `json:"states"`
	Signals         signals.Vector `json:"signals"`
	Rev             int            `json:"rev"`
	CurrentRevision int            `json:"current_revision"`
	ShouldDisplay   bool           `json:"should_display"`
	StaleRevision   bool           `json:"stale_revision"`
}

func toStateResponse(res *service.StateResult) StateResponse {
	return StateResponse{
		ConsentID:       res.ConsentID,
		States:          res.States,
		Signals:         res.Signals,
		Rev:             res.Rev,
		CurrentRevision: res.CurrentRevision,
		ShouldDisplay:   res.ShouldDisplay,
		StaleRevision:   res.StaleRevision,
	}
}

type SummaryResponse struct {
	Summary  models.Summary      `json:"summary"`
	Total    int                 `json:"total"`
	Options  service.OptionsView `json:"options"`
	Snapshot any                 `json:"snapshot"`
}

type RecordResponse struct {
	ID        int64         `json:"id"`
	ConsentID string        `json:"consent_id"`
	Event     models.Event  `json:"event"`
	States    models.States `json:"states"`
	IPHash    string        `json:"ip_hash"`
	UserAgent string        `json:"user_agent"`
	Lang      string        `json:"lang"`
	Rev       int           `json:"rev"`
	CreatedAt time.Time     `json:"created_at"`
}

type RecordsResponse struct {
	Records []RecordResponse `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func toRecordsResponse(res *service.RecordsResult) RecordsResponse {
	out := RecordsResponse{
		Records: make([]RecordResponse, 0, len(res.Records)),
		Total:   res.Total,
		Limit:   res.Page.Limit,
		Offset:  res.Page.Offset,
	}
	for _, r := range res.Records {
		out.Records = append(out.Records, RecordResponse{
			ID:        r.ID,
			ConsentID: r.ConsentID,
			Event:     r.Event,
			States:    r.States,
			IPHash:    r.IPHash,
			UserAgent: r.UserAgent,
			Lang:      r.Lang,
			Rev:       r.Rev,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
