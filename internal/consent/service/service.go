// Package service records consent decisions in the ledger and answers
// state and reporting queries over it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consentry/internal/consent/identity"
	"consentry/internal/consent/metrics"
	"consentry/internal/consent/models"
	"consentry/internal/consent/signals"
	rlmodels "consentry/internal/ratelimit/models"
	"consentry/internal/sentinel"
	dErrors "consentry/pkg/domain-errors"
	"consentry/pkg/platform/privacy"
	"consentry/pkg/platform/validation"
	"consentry/pkg/requestcontext"
)

// Ledger is the persistence the service needs.
// Error Contract:
//   - FindLatestByConsentID returns sentinel.ErrNotFound when no row exists
type Ledger interface {
	Insert(ctx context.Context, record *models.Record) (int64, error)
	FindLatestByConsentID(ctx context.Context, consentID string) (*models.Record, error)
	Query(ctx context.Context, filter models.Filter, page models.Page) ([]*models.Record, error)
	Count(ctx context.Context, filter models.Filter) (int, error)
	SummarySince(ctx context.Context, since time.Time) (map[models.Event]int, error)
}

// RateLimiter approves one request per call.
type RateLimiter interface {
	Check(ctx context.Context, action rlmodels.Action, clientIdentity string) (*rlmodels.RateLimitResult, error)
}

// RevisionSource reports the policy revision currently in force.
type RevisionSource interface {
	Current(ctx context.Context) (int, error)
}

// SnapshotFunc returns the latest third-party service audit for reports.
type SnapshotFunc func(ctx context.Context) (any, error)

// Config is the site configuration the service needs.
type Config struct {
	Vocabulary     models.Vocabulary
	SignalDefaults signals.Defaults
	IPHashSalt     []byte
	RetentionDays  int
}

const summaryWindow = 30 * 24 * time.Hour

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithGenerator(g *identity.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.generator = g
		}
	}
}

func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(s *Service) {
		s.snapshot = fn
	}
}

// Service is safe for concurrent use.
type Service struct {
	ledger    Ledger
	limiter   RateLimiter
	revisions RevisionSource
	cfg       Config
	generator *identity.Generator
	snapshot  SnapshotFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func New(ledger Ledger, limiter RateLimiter, revisions RevisionSource, cfg Config, opts ...Option) (*Service, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if revisions == nil {
		return nil, errors.New("revision source is required")
	}
	if len(cfg.IPHashSalt) == 0 {
		return nil, errors.New("ip hash salt is required")
	}
	svc := &Service{
		ledger:    ledger,
		limiter:   limiter,
		revisions: revisions,
		cfg:       cfg,
		logger:    slog.Default(),
		tracer:    otel.Tracer("consentry/consent"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.generator == nil {
		svc.generator = identity.NewGenerator(
			identity.WithLogger(svc.logger),
			identity.WithDegradedHook(svc.metrics.RecordIdentityDegraded),
		)
	}
	return svc, nil
}

// SubmitCommand is one visitor decision as received from the client.
type SubmitCommand struct {
	Event     string
	States    map[string]bool
	Lang      string
	ConsentID string
	// Revision is the policy revision the visitor was shown, if the client
	// reports it. Zero means "the current one".
	Revision  int
	ClientIP  string
	UserAgent string
	// Identity is where the client keeps its token. Optional.
	Identity identity.Store
}

type SubmitResult struct {
	ConsentID string
	Event     models.Event
	States    models.States
	Signals   signals.Vector
	Rev       int
	// StaleRevision is set when the visitor already has a decision recorded
	// at a higher revision than this one.
	StaleRevision bool
}

// Submit rate-limits, normalizes and appends one decision to the ledger.
// A denied request has no side effects.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (result *SubmitResult, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.submit")
	start := time.Now()
	defer func() {
		s.metrics.ObserveSubmitLatency(time.Since(start).Seconds())
		endSpan(span, err)
	}()

	ipHash := privacy.HashIP(s.cfg.IPHashSalt, cmd.ClientIP)
	if err := s.enforceLimit(ctx, rlmodels.ActionConsentSubmit, ipHash); err != nil {
		return nil, err
	}

	event := models.CoerceEvent(cmd.Event)
	if string(event) != cmd.Event {
		s.logger.DebugContext(ctx, "consent_event_coerced", "raw_length", len(cmd.Event), "event", event)
	}
	states, dropped := s.cfg.Vocabulary.ForEvent(event, cmd.States)
	if len(dropped) > 0 {
		s.metrics.RecordUnknownCategories(len(dropped))
		s.logger.InfoContext(ctx, "consent_unknown_categories_dropped", "count", len(dropped))
	}

	current, err := s.revisions.Current(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "consent_revision_unavailable", "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record consent")
	}
	rev := current
	if cmd.Revision > 0 && cmd.Revision < current {
		rev = cmd.Revision
	}

	consentID, minted := s.resolveIdentity(cmd.ConsentID, cmd.Identity)
	span.SetAttributes(
		attribute.String("consent.event", string(event)),
		attribute.Int("consent.rev", rev),
		attribute.Bool("consent.identity_minted", minted),
	)

	stale := false
	if !minted {
		stale = s.isStale(ctx, consentID, rev)
	}

	res, err := s.persist(ctx, consentID, event, states, ipHash, cmd.UserAgent, cmd.Lang, rev)
	if err != nil {
		return nil, err
	}
	s.storeToken(ctx, cmd.Identity, identity.Token{ID: consentID, Revision: rev})

	if stale {
		s.metrics.RecordStaleRevision()
		s.logger.WarnContext(ctx, "consent_stale_revision", "consent_id", consentID, "rev", rev)
	}
	s.logger.InfoContext(ctx, "consent_recorded",
		"request_id", requestcontext.RequestID(ctx),
		"consent_id", consentID,
		"event", event,
		"rev", rev,
		"ip_prefix", privacy.AnonymizeIP(cmd.ClientIP),
	)

	return &SubmitResult{
		ConsentID:     consentID,
		Event:         event,
		States:        res.States,
		Signals:       signals.Map(res.States, s.cfg.SignalDefaults),
		Rev:           rev,
		StaleRevision: stale,
	}, nil
}

// RevokeCommand withdraws every optional category for a visitor.
type RevokeCommand struct {
	ConsentID string
	Lang      string
	ClientIP  string
	UserAgent string
	Identity  identity.Store
}

type RevokeResult struct {
	ConsentID string
	States    models.States
}

// Revoke appends a consent_revoked row: optional categories false, locked
// categories true.
func (s *Service) Revoke(ctx context.Context, cmd RevokeCommand) (result *RevokeResult, err error) {
	ctx, span := s.tracer.Start(ctx, "consent.revoke")
	defer func() { endSpan(span, err) }()

	ipHash := privacy.HashIP(s.cfg.IPHashSalt, cmd.ClientIP)
	if err := s.enforceLimit(ctx, rlmodels.ActionConsentRevoke, ipHash); err != nil {
		return nil, err
	}

	current, err := s.revisions.Current(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "consent_revision_unavailable", "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record revocation")
	}

	consentID, _ := s.resolveIdentity(cmd.ConsentID, cmd.Identity)
	states, _ := s.cfg.Vocabulary.ForEvent(models.EventConsentRevoked, nil)

	res, err := s.persist(ctx, consentID, models.EventConsentRevoked, states, ipHash, cmd.UserAgent, cmd.Lang, current)
	if err != nil {
		return nil, err
	}
	s.storeToken(ctx, cmd.Identity, identity.Token{ID: consentID, Revision: current})

	s.logger.InfoContext(ctx, "consent_revoked",
		"request_id", requestcontext.RequestID(ctx),
		"consent_id", consentID,
	)
	return &RevokeResult{ConsentID: consentID, States: res.States}, nil
}

// StateQuery asks for the server's view of a visitor.
type StateQuery struct {
	ConsentID string
	Identity  identity.Store
}

type StateResult struct {
	ConsentID       string
	States          models.States
	Signals         signals.Vector
	Rev             int
	CurrentRevision int
	ShouldDisplay   bool
	StaleRevision   bool
	Recorded        bool
}

// State returns the latest recorded decision for the visitor. Without one,
// the banner should be displayed. A decision made under an older revision
// is returned unchanged and flagged stale.
func (s *Service) State(ctx context.Context, q StateQuery) (*StateResult, error) {
	current, err := s.revisions.Current(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consent state")
	}

	consentID := q.ConsentID
	if !identity.Valid(consentID) {
		consentID = ""
		if q.Identity != nil {
			if t, ok := q.Identity.Read(); ok {
				consentID = t.ID
			}
		}
	}

	empty := s.cfg.Vocabulary.RejectAll()
	res := &StateResult{
		ConsentID:       consentID,
		States:          empty,
		Signals:         signals.Map(empty, s.cfg.SignalDefaults),
		CurrentRevision: current,
		ShouldDisplay:   true,
	}
	if consentID == "" {
		return res, nil
	}

	latest, err := s.ledger.FindLatestByConsentID(ctx, consentID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consent state")
	}

	res.Recorded = true
	res.States = latest.States
	res.Signals = signals.Map(latest.States, s.cfg.SignalDefaults)
	res.Rev = latest.Rev
	res.StaleRevision = latest.Rev < current
	res.ShouldDisplay = res.StaleRevision || latest.Event == models.EventReset
	return res, nil
}

// SummaryResult is the administrative overview of the last 30 days.
type SummaryResult struct {
	Summary  models.Summary
	Total    int
	Options  OptionsView
	Snapshot any
}

type OptionsView struct {
	Categories      []string `json:"categories"`
	Locked          []string `json:"locked"`
	CurrentRevision int      `json:"current_revision"`
	RetentionDays   int      `json:"retention_days"`
}

func (s *Service) Summary(ctx context.Context) (*SummaryResult, error) {
	now := requestcontext.Now(ctx)
	counts, err := s.ledger.SummarySince(ctx, now.Add(-summaryWindow))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to summarize consent")
	}
	summary := models.NewSummary(counts)

	current, err := s.revisions.Current(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to summarize consent")
	}

	var locked []string
	for _, k := range s.cfg.Vocabulary.Keys() {
		if s.cfg.Vocabulary.IsLocked(k) {
			locked = append(locked, k)
		}
	}

	res := &SummaryResult{
		Summary: summary,
		Total:   summary.Total(),
		Options: OptionsView{
			Categories:      s.cfg.Vocabulary.Keys(),
			Locked:          locked,
			CurrentRevision: current,
			RetentionDays:   s.cfg.RetentionDays,
		},
	}
	if s.snapshot != nil {
		snap, err := s.snapshot(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "consent_summary_snapshot_unavailable", "error", err)
		} else {
			res.Snapshot = snap
		}
	}
	return res, nil
}

type RecordsResult struct {
	Records []*models.Record
	Total   int
	Page    models.Page
}

// Records pages through the ledger for administrators.
func (s *Service) Records(ctx context.Context, filter models.Filter, page models.Page) (*RecordsResult, error) {
	page = page.Normalize()
	filter.Search = validation.Truncate(filter.Search, validation.MaxSearchLength)
	records, err := s.ledger.Query(ctx, filter, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query consent records")
	}
	total, err := s.ledger.Count(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count consent records")
	}
	return &RecordsResult{Records: records, Total: total, Page: page}, nil
}

// enforceLimit fails open: a limiter outage must not lose decisions.
func (s *Service) enforceLimit(ctx context.Context, action rlmodels.Action, ipHash string) error {
	res, err := s.limiter.Check(ctx, action, ipHash)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate_limit_check_failed", "action", action, "error", err)
		return nil
	}
	if !res.Allowed {
		return dErrors.New(dErrors.CodeRateLimited, "too many requests, try again later")
	}
	return nil
}

// resolveIdentity prefers an explicit ID, then the stored token, then mints.
func (s *Service) resolveIdentity(explicit string, store identity.Store) (string, bool) {
	if identity.Valid(explicit) {
		return explicit, false
	}
	if store != nil {
		if t, ok := store.Read(); ok && identity.Valid(t.ID) {
			return t.ID, false
		}
	}
	id, _ := s.generator.New()
	return id, true
}

func (s *Service) isStale(ctx context.Context, consentID string, rev int) bool {
	prev, err := s.ledger.FindLatestByConsentID(ctx, consentID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "consent_previous_lookup_failed", "error", err)
		}
		return false
	}
	return prev.Rev > rev
}

func (s *Service) persist(ctx context.Context, consentID string, event models.Event, states models.States, ipHash, userAgent, lang string, rev int) (*models.Record, error) {
	record, err := models.NewRecord(
		consentID,
		event,
		states,
		ipHash,
		validation.Truncate(userAgent, validation.MaxUserAgentLength),
		validation.SanitizeToken(lang, validation.MaxLangLength),
		rev,
		requestcontext.Now(ctx),
	)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Insert(ctx, record); err != nil {
		s.metrics.RecordPersistFailure()
		s.logger.ErrorContext(ctx, "consent_persist_failed",
			"request_id", requestcontext.RequestID(ctx),
			"event", event,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record consent")
	}
	s.metrics.RecordSubmission(string(event), userAgent)
	return record, nil
}

func (s *Service) storeToken(ctx context.Context, store identity.Store, t identity.Token) {
	if store == nil {
		return
	}
	if err := store.Write(t); err != nil {
		s.logger.WarnContext(ctx, "consent_identity_store_failed", "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
