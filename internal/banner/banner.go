// Package banner is the visitor-side consent banner controller. It owns the
// Hidden/Visible/ModalOpen state, applies consent signals locally before
// the network round trip, and hands the decision to a Submitter in the
// background.
package banner

import (
	"context"
	"log/slog"
	"sync"

	"consentry/internal/consent/identity"
	"consentry/internal/consent/models"
	"consentry/internal/consent/signals"
	dErrors "consentry/pkg/domain-errors"
)

type State int

const (
	Hidden State = iota
	Visible
	ModalOpen
)

func (s State) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	case ModalOpen:
		return "modal_open"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = dErrors.New(dErrors.CodeConflict, "banner: action not allowed in current state")
	ErrLockedCategory    = dErrors.New(dErrors.CodeForbidden, "banner: locked category cannot be declined")
	ErrUnknownCategory   = dErrors.New(dErrors.CodeValidation, "banner: unknown category")
)

// Snapshot is the locally cached view of the visitor's decision.
type Snapshot struct {
	ConsentID     string        `json:"consent_id,omitempty"`
	Categories    models.States `json:"categories"`
	LastRevision  int           `json:"last_revision"`
	ShouldDisplay bool          `json:"should_display"`
	// PendingResync is set when a submission failed; the next Reconcile
	// takes the server's view even if it agrees with nothing local.
	PendingResync bool `json:"pending_resync,omitempty"`
}

// Decided reports whether the visitor ever made a choice on this client.
func (s Snapshot) Decided() bool {
	return s.LastRevision > 0
}

// ServerState is the authoritative snapshot returned by GET /consent/state.
type ServerState struct {
	ConsentID       string
	States          models.States
	Rev             int
	CurrentRevision int
	ShouldDisplay   bool
	Recorded        bool
}

// Submission is what the banner sends to the ingestion endpoint.
type Submission struct {
	Event     models.Event
	States    models.States
	Lang      string
	ConsentID string
	Revision  int
}

// Receipt is the ingestion endpoint's answer.
type Receipt struct {
	ConsentID string
	Rev       int
}

type SignalSink interface {
	Apply(ctx context.Context, v signals.Vector)
}

type Submitter interface {
	Submit(ctx context.Context, s Submission) (*Receipt, error)
}

type LocalStore interface {
	Load() (Snapshot, bool)
	Save(Snapshot) error
}

// Config is the per-page configuration rendered into the banner.
type Config struct {
	Vocabulary      models.Vocabulary
	SignalDefaults  signals.Defaults
	CurrentRevision int
	// ForceDisplay shows the banner regardless of the stored decision
	// (previews and embedded contexts).
	ForceDisplay bool
	Lang         string
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithGenerator mints the identity on the client before the first
// submission instead of waiting for the server to assign one.
func WithGenerator(gen *identity.Generator) Option {
	return func(m *Machine) {
		m.generator = gen
	}
}

// WithErrorHandler is called from the submission goroutine when the
// ingestion endpoint rejects or fails a decision.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Machine) {
		m.onError = fn
	}
}

// Machine is safe for concurrent use, but transitions are expected to come
// from one UI event loop.
type Machine struct {
	mu    sync.Mutex
	cfg   Config
	state State
	snap  Snapshot

	choices    models.States
	focusables []string
	focusIdx   int
	priorFocus string
	returnTo   State

	seq     uint64
	lastErr error
	wg      sync.WaitGroup

	sink       SignalSink
	submitter  Submitter
	identities identity.Store
	local      LocalStore
	generator  *identity.Generator
	onError    func(error)
	logger     *slog.Logger
}

func New(cfg Config, sink SignalSink, submitter Submitter, identities identity.Store, local LocalStore, opts ...Option) *Machine {
	m := &Machine{
		cfg:        cfg,
		sink:       sink,
		submitter:  submitter,
		identities: identities,
		local:      local,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores the cached snapshot, reconciles it with the server state
// when one is supplied, dispatches the resulting signals and computes the
// initial state.
func (m *Machine) Load(ctx context.Context, server *ServerState) State {
	m.mu.Lock()
	snap, ok := m.local.Load()
	if !ok {
		snap = Snapshot{ShouldDisplay: true}
	}
	if snap.ConsentID == "" {
		if t, ok := m.identities.Read(); ok {
			snap.ConsentID = t.ID
		}
	}
	if snap.Categories == nil {
		snap.Categories = m.cfg.Vocabulary.RejectAll()
	}
	m.snap = snap

	if server != nil {
		m.reconcileLocked(*server)
	}

	if m.snap.ShouldDisplay || m.cfg.ForceDisplay {
		m.state = Visible
	} else {
		m.state = Hidden
	}
	state := m.state
	vector := signals.Map(m.snap.Categories, m.cfg.SignalDefaults)
	m.mu.Unlock()

	m.sink.Apply(ctx, vector)
	return state
}

// Reconcile applies the server's view. The server wins whenever it
// disagrees with the local cache or a submission is still unconfirmed.
func (m *Machine) Reconcile(ctx context.Context, server ServerState) {
	m.mu.Lock()
	if !m.reconcileLocked(server) {
		m.mu.Unlock()
		return
	}
	vector := signals.Map(m.snap.Categories, m.cfg.SignalDefaults)
	m.mu.Unlock()

	m.sink.Apply(ctx, vector)
}

func (m *Machine) reconcileLocked(server ServerState) (changed bool) {
	if server.CurrentRevision > m.cfg.CurrentRevision {
		m.cfg.CurrentRevision = server.CurrentRevision
	}

	if !server.Recorded {
		if !m.snap.PendingResync {
			return false
		}
		// The decision never reached the ledger: ask again.
		m.snap.Categories = m.cfg.Vocabulary.RejectAll()
		m.snap.LastRevision = 0
		m.snap.ShouldDisplay = true
		m.snap.PendingResync = false
		m.persistLocked()
		m.logger.Info("consent_banner_resync", "consent_id", m.snap.ConsentID, "recorded", false)
		return true
	}

	states, _ := m.cfg.Vocabulary.Normalize(server.States)
	agrees := !m.snap.PendingResync &&
		m.snap.ConsentID == server.ConsentID &&
		m.snap.LastRevision == server.Rev &&
		sameStates(m.snap.Categories, states)
	if agrees {
		return false
	}

	m.snap.ConsentID = server.ConsentID
	m.snap.Categories = states
	m.snap.LastRevision = server.Rev
	m.snap.ShouldDisplay = server.ShouldDisplay
	m.snap.PendingResync = false
	if err := m.identities.Write(identity.Token{ID: server.ConsentID, Revision: server.Rev}); err != nil {
		m.logger.Warn("consent_identity_write_failed", "error", err)
	}
	m.persistLocked()
	m.logger.Info("consent_banner_resync", "consent_id", server.ConsentID, "recorded", true, "rev", server.Rev)
	return true
}

func sameStates(a, b models.States) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.Categories = m.snap.Categories.Clone()
	return s
}

// NeedsRenewal reports whether the stale-revision banner should show: the
// visitor decided under an older policy revision. It is independent of the
// primary state and never touches the consent ID.
func (m *Machine) NeedsRenewal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsRenewalLocked()
}

func (m *Machine) needsRenewalLocked() bool {
	return m.snap.Decided() && m.snap.LastRevision < m.cfg.CurrentRevision
}

// ManagePreferences opens the modal, moving focus to its first focusable
// element. priorFocus is restored when the modal closes.
func (m *Machine) ManagePreferences(priorFocus string, focusables []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ModalOpen {
		return ErrInvalidTransition
	}
	m.returnTo = m.state
	m.state = ModalOpen
	m.priorFocus = priorFocus
	m.focusables = append([]string(nil), focusables...)
	m.focusIdx = 0
	m.choices = m.snap.Categories.Clone()
	for _, k := range m.cfg.Vocabulary.Keys() {
		if m.cfg.Vocabulary.IsLocked(k) {
			m.choices[k] = true
		}
	}
	return nil
}

// Focus is the element holding focus inside the modal, or "" outside it.
func (m *Machine) Focus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ModalOpen || len(m.focusables) == 0 {
		return ""
	}
	return m.focusables[m.focusIdx]
}

// FocusNext handles Tab; focus wraps to the first element.
func (m *Machine) FocusNext() string {
	return m.moveFocus(1)
}

// FocusPrev handles Shift+Tab; focus wraps to the last element.
func (m *Machine) FocusPrev() string {
	return m.moveFocus(-1)
}

func (m *Machine) moveFocus(step int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.focusables)
	if m.state != ModalOpen || n == 0 {
		return ""
	}
	m.focusIdx = ((m.focusIdx+step)%n + n) % n
	return m.focusables[m.focusIdx]
}

// CloseModal handles Escape. It returns the element that gets focus back.
func (m *Machine) CloseModal() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ModalOpen {
		return "", ErrInvalidTransition
	}
	m.state = m.returnTo
	return m.leaveModalLocked(), nil
}

func (m *Machine) leaveModalLocked() string {
	prior := m.priorFocus
	m.priorFocus = ""
	m.focusables = nil
	m.focusIdx = 0
	m.choices = nil
	return prior
}

// Toggle flips a checkbox in the modal.
func (m *Machine) Toggle(category string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ModalOpen {
		return ErrInvalidTransition
	}
	if !m.cfg.Vocabulary.Has(category) {
		return ErrUnknownCategory
	}
	if m.cfg.Vocabulary.IsLocked(category) && !on {
		return ErrLockedCategory
	}
	m.choices[category] = on
	return nil
}

// Choices is the modal's current checkbox state.
func (m *Machine) Choices() models.States {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.choices.Clone()
}

func (m *Machine) AcceptAll(ctx context.Context) error {
	return m.decide(ctx, models.EventAcceptAll, nil)
}

func (m *Machine) RejectAll(ctx context.Context) error {
	return m.decide(ctx, models.EventRejectAll, nil)
}

// SavePreferences records the modal's checkbox state.
func (m *Machine) SavePreferences(ctx context.Context) error {
	m.mu.Lock()
	if m.state != ModalOpen {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	choices := m.choices.Clone()
	m.mu.Unlock()
	return m.decide(ctx, models.EventConsent, choices)
}

// decide applies a decision locally and hands it to the submitter without
// waiting for the result. The signal sink runs after the lock is released
// so it may call back into the machine.
func (m *Machine) decide(ctx context.Context, event models.Event, choices models.States) error {
	vector, err := m.decideLocked(ctx, event, choices)
	if err != nil {
		return err
	}
	m.sink.Apply(ctx, vector)
	return nil
}

func (m *Machine) decideLocked(ctx context.Context, event models.Event, choices models.States) (signals.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Hidden && !m.needsRenewalLocked() && !m.cfg.ForceDisplay {
		return nil, ErrInvalidTransition
	}

	states, dropped := m.cfg.Vocabulary.ForEvent(event, choices)
	if len(dropped) > 0 {
		m.logger.Warn("consent_unknown_categories", "categories", dropped)
	}
	vector := signals.Map(states, m.cfg.SignalDefaults)

	if m.snap.ConsentID == "" && m.generator != nil {
		if t, minted, err := identity.Ensure(m.identities, m.generator); err == nil {
			m.snap.ConsentID = t.ID
			if minted {
				m.logger.Debug("consent_identity_minted", "consent_id", t.ID)
			}
		} else {
			m.logger.Warn("consent_identity_write_failed", "error", err)
		}
	}

	m.snap.Categories = states
	m.snap.LastRevision = m.cfg.CurrentRevision
	m.snap.ShouldDisplay = false
	m.persistLocked()

	if m.state == ModalOpen {
		m.leaveModalLocked()
	}
	m.state = Hidden

	m.seq++
	sub := Submission{
		Event:     event,
		States:    states.Clone(),
		Lang:      m.cfg.Lang,
		ConsentID: m.snap.ConsentID,
		Revision:  m.cfg.CurrentRevision,
	}
	m.wg.Add(1)
	go m.submit(context.WithoutCancel(ctx), sub, m.seq)
	return vector, nil
}

func (m *Machine) submit(ctx context.Context, sub Submission, seq uint64) {
	defer m.wg.Done()

	receipt, err := m.submitter.Submit(ctx, sub)
	if err != nil {
		m.submitFailed(sub, seq, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	latest := seq == m.seq
	if latest {
		m.lastErr = nil
		m.snap.PendingResync = false
	}
	if receipt == nil || !identity.Valid(receipt.ConsentID) {
		m.persistLocked()
		return
	}
	if m.snap.ConsentID == "" || m.snap.ConsentID == receipt.ConsentID || latest {
		m.snap.ConsentID = receipt.ConsentID
	}
	if err := m.identities.Write(identity.Token{ID: receipt.ConsentID, Revision: receipt.Rev}); err != nil {
		m.logger.Warn("consent_identity_write_failed", "error", err)
	}
	m.persistLocked()
}

// submitFailed records the failure and then notifies the error handler
// with the lock released, so the handler may read the machine.
func (m *Machine) submitFailed(sub Submission, seq uint64, err error) {
	m.mu.Lock()
	m.lastErr = err
	if seq == m.seq {
		m.snap.PendingResync = true
		m.persistLocked()
	}
	handler := m.onError
	m.mu.Unlock()

	m.logger.Warn("consent_submit_failed", "event", sub.Event, "error", err)
	if handler != nil {
		handler(err)
	}
}

// Wait blocks until every in-flight submission has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Err is the error of the most recent failed submission, cleared once a
// later submission succeeds.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) persistLocked() {
	s := m.snap
	s.Categories = m.snap.Categories.Clone()
	if err := m.local.Save(s); err != nil {
		m.logger.Warn("consent_snapshot_save_failed", "error", err)
	}
}
