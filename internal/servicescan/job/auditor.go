// Package job runs the third-party service audit.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consentry/internal/platform/scheduler"
	"consentry/internal/sentinel"
	"consentry/internal/servicescan/detector"
	"consentry/internal/servicescan/models"
	"consentry/internal/servicescan/notifier"
	"consentry/internal/servicescan/store"
)

// JobName is the scheduler name; runs log service_audit_completed/_failed.
const JobName = "service_audit"

// PageSource loads the page the detectors inspect.
type PageSource interface {
	Fetch(ctx context.Context) (detector.Page, error)
}

// RevisionBumper forces every visitor to consent again.
type RevisionBumper interface {
	Bump(ctx context.Context) (int, error)
}

// PolicyRegenerator rebuilds policy text from the detected services. The
// policy renderer lives outside this service.
type PolicyRegenerator interface {
	Regenerate(ctx context.Context, services []models.Service) error
}

// Config controls auto-update and notification.
type Config struct {
	Site         string
	AutoUpdate   bool
	BumpRevision bool
	Recipients   []string
	AdminEmail   string
	Cooldown     time.Duration
	Interval     time.Duration
}

// recipients returns the configured list, or the site admin when empty.
func (c Config) recipients() []string {
	if len(c.Recipients) > 0 {
		return c.Recipients
	}
	if c.AdminEmail != "" {
		return []string{c.AdminEmail}
	}
	return nil
}

type Option func(*Auditor)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Auditor) {
		if now != nil {
			a.now = now
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Auditor) {
		if t != nil {
			a.tracer = t
		}
	}
}

func WithRevisionBumper(b RevisionBumper) Option {
	return func(a *Auditor) {
		a.revisions = b
	}
}

func WithPolicyRegenerator(p PolicyRegenerator) Option {
	return func(a *Auditor) {
		a.policies = p
	}
}

func WithNotifier(n notifier.Notifier) Option {
	return func(a *Auditor) {
		a.notifier = n
	}
}

type Auditor struct {
	source    PageSource
	registry  *detector.Registry
	store     store.Store
	cfg       Config
	revisions RevisionBumper
	policies  PolicyRegenerator
	notifier  notifier.Notifier
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

func New(source PageSource, registry *detector.Registry, st store.Store, cfg Config, opts ...Option) (*Auditor, error) {
	if source == nil || registry == nil || st == nil {
		return nil, errors.New("page source, detector registry and store are required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	a := &Auditor{
		source:   source,
		registry: registry,
		store:    st,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer("consentry/servicescan"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Result describes one run.
type Result struct {
	Alert    models.Alert
	Services []models.Service
	Baseline bool
	Revision int
	Notified bool
}

func (a *Auditor) Start(ctx context.Context, sched *scheduler.Scheduler) error {
	return sched.Every(ctx, JobName, a.cfg.Interval, false, a.Job)
}

func (a *Auditor) Job(ctx context.Context) ([]any, error) {
	res, err := a.Run(ctx)
	if err != nil {
		return nil, err
	}
	return []any{
		"services", len(res.Services),
		"alert_active", res.Alert.Active,
		"added", len(res.Alert.Added),
		"removed", len(res.Alert.Removed),
		"notified", res.Notified,
	}, nil
}

// Run detects services, diffs them against the stored snapshot, updates the
// alert, applies auto-update and notifies. Running it again with the same
// services leaves the alert inactive and sends nothing. The snapshot is
// saved before auto-update so a failed save never bumps the revision twice.
func (a *Auditor) Run(ctx context.Context) (*Result, error) {
	ctx, span := a.tracer.Start(ctx, "servicescan.audit")
	defer span.End()

	page, err := a.source.Fetch(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch audit page: %w", err)
	}
	now := a.now().UTC()
	services := a.registry.Detect(ctx, page)
	res := &Result{Services: services}

	prev, err := a.store.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		res.Baseline = true
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	alert, err := a.store.LoadAlert(ctx)
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}

	var added, removed []models.Service
	if !res.Baseline {
		added, removed = models.Diff(prev.Services, services)
	}
	if len(added) == 0 && len(removed) == 0 {
		alert.Clear(now)
	} else {
		alert.Raise(added, removed, now)
		a.logger.WarnContext(ctx, "service_audit_changes_detected",
			"added", models.Names(added),
			"removed", models.Names(removed),
		)
	}
	span.SetAttributes(
		attribute.Int("servicescan.services", len(services)),
		attribute.Bool("servicescan.alert_active", alert.Active),
	)

	if err := a.store.SaveSnapshot(ctx, &models.Snapshot{Services: services, TakenAt: now}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	var updateErr error
	if a.cfg.AutoUpdate && (len(added) > 0 || len(removed) > 0) {
		if res.Revision, updateErr = a.autoUpdate(ctx, services); updateErr != nil {
			span.RecordError(updateErr)
			a.logger.ErrorContext(ctx, "service_audit_auto_update_failed", "error", updateErr)
		}
	}

	res.Notified = a.notify(ctx, alert, now)
	if err := a.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	if updateErr != nil {
		return nil, updateErr
	}
	res.Alert = *alert
	return res, nil
}

func (a *Auditor) autoUpdate(ctx context.Context, services []models.Service) (int, error) {
	if a.policies != nil {
		if err := a.policies.Regenerate(ctx, services); err != nil {
			return 0, fmt.Errorf("regenerate policies: %w", err)
		}
	}
	if !a.cfg.BumpRevision || a.revisions == nil {
		return 0, nil
	}
	rev, err := a.revisions.Bump(ctx)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return rev, nil
}

// notify sends at most one message per cooldown. A delivery failure is
// logged; the alert stays active and the next run retries.
func (a *Auditor) notify(ctx context.Context, alert *models.Alert, now time.Time) bool {
	if a.notifier == nil || !alert.Active {
		return false
	}
	recipients := a.cfg.recipients()
	if len(recipients) == 0 || !alert.CooledDown(now, a.cfg.Cooldown) {
		return false
	}
	msg := notifier.NewAlertMessage(a.cfg.Site, recipients, *alert, now)
	if err := a.notifier.Notify(ctx, msg); err != nil {
		a.logger.ErrorContext(ctx, "service_audit_notify_failed", "error", err)
		return false
	}
	alert.LastEmailedAt = now
	return true
}

// Report is the stored audit state shown to administrators.
type Report struct {
	Services []models.Service `json:"services"`
	TakenAt  time.Time        `json:"taken_at,omitzero"`
	Alert    models.Alert     `json:"alert"`
}

// LatestReport reads the last snapshot and alert. Before the first audit it
// returns an empty report.
func LatestReport(ctx context.Context, st store.Store) (*Report, error) {
	rep := &Report{Services: []models.Service{}}
	snap, err := st.LoadSnapshot(ctx)
	switch {
	case err == nil:
		rep.Services = snap.Services
		rep.TakenAt = snap.TakenAt
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	alert, err := st.LoadAlert(ctx)
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	rep.Alert = *alert
	return rep, nil
}
