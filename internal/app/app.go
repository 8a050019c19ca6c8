// Package app is the composition root shared by the server and consentctl.
// It turns a Config into wired stores, services and workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"consentry/internal/consent/identity"
	consentmetrics "consentry/internal/consent/metrics"
	"consentry/internal/consent/models"
	"consentry/internal/consent/nonce"
	"consentry/internal/consent/service"
	"consentry/internal/consent/signals"
	consentstore "consentry/internal/consent/store"
	"consentry/internal/consent/workers/retention"
	"consentry/internal/platform/config"
	"consentry/internal/platform/database"
	"consentry/internal/platform/health"
	"consentry/internal/platform/kafka/producer"
	"consentry/internal/platform/metrics"
	redisclient "consentry/internal/platform/redis"
	"consentry/internal/platform/scheduler"
	rlconfig "consentry/internal/ratelimit/config"
	rlmetrics "consentry/internal/ratelimit/metrics"
	rlservice "consentry/internal/ratelimit/service"
	"consentry/internal/ratelimit/store/bucket"
	"consentry/internal/ratelimit/workers/cleanup"
	"consentry/internal/revision"
	"consentry/internal/servicescan/detector"
	"consentry/internal/servicescan/job"
	"consentry/internal/servicescan/notifier"
	scanstore "consentry/internal/servicescan/store"
	"consentry/pkg/platform/circuit"
)

// App holds every long-lived component. Fields are exported for cmd/ and tests.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool     *database.Pool
	Redis    *redisclient.Client
	Producer *producer.Producer

	Ledger    consentstore.Ledger
	Revisions *revision.Gate
	Audits    scanstore.Store

	Windows *bucket.InMemoryBucketStore
	Limiter *rlservice.Service

	Consent   *service.Service
	Nonces    *nonce.Issuer
	Auditor   *job.Auditor
	Retention *retention.Worker
	Cleanup   *cleanup.Worker
	Scheduler *scheduler.Scheduler
	Health    *health.Handler

	Vocabulary models.Vocabulary
	Cookie     identity.CookieConfig

	consentMetrics *consentmetrics.Metrics
	closers        []func() error
}

type Option func(*settings)

type settings struct {
	registerer prometheus.Registerer
	clock      func() time.Time
	fetcher    job.PageSource
	policies   job.PolicyRegenerator
}

// WithRegisterer registers metrics against reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) {
		if reg != nil {
			s.registerer = reg
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithPageSource replaces the HTTP fetch of the site home page.
func WithPageSource(src job.PageSource) Option {
	return func(s *settings) {
		s.fetcher = src
	}
}

// WithPolicyRegenerator plugs in the external policy renderer for auto-update.
func WithPolicyRegenerator(p job.PolicyRegenerator) Option {
	return func(s *settings) {
		s.policies = p
	}
}

// New connects to the configured backends and wires the services. On error
// anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	st := settings{registerer: prometheus.DefaultRegisterer, clock: time.Now}
	for _, opt := range opts {
		opt(&st)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Health: health.New(cfg.Environment),
		Vocabulary: models.NewVocabulary(
			cfg.Options.CategoryKeys(),
			cfg.Options.LockedKeys(),
		),
		Cookie: identity.CookieConfig{
			Name:   cfg.Options.Cookie.Name,
			MaxAge: cfg.Options.Cookie.MaxAge,
			Secure: cfg.Options.Cookie.Secure,
		},
	}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	jobMetrics := metrics.NewWithRegisterer(st.registerer)
	a.consentMetrics = consentmetrics.NewWithRegisterer(st.registerer)
	limiterMetrics := rlmetrics.NewWithRegisterer(st.registerer)

	a.Scheduler = scheduler.New(
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(jobMetrics),
		scheduler.WithClock(st.clock),
	)

	if err := a.openStores(); err != nil {
		return fail(err)
	}
	if err := a.openLimiter(ctx, limiterMetrics); err != nil {
		return fail(err)
	}
	if err := a.openProducer(); err != nil {
		return fail(err)
	}

	var err error
	a.Revisions, err = revision.New(newRevisionStore(a.Pool),
		revision.WithLogger(logger),
		revision.WithBumpListener(func(_ context.Context, rev int) {
			a.consentMetrics.SetPolicyRevision(rev)
		}),
	)
	if err != nil {
		return fail(err)
	}
	if rev, err := a.Revisions.Current(ctx); err == nil {
		a.consentMetrics.SetPolicyRevision(rev)
	}

	a.Nonces, err = nonce.NewIssuer(cfg.Security.NonceSecret, cfg.Server.SiteURL, cfg.Security.NonceTTL)
	if err != nil {
		return fail(fmt.Errorf("nonce issuer: %w", err))
	}

	a.Consent, err = service.New(a.Ledger, a.Limiter, a.Revisions, service.Config{
		Vocabulary:     a.Vocabulary,
		SignalDefaults: signals.DefaultsFromConfig(cfg.Options.SignalDefaults),
		IPHashSalt:     []byte(cfg.Security.IPHashSalt),
		RetentionDays:  cfg.Options.Retention.Days,
	},
		service.WithLogger(logger),
		service.WithMetrics(a.consentMetrics),
		service.WithSnapshotFunc(a.auditSnapshot),
	)
	if err != nil {
		return fail(err)
	}

	a.Retention = retention.New(a.Ledger, cfg.Options.Retention.Days,
		retention.WithLogger(logger),
		retention.WithInterval(cfg.Options.Retention.Interval),
		retention.WithMetrics(a.consentMetrics),
		retention.WithClock(st.clock),
	)
	a.Cleanup = cleanup.New(a.Windows,
		cleanup.WithLogger(logger),
		cleanup.WithInterval(cfg.RateLimit.CleanupInterval),
		cleanup.WithMetrics(limiterMetrics),
	)

	if err := a.buildAuditor(st); err != nil {
		return fail(err)
	}
	a.registerHealthChecks()
	return a, nil
}

func (a *App) openStores() error {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		a.Ledger = consentstore.NewInMemoryLedger()
		a.Audits = scanstore.NewInMemoryStore()
		a.Logger.Warn("using in-memory stores; consent records are lost on restart")
		return nil
	}

	pool, err := database.New(database.Config{
		Driver:          cfg.Driver,
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	a.Ledger = consentstore.NewSQLLedger(pool.DB(), pool.Dialect())
	a.Audits = scanstore.NewSQLStore(pool.DB(), pool.Dialect())
	a.Logger.Info("database connected", "driver", pool.Driver())
	return nil
}

func newRevisionStore(pool *database.Pool) revision.Store {
	if pool == nil {
		return revision.NewMemoryStore()
	}
	return revision.NewSQLStore(pool.DB(), pool.Dialect())
}

// openLimiter keeps windows in Redis when configured, falling back to the
// in-process store while Redis is unreachable.
func (a *App) openLimiter(ctx context.Context, m *rlmetrics.Metrics) error {
	a.Windows = bucket.NewInMemoryBucketStore()
	limits := rlconfig.Uniform(a.Config.RateLimit.Requests, a.Config.RateLimit.Window)

	rc, err := redisclient.New(ctx, a.Config.Redis)
	if err != nil {
		return err
	}
	if rc == nil {
		a.Limiter, err = rlservice.New(a.Windows,
			rlservice.WithLogger(a.Logger),
			rlservice.WithConfig(limits),
			rlservice.WithMetrics(m),
		)
		return err
	}

	a.Redis = rc
	a.closers = append(a.closers, rc.Close)
	a.Limiter, err = rlservice.New(bucket.NewRedisBucketStore(rc.Client),
		rlservice.WithLogger(a.Logger),
		rlservice.WithConfig(limits),
		rlservice.WithMetrics(m),
		rlservice.WithFallback(a.Windows),
	)
	if err != nil {
		return err
	}
	a.Logger.Info("rate limit windows stored in redis")
	return nil
}

func (a *App) openProducer() error {
	if len(a.Config.Kafka.Brokers) == 0 {
		return nil
	}
	p, err := producer.New(producer.Config{
		Brokers:         a.Config.Kafka.Brokers,
		Acks:            "all",
		Retries:         3,
		DeliveryTimeout: 10 * time.Second,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	a.Producer = p
	a.closers = append(a.closers, p.Close)
	return nil
}

func (a *App) buildAuditor(st settings) error {
	audit := a.Config.Options.Audit

	source := st.fetcher
	if source == nil {
		source = detector.NewFetcher(a.Config.Server.SiteURL, audit.FetchTimeout,
			circuit.New("servicescan_fetch",
				circuit.WithFailureThreshold(3),
				circuit.WithOpenTimeout(time.Minute),
			))
	}

	notifiers := notifier.Fanout{notifier.NewLogNotifier(a.Logger)}
	if a.Producer != nil {
		notifiers = append(notifiers, notifier.NewKafkaNotifier(a.Producer, a.Config.Kafka.NotifyTopic,
			circuit.New("servicescan_notify",
				circuit.WithFailureThreshold(3),
				circuit.WithOpenTimeout(30*time.Second),
			)))
	}

	opts := []job.Option{
		job.WithLogger(a.Logger),
		job.WithClock(st.clock),
		job.WithNotifier(notifiers),
	}
	if audit.BumpRevision {
		opts = append(opts, job.WithRevisionBumper(a.Revisions))
	}
	if st.policies != nil {
		opts = append(opts, job.WithPolicyRegenerator(st.policies))
	}

	var err error
	a.Auditor, err = job.New(source, detector.NewRegistry(detector.Builtin()...), a.Audits, job.Config{
		Site:         a.Config.Server.SiteURL,
		AutoUpdate:   audit.AutoUpdate,
		BumpRevision: audit.BumpRevision,
		Recipients:   audit.Recipients,
		AdminEmail:   audit.AdminEmail,
		Cooldown:     audit.Cooldown,
		Interval:     audit.Interval,
	}, opts...)
	return err
}

func (a *App) registerHealthChecks() {
	if a.Pool != nil {
		a.Health.RegisterCheck("database", a.Pool.Health)
	}
	if a.Redis != nil {
		a.Health.RegisterCheck("redis", a.Redis.Health)
	}
	if a.Producer != nil {
		a.Health.RegisterCheck("kafka", a.Producer.Healthy)
	}
}

// auditSnapshot feeds the latest service audit into the consent summary.
func (a *App) auditSnapshot(ctx context.Context) (any, error) {
	return job.LatestReport(ctx, a.Audits)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
