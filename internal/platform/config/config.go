package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	strutil "consentry/pkg/platform/strings"
	"consentry/pkg/platform/validation"
)

// Config is the full process configuration. It is built once in main and
// passed down as explicit values; services never read the environment.
type Config struct {
	Environment string `validate:"oneof=development test production"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	Server    Server
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	Security  Security
	RateLimit RateLimit

	// Options come from the YAML options file (site-wide consent settings).
	Options Options
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string        `validate:"required"`
	SiteURL        string        `validate:"required,url"`
	ReadTimeout    time.Duration `validate:"gt=0"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	// GlobalRPS caps accepted consent submissions per second for this
	// instance regardless of client; zero disables the throttle.
	GlobalRPS   float64 `validate:"gte=0"`
	GlobalBurst int     `validate:"gte=0"`
}

// Database selects the ledger backend.
type Database struct {
	Driver          string `validate:"oneof=memory postgres sqlite"`
	URL             string `validate:"required_unless=Driver memory"`
	MaxOpenConns    int    `validate:"gte=1"`
	MaxIdleConns    int    `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the rate-limit window store. An empty URL keeps
// windows in process memory.
type RedisConfig struct {
	URL          string
	PoolSize     int `validate:"gte=1"`
	MinIdleConns int `validate:"gte=0"`
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the optional audit-alert notification topic.
type Kafka struct {
	Brokers     []string
	NotifyTopic string `validate:"required_with=Brokers"`
}

// Security holds secrets and trust settings.
type Security struct {
	AdminToken        string
	IPHashSalt        string        `validate:"required,min=16"`
	NonceSecret       string        `validate:"required,min=32"`
	NonceTTL          time.Duration `validate:"gt=0"`
	TrustPrivatePeers bool
	TrustedProxies    []netip.Prefix
}

// RateLimit configures the per-client submission limiter.
type RateLimit struct {
	Requests        int           `validate:"gte=1"`
	Window          time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}

// Category is one entry of the consent category vocabulary.
type Category struct {
	Key    string `yaml:"key" validate:"required,max=64"`
	Label  string `yaml:"label"`
	Locked bool   `yaml:"locked"`
}

// Options is the site-wide consent configuration loaded from YAML.
type Options struct {
	Categories     []Category        `yaml:"categories" validate:"required,min=1,dive"`
	SignalDefaults map[string]string `yaml:"signal_defaults" validate:"dive,keys,oneof=analytics_storage ad_storage ad_user_data ad_personalization functionality_storage personalization_storage security_storage,endkeys,oneof=granted denied"`
	Cookie         CookieOptions     `yaml:"cookie"`
	Retention      RetentionOptions  `yaml:"retention"`
	Audit          AuditOptions      `yaml:"audit"`
}

// CookieOptions configures the client-side identity cookie.
type CookieOptions struct {
	Name   string        `yaml:"name" validate:"required"`
	MaxAge time.Duration `yaml:"max_age" validate:"gt=0"`
	Secure bool          `yaml:"secure"`
}

// RetentionOptions configures the ledger retention sweep. Days of zero keeps
// records forever.
type RetentionOptions struct {
	Days     int           `yaml:"days" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// AuditOptions configures the third-party service audit.
type AuditOptions struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	AutoUpdate   bool          `yaml:"auto_update"`
	BumpRevision bool          `yaml:"bump_revision"`
	Recipients   []string      `yaml:"recipients" validate:"dive,email"`
	AdminEmail   string        `yaml:"admin_email" validate:"omitempty,email"`
	Cooldown     time.Duration `yaml:"cooldown" validate:"gt=0"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
}

// CategoryKeys returns the configured vocabulary in declaration order.
func (o Options) CategoryKeys() []string {
	keys := make([]string, 0, len(o.Categories))
	for _, c := range o.Categories {
		keys = append(keys, c.Key)
	}
	return keys
}

// LockedKeys returns the categories a visitor cannot decline.
func (o Options) LockedKeys() []string {
	var keys []string
	for _, c := range o.Categories {
		if c.Locked {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// DefaultOptions is used when no options file is configured.
func DefaultOptions() Options {
	return Options{
		Categories: []Category{
			{Key: "necessary", Label: "Strictly necessary", Locked: true},
			{Key: "preferences", Label: "Preferences"},
			{Key: "statistics", Label: "Statistics"},
			{Key: "marketing", Label: "Marketing"},
		},
		SignalDefaults: map[string]string{
			"analytics_storage":       "denied",
			"ad_storage":              "denied",
			"ad_user_data":            "denied",
			"ad_personalization":      "denied",
			"functionality_storage":   "denied",
			"personalization_storage": "denied",
			"security_storage":        "granted",
		},
		Cookie: CookieOptions{
			Name:   "consentry_id",
			MaxAge: 365 * 24 * time.Hour,
			Secure: true,
		},
		Retention: RetentionOptions{
			Days:     365,
			Interval: 24 * time.Hour,
		},
		Audit: AuditOptions{
			Interval:     24 * time.Hour,
			Cooldown:     24 * time.Hour,
			FetchTimeout: 10 * time.Second,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env (if present), the process environment and the YAML
// options file named by CONSENTRY_OPTIONS_FILE, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a getenv-style lookup. Tests pass a map lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := envReader{get: getenv}

	cfg := &Config{
		Environment: e.str("CONSENTRY_ENV", "development"),
		LogLevel:    strings.ToLower(e.str("LOG_LEVEL", "info")),
		Server: Server{
			Addr:           e.str("CONSENTRY_ADDR", ":8080"),
			SiteURL:        e.str("CONSENTRY_SITE_URL", "http://localhost:8080"),
			ReadTimeout:    e.duration("CONSENTRY_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:   e.duration("CONSENTRY_WRITE_TIMEOUT", 10*time.Second),
			RequestTimeout: e.duration("CONSENTRY_REQUEST_TIMEOUT", 5*time.Second),
			GlobalRPS:      e.float("CONSENTRY_GLOBAL_RPS", 200),
			GlobalBurst:    e.int("CONSENTRY_GLOBAL_BURST", 400),
		},
		Database: Database{
			Driver:          e.str("CONSENTRY_DB_DRIVER", "memory"),
			URL:             e.str("CONSENTRY_DB_URL", ""),
			MaxOpenConns:    e.int("CONSENTRY_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.int("CONSENTRY_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("CONSENTRY_DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:          e.str("CONSENTRY_REDIS_URL", ""),
			PoolSize:     e.int("CONSENTRY_REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("CONSENTRY_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("CONSENTRY_REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  e.duration("CONSENTRY_REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: e.duration("CONSENTRY_REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Kafka: Kafka{
			Brokers:     e.list("CONSENTRY_KAFKA_BROKERS"),
			NotifyTopic: e.str("CONSENTRY_KAFKA_NOTIFY_TOPIC", ""),
		},
		Security: Security{
			AdminToken:        e.str("CONSENTRY_ADMIN_TOKEN", ""),
			IPHashSalt:        e.str("CONSENTRY_IP_HASH_SALT", ""),
			NonceSecret:       e.str("CONSENTRY_NONCE_SECRET", ""),
			NonceTTL:          e.duration("CONSENTRY_NONCE_TTL", 12*time.Hour),
			TrustPrivatePeers: e.bool("CONSENTRY_TRUST_PRIVATE_PEERS", true),
		},
		RateLimit: RateLimit{
			Requests:        e.int("CONSENTRY_RATE_LIMIT_REQUESTS", 10),
			Window:          e.duration("CONSENTRY_RATE_LIMIT_WINDOW", 10*time.Minute),
			CleanupInterval: e.duration("CONSENTRY_RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
		},
		Options: DefaultOptions(),
	}

	for _, raw := range e.list("CONSENTRY_TRUSTED_PROXIES") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("CONSENTRY_TRUSTED_PROXIES: %w", err))
			continue
		}
		cfg.Security.TrustedProxies = append(cfg.Security.TrustedProxies, prefix)
	}

	if path := e.str("CONSENTRY_OPTIONS_FILE", ""); path != "" {
		opts, err := LoadOptions(path)
		if err != nil {
			return nil, err
		}
		cfg.Options = *opts
	}
	if days := e.get("CONSENTRY_RETENTION_DAYS"); days != "" {
		cfg.Options.Retention.Days = e.int("CONSENTRY_RETENTION_DAYS", cfg.Options.Retention.Days)
	}

	if cfg.Environment != "production" {
		if cfg.Security.IPHashSalt == "" {
			cfg.Security.IPHashSalt = "dev-ip-hash-salt-change-me"
		}
		if cfg.Security.NonceSecret == "" {
			cfg.Security.NonceSecret = "dev-nonce-secret-change-in-production!"
		}
	}

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOptions reads a YAML options file. Fields left out keep DefaultOptions values.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	return ParseOptions(raw)
}

// ParseOptions decodes YAML options over DefaultOptions and validates them.
func ParseOptions(raw []byte) (*Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}
	opts.Audit.Recipients = strutil.DedupeAndTrimLower(opts.Audit.Recipients)
	seen := make(map[string]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		if !validation.IsToken(c.Key, validation.MaxCategoryKeyLength) {
			return nil, fmt.Errorf("parse options: category key %q must match [A-Za-z0-9_-]", c.Key)
		}
		if seen[c.Key] {
			return nil, fmt.Errorf("parse options: duplicate category %q", c.Key)
		}
		seen[c.Key] = true
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return &opts, nil
}

type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) list(key string) []string {
	return strutil.SplitList(e.get(key))
}
