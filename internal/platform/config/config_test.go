package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ConfigSuite covers environment and options-file parsing.
//
// Justification: configuration decides the category vocabulary and the
// locked flags that the ledger enforces; a silent parse fallback would change
// what gets recorded.
type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func lookup(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func (s *ConfigSuite) TestDefaults() {
	cfg, err := FromEnv(lookup(nil))
	s.Require().NoError(err)

	s.Equal(":8080", cfg.Server.Addr)
	s.Equal("memory", cfg.Database.Driver)
	s.Equal(10, cfg.RateLimit.Requests)
	s.Equal(10*time.Minute, cfg.RateLimit.Window)
	s.Equal(12*time.Hour, cfg.Security.NonceTTL)
	s.True(cfg.Security.TrustPrivatePeers)
	s.Equal([]string{"necessary"}, cfg.Options.LockedKeys())
	s.Equal([]string{"necessary", "preferences", "statistics", "marketing"}, cfg.Options.CategoryKeys())
	s.Equal("consentry_id", cfg.Options.Cookie.Name)
}

func (s *ConfigSuite) TestEnvOverrides() {
	cfg, err := FromEnv(lookup(map[string]string{
		"CONSENTRY_ADDR":               ":9090",
		"CONSENTRY_RATE_LIMIT_WINDOW":  "1m",
		"CONSENTRY_TRUSTED_PROXIES":    "203.0.113.0/24, 198.51.100.0/24",
		"CONSENTRY_RETENTION_DAYS":     "30",
		"CONSENTRY_KAFKA_BROKERS":      "k1:9092,k2:9092",
		"CONSENTRY_KAFKA_NOTIFY_TOPIC": "consent.alerts",
	}))
	s.Require().NoError(err)

	s.Equal(":9090", cfg.Server.Addr)
	s.Equal(time.Minute, cfg.RateLimit.Window)
	s.Len(cfg.Security.TrustedProxies, 2)
	s.Equal(30, cfg.Options.Retention.Days)
	s.Equal([]string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func (s *ConfigSuite) TestInvalidValues() {
	s.Run("malformed duration", func() {
		_, err := FromEnv(lookup(map[string]string{"CONSENTRY_RATE_LIMIT_WINDOW": "ten minutes"}))
		s.Error(err)
	})

	s.Run("malformed proxy prefix", func() {
		_, err := FromEnv(lookup(map[string]string{"CONSENTRY_TRUSTED_PROXIES": "nope"}))
		s.Error(err)
	})

	s.Run("postgres without url", func() {
		_, err := FromEnv(lookup(map[string]string{"CONSENTRY_DB_DRIVER": "postgres"}))
		s.Error(err)
	})

	s.Run("production requires secrets", func() {
		_, err := FromEnv(lookup(map[string]string{"CONSENTRY_ENV": "production"}))
		s.Error(err)
	})

	s.Run("kafka brokers without topic", func() {
		_, err := FromEnv(lookup(map[string]string{"CONSENTRY_KAFKA_BROKERS": "k1:9092"}))
		s.Error(err)
	})
}

func (s *ConfigSuite) TestParseOptions() {
	s.Run("overrides categories and keeps other defaults", func() {
		opts, err := ParseOptions([]byte(`
categories:
  - key: necessary
    locked: true
  - key: statistics
signal_defaults:
  personalization_storage: granted
retention:
  days: 30
audit:
  enabled: true
  auto_update: true
  recipients: [privacy@example.com]
`))
		s.Require().NoError(err)
		s.Equal([]string{"necessary", "statistics"}, opts.CategoryKeys())
		s.Equal("granted", opts.SignalDefaults["personalization_storage"])
		s.Equal("denied", opts.SignalDefaults["ad_storage"])
		s.Equal(30, opts.Retention.Days)
		s.Equal(24*time.Hour, opts.Retention.Interval)
		s.True(opts.Audit.AutoUpdate)
		s.Equal(24*time.Hour, opts.Audit.Cooldown)
	})

	s.Run("rejects unknown signal key", func() {
		_, err := ParseOptions([]byte("signal_defaults:\n  foo_storage: granted\n"))
		s.Error(err)
	})

	s.Run("rejects bad signal value", func() {
		_, err := ParseOptions([]byte("signal_defaults:\n  ad_storage: maybe\n"))
		s.Error(err)
	})

	s.Run("rejects duplicate categories", func() {
		_, err := ParseOptions([]byte("categories:\n  - key: a\n  - key: a\n"))
		s.Error(err)
	})

	s.Run("rejects delimiter characters in keys", func() {
		_, err := ParseOptions([]byte("categories:\n  - key: \"a|b\"\n"))
		s.Error(err)
	})

	s.Run("rejects invalid recipient", func() {
		_, err := ParseOptions([]byte("audit:\n  recipients: [not-an-email]\n"))
		s.Error(err)
	})
}

func (s *ConfigSuite) TestOptionsFileFromEnv() {
	path := filepath.Join(s.T().TempDir(), "options.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("categories:\n  - key: necessary\n    locked: true\n  - key: marketing\n"), 0o600))

	cfg, err := FromEnv(lookup(map[string]string{"CONSENTRY_OPTIONS_FILE": path}))
	s.Require().NoError(err)
	s.Equal([]string{"necessary", "marketing"}, cfg.Options.CategoryKeys())

	_, err = FromEnv(lookup(map[string]string{"CONSENTRY_OPTIONS_FILE": path + ".missing"}))
	s.Error(err)
}
