// Package config loads calsync's configuration from a TOML file with
// per-field environment overrides, grounded on
// sonroyaalmerol-ldap-dav's internal/config's getenv(key, def) idiom: every
// knob has a hardcoded default, a TOML file may override it, and an
// environment variable wins over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/jlewiss/calbridge/internal/adapters/ratelimit"
	"github.com/jlewiss/calbridge/internal/adapters/servicea"
	"github.com/jlewiss/calbridge/internal/adapters/serviceb"
	"github.com/jlewiss/calbridge/internal/domain"
	"github.com/jlewiss/calbridge/internal/pairmanager"
	"github.com/jlewiss/calbridge/internal/sync"
)

// PairConfig is one operator-declared pairing (spec.md §4.6, §6).
// Direction is "bidirectional", "a_to_b", or "b_to_a".
type PairConfig struct {
	ACalendarID string `toml:"a_calendar_id"`
	BCalendarID string `toml:"b_calendar_id"`
	AName       string `toml:"a_name"`
	BName       string `toml:"b_name"`
	Direction   string `toml:"direction"`
}

// ServiceAConfig names where Service A's opaque credentials live.
// Spec.md §6: "Credentials are loaded from a secrets directory or files
// referenced by path — opaque to the core." CredentialsPath is handed,
// unopened, to whatever TokenSource the caller wires up.
type ServiceAConfig struct {
	CredentialsPath string `toml:"credentials_path"`
}

// ServiceBConfig is Service B's CalDAV connection, with the password kept
// out of the TOML file itself (spec.md §6) by reading it from a file.
type ServiceBConfig struct {
	BaseURL      string `toml:"base_url"`
	Username     string `toml:"username"`
	PasswordFile string `toml:"password_file"`
}

// Config is calsync's full configuration surface, spec.md §6.
type Config struct {
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`

	ServiceA ServiceAConfig `toml:"service_a"`
	ServiceB ServiceBConfig `toml:"service_b"`

	PastDays         int `toml:"past_days"`
	FutureDays       int `toml:"future_days"`
	MaxEventsPerPass int `toml:"max_events_per_pass"`

	RetryAttempts       int `toml:"retry_attempts"`
	RetryBackoffSeconds int `toml:"retry_backoff_seconds"`

	ConflictPolicy      string `toml:"conflict_policy"`
	AutoCreateCalendars bool   `toml:"auto_create_calendars"`

	// PollIntervalSeconds and the webhook renewal knobs belong to the
	// daemon/webhook receiver loop, which is a caller of this package
	// rather than a part of it; kept here so the full configuration
	// surface loads from one file. validate does not check them.
	PollIntervalSeconds       int `toml:"poll_interval_seconds"`
	WebhookRenewMinutes       int `toml:"webhook_renew_minutes"`
	WebhookRenewBeforeMinutes int `toml:"webhook_renew_before_minutes"`

	EnableSimilarityMatch bool    `toml:"enable_similarity_match"`
	SimilarityThreshold   float64 `toml:"similarity_threshold"`

	Pairs []PairConfig `toml:"pairs"`
}

// Default returns calsync's out-of-the-box tunables, mirroring
// sync.DefaultConfig and pairmanager.DefaultConfig where they overlap,
// except that similarity matching is enabled here and off in
// pairmanager.DefaultConfig.
func Default() *Config {
	return &Config{
		DatabasePath: "calsync.db",
		LogLevel:     "info",

		PastDays:         30,
		FutureDays:       180,
		MaxEventsPerPass: 500,

		RetryAttempts:       3,
		RetryBackoffSeconds: 1,

		ConflictPolicy:      "latest_wins",
		AutoCreateCalendars: false,

		PollIntervalSeconds:       300,
		WebhookRenewMinutes:       60 * 24,
		WebhookRenewBeforeMinutes: 60,

		EnableSimilarityMatch: true,
		SimilarityThreshold:   0.8,
	}
}

// Load reads path (if it exists) as TOML over Default(), then applies
// environment overrides. An empty path skips the file entirely, leaving
// environment variables to override the defaults directly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabasePath = getenv("CALSYNC_DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = getenv("CALSYNC_LOG_LEVEL", cfg.LogLevel)

	cfg.ServiceA.CredentialsPath = getenv("CALSYNC_SERVICE_A_CREDENTIALS_PATH", cfg.ServiceA.CredentialsPath)

	cfg.ServiceB.BaseURL = getenv("CALSYNC_SERVICE_B_BASE_URL", cfg.ServiceB.BaseURL)
	cfg.ServiceB.Username = getenv("CALSYNC_SERVICE_B_USERNAME", cfg.ServiceB.Username)
	cfg.ServiceB.PasswordFile = getenv("CALSYNC_SERVICE_B_PASSWORD_FILE", cfg.ServiceB.PasswordFile)

	cfg.PastDays = getenvInt("CALSYNC_PAST_DAYS", cfg.PastDays)
	cfg.FutureDays = getenvInt("CALSYNC_FUTURE_DAYS", cfg.FutureDays)
	cfg.MaxEventsPerPass = getenvInt("CALSYNC_MAX_EVENTS_PER_PASS", cfg.MaxEventsPerPass)

	cfg.RetryAttempts = getenvInt("CALSYNC_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RetryBackoffSeconds = getenvInt("CALSYNC_RETRY_BACKOFF_SECONDS", cfg.RetryBackoffSeconds)

	cfg.ConflictPolicy = getenv("CALSYNC_CONFLICT_POLICY", cfg.ConflictPolicy)
	cfg.AutoCreateCalendars = getenvBool("CALSYNC_AUTO_CREATE_CALENDARS", cfg.AutoCreateCalendars)

	cfg.PollIntervalSeconds = getenvInt("CALSYNC_POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	cfg.WebhookRenewMinutes = getenvInt("CALSYNC_WEBHOOK_RENEW_MINUTES", cfg.WebhookRenewMinutes)
	cfg.WebhookRenewBeforeMinutes = getenvInt("CALSYNC_WEBHOOK_RENEW_BEFORE_MINUTES", cfg.WebhookRenewBeforeMinutes)

	cfg.EnableSimilarityMatch = getenvBool("CALSYNC_ENABLE_SIMILARITY_MATCH", cfg.EnableSimilarityMatch)
	cfg.SimilarityThreshold = getenvFloat("CALSYNC_SIMILARITY_THRESHOLD", cfg.SimilarityThreshold)
}

func (cfg *Config) validate() error {
	if cfg.ServiceB.BaseURL == "" {
		return fmt.Errorf("service_b.base_url is required")
	}
	if _, err := ParseConflictPolicy(cfg.ConflictPolicy); err != nil {
		return err
	}
	for i, p := range cfg.Pairs {
		if _, err := ParseDirection(p.Direction); err != nil {
			return fmt.Errorf("pairs[%d]: %w", i, err)
		}
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ParseConflictPolicy maps the TOML/env string form onto domain.ConflictPolicy.
func ParseConflictPolicy(s string) (domain.ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return domain.PolicyManual, nil
	case "latest_wins":
		return domain.PolicyLatestWins, nil
	case "a_wins":
		return domain.PolicyAWins, nil
	case "b_wins":
		return domain.PolicyBWins, nil
	default:
		return 0, fmt.Errorf("unknown conflict_policy %q", s)
	}
}

// ParseDirection maps the TOML/env string form onto domain.Direction.
func ParseDirection(s string) (domain.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bidirectional":
		return domain.DirectionBidirectional, nil
	case "a_to_b":
		return domain.DirectionAToB, nil
	case "b_to_a":
		return domain.DirectionBToA, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// SyncConfig translates the loaded configuration into sync.Config.
func (cfg *Config) SyncConfig() (sync.Config, error) {
	policy, err := ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return sync.Config{}, err
	}
	sc := sync.DefaultConfig()
	sc.PastDays = cfg.PastDays
	sc.FutureDays = cfg.FutureDays
	sc.DefaultConflictPolicy = policy
	return sc, nil
}

// PairManagerConfig translates the loaded configuration into
// pairmanager.Config.
func (cfg *Config) PairManagerConfig() (pairmanager.Config, error) {
	pmc := pairmanager.DefaultConfig()
	pmc.EnableSimilarityMatch = cfg.EnableSimilarityMatch
	pmc.SimilarityThreshold = cfg.SimilarityThreshold
	pmc.AutoCreateCalendars = cfg.AutoCreateCalendars

	for i, p := range cfg.Pairs {
		dir, err := ParseDirection(p.Direction)
		if err != nil {
			return pairmanager.Config{}, fmt.Errorf("pairs[%d]: %w", i, err)
		}
		pmc.ExplicitPairs = append(pmc.ExplicitPairs, pairmanager.ExplicitPair{
			ACalendarID: p.ACalendarID,
			BCalendarID: p.BCalendarID,
			AName:       p.AName,
			BName:       p.BName,
			Direction:   dir,
		})
	}
	return pmc, nil
}

// RateLimitConfig builds the shared rate-limit tunables derived from the
// retry knobs of spec.md §6, reused by both adapters.
func (cfg *Config) RateLimitConfig() ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.MaxAttempts = cfg.RetryAttempts
	rc.BaseBackoff = secondsToDuration(cfg.RetryBackoffSeconds)
	return rc
}

// ServiceAAdapterConfig builds servicea.Config from the loaded
// configuration plus the shared rate limiter tunables.
func (cfg *Config) ServiceAAdapterConfig() servicea.Config {
	sac := servicea.DefaultConfig()
	sac.PastDays = cfg.PastDays
	sac.FutureDays = cfg.FutureDays
	if cfg.MaxEventsPerPass > 0 {
		sac.MaxEventsPage = int64(cfg.MaxEventsPerPass)
	}
	sac.RateLimit = cfg.RateLimitConfig()
	return sac
}

// ServiceBAdapterConfig builds serviceb.Config from the loaded
// configuration plus the shared rate limiter tunables. The password is
// read from ServiceB.PasswordFile, never stored in the TOML file itself.
func (cfg *Config) ServiceBAdapterConfig() (serviceb.Config, error) {
	sbc := serviceb.DefaultConfig()
	sbc.BaseURL = cfg.ServiceB.BaseURL
	sbc.Username = cfg.ServiceB.Username
	sbc.PastDays = cfg.PastDays
	sbc.FutureDays = cfg.FutureDays
	if cfg.MaxEventsPerPass > 0 {
		sbc.MaxEventsPage = cfg.MaxEventsPerPass
	}
	sbc.RateLimit = cfg.RateLimitConfig()

	if cfg.ServiceB.PasswordFile != "" {
		pw, err := os.ReadFile(cfg.ServiceB.PasswordFile)
		if err != nil {
			return serviceb.Config{}, fmt.Errorf("read service_b password file: %w", err)
		}
		sbc.Password = strings.TrimSpace(string(pw))
	}
	return sbc, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
