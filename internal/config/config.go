package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxIngestChunkSize keeps one INSERT within PostgreSQL's 65535 bind
// parameters at 50 columns per visit row.
const MaxIngestChunkSize = 1310

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserID      string `mapstructure:"DEV_USER_ID"`

	HelloNoteBaseURL   string        `mapstructure:"HELLONOTE_BASE_URL"`
	HelloNoteEmail     string        `mapstructure:"HELLONOTE_EMAIL"`
	HelloNotePassword  string        `mapstructure:"HELLONOTE_PASSWORD"`
	HelloNoteOrgUnitID int           `mapstructure:"HELLONOTE_ORG_UNIT_ID"`
	HelloNotePageSize  int           `mapstructure:"HELLONOTE_PAGE_SIZE"`
	HelloNoteTimeout   time.Duration `mapstructure:"HELLONOTE_TIMEOUT"`

	PowerAutomateURL string        `mapstructure:"POWER_AUTOMATE_URL"`
	NotifyURLs       []string      `mapstructure:"NOTIFY_URLS"`
	NotifyTimeout    time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	IngestChunkSize          int      `mapstructure:"INGEST_CHUNK_SIZE"`
	IngestMatchNoteNumber    bool     `mapstructure:"INGEST_MATCH_NOTE_NUMBER"`
	ImportUserID             int64    `mapstructure:"IMPORT_USER_ID"`
	HoldLookbackDays         int      `mapstructure:"HOLD_LOOKBACK_DAYS"`
	HoldReviewerID           int64    `mapstructure:"HOLD_REVIEWER_ID"`
	MaxUploadMB              int      `mapstructure:"MAX_UPLOAD_MB"`
	UploadExcludeSupervisors []string `mapstructure:"UPLOAD_EXCLUDE_SUPERVISORS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_USER_ID",
	"HELLONOTE_BASE_URL", "HELLONOTE_EMAIL", "HELLONOTE_PASSWORD", "HELLONOTE_ORG_UNIT_ID",
	"HELLONOTE_PAGE_SIZE", "HELLONOTE_TIMEOUT",
	"POWER_AUTOMATE_URL", "NOTIFY_URLS", "NOTIFY_TIMEOUT",
	"INGEST_CHUNK_SIZE", "INGEST_MATCH_NOTE_NUMBER", "IMPORT_USER_ID", "HOLD_LOOKBACK_DAYS",
	"HOLD_REVIEWER_ID", "MAX_UPLOAD_MB", "UPLOAD_EXCLUDE_SUPERVISORS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEV_USER_ID", "dev-user")
	v.SetDefault("HELLONOTE_BASE_URL", "https://api.hellonote.com")
	v.SetDefault("HELLONOTE_ORG_UNIT_ID", 1236)
	v.SetDefault("HELLONOTE_PAGE_SIZE", 25)
	v.SetDefault("HELLONOTE_TIMEOUT", "60s")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("INGEST_CHUNK_SIZE", 500)
	v.SetDefault("INGEST_MATCH_NOTE_NUMBER", false)
	v.SetDefault("IMPORT_USER_ID", 4)
	v.SetDefault("HOLD_LOOKBACK_DAYS", 45)
	v.SetDefault("HOLD_REVIEWER_ID", 3)
	v.SetDefault("MAX_UPLOAD_MB", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.NotifyURLs = splitList(cfg.NotifyURLs)
	cfg.UploadExcludeSupervisors = splitList(cfg.UploadExcludeSupervisors)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" (every
// request is an admin) and anything else selects "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// HelloNoteConfigured reports whether API imports can run.
func (c *Config) HelloNoteConfigured() bool {
	return c.HelloNoteEmail != "" && c.HelloNotePassword != ""
}

// MaxUploadBytes is MAX_UPLOAD_MB in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; set AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.IngestChunkSize < 1 || c.IngestChunkSize > MaxIngestChunkSize {
		return fmt.Errorf("INGEST_CHUNK_SIZE must be between 1 and %d, got %d", MaxIngestChunkSize, c.IngestChunkSize)
	}
	if c.HelloNotePageSize < 1 {
		return fmt.Errorf("HELLONOTE_PAGE_SIZE must be positive, got %d", c.HelloNotePageSize)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	if c.HoldLookbackDays < 1 {
		return fmt.Errorf("HOLD_LOOKBACK_DAYS must be positive, got %d", c.HoldLookbackDays)
	}
	if (c.HelloNoteEmail == "") != (c.HelloNotePassword == "") {
		return fmt.Errorf("HELLONOTE_EMAIL and HELLONOTE_PASSWORD must be set together")
	}
	return nil
}
