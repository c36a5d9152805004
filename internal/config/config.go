package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Postgres. Empty DSN starts the API against the in-memory store
	// (useful for local development and smoke runs).
	PostgresDSN string `envconfig:"PG_DSN"`

	// Bearer tokens
	AuthSecret string        `envconfig:"AUTH_SECRET"`
	TokenTTL   time.Duration `envconfig:"TOKEN_TTL" default:"15m"`

	// Invitations
	InvitationTTL time.Duration `envconfig:"INVITATION_TTL" default:"168h"`

	// MFA
	BackupCodeCount     int `envconfig:"BACKUP_CODE_COUNT" default:"10"`
	BackupCodeWarnBelow int `envconfig:"BACKUP_CODE_WARN_BELOW" default:"3"`

	// HTTP hardening
	RateLimitPerSecond int   `envconfig:"RATE_LIMIT_PER_SECOND" default:"25"`
	RateLimitBurst     int   `envconfig:"RATE_LIMIT_BURST" default:"50"`
	MaxBodyBytes       int64 `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	// Maintenance sweeps (cron expressions, standard five-field format)
	AssignmentSweepSchedule string `envconfig:"ASSIGNMENT_SWEEP_SCHEDULE" default:"*/15 * * * *"`
	InvitationSweepSchedule string `envconfig:"INVITATION_SWEEP_SCHEDULE" default:"5 * * * *"`
}

// Load reads configuration from SITEGRID_-prefixed environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("sitegrid", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.BackupCodeCount <= 0 {
		return Config{}, fmt.Errorf("backup code count must be positive")
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in a development environment.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}
