package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Role string

const (
	RoleLocal Role = "local" // branch server with the synchronizer
	RoleCloud Role = "cloud" // central ledger
)

const (
	defaultDSN         = "host=localhost user=postgres password=postgres dbname=ledger port=5432 sslmode=disable"
	defaultCORSOrigins = "http://localhost:5173"
)

type SyncConfig struct {
	Interval          time.Duration `mapstructure:"sync_interval"`
	BatchSize         int           `mapstructure:"sync_batch_size"`
	UploadTimeout     time.Duration `mapstructure:"sync_upload_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"sync_probe_timeout"`
	BackoffInitial    time.Duration `mapstructure:"sync_backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"sync_backoff_max"`
	BackoffMultiplier float64       `mapstructure:"sync_backoff_multiplier"`
	RunsRetention     time.Duration `mapstructure:"sync_runs_retention"` // 0 keeps every run
}

type Config struct {
	Role Role `mapstructure:"-"`

	HTTPPort    string `mapstructure:"http_port"`
	CORSOrigins string `mapstructure:"cors_allowed_origins"`

	SQLitePath  string `mapstructure:"sqlite_path"`
	DatabaseDSN string `mapstructure:"database_dsn"`
	DBLog       bool   `mapstructure:"db_log"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// local role
	BranchID     string     `mapstructure:"branch_id"`
	BranchAPIKey string     `mapstructure:"branch_api_key"`
	CloudAPIURL  string     `mapstructure:"cloud_api_url"`
	Sync         SyncConfig `mapstructure:",squash"`

	// cloud role
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTTTL        time.Duration `mapstructure:"jwt_ttl"`
	AdminToken    string        `mapstructure:"admin_token"`
	PushRateLimit float64       `mapstructure:"push_rate_limit"`
	PushBurst     int           `mapstructure:"push_burst"`
}

// SyncEnabled reports whether the branch knows where to push.
func (c *Config) SyncEnabled() bool {
	return c.CloudAPIURL != ""
}

// Load reads configuration for the given role. Values come from the optional
// YAML file at path, then LEDGER_* environment variables, then defaults.
func Load(role Role, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, role)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Role = role
	cfg.CloudAPIURL = strings.TrimRight(cfg.CloudAPIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, role Role) {
	port := "8080"
	if role == RoleCloud {
		port = "3000"
	}
	v.SetDefault("http_port", port)
	v.SetDefault("cors_allowed_origins", defaultCORSOrigins)
	v.SetDefault("sqlite_path", "./data/ledger.db")
	v.SetDefault("database_dsn", defaultDSN)
	v.SetDefault("db_log", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("branch_id", "")
	v.SetDefault("branch_api_key", "")
	v.SetDefault("cloud_api_url", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("sync_batch_size", 50)
	v.SetDefault("sync_upload_timeout", 30*time.Second)
	v.SetDefault("sync_probe_timeout", 3*time.Second)
	v.SetDefault("sync_backoff_initial", 30*time.Second)
	v.SetDefault("sync_backoff_max", 10*time.Minute)
	v.SetDefault("sync_backoff_multiplier", 2.0)
	v.SetDefault("sync_runs_retention", 30*24*time.Hour)

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_ttl", time.Hour)
	v.SetDefault("admin_token", "")
	v.SetDefault("push_rate_limit", 5.0)
	v.SetDefault("push_burst", 10)
}

func (c *Config) validate() error {
	var errs []error

	switch c.Role {
	case RoleLocal:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required"))
		}
		if c.SyncEnabled() {
			if c.BranchID == "" || c.BranchAPIKey == "" {
				errs = append(errs, errors.New("branch_id and branch_api_key are required when cloud_api_url is set"))
			}
			if c.Sync.Interval <= 0 {
				errs = append(errs, errors.New("sync_interval must be positive"))
			}
			if c.Sync.BatchSize <= 0 {
				errs = append(errs, errors.New("sync_batch_size must be positive"))
			}
			if c.Sync.UploadTimeout <= 0 || c.Sync.ProbeTimeout <= 0 {
				errs = append(errs, errors.New("sync timeouts must be positive"))
			}
			if c.Sync.BackoffMultiplier < 1 {
				errs = append(errs, errors.New("sync_backoff_multiplier must be >= 1"))
			}
		}
	case RoleCloud:
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("jwt_secret is required"))
		} else if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("jwt_secret must be at least 32 characters"))
		}
		if c.AdminToken == "" {
			errs = append(errs, errors.New("admin_token is required"))
		}
		if c.PushRateLimit <= 0 || c.PushBurst <= 0 {
			errs = append(errs, errors.New("push_rate_limit and push_burst must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}

	return errors.Join(errs...)
}

// LogWarnings reports settings that are fine for development only. Call it
// after logging is set up.
func (c *Config) LogWarnings() {
	if c.Role == RoleCloud && c.DatabaseDSN == defaultDSN {
		log.Warn().Msg("database_dsn uses the default value, set LEDGER_DATABASE_DSN for production")
	}
	if c.CORSOrigins == defaultCORSOrigins {
		log.Warn().Msg("cors_allowed_origins uses the default value, set your own origins for production")
	}
	if c.Role == RoleLocal && !c.SyncEnabled() {
		log.Warn().Msg("sync disabled: cloud_api_url not set")
	}
}

// CORSOriginList splits the comma separated origins.
func (c *Config) CORSOriginList() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
