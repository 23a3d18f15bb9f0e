package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ENTL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "entl.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 720
	defaultFreeSeed        = 3
	defaultInviteReward    = 3
	defaultSyncTolerance   = 1
	defaultRateLimitRate   = 0.2
	defaultRateLimitBurst  = 5
	defaultTranslateModel  = "gemini-2.5-pro"
	defaultAllowedOrigins  = "*"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	AdminPassword     string
	AdminPasswordHash string
	AdminSigningKey   string
	AdminTokenTTL     time.Duration
	FreeSeed          int64
	InviteReward      int64
	SyncTolerance     int64
	RedisAddress      string
	RateLimitRate     float64
	RateLimitBurst    int
	TranslateAPIKey   string
	TranslateModel    string
	TranslateBaseURL  string
	AllowedOrigins    []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("ledger.free_seed", defaultFreeSeed)
	configViper.SetDefault("ledger.sync_tolerance", defaultSyncTolerance)
	configViper.SetDefault("invite.reward", defaultInviteReward)
	configViper.SetDefault("ratelimit.rate", defaultRateLimitRate)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("translate.model", defaultTranslateModel)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"database.dsn",
		"admin.password",
		"admin.password_hash",
		"admin.signing_secret",
		"redis.address",
		"translate.api_key",
		"translate.base_url",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		AdminPassword:     configViper.GetString("admin.password"),
		AdminPasswordHash: configViper.GetString("admin.password_hash"),
		AdminSigningKey:   configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:     time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		FreeSeed:          configViper.GetInt64("ledger.free_seed"),
		InviteReward:      configViper.GetInt64("invite.reward"),
		SyncTolerance:     configViper.GetInt64("ledger.sync_tolerance"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RateLimitRate:     configViper.GetFloat64("ratelimit.rate"),
		RateLimitBurst:    configViper.GetInt("ratelimit.burst"),
		TranslateAPIKey:   strings.TrimSpace(configViper.GetString("translate.api_key")),
		TranslateModel:    configViper.GetString("translate.model"),
		TranslateBaseURL:  configViper.GetString("translate.base_url"),
		AllowedOrigins:    splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AdminSigningKey) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.AdminPassword == "" && strings.TrimSpace(c.AdminPasswordHash) == "" {
		return fmt.Errorf("admin.password or admin.password_hash is required")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.FreeSeed < 0 || c.InviteReward <= 0 || c.SyncTolerance < 0 {
		return fmt.Errorf("ledger.free_seed, invite.reward and ledger.sync_tolerance must not be negative")
	}
	if c.RedisAddress != "" && (c.RateLimitRate <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("ratelimit.rate and ratelimit.burst must be positive when redis.address is set")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
