package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Analytics AnalyticsConfig
	Notify    NotifyConfig
	Marketing MarketingConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name    string
	Env     string
	Port    string
	Version string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	SlowThreshold   time.Duration
}

// RedisConfig holds Redis connection settings. Redis is optional: without it
// invalidations stay local to the instance and no snapshots are kept.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the settings used to verify platform-issued tokens
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// AnalyticsConfig holds aggregation and cache settings
type AnalyticsConfig struct {
	StaleTime           time.Duration
	RefreshInterval     time.Duration // 0 disables the periodic refresh
	FallbackEnabled     bool
	SnapshotEnabled     bool
	DefaultWindowMonths int
	QueryTimeout        time.Duration
	WarmTenantIDs       []string
	RelayChannel        string
}

// WarmTenants parses WarmTenantIDs
func (a *AnalyticsConfig) WarmTenants() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(a.WarmTenantIDs))
	for _, s := range a.WarmTenantIDs {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("analytics.warm_tenant_ids: invalid tenant id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NotifyConfig holds the database change notification settings
type NotifyConfig struct {
	Enabled              bool
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// MarketingConfig holds the ad platform client settings
type MarketingConfig struct {
	Enabled      bool
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
	Timeout      time.Duration
	CacheSize    int
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsEnabled    bool
	MetricsInterval   time.Duration
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
}

// Load loads configuration from config.toml and CRM_* environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot be told apart from unset after Get
	v.SetDefault("analytics.fallback_enabled", true)
	v.SetDefault("analytics.snapshot_enabled", true)
	v.SetDefault("notify.enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Port:    v.GetString("app.port"),
			Version: v.GetString("app.version"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			Issuer:   v.GetString("jwt.issuer"),
			Audience: v.GetString("jwt.audience"),
			Leeway:   v.GetDuration("jwt.leeway"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Analytics: AnalyticsConfig{
			StaleTime:           v.GetDuration("analytics.stale_time"),
			RefreshInterval:     v.GetDuration("analytics.refresh_interval"),
			FallbackEnabled:     v.GetBool("analytics.fallback_enabled"),
			SnapshotEnabled:     v.GetBool("analytics.snapshot_enabled"),
			DefaultWindowMonths: v.GetInt("analytics.default_window_months"),
			QueryTimeout:        v.GetDuration("analytics.query_timeout"),
			WarmTenantIDs:       v.GetStringSlice("analytics.warm_tenant_ids"),
			RelayChannel:        v.GetString("analytics.relay_channel"),
		},
		Notify: NotifyConfig{
			Enabled:              v.GetBool("notify.enabled"),
			Channel:              v.GetString("notify.channel"),
			MinReconnectInterval: v.GetDuration("notify.min_reconnect_interval"),
			MaxReconnectInterval: v.GetDuration("notify.max_reconnect_interval"),
			PingInterval:         v.GetDuration("notify.ping_interval"),
		},
		Marketing: MarketingConfig{
			Enabled:      v.GetBool("marketing.enabled"),
			BaseURL:      v.GetString("marketing.base_url"),
			TokenURL:     v.GetString("marketing.token_url"),
			ClientID:     v.GetString("marketing.client_id"),
			ClientSecret: v.GetString("marketing.client_secret"),
			RefreshToken: v.GetString("marketing.refresh_token"),
			Scopes:       v.GetStringSlice("marketing.scopes"),
			Timeout:      v.GetDuration("marketing.timeout"),
			CacheSize:    v.GetInt("marketing.cache_size"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for unset configuration
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crm-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "dev"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "crm"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Leeway == 0 {
		cfg.JWT.Leeway = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	// No default CORS origin: cross-origin requests stay disabled until configured
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID"}
	}
	if cfg.Analytics.StaleTime == 0 {
		cfg.Analytics.StaleTime = 5 * time.Minute
	}
	if cfg.Analytics.DefaultWindowMonths == 0 {
		cfg.Analytics.DefaultWindowMonths = 12
	}
	if cfg.Analytics.QueryTimeout == 0 {
		cfg.Analytics.QueryTimeout = 15 * time.Second
	}
	if cfg.Analytics.RelayChannel == "" {
		cfg.Analytics.RelayChannel = "crm:analytics:invalidate"
	}
	if cfg.Notify.Channel == "" {
		cfg.Notify.Channel = "crm_changes"
	}
	if cfg.Notify.MinReconnectInterval == 0 {
		cfg.Notify.MinReconnectInterval = 10 * time.Second
	}
	if cfg.Notify.MaxReconnectInterval == 0 {
		cfg.Notify.MaxReconnectInterval = time.Minute
	}
	if cfg.Notify.PingInterval == 0 {
		cfg.Notify.PingInterval = 90 * time.Second
	}
	if cfg.Marketing.Timeout == 0 {
		cfg.Marketing.Timeout = 10 * time.Second
	}
	if cfg.Marketing.CacheSize == 0 {
		cfg.Marketing.CacheSize = 128
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 30 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Analytics.StaleTime < 0 {
		return fmt.Errorf("analytics.stale_time cannot be negative")
	}
	if c.Analytics.RefreshInterval < 0 {
		return fmt.Errorf("analytics.refresh_interval cannot be negative")
	}
	if c.Analytics.RefreshInterval > 0 && c.Analytics.RefreshInterval < time.Second {
		return fmt.Errorf("analytics.refresh_interval must be at least 1s, got %s", c.Analytics.RefreshInterval)
	}
	if c.Analytics.DefaultWindowMonths < 1 || c.Analytics.DefaultWindowMonths > 60 {
		return fmt.Errorf("analytics.default_window_months must be between 1 and 60, got %d", c.Analytics.DefaultWindowMonths)
	}
	if _, err := c.Analytics.WarmTenants(); err != nil {
		return err
	}

	if c.Notify.MaxReconnectInterval < c.Notify.MinReconnectInterval {
		return fmt.Errorf("notify.max_reconnect_interval (%s) cannot be shorter than notify.min_reconnect_interval (%s)",
			c.Notify.MaxReconnectInterval, c.Notify.MinReconnectInterval)
	}

	if c.Marketing.Enabled {
		if c.Marketing.BaseURL == "" || c.Marketing.TokenURL == "" {
			return fmt.Errorf("marketing.base_url and marketing.token_url are required when marketing is enabled")
		}
		if c.Marketing.ClientID == "" {
			return fmt.Errorf("marketing.client_id is required when marketing is enabled")
		}
	}

	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
