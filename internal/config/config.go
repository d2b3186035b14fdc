package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	API struct {
		Listen       string `mapstructure:"listen"`
		PublishToken string `mapstructure:"publish_token"`
	} `mapstructure:"api"`

	Auth struct {
		JWTSecret    string `mapstructure:"jwt_secret"`
		TenantHeader string `mapstructure:"tenant_header"`
	} `mapstructure:"auth"`

	Gateway struct {
		SendBuffer      int           `mapstructure:"send_buffer"`
		WriteWait       time.Duration `mapstructure:"write_wait"`
		PongWait        time.Duration `mapstructure:"pong_wait"`
		PingInterval    time.Duration `mapstructure:"ping_interval"`
		MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"gateway"`

	Publisher struct {
		SendTimeout    time.Duration `mapstructure:"send_timeout"`
		MaxConcurrency int           `mapstructure:"max_concurrency"`
	} `mapstructure:"publisher"`

	Watcher struct {
		Enabled     bool          `mapstructure:"enabled"`
		Interval    time.Duration `mapstructure:"interval"`
		Window      time.Duration `mapstructure:"window"`
		PageSize    int           `mapstructure:"page_size"`
		MaxPages    int           `mapstructure:"max_pages"`
		ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	} `mapstructure:"watcher"`

	Features struct {
		Realtime RealtimeFeatures `mapstructure:"realtime"`
	} `mapstructure:"features"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// RealtimeFeatures gates flagged event types per tenant key.
type RealtimeFeatures struct {
	EnabledByDefault bool     `mapstructure:"enabled_by_default"`
	EnabledTenants   []string `mapstructure:"enabled_tenants"`
	// Flags is keyed by lowercased flag name (dashboard, pipeline, entitycrud, ...).
	Flags map[string]FeatureFlag `mapstructure:"flags"`
}

type FeatureFlag struct {
	EnabledByDefault bool     `mapstructure:"enabled_by_default"`
	EnabledTenants   []string `mapstructure:"enabled_tenants"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("db.dsn", "")
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.publish_token", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.tenant_header", "X-Tenant-Key")
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.write_wait", "10s")
	v.SetDefault("gateway.pong_wait", "45s")
	v.SetDefault("gateway.ping_interval", "15s")
	v.SetDefault("gateway.max_message_bytes", 64*1024)
	v.SetDefault("gateway.allowed_origins", []string{})
	v.SetDefault("publisher.send_timeout", "5s")
	v.SetDefault("publisher.max_concurrency", 8)
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.interval", "2s")
	v.SetDefault("watcher.window", "12h")
	v.SetDefault("watcher.page_size", 500)
	v.SetDefault("watcher.max_pages", 20)
	v.SetDefault("watcher.scan_timeout", "30s")
	v.SetDefault("features.realtime.enabled_by_default", true)
	v.SetDefault("features.realtime.enabled_tenants", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Env overrides
	v.SetEnvPrefix("CRMRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db.dsn", "CRMRT_DB_DSN")
	_ = v.BindEnv("api.listen", "CRMRT_API_LISTEN")
	_ = v.BindEnv("api.publish_token", "CRMRT_API_PUBLISH_TOKEN")
	_ = v.BindEnv("auth.jwt_secret", "CRMRT_AUTH_JWT_SECRET")
	_ = v.BindEnv("watcher.enabled", "CRMRT_WATCHER_ENABLED")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if c.Watcher.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when watcher.enabled (set CRMRT_DB_DSN or config file)")
	}
	if c.Watcher.Interval <= 0 {
		return fmt.Errorf("watcher.interval must be positive")
	}
	if c.Watcher.PageSize <= 0 || c.Watcher.MaxPages <= 0 {
		return fmt.Errorf("watcher.page_size and watcher.max_pages must be positive")
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive")
	}
	if c.Gateway.PingInterval >= c.Gateway.PongWait {
		return fmt.Errorf("gateway.ping_interval must be shorter than gateway.pong_wait")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
