package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration, loaded from aiengine.yaml with
// AIENGINE_* environment overrides.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm"`
	CRM      CRMConfig      `mapstructure:"crm"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Personas PersonasConfig `mapstructure:"personas"`
	Tools    ToolsConfig    `mapstructure:"tools"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// Disabled skips bearer validation; local development only.
	Disabled bool `mapstructure:"disabled"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RPM paces outbound completion calls; 0 disables pacing.
	RPM int `mapstructure:"rpm"`
}

type CRMConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIToken string        `mapstructure:"api_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LimitsConfig struct {
	// DailyActionCeiling caps executed non-conversational tool calls per
	// tenant per sliding 24h window. 0 disables limiting.
	DailyActionCeiling int `mapstructure:"daily_action_ceiling"`
	// TenantOverrides maps tenant ID to a tenant-specific ceiling.
	TenantOverrides map[string]int `mapstructure:"tenant_overrides"`
	HistoryLimit    int            `mapstructure:"history_limit"`
	SessionTTL      time.Duration  `mapstructure:"session_ttl"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type PersonasConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
	Watch       bool   `mapstructure:"watch"`
}

type ToolsConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// Load reads the config file from AIENGINE_CONFIG_PATH (default
// ./config/aiengine.yaml) and applies environment overrides.
func Load() (*Config, error) {
	cfgPath := os.Getenv("AIENGINE_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/aiengine.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("AIENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is tolerated; env + defaults must carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("auth.issuer", "openhouse-crm")
	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "openhouse")
	v.SetDefault("postgres.password", "openhouse")
	v.SetDefault("postgres.database", "openhouse")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("llm.base_url", "http://llm-gateway:8000")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.rpm", 0)
	v.SetDefault("crm.base_url", "http://crm-api:3000")
	v.SetDefault("crm.timeout", 15*time.Second)
	v.SetDefault("limits.daily_action_ceiling", 200)
	v.SetDefault("limits.history_limit", 20)
	v.SetDefault("limits.session_ttl", 720*time.Hour)
	v.SetDefault("policy.mode", "off")
	v.SetDefault("policy.path", "./config/policies")
	v.SetDefault("personas.catalog_path", "./config/personas.yaml")
	v.SetDefault("personas.watch", true)
	v.SetDefault("tools.handler_timeout", 30*time.Second)
}

func (c *Config) validate() error {
	if c.Limits.HistoryLimit <= 0 {
		return fmt.Errorf("limits.history_limit must be positive")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required unless auth is disabled")
	}
	switch c.Policy.Mode {
	case "", "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run or enforce, got %q", c.Policy.Mode)
	}
	return nil
}
