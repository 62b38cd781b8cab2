// Package config loads runtime settings from flags, environment, .env and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SESSIONMUX_DATABASE_DSN.
const EnvPrefix = "SESSIONMUX"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Issuer   IssuerConfig   `mapstructure:"issuer"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Hook     HookConfig     `mapstructure:"hook"`
	Surface  SurfaceConfig  `mapstructure:"surface"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Marker   MarkerConfig   `mapstructure:"marker"`
	Verbose  bool           `mapstructure:"verbose"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SignalConfig struct {
	Kind string `mapstructure:"kind"` // database or file
	Path string `mapstructure:"path"`
}

type IssuerConfig struct {
	TokenURL string        `mapstructure:"token_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type ProbeConfig struct {
	URL           string        `mapstructure:"url"`
	ClientVersion string        `mapstructure:"client_version"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SweepConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Buffer      time.Duration `mapstructure:"buffer"`
	Concurrency int           `mapstructure:"concurrency"`
	IssuerRPS   float64       `mapstructure:"issuer_rps"`
}

type BridgeConfig struct {
	Addr        string `mapstructure:"addr"`
	ExtensionID string `mapstructure:"extension_id"`
}

type AdminConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type HookConfig struct {
	Addr           string        `mapstructure:"addr"`
	FailOpen       bool          `mapstructure:"fail_open"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	LogDecisions   bool          `mapstructure:"log_decisions"`
}

type SurfaceConfig struct {
	File string `mapstructure:"file"`
}

type CaptureConfig struct {
	URL         string        `mapstructure:"url"`
	RequestFile string        `mapstructure:"request_file"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type MarkerConfig struct {
	Header    string `mapstructure:"header"`
	UserAgent string `mapstructure:"user_agent"`
}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "sessionmux.db")
	v.SetDefault("signal.kind", "database")
	v.SetDefault("signal.path", "")
	v.SetDefault("issuer.token_url", "https://securetoken.googleapis.com/v1/token")
	v.SetDefault("issuer.timeout", 30*time.Second)
	v.SetDefault("issuer.lease_ttl", 2*time.Minute)
	v.SetDefault("probe.url", "https://app.warp.dev/graphql/v2?op=GetRequestLimitInfo")
	v.SetDefault("probe.client_version", "v0.2025.08.27.08.11.stable_04")
	v.SetDefault("probe.timeout", 30*time.Second)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.buffer", time.Minute)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("sweep.issuer_rps", 2.0)
	v.SetDefault("bridge.addr", "127.0.0.1:8765")
	v.SetDefault("bridge.extension_id", "warp-account-bridge-v1")
	v.SetDefault("admin.addr", "127.0.0.1:8780")
	v.SetDefault("admin.password", "")
	v.SetDefault("hook.addr", "127.0.0.1:8790")
	v.SetDefault("hook.fail_open", true)
	v.SetDefault("hook.reload_interval", time.Minute)
	v.SetDefault("hook.log_decisions", false)
	v.SetDefault("surface.file", "")
	v.SetDefault("capture.url", "https://app.warp.dev/graphql/v2?op=GetUpdatedCloudObjects")
	v.SetDefault("capture.request_file", "")
	v.SetDefault("capture.timeout", 30*time.Second)
	v.SetDefault("marker.header", "X-Session-Mux-Request")
	v.SetDefault("marker.user_agent", "SessionMux/1.0")
	v.SetDefault("verbose", false)
}

// Prepare wires .env loading, defaults, env binding and the config file search
// path into v. A missing config file is not an error.
func Prepare(v *viper.Viper, configFile string) error {
	// Load .env file if it exists
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sessionmux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/sessionmux")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Signal.Kind {
	case "database":
	case "file":
		if c.Signal.Path == "" {
			return fmt.Errorf("signal.path is required when signal.kind is file")
		}
	default:
		return fmt.Errorf("signal.kind must be database or file, got %q", c.Signal.Kind)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Sweep.Buffer < 0 {
		return fmt.Errorf("sweep.buffer must not be negative")
	}
	if c.Sweep.Concurrency < 1 {
		c.Sweep.Concurrency = 1
	}
	if c.Bridge.ExtensionID == "" {
		return fmt.Errorf("bridge.extension_id is required")
	}
	return nil
}
