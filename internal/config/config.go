package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds the entire configuration for the workflow server.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	Mode string `yaml:"mode" mapstructure:"mode"` // "debug" or "release"
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Mode     string         `yaml:"mode" mapstructure:"mode"` // "local" or "postgres"
	Local    LocalStorage   `yaml:"local" mapstructure:"local"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// LocalStorage configures the sqlite-backed local mode.
type LocalStorage struct {
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// PostgresConfig configures the postgres mode.
type PostgresConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// EngineConfig tunes instance execution timing.
type EngineConfig struct {
	SyncInvokeTimeout time.Duration `yaml:"sync_invoke_timeout" mapstructure:"sync_invoke_timeout"`
	CallbackTolerance time.Duration `yaml:"callback_tolerance" mapstructure:"callback_tolerance"`
	LockLease         time.Duration `yaml:"lock_lease" mapstructure:"lock_lease"`
	LockWait          time.Duration `yaml:"lock_wait" mapstructure:"lock_wait"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Storage: StorageConfig{
			Mode:  "local",
			Local: LocalStorage{DatabasePath: "workflow.db"},
		},
		Engine: EngineConfig{
			SyncInvokeTimeout: 10 * time.Second,
			CallbackTolerance: 5 * time.Minute,
			LockLease:         30 * time.Second,
			LockWait:          10 * time.Second,
			DispatchTimeout:   30 * time.Second,
		},
	}
}

// LoadConfig layers the YAML file at path and WORKFLOW_* environment
// variables over the defaults. Precedence is env over file over defaults;
// a missing path skips the file layer.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setViperDefaults(v)

	v.SetEnvPrefix("WORKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		// Environment values arrive as strings; weak typing turns "8080"
		// into the int the field wants.
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// setViperDefaults registers every key so AutomaticEnv can surface
// WORKFLOW_* overrides during Unmarshal.
func setViperDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.mode", def.Server.Mode)
	v.SetDefault("storage.mode", def.Storage.Mode)
	v.SetDefault("storage.local.database_path", def.Storage.Local.DatabasePath)
	v.SetDefault("storage.postgres.dsn", def.Storage.Postgres.DSN)
	v.SetDefault("engine.sync_invoke_timeout", def.Engine.SyncInvokeTimeout)
	v.SetDefault("engine.callback_tolerance", def.Engine.CallbackTolerance)
	v.SetDefault("engine.lock_lease", def.Engine.LockLease)
	v.SetDefault("engine.lock_wait", def.Engine.LockWait)
	v.SetDefault("engine.dispatch_timeout", def.Engine.DispatchTimeout)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Mode == "" {
		c.Server.Mode = def.Server.Mode
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = def.Storage.Mode
	}
	if c.Storage.Local.DatabasePath == "" {
		c.Storage.Local.DatabasePath = def.Storage.Local.DatabasePath
	}
	if c.Engine.SyncInvokeTimeout == 0 {
		c.Engine.SyncInvokeTimeout = def.Engine.SyncInvokeTimeout
	}
	if c.Engine.CallbackTolerance == 0 {
		c.Engine.CallbackTolerance = def.Engine.CallbackTolerance
	}
	if c.Engine.LockLease == 0 {
		c.Engine.LockLease = def.Engine.LockLease
	}
	if c.Engine.LockWait == 0 {
		c.Engine.LockWait = def.Engine.LockWait
	}
	if c.Engine.DispatchTimeout == 0 {
		c.Engine.DispatchTimeout = def.Engine.DispatchTimeout
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Mode {
	case "local":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres storage mode requires storage.postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	return nil
}
