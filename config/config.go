// Package config loads the daemon configuration with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	EnvPrefix      = "SIDECHAIN"
	configFileName = "sidechain"
)

type DBConfig struct {
	// Backend is one of memory, badger, sqlite or postgres.
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

type LedgerConfig struct {
	MaxCommitRetries int `mapstructure:"maxCommitRetries" yaml:"maxCommitRetries"`
	Workers          int `mapstructure:"workers" yaml:"workers"`
}

type StageConfig struct {
	Interval                   time.Duration `mapstructure:"interval" yaml:"interval"`
	IncludeSingleAssetAccounts bool          `mapstructure:"includeSingleAssetAccounts" yaml:"includeSingleAssetAccounts"`
	CacheSize                  int           `mapstructure:"cacheSize" yaml:"cacheSize"`
	MaxCommitRetries           int           `mapstructure:"maxCommitRetries" yaml:"maxCommitRetries"`
	Submit                     bool          `mapstructure:"submit" yaml:"submit"`
}

type AnchorConfig struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	Contract   string `mapstructure:"contract" yaml:"contract"`
	Keystore   string `mapstructure:"keystore" yaml:"keystore"`
	Password   string `mapstructure:"password" yaml:"-"`
	WaitMined  bool   `mapstructure:"waitMined" yaml:"waitMined"`
	StartBlock uint64 `mapstructure:"startBlock" yaml:"startBlock"`
}

type MetricsConfig struct {
	// Address of the prometheus endpoint, empty to disable it.
	Address string `mapstructure:"address" yaml:"address"`
}

type Config struct {
	DB      DBConfig               `mapstructure:"db" yaml:"db"`
	Ledger  LedgerConfig           `mapstructure:"ledger" yaml:"ledger"`
	Stage   StageConfig            `mapstructure:"stage" yaml:"stage"`
	Anchor  AnchorConfig           `mapstructure:"anchor" yaml:"anchor"`
	Metrics MetricsConfig          `mapstructure:"metrics" yaml:"metrics"`
	Log     map[string]interface{} `mapstructure:"log" yaml:"log,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.backend", "badger")
	v.SetDefault("db.dir", "/tmp/sidechain/db")
	v.SetDefault("ledger.maxCommitRetries", 16)
	v.SetDefault("ledger.workers", 4)
	v.SetDefault("stage.interval", "30s")
	v.SetDefault("stage.includeSingleAssetAccounts", false)
	v.SetDefault("stage.cacheSize", 16)
	v.SetDefault("stage.maxCommitRetries", 8)
	v.SetDefault("stage.submit", true)
	v.SetDefault("anchor.waitMined", true)
	v.SetDefault("metrics.address", ":9100")
}

// Load reads sidechain.yaml (or .toml, .json) from dir, when present, and
// overlays SIDECHAIN_* environment variables such as SIDECHAIN_DB_BACKEND.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	if dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	// AutomaticEnv only applies to keys viper knows about, so bind the ones without defaults.
	for _, key := range []string{"db.dsn", "anchor.endpoint", "anchor.contract", "anchor.keystore", "anchor.password", "anchor.startBlock"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.DB.Backend {
	case "memory":
	case "badger", "sqlite":
		if c.DB.Dir == "" {
			return fmt.Errorf("db.dir is required for the %s backend", c.DB.Backend)
		}
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown db.backend %q", c.DB.Backend)
	}
	if c.Stage.Interval < 0 {
		return errors.New("stage.interval must not be negative")
	}
	if c.Anchor.Endpoint != "" && c.Anchor.Contract == "" {
		return errors.New("anchor.contract is required with anchor.endpoint")
	}
	return nil
}

// YAML renders the effective configuration. The keystore password is left out.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
