package dbpool

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultPoolSize          = 1
	defaultKeepAliveInterval = time.Minute
	defaultKeepAliveQuery    = "select 1"
)

// Config describes a pool. It is copied by New and never changed
// afterwards.
type Config struct {
	// URL is the connect target handed to the gateway as is.
	URL string
	Credentials
	// Properties are extra connection properties. User and Password
	// set outside of it take precedence.
	Properties map[string]string

	// DriverName, if set, is registered with the gateway by Initialize.
	DriverName string

	// MinPoolSize connections are opened by Initialize. Zero means 1.
	MinPoolSize int
	// MaxPoolSize bounds reserved plus available connections. Zero means 1.
	MaxPoolSize int

	// MaxIdle is how long a released connection may sit unused before
	// it is discarded instead of reused. Zero disables idle eviction.
	MaxIdle time.Duration

	KeepAlive KeepAliveConfig
}

// KeepAliveConfig configures the background probe of reserved
// connections.
type KeepAliveConfig struct {
	Enabled  bool
	Interval time.Duration
	Query    string
}

// withDefaults returns a copy of cfg with zero values replaced.
func (cfg Config) withDefaults() Config {
	if cfg.MinPoolSize == 0 {
		cfg.MinPoolSize = defaultPoolSize
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = defaultPoolSize
	}
	if cfg.KeepAlive.Enabled {
		if cfg.KeepAlive.Interval <= 0 {
			cfg.KeepAlive.Interval = defaultKeepAliveInterval
		}
		if cfg.KeepAlive.Query == "" {
			cfg.KeepAlive.Query = defaultKeepAliveQuery
		}
	}
	return cfg
}

// Validate reports whether cfg, after defaults are applied, can be used
// to build a pool.
func (cfg Config) Validate() error {
	cfg = cfg.withDefaults()
	switch {
	case cfg.URL == "":
		return errors.New("dbpool: config: url is required")
	case cfg.MinPoolSize < 0:
		return errors.Errorf("dbpool: config: negative min pool size %d", cfg.MinPoolSize)
	case cfg.MaxPoolSize < cfg.MinPoolSize:
		return errors.Errorf("dbpool: config: max pool size %d is less than min pool size %d", cfg.MaxPoolSize, cfg.MinPoolSize)
	case cfg.MaxIdle < 0:
		return errors.Errorf("dbpool: config: negative max idle %v", cfg.MaxIdle)
	}
	return nil
}

// fileConfig is the on-disk form of Config. Durations are Go duration
// strings such as "20m".
type fileConfig struct {
	URL         string            `yaml:"url" toml:"url"`
	User        string            `yaml:"user" toml:"user"`
	Password    string            `yaml:"password" toml:"password"`
	Properties  map[string]string `yaml:"properties" toml:"properties"`
	DriverName  string            `yaml:"driverName" toml:"driverName"`
	MinPoolSize int               `yaml:"minPoolSize" toml:"minPoolSize"`
	MaxPoolSize int               `yaml:"maxPoolSize" toml:"maxPoolSize"`
	MaxIdle     string            `yaml:"maxIdle" toml:"maxIdle"`
	KeepAlive   struct {
		Enabled  bool   `yaml:"enabled" toml:"enabled"`
		Interval string `yaml:"interval" toml:"interval"`
		Query    string `yaml:"query" toml:"query"`
	} `yaml:"keepAlive" toml:"keepAlive"`
}

// LoadConfigFile reads a pool configuration from a YAML (.yaml, .yml)
// or TOML (.toml) file and validates it.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "dbpool: reading config")
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return Config{}, errors.Errorf("dbpool: unsupported config file extension %q", ext)
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "dbpool: parsing config %s", path)
	}

	cfg, err := fc.toConfig()
	if err != nil {
		return Config{}, errors.Wrapf(err, "dbpool: config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) toConfig() (Config, error) {
	cfg := Config{
		URL:         fc.URL,
		Credentials: Credentials{User: fc.User, Password: fc.Password},
		Properties:  fc.Properties,
		DriverName:  fc.DriverName,
		MinPoolSize: fc.MinPoolSize,
		MaxPoolSize: fc.MaxPoolSize,
		KeepAlive: KeepAliveConfig{
			Enabled: fc.KeepAlive.Enabled,
			Query:   fc.KeepAlive.Query,
		},
	}
	var err error
	if cfg.MaxIdle, err = parseDuration(fc.MaxIdle); err != nil {
		return Config{}, errors.Wrap(err, "maxIdle")
	}
	if cfg.KeepAlive.Interval, err = parseDuration(fc.KeepAlive.Interval); err != nil {
		return Config{}, errors.Wrap(err, "keepAlive.interval")
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
