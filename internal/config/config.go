// Package config loads library settings from defaults, an optional config
// file, IMAGECORE_* environment variables and command-line flags, in
// increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"imagecore/internal/blob"
	"imagecore/internal/logging"
	"imagecore/internal/persistence"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: storage.driver is IMAGECORE_STORAGE_DRIVER.
const EnvPrefix = "IMAGECORE"

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

// ErrInvalid marks a configuration rejected by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete library configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the property store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// BlobConfig selects the buffer byte store.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config configures the s3 blob driver.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// CacheConfig selects the derived-value cache.
type CacheConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig toggles Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"storage.driver":       string(persistence.DriverSQLite),
	"storage.sqlite_path":  "imagecore.db",
	"storage.postgres_dsn": "",
	"blob.driver":          string(blob.DriverFilesystem),
	"blob.fs_root":         "./blobdata",
	"blob.s3.bucket":       "",
	"blob.s3.region":       "us-east-1",
	"blob.s3.endpoint":     "",
	"blob.s3.path_style":   false,
	"cache.driver":         CacheMemory,
	"cache.sqlite_path":    "imagecore-cache.db",
	"log.level":            "info",
	"metrics.enabled":      false,
}

type options struct {
	file  string
	flags *pflag.FlagSet
	v     *viper.Viper
}

// Option customises Load.
type Option func(*options)

// WithFile reads the given yaml, toml or json file.
func WithFile(path string) Option { return func(o *options) { o.file = path } }

// WithFlags binds parsed flags; flag names use dashes for underscores and
// dots, so --storage-driver overrides storage.driver.
func WithFlags(fs *pflag.FlagSet) Option { return func(o *options) { o.flags = fs } }

// WithViper loads through an existing viper instance.
func WithViper(v *viper.Viper) Option { return func(o *options) { o.v = v } }

// Load assembles and validates a Config.
func Load(opts ...Option) (Config, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	v := o.v
	if v == nil {
		v = viper.New()
	}
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if o.file != "" {
		v.SetConfigFile(o.file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", o.file, err)
		}
	}
	if o.flags != nil {
		for key := range defaults {
			if f := o.flags.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
				}
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FlagName maps a config key onto its command-line flag name.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// Validate rejects unknown drivers and missing required values.
func (c Config) Validate() error {
	var errs []error
	switch persistence.Driver(c.Storage.Driver) {
	case persistence.DriverMemory:
	case persistence.DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%w: storage.sqlite_path is required for the sqlite driver", ErrInvalid))
		}
	case persistence.DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("%w: storage.postgres_dsn is required for the postgres driver", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverMemory, blob.DriverFilesystem:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: blob.s3.bucket is required for the s3 driver", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown blob driver %q", ErrInvalid, c.Blob.Driver))
	}
	switch c.Cache.Driver {
	case CacheMemory:
	case CacheSQLite:
		if c.Cache.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%w: cache.sqlite_path is required for the sqlite cache", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown cache driver %q", ErrInvalid, c.Cache.Driver))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// BlobStoreConfig converts the blob section into the blob factory's form.
func (c Config) BlobStoreConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
