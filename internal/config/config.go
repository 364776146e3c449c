// Package config loads runtime settings for membranecore from defaults, an
// optional config file and MEMBRANECORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"membranecore/internal/blob"
	"membranecore/internal/core"
	"membranecore/pkg/domain"
)

// EnvPrefix prefixes every environment override, e.g. MEMBRANECORE_ENGINE_MAX_STEPS.
const EnvPrefix = "MEMBRANECORE"

// Config holds application configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Log     LogConfig     `mapstructure:"log"`
}

// EngineConfig bounds and seeds runs. Seed is nil unless configured, which
// leaves the generator randomly seeded.
type EngineConfig struct {
	Seed         *uint64 `mapstructure:"-"`
	MaxSteps     int     `mapstructure:"max_steps"`
	MaxMembranes int     `mapstructure:"max_membranes"`
	MaxDepth     int     `mapstructure:"max_depth"`
	Workers      int     `mapstructure:"workers"`
}

// StorageConfig selects the configuration store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// BlobConfig selects the trace archive backend.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config holds the S3 driver settings. Credentials come from the default
// AWS chain unless access_key_id is set.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LogConfig controls the CLI logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_steps", 10000)
	v.SetDefault("engine.max_membranes", domain.DefaultLimits.MaxMembranes)
	v.SetDefault("engine.max_depth", domain.DefaultLimits.MaxDepth)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("storage.driver", string(core.StorageMemory))
	v.SetDefault("storage.sqlite_path", "membranecore.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("blob.driver", string(blob.DriverFilesystem))
	v.SetDefault("blob.fs_root", "./blobdata")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. An explicit path must exist; otherwise
// MEMBRANECORE_CONFIG or ./membranecore.{yaml,toml,json} is read when
// present. Environment variables override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("membranecore")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if v.IsSet("engine.seed") {
		seed := v.GetUint64("engine.seed")
		c.Engine.Seed = &seed
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports unusable values.
func (c Config) Validate() error {
	var problems []string
	if c.Engine.MaxSteps < 0 {
		problems = append(problems, fmt.Sprintf("engine.max_steps must be non-negative, got %d", c.Engine.MaxSteps))
	}
	if c.Engine.MaxMembranes < 0 || c.Engine.MaxDepth < 0 {
		problems = append(problems, "engine limits must be non-negative")
	}
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			problems = append(problems, "blob.s3.bucket is required for the s3 driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("blob.driver %q is not one of fs, s3, memory", c.Blob.Driver))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Limits returns the engine ceilings.
func (c Config) Limits() domain.Limits {
	return domain.Limits{MaxMembranes: c.Engine.MaxMembranes, MaxDepth: c.Engine.MaxDepth}
}

// StorageOptions maps the storage section to core.StorageConfig.
func (c Config) StorageOptions() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobOptions maps the blob section to blob.Config.
func (c Config) BlobOptions() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3.Bucket,
			Region:          c.Blob.S3.Region,
			Endpoint:        c.Blob.S3.Endpoint,
			PathStyle:       c.Blob.S3.PathStyle,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
		},
	}
}

// LogLevel returns the configured slog level.
func (c Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
