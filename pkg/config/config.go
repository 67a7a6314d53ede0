// Package config defines the carblob configuration tree, its defaults and
// validation. Values come from viper (flags, CARBLOB_* env, config file).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Providers lists the supported storage backends.
var Providers = []string{"local", "s3", "minio", "bucket", "oss", "cos"}

type Config struct {
	Storage   Storage   `mapstructure:"storage"`
	Fallback  Storage   `mapstructure:"fallback"`
	StatCache StatCache `mapstructure:"stat_cache"`
	Index     Index     `mapstructure:"index"`
	Digest    Digest    `mapstructure:"digest"`
	HTTP      HTTP      `mapstructure:"http"`
	Log       Log       `mapstructure:"log"`
}

// Storage describes one blob backend. Which fields matter depends on
// Provider; an empty Provider disables the backend (fallback only).
type Storage struct {
	Provider     string `mapstructure:"provider" validate:"omitempty,oneof=local s3 minio bucket oss cos"`
	Root         string `mapstructure:"root"`
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
	URL          string `mapstructure:"url"`
	PathStyle    bool   `mapstructure:"path_style"`
	Secure       bool   `mapstructure:"secure"`
	// Mirror and CacheOnRead apply to the fallback tier only.
	Mirror      bool `mapstructure:"mirror"`
	CacheOnRead bool `mapstructure:"cache_on_read"`
}

// Enabled reports whether a provider is configured.
func (s Storage) Enabled() bool { return s.Provider != "" }

type StatCache struct {
	Entries int           `mapstructure:"entries" validate:"gte=0"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type Index struct {
	MaxSectionSize int64 `mapstructure:"max_section_size" validate:"gte=0"`
	BufferSize     int   `mapstructure:"buffer_size" validate:"gte=0"`
	ValidateResume bool  `mapstructure:"validate_resume"`
}

type Digest struct {
	Algorithm     string        `mapstructure:"algorithm" validate:"oneof=sha2-256 sha2-512 blake3"`
	CachePath     string        `mapstructure:"cache_path"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	RateLimit       int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateWindow      time.Duration `mapstructure:"rate_window" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.root", ".carblob/objects")
	v.SetDefault("fallback.mirror", false)
	v.SetDefault("fallback.cache_on_read", true)
	v.SetDefault("stat_cache.entries", 0)
	v.SetDefault("stat_cache.ttl", time.Minute)
	v.SetDefault("index.max_section_size", 32<<20)
	v.SetDefault("index.buffer_size", 64<<10)
	v.SetDefault("index.validate_resume", false)
	v.SetDefault("digest.algorithm", "sha2-256")
	v.SetDefault("digest.cache_ttl", 30*24*time.Hour)
	v.SetDefault("digest.sweep_interval", time.Hour)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.metrics_addr", ":9090")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_window", time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(storageRules, Storage{})
	return v
}

// storageRules enforces the per-provider required fields.
func storageRules(sl validator.StructLevel) {
	s := sl.Current().Interface().(Storage)
	require := func(value, field string) {
		if strings.TrimSpace(value) == "" {
			sl.ReportError(value, field, field, "required_for_"+s.Provider, s.Provider)
		}
	}
	switch s.Provider {
	case "local":
		require(s.Root, "Root")
	case "bucket":
		require(s.URL, "URL")
	case "s3":
		require(s.Bucket, "Bucket")
		require(s.Region, "Region")
	case "minio", "oss", "cos":
		require(s.Endpoint, "Endpoint")
		require(s.Bucket, "Bucket")
		require(s.AccessKey, "AccessKey")
		require(s.SecretKey, "SecretKey")
	}
}

// Validate checks field constraints and provider requirements.
func (c Config) Validate() error {
	if !c.Storage.Enabled() {
		return fmt.Errorf("config: storage.provider is required (one of %s)", strings.Join(Providers, "|"))
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Build returns a zap logger for the configured level and format.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	var zc zap.Config
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
