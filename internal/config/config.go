// Package config assembles runtime settings for a fieldops session: built-in
// defaults, then an optional YAML file, then FIELDOPS_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"fieldops/internal/blob"
	"fieldops/internal/core"
	"fieldops/internal/observability"
)

// Environment variables layered over the YAML file. Storage and blob variables
// share their names with core.OpenBackend and blob.Open.
const (
	EnvConfigFile = "FIELDOPS_CONFIG"
	EnvCacheTTL   = "FIELDOPS_CACHE_TTL"
	EnvFetchLimit = "FIELDOPS_FETCH_LIMIT"
	EnvLogLevel   = "FIELDOPS_LOG_LEVEL"
	EnvLogFormat  = "FIELDOPS_LOG_FORMAT"
	EnvMetrics    = "FIELDOPS_METRICS"
	EnvTracing    = "FIELDOPS_TRACING"
)

// Config is the full set of session settings.
type Config struct {
	Storage Storage `yaml:"storage"`
	Blob    Blob    `yaml:"blob"`
	Cache   Cache   `yaml:"cache"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Tracing Tracing `yaml:"tracing"`
	Archive Archive `yaml:"archive"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver      string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// Blob selects where snapshot archives are written.
type Blob struct {
	Driver      string `yaml:"driver" validate:"oneof=fs s3 memory"`
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket" validate:"required_if=Driver s3"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Cache tunes the query gateway.
type Cache struct {
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	FetchLimit int           `yaml:"fetch_limit" validate:"gte=0"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Metrics picks the metrics recorder. ExpvarName is only used by the expvar
// backend; empty means a generated name.
type Metrics struct {
	Backend    string `yaml:"backend" validate:"oneof=none expvar prometheus"`
	ExpvarName string `yaml:"expvar_name"`
}

// Tracing picks the span exporter. otel uses the global OpenTelemetry
// provider under Name.
type Tracing struct {
	Backend string `yaml:"backend" validate:"oneof=none otel"`
	Name    string `yaml:"name"`
}

// Archive configures the snapshot archive.
type Archive struct {
	Prefix string `yaml:"prefix"`
	Keep   int    `yaml:"keep" validate:"gte=0"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Storage: Storage{Driver: string(core.StorageSQLite), SQLitePath: "fieldops.db"},
		Blob:    Blob{Driver: string(blob.DriverFilesystem), FSRoot: "./blobdata"},
		Cache:   Cache{TTL: 5 * time.Minute, FetchLimit: 8},
		Log:     Log{Level: "info", Format: "text"},
		Metrics: Metrics{Backend: "none"},
		Tracing: Tracing{Backend: "none", Name: "fieldops"},
		Archive: Archive{Prefix: "snapshots/", Keep: 10},
	}
}

// Load builds a Config from defaults, the YAML file at path (or
// $FIELDOPS_CONFIG when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.overlay(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlay decodes YAML over the current values. Unknown keys are rejected.
func (c *Config) overlay(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(core.EnvStorageDriver, &c.Storage.Driver)
	str(core.EnvSQLitePath, &c.Storage.SQLitePath)
	str(core.EnvPostgresDSN, &c.Storage.PostgresDSN)
	str(blob.EnvDriver, &c.Blob.Driver)
	str(blob.EnvFSRoot, &c.Blob.FSRoot)
	str(blob.EnvS3Bucket, &c.Blob.S3Bucket)
	str(blob.EnvS3Region, &c.Blob.S3Region)
	str(blob.EnvS3Endpoint, &c.Blob.S3Endpoint)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	str(EnvMetrics, &c.Metrics.Backend)
	str(EnvTracing, &c.Tracing.Backend)
	c.Log.Level = strings.ToLower(c.Log.Level)

	if v, ok := lookup(blob.EnvS3PathStyle); ok && v != "" {
		c.Blob.S3PathStyle = strings.EqualFold(v, "true")
	}
	if v, ok := lookup(EnvCacheTTL); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheTTL, err)
		}
		c.Cache.TTL = d
	}
	if v, ok := lookup(EnvFetchLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFetchLimit, err)
		}
		c.Cache.FetchLimit = n
	}
	return nil
}

var configValidate = validator.New()

// Validate checks enumerations and required fields.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps Log.Level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a slog logger writing to w in the configured format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// BlobConfig converts the blob section for blob.OpenWith.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
		},
	}
}

// OpenBackend opens the configured persistence backend.
func (c Config) OpenBackend() (core.Backend, error) {
	return core.OpenBackendWith(core.StorageDriver(c.Storage.Driver), c.Storage.SQLitePath, c.Storage.PostgresDSN)
}

// MetricsRecorder builds the configured recorder. reg is only used by the
// prometheus backend and defaults to prometheus.DefaultRegisterer.
func (c Config) MetricsRecorder(reg prometheus.Registerer) observability.MetricsRecorder {
	switch c.Metrics.Backend {
	case "prometheus":
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		return observability.NewPrometheusRecorder(reg)
	case "expvar":
		return observability.NewExpvarMetricsRecorder(c.Metrics.ExpvarName)
	default:
		return observability.NopMetrics()
	}
}

// Tracer builds the configured tracer.
func (c Config) Tracer() observability.Tracer {
	if c.Tracing.Backend == "otel" {
		return observability.NewOTelTracer(c.Tracing.Name)
	}
	return observability.NopTracer()
}

// ServiceOptions translates the cache, logging, metrics and tracing settings
// into session options.
func (c Config) ServiceOptions(logger *slog.Logger, reg prometheus.Registerer) []core.ServiceOption {
	opts := []core.ServiceOption{
		core.WithCacheTTL(c.Cache.TTL),
		core.WithFetchLimit(c.Cache.FetchLimit),
		core.WithMetricsRecorder(c.MetricsRecorder(reg)),
		core.WithTracer(c.Tracer()),
	}
	if logger != nil {
		opts = append(opts, core.WithLogger(logger))
	}
	return opts
}
