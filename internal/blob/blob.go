// Package blob is the entry point for blob storage. It re-exports the
// contract from blob/core and selects a driver from configuration; callers
// outside this package must not import the infra drivers directly.
package blob

import (
	"context"
	"fmt"
	"os"

	"fieldops/internal/blob/core"
	"fieldops/internal/infra/blob/fs"
	"fieldops/internal/infra/blob/memory"
	"fieldops/internal/infra/blob/s3"
)

type (
	// Store is the blob storage contract.
	Store = core.Store
	// Info describes a stored blob.
	Info = core.Info
	// PutOptions specifies optional parameters for Put.
	PutOptions = core.PutOptions
	// Driver identifies a blob backend.
	Driver = core.Driver
	// S3Config holds the S3 driver settings.
	S3Config = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Environment variables read by Open.
const (
	EnvDriver      = "FIELDOPS_BLOB_DRIVER"
	EnvFSRoot      = "FIELDOPS_BLOB_FS_ROOT"
	EnvS3Bucket    = s3.EnvBucket
	EnvS3Region    = s3.EnvRegion
	EnvS3Endpoint  = s3.EnvEndpoint
	EnvS3PathStyle = s3.EnvPathStyle
)

// Config selects and parameterises a blob driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// ConfigFromEnv builds a Config from FIELDOPS_BLOB_* variables. The driver
// defaults to fs.
func ConfigFromEnv() (Config, error) {
	cfg := Config{Driver: Driver(os.Getenv(EnvDriver)), FSRoot: os.Getenv(EnvFSRoot)}
	if cfg.Driver == "" {
		cfg.Driver = DriverFilesystem
	}
	if cfg.Driver == DriverS3 {
		s3cfg, err := s3.ConfigFromEnv()
		if err != nil {
			return Config{}, err
		}
		cfg.S3 = s3cfg
	}
	return cfg, nil
}

// Open selects a Store implementation using environment variables.
func Open(ctx context.Context) (Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, cfg)
}

// OpenWith constructs the Store named by cfg.Driver.
func OpenWith(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return memory.New() }

// NewS3Mock returns an S3 Store backed by an in-process fake endpoint.
func NewS3Mock() Store { return s3.NewMock() }
