package core

import (
	"fmt"
	"os"

	"fieldops/internal/infra/persistence/memory"
	"fieldops/internal/infra/persistence/postgres"
	"fieldops/internal/infra/persistence/sqlite"
	"fieldops/pkg/domain"
)

// StorageDriver identifies a concrete backend implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Environment variables read by OpenBackend.
const (
	EnvStorageDriver = "FIELDOPS_STORAGE_DRIVER"
	EnvSQLitePath    = "FIELDOPS_SQLITE_PATH"
	EnvPostgresDSN   = "FIELDOPS_POSTGRES_DSN"
)

// Backend is a remote backend that can also serve revenue and accept cycle
// totals. Every built-in driver satisfies it.
type Backend interface {
	domain.Backend
	domain.TotalsWriter
	domain.RevenueFeed
}

// OpenBackend selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	FIELDOPS_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FIELDOPS_SQLITE_PATH: path to sqlite file (default ./fieldops.db)
//	FIELDOPS_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenBackend() (Backend, error) {
	return OpenBackendWith(StorageDriver(os.Getenv(EnvStorageDriver)), os.Getenv(EnvSQLitePath), os.Getenv(EnvPostgresDSN))
}

// OpenBackendWith opens the named driver. Only the location matching the driver
// is used.
func OpenBackendWith(driver StorageDriver, sqlitePath, postgresDSN string) (Backend, error) {
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(postgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
