package cache

import (
	"context"
	"fmt"
	"strings"
)

// Storage drivers accepted by Open
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates the storage named by driver. dsn is a directory for "file",
// a database path for "sqlite" and a connection URL for "postgres".
func Open(ctx context.Context, driver, dsn string, now Clock) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStorage(now), nil
	case DriverFile:
		return NewFileStorage(dsn, now)
	case DriverSQLite:
		return OpenSQLite(dsn, now)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn, now)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
