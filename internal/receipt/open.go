package receipt

import (
	"context"
	"fmt"
	"strings"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageAFS   = "afs"
)

// OpenDB opens the store for driver. dsn is a file path for sqlite and
// bolt and a connection string for postgres.
func OpenDB(ctx context.Context, driver, dsn string) (DB, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	case DriverBolt:
		return NewBoltDB(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q (want sqlite, postgres or bolt)", driver)
	}
}

// OpenStorage opens the photo store. location is a directory for local
// storage and a URL for afs.
func OpenStorage(backend, location string) (Storage, error) {
	switch strings.ToLower(backend) {
	case StorageLocal, "":
		return NewLocalStorage(location)
	case StorageAFS:
		if !strings.Contains(location, "://") {
			return nil, fmt.Errorf("afs storage needs a URL, got %q", location)
		}
		return NewAFSStorage(location), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want local or afs)", backend)
	}
}
