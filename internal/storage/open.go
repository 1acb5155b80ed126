package storage

import (
	"context"

	"github.com/randalmurphal/workrun/internal/db"
	"github.com/randalmurphal/workrun/internal/db/driver"
	"github.com/randalmurphal/workrun/internal/ports"
)

// DialectMemory selects the in-process MemoryStore.
const DialectMemory = "memory"

// Open returns the repositories for a dialect ("memory", "sqlite" or
// "postgres") and a func releasing the underlying connection.
func Open(ctx context.Context, dialect, dsn string) (ports.Repositories, func() error, error) {
	if dialect == DialectMemory {
		return NewMemoryStore().Repositories(), func() error { return nil }, nil
	}
	d, err := db.Open(ctx, driver.Dialect(dialect), dsn)
	if err != nil {
		return ports.Repositories{}, nil, err
	}
	return NewSQLStore(d).Repositories(), d.Close, nil
}
