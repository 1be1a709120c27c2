// Package storage opens the minimal sqlite connection pool the
// HealthMonitor's database probe exercises. Schema and query design belong
// to the out-of-scope client-protocol dispatcher; this package only owns
// the pool itself, grounded on the teacher's OpenDB (PRAGMA foreign_keys/WAL).
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a pure-Go sqlite connection pool at path with the same
// pragmas the teacher applies to its own database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set journal mode: %w", err)
	}

	return db, nil
}

// PoolStats reports the figures the HealthMonitor's database probe reads:
// waiters in proportion to the pool's configured max.
type PoolStats struct {
	MaxOpen   int
	InUse     int
	WaitCount int64
}

// Stats reads db's live pool statistics.
func Stats(db *sql.DB) PoolStats {
	s := db.Stats()
	return PoolStats{
		MaxOpen:   s.MaxOpenConnections,
		InUse:     s.InUse,
		WaitCount: s.WaitCount,
	}
}
