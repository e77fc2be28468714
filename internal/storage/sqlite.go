package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	sqlStore
}

// NewSQLite opens a SQLite event store. The pool is limited to a single
// connection so appends and fan-out reads are serialized by database/sql.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:lateralguard.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{sqlStore{db: db, bind: questionMark}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp REAL,
			source_ip TEXT,
			target_ip TEXT,
			protocol TEXT,
			severity TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_ts ON events(source_ip, timestamp)`,
	})
}
