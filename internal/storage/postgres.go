package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	sqlStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/lateralguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{sqlStore{db: db, bind: dollar, returning: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			timestamp DOUBLE PRECISION,
			source_ip TEXT,
			target_ip TEXT,
			protocol TEXT,
			severity TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_ts ON events(source_ip, timestamp)`,
	})
}
