package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lateralguard/internal/config"
	"lateralguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Store is the append-only log of flagged events.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Append(ctx context.Context, ev model.StoredEvent) (int64, error)
	CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error)
	Query(ctx context.Context, q Query) ([]model.StoredEvent, error)
}

// Query selects events by source and time range. Zero fields are ignored;
// results are ordered by id.
type Query struct {
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "clickhouse":
		return NewClickHouse(cfg.ClickHouse)
	case "badger":
		return NewBadger(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// sqlStore implements Store for database/sql drivers. bind renders the n-th
// (1-based) placeholder of the dialect.
type sqlStore struct {
	db        *sql.DB
	bind      func(n int) string
	returning bool
}

func (b *sqlStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *sqlStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *sqlStore) Append(ctx context.Context, ev model.StoredEvent) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	query := fmt.Sprintf(`INSERT INTO events (timestamp, source_ip, target_ip, protocol, severity)
		VALUES (%s, %s, %s, %s, %s)`, b.bind(1), b.bind(2), b.bind(3), b.bind(4), b.bind(5))
	args := []any{model.UnixSeconds(ev.Timestamp), ev.Source, ev.Destination, ev.Protocol, string(ev.Severity)}
	if b.returning {
		var id int64
		if err := b.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("append event: %w", err)
		}
		return id, nil
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

func (b *sqlStore) CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error) {
	if b.db == nil {
		return 0, nil
	}
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT target_ip) FROM events WHERE source_ip = %s AND timestamp >= %s`,
		b.bind(1), b.bind(2))
	var n int
	if err := b.db.QueryRowContext(ctx, query, source, model.UnixSeconds(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct targets: %w", err)
	}
	return n, nil
}

func (b *sqlStore) Query(ctx context.Context, q Query) ([]model.StoredEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	where, args := buildWhere(q, b.bind)
	query := `SELECT id, timestamp, source_ip, target_ip, protocol, severity FROM events` + where + ` ORDER BY id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]model.StoredEvent, 0)
	for rows.Next() {
		var ev model.StoredEvent
		var ts float64
		var severity string
		if err := rows.Scan(&ev.ID, &ts, &ev.Source, &ev.Destination, &ev.Protocol, &severity); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = model.FromUnixSeconds(ts)
		ev.Severity = model.Severity(severity)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func buildWhere(q Query, bind func(int) string) (string, []any) {
	var clauses []string
	var args []any
	if q.Source != "" {
		args = append(args, q.Source)
		clauses = append(clauses, "source_ip = "+bind(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, model.UnixSeconds(q.Since))
		clauses = append(clauses, "timestamp >= "+bind(len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, model.UnixSeconds(q.Until))
		clauses = append(clauses, "timestamp <= "+bind(len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
