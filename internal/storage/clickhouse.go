package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"lateralguard/internal/config"
	"lateralguard/internal/model"
)

const clickhouseEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id         UInt64,
    timestamp  Float64,
    source_ip  String,
    target_ip  String,
    protocol   String,
    severity   String
) ENGINE = MergeTree()
ORDER BY (source_ip, timestamp, id)
`

// clickhouseStore has no autoincrement; ids continue from max(id) found at
// Init and are assigned by this process only.
type clickhouseStore struct {
	conn   driver.Conn
	lastID atomic.Int64
}

func NewClickHouse(cfg config.ClickHouseConfig) (Store, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	return &clickhouseStore{conn: conn}, nil
}

func (s *clickhouseStore) Init(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := s.conn.Exec(ctx, clickhouseEventsTable); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	var maxID uint64
	if err := s.conn.QueryRow(ctx, `SELECT max(id) FROM events`).Scan(&maxID); err != nil {
		return fmt.Errorf("read last event id: %w", err)
	}
	s.lastID.Store(int64(maxID))
	return nil
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}

func (s *clickhouseStore) Append(ctx context.Context, ev model.StoredEvent) (int64, error) {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO events")
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	id := s.lastID.Add(1)
	if err := batch.Append(
		uint64(id),
		model.UnixSeconds(ev.Timestamp),
		ev.Source,
		ev.Destination,
		ev.Protocol,
		string(ev.Severity),
	); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return id, nil
}

func (s *clickhouseStore) CountDistinctTargets(ctx context.Context, source string, since time.Time) (int, error) {
	var n uint64
	row := s.conn.QueryRow(ctx,
		`SELECT count(DISTINCT target_ip) FROM events WHERE source_ip = ? AND timestamp >= ?`,
		source, model.UnixSeconds(since))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct targets: %w", err)
	}
	return int(n), nil
}

func (s *clickhouseStore) Query(ctx context.Context, q Query) ([]model.StoredEvent, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT id, timestamp, source_ip, target_ip, protocol, severity FROM events`)
	where, args := buildWhere(q, questionMark)
	queryBuilder.WriteString(where)
	queryBuilder.WriteString(" ORDER BY id")
	if q.Limit > 0 {
		fmt.Fprintf(&queryBuilder, " LIMIT %d", q.Limit)
	}
	rows, err := s.conn.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]model.StoredEvent, 0)
	for rows.Next() {
		var (
			id       uint64
			ts       float64
			ev       model.StoredEvent
			severity string
		)
		if err := rows.Scan(&id, &ts, &ev.Source, &ev.Destination, &ev.Protocol, &severity); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ID = int64(id)
		ev.Timestamp = model.FromUnixSeconds(ts)
		ev.Severity = model.Severity(severity)
		out = append(out, ev)
	}
	return out, rows.Err()
}
