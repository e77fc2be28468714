package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"lateralguard/internal/model"
)

const (
	badgerEventPrefix = "ev|"
	badgerSequenceKey = "seq:events"
)

// badgerStore keys events as ev|<source>|<unix nanos><id>, so the fan-out
// count is a prefix seek. Reads run in badger's snapshot transactions.
type badgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadger opens the store in dir. An empty dir or "memory" keeps the
// database in memory.
func NewBadger(dir string) (Store, error) {
	dir = strings.TrimSpace(dir)
	opts := badger.DefaultOptions(dir)
	if dir == "" || dir == "memory" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Init(context.Context) error {
	if s.seq != nil {
		return nil
	}
	seq, err := s.db.GetSequence([]byte(badgerSequenceKey), 128)
	if err != nil {
		return fmt.Errorf("event sequence: %w", err)
	}
	s.seq = seq
	return nil
}

func (s *badgerStore) Close() error {
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

func sourcePrefix(source string) []byte {
	return []byte(badgerEventPrefix + source + "|")
}

func eventKey(ev model.StoredEvent) []byte {
	prefix := sourcePrefix(ev.Source)
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ev.Timestamp.UnixNano()))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], uint64(ev.ID))
	return key
}

func (s *badgerStore) Append(_ context.Context, ev model.StoredEvent) (int64, error) {
	if s.seq == nil {
		return 0, fmt.Errorf("append event: store not initialised")
	}
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}
	ev.ID = int64(n) + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev), data)
	})
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return ev.ID, nil
}

func (s *badgerStore) CountDistinctTargets(_ context.Context, source string, since time.Time) (int, error) {
	seen := make(map[string]struct{})
	prefix := sourcePrefix(source)
	err := s.scan(prefix, seekKey(prefix, since), func(ev model.StoredEvent) bool {
		seen[ev.Destination] = struct{}{}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count distinct targets: %w", err)
	}
	return len(seen), nil
}

func (s *badgerStore) Query(_ context.Context, q Query) ([]model.StoredEvent, error) {
	out := make([]model.StoredEvent, 0)
	prefix := []byte(badgerEventPrefix)
	start := prefix
	if q.Source != "" {
		prefix = sourcePrefix(q.Source)
		start = seekKey(prefix, q.Since)
	}
	err := s.scan(prefix, start, func(ev model.StoredEvent) bool {
		if matches(ev, q) {
			out = append(out, ev)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func seekKey(prefix []byte, since time.Time) []byte {
	if since.IsZero() {
		return prefix
	}
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(since.UnixNano()))
	return key
}

// scan walks the keys under prefix in order, starting at start.
func (s *badgerStore) scan(prefix, start []byte, fn func(model.StoredEvent) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var ev model.StoredEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return err
			}
			if !fn(ev) {
				return nil
			}
		}
		return nil
	})
}
