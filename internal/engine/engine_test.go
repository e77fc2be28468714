package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateralguard/internal/config"
	"lateralguard/internal/metrics"
	"lateralguard/internal/model"
	"lateralguard/internal/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *recorder) Publish(a model.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recorder) All() []model.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Alert(nil), r.alerts...)
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) CountDistinctTargets(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("database is locked")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.AlertCooldown = 0
	cfg.Detection.DedupeWindow = 0
	cfg.Detection.MaxClockSkew = 0
	cfg.Detection.MaxFutureSkew = 0
	return cfg
}

func newEngineForTest(cfg *config.Config, store storage.Store) (*Engine, *recorder) {
	rec := &recorder{}
	return NewEngine(cfg, nil, metrics.NewStore(100), rec, store, nil), rec
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	store, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// burst returns quiet one-per-second connections starting at from, followed
// by a second connection inside the last quiet second.
func burst(src, dst string, from time.Duration, quiet int) []model.ConnectionEvent {
	evs := make([]model.ConnectionEvent, 0, quiet+1)
	for i := 0; i < quiet; i++ {
		evs = append(evs, conn(src, dst, from+time.Duration(i)*time.Second))
	}
	return append(evs, conn(src, dst, from+time.Duration(quiet-1)*time.Second+100*time.Millisecond))
}

func conn(src, dst string, at time.Duration) model.ConnectionEvent {
	return model.ConnectionEvent{
		Timestamp:   base.Add(at),
		Source:      src,
		Destination: dst,
		Protocol:    "TCP/445",
	}
}

func TestFirstEventNeverAlerts(t *testing.T) {
	store := storage.NewMemory()
	eng, rec := newEngineForTest(testConfig(), store)
	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", 0))
	assert.Empty(t, out)
	assert.Empty(t, rec.All())
	assert.Equal(t, 0, store.Len())
}

func TestBurstRaisesSingleHighAlert(t *testing.T) {
	store := storage.NewMemory()
	eng, rec := newEngineForTest(testConfig(), store)

	// eleven quiet seconds, then a second connection inside the twelfth
	for i := 0; i < 12; i++ {
		out := eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", time.Duration(i)*time.Second))
		require.Empty(t, out, "baseline event %d", i)
	}
	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", 11*time.Second+100*time.Millisecond))
	require.Len(t, out, 1)

	alert := out[0]
	assert.Equal(t, model.KindZScore, alert.Kind)
	assert.Equal(t, model.SeverityHigh, alert.Severity)
	assert.Greater(t, alert.Score, 3.0)
	assert.Equal(t, "[!] Lateral movement detected: 10.0.0.5 -> 10.0.0.9 (Z-score: 3.32)", alert.Message)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, 1, store.Len())
	assert.Len(t, rec.All(), 1)

	stored, err := store.Query(context.Background(), storage.Query{Source: "10.0.0.5"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.SeverityHigh, stored[0].Severity)
	assert.Equal(t, "TCP/445", stored[0].Protocol)
}

func TestUnitHistoryNeverScores(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.History.Bucket = 0
	eng, rec := newEngineForTest(cfg, storage.NewMemory())
	for i := 0; i < 50; i++ {
		eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", time.Duration(i)*time.Millisecond))
	}
	assert.Empty(t, rec.All())
	assert.Len(t, eng.History("10.0.0.5"), 50)
}

func TestStoredFanOut(t *testing.T) {
	cases := []struct {
		name    string
		targets int
		alert   bool
	}{
		{"two targets", 2, false},
		{"three targets", 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemory()
			ctx := context.Background()
			for i := 0; i < tc.targets; i++ {
				_, err := store.Append(ctx, model.StoredEvent{
					Timestamp:   base.Add(time.Duration(i*60) * time.Second),
					Source:      "10.0.0.5",
					Destination: fmt.Sprintf("10.0.1.%d", i+1),
					Protocol:    "TCP/22",
					Severity:    model.SeverityHigh,
				})
				require.NoError(t, err)
			}
			eng, _ := newEngineForTest(testConfig(), store)
			out := eng.ProcessEvent(conn("10.0.0.5", "10.0.1.1", 200*time.Second))
			if !tc.alert {
				assert.Empty(t, out)
				return
			}
			require.Len(t, out, 1)
			assert.Equal(t, model.KindFanOut, out[0].Kind)
			assert.Equal(t, model.SeverityMedium, out[0].Severity)
			assert.Equal(t, 3, out[0].Targets)
			assert.Equal(t, "[!] Lateral movement: 10.0.0.5 connected to 3 unique devices", out[0].Message)
			assert.Equal(t, tc.targets, store.Len(), "fan-out alerts are not persisted by default")
		})
	}
}

func TestStoredFanOutIgnoresOldEvents(t *testing.T) {
	store := storage.NewMemory()
	for i := 0; i < 3; i++ {
		_, err := store.Append(context.Background(), model.StoredEvent{
			Timestamp:   base,
			Source:      "10.0.0.5",
			Destination: fmt.Sprintf("10.0.1.%d", i+1),
			Protocol:    "TCP/22",
			Severity:    model.SeverityHigh,
		})
		require.NoError(t, err)
	}
	eng, _ := newEngineForTest(testConfig(), store)
	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.1.1", 301*time.Second))
	assert.Empty(t, out)
}

func TestObservedFanOut(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	cfg.Detection.FanOut.Persist = true
	store := storage.NewMemory()
	eng, _ := newEngineForTest(cfg, store)

	assert.Empty(t, eng.ProcessEvent(conn("10.0.0.5", "10.0.1.1", 0)))
	assert.Empty(t, eng.ProcessEvent(conn("10.0.0.5", "10.0.1.2", 10*time.Second)))
	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.1.3", 20*time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, model.KindFanOut, out[0].Kind)
	assert.Equal(t, 1, store.Len())

	// the first two targets have left the window
	out = eng.ProcessEvent(conn("10.0.0.5", "10.0.1.4", 315*time.Second))
	assert.Empty(t, out)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	cfg.Detection.AlertCooldown = time.Minute
	eng, rec := newEngineForTest(cfg, nil)
	for i := 0; i < 6; i++ {
		eng.ProcessEvent(conn("10.0.0.5", fmt.Sprintf("10.0.1.%d", i+1), time.Duration(i)*time.Second))
	}
	assert.Len(t, rec.All(), 1)

	eng.ProcessEvent(conn("10.0.0.5", "10.0.1.50", 2*time.Minute))
	assert.Len(t, rec.All(), 2)
}

func TestDropsInvalidAndExempt(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	cfg.Exemptions.Enabled = true
	cfg.Exemptions.Sources = []string{"10.9.0.0/16"}
	eng, _ := newEngineForTest(cfg, nil)

	bad := conn("10.0.0.5", "10.0.0.9", 0)
	bad.Protocol = "UDP/53"
	assert.Empty(t, eng.ProcessEvent(bad))
	assert.Empty(t, eng.ProcessEvent(conn("bogus", "10.0.0.9", 0)))
	assert.Empty(t, eng.ProcessEvent(conn("10.9.1.1", "10.0.0.9", 0)))

	st := eng.Status()
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, uint64(0), st.Processed)
	assert.Nil(t, eng.History("10.9.1.1"))
}

func TestDedupeWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	cfg.Detection.DedupeWindow = time.Second
	eng, _ := newEngineForTest(cfg, nil)
	ev := conn("10.0.0.5", "10.0.0.9", 0)
	eng.ProcessEvent(ev)
	eng.ProcessEvent(ev)
	st := eng.Status()
	assert.Equal(t, uint64(1), st.Processed)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestStoreFailureDoesNotStopPipeline(t *testing.T) {
	store := failingStore{storage.NewMemory()}
	eng, _ := newEngineForTest(testConfig(), store)
	for i := 0; i < 13; i++ {
		eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", time.Duration(i)*time.Second))
	}
	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", 12*time.Second+time.Millisecond))
	require.Len(t, out, 1)
	assert.Equal(t, model.KindZScore, out[0].Kind)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, uint64(14), eng.Status().Processed)
}

func replay(t *testing.T, events []model.ConnectionEvent) []string {
	t.Helper()
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	eng, _ := newEngineForTest(cfg, nil)
	var out []string
	for _, ev := range events {
		for _, a := range eng.ProcessEvent(ev) {
			out = append(out, fmt.Sprintf("%s|%s|%s|%s", a.Timestamp.Format(time.RFC3339Nano), a.Kind, a.Severity, a.Message))
		}
	}
	return out
}

func TestReplayIsDeterministic(t *testing.T) {
	var events []model.ConnectionEvent
	for i := 0; i < 40; i++ {
		src := fmt.Sprintf("10.0.0.%d", i%3)
		dst := fmt.Sprintf("10.0.1.%d", i%7)
		events = append(events, conn(src, dst, time.Duration(i*700)*time.Millisecond))
	}
	first := replay(t, events)
	second := replay(t, events)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestStartShardsAndDrains(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Workers = 4
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	eng, _ := newEngineForTest(cfg, nil)

	in := make(chan model.ConnectionEvent)
	eng.Start(context.Background(), in)
	for i := 0; i < 100; i++ {
		in <- conn(fmt.Sprintf("10.0.0.%d", i%10), "10.0.1.1", time.Duration(i)*time.Second)
	}
	close(in)

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain")
	}
	assert.Equal(t, uint64(100), eng.Status().Processed)
	assert.Equal(t, 10, eng.Status().Sources)
}

func TestStartDrainsQueuedEventsAfterCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Workers = 4
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	eng, _ := newEngineForTest(cfg, nil)

	in := make(chan model.ConnectionEvent, 1000)
	for i := 0; i < 1000; i++ {
		in <- conn(fmt.Sprintf("10.0.0.%d", i%10), "10.0.1.1", time.Duration(i)*time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng.Start(ctx, in)

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain")
	}
	assert.Equal(t, uint64(1000), eng.Status().Processed)
}

func TestStartPersistsAlertsRaisedWhileDraining(t *testing.T) {
	store := newSQLiteStore(t)
	eng, rec := newEngineForTest(testConfig(), store)

	evs := burst("10.0.0.5", "10.0.0.9", 0, 12)
	in := make(chan model.ConnectionEvent, len(evs))
	for _, ev := range evs {
		in <- ev
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng.Start(ctx, in)

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain")
	}
	require.Len(t, rec.All(), 1)
	rows, err := store.Query(context.Background(), storage.Query{Source: "10.0.0.5"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.SeverityHigh, rows[0].Severity)
	assert.Equal(t, "10.0.0.9", rows[0].Destination)
}

func TestStoredFanOutFromOwnAlerts(t *testing.T) {
	store := newSQLiteStore(t)
	eng, rec := newEngineForTest(testConfig(), store)

	var last []model.Alert
	for i, dst := range []string{"10.0.1.1", "10.0.1.2", "10.0.1.3"} {
		quiet := 12
		if i > 0 {
			quiet = 20
		}
		var from time.Duration
		if i > 0 {
			from = time.Duration(12+(i-1)*20) * time.Second
		}
		for _, ev := range burst("10.0.0.5", dst, from, quiet) {
			last = eng.ProcessEvent(ev)
		}
		if i < 2 {
			require.Len(t, last, 1, "burst to %s", dst)
			assert.Equal(t, model.KindZScore, last[0].Kind)
		}
	}

	require.Len(t, last, 2)
	assert.Equal(t, model.KindZScore, last[0].Kind)
	assert.Equal(t, model.KindFanOut, last[1].Kind)
	assert.Equal(t, 3, last[1].Targets)
	assert.Equal(t, "[!] Lateral movement: 10.0.0.5 connected to 3 unique devices", last[1].Message)

	rows, err := store.Query(context.Background(), storage.Query{Source: "10.0.0.5"})
	require.NoError(t, err)
	assert.Len(t, rows, 3, "only high alerts are persisted")
	assert.Len(t, rec.All(), 4)

	out := eng.ProcessEvent(conn("10.0.0.5", "10.0.1.1", 60*time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, model.KindFanOut, out[0].Kind)
}

func TestResetForgetsSources(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	eng, _ := newEngineForTest(cfg, nil)
	eng.ProcessEvent(conn("10.0.0.5", "10.0.0.9", 0))
	require.Equal(t, 1, eng.Status().Sources)
	eng.Reset()
	assert.Equal(t, 0, eng.Status().Sources)
	assert.Nil(t, eng.History("10.0.0.5"))
}

func TestUpdateConfigSwitchesFanOutMode(t *testing.T) {
	store := storage.NewMemory()
	eng, _ := newEngineForTest(testConfig(), store)
	_, ok := eng.tracker().(*StoreFanOut)
	require.True(t, ok)

	cfg := testConfig()
	cfg.Detection.FanOut.Mode = config.FanOutObserved
	eng.UpdateConfig(cfg)
	_, ok = eng.tracker().(*WindowFanOut)
	assert.True(t, ok)
	assert.Equal(t, config.FanOutObserved, eng.Status().FanOut)
}

func TestClampTimestamp(t *testing.T) {
	now := base
	assert.Equal(t, now, clampTimestamp(time.Time{}, now, 0, 0))
	assert.Equal(t, now, clampTimestamp(now.Add(-time.Hour), now, time.Minute, 0))
	assert.Equal(t, now, clampTimestamp(now.Add(time.Hour), now, 0, time.Minute))
	past := now.Add(-time.Hour)
	assert.Equal(t, past, clampTimestamp(past, now, 0, 0))
}
