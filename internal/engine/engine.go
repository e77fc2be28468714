package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lateralguard/internal/config"
	"lateralguard/internal/metrics"
	"lateralguard/internal/model"
	"lateralguard/internal/normalize"
	"lateralguard/internal/storage"
)

const lockStripes = 256

// Publisher receives every alert the engine emits. Implementations must not
// block.
type Publisher interface {
	Publish(alert model.Alert)
}

type Engine struct {
	logger  *slog.Logger
	stats   *metrics.Store
	sink    Publisher
	store   storage.Store
	prom    *metrics.Collectors
	cfg     atomic.Value
	exempt  atomic.Value
	history *ConnectionHistory

	fanMu   sync.RWMutex
	fanout  FanOutTracker
	fanMode string
	fanWin  time.Duration

	locks      [lockStripes]sync.Mutex
	cooldown   *Cooldown
	deDupe     *DedupeCache
	errLimiter *rate.Limiter

	started   time.Time
	processed atomic.Uint64
	dropped   atomic.Uint64
	alerted   atomic.Uint64
	done      chan struct{}
}

// Status is a point-in-time summary of the engine counters.
type Status struct {
	Started   time.Time `json:"started"`
	Processed uint64    `json:"processed"`
	Dropped   uint64    `json:"dropped"`
	Alerts    uint64    `json:"alerts"`
	Sources   int       `json:"sources"`
	FanOut    string    `json:"fanout_mode"`
}

func NewEngine(cfg *config.Config, logger *slog.Logger, stats *metrics.Store, sink Publisher, store storage.Store, prom *metrics.Collectors) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if stats == nil {
		stats = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	if prom == nil {
		prom = metrics.NewCollectors(nil)
	}
	e := &Engine{
		logger:     logger,
		stats:      stats,
		sink:       sink,
		store:      store,
		prom:       prom,
		history:    NewConnectionHistory(cfg.Detection.History),
		cooldown:   NewCooldown(),
		deDupe:     NewDedupeCache(),
		errLimiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
		started:    time.Now().UTC(),
		done:       make(chan struct{}),
	}
	e.cfg.Store(cfg)
	e.exempt.Store(buildExemptions(cfg))
	e.setFanOut(cfg.Detection)
	return e
}

// UpdateConfig swaps in new detection settings. History is kept; switching
// the fan-out mode or window starts the new tracker empty.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	e.exempt.Store(buildExemptions(cfg))
	e.history.SetConfig(cfg.Detection.History)
	e.setFanOut(cfg.Detection)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) exemptions() *ExemptionSet {
	if v := e.exempt.Load(); v != nil {
		if x, ok := v.(*ExemptionSet); ok {
			return x
		}
	}
	return nil
}

func (e *Engine) setFanOut(det config.DetectionConfig) {
	e.fanMu.Lock()
	defer e.fanMu.Unlock()
	if e.fanout != nil && e.fanMode == det.FanOut.Mode && e.fanWin == det.FanOut.Window {
		return
	}
	switch det.FanOut.Mode {
	case config.FanOutObserved:
		e.fanout = NewWindowFanOut(det.FanOut.Window, det.History.MaxSources)
	default:
		e.fanout = NewStoreFanOut(e.store)
	}
	e.fanMode = det.FanOut.Mode
	e.fanWin = det.FanOut.Window
}

func (e *Engine) tracker() FanOutTracker {
	e.fanMu.RLock()
	defer e.fanMu.RUnlock()
	return e.fanout
}

// Start consumes in until ctx is cancelled or in is closed. Events are
// sharded by source so one source is always handled by the same worker.
func (e *Engine) Start(ctx context.Context, in <-chan model.ConnectionEvent) {
	workers := e.config().Detection.Workers
	if workers < 1 {
		workers = 1
	}
	shards := make([]chan model.ConnectionEvent, workers)
	// Store calls made while draining must outlive the cancelled ctx;
	// StoreTimeout still bounds each one.
	wctx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan model.ConnectionEvent, 256)
		wg.Add(1)
		go func(ch <-chan model.ConnectionEvent) {
			defer wg.Done()
			for ev := range ch {
				e.Process(wctx, ev)
			}
		}(shards[i])
	}
	go func() {
		defer close(e.done)
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
			wg.Wait()
		}()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case shards[shardFor(ev.Source, workers)] <- ev:
				case <-ctx.Done():
					shards[shardFor(ev.Source, workers)] <- ev
					drainQueued(in, shards)
					return
				}
			case <-ctx.Done():
				drainQueued(in, shards)
				return
			}
		}
	}()
}

// drainQueued hands whatever is already buffered on in to the shards
// without waiting for producers.
func drainQueued(in <-chan model.ConnectionEvent, shards []chan model.ConnectionEvent) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			shards[shardFor(ev.Source, len(shards))] <- ev
		default:
			return
		}
	}
}

// Done is closed once the workers started by Start have drained.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func shardFor(source string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return int(h.Sum32() % uint32(n))
}

func (e *Engine) lockFor(source string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return &e.locks[h.Sum32()%lockStripes]
}

// ProcessEvent runs the detection pipeline without a caller context.
func (e *Engine) ProcessEvent(ev model.ConnectionEvent) []model.Alert {
	return e.Process(context.Background(), ev)
}

// Process scores one connection event and returns the alerts it produced.
// Store failures are logged and counted but never abort the pipeline.
func (e *Engine) Process(ctx context.Context, ev model.ConnectionEvent) []model.Alert {
	cfg := e.config()
	det := cfg.Detection
	ev.Timestamp = clampTimestamp(ev.Timestamp, time.Now().UTC(), det.MaxClockSkew, det.MaxFutureSkew)

	if err := normalize.Validate(ev); err != nil {
		reason := "invalid"
		if errors.Is(err, normalize.ErrNotTCP) {
			reason = "not_tcp"
		}
		e.drop(reason)
		e.logger.Debug("event dropped", "reason", reason, "source_ip", ev.Source, "err", err)
		return nil
	}
	if x := e.exemptions(); x != nil && x.Exempt(ev.Source, ev.Destination) {
		e.drop("exempt")
		return nil
	}
	if e.isDuplicate(ev, det.DedupeWindow) {
		e.drop("duplicate")
		return nil
	}

	lock := e.lockFor(ev.Source)
	lock.Lock()
	defer lock.Unlock()

	counts := e.history.Update(ev.Source, ev.Timestamp)
	summary := Summarize(counts)
	z := summary.ZScore()
	e.processed.Add(1)
	e.prom.EventsProcessed.Inc()
	e.prom.ZScores.Observe(z)
	e.prom.SourcesTracked.Set(float64(e.history.Len()))

	var out []model.Alert
	if z > det.ZScoreThreshold && e.cooldown.Allow(ev.Source, model.KindZScore, ev.Timestamp, det.AlertCooldown) {
		alert := newAlert(ev, model.KindZScore, model.SeverityHigh,
			fmt.Sprintf("[!] Lateral movement detected: %s -> %s (Z-score: %.2f)", ev.Source, ev.Destination, z))
		alert.Score = z
		e.persist(ctx, det, alert)
		e.emit(alert)
		out = append(out, alert)
	}

	tracker := e.tracker()
	tracker.Observe(ev)
	targets, err := e.countTargets(ctx, det, tracker, ev.Source, ev.Timestamp.Add(-det.FanOut.Window))
	if err != nil {
		e.storeError("count", ev.Source, err)
		targets = -1
	} else if det.FanOut.Threshold > 0 && targets >= det.FanOut.Threshold &&
		e.cooldown.Allow(ev.Source, model.KindFanOut, ev.Timestamp, det.AlertCooldown) {
		alert := newAlert(ev, model.KindFanOut, model.SeverityMedium,
			fmt.Sprintf("[!] Lateral movement: %s connected to %d unique devices", ev.Source, targets))
		alert.Targets = targets
		alert.Score = z
		if det.FanOut.Persist {
			e.persist(ctx, det, alert)
		}
		e.emit(alert)
		out = append(out, alert)
	}

	e.stats.Update(metrics.Observation{
		Source:    ev.Source,
		Event:     ev,
		Samples:   summary.Samples,
		LastCount: summary.Last,
		Score:     z,
		Targets:   targets,
		Alerts:    len(out),
	})
	return out
}

func newAlert(ev model.ConnectionEvent, kind model.AlertKind, severity model.Severity, msg string) model.Alert {
	return model.Alert{
		ID:          uuid.NewString(),
		Timestamp:   ev.Timestamp,
		Kind:        kind,
		Severity:    severity,
		Source:      ev.Source,
		Destination: ev.Destination,
		Protocol:    ev.Protocol,
		Message:     msg,
	}
}

func (e *Engine) emit(alert model.Alert) {
	e.alerted.Add(1)
	e.prom.AlertsTotal.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	e.logger.Warn(alert.Message,
		"kind", alert.Kind,
		"severity", alert.Severity,
		"source_ip", alert.Source,
		"target_ip", alert.Destination,
		"score", alert.Score,
		"targets", alert.Targets,
	)
	if e.sink != nil {
		e.sink.Publish(alert)
	}
}

func (e *Engine) storeContext(ctx context.Context, det config.DetectionConfig) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if det.StoreTimeout > 0 {
		return context.WithTimeout(ctx, det.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) persist(ctx context.Context, det config.DetectionConfig, alert model.Alert) {
	if e.store == nil {
		return
	}
	sctx, cancel := e.storeContext(ctx, det)
	defer cancel()
	start := time.Now()
	_, err := e.store.Append(sctx, alert.StoredEvent())
	e.prom.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		e.storeError("append", alert.Source, err)
	}
}

func (e *Engine) countTargets(ctx context.Context, det config.DetectionConfig, tracker FanOutTracker, source string, since time.Time) (int, error) {
	if _, ok := tracker.(*StoreFanOut); !ok {
		return tracker.CountDistinctTargets(ctx, source, since)
	}
	sctx, cancel := e.storeContext(ctx, det)
	defer cancel()
	start := time.Now()
	n, err := tracker.CountDistinctTargets(sctx, source, since)
	e.prom.StoreLatency.WithLabelValues("count").Observe(time.Since(start).Seconds())
	return n, err
}

func (e *Engine) storeError(op, source string, err error) {
	e.prom.StoreErrors.WithLabelValues(op).Inc()
	if e.errLimiter.Allow() {
		e.logger.Warn("event store call failed", "op", op, "source_ip", source, "err", err)
	}
}

func (e *Engine) drop(reason string) {
	e.dropped.Add(1)
	e.prom.EventsDropped.WithLabelValues(reason).Inc()
}

// Reset forgets all per-source state. Persisted events are untouched.
func (e *Engine) Reset() {
	e.history.Reset()
	e.tracker().Reset()
	e.cooldown.Reset()
	e.deDupe.Reset()
	e.prom.SourcesTracked.Set(0)
}

// History returns a copy of the count sequence kept for source.
func (e *Engine) History(source string) []float64 {
	return e.history.Snapshot(source)
}

func (e *Engine) Status() Status {
	return Status{
		Started:   e.started,
		Processed: e.processed.Load(),
		Dropped:   e.dropped.Load(),
		Alerts:    e.alerted.Load(),
		Sources:   e.history.Len(),
		FanOut:    e.config().Detection.FanOut.Mode,
	}
}

func (e *Engine) isDuplicate(ev model.ConnectionEvent, dedupeWindow time.Duration) bool {
	if dedupeWindow <= 0 {
		return false
	}
	return e.deDupe.Seen(fingerprintOf(ev), ev.Timestamp, dedupeWindow)
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
