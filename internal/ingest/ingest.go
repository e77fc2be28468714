package ingest

import (
	"context"
	"log/slog"
	"time"

	"lateralguard/internal/config"
	"lateralguard/internal/model"
	"lateralguard/internal/normalize"
)

// Sink normalizes adapter input and hands it to the engine queue without
// blocking. A full queue drops the event.
type Sink struct {
	out    chan<- model.ConnectionEvent
	cfg    *config.Manager
	logger *slog.Logger
	onDrop func(origin string)
}

func NewSink(out chan<- model.ConnectionEvent, cfg *config.Manager, logger *slog.Logger, onDrop func(origin string)) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{out: out, cfg: cfg, logger: logger, onDrop: onDrop}
}

func (s *Sink) location() *time.Location {
	if s.cfg == nil {
		return time.UTC
	}
	return s.cfg.Get().Ingest.Location()
}

// Send enqueues ev and reports whether it was accepted.
func (s *Sink) Send(ctx context.Context, ev model.ConnectionEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		s.logger.Warn("event channel full, dropping event", "origin", ev.Origin, "source_ip", ev.Source, "timestamp", ev.Timestamp)
		if s.onDrop != nil {
			s.onDrop(ev.Origin)
		}
		return false
	}
}

// Fields normalizes fields, tags the result with origin and sends it.
func (s *Sink) Fields(ctx context.Context, fields *normalize.EventFields, origin string) error {
	ev, err := s.normalize(fields, origin)
	if err != nil {
		return err
	}
	s.Send(ctx, ev)
	return nil
}

// Line parses one raw line and forwards it. Blank or header lines are
// skipped silently.
func (s *Sink) Line(ctx context.Context, parser *Parser, line string, origin string) {
	if ev, ok := s.parse(parser, line, origin); ok {
		s.Send(ctx, ev)
	}
}

// LineWait is Line for sources that can hold back: instead of dropping on a
// full queue it waits for room. It reports false only when ctx ended before
// a usable event was queued.
func (s *Sink) LineWait(ctx context.Context, parser *Parser, line string, origin string) bool {
	ev, ok := s.parse(parser, line, origin)
	if !ok {
		return true
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Sink) parse(parser *Parser, line, origin string) (model.ConnectionEvent, bool) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return model.ConnectionEvent{}, false
	}
	ev, err := s.normalize(fields, origin)
	return ev, err == nil
}

func (s *Sink) normalize(fields *normalize.EventFields, origin string) (model.ConnectionEvent, error) {
	ev, err := normalize.Normalize(*fields, s.location())
	if err != nil {
		s.logger.Debug("normalize error", "origin", origin, "err", err)
		return model.ConnectionEvent{}, err
	}
	ev.Origin = origin
	return ev, nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
