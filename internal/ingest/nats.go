package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"lateralguard/internal/config"
)

// StartNATS subscribes to the configured subject and feeds every message
// body through the line parser. A queue group spreads the subject across
// detector replicas.
func StartNATS(ctx context.Context, cfg *config.Manager, parser *Parser, sink *Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.NATS
	if !current.Enabled {
		return nil
	}
	nc, err := nats.Connect(current.URL,
		nats.Name("lateralguard-ingest"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("nats ingest connect: %w", err)
	}
	handler := func(msg *nats.Msg) {
		sink.Line(ctx, parser, string(msg.Data), "nats")
	}
	var sub *nats.Subscription
	if current.Queue != "" {
		sub, err = nc.QueueSubscribe(current.Subject, current.Queue, handler)
	} else {
		sub, err = nc.Subscribe(current.Subject, handler)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats ingest subscribe %s: %w", current.Subject, err)
	}
	if logger != nil {
		logger.Info("nats ingest enabled", "url", current.URL, "subject", current.Subject, "queue", current.Queue)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		_ = nc.Drain()
	}()
	return nil
}
