package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"lateralguard/internal/config"
)

// StartKafka consumes connection records from a topic as part of a consumer
// group. A full event queue stalls the consumer rather than dropping, and
// an offset is committed only once its record is queued or found unusable.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, sink *Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		return nil
	}
	if len(current.Brokers) == 0 || current.Topic == "" || current.GroupID == "" {
		return errors.New("kafka ingest requires brokers, topic and group_id")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        current.Brokers,
		Topic:          current.Topic,
		GroupID:        current.GroupID,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	go consumeKafka(ctx, reader, parser, sink, logger)
	return nil
}

func consumeKafka(ctx context.Context, reader *kafka.Reader, parser *Parser, sink *Sink, logger *slog.Logger) {
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("kafka reader close", "err", err)
		}
	}()
	backoff := time.Second
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka fetch error", "err", err, "retry_in", backoff)
			if !BackoffSleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if !sink.LineWait(ctx, parser, string(m.Value), "kafka") {
			return
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit error", "err", fmt.Errorf("partition %d offset %d: %w", m.Partition, m.Offset, err))
		}
	}
}
