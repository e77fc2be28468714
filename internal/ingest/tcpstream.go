package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"lateralguard/internal/config"
)

// StartTCPStream accepts newline-delimited records (JSON, CSV or key=value)
// from log shippers on a plain TCP listener.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, sink *Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		return nil
	}
	if err := newLineServer("tcp_stream", parser, sink, logger).listen(ctx, current.Addr); err != nil {
		return fmt.Errorf("tcp stream listen %s: %w", current.Addr, err)
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	return nil
}
