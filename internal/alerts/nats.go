package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"lateralguard/internal/config"
)

// NATSForwarder relays the alert stream to a NATS subject as JSON. It is a
// regular hub subscriber, so a slow or disconnected NATS server only costs
// dropped alerts on this subscription.
type NATSForwarder struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSForwarder(cfg config.NATSAlertsConfig, logger *slog.Logger) (*NATSForwarder, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("lateralguard-alerts"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if logger != nil {
		logger.Info("alert forwarding to nats enabled", "url", cfg.URL, "subject", cfg.Subject)
	}
	return &NATSForwarder{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Run forwards alerts until ctx is done or the subscription is closed.
func (f *NATSForwarder) Run(ctx context.Context, hub *Hub) {
	sub := hub.Subscribe(0)
	defer hub.Unsubscribe(sub)
	for {
		select {
		case alert, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			if err := f.nc.Publish(f.subject, data); err != nil && f.logger != nil {
				f.logger.Warn("nats alert publish failed", "subject", f.subject, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *NATSForwarder) Close() {
	if f.nc != nil {
		_ = f.nc.Drain()
	}
}
