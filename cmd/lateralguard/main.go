package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker/v2"

	"lateralguard/internal/alerts"
	"lateralguard/internal/api"
	"lateralguard/internal/capture"
	"lateralguard/internal/capture/live"
	"lateralguard/internal/config"
	"lateralguard/internal/engine"
	"lateralguard/internal/ingest"
	"lateralguard/internal/logging"
	"lateralguard/internal/metrics"
	"lateralguard/internal/model"
	"lateralguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	iface := flag.String("iface", "", "capture live traffic from this interface")
	pcapFile := flag.String("pcap", "", "replay connections from a pcap file")
	flag.Parse()

	if err := run(*configPath, *iface, *pcapFile); err != nil {
		fmt.Fprintln(os.Stderr, "lateralguard:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	path = config.ResolvePath(path)
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(path)
}

func run(configPath, iface, pcapFile string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewCollectors(reg)

	store, err := openStore(ctx, cfg.Storage, logger, prom)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	hub := alerts.NewHub(alerts.NewStore(cfg.Alerts.StoreLimit), cfg.Alerts.SubscriberBuffer)
	hub.OnDrop(prom.SubscriberDrops.Inc)
	hub.OnSubscribers(func(n int) { prom.Subscribers.Set(float64(n)) })
	defer hub.Close()

	if cfg.Alerts.NATS.Enabled {
		fwd, err := alerts.NewNATSForwarder(cfg.Alerts.NATS, logger)
		if err != nil {
			return err
		}
		defer fwd.Close()
		go fwd.Run(ctx, hub)
	}

	stats := metrics.NewStore(cfg.Metrics.StoreLimit)
	eng := engine.NewEngine(cfg, logger, stats, hub, store, prom)
	events := make(chan model.ConnectionEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	go mgr.Watch(ctx, 3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", mgr.Path())
		eng.UpdateConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "path", mgr.Path(), "err", err)
	})

	sink := ingest.NewSink(events, mgr, logger, func(origin string) {
		prom.IngestDropped.WithLabelValues(origin).Inc()
	})
	parser := ingest.NewParser()
	if _, err := ingest.StartREST(ctx, mgr, sink, logger); err != nil {
		logger.Error("ingest adapter unavailable", "adapter", "rest", "err", err)
	}
	adapters := []struct {
		name  string
		start func(context.Context, *config.Manager, *ingest.Parser, *ingest.Sink, *slog.Logger) error
	}{
		{"syslog", ingest.StartSyslog},
		{"tcp_stream", ingest.StartTCPStream},
		{"file_tail", ingest.StartFileTail},
		{"kafka", ingest.StartKafka},
		{"nats", ingest.StartNATS},
	}
	for _, a := range adapters {
		if err := a.start(ctx, mgr, parser, sink, logger); err != nil {
			logger.Error("ingest adapter unavailable", "adapter", a.name, "err", err)
		}
	}

	startCapture(ctx, cfg.Capture, iface, pcapFile, events, sink, logger)

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	if _, err := api.Start(ctx, api.Deps{
		Config:   mgr,
		Stats:    stats,
		Hub:      hub,
		Store:    store,
		Engine:   eng,
		Gatherer: gatherer,
		Logger:   logger,
		Version:  version,
	}); err != nil {
		return err
	}

	logger.Info("lateralguard started",
		"version", version,
		"fanout_mode", cfg.Detection.FanOut.Mode,
		"zscore_threshold", cfg.Detection.ZScoreThreshold,
		"storage", cfg.Storage.Driver,
	)
	<-ctx.Done()
	logger.Info("shutting down")

	select {
	case <-eng.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("engine did not drain in time")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, prom *metrics.Collectors) (storage.Store, error) {
	inner, err := storage.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if inner == nil {
		logger.Info("event store disabled")
		return nil, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := inner.Init(initCtx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("init %s store: %w", cfg.Driver, err)
	}
	logger.Info("event store ready", "driver", cfg.Driver)
	if !cfg.Breaker.Enabled {
		return inner, nil
	}
	return storage.NewBreakerStore(inner, cfg.Breaker, logger, func(name string, state gobreaker.State) {
		prom.BreakerState.WithLabelValues(name).Set(float64(state))
	}), nil
}

// startCapture runs live capture or pcap replay. Flags override the config
// file. Replay blocks on a full queue so no packet is lost.
func startCapture(ctx context.Context, cfg config.CaptureConfig, iface, pcapFile string, events chan<- model.ConnectionEvent, sink *ingest.Sink, logger *slog.Logger) {
	if iface != "" {
		cfg.Enabled = true
		cfg.Interface = iface
		cfg.PcapFile = ""
	}
	if pcapFile != "" {
		cfg.Enabled = true
		cfg.PcapFile = pcapFile
	}
	if !cfg.Enabled {
		logger.Info("packet capture disabled")
		return
	}
	if cfg.PcapFile != "" {
		go func() {
			n, err := capture.ReplayFile(ctx, cfg.PcapFile, cfg.SYNOnly, func(ev model.ConnectionEvent) bool {
				select {
				case events <- ev:
					return true
				case <-ctx.Done():
					return false
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("pcap replay failed", "path", cfg.PcapFile, "err", err)
				return
			}
			logger.Info("pcap replay finished", "path", cfg.PcapFile, "events", n)
		}()
		return
	}
	go func() {
		err := live.Run(ctx, cfg, func(ev model.ConnectionEvent) bool {
			sink.Send(ctx, ev)
			return ctx.Err() == nil
		}, logger)
		if err != nil {
			logger.Error("live capture failed", "interface", cfg.Interface, "err", err)
		}
	}()
}
