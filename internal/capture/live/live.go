// Package live captures from a network interface through libpcap.
package live

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"lateralguard/internal/capture"
	"lateralguard/internal/config"
)

// Run opens cfg.Interface and streams decoded events until ctx is done.
func Run(ctx context.Context, cfg config.CaptureConfig, emit capture.Emitter, logger *slog.Logger) error {
	snaplen := cfg.SnapLen
	if snaplen <= 0 {
		snaplen = 1600
	}
	handle, err := pcap.OpenLive(cfg.Interface, snaplen, cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open interface %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("set bpf filter %q: %w", cfg.BPFFilter, err)
		}
	}
	go func() {
		<-ctx.Done()
		handle.Close()
	}()
	if logger != nil {
		logger.Info("live capture started", "interface", cfg.Interface, "bpf_filter", cfg.BPFFilter, "syn_only", cfg.SYNOnly)
	}
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	n, err := capture.Stream(ctx, source, cfg.SYNOnly, emit)
	if logger != nil {
		logger.Info("live capture stopped", "interface", cfg.Interface, "events", n)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
