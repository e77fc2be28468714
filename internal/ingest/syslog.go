package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"lateralguard/internal/config"
)

const maxDatagram = 64 * 1024

// StartSyslog listens for syslog lines, typically netfilter LOG output
// forwarded from firewalls and hosts. UDP datagrams may carry several
// lines; TCP uses newline framing.
func StartSyslog(ctx context.Context, cfg *config.Manager, parser *Parser, sink *Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if current.UDPAddr != "" {
		pc, err := net.ListenPacket("udp", current.UDPAddr)
		if err != nil {
			return fmt.Errorf("syslog udp listen %s: %w", current.UDPAddr, err)
		}
		go readDatagrams(ctx, pc, parser, sink, logger)
	}
	if current.TCPAddr != "" {
		srv := newLineServer("syslog", parser, sink, logger)
		srv.clean = stripPriority
		if err := srv.listen(ctx, current.TCPAddr); err != nil {
			return fmt.Errorf("syslog tcp listen %s: %w", current.TCPAddr, err)
		}
	}
	logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr)
	return nil
}

func readDatagrams(ctx context.Context, pc net.PacketConn, parser *Parser, sink *Sink, logger *slog.Logger) {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer pc.Close()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("syslog udp read error", "err", err)
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			sink.Line(ctx, parser, stripPriority(line), "syslog")
		}
	}
}

// stripPriority removes a leading "<PRI>" and an RFC 5424 version digit so
// the header timestamp sits at the start of the line.
func stripPriority(line string) string {
	s := strings.TrimLeft(line, " \t\r")
	if !strings.HasPrefix(s, "<") {
		return line
	}
	end := strings.IndexByte(s, '>')
	if end < 2 || end > 4 {
		return line
	}
	for _, ch := range s[1:end] {
		if ch < '0' || ch > '9' {
			return line
		}
	}
	s = s[end+1:]
	if strings.HasPrefix(s, "1 ") {
		s = s[2:]
	}
	return s
}
