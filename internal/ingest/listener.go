package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	maxLineBytes    = 1 << 20
	maxStreamConns  = 256
	streamIdleLimit = 5 * time.Minute
)

// lineServer feeds newline-delimited records from accepted connections into
// the sink. clean, when set, rewrites each line before parsing.
type lineServer struct {
	origin string
	parser *Parser
	sink   *Sink
	logger *slog.Logger
	clean  func(string) string

	slots chan struct{}
	wg    sync.WaitGroup
}

func newLineServer(origin string, parser *Parser, sink *Sink, logger *slog.Logger) *lineServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &lineServer{
		origin: origin,
		parser: parser,
		sink:   sink,
		logger: logger,
		slots:  make(chan struct{}, maxStreamConns),
	}
}

// listen binds addr and serves it until ctx is cancelled.
func (s *lineServer) listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.serve(ctx, ln)
	return nil
}

func (s *lineServer) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept error", "origin", s.origin, "err", err)
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("too many stream connections, rejecting", "origin", s.origin, "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handle(ctx, conn)
		}()
	}
}

func (s *lineServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleLimit))
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if s.clean != nil {
			line = s.clean(line)
		}
		s.sink.Line(ctx, s.parser, line, s.origin)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("stream closed", "origin", s.origin, "remote", conn.RemoteAddr().String(), "err", err)
	}
}
