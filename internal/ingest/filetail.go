package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"lateralguard/internal/config"
)

const (
	tailPoll     = 200 * time.Millisecond
	tailReopen   = 500 * time.Millisecond
	tailMaxBytes = maxLineBytes
)

// StartFileTail follows each configured log file, surviving truncation and
// rename-style rotation.
func StartFileTail(ctx context.Context, cfg *config.Manager, parser *Parser, sink *Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, path := range current.Files {
		t := &tailer{
			path:    path,
			fromEnd: current.StartAtEnd,
			parser:  parser,
			sink:    sink,
			logger:  logger.With("path", path),
		}
		go t.run(ctx)
	}
	logger.Info("file tail ingest enabled", "files", current.Files, "start_at_end", current.StartAtEnd)
	return nil
}

type tailer struct {
	path    string
	fromEnd bool
	parser  *Parser
	sink    *Sink
	logger  *slog.Logger

	file    *os.File
	info    os.FileInfo
	offset  int64
	partial []byte
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(); err != nil {
				t.logger.Debug("tail open failed", "err", err)
				if !BackoffSleep(ctx, tailReopen) {
					return
				}
				continue
			}
		}
		if err := t.drain(ctx); err != nil {
			t.logger.Warn("tail read error", "err", err)
			t.close()
			continue
		}
		if !BackoffSleep(ctx, tailPoll) {
			return
		}
		if t.rotated() {
			// finish what the old file still holds before switching
			_ = t.drain(ctx)
			t.close()
			t.fromEnd = false
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.file, t.info, t.offset, t.partial = f, info, 0, nil
	if t.fromEnd {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			t.close()
			return fmt.Errorf("seek end: %w", err)
		}
		t.offset = pos
	}
	return nil
}

// drain reads every complete line currently available.
func (t *tailer) drain(ctx context.Context) error {
	r := bufio.NewReader(t.file)
	for {
		chunk, err := r.ReadBytes('\n')
		t.offset += int64(len(chunk))
		if len(chunk) > 0 {
			t.partial = append(t.partial, chunk...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(t.partial) > tailMaxBytes {
					t.logger.Warn("dropping oversized line", "bytes", len(t.partial))
					t.partial = nil
				}
				return nil
			}
			return err
		}
		t.sink.Line(ctx, t.parser, string(t.partial), "file_tail")
		t.partial = t.partial[:0]
	}
}

// rotated reports whether path now names a different file or the file
// shrank below what has been read.
func (t *tailer) rotated() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	if !os.SameFile(info, t.info) {
		return true
	}
	return info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}
