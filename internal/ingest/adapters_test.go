package ingest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateralguard/internal/config"
	"lateralguard/internal/model"
)

func newTestSink(buf int) (*Sink, chan model.ConnectionEvent) {
	out := make(chan model.ConnectionEvent, buf)
	return NewSink(out, config.NewStaticManager(config.DefaultConfig()), nil, nil), out
}

func receive(t *testing.T, out <-chan model.ConnectionEvent) model.ConnectionEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return model.ConnectionEvent{}
	}
}

func TestStripPriority(t *testing.T) {
	cases := map[string]string{
		"<4>May 11 12:00:00 fw kernel: SRC=10.0.0.5":       "May 11 12:00:00 fw kernel: SRC=10.0.0.5",
		"<134>1 2024-05-01T12:00:00Z fw - - - SRC=1.2.3.4": "2024-05-01T12:00:00Z fw - - - SRC=1.2.3.4",
		"SRC=10.0.0.5 DST=10.0.0.9":                        "SRC=10.0.0.5 DST=10.0.0.9",
		"<abc>not a priority":                              "<abc>not a priority",
		"<12345>too long":                                  "<12345>too long",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripPriority(in), in)
	}
}

func TestSyslogDatagram(t *testing.T) {
	sink, out := newTestSink(8)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readDatagrams(ctx, pc, NewParser(), sink, sink.logger)

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("<4>2024-05-01T12:00:00Z fw kernel: IN=eth0 SRC=10.0.0.5 DST=10.0.0.9 PROTO=TCP DPT=445\n" +
		"<4>2024-05-01T12:00:01Z fw kernel: IN=eth0 SRC=10.0.0.5 DST=10.0.0.8 PROTO=UDP DPT=53"))
	require.NoError(t, err)

	ev := receive(t, out)
	assert.Equal(t, "syslog", ev.Origin)
	assert.Equal(t, "10.0.0.9", ev.Destination)
	assert.Equal(t, "TCP/445", ev.Protocol)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp.UTC())
	assert.Empty(t, out)
}

func TestLineServerStreams(t *testing.T) {
	sink, out := newTestSink(8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go newLineServer("tcp_stream", NewParser(), sink, nil).serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 1; i <= 3; i++ {
		_, err := fmt.Fprintf(conn, `{"timestamp":"2024-05-01T12:00:0%dZ","source_ip":"10.0.0.5","target_ip":"10.0.1.%d","protocol":"TCP"}`+"\n", i, i)
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		ev := receive(t, out)
		assert.Equal(t, "tcp_stream", ev.Origin)
		assert.Equal(t, fmt.Sprintf("10.0.1.%d", i), ev.Destination)
	}
}

func TestTailerFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conn.log")
	require.NoError(t, os.WriteFile(path, []byte("SRC=10.0.0.1 DST=10.0.0.2 PROTO=TCP\n"), 0o644))

	sink, out := newTestSink(8)
	mgr := config.NewStaticManager(config.DefaultConfig())
	cfg := *mgr.Get()
	cfg.Ingest.FileTail = config.FileTailConfig{Enabled: true, Files: []string{path}}
	require.NoError(t, mgr.Update(&cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, StartFileTail(ctx, mgr, NewParser(), sink, nil))

	assert.Equal(t, "10.0.0.2", receive(t, out).Destination)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("SRC=10.0.0.1 DST=10.0.0.3 ")
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	_, err = f.WriteString("PROTO=TCP\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "10.0.0.3", receive(t, out).Destination)

	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("SRC=10.0.0.1 DST=10.0.0.4 PROTO=TCP\n"), 0o644))
	ev := receive(t, out)
	assert.Equal(t, "10.0.0.4", ev.Destination)
	assert.Equal(t, "file_tail", ev.Origin)
}
