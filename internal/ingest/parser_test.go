package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetfilterLine(t *testing.T) {
	p := NewParser()
	line := "Oct 19 10:00:01 fw01 kernel: [UFW BLOCK] IN=eth0 OUT= MAC=00:11:22 SRC=10.0.0.5 DST=10.0.0.9 LEN=60 TOS=0x00 PROTO=TCP SPT=51234 DPT=445 WINDOW=64240 SYN"
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "Oct 19 10:00:01", fields.Timestamp)
	assert.Equal(t, "10.0.0.5", fields.Source)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	assert.Equal(t, "TCP", fields.Protocol)
	assert.Equal(t, "445", fields.Port)
	assert.Equal(t, "51234", fields.Extras["spt"])
}

func TestParsePlainTokens(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("2026-02-23 12:34:56 10.0.0.5 10.0.0.9 TCP/22")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-23 12:34:56", fields.Timestamp)
	assert.Equal(t, "10.0.0.5", fields.Source)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	assert.Equal(t, "TCP/22", fields.Protocol)
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	fields, _ := p.ParseLine("timestamp,src,dst,proto,dport")
	assert.Nil(t, fields, "header row")

	fields, err := p.ParseLine("2026-02-23T12:34:56Z,10.0.0.5,10.0.0.9,tcp,3389")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", fields.Source)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	assert.Equal(t, "tcp", fields.Protocol)
	assert.Equal(t, "3389", fields.Port)
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("1700000000,10.0.0.5,10.0.0.9,TCP,445")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", fields.Timestamp)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	assert.Equal(t, "445", fields.Port)
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":1700000000.25,"source_ip":"10.0.0.5","target_ip":"10.0.0.9","protocol":"TCP/445"}`
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "1700000000.25", fields.Timestamp)
	assert.Equal(t, "10.0.0.5", fields.Source)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	assert.Equal(t, "TCP/445", fields.Protocol)
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	assert.NoError(t, err)
	assert.Nil(t, fields)
}

func TestParseAliasPrecedence(t *testing.T) {
	fields, err := NewParser().ParseLine("src=10.0.0.1 source_ip=10.0.0.2 dest=10.0.0.3 port=80 dpt=445")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", fields.Source)
	assert.Equal(t, "10.0.0.3", fields.Destination)
	assert.Equal(t, "445", fields.Port)
}

func TestParseMalformedJSONFallsBack(t *testing.T) {
	fields, err := NewParser().ParseLine(`{broken SRC=10.0.0.5 DST=10.0.0.9`)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", fields.Source)
	assert.Equal(t, "10.0.0.9", fields.Destination)
}

func TestParseCSVHeaderShared(t *testing.T) {
	p := NewParser()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_, _ = p.ParseLine("SRC=10.0.0.5 DST=10.0.0.9 PROTO=TCP")
		}
	}()
	fields, _ := p.ParseLine("source_ip,target_ip,protocol")
	assert.Nil(t, fields)
	fields, err := p.ParseLine("10.0.0.5,10.0.0.9,TCP")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", fields.Destination)
	<-done
}
