package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateralguard/internal/model"
)

func TestNormalizeProtocolAndPort(t *testing.T) {
	ev, err := Normalize(EventFields{
		Timestamp:   "1700000000.5",
		Source:      "10.0.0.1",
		Destination: "10.0.0.2",
		Protocol:    "tcp",
		Port:        "445",
	}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "TCP/445", ev.Protocol)
	assert.Equal(t, "10.0.0.1", ev.Source)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), ev.Timestamp)
}

func TestNormalizeIANANumber(t *testing.T) {
	ev, err := Normalize(EventFields{Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: "6"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "TCP", ev.Protocol)
}

func TestNormalizeRejectsUDP(t *testing.T) {
	_, err := Normalize(EventFields{Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: "udp"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotTCP))
}

func TestNormalizeRejectsBadAddress(t *testing.T) {
	_, err := Normalize(EventFields{Source: "not-an-ip", Destination: "10.0.0.2", Protocol: "TCP"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = Normalize(EventFields{Source: "10.0.0.1", Protocol: "TCP"}, nil)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestNormalizeBracketedIPv6(t *testing.T) {
	ev, err := Normalize(EventFields{Source: "[fe80::1]", Destination: "fe80::2", Protocol: "TCP/22"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fe80::1", ev.Source)
	assert.Equal(t, "TCP/22", ev.Protocol)
}

func TestValidate(t *testing.T) {
	ok := model.ConnectionEvent{Timestamp: time.Now(), Source: "192.168.1.1", Destination: "192.168.1.2", Protocol: "TCP/80"}
	require.NoError(t, Validate(ok))

	bad := ok
	bad.Protocol = "UDP/53"
	assert.ErrorIs(t, Validate(bad), ErrNotTCP)

	bad = ok
	bad.Destination = "999.1.1.1"
	assert.ErrorIs(t, Validate(bad), ErrInvalidAddress)
}

func TestParseTimestampFormats(t *testing.T) {
	cases := map[string]time.Time{
		"1700000000":           time.Unix(1700000000, 0).UTC(),
		"1700000000123":        time.Unix(0, 1700000000123*int64(time.Millisecond)).UTC(),
		"2024-03-01T10:00:00Z": time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		"2024-03-01 10:00:00":  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}

	_, err := ParseTimestamp("yesterday", time.UTC)
	assert.Error(t, err)
}

func TestParseTimestampUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got, err := ParseTimestamp("2024-03-01 10:00:00", loc)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC).Equal(got))

	// an explicit offset wins over the location
	got, err = ParseTimestamp("2024-03-01T10:00:00.5+00:00", loc)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 1, 10, 0, 0, 5e8, time.UTC).Equal(got))
}

func TestSyslogYearRollover(t *testing.T) {
	jan := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	dec := time.Date(0, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, 2024, withSyslogYear(dec, jan).Year())

	same := time.Date(0, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 2025, withSyslogYear(same, jan).Year())

	got, err := ParseTimestamp("Oct  9 10:00:01", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.October, got.Month())
	assert.Equal(t, 9, got.Day())
}
