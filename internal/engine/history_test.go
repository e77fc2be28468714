package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateralguard/internal/config"
)

func TestHistoryBucketsConnections(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{Bucket: time.Second, MaxSamples: 100})
	h.Update("a", base)
	h.Update("a", base.Add(200*time.Millisecond))
	got := h.Update("a", base.Add(900*time.Millisecond))
	assert.Equal(t, []float64{3}, got)

	got = h.Update("a", base.Add(5*time.Second))
	assert.Equal(t, []float64{3, 1}, got)

	// late arrival lands in the newest bucket
	got = h.Update("a", base.Add(2*time.Second))
	assert.Equal(t, []float64{3, 2}, got)
}

func TestHistoryUnitMode(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{MaxSamples: 100})
	for i := 0; i < 4; i++ {
		h.Update("a", base)
	}
	assert.Equal(t, []float64{1, 1, 1, 1}, h.Snapshot("a"))
}

func TestHistoryRingBound(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{Bucket: time.Second, MaxSamples: 5})
	var got []float64
	for i := 0; i < 20; i++ {
		got = h.Update("a", base.Add(time.Duration(i)*time.Second))
	}
	assert.Len(t, got, 5)
}

func TestHistoryHorizonKeepsNewest(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{Bucket: time.Second, MaxSamples: 100, Horizon: 10 * time.Second})
	for i := 0; i < 5; i++ {
		h.Update("a", base.Add(time.Duration(i)*time.Second))
	}
	got := h.Update("a", base.Add(time.Hour))
	assert.Equal(t, []float64{1}, got)
}

func TestHistoryEvictsLeastRecentSource(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{Bucket: time.Second, MaxSamples: 10, MaxSources: 2})
	h.Update("a", base)
	h.Update("b", base)
	h.Update("a", base.Add(time.Second))
	h.Update("c", base)
	assert.Equal(t, 2, h.Len())
	assert.Nil(t, h.Snapshot("b"))
	require.NotNil(t, h.Snapshot("a"))
}

func TestHistoryUpdateReturnsCopy(t *testing.T) {
	h := NewConnectionHistory(config.HistoryConfig{Bucket: time.Second, MaxSamples: 10})
	got := h.Update("a", base)
	got[0] = 99
	assert.Equal(t, []float64{1}, h.Snapshot("a"))
}
