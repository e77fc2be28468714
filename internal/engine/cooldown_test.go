package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lateralguard/internal/model"
)

func TestCooldownPerSourceAndKind(t *testing.T) {
	c := NewCooldown()
	assert.True(t, c.Allow("10.0.0.1", model.KindZScore, base, time.Minute))
	assert.False(t, c.Allow("10.0.0.1", model.KindZScore, base.Add(30*time.Second), time.Minute))
	assert.True(t, c.Allow("10.0.0.1", model.KindFanOut, base.Add(30*time.Second), time.Minute))
	assert.True(t, c.Allow("10.0.0.2", model.KindZScore, base.Add(30*time.Second), time.Minute))
	assert.True(t, c.Allow("10.0.0.1", model.KindZScore, base.Add(time.Minute), time.Minute))

	assert.True(t, c.Allow("10.0.0.1", model.KindZScore, base, 0))
	c.Reset()
	assert.True(t, c.Allow("10.0.0.1", model.KindZScore, base.Add(61*time.Second), time.Minute))
}

func TestCooldownForgetsLeastRecent(t *testing.T) {
	c := newCooldown(2)
	c.Allow("a", model.KindZScore, base, time.Hour)
	c.Allow("b", model.KindZScore, base, time.Hour)
	c.Allow("c", model.KindZScore, base, time.Hour)
	assert.True(t, c.Allow("a", model.KindZScore, base, time.Hour))
	assert.False(t, c.Allow("c", model.KindZScore, base, time.Hour))
}
