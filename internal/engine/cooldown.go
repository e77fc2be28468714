package engine

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"lateralguard/internal/model"
)

const cooldownEntries = 1 << 16

type cooldownKey struct {
	source string
	kind   model.AlertKind
}

// Cooldown suppresses repeated alerts of one kind for one source. Times are
// event times, so replays behave the same as live traffic. The least
// recently alerting sources are forgotten first once the table is full.
type Cooldown struct {
	last *lru.Cache[cooldownKey, time.Time]
}

func NewCooldown() *Cooldown {
	return newCooldown(cooldownEntries)
}

func newCooldown(size int) *Cooldown {
	cache, err := lru.New[cooldownKey, time.Time](size)
	if err != nil {
		panic(err)
	}
	return &Cooldown{last: cache}
}

// Allow reports whether an alert of kind for source may fire at now, and
// starts a new quiet period when it may.
func (c *Cooldown) Allow(source string, kind model.AlertKind, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	key := cooldownKey{source: source, kind: kind}
	if at, ok := c.last.Peek(key); ok && now.Sub(at) < cooldown {
		return false
	}
	c.last.Add(key, now)
	return true
}

func (c *Cooldown) Reset() {
	c.last.Purge()
}
