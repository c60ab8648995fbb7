package alert

import (
	"sync"
	"time"
)

const DefaultCooldown = 3 * time.Second

// Cooldown rate-limits alerts for one monitoring session. The zero last-fire time
// means the first violation always alerts.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
	now    func() time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, now: time.Now}
}

// NewCooldownWithClock is NewCooldown with an injected clock.
func NewCooldownWithClock(window time.Duration, now func() time.Time) *Cooldown {
	return &Cooldown{window: window, now: now}
}

// Allow reports whether an alert may fire now and, if so, records it.
func (c *Cooldown) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.window {
		return false
	}
	c.last = now
	return true
}

func (c *Cooldown) LastFired() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Cooldown) Window() time.Duration {
	return c.window
}
