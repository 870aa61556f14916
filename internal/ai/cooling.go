package ai

import (
	"sync"
	"time"
)

const (
	coolingBase = 30 * time.Second
	coolingMax  = 5 * time.Minute
)

type coolEntry struct {
	until    time.Time
	failures int
}

// coolingTable tracks providers sidelined after transient failures.
// Each consecutive failure doubles the cooldown up to the cap; a
// success clears the entry.
type coolingTable struct {
	mu  sync.Mutex
	f   map[string]*coolEntry
	now func() time.Time
}

func newCoolingTable() *coolingTable {
	return &coolingTable{f: make(map[string]*coolEntry), now: time.Now}
}

// markFailure records a transient failure and returns the cooldown
// applied. An explicit retryAfter longer than the computed backoff
// wins.
func (c *coolingTable) markFailure(provider string, retryAfter time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.f[provider]
	if e == nil {
		e = &coolEntry{}
		c.f[provider] = e
	}
	backoff := coolingBase << uint(e.failures)
	if backoff > coolingMax || backoff <= 0 {
		backoff = coolingMax
	}
	if retryAfter > backoff {
		backoff = retryAfter
	}
	e.failures++
	e.until = c.now().Add(backoff)
	return backoff
}

func (c *coolingTable) markSuccess(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.f, provider)
}

// cooling reports whether provider is sidelined and for how much
// longer.
func (c *coolingTable) cooling(provider string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.f[provider]
	if e == nil {
		return false, 0
	}
	remaining := e.until.Sub(c.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}
