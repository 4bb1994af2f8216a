package mcp

import (
	"sync"
	"time"
)

// inspectTracker records recent status and health reads so the pause and
// block tools can tell when a caller acts on a domain it never looked at
// and nudge them. It is in-memory and per-process; the nudge is advisory,
// never a gate.
type inspectTracker struct {
	mu     sync.Mutex
	seen   map[inspectKey]time.Time
	window time.Duration
	now    func() time.Time
}

type inspectKey struct {
	operatorID string
	domain     string
}

func newInspectTracker(window time.Duration) *inspectTracker {
	return &inspectTracker{
		seen:   make(map[inspectKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that operatorID read domain's status or health.
func (t *inspectTracker) Record(operatorID, domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[inspectKey{operatorID, domain}] = t.now()

	// Lazy cleanup keeps many distinct pairs from growing the map forever.
	if len(t.seen) > 1000 {
		t.purgeStale()
	}
}

// WasInspected reports whether operatorID read domain within the window.
func (t *inspectTracker) WasInspected(operatorID, domain string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := inspectKey{operatorID, domain}
	ts, ok := t.seen[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.seen, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *inspectTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.seen {
		if now.Sub(ts) > t.window {
			delete(t.seen, k)
		}
	}
}
