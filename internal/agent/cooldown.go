package agent

import (
	"sync"
	"time"
)

// CooldownGate remembers when each action family was last dispatched.
type CooldownGate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldownGate() *CooldownGate {
	return &CooldownGate{last: make(map[string]time.Time)}
}

// TryAcquire records now and reports true when family has never been
// dispatched or its last dispatch is at least window old.
func (g *CooldownGate) TryAcquire(family string, now time.Time, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last == nil {
		g.last = make(map[string]time.Time)
	}
	if last, ok := g.last[family]; ok && now.Sub(last) < window {
		return false
	}
	g.last[family] = now
	return true
}

func (g *CooldownGate) LastDispatch(family string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.last[family]
	return t, ok
}
