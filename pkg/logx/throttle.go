package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle lets through at most one event per key per interval, for
// warnings that would otherwise repeat on every poll tick.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	lims  map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 30 * time.Second
	}
	return &Throttle{every: every, lims: make(map[string]*rate.Limiter)}
}

// Allow reports whether key may log now. A nil Throttle allows everything.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim, ok := t.lims[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
