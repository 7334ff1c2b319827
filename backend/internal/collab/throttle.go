package collab

import (
	"sync"
	"time"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// cursorThrottle coalesces cursor moves, the highest-frequency message type,
// to at most one send per interval. Intermediate positions are dropped; the
// latest offered position always goes out, via a trailing timer when the
// interval has not yet elapsed.
type cursorThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	pending  *wire.CursorPayload
	timer    *time.Timer
	emit     func(wire.CursorPayload)
}

func newCursorThrottle(interval time.Duration, emit func(wire.CursorPayload)) *cursorThrottle {
	return &cursorThrottle{interval: interval, emit: emit}
}

func (t *cursorThrottle) Offer(p wire.CursorPayload) {
	t.mu.Lock()
	now := time.Now()
	if t.pending == nil && now.Sub(t.last) >= t.interval {
		t.last = now
		t.mu.Unlock()
		t.emit(p)
		return
	}
	t.pending = &p
	if t.timer == nil {
		wait := t.interval - now.Sub(t.last)
		if wait < 0 {
			wait = 0
		}
		t.timer = time.AfterFunc(wait, t.fire)
	}
	t.mu.Unlock()
}

func (t *cursorThrottle) fire() {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.timer = nil
	t.last = time.Now()
	t.mu.Unlock()
	if p != nil {
		t.emit(*p)
	}
}

func (t *cursorThrottle) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	t.mu.Unlock()
}
