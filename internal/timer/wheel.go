// Package timer provides the single cancelable-timer abstraction shared by
// the allocation core's three independently-expiring subordinate
// lifetimes: the allocation itself, each permission, and each channel
// binding.
//
// Cancellation is race-free by construction: a Token is "live" in exactly
// one place, a map guarded by a mutex. Arming a timer inserts the token;
// firing and cancelling both try to remove it, and whichever happens first
// wins — the loser is a no-op. This means a cancelled timer can never
// still deliver its expiry callback afterward, and a timer that has
// already fired can never be "cancelled" out from under a caller who
// thinks it succeeded. There is no separate drain step because the would-be
// expiry event is never handed to the caller's callback unless the
// cancel race was lost.
package timer

import (
	"sync"
	"time"
)

// Token identifies one armed timer. The zero Token never matches a live
// timer, so a zero-valued Token field in a struct safely means "no timer
// armed".
type Token struct {
	id uint64
}

// Wheel arms and cancels timers. The zero value is not usable; use
// NewWheel.
type Wheel struct {
	mu    sync.Mutex
	seq   uint64
	alive map[uint64]*time.Timer
}

// NewWheel creates an empty Wheel.
func NewWheel() *Wheel {
	return &Wheel{alive: make(map[uint64]*time.Timer)}
}

// Arm schedules fire to run after d, unless cancelled first via Cancel.
// fire receives the Token it was armed with, so the caller's expiry event
// can carry it and downstream consumers (permission/channel tables) can
// detect stale events from a timer that was superseded by a later Arm for
// the same logical resource.
func (w *Wheel) Arm(d time.Duration, fire func(Token)) Token {
	w.mu.Lock()
	w.seq++
	id := w.seq
	w.mu.Unlock()

	tok := Token{id: id}

	t := time.AfterFunc(d, func() {
		w.mu.Lock()
		_, stillLive := w.alive[id]
		if stillLive {
			delete(w.alive, id)
		}
		w.mu.Unlock()
		if stillLive {
			fire(tok)
		}
	})

	w.mu.Lock()
	w.alive[id] = t
	w.mu.Unlock()

	return tok
}

// Cancel stops tok's timer. If the timer already fired (and its fire
// callback already ran or is in the process of running), Cancel is a
// harmless no-op — the race was already resolved in the map.
func (w *Wheel) Cancel(tok Token) {
	w.mu.Lock()
	t, ok := w.alive[tok.id]
	if ok {
		delete(w.alive, tok.id)
	}
	w.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// Live reports whether tok is still armed (neither fired nor cancelled).
// Zero Tokens are never live.
func (w *Wheel) Live(tok Token) bool {
	if tok.id == 0 {
		return false
	}
	w.mu.Lock()
	_, ok := w.alive[tok.id]
	w.mu.Unlock()
	return ok
}

// CancelAll cancels every currently-armed timer. Used when a session
// terminates, so no stray expiry fires after the session record is gone.
func (w *Wheel) CancelAll() {
	w.mu.Lock()
	timers := make([]*time.Timer, 0, len(w.alive))
	for id, t := range w.alive {
		timers = append(timers, t)
		delete(w.alive, id)
	}
	w.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}
