package room

import (
	"sync"
	"time"
)

// TurnTimer fires a callback after a configurable duration unless stopped
// or re-armed. It is safe for concurrent use.
//
// A callback already running when Stop or Arm is called still completes;
// the owning Room tags every arming with an epoch and ignores stale fires.
type TurnTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Arm cancels any pending callback and schedules onFire after d.
//
// Precondition: d > 0; onFire must not be nil.
// Postcondition: onFire runs in its own goroutine after d unless Stop or Arm is called first.
func (tt *TurnTimer) Arm(d time.Duration, onFire func()) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.timer = time.AfterFunc(d, onFire)
}

// Stop cancels the pending callback. Safe to call multiple times.
func (tt *TurnTimer) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
}
