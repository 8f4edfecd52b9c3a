package player

import (
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
)

// DelayedStart is the single-armed timer of §4.7: arm it with a delay, and
// it calls Player.Play once that delay elapses, unless disarmed first.
// Entering Playing through any path (not just this timer firing) disarms
// it, so a manual play() during the countdown doesn't cause a second,
// redundant Play call later.
type DelayedStart struct {
	mu       sync.Mutex
	active   bool
	deadline time.Time
	timer    *time.Timer
	player   *Player
}

// NewDelayedStart creates a DelayedStart bound to player.
func NewDelayedStart(player *Player) *DelayedStart {
	return &DelayedStart{player: player}
}

// Activate arms the timer to call Play after delayMs milliseconds. Returns
// DelayOutOfRange if delayMs isn't positive, or OperationAlreadyRunning if a
// delayed start is already armed.
func (d *DelayedStart) Activate(delayMs int64) *apperror.Error {
	if delayMs <= 0 {
		return apperror.New(apperror.DelayOutOfRange, "delay must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return apperror.New(apperror.OperationAlreadyRunning, "delayed start already armed")
	}

	d.active = true
	d.deadline = time.Now().Add(time.Duration(delayMs) * time.Millisecond)
	d.scheduleLocked()
	return nil
}

// scheduleLocked arms d.timer to re-check the deadline. It wakes at half the
// remaining time (capped at an hour) rather than exactly at the deadline, so
// that a concurrent Deactivate racing the final wakeup is never missed by
// more than a negligible margin; once within 100ms of the deadline it fires
// immediately.
func (d *DelayedStart) scheduleLocked() {
	remaining := time.Until(d.deadline)
	var wait time.Duration
	if remaining > 100*time.Millisecond {
		wait = remaining / 2
		if wait > time.Hour {
			wait = time.Hour
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.fire)
}

func (d *DelayedStart) fire() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if time.Now().Before(d.deadline) {
		d.scheduleLocked()
		d.mu.Unlock()
		return
	}
	// Deactivate before calling Play so Player.enterPlayingLocked's own
	// Deactivate call (re-entrant from Play's perspective, but this goroutine
	// already dropped the lock by then) is a harmless no-op.
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.player.Play()
}

// Deactivate disarms the timer if armed. Idempotent.
func (d *DelayedStart) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Active reports whether a delayed start is currently armed.
func (d *DelayedStart) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
