package sweep

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const (
	// Completions must accumulate inside this window before a conditional
	// retrain fires.
	triggerLookback = 12 * time.Hour
	// Minimum completions inside the window.
	triggerThreshold = 3
	// Minimum gap between two conditional retrains.
	triggerCooldown = 6 * time.Hour
)

// CompletionCounter is the slice of the store the trigger reads.
type CompletionCounter interface {
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
}

// Retrainer runs a training pass; the trigger does not care about the
// outcome beyond the error.
type Retrainer interface {
	Retrain(ctx context.Context) error
}

// Trigger debounces conditional model retraining: fire when enough fresh
// completions accumulated, but never twice within the cooldown. The
// last-fired timestamp is swapped atomically so concurrent completion
// events cannot double-fire.
type Trigger struct {
	counter   CompletionCounter
	retrainer Retrainer
	lastFired atomic.Int64 // unix seconds, 0 = never
	nowFn     func() time.Time
}

func NewTrigger(counter CompletionCounter, retrainer Retrainer) *Trigger {
	return &Trigger{
		counter:   counter,
		retrainer: retrainer,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (tr *Trigger) WithClock(nowFn func() time.Time) *Trigger {
	tr.nowFn = nowFn
	return tr
}

// MaybeFire evaluates the trigger once, typically after a completion event.
// Returns whether a retrain was started.
func (tr *Trigger) MaybeFire(ctx context.Context) bool {
	now := tr.nowFn()

	last := tr.lastFired.Load()
	if last != 0 && now.Sub(time.Unix(last, 0)) < triggerCooldown {
		return false
	}

	count, err := tr.counter.CountCompletedSince(ctx, now.Add(-triggerLookback))
	if err != nil {
		log.Printf("trigger: completion count failed: %v", err)
		return false
	}
	if count < triggerThreshold {
		return false
	}

	// Claim the slot before training; a losing racer backs off.
	if !tr.lastFired.CompareAndSwap(last, now.Unix()) {
		return false
	}
	if err := tr.retrainer.Retrain(ctx); err != nil {
		log.Printf("trigger: retrain failed: %v", err)
	}
	return true
}
