// Package sweep hosts the periodic maintenance passes over the day's
// tickets: releasing missed slots, inviting early arrivals in, and deciding
// when the prediction model has earned a retrain.
package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/notify"
	"clinicq/visit-service/internal/store"
	"clinicq/visit-service/internal/ticket"
)

const DefaultGracePeriod = 15 * time.Minute

// Reaper cancels waiting tickets whose scheduled slot passed more than the
// grace period ago, releasing the slot for the rest of the queue.
type Reaper struct {
	store      store.TicketStore
	dispatcher notify.Dispatcher
	grace      time.Duration
	onEvent    func(ticket.Event)
	nowFn      func() time.Time
}

func NewReaper(st store.TicketStore, dispatcher notify.Dispatcher, grace time.Duration) *Reaper {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reaper{
		store:      st,
		dispatcher: dispatcher,
		grace:      grace,
		onEvent:    func(ticket.Event) {},
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reaper) WithClock(nowFn func() time.Time) *Reaper {
	r.nowFn = nowFn
	return r
}

// OnEvent registers a callback for every cancellation the sweep persists,
// so reaped tickets reach the same broadcast path as manual transitions.
func (r *Reaper) OnEvent(fn func(ticket.Event)) *Reaper {
	if fn != nil {
		r.onEvent = fn
	}
	return r
}

// Run performs one sweep and returns the number of tickets cancelled. A
// per-ticket failure is logged and skipped; the sweep itself only fails
// when the candidate list cannot be read. Running twice is harmless, a
// cancelled ticket is no longer waiting.
func (r *Reaper) Run(ctx context.Context) (int, error) {
	now := r.nowFn()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	candidates, err := r.store.ListScheduledWaiting(ctx, day)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, t := range candidates {
		if t.ScheduledAt == nil || now.Sub(*t.ScheduledAt) <= r.grace {
			continue
		}
		result, err := ticket.Apply(t, models.StatusCancelled, ticket.IntentSystemPolicy, now)
		if err != nil || result.Outcome != ticket.OutcomeApplied {
			log.Printf("reaper: skip ticket=%s status=%s: %v", t.TicketID, t.Status, err)
			continue
		}
		if _, err := r.store.SaveTicket(ctx, result.Ticket, t.Status); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Someone touched the ticket since we read it; the next
				// sweep re-evaluates it from its new status.
				continue
			}
			log.Printf("reaper: save failed ticket=%s: %v", t.TicketID, err)
			continue
		}
		cancelled++
		log.Printf("reaper: cancelled ticket=%s scheduled=%s", t.TicketID, t.ScheduledAt.Format(time.RFC3339))
		if result.Event != nil {
			r.onEvent(*result.Event)
		}
		r.sendCancellation(ctx, result.Ticket)
	}
	return cancelled, nil
}

func (r *Reaper) sendCancellation(ctx context.Context, t models.Ticket) {
	if r.dispatcher == nil || t.Phone == "" {
		return
	}
	if err := r.dispatcher.Send(ctx, notify.CancellationMessage(t), t.Phone); err != nil {
		log.Printf("reaper: notify failed ticket=%s: %v", t.TicketID, err)
	}
}
