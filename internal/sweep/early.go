package sweep

import (
	"context"
	"log"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/notify"
	"clinicq/visit-service/internal/store"
)

const (
	// How far ahead of the slot an invitation still makes sense.
	earlyArrivalWindow = 30 * time.Minute
	// A completion this far before its slot counts as an early opening.
	earlyOpeningMargin = 10 * time.Minute
)

// Activator invites the next scheduled patient in when their provider is
// idle. It only ever sends an advisory message; the ticket stays waiting
// until the patient actually confirms or is called in.
type Activator struct {
	store      store.TicketStore
	dispatcher notify.Dispatcher
	nowFn      func() time.Time
}

func NewActivator(st store.TicketStore, dispatcher notify.Dispatcher) *Activator {
	return &Activator{
		store:      st,
		dispatcher: dispatcher,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Activator) WithClock(nowFn func() time.Time) *Activator {
	a.nowFn = nowFn
	return a
}

// Run performs one early-arrival pass and returns how many invitations went
// out. Per-provider failures are logged and skipped.
func (a *Activator) Run(ctx context.Context) (int, error) {
	now := a.nowFn()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	providers, err := a.store.ActiveProviders(ctx, day)
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, providerID := range providers {
		invited, err := a.sweepProvider(ctx, providerID, day, now)
		if err != nil {
			log.Printf("activator: provider=%s sweep failed: %v", providerID, err)
			continue
		}
		if invited {
			notified++
		}
	}
	return notified, nil
}

func (a *Activator) sweepProvider(ctx context.Context, providerID string, day, now time.Time) (bool, error) {
	queue, err := a.store.ListQueue(ctx, providerID, day)
	if err != nil {
		return false, err
	}

	var next *models.Ticket
	for i := range queue {
		t := queue[i]
		if t.Status == models.StatusInConsultation {
			// Provider is occupied, nobody to pull forward.
			return false, nil
		}
		if t.Status == models.StatusWaiting && t.ScheduledAt != nil && next == nil {
			next = &queue[i]
		}
	}
	if next == nil {
		return false, nil
	}

	untilSlot := next.ScheduledAt.Sub(now)
	if untilSlot < 0 || untilSlot > earlyArrivalWindow {
		return false, nil
	}
	if a.dispatcher == nil || next.Phone == "" {
		return false, nil
	}
	if err := a.dispatcher.Send(ctx, notify.EarlyArrivalMessage(*next), next.Phone); err != nil {
		return false, err
	}
	log.Printf("activator: invited ticket=%s provider=%s slot=%s", next.TicketID, providerID, next.ScheduledAt.Format("15:04"))
	return true, nil
}

// EarlyOpening is a completion that finished well before its booked slot,
// signalling slack in the provider's day.
type EarlyOpening struct {
	TicketID     string    `json:"ticket_id"`
	ProviderID   string    `json:"provider_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	CompletedAt  time.Time `json:"completed_at"`
	MinutesAhead int       `json:"minutes_ahead"`
}

// EarlyOpenings reports today's completions that beat their slot by more
// than the opening margin.
func (a *Activator) EarlyOpenings(ctx context.Context, providerID string) ([]EarlyOpening, error) {
	now := a.nowFn()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	completed, err := a.store.ListCompleted(ctx, providerID, day, now)
	if err != nil {
		return nil, err
	}

	openings := []EarlyOpening{}
	for _, t := range completed {
		if t.ScheduledAt == nil || t.CompletedAt == nil {
			continue
		}
		ahead := t.ScheduledAt.Sub(*t.CompletedAt)
		if ahead <= earlyOpeningMargin {
			continue
		}
		openings = append(openings, EarlyOpening{
			TicketID:     t.TicketID,
			ProviderID:   t.ProviderID,
			ScheduledAt:  *t.ScheduledAt,
			CompletedAt:  *t.CompletedAt,
			MinutesAhead: int(ahead.Minutes()),
		})
	}
	return openings, nil
}
