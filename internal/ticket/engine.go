package ticket

import (
	"context"
	"errors"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/store"
)

// Estimator refreshes the cached wait prediction when a ticket moves.
type Estimator interface {
	Estimate(ctx context.Context, t models.Ticket) int
}

// Engine loads a ticket, applies a transition, and persists it with an
// optimistic precondition on the status it read. A concurrent writer makes
// the save fail with ErrConflict; the engine re-reads and retries once,
// then gives up and surfaces the conflict.
type Engine struct {
	store     store.TicketStore
	onEvent   func(Event)
	estimator Estimator
	nowFn     func() time.Time
}

func NewEngine(st store.TicketStore, onEvent func(Event)) *Engine {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Engine{
		store:   st,
		onEvent: onEvent,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) WithClock(nowFn func() time.Time) *Engine {
	e.nowFn = nowFn
	return e
}

// WithEstimator makes every applied transition refresh the ticket's cached
// wait prediction before it is persisted.
func (e *Engine) WithEstimator(est Estimator) *Engine {
	e.estimator = est
	return e
}

// Transition moves a ticket to the target status. A Rejected result is a
// policy outcome, not an error: the ticket is returned unchanged and
// nothing is persisted.
func (e *Engine) Transition(ctx context.Context, ticketID, target string, intent Intent) (ApplyResult, error) {
	result, err := e.attempt(ctx, ticketID, target, intent)
	if err != nil && errors.Is(err, store.ErrConflict) {
		result, err = e.attempt(ctx, ticketID, target, intent)
	}
	if err != nil {
		return ApplyResult{}, err
	}
	if result.Outcome == OutcomeApplied && result.Event != nil {
		e.onEvent(*result.Event)
	}
	return result, nil
}

func (e *Engine) attempt(ctx context.Context, ticketID, target string, intent Intent) (ApplyResult, error) {
	t, found, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return ApplyResult{}, err
	}
	if !found {
		return ApplyResult{}, store.ErrTicketNotFound
	}

	result, err := Apply(t, target, intent, e.nowFn())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return ApplyResult{}, store.ErrInvalidState
		}
		return ApplyResult{}, err
	}
	if result.Outcome == OutcomeRejected {
		return result, nil
	}

	if e.estimator != nil {
		if models.IsTerminal(result.Ticket.Status) {
			result.Ticket.PredictedWaitMinutes = 0
		} else {
			result.Ticket.PredictedWaitMinutes = e.estimator.Estimate(ctx, result.Ticket)
		}
	}

	saved, err := e.store.SaveTicket(ctx, result.Ticket, t.Status)
	if err != nil {
		return ApplyResult{}, err
	}
	result.Ticket = saved
	return result, nil
}
