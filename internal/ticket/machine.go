package ticket

import (
	"errors"
	"time"

	"clinicq/visit-service/internal/models"
)

// Intent says why a transition is being requested. Entering confirmed is
// only legal with IntentExplicitConfirmation; a save that merely carries
// status=confirmed alongside unrelated field edits must not confirm the
// ticket.
type Intent string

const (
	IntentImplicit             Intent = "implicit"
	IntentExplicitConfirmation Intent = "explicit_confirmation"
	IntentSystemPolicy         Intent = "system_policy"
)

var ErrInvalidTransition = errors.New("invalid ticket transition")

var transitionMap = map[string][]string{
	models.StatusWaiting:        {models.StatusConfirmed, models.StatusInConsultation, models.StatusCancelled, models.StatusSkipped},
	models.StatusConfirmed:      {models.StatusInConsultation, models.StatusCancelled, models.StatusSkipped},
	models.StatusInConsultation: {models.StatusCompleted},
}

// ValidTransition reports whether the state machine graph permits moving
// from one status to another. Intent policy is checked separately by Apply.
func ValidTransition(from, to string) bool {
	for _, status := range transitionMap[from] {
		if status == to {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

type ApplyResult struct {
	Outcome Outcome
	Reason  string
	Ticket  models.Ticket
	Event   *Event
}

// Event describes an applied transition, consumed by the broadcast hub and
// the sweeps.
type Event struct {
	TicketID   string    `json:"ticket_id"`
	ProviderID string    `json:"provider_id"`
	FacilityID string    `json:"facility_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Apply validates a transition and returns the updated ticket. It is a pure
// function: persistence and conflict detection belong to the caller.
//
// Completing a ticket stamps CompletedAt if unset; that is the only
// transition allowed to backfill a timestamp as a side effect. The other
// stamps (ConsultationStartAt, ArrivalConfirmedAt) record the moment their
// transition happened and are likewise set only once.
func Apply(t models.Ticket, target string, intent Intent, now time.Time) (ApplyResult, error) {
	if t.Status == target {
		return ApplyResult{Outcome: OutcomeRejected, Reason: "already in target status", Ticket: t}, nil
	}
	if !ValidTransition(t.Status, target) {
		return ApplyResult{Ticket: t}, ErrInvalidTransition
	}
	if target == models.StatusConfirmed && intent != IntentExplicitConfirmation {
		return ApplyResult{Outcome: OutcomeRejected, Reason: "confirmation requires explicit intent", Ticket: t}, nil
	}

	from := t.Status
	t.Status = target
	switch target {
	case models.StatusConfirmed:
		if t.ArrivalConfirmedAt == nil {
			at := now
			t.ArrivalConfirmedAt = &at
		}
	case models.StatusInConsultation:
		if t.ConsultationStartAt == nil {
			at := now
			t.ConsultationStartAt = &at
		}
	case models.StatusCompleted:
		if t.CompletedAt == nil {
			at := now
			t.CompletedAt = &at
		}
	}

	return ApplyResult{
		Outcome: OutcomeApplied,
		Ticket:  t,
		Event: &Event{
			TicketID:   t.TicketID,
			ProviderID: t.ProviderID,
			FacilityID: t.FacilityID,
			From:       from,
			To:         target,
			OccurredAt: now,
		},
	}, nil
}
