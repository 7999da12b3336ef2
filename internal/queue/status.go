package queue

import (
	"context"
	"time"

	"clinicq/visit-service/internal/models"
)

const (
	// Walk-ins stop being accepted once this many tickets are active.
	walkInQueueLimit = 8
	// A walk-in needs at least this much slack before the next booked slot.
	walkInSlackMinutes = 20
	// How many upcoming tickets the status snapshot lists.
	nextPatientCount = 3
)

type Store interface {
	ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error)
}

// Estimator produces the final ETA for a ticket (model + live flow).
type Estimator interface {
	Estimate(ctx context.Context, t models.Ticket) int
}

type CurrentTicket struct {
	TicketID            string `json:"ticket_id"`
	TicketNumber        string `json:"ticket_number,omitempty"`
	ScheduledAt         string `json:"scheduled_at,omitempty"`
	ConsultationMinutes int    `json:"consultation_minutes"`
}

type NextTicket struct {
	Position             int    `json:"position"`
	TicketID             string `json:"ticket_id"`
	TicketNumber         string `json:"ticket_number,omitempty"`
	ScheduledAt          string `json:"scheduled_at,omitempty"`
	Status               string `json:"status"`
	PredictedWaitMinutes int    `json:"predicted_wait_minutes"`
}

type Status struct {
	ProviderID       string         `json:"provider_id"`
	AsOf             time.Time      `json:"as_of"`
	TotalActive      int            `json:"total_active"`
	Current          *CurrentTicket `json:"current_ticket,omitempty"`
	Next             []NextTicket   `json:"next_tickets"`
	CanAcceptWalkins bool           `json:"can_accept_walkins"`
}

type StatusReader struct {
	store     Store
	estimator Estimator
	nowFn     func() time.Time
}

func NewStatusReader(store Store, estimator Estimator) *StatusReader {
	return &StatusReader{store: store, estimator: estimator, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (r *StatusReader) WithClock(nowFn func() time.Time) *StatusReader {
	r.nowFn = nowFn
	return r
}

// Read builds the live snapshot of one provider's queue.
func (r *StatusReader) Read(ctx context.Context, providerID string, day time.Time) (Status, error) {
	now := r.nowFn()
	tickets, err := r.store.ListQueue(ctx, providerID, day)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		ProviderID: providerID,
		AsOf:       now,
		Next:       []NextTicket{},
	}

	var waiting []models.Ticket
	providerBusy := false
	for _, t := range tickets {
		if !models.IsActive(t.Status) {
			continue
		}
		status.TotalActive++
		switch t.Status {
		case models.StatusInConsultation:
			providerBusy = true
			current := CurrentTicket{
				TicketID:     t.TicketID,
				TicketNumber: t.TicketNumber,
				ScheduledAt:  formatSlot(t.ScheduledAt),
			}
			if t.ConsultationStartAt != nil {
				current.ConsultationMinutes = int(now.Sub(*t.ConsultationStartAt).Minutes())
			}
			status.Current = &current
		default:
			waiting = append(waiting, t)
		}
	}

	for i, t := range waiting {
		if i >= nextPatientCount {
			break
		}
		status.Next = append(status.Next, NextTicket{
			Position:             i + 1,
			TicketID:             t.TicketID,
			TicketNumber:         t.TicketNumber,
			ScheduledAt:          formatSlot(t.ScheduledAt),
			Status:               t.Status,
			PredictedWaitMinutes: r.estimator.Estimate(ctx, t),
		})
	}

	status.CanAcceptWalkins = canAcceptWalkins(status.TotalActive, providerBusy, waiting, now)
	return status, nil
}

// canAcceptWalkins: queue not overloaded, provider free, and the next
// booked slot far enough away that a walk-in fits in front of it.
func canAcceptWalkins(totalActive int, providerBusy bool, waiting []models.Ticket, now time.Time) bool {
	if totalActive >= walkInQueueLimit || providerBusy {
		return false
	}
	for _, t := range waiting {
		if t.ScheduledAt == nil {
			continue
		}
		if t.ScheduledAt.Sub(now) <= walkInSlackMinutes*time.Minute {
			return false
		}
		break
	}
	return true
}

func formatSlot(at *time.Time) string {
	if at == nil {
		return ""
	}
	return at.Format("15:04")
}
