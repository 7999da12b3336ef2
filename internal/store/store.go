package store

import (
	"context"
	"time"

	"clinicq/visit-service/internal/models"
)

type CreateTicketInput struct {
	RequestID   string
	PatientID   string
	ProviderID  string
	FacilityID  string
	ScheduledAt *time.Time
	Phone       string
	DistanceKm  *float64
	CreatedAt   time.Time
}

// TicketStore is the persistence boundary for the scheduling core. Every
// status change goes through SaveTicket with an optimistic precondition on
// the previously read status; a lost-update race surfaces as ErrConflict.
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	SaveTicket(ctx context.Context, t models.Ticket, expectStatus string) (models.Ticket, error)

	// ListQueue returns active tickets for one provider/day in queue order:
	// scheduled time ascending, walk-ins last, ties by created time.
	ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error)
	// CountProviderDay counts tickets of any status for a provider/day.
	CountProviderDay(ctx context.Context, providerID string, day time.Time) (int, error)

	// ListScheduledWaiting returns waiting tickets with a booked slot on the
	// given day, ordered by provider then scheduled time.
	ListScheduledWaiting(ctx context.Context, day time.Time) ([]models.Ticket, error)
	// ActiveProviders lists providers that have at least one active ticket
	// on the given day.
	ActiveProviders(ctx context.Context, day time.Time) ([]string, error)

	// ListCompleted returns completed tickets for a provider whose
	// completion fell inside [from, to).
	ListCompleted(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error)
	// ListCompletedSince returns all completed tickets finished at or after
	// the given time, across providers. Training data source.
	ListCompletedSince(ctx context.Context, since time.Time) ([]models.Ticket, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
}
