// Package postgres is the pgx-backed TicketStore. Status changes are
// guarded by a WHERE clause on the previously read status, so a lost
// update comes back as zero rows and maps to ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketNumberPad = 3

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const ticketColumns = `ticket_id, ticket_number, patient_id, provider_id, facility_id, status,
	scheduled_at, created_at, consultation_start_at, completed_at, arrival_confirmed_at,
	predicted_wait_minutes, distance_km, phone`

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, err
		}
		return existing, nil
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if input.ScheduledAt != nil {
		var duplicate bool
		if duplicate, err = hasBookingForDay(ctx, tx, input.PatientID, input.ProviderID, *input.ScheduledAt); err != nil {
			return models.Ticket{}, err
		}
		if !duplicate {
			if duplicate, err = slotTaken(ctx, tx, input.ProviderID, *input.ScheduledAt); err != nil {
				return models.Ticket{}, err
			}
		}
		if duplicate {
			err = store.ErrDuplicateSchedule
			return models.Ticket{}, err
		}
	}

	day := createdAt
	if input.ScheduledAt != nil {
		day = *input.ScheduledAt
	}
	var seq int64
	if seq, err = nextTicketNumber(ctx, tx, input.FacilityID, day); err != nil {
		return models.Ticket{}, err
	}
	prefix := "A"
	if input.ScheduledAt == nil {
		prefix = "W"
	}
	formattedNumber := fmt.Sprintf("%s-%0*d", prefix, ticketNumberPad, seq)

	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		TicketNumber: formattedNumber,
		PatientID:    input.PatientID,
		ProviderID:   input.ProviderID,
		FacilityID:   input.FacilityID,
		Status:       models.StatusWaiting,
		ScheduledAt:  input.ScheduledAt,
		CreatedAt:    createdAt,
		DistanceKm:   input.DistanceKm,
		Phone:        input.Phone,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, ticket_number, patient_id, provider_id, facility_id,
			status, scheduled_at, created_at, distance_km, phone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ticket.TicketID, input.RequestID, ticket.TicketNumber, ticket.PatientID, ticket.ProviderID,
		ticket.FacilityID, ticket.Status, ticket.ScheduledAt, ticket.CreatedAt, ticket.DistanceKm, nullIfEmpty(ticket.Phone))
	if err != nil {
		// The partial unique index on (provider_id, scheduled_at) catches
		// the race the pre-insert check cannot see.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tickets_provider_slot_active" {
			err = store.ErrDuplicateSchedule
		}
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) SaveTicket(ctx context.Context, t models.Ticket, expectStatus string) (models.Ticket, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets
		SET status = $1,
			consultation_start_at = $2,
			completed_at = $3,
			arrival_confirmed_at = $4,
			predicted_wait_minutes = $5
		WHERE ticket_id = $6 AND status = $7
	`, t.Status, t.ConsultationStartAt, t.CompletedAt, t.ArrivalConfirmedAt, t.PredictedWaitMinutes, t.TicketID, expectStatus)
	if err != nil {
		return models.Ticket{}, err
	}
	if tag.RowsAffected() == 0 {
		_, found, err := s.GetTicket(ctx, t.TicketID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !found {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, store.ErrConflict
	}
	return t, nil
}

func (s *Store) ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
	from, to := dayBounds(day)
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE provider_id = $1
		  AND status IN ('waiting','confirmed','in_consultation')
		  AND (
			(scheduled_at IS NOT NULL AND scheduled_at >= $2 AND scheduled_at < $3)
			OR (scheduled_at IS NULL AND created_at >= $2 AND created_at < $3)
		  )
		ORDER BY (scheduled_at IS NULL) ASC, scheduled_at ASC, created_at ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) CountProviderDay(ctx context.Context, providerID string, day time.Time) (int, error) {
	from, to := dayBounds(day)
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE provider_id = $1
		  AND (
			(scheduled_at IS NOT NULL AND scheduled_at >= $2 AND scheduled_at < $3)
			OR (scheduled_at IS NULL AND created_at >= $2 AND created_at < $3)
		  )
	`, providerID, from, to)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListScheduledWaiting(ctx context.Context, day time.Time) ([]models.Ticket, error) {
	from, to := dayBounds(day)
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting'
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY provider_id ASC, scheduled_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) ActiveProviders(ctx context.Context, day time.Time) ([]string, error) {
	from, to := dayBounds(day)
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT provider_id
		FROM tickets
		WHERE status IN ('waiting','confirmed','in_consultation')
		  AND (
			(scheduled_at IS NOT NULL AND scheduled_at >= $1 AND scheduled_at < $2)
			OR (scheduled_at IS NULL AND created_at >= $1 AND created_at < $2)
		  )
		ORDER BY provider_id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		providers = append(providers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return providers, nil
}

func (s *Store) ListCompleted(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE provider_id = $1
		  AND status = 'completed'
		  AND completed_at >= $2 AND completed_at < $3
		ORDER BY completed_at ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) ListCompletedSince(ctx context.Context, since time.Time) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'completed' AND completed_at >= $1
		ORDER BY completed_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (s *Store) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE status = 'completed' AND completed_at >= $1
	`, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func hasBookingForDay(ctx context.Context, tx pgx.Tx, patientID, providerID string, scheduledAt time.Time) (bool, error) {
	from, to := dayBounds(scheduledAt)
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE patient_id = $1
		  AND provider_id = $2
		  AND status IN ('waiting','confirmed','in_consultation')
		  AND scheduled_at >= $3 AND scheduled_at < $4
	`, patientID, providerID, from, to)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// slotTaken reports whether another active ticket already holds the exact
// provider slot. Cancelled and finished tickets free the slot.
func slotTaken(ctx context.Context, tx pgx.Tx, providerID string, scheduledAt time.Time) (bool, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE provider_id = $1
		  AND scheduled_at = $2
		  AND status IN ('waiting','confirmed','in_consultation')
	`, providerID, scheduledAt)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// nextTicketNumber hands out the next sequence number for one facility/day
// pair. The upsert keeps the counter race-free without an advisory lock.
func nextTicketNumber(ctx context.Context, tx pgx.Tx, facilityID string, day time.Time) (int64, error) {
	from, _ := dayBounds(day)
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (facility_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (facility_id, day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, facilityID, from)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanTickets(rows pgx.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var scheduledAtNull, consultationStartNull, completedAtNull, arrivalConfirmedNull sql.NullTime
	var predictedNull sql.NullInt64
	var distanceNull sql.NullFloat64
	var phoneNull sql.NullString
	err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.PatientID, &ticket.ProviderID,
		&ticket.FacilityID, &ticket.Status, &scheduledAtNull, &ticket.CreatedAt,
		&consultationStartNull, &completedAtNull, &arrivalConfirmedNull,
		&predictedNull, &distanceNull, &phoneNull,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.ScheduledAt = nullTimePtr(scheduledAtNull)
	ticket.ConsultationStartAt = nullTimePtr(consultationStartNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.ArrivalConfirmedAt = nullTimePtr(arrivalConfirmedNull)
	if predictedNull.Valid {
		ticket.PredictedWaitMinutes = int(predictedNull.Int64)
	}
	if distanceNull.Valid {
		distance := distanceNull.Float64
		ticket.DistanceKm = &distance
	}
	if phoneNull.Valid {
		ticket.Phone = phoneNull.String
	}
	return ticket, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
