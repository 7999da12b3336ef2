package models

import "time"

type Ticket struct {
	TicketID             string     `json:"ticket_id"`
	TicketNumber         string     `json:"ticket_number,omitempty"`
	PatientID            string     `json:"patient_id"`
	ProviderID           string     `json:"provider_id"`
	FacilityID           string     `json:"facility_id,omitempty"`
	Status               string     `json:"status"`
	ScheduledAt          *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ConsultationStartAt  *time.Time `json:"consultation_start_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ArrivalConfirmedAt   *time.Time `json:"arrival_confirmed_at,omitempty"`
	PredictedWaitMinutes int        `json:"predicted_wait_minutes,omitempty"`
	DistanceKm           *float64   `json:"distance_km,omitempty"`
	Phone                string     `json:"phone,omitempty"`
}

const (
	StatusWaiting        = "waiting"
	StatusConfirmed      = "confirmed"
	StatusInConsultation = "in_consultation"
	StatusCompleted      = "completed"
	StatusSkipped        = "skipped"
	StatusCancelled      = "cancelled"
)

// IsTerminal reports whether a ticket in this status can never change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled || status == StatusSkipped
}

// IsActive reports whether the ticket still occupies a place in the queue.
func IsActive(status string) bool {
	return status == StatusWaiting || status == StatusConfirmed || status == StatusInConsultation
}

// IsWalkIn reports whether the ticket has no booked slot.
func (t Ticket) IsWalkIn() bool {
	return t.ScheduledAt == nil
}

// Role identifies who performed an action, resolved once at the boundary
// and passed into the core as data.
type Role string

const (
	RolePatient      Role = "patient"
	RoleProvider     Role = "provider"
	RoleReceptionist Role = "receptionist"
	RoleStaff        Role = "staff"
)
