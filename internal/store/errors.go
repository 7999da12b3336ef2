package store

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrProviderNotFound  = errors.New("provider not found")
	ErrConflict          = errors.New("ticket changed concurrently")
	ErrInvalidState      = errors.New("invalid ticket state")
	ErrDuplicateSchedule = errors.New("slot already booked")
)
