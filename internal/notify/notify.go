// Package notify delivers patient-facing messages over a pluggable
// provider. Delivery is always best effort: callers log failures and move
// on, a queue never stalls on SMS.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"clinicq/visit-service/internal/models"
)

// Dispatcher is the outbound messaging boundary.
type Dispatcher interface {
	Send(ctx context.Context, message, recipient string) error
}

// NewDispatcher selects a provider by kind. Unknown kinds fall back to the
// log provider so a misconfigured environment still runs.
func NewDispatcher(kind, webhookURL, webhookToken string) Dispatcher {
	switch kind {
	case "", "stub", "log":
		return logDispatcher{}
	case "noop":
		return noopDispatcher{}
	case "fail":
		return failDispatcher{}
	case "webhook":
		if webhookURL == "" {
			return logDispatcher{}
		}
		return webhookDispatcher{url: webhookURL, token: webhookToken}
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return webhookDispatcher{url: kind}
		}
		return logDispatcher{}
	}
}

// CancellationMessage tells a patient their missed slot was released.
func CancellationMessage(t models.Ticket) string {
	if t.ScheduledAt != nil {
		return fmt.Sprintf("Your %s appointment was cancelled because you did not arrive in time. Please book a new slot.", t.ScheduledAt.Format("15:04"))
	}
	return "Your appointment was cancelled because you did not arrive in time. Please book a new slot."
}

// EarlyArrivalMessage invites a patient in ahead of their slot.
func EarlyArrivalMessage(t models.Ticket) string {
	if t.ScheduledAt != nil {
		return fmt.Sprintf("Your provider is running ahead of schedule. You may come in now for your %s appointment.", t.ScheduledAt.Format("15:04"))
	}
	return "Your provider is running ahead of schedule. You may come in now."
}

// ReminderMessage is the daily reminder for tomorrow's bookings.
func ReminderMessage(t models.Ticket) string {
	if t.ScheduledAt == nil {
		return "Reminder: you have an appointment tomorrow."
	}
	return fmt.Sprintf("Reminder: you have an appointment tomorrow at %s. Reply C to confirm.", t.ScheduledAt.Format("15:04"))
}

type logDispatcher struct{}

func (logDispatcher) Send(ctx context.Context, message, recipient string) error {
	log.Printf("notify recipient=%s message=%q", recipient, message)
	return nil
}

type noopDispatcher struct{}

func (noopDispatcher) Send(ctx context.Context, message, recipient string) error {
	return nil
}

type failDispatcher struct{}

func (failDispatcher) Send(ctx context.Context, message, recipient string) error {
	return errors.New("dispatcher failure")
}

type webhookDispatcher struct {
	url   string
	token string
}

func (d webhookDispatcher) Send(ctx context.Context, message, recipient string) error {
	payload := map[string]string{
		"recipient": recipient,
		"message":   message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("dispatcher rejected request")
	}
	return nil
}
