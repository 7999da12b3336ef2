package predict

import (
	"hash/fnv"
	"time"

	"clinicq/visit-service/internal/models"
)

// FeatureCount is the width of the model input. The order of the fields is
// part of the artifact contract: a persisted model is only valid against
// vectors built by this exact layout.
const FeatureCount = 11

const (
	featHour = iota
	featMinute
	featDayOfWeek
	featIsWeekend
	featScheduledHour
	featScheduledMinute
	featQueuePosition
	featProviderLoad
	featMinutesSinceSessionStart
	featArrivalOffset
	featProviderID
)

// Clinic sessions nominally open at 09:00; minutesSinceSessionStart is
// measured against that.
const sessionStartHour = 9

type Features [FeatureCount]float64

// QueuePosition returns the 1-based position of a ticket among the active
// tickets of its provider/day. Scheduled tickets count earlier slots;
// walk-ins count earlier arrivals and sort after any same-time slot holder.
func QueuePosition(t models.Ticket, queue []models.Ticket) int {
	ahead := 0
	for _, other := range queue {
		if other.TicketID == t.TicketID || !models.IsActive(other.Status) {
			continue
		}
		if t.ScheduledAt != nil {
			if other.ScheduledAt != nil && other.ScheduledAt.Before(*t.ScheduledAt) {
				ahead++
			}
		} else if other.CreatedAt.Before(t.CreatedAt) {
			ahead++
		}
	}
	return ahead + 1
}

// Extract builds the model input for one ticket given its queue context.
// now is the moment of prediction; during training it is the ticket's own
// arrival time so historical vectors match what the live path would have
// produced.
func Extract(t models.Ticket, queue []models.Ticket, providerLoad int, now time.Time) Features {
	var f Features
	f[featHour] = float64(now.Hour())
	f[featMinute] = float64(now.Minute())
	weekday := int(now.Weekday())
	f[featDayOfWeek] = float64(weekday)
	if weekday == 0 || weekday == 6 {
		f[featIsWeekend] = 1
	}
	if t.ScheduledAt != nil {
		f[featScheduledHour] = float64(t.ScheduledAt.Hour())
		f[featScheduledMinute] = float64(t.ScheduledAt.Minute())
		f[featArrivalOffset] = t.CreatedAt.Sub(*t.ScheduledAt).Minutes()
	}
	f[featQueuePosition] = float64(QueuePosition(t, queue))
	f[featProviderLoad] = float64(providerLoad)

	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), sessionStartHour, 0, 0, 0, now.Location())
	if minutes := now.Sub(sessionStart).Minutes(); minutes > 0 {
		f[featMinutesSinceSessionStart] = minutes
	}
	f[featProviderID] = float64(providerFeature(t.ProviderID))
	return f
}

// providerFeature folds the provider UUID into a small stable numeric bucket
// so the model can learn per-provider pace without free-text input.
func providerFeature(providerID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(providerID))
	return h.Sum32() % 1000
}
