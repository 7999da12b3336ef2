// Package queue derives the live, ordered view of a provider's day: the
// priority score over active tickets and the queue-status snapshot served
// to front-desk tooling.
package queue

import (
	"sort"
	"time"

	"clinicq/visit-service/internal/models"
)

const (
	waitScorePerMinute = 0.5
	waitScoreCap       = 50

	slotPassedScore      = 30
	slotApproachingScore = 20
	walkInScore          = 10
	confirmedScore       = 15
	nearbyScore          = 5

	approachWindow   = 15 * time.Minute
	nearbyDistanceKm = 0.5
)

// Score rates how urgent a ticket is right now; higher means more urgent.
func Score(t models.Ticket, now time.Time) float64 {
	score := 0.0

	waiting := now.Sub(t.CreatedAt).Minutes() * waitScorePerMinute
	if waiting > waitScoreCap {
		waiting = waitScoreCap
	}
	if waiting > 0 {
		score += waiting
	}

	switch {
	case t.ScheduledAt == nil:
		score += walkInScore
	case !t.ScheduledAt.After(now):
		score += slotPassedScore
	case t.ScheduledAt.Sub(now) <= approachWindow:
		score += slotApproachingScore
	}

	if t.Status == models.StatusConfirmed {
		score += confirmedScore
	}
	if t.DistanceKm != nil && *t.DistanceKm <= nearbyDistanceKm {
		score += nearbyScore
	}
	return score
}

// Reorder sorts tickets descending by score. The sort is stable, so equal
// scores preserve the incoming queue order. The returned change count is
// the number of tickets that moved more than one slot; it is reported for
// observability only and drives nothing.
func Reorder(tickets []models.Ticket, now time.Time) ([]models.Ticket, int) {
	ordered := make([]models.Ticket, len(tickets))
	copy(ordered, tickets)

	scores := make(map[string]float64, len(ordered))
	for _, t := range ordered {
		scores[t.TicketID] = Score(t, now)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].TicketID] > scores[ordered[j].TicketID]
	})

	original := make(map[string]int, len(tickets))
	for i, t := range tickets {
		original[t.TicketID] = i
	}
	changed := 0
	for i, t := range ordered {
		if diff := i - original[t.TicketID]; diff > 1 || diff < -1 {
			changed++
		}
	}
	return ordered, changed
}
