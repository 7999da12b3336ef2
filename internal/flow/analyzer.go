// Package flow corrects the static model prediction with the day's live
// behavior: a model trained on history cannot see this morning's emergency
// delay or an unusually fast provider.
package flow

import (
	"context"
	"log"
	"math"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/predict"
)

const (
	// Blend weights for pre-booked tickets: the trained model carries the
	// long-run signal, the live flow carries today's drift.
	modelWeight = 0.6
	liveWeight  = 0.4

	// Each scheduled ticket ahead costs ~15 minutes, each consultation in
	// progress ~10 more.
	minutesPerAhead          = 15
	minutesPerInConsultation = 10

	// Same-day estimates: 12 minutes per queue slot, capped at an hour.
	minutesPerPosition = 12
	sameDayCapMinutes  = 60
	nextUpMinutes      = 5

	historicalBaselineDays = 30
	baselineWindowMinutes  = 30
	defaultBaselineMinutes = 15

	// Final estimates stay inside the same range the model predictions do;
	// live drift on a badly late day must not push an ETA past the ceiling.
	maxEstimateMinutes = 120
)

// Store is the slice of the ticket store the analyzer reads from.
type Store interface {
	ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error)
	ListCompleted(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error)
}

// ModelPredictor produces the static model-side estimate.
type ModelPredictor interface {
	Predict(ctx context.Context, t models.Ticket) int
}

type Analyzer struct {
	store     Store
	predictor ModelPredictor
	nowFn     func() time.Time
}

func NewAnalyzer(store Store, predictor ModelPredictor) *Analyzer {
	return &Analyzer{store: store, predictor: predictor, nowFn: func() time.Time { return time.Now().UTC() }}
}

func (a *Analyzer) WithClock(nowFn func() time.Time) *Analyzer {
	a.nowFn = nowFn
	return a
}

// Estimate returns the final ETA in minutes for a ticket. Pre-booked
// tickets blend the model with live flow; same-day tickets and walk-ins use
// a pure queue-position estimate. The result is clamped to [0, 120].
func (a *Analyzer) Estimate(ctx context.Context, t models.Ticket) int {
	now := a.nowFn()
	if !isPreBooked(t) {
		return a.sameDayEstimate(ctx, t, now)
	}

	modelMinutes := float64(a.predictor.Predict(ctx, t))
	liveMinutes := a.liveFlowAdjustment(ctx, t, now)
	final := modelWeight*modelMinutes + liveWeight*liveMinutes
	if final < 0 {
		final = 0
	}
	if final > maxEstimateMinutes {
		final = maxEstimateMinutes
	}
	return int(final + 0.5)
}

// isPreBooked reports whether the ticket was booked strictly before its
// scheduled calendar day.
func isPreBooked(t models.Ticket) bool {
	if t.ScheduledAt == nil {
		return false
	}
	createdDay := dateOf(t.CreatedAt)
	scheduledDay := dateOf(*t.ScheduledAt)
	return createdDay.Before(scheduledDay)
}

func (a *Analyzer) sameDayEstimate(ctx context.Context, t models.Ticket, now time.Time) int {
	if t.Status == models.StatusInConsultation {
		return 0
	}
	queue, err := a.store.ListQueue(ctx, t.ProviderID, dateOf(now))
	if err != nil {
		log.Printf("flow: queue read failed ticket=%s: %v", t.TicketID, err)
		return nextUpMinutes
	}
	position := predict.QueuePosition(t, queue)
	if position <= 1 {
		return nextUpMinutes
	}
	minutes := position * minutesPerPosition
	if minutes > sameDayCapMinutes {
		minutes = sameDayCapMinutes
	}
	return minutes
}

// liveFlowAdjustment measures today's average slot drift for the provider
// and adds the load of the queue standing between the ticket and the door.
// Fallback order: today's completions, then a 30-day baseline for the same
// time-of-day window, then a constant.
func (a *Analyzer) liveFlowAdjustment(ctx context.Context, t models.Ticket, now time.Time) float64 {
	today := dateOf(now)
	completions, err := a.store.ListCompleted(ctx, t.ProviderID, today, now)
	if err != nil {
		log.Printf("flow: completions read failed ticket=%s: %v", t.TicketID, err)
		completions = nil
	}

	delay, ok := averageDelay(completions)
	if !ok {
		delay = a.historicalBaseline(ctx, t, now)
	}

	adjusted := delay + a.queueImpact(ctx, t, now)
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

func (a *Analyzer) queueImpact(ctx context.Context, t models.Ticket, now time.Time) float64 {
	queue, err := a.store.ListQueue(ctx, t.ProviderID, dateOf(now))
	if err != nil {
		log.Printf("flow: queue read failed ticket=%s: %v", t.TicketID, err)
		return 0
	}
	aheadScheduled := 0
	inConsultation := 0
	for _, other := range queue {
		if other.TicketID == t.TicketID {
			continue
		}
		if other.Status == models.StatusInConsultation {
			inConsultation++
		}
		if t.ScheduledAt != nil && other.ScheduledAt != nil && other.ScheduledAt.Before(*t.ScheduledAt) && models.IsActive(other.Status) {
			aheadScheduled++
		}
	}
	return float64(aheadScheduled*minutesPerAhead + inConsultation*minutesPerInConsultation)
}

func (a *Analyzer) historicalBaseline(ctx context.Context, t models.Ticket, now time.Time) float64 {
	if t.ScheduledAt == nil {
		return defaultBaselineMinutes
	}
	from := dateOf(now).AddDate(0, 0, -historicalBaselineDays)
	history, err := a.store.ListCompleted(ctx, t.ProviderID, from, now)
	if err != nil {
		log.Printf("flow: baseline read failed ticket=%s: %v", t.TicketID, err)
		return defaultBaselineMinutes
	}

	window := make([]models.Ticket, 0, len(history))
	for _, h := range history {
		if h.ScheduledAt == nil || h.CompletedAt == nil {
			continue
		}
		if math.Abs(minutesOfDay(*h.ScheduledAt)-minutesOfDay(*t.ScheduledAt)) <= baselineWindowMinutes {
			window = append(window, h)
		}
	}
	delay, ok := averageDelay(window)
	if !ok {
		return defaultBaselineMinutes
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// averageDelay computes the mean (completedAt - scheduledAt) in minutes
// across completions that carry both stamps.
func averageDelay(completions []models.Ticket) (float64, bool) {
	var total float64
	count := 0
	for _, c := range completions {
		if c.ScheduledAt == nil || c.CompletedAt == nil {
			continue
		}
		total += c.CompletedAt.Sub(*c.ScheduledAt).Minutes()
		count++
	}
	if count == 0 {
		return 0, false
	}
	return total / float64(count), true
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func minutesOfDay(t time.Time) float64 {
	return float64(t.Hour()*60 + t.Minute())
}
