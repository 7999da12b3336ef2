package flow

import (
	"context"
	"testing"
	"time"

	"clinicq/visit-service/internal/models"
)

type fakeStore struct {
	queue     []models.Ticket
	completed []models.Ticket
	history   []models.Ticket
}

func (f fakeStore) ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
	return f.queue, nil
}

func (f fakeStore) ListCompleted(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error) {
	// Same-day window starts at midnight today; older windows serve the
	// 30-day baseline.
	if from.Day() == to.Day() && from.Month() == to.Month() {
		return f.completed, nil
	}
	return f.history, nil
}

type fixedPredictor int

func (p fixedPredictor) Predict(ctx context.Context, t models.Ticket) int { return int(p) }

func ts(day, hour, minute int) time.Time {
	return time.Date(2025, 6, day, hour, minute, 0, 0, time.UTC)
}

func booked(id string, createdDay int, schedDay, hour, minute int, status string) models.Ticket {
	sched := ts(schedDay, hour, minute)
	return models.Ticket{
		TicketID:    id,
		ProviderID:  "prov-1",
		Status:      status,
		ScheduledAt: &sched,
		CreatedAt:   ts(createdDay, 8, 0),
	}
}

func finished(id string, hour, minute, delayMinutes int) models.Ticket {
	sched := ts(2, hour, minute)
	done := sched.Add(time.Duration(delayMinutes) * time.Minute)
	started := done.Add(-10 * time.Minute)
	return models.Ticket{
		TicketID:            id,
		ProviderID:          "prov-1",
		Status:              models.StatusCompleted,
		ScheduledAt:         &sched,
		CreatedAt:           ts(2, 8, 0),
		ConsultationStartAt: &started,
		CompletedAt:         &done,
	}
}

func TestEstimateInConsultationIsZero(t *testing.T) {
	tk := booked("t1", 2, 2, 9, 0, models.StatusInConsultation)
	a := NewAnalyzer(fakeStore{}, fixedPredictor(30)).WithClock(func() time.Time { return ts(2, 9, 5) })

	if got := a.Estimate(context.Background(), tk); got != 0 {
		t.Fatalf("in-consultation estimate %d, want 0", got)
	}
}

func TestEstimateSameDayEmptyQueue(t *testing.T) {
	// Scenario: 09:00 slot booked at 09:00 the same day, nobody else active.
	tk := booked("t1", 2, 2, 9, 0, models.StatusWaiting)
	tk.CreatedAt = ts(2, 9, 0)
	a := NewAnalyzer(fakeStore{queue: []models.Ticket{tk}}, fixedPredictor(30)).
		WithClock(func() time.Time { return ts(2, 9, 0) })

	got := a.Estimate(context.Background(), tk)
	if got > 15 {
		t.Fatalf("empty-queue estimate %d, want <= 15", got)
	}
	if got != 5 {
		t.Fatalf("empty-queue estimate %d, want 5", got)
	}
}

func TestEstimateSameDayQueuePosition(t *testing.T) {
	first := booked("t1", 2, 2, 9, 0, models.StatusConfirmed)
	second := booked("t2", 2, 2, 9, 15, models.StatusWaiting)
	third := booked("t3", 2, 2, 9, 30, models.StatusWaiting)
	queue := []models.Ticket{first, second, third}
	a := NewAnalyzer(fakeStore{queue: queue}, fixedPredictor(30)).
		WithClock(func() time.Time { return ts(2, 8, 55) })

	if got := a.Estimate(context.Background(), third); got != 36 {
		t.Fatalf("position-3 estimate %d, want 36", got)
	}

	// Deep queues cap at an hour.
	var deep []models.Ticket
	for i := 0; i < 8; i++ {
		deep = append(deep, booked("d"+string(rune('0'+i)), 2, 2, 9, i*5, models.StatusWaiting))
	}
	a = NewAnalyzer(fakeStore{queue: deep}, fixedPredictor(30)).
		WithClock(func() time.Time { return ts(2, 8, 55) })
	if got := a.Estimate(context.Background(), deep[7]); got != 60 {
		t.Fatalf("deep-queue estimate %d, want cap 60", got)
	}
}

func TestEstimatePreBookedBlend(t *testing.T) {
	// Booked June 1st for June 2nd: pre-booked, so 0.6*model + 0.4*live.
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	st := fakeStore{
		queue: []models.Ticket{tk},
		completed: []models.Ticket{
			finished("c1", 9, 0, 20),
			finished("c2", 9, 20, 10),
		},
	}
	a := NewAnalyzer(st, fixedPredictor(30)).WithClock(func() time.Time { return ts(2, 9, 40) })

	// live = mean delay 15 + no queue impact; final = 0.6*30 + 0.4*15 = 24.
	if got := a.Estimate(context.Background(), tk); got != 24 {
		t.Fatalf("blend estimate %d, want 24", got)
	}
}

func TestEstimatePreBookedQueueImpact(t *testing.T) {
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	ahead := booked("t0", 2, 2, 9, 30, models.StatusConfirmed)
	busy := booked("b1", 2, 2, 9, 0, models.StatusInConsultation)
	st := fakeStore{
		queue:     []models.Ticket{busy, ahead, tk},
		completed: []models.Ticket{finished("c1", 9, 0, 10)},
	}
	a := NewAnalyzer(st, fixedPredictor(20)).WithClock(func() time.Time { return ts(2, 9, 45) })

	// live = 10 + (2 ahead * 15) + (1 in consultation * 10) = 50;
	// final = 0.6*20 + 0.4*50 = 32.
	if got := a.Estimate(context.Background(), tk); got != 32 {
		t.Fatalf("queue-impact estimate %d, want 32", got)
	}
}

func TestEstimateHistoricalBaselineFallback(t *testing.T) {
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	history := []models.Ticket{
		finished("h1", 10, 15, 25), // within the ±30 minute window
		finished("h2", 14, 0, 90),  // outside the window, ignored
	}
	st := fakeStore{queue: []models.Ticket{tk}, history: history}
	a := NewAnalyzer(st, fixedPredictor(30)).WithClock(func() time.Time { return ts(2, 9, 0) })

	// live falls back to the windowed baseline 25; 0.6*30 + 0.4*25 = 28.
	if got := a.Estimate(context.Background(), tk); got != 28 {
		t.Fatalf("baseline estimate %d, want 28", got)
	}
}

func TestEstimateDefaultBaseline(t *testing.T) {
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	a := NewAnalyzer(fakeStore{queue: []models.Ticket{tk}}, fixedPredictor(30)).
		WithClock(func() time.Time { return ts(2, 9, 0) })

	// No live data, no history: 0.6*30 + 0.4*15 = 24.
	if got := a.Estimate(context.Background(), tk); got != 24 {
		t.Fatalf("default-baseline estimate %d, want 24", got)
	}
}

func TestEstimateCappedOnLateDays(t *testing.T) {
	// Provider running five hours behind: live drift alone is 300 minutes.
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	st := fakeStore{
		queue: []models.Ticket{tk},
		completed: []models.Ticket{
			finished("c1", 8, 0, 300),
			finished("c2", 8, 30, 300),
		},
	}
	a := NewAnalyzer(st, fixedPredictor(120)).WithClock(func() time.Time { return ts(2, 9, 40) })

	// Unclamped blend would be 0.6*120 + 0.4*300 = 192.
	if got := a.Estimate(context.Background(), tk); got != 120 {
		t.Fatalf("late-day estimate %d, want ceiling 120", got)
	}
}

func TestEstimateNeverNegative(t *testing.T) {
	tk := booked("t1", 1, 2, 10, 0, models.StatusWaiting)
	st := fakeStore{
		queue:     []models.Ticket{tk},
		completed: []models.Ticket{finished("c1", 9, 0, -45)}, // provider running far ahead
	}
	a := NewAnalyzer(st, fixedPredictor(0)).WithClock(func() time.Time { return ts(2, 9, 30) })

	if got := a.Estimate(context.Background(), tk); got < 0 {
		t.Fatalf("estimate went negative: %d", got)
	}
}
