package sweep

import (
	"context"
	"testing"
	"time"

	"clinicq/visit-service/internal/models"
)

func TestActivatorInvitesIdleProviderNextPatient(t *testing.T) {
	st := &fakeStore{
		activeProviders: func(ctx context.Context, day time.Time) ([]string, error) {
			return []string{"prov-1"}, nil
		},
		listQueue: func(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{scheduledWaiting("t1", 10, 20), scheduledWaiting("t2", 10, 40)}, nil
		},
	}
	disp := &recordingDispatcher{}
	a := NewActivator(st, disp).WithClock(func() time.Time { return ts(10, 0) })

	notified, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified %d, want 1", notified)
	}
	if len(disp.sent) != 1 || disp.sent[0] != "+62t1" {
		t.Fatalf("only the earliest waiting ticket gets invited: %v", disp.sent)
	}
}

func TestActivatorSkipsBusyProvider(t *testing.T) {
	busy := scheduledWaiting("cur", 9, 30)
	busy.Status = models.StatusInConsultation
	st := &fakeStore{
		activeProviders: func(ctx context.Context, day time.Time) ([]string, error) {
			return []string{"prov-1"}, nil
		},
		listQueue: func(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{busy, scheduledWaiting("t1", 10, 10)}, nil
		},
	}
	disp := &recordingDispatcher{}
	a := NewActivator(st, disp).WithClock(func() time.Time { return ts(10, 0) })

	notified, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if notified != 0 || len(disp.sent) != 0 {
		t.Fatalf("busy provider must not invite: notified=%d sent=%v", notified, disp.sent)
	}
}

func TestActivatorRespectsWindow(t *testing.T) {
	cases := []struct {
		name       string
		slotMinute int
		want       int
	}{
		{"slot too far out", 45, 0}, // 45 minutes ahead, outside the window
		{"slot already passed", -5, 0},
		{"slot at window edge", 30, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sched := ts(10, 0).Add(time.Duration(tc.slotMinute) * time.Minute)
			tk := scheduledWaiting("t1", sched.Hour(), sched.Minute())
			st := &fakeStore{
				activeProviders: func(ctx context.Context, day time.Time) ([]string, error) {
					return []string{"prov-1"}, nil
				},
				listQueue: func(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
					return []models.Ticket{tk}, nil
				},
			}
			disp := &recordingDispatcher{}
			a := NewActivator(st, disp).WithClock(func() time.Time { return ts(10, 0) })

			notified, err := a.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if notified != tc.want {
				t.Fatalf("notified %d, want %d", notified, tc.want)
			}
		})
	}
}

func TestEarlyOpeningsReport(t *testing.T) {
	completedAt := func(schedHour, schedMin, aheadMinutes int) models.Ticket {
		sched := ts(schedHour, schedMin)
		done := sched.Add(-time.Duration(aheadMinutes) * time.Minute)
		return models.Ticket{
			TicketID:    "c",
			ProviderID:  "prov-1",
			Status:      models.StatusCompleted,
			ScheduledAt: &sched,
			CompletedAt: &done,
		}
	}
	st := &fakeStore{
		listCompleted: func(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error) {
			return []models.Ticket{
				completedAt(9, 0, 25),  // counts
				completedAt(9, 30, 10), // exactly at margin, excluded
				completedAt(10, 0, -5), // finished late
			}, nil
		},
	}
	a := NewActivator(st, nil).WithClock(func() time.Time { return ts(12, 0) })

	openings, err := a.EarlyOpenings(context.Background(), "prov-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(openings) != 1 {
		t.Fatalf("openings %d, want 1", len(openings))
	}
	if openings[0].MinutesAhead != 25 {
		t.Fatalf("minutes ahead %d, want 25", openings[0].MinutesAhead)
	}
}
