package queue

import (
	"testing"
	"time"

	"clinicq/visit-service/internal/models"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 6, 2, hour, minute, 0, 0, time.UTC)
}

func waiting(id string, scheduled *time.Time, created time.Time) models.Ticket {
	return models.Ticket{
		TicketID:    id,
		ProviderID:  "prov-1",
		Status:      models.StatusWaiting,
		ScheduledAt: scheduled,
		CreatedAt:   created,
	}
}

func TestScoreComponents(t *testing.T) {
	now := at(10, 0)
	slot930 := at(9, 30)
	slot1010 := at(10, 10)
	slot1100 := at(11, 0)
	near := 0.3
	far := 3.0

	cases := []struct {
		name string
		tk   models.Ticket
		want float64
	}{
		{
			name: "slot passed plus wait",
			tk:   waiting("a", &slot930, at(9, 30)),
			want: 30*waitScorePerMinute + slotPassedScore, // 15 + 30
		},
		{
			name: "slot approaching",
			tk:   waiting("b", &slot1010, at(10, 0)),
			want: slotApproachingScore,
		},
		{
			name: "slot far out",
			tk:   waiting("c", &slot1100, at(10, 0)),
			want: 0,
		},
		{
			name: "walk-in",
			tk:   waiting("d", nil, at(9, 40)),
			want: 20*waitScorePerMinute + walkInScore, // 10 + 10
		},
		{
			name: "confirmed bonus",
			tk: func() models.Ticket {
				tk := waiting("e", &slot1100, at(10, 0))
				tk.Status = models.StatusConfirmed
				return tk
			}(),
			want: confirmedScore,
		},
		{
			name: "nearby bonus",
			tk: func() models.Ticket {
				tk := waiting("f", &slot1100, at(10, 0))
				tk.DistanceKm = &near
				return tk
			}(),
			want: nearbyScore,
		},
		{
			name: "far away no bonus",
			tk: func() models.Ticket {
				tk := waiting("g", &slot1100, at(10, 0))
				tk.DistanceKm = &far
				return tk
			}(),
			want: 0,
		},
		{
			name: "wait score capped",
			tk:   waiting("h", &slot1100, at(6, 0)),
			want: waitScoreCap,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.tk, now); got != tc.want {
				t.Fatalf("score %.1f, want %.1f", got, tc.want)
			}
		})
	}
}

func TestReorderEqualScoresKeepSlotOrder(t *testing.T) {
	// Three equal-priority bookings must come back in slot order, every time.
	created := at(8, 0)
	s1, s2, s3 := at(9, 0), at(9, 15), at(9, 30)
	queue := []models.Ticket{
		waiting("t1", &s1, created),
		waiting("t2", &s2, created),
		waiting("t3", &s3, created),
	}
	now := at(8, 30)

	for i := 0; i < 5; i++ {
		ordered, changed := Reorder(queue, now)
		if changed != 0 {
			t.Fatalf("run %d: change count %d, want 0", i, changed)
		}
		for j, want := range []string{"t1", "t2", "t3"} {
			if ordered[j].TicketID != want {
				t.Fatalf("run %d: position %d is %s, want %s", i, j, ordered[j].TicketID, want)
			}
		}
	}
}

func TestReorderPromotesPassedSlot(t *testing.T) {
	created := at(8, 0)
	s1, s2, s3, s4 := at(9, 45), at(10, 30), at(11, 0), at(11, 30)
	queue := []models.Ticket{
		waiting("t2", &s2, created),
		waiting("t3", &s3, created),
		waiting("t4", &s4, created),
		waiting("t1", &s1, created), // slot already passed, arrived last
	}

	ordered, changed := Reorder(queue, at(10, 0))
	if ordered[0].TicketID != "t1" {
		t.Fatalf("head is %s, want the passed-slot ticket", ordered[0].TicketID)
	}
	// t1 jumped three slots; everyone else shifted by one.
	if changed != 1 {
		t.Fatalf("change count %d, want 1", changed)
	}
}

func TestReorderDoesNotMutateInput(t *testing.T) {
	created := at(8, 0)
	s1, s2 := at(9, 0), at(11, 0)
	queue := []models.Ticket{
		waiting("late", &s2, created),
		waiting("due", &s1, created),
	}
	Reorder(queue, at(9, 10))
	if queue[0].TicketID != "late" {
		t.Fatal("input slice was reordered in place")
	}
}
