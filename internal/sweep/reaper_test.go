package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicq/visit-service/internal/models"
	"clinicq/visit-service/internal/store"
	"clinicq/visit-service/internal/ticket"
)

// fakeStore implements store.TicketStore with function fields, unset
// methods panic so a test only wires what it exercises.
type fakeStore struct {
	createTicket         func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error)
	getTicket            func(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	saveTicket           func(ctx context.Context, t models.Ticket, expectStatus string) (models.Ticket, error)
	listQueue            func(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error)
	countProviderDay     func(ctx context.Context, providerID string, day time.Time) (int, error)
	listScheduledWaiting func(ctx context.Context, day time.Time) ([]models.Ticket, error)
	activeProviders      func(ctx context.Context, day time.Time) ([]string, error)
	listCompleted        func(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error)
	listCompletedSince   func(ctx context.Context, since time.Time) ([]models.Ticket, error)
	countCompletedSince  func(ctx context.Context, since time.Time) (int, error)
}

func (f *fakeStore) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	return f.createTicket(ctx, input)
}

func (f *fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	return f.getTicket(ctx, ticketID)
}

func (f *fakeStore) SaveTicket(ctx context.Context, t models.Ticket, expectStatus string) (models.Ticket, error) {
	return f.saveTicket(ctx, t, expectStatus)
}

func (f *fakeStore) ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error) {
	return f.listQueue(ctx, providerID, day)
}

func (f *fakeStore) CountProviderDay(ctx context.Context, providerID string, day time.Time) (int, error) {
	return f.countProviderDay(ctx, providerID, day)
}

func (f *fakeStore) ListScheduledWaiting(ctx context.Context, day time.Time) ([]models.Ticket, error) {
	return f.listScheduledWaiting(ctx, day)
}

func (f *fakeStore) ActiveProviders(ctx context.Context, day time.Time) ([]string, error) {
	return f.activeProviders(ctx, day)
}

func (f *fakeStore) ListCompleted(ctx context.Context, providerID string, from, to time.Time) ([]models.Ticket, error) {
	return f.listCompleted(ctx, providerID, from, to)
}

func (f *fakeStore) ListCompletedSince(ctx context.Context, since time.Time) ([]models.Ticket, error) {
	return f.listCompletedSince(ctx, since)
}

func (f *fakeStore) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	return f.countCompletedSince(ctx, since)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (d *recordingDispatcher) Send(ctx context.Context, message, recipient string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, recipient)
	return d.err
}

func ts(hour, minute int) time.Time {
	return time.Date(2025, 6, 2, hour, minute, 0, 0, time.UTC)
}

func scheduledWaiting(id string, hour, minute int) models.Ticket {
	sched := ts(hour, minute)
	return models.Ticket{
		TicketID:    id,
		ProviderID:  "prov-1",
		Status:      models.StatusWaiting,
		ScheduledAt: &sched,
		CreatedAt:   ts(8, 0),
		Phone:       "+62" + id,
	}
}

func TestReaperCancelsPastGrace(t *testing.T) {
	// 10:00 slot, clock at 10:16, grace 15 minutes: one minute past.
	var saved []models.Ticket
	st := &fakeStore{
		listScheduledWaiting: func(ctx context.Context, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{scheduledWaiting("t1", 10, 0), scheduledWaiting("t2", 10, 10)}, nil
		},
		saveTicket: func(ctx context.Context, tk models.Ticket, expectStatus string) (models.Ticket, error) {
			if expectStatus != models.StatusWaiting {
				t.Fatalf("save precondition %q, want waiting", expectStatus)
			}
			saved = append(saved, tk)
			return tk, nil
		},
	}
	disp := &recordingDispatcher{}
	var events []ticket.Event
	r := NewReaper(st, disp, 15*time.Minute).
		OnEvent(func(ev ticket.Event) { events = append(events, ev) }).
		WithClock(func() time.Time { return ts(10, 16) })

	cancelled, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled %d, want 1", cancelled)
	}
	if len(saved) != 1 || saved[0].TicketID != "t1" || saved[0].Status != models.StatusCancelled {
		t.Fatalf("saved %+v", saved)
	}
	if len(disp.sent) != 1 || disp.sent[0] != "+62t1" {
		t.Fatalf("notifications %v", disp.sent)
	}
	if len(events) != 1 || events[0].To != models.StatusCancelled {
		t.Fatalf("events %+v", events)
	}
}

func TestReaperWithinGraceUntouched(t *testing.T) {
	st := &fakeStore{
		listScheduledWaiting: func(ctx context.Context, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{scheduledWaiting("t1", 10, 0)}, nil
		},
		saveTicket: func(ctx context.Context, tk models.Ticket, expectStatus string) (models.Ticket, error) {
			t.Fatal("ticket inside the grace window must not be saved")
			return tk, nil
		},
	}
	r := NewReaper(st, &recordingDispatcher{}, 15*time.Minute).
		WithClock(func() time.Time { return ts(10, 15) }) // exactly at the boundary

	cancelled, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cancelled != 0 {
		t.Fatalf("cancelled %d, want 0", cancelled)
	}
}

func TestReaperSkipsConflicts(t *testing.T) {
	// Ticket t1 gets confirmed concurrently: the precondition fails and the
	// sweep moves on.
	st := &fakeStore{
		listScheduledWaiting: func(ctx context.Context, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{scheduledWaiting("t1", 9, 0), scheduledWaiting("t2", 9, 10)}, nil
		},
		saveTicket: func(ctx context.Context, tk models.Ticket, expectStatus string) (models.Ticket, error) {
			if tk.TicketID == "t1" {
				return models.Ticket{}, store.ErrConflict
			}
			return tk, nil
		},
	}
	disp := &recordingDispatcher{}
	r := NewReaper(st, disp, 15*time.Minute).WithClock(func() time.Time { return ts(10, 0) })

	cancelled, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled %d, want 1", cancelled)
	}
	if len(disp.sent) != 1 || disp.sent[0] != "+62t2" {
		t.Fatalf("notifications %v", disp.sent)
	}
}

func TestReaperIdempotent(t *testing.T) {
	// The second run sees the ticket already cancelled (no longer listed as
	// waiting) and does nothing.
	tickets := []models.Ticket{scheduledWaiting("t1", 9, 0)}
	st := &fakeStore{
		listScheduledWaiting: func(ctx context.Context, day time.Time) ([]models.Ticket, error) {
			var waiting []models.Ticket
			for _, tk := range tickets {
				if tk.Status == models.StatusWaiting {
					waiting = append(waiting, tk)
				}
			}
			return waiting, nil
		},
		saveTicket: func(ctx context.Context, tk models.Ticket, expectStatus string) (models.Ticket, error) {
			tickets[0] = tk
			return tk, nil
		},
	}
	r := NewReaper(st, &recordingDispatcher{}, 15*time.Minute).WithClock(func() time.Time { return ts(10, 0) })

	first, err := r.Run(context.Background())
	if err != nil || first != 1 {
		t.Fatalf("first run: %d, %v", first, err)
	}
	second, err := r.Run(context.Background())
	if err != nil || second != 0 {
		t.Fatalf("second run: %d, %v", second, err)
	}
}

func TestReaperNotifyFailureDoesNotUndo(t *testing.T) {
	st := &fakeStore{
		listScheduledWaiting: func(ctx context.Context, day time.Time) ([]models.Ticket, error) {
			return []models.Ticket{scheduledWaiting("t1", 9, 0)}, nil
		},
		saveTicket: func(ctx context.Context, tk models.Ticket, expectStatus string) (models.Ticket, error) {
			return tk, nil
		},
	}
	disp := &recordingDispatcher{err: errors.New("sms down")}
	r := NewReaper(st, disp, 15*time.Minute).WithClock(func() time.Time { return ts(10, 0) })

	cancelled, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("cancelled %d, want 1", cancelled)
	}
}
