package predict

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"clinicq/visit-service/internal/models"
)

const (
	// Predictions are clamped to this range; a model extrapolating outside
	// it is not trusted over the queue evidence.
	maxPredictedMinutes = 120
	minPredictedMinutes = 0

	emptyQueueMinutes = 5
)

// QueueReader is the slice of the ticket store the predictor needs.
type QueueReader interface {
	ListQueue(ctx context.Context, providerID string, day time.Time) ([]models.Ticket, error)
	CountProviderDay(ctx context.Context, providerID string, day time.Time) (int, error)
}

// Predictor applies the loaded regression model to a ticket's feature
// vector, degrading to a queue-position heuristic whenever no model is
// available. Predict never fails: a broken model or store read logs and
// falls back.
type Predictor struct {
	store QueueReader
	model atomic.Pointer[Model]
	nowFn func() time.Time
}

func NewPredictor(store QueueReader) *Predictor {
	return &Predictor{store: store, nowFn: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (p *Predictor) WithClock(nowFn func() time.Time) *Predictor {
	p.nowFn = nowFn
	return p
}

// SetModel publishes a new artifact. Swapping the pointer is the whole
// reload: in-flight predictions keep the model they already grabbed.
func (p *Predictor) SetModel(m *Model) {
	p.model.Store(m)
}

func (p *Predictor) Model() *Model {
	return p.model.Load()
}

// LoadFromFile loads a persisted artifact if one exists. Absence of the
// file leaves the heuristic in charge and is not an error.
func (p *Predictor) LoadFromFile(path string) error {
	m, err := LoadModel(path)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	p.SetModel(m)
	log.Printf("predict: model loaded trained_at=%s samples=%d mae=%.2f", m.TrainedAt.Format(time.RFC3339), m.SampleCount, m.MAE)
	return nil
}

// Predict returns the estimated wait in minutes for a ticket.
func (p *Predictor) Predict(ctx context.Context, t models.Ticket) int {
	now := p.nowFn()
	day := dayOf(t, now)

	queue, err := p.store.ListQueue(ctx, t.ProviderID, day)
	if err != nil {
		log.Printf("predict: queue read failed ticket=%s: %v", t.TicketID, err)
		return emptyQueueMinutes
	}
	position := QueuePosition(t, queue)
	if len(activeOthers(t, queue)) == 0 {
		return emptyQueueMinutes
	}

	model := p.model.Load()
	if model == nil {
		return Heuristic(position)
	}

	load, err := p.store.CountProviderDay(ctx, t.ProviderID, day)
	if err != nil {
		log.Printf("predict: provider load read failed ticket=%s: %v", t.TicketID, err)
		return Heuristic(position)
	}

	f := Extract(t, queue, load, now)
	minutes := model.Predict(f)
	if minutes < minPredictedMinutes {
		minutes = minPredictedMinutes
	}
	if minutes > maxPredictedMinutes {
		minutes = maxPredictedMinutes
	}
	return int(minutes + 0.5)
}

// Heuristic is the no-model fallback: ten minutes per queue slot, bounded.
func Heuristic(position int) int {
	minutes := position * 10
	if minutes < 5 {
		minutes = 5
	}
	if minutes > 60 {
		minutes = 60
	}
	return minutes
}

func activeOthers(t models.Ticket, queue []models.Ticket) []models.Ticket {
	var others []models.Ticket
	for _, other := range queue {
		if other.TicketID == t.TicketID || !models.IsActive(other.Status) {
			continue
		}
		others = append(others, other)
	}
	return others
}

func dayOf(t models.Ticket, now time.Time) time.Time {
	at := now
	if t.ScheduledAt != nil {
		at = *t.ScheduledAt
	}
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
}
