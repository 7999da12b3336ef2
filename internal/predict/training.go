package predict

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"clinicq/visit-service/internal/models"
)

// MinTrainingSamples is the floor below which training is skipped and
// reported as insufficient data rather than fitting a junk model.
const MinTrainingSamples = 10

const trainingLookbackDays = 365

// TrainReport is the outcome of one training run. Skipping on thin data is
// a reported result, not an error.
type TrainReport struct {
	Trained     bool    `json:"trained"`
	SampleCount int     `json:"sample_count"`
	MAE         float64 `json:"mae"`
	R2          float64 `json:"r2"`
	Reason      string  `json:"reason,omitempty"`
}

// TrainingSource supplies historical completed tickets.
type TrainingSource interface {
	ListCompletedSince(ctx context.Context, since time.Time) ([]models.Ticket, error)
}

// Trainer fits the wait-time regression offline and publishes the artifact
// to the predictor plus the model file.
type Trainer struct {
	source    TrainingSource
	predictor *Predictor
	modelPath string
	nowFn     func() time.Time
}

func NewTrainer(source TrainingSource, predictor *Predictor, modelPath string) *Trainer {
	return &Trainer{
		source:    source,
		predictor: predictor,
		modelPath: modelPath,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (tr *Trainer) WithClock(nowFn func() time.Time) *Trainer {
	tr.nowFn = nowFn
	return tr
}

// Train builds samples from completed tickets, fits on an 80/20 split, and
// persists the artifact only when fitting succeeded.
func (tr *Trainer) Train(ctx context.Context) (TrainReport, error) {
	now := tr.nowFn()
	completed, err := tr.source.ListCompletedSince(ctx, now.AddDate(0, 0, -trainingLookbackDays))
	if err != nil {
		return TrainReport{}, fmt.Errorf("load training data: %w", err)
	}

	features, targets := buildSamples(completed)
	if len(features) < MinTrainingSamples {
		return TrainReport{SampleCount: len(features), Reason: "insufficient data"}, nil
	}

	trainX, trainY, testX, testY := split(features, targets)
	scaler := fitScaler(trainX)
	weights, intercept, err := fitLeastSquares(scale(scaler, trainX), trainY)
	if err != nil {
		return TrainReport{SampleCount: len(features)}, fmt.Errorf("fit: %w", err)
	}

	model := &Model{
		Weights:     weights,
		Intercept:   intercept,
		Scaler:      scaler,
		TrainedAt:   now,
		SampleCount: len(features),
	}
	model.MAE, model.R2 = evaluate(model, testX, testY)

	if tr.modelPath != "" {
		if err := model.Save(tr.modelPath); err != nil {
			return TrainReport{SampleCount: len(features)}, fmt.Errorf("persist model: %w", err)
		}
	}
	tr.predictor.SetModel(model)
	log.Printf("predict: model trained samples=%d mae=%.2f r2=%.3f", model.SampleCount, model.MAE, model.R2)

	return TrainReport{
		Trained:     true,
		SampleCount: model.SampleCount,
		MAE:         model.MAE,
		R2:          model.R2,
	}, nil
}

// buildSamples derives (features, actual wait) pairs from completed tickets
// that carry both arrival and consultation-start stamps. Queue context is
// reconstructed from the cohort itself: the tickets a provider saw that day.
func buildSamples(completed []models.Ticket) ([]Features, []float64) {
	byProviderDay := make(map[string][]models.Ticket)
	for _, t := range completed {
		key := t.ProviderID + "|" + t.CreatedAt.Format("2006-01-02")
		byProviderDay[key] = append(byProviderDay[key], t)
	}

	var features []Features
	var targets []float64
	keys := make([]string, 0, len(byProviderDay))
	for key := range byProviderDay {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cohort := byProviderDay[key]
		sort.Slice(cohort, func(i, j int) bool { return cohort[i].CreatedAt.Before(cohort[j].CreatedAt) })
		for _, t := range cohort {
			if t.ConsultationStartAt == nil {
				continue
			}
			wait := t.ConsultationStartAt.Sub(t.CreatedAt).Minutes()
			if wait < 0 {
				continue
			}
			// Historical tickets are terminal; the extractor ranks against
			// active ones, so replay the cohort as it stood on that day.
			snapshot := make([]models.Ticket, len(cohort))
			copy(snapshot, cohort)
			for i := range snapshot {
				snapshot[i].Status = models.StatusWaiting
			}
			self := t
			self.Status = models.StatusWaiting
			features = append(features, Extract(self, snapshot, len(cohort), t.CreatedAt))
			targets = append(targets, wait)
		}
	}
	return features, targets
}

func split(features []Features, targets []float64) (trainX []Features, trainY []float64, testX []Features, testY []float64) {
	n := len(features)
	perm := rand.New(rand.NewSource(42)).Perm(n)
	testSize := n / 5
	if testSize < 1 {
		testSize = 1
	}
	for i, idx := range perm {
		if i < testSize {
			testX = append(testX, features[idx])
			testY = append(testY, targets[idx])
		} else {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, targets[idx])
		}
	}
	return trainX, trainY, testX, testY
}

func fitScaler(features []Features) Scaler {
	mean := make([]float64, FeatureCount)
	std := make([]float64, FeatureCount)
	n := float64(len(features))
	for _, f := range features {
		for i := 0; i < FeatureCount; i++ {
			mean[i] += f[i]
		}
	}
	for i := range mean {
		mean[i] /= n
	}
	for _, f := range features {
		for i := 0; i < FeatureCount; i++ {
			d := f[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return Scaler{Mean: mean, Std: std}
}

func scale(s Scaler, features []Features) [][]float64 {
	out := make([][]float64, len(features))
	for i, f := range features {
		out[i] = s.Transform(f)
	}
	return out
}

// fitLeastSquares solves ordinary least squares via the normal equations
// with a small ridge term for numerical stability. The last solved
// coefficient is the intercept.
func fitLeastSquares(x [][]float64, y []float64) ([]float64, float64, error) {
	cols := FeatureCount + 1
	xtx := make([][]float64, cols)
	for i := range xtx {
		xtx[i] = make([]float64, cols)
	}
	xty := make([]float64, cols)

	row := make([]float64, cols)
	for r, sample := range x {
		copy(row, sample)
		row[cols-1] = 1
		for i := 0; i < cols; i++ {
			xty[i] += row[i] * y[r]
			for j := 0; j < cols; j++ {
				xtx[i][j] += row[i] * row[j]
			}
		}
	}
	const ridge = 1e-6
	for i := 0; i < cols; i++ {
		xtx[i][i] += ridge
	}

	solution, err := solveLinearSystem(xtx, xty)
	if err != nil {
		return nil, 0, err
	}
	return solution[:FeatureCount], solution[cols-1], nil
}

// solveLinearSystem runs Gaussian elimination with partial pivoting.
func solveLinearSystem(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	solution := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * solution[c]
		}
		solution[r] = sum / a[r][r]
	}
	return solution, nil
}

func evaluate(m *Model, testX []Features, testY []float64) (mae, r2 float64) {
	if len(testX) == 0 {
		return 0, 0
	}
	var absSum, meanY float64
	for _, y := range testY {
		meanY += y
	}
	meanY /= float64(len(testY))

	var ssRes, ssTot float64
	for i, f := range testX {
		pred := m.Predict(f)
		diff := pred - testY[i]
		absSum += math.Abs(diff)
		ssRes += diff * diff
		d := testY[i] - meanY
		ssTot += d * d
	}
	mae = absSum / float64(len(testX))
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return mae, r2
}
