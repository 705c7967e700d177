// Package prediction turns an item's purchase history into a run-out date and
// a confidence tier.
package prediction

import (
	"math"
	"sort"
	"time"

	"github.com/Veraticus/restock/internal/model"
)

const day = 24 * time.Hour

// Config holds the tunable thresholds of the engine.
type Config struct {
	HighVarianceRatio float64 `mapstructure:"high_variance_ratio"`
	RecencyWindowDays int     `mapstructure:"recency_window_days"`
}

// DefaultConfig returns the stock thresholds: interval stddev under 20% of
// the mean and a latest purchase within 30 days.
func DefaultConfig() Config {
	return Config{
		HighVarianceRatio: 0.2,
		RecencyWindowDays: 30,
	}
}

// Purchase is one observed restock.
type Purchase struct {
	Date     time.Time
	Quantity float64
}

// Input is everything the engine reads.
type Input struct {
	CreatedAt              time.Time
	Purchases              []Purchase
	Quantity               float64
	TeachModeFrequencyDays int
	TeachMode              bool
}

// Result is the engine's output for one item.
type Result struct {
	PredictedRunOutDate *time.Time
	Confidence          model.Confidence
	AvgFrequencyDays    float64
	AvgConsumptionRate  float64
}

// Engine computes predictions. It holds no state besides its configuration
// and is safe for concurrent use.
type Engine struct {
	config Config
}

// NewEngine creates an engine. Zero fields in cfg fall back to DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.HighVarianceRatio <= 0 {
		cfg.HighVarianceRatio = def.HighVarianceRatio
	}
	if cfg.RecencyWindowDays <= 0 {
		cfg.RecencyWindowDays = def.RecencyWindowDays
	}
	return &Engine{config: cfg}
}

// Config returns the engine's effective thresholds.
func (e *Engine) Config() Config {
	return e.config
}

// Predict computes a prediction at now. The same input and now always give
// the same result.
func (e *Engine) Predict(in Input, now time.Time) Result {
	purchases := sortedPurchases(in.Purchases)

	if len(purchases) < 2 {
		return e.predictSparse(in, purchases)
	}

	intervals := make([]float64, 0, len(purchases)-1)
	for i := 1; i < len(purchases); i++ {
		intervals = append(intervals, purchases[i].Date.Sub(purchases[i-1].Date).Hours()/24)
	}
	mean, stddev := meanStddev(intervals)

	// Same-day repeats give no usable cycle.
	if mean <= 0 {
		return Result{Confidence: model.ConfidenceLow}
	}

	latest := purchases[len(purchases)-1].Date
	runOut := latest.Add(time.Duration(mean * float64(day)))

	result := Result{
		PredictedRunOutDate: &runOut,
		Confidence:          model.ConfidenceMedium,
		AvgFrequencyDays:    mean,
		AvgConsumptionRate:  meanQuantity(purchases) / mean,
	}

	recencyWindow := time.Duration(e.config.RecencyWindowDays) * day
	if len(purchases) >= 3 &&
		stddev < e.config.HighVarianceRatio*mean &&
		now.Sub(latest) < recencyWindow {
		result.Confidence = model.ConfidenceHigh
	}

	return result
}

// predictSparse handles zero or one purchase. Only teach mode yields a date,
// and never better than Low.
func (e *Engine) predictSparse(in Input, purchases []Purchase) Result {
	if in.TeachMode && in.TeachModeFrequencyDays > 0 {
		base := in.CreatedAt
		quantity := in.Quantity
		if len(purchases) == 1 {
			base = purchases[0].Date
			quantity = purchases[0].Quantity
		}
		if quantity <= 0 {
			quantity = 1
		}

		freq := float64(in.TeachModeFrequencyDays)
		runOut := base.AddDate(0, 0, in.TeachModeFrequencyDays)
		return Result{
			PredictedRunOutDate: &runOut,
			Confidence:          model.ConfidenceLow,
			AvgFrequencyDays:    freq,
			AvgConsumptionRate:  quantity / freq,
		}
	}

	if len(purchases) == 1 {
		return Result{Confidence: model.ConfidenceLow}
	}
	return Result{Confidence: model.ConfidenceNone}
}

// InputFor builds engine input from an item and its purchase transactions.
func InputFor(item *model.Item, txns []model.Transaction) Input {
	in := Input{
		CreatedAt:              item.CreatedAt,
		Quantity:               item.Quantity,
		TeachMode:              item.TeachMode,
		TeachModeFrequencyDays: item.TeachModeFrequencyDays,
		Purchases:              make([]Purchase, 0, len(txns)),
	}
	for _, txn := range txns {
		in.Purchases = append(in.Purchases, Purchase{Date: txn.Date, Quantity: txn.Quantity})
	}
	return in
}

// Apply copies a result onto an item. Purchase facts are left alone.
func Apply(item *model.Item, r Result) {
	item.PredictedRunOutDate = r.PredictedRunOutDate
	item.PredictionConfidence = r.Confidence
	item.AvgFrequencyDays = r.AvgFrequencyDays
	item.AvgConsumptionRate = r.AvgConsumptionRate
}

func sortedPurchases(in []Purchase) []Purchase {
	out := make([]Purchase, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// meanStddev returns the arithmetic mean and population standard deviation.
func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func meanQuantity(purchases []Purchase) float64 {
	var sum float64
	for _, p := range purchases {
		q := p.Quantity
		if q <= 0 {
			q = 1
		}
		sum += q
	}
	return sum / float64(len(purchases))
}
