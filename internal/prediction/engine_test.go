package prediction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/model"
)

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func purchasesAt(days ...int) []Purchase {
	out := make([]Purchase, 0, len(days))
	for _, d := range days {
		out = append(out, Purchase{Date: day0.AddDate(0, 0, d), Quantity: 1})
	}
	return out
}

func TestPredict_TwoPurchases(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	result := engine.Predict(Input{Purchases: purchasesAt(0, 7)}, day0.AddDate(0, 0, 7))

	require.NotNil(t, result.PredictedRunOutDate)
	assert.True(t, result.PredictedRunOutDate.Equal(day0.AddDate(0, 0, 14)))
	assert.Equal(t, model.ConfidenceMedium, result.Confidence)
	assert.InDelta(t, 7.0, result.AvgFrequencyDays, 1e-9)
	assert.InDelta(t, 1.0/7.0, result.AvgConsumptionRate, 1e-9)
}

func TestPredict_UnsortedHistory(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	result := engine.Predict(Input{Purchases: purchasesAt(14, 0, 7)}, day0.AddDate(0, 0, 15))

	require.NotNil(t, result.PredictedRunOutDate)
	assert.True(t, result.PredictedRunOutDate.Equal(day0.AddDate(0, 0, 21)))
}

func TestPredict_ConfidenceTiers(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	tests := []struct {
		name  string
		input Input
		now   time.Time
		want  model.Confidence
	}{
		{
			name:  "regular and recent is high",
			input: Input{Purchases: purchasesAt(0, 7, 14, 21)},
			now:   day0.AddDate(0, 0, 25),
			want:  model.ConfidenceHigh,
		},
		{
			name:  "two purchases caps at medium",
			input: Input{Purchases: purchasesAt(0, 7)},
			now:   day0.AddDate(0, 0, 8),
			want:  model.ConfidenceMedium,
		},
		{
			name:  "irregular intervals drop to medium",
			input: Input{Purchases: purchasesAt(0, 2, 14, 16)},
			now:   day0.AddDate(0, 0, 17),
			want:  model.ConfidenceMedium,
		},
		{
			name:  "stale latest purchase drops to medium",
			input: Input{Purchases: purchasesAt(0, 7, 14)},
			now:   day0.AddDate(0, 0, 14+30),
			want:  model.ConfidenceMedium,
		},
		{
			name:  "single purchase is low",
			input: Input{Purchases: purchasesAt(0)},
			now:   day0,
			want:  model.ConfidenceLow,
		},
		{
			name:  "nothing is none",
			input: Input{},
			now:   day0,
			want:  model.ConfidenceNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Predict(tt.input, tt.now).Confidence)
		})
	}
}

func TestPredict_VarianceBoundary(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	// Intervals 8 and 12: mean 10, stddev 2, exactly 20% of the mean.
	atBoundary := engine.Predict(Input{Purchases: purchasesAt(0, 8, 20)}, day0.AddDate(0, 0, 21))
	assert.Equal(t, model.ConfidenceMedium, atBoundary.Confidence)

	// Intervals 9 and 11: stddev 1, 10% of the mean.
	inside := engine.Predict(Input{Purchases: purchasesAt(0, 9, 20)}, day0.AddDate(0, 0, 21))
	assert.Equal(t, model.ConfidenceHigh, inside.Confidence)
}

func TestPredict_TeachModeStaysLow(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	created := day0
	noHistory := engine.Predict(Input{CreatedAt: created, TeachMode: true, TeachModeFrequencyDays: 30, Quantity: 2}, day0)
	require.NotNil(t, noHistory.PredictedRunOutDate)
	assert.True(t, noHistory.PredictedRunOutDate.Equal(created.AddDate(0, 0, 30)))
	assert.Equal(t, model.ConfidenceLow, noHistory.Confidence)
	assert.InDelta(t, 30.0, noHistory.AvgFrequencyDays, 1e-9)
	assert.InDelta(t, 2.0/30.0, noHistory.AvgConsumptionRate, 1e-9)

	onePurchase := engine.Predict(Input{
		CreatedAt:              created,
		TeachMode:              true,
		TeachModeFrequencyDays: 7,
		Purchases:              purchasesAt(3),
	}, day0.AddDate(0, 0, 3))
	require.NotNil(t, onePurchase.PredictedRunOutDate)
	assert.True(t, onePurchase.PredictedRunOutDate.Equal(day0.AddDate(0, 0, 10)))
	assert.Equal(t, model.ConfidenceLow, onePurchase.Confidence)

	// A second real purchase hands over to the statistical path.
	twoPurchases := engine.Predict(Input{
		TeachMode:              true,
		TeachModeFrequencyDays: 7,
		Purchases:              purchasesAt(3, 10),
	}, day0.AddDate(0, 0, 10))
	assert.Equal(t, model.ConfidenceMedium, twoPurchases.Confidence)
}

func TestPredict_ZeroMeanHasNoDate(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	result := engine.Predict(Input{Purchases: purchasesAt(5, 5, 5)}, day0.AddDate(0, 0, 5))

	assert.Nil(t, result.PredictedRunOutDate)
	assert.Equal(t, model.ConfidenceLow, result.Confidence)
	assert.Zero(t, result.AvgFrequencyDays)
}

func TestPredict_Deterministic(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	in := Input{Purchases: purchasesAt(0, 6, 13, 21)}
	now := day0.AddDate(0, 0, 22)

	assert.Equal(t, engine.Predict(in, now), engine.Predict(in, now))
}

func TestPredict_ConfigurableThresholds(t *testing.T) {
	strict := NewEngine(Config{HighVarianceRatio: 0.05, RecencyWindowDays: 30})

	result := strict.Predict(Input{Purchases: purchasesAt(0, 9, 20)}, day0.AddDate(0, 0, 21))
	assert.Equal(t, model.ConfidenceMedium, result.Confidence)

	assert.Equal(t, DefaultConfig(), NewEngine(Config{}).Config())
}

func TestInputForAndApply(t *testing.T) {
	item := &model.Item{CreatedAt: day0, TeachMode: true, TeachModeFrequencyDays: 14, Quantity: 1}
	txns := []model.Transaction{
		{Date: day0, Quantity: 2},
		{Date: day0.AddDate(0, 0, 10), Quantity: 2},
	}

	engine := NewEngine(DefaultConfig())
	Apply(item, engine.Predict(InputFor(item, txns), day0.AddDate(0, 0, 10)))

	require.NotNil(t, item.PredictedRunOutDate)
	assert.True(t, item.PredictedRunOutDate.Equal(day0.AddDate(0, 0, 20)))
	assert.Equal(t, model.ConfidenceMedium, item.PredictionConfidence)
	assert.InDelta(t, 0.2, item.AvgConsumptionRate, 1e-9)
}
