package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidentTopK(t *testing.T) {
	s := PerModel(Confident(2))
	got := s.Aggregate(EnsembleResult{PerModel: [][]float64{{0.9, 0.95, 0.4, 0.55}}})
	assert.InDelta(t, 0.925, got, 1e-9)
}

func TestConfidentIsOrderIndependent(t *testing.T) {
	s := PerModel(Confident(2))
	orders := [][]float64{
		{0.9, 0.95, 0.4, 0.55},
		{0.55, 0.4, 0.95, 0.9},
		{0.4, 0.9, 0.55, 0.95},
	}
	for _, scores := range orders {
		assert.InDelta(t, 0.925, s.Aggregate(EnsembleResult{PerModel: [][]float64{scores}}), 1e-9)
	}
}

func TestConfidentTieBreakIsDeterministic(t *testing.T) {
	r := Confident(1)
	assert.Equal(t, 0.8, r([]float64{0.2, 0.8}))
	assert.Equal(t, 0.8, r([]float64{0.8, 0.2}))
}

func TestConfidentKLargerThanInput(t *testing.T) {
	assert.InDelta(t, 0.5, Confident(10)([]float64{0.25, 0.75}), 1e-9)
	assert.InDelta(t, 0.5, Confident(0)([]float64{0.25, 0.75}), 1e-9)
}

func TestPerModelAveragesAcrossModels(t *testing.T) {
	s := PerModel(Confident(2))
	got := s.Aggregate(EnsembleResult{PerModel: [][]float64{
		{0.9, 0.95, 0.4, 0.55},
		{0.1, 0.2, 0.45},
		{},
	}})
	// model 1 -> 0.925, model 2 -> mean(0.1, 0.2) = 0.15, empty model ignored
	assert.InDelta(t, (0.925+0.15)/2, got, 1e-9)
}

func TestAlternativeReducers(t *testing.T) {
	scores := []float64{0.1, 0.7, 0.3, 0.9}
	tests := []struct {
		name string
		s    Strategy
		want float64
	}{
		{name: "mean", s: PerModel(Mean), want: 0.5},
		{name: "max", s: PerModel(Max), want: 0.9},
		{name: "median", s: PerModel(Median), want: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.s.Aggregate(EnsembleResult{PerModel: [][]float64{scores}}), 1e-9)
		})
	}
	assert.InDelta(t, 0.3, Median([]float64{0.9, 0.3, 0.1}), 1e-9)
}

func TestThresholdRule(t *testing.T) {
	r := Threshold(0.8)

	manyFakes := make([]float64, 0, 20)
	for i := 0; i < 12; i++ {
		manyFakes = append(manyFakes, 0.9)
	}
	for i := 0; i < 8; i++ {
		manyFakes = append(manyFakes, 0.1)
	}
	assert.InDelta(t, 0.9, r(manyFakes), 1e-9)

	mostlyReal := make([]float64, 0, 20)
	for i := 0; i < 19; i++ {
		mostlyReal = append(mostlyReal, 0.1)
	}
	mostlyReal = append(mostlyReal, 0.9)
	assert.InDelta(t, 0.1, r(mostlyReal), 1e-9)

	assert.InDelta(t, 0.5, r([]float64{0.3, 0.7}), 1e-9)
}

func TestEmptyInputIsNeutral(t *testing.T) {
	for _, name := range []string{"confident", "mean", "max", "median", "threshold"} {
		s, err := ByName(name, 2)
		require.NoError(t, err)
		assert.Equal(t, 0.5, s.Aggregate(EnsembleResult{}), name)
		assert.Equal(t, 0.5, s.Aggregate(EnsembleResult{PerModel: [][]float64{nil}}), name)
	}
}

func TestByNameRejectsUnknown(t *testing.T) {
	_, err := ByName("vote", 2)
	assert.Error(t, err)
}
