package scorer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clockwiseReference = []float64{0.542, 0.528, 0.522, 0.575, 0.509, 0.506, 0.495}
	clockwiseModulated = []float64{0.502, 0.542, 0.603, 0.775, 0.592, 0.586, 0.635, 0.490}
)

func newTestScorer(t *testing.T, opts ...Option) *Scorer {
	t.Helper()
	s, err := New(clockwiseReference, clockwiseModulated, opts...)
	require.NoError(t, err)
	return s
}

func TestNewRejectsEmptySamples(t *testing.T) {
	_, err := New(nil, clockwiseModulated)
	assert.ErrorIs(t, err, ErrEmptySamples)

	_, err = New(clockwiseReference, []float64{})
	assert.ErrorIs(t, err, ErrEmptySamples)

	_, err = New([]float64{math.NaN()}, clockwiseModulated)
	assert.Error(t, err)
}

func TestScoreIsDeterministic(t *testing.T) {
	s := newTestScorer(t)
	for _, x := range []float64{0, 0.3, 0.52, 0.61, 0.99} {
		assert.Equal(t, s.Score(x), s.Score(x))
	}

	other := newTestScorer(t)
	assert.Equal(t, s.Score(0.58), other.Score(0.58))
}

func TestScoreDirection(t *testing.T) {
	s := newTestScorer(t)

	near := s.Score(0.52)
	assert.False(t, near.Surprising)
	assert.Greater(t, near.LogLikRef, near.LogLikMod)

	far := s.Score(0.75)
	assert.True(t, far.Surprising)
	assert.Less(t, far.PValue, 0.01)
	assert.InDelta(t, 2*math.Abs(far.LogLikRef-far.LogLikMod), far.Statistic, 1e-12)
}

func TestScoreOutOfRangeStaysFinite(t *testing.T) {
	s := newTestScorer(t)
	for _, x := range []float64{-5, 1.5, 1e9, math.Inf(1), math.Inf(-1), math.NaN()} {
		r := s.Score(x)
		assert.False(t, math.IsNaN(r.PValue), "x=%v", x)
		assert.False(t, math.IsInf(r.LogLikRef, 0), "x=%v", x)
		assert.False(t, math.IsInf(r.LogLikMod, 0), "x=%v", x)
		assert.GreaterOrEqual(t, r.PValue, 0.0)
		assert.LessOrEqual(t, r.PValue, 1.0)
	}
	assert.Equal(t, s.Score(1), s.Score(42))
}

func TestWithDomain(t *testing.T) {
	s := newTestScorer(t, WithDomain(0.4, 0.6))
	assert.Equal(t, s.Score(0.6), s.Score(0.9))
	assert.Equal(t, s.Score(0.4), s.Score(-1))
}

func TestSingleComponentMatchesClosedForm(t *testing.T) {
	m := fitMixture([]float64{1, 2, 3}, fitParams{components: 1, regularise: 1e-6, maxIterations: 10, tolerance: 1e-3})
	require.Equal(t, 1, m.Components())

	variance := 2.0/3 + 1e-6
	want := -0.5 * math.Log(2*math.Pi*variance)
	assert.InDelta(t, want, m.LogLikelihood(2), 1e-9)
}

func TestMultiComponentFit(t *testing.T) {
	samples := []float64{0.1, 0.11, 0.12, 0.09, 0.9, 0.91, 0.89, 0.92}
	m := fitMixture(samples, fitParams{components: 2, regularise: 1e-6, maxIterations: 100, tolerance: 1e-6})
	require.Equal(t, 2, m.Components())

	assert.Greater(t, m.LogLikelihood(0.1), m.LogLikelihood(0.5))
	assert.Greater(t, m.LogLikelihood(0.9), m.LogLikelihood(0.5))

	again := fitMixture(samples, fitParams{components: 2, regularise: 1e-6, maxIterations: 100, tolerance: 1e-6})
	assert.Equal(t, m.LogLikelihood(0.42), again.LogLikelihood(0.42))
}

func TestComponentsCappedBySampleCount(t *testing.T) {
	m := fitMixture([]float64{0.5, 0.6}, fitParams{components: 5, regularise: 1e-6, maxIterations: 10, tolerance: 1e-3})
	assert.Equal(t, 2, m.Components())
	assert.False(t, math.IsInf(m.LogLikelihood(0.55), 0))
}
