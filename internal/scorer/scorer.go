// Package scorer classifies a trial outcome by comparing how well two reference mixtures
// explain it.
package scorer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrEmptySamples is returned when a reference sample set is empty.
var ErrEmptySamples = errors.New("reference sample set is empty")

const (
	defaultComponents    = 1
	defaultRegularise    = 1e-6
	defaultMaxIterations = 100
	defaultTolerance     = 1e-3
)

type Option func(*settings)

type settings struct {
	fit        fitParams
	domainLow  float64
	domainHigh float64
}

// WithComponents sets the number of mixture components fitted per sample set.
func WithComponents(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.fit.components = n
		}
	}
}

// WithRegularisation adds reg to every component variance.
func WithRegularisation(reg float64) Option {
	return func(s *settings) {
		if reg > 0 {
			s.fit.regularise = reg
		}
	}
}

func WithMaxIterations(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.fit.maxIterations = n
		}
	}
}

func WithTolerance(tol float64) Option {
	return func(s *settings) {
		if tol > 0 {
			s.fit.tolerance = tol
		}
	}
}

// WithDomain clamps scored observations into [low, high].
func WithDomain(low, high float64) Option {
	return func(s *settings) {
		if low < high {
			s.domainLow, s.domainHigh = low, high
		}
	}
}

// Result is the outcome of scoring one observation.
type Result struct {
	PValue     float64 `json:"p_value"`
	Surprising bool    `json:"surprising"`
	LogLikRef  float64 `json:"loglik_reference"`
	LogLikMod  float64 `json:"loglik_modulated"`
	Statistic  float64 `json:"statistic"`
}

// Scorer holds the reference and modulated mixtures. It is immutable and safe for
// concurrent use.
type Scorer struct {
	reference *Mixture
	modulated *Mixture
	low, high float64
	chiSq     distuv.ChiSquared
}

func New(reference, modulated []float64, opts ...Option) (*Scorer, error) {
	if len(reference) == 0 {
		return nil, fmt.Errorf("reference: %w", ErrEmptySamples)
	}
	if len(modulated) == 0 {
		return nil, fmt.Errorf("modulated: %w", ErrEmptySamples)
	}
	s := settings{
		fit: fitParams{
			components:    defaultComponents,
			regularise:    defaultRegularise,
			maxIterations: defaultMaxIterations,
			tolerance:     defaultTolerance,
		},
		domainLow:  0,
		domainHigh: 1,
	}
	for _, opt := range opts {
		opt(&s)
	}
	for _, set := range [][]float64{reference, modulated} {
		for _, v := range set {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("reference sample %v is not finite", v)
			}
		}
	}

	return &Scorer{
		reference: fitMixture(reference, s.fit),
		modulated: fitMixture(modulated, s.fit),
		low:       s.domainLow,
		high:      s.domainHigh,
		chiSq:     distuv.ChiSquared{K: 1},
	}, nil
}

// Score evaluates x under both mixtures. The statistic is twice the absolute log-likelihood
// difference, tested against a chi-squared distribution with one degree of freedom.
func (s *Scorer) Score(x float64) Result {
	x = s.clamp(x)
	llRef := s.reference.LogLikelihood(x)
	llMod := s.modulated.LogLikelihood(x)
	stat := 2 * math.Abs(llRef-llMod)
	return Result{
		PValue:     s.chiSq.Survival(stat),
		Surprising: llMod > llRef,
		LogLikRef:  llRef,
		LogLikMod:  llMod,
		Statistic:  stat,
	}
}

func (s *Scorer) clamp(x float64) float64 {
	if math.IsNaN(x) {
		return s.low
	}
	return math.Min(s.high, math.Max(s.low, x))
}
