package scorer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mixture is a fitted one-dimensional Gaussian mixture.
type Mixture struct {
	components []distuv.Normal
	logWeights []float64
}

type fitParams struct {
	components    int
	regularise    float64
	maxIterations int
	tolerance     float64
}

// fitMixture runs expectation-maximisation from a deterministic quantile initialisation, so
// the same samples always produce the same mixture.
func fitMixture(samples []float64, p fitParams) *Mixture {
	k := p.components
	if k < 1 {
		k = 1
	}
	if k > len(samples) {
		k = len(samples)
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	weights := make([]float64, k)
	means := make([]float64, k)
	variances := make([]float64, k)
	for j := 0; j < k; j++ {
		lo, hi := j*len(sorted)/k, (j+1)*len(sorted)/k
		chunk := sorted[lo:hi]
		means[j], variances[j] = stat.PopMeanVariance(chunk, nil)
		variances[j] += p.regularise
		weights[j] = float64(len(chunk)) / float64(len(sorted))
	}
	// A single component is the closed-form maximum likelihood fit already.
	if k > 1 {
		em(samples, weights, means, variances, p)
	}

	m := &Mixture{
		components: make([]distuv.Normal, k),
		logWeights: make([]float64, k),
	}
	for j := 0; j < k; j++ {
		m.components[j] = distuv.Normal{Mu: means[j], Sigma: math.Sqrt(variances[j])}
		m.logWeights[j] = math.Log(weights[j])
	}
	return m
}

func em(samples, weights, means, variances []float64, p fitParams) {
	n, k := len(samples), len(weights)
	resp := make([][]float64, k)
	for j := range resp {
		resp[j] = make([]float64, n)
	}
	logp := make([]float64, k)
	prev := math.Inf(-1)

	for iter := 0; iter < p.maxIterations; iter++ {
		var total float64
		for i, x := range samples {
			for j := 0; j < k; j++ {
				logp[j] = math.Log(weights[j]) + distuv.Normal{Mu: means[j], Sigma: math.Sqrt(variances[j])}.LogProb(x)
			}
			norm := floats.LogSumExp(logp)
			total += norm
			for j := 0; j < k; j++ {
				resp[j][i] = math.Exp(logp[j] - norm)
			}
		}

		for j := 0; j < k; j++ {
			mass := floats.Sum(resp[j])
			if mass < 10*math.SmallestNonzeroFloat64 {
				continue
			}
			means[j], variances[j] = stat.PopMeanVariance(samples, resp[j])
			variances[j] += p.regularise
			weights[j] = mass / float64(n)
		}

		mean := total / float64(n)
		if math.Abs(mean-prev) < p.tolerance {
			return
		}
		prev = mean
	}
}

// LogLikelihood returns the log density of x under the mixture. It is finite for any finite x.
func (m *Mixture) LogLikelihood(x float64) float64 {
	logp := make([]float64, len(m.components))
	for j, c := range m.components {
		logp[j] = m.logWeights[j] + c.LogProb(x)
	}
	return floats.LogSumExp(logp)
}

// Components returns the number of fitted components.
func (m *Mixture) Components() int {
	return len(m.components)
}
