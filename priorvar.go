package finemap

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// setPriorVariance resets the shared prior effect variance: every
// (tissue, component) precision becomes 1/v and the per-component factors
// return to one.
func (m *SummaryModel) setPriorVariance(v float64) {
	for t := 0; t < m.dims.T; t++ {
		for k := 0; k < m.dims.K; k++ {
			m.priorPrec.Set(t, k, 1/v)
		}
	}
	for k := range m.compPrec {
		m.compPrec[k] = 1
	}
}

// OptimizePriorVariance tunes the prior effect variance by maximizing the
// ELBO over its log, holding the posteriors fixed. Candidates are flat
// across tissues and components; the search runs derivative-free. If it
// fails, or no flat variance beats the current objective, the full
// per-(tissue, component) precision state is restored, so heterogeneous ARD
// estimates survive a rejected call. Returns the variance in effect
// afterwards.
func (m *SummaryModel) OptimizePriorVariance() (float64, error) {
	cur := m.priorVariance(0, 0)
	savedPrec := mat.DenseCopyOf(m.priorPrec)
	savedComp := append([]float64(nil), m.compPrec...)
	restore := func() {
		m.priorPrec.Copy(savedPrec)
		copy(m.compPrec, savedComp)
	}
	base := m.elbo()

	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			m.setPriorVariance(math.Exp(z[0]))
			return -m.elbo()
		},
	}
	res, err := optimize.Minimize(problem, []float64{math.Log(cur)}, nil, &optimize.NelderMead{})
	if err != nil {
		restore()
		return cur, err
	}
	best := math.Exp(res.X[0])
	m.setPriorVariance(best)
	if m.elbo() < base {
		restore()
		return cur, nil
	}
	return best, nil
}
