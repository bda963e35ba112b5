package finemap

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SummaryModel is the covariance-based inference engine. It consumes LD
// matrices and a moment-form outcome matrix (one outcome-correlation row per
// tissue) and infers, per component, a categorical posterior over which
// variant is causal together with Gaussian effect-size posteriors.
//
// The observed statistics live in the basis of a second covariance matrix;
// the transform between the two bases is solved once at construction.
type SummaryModel struct {
	fitState

	y *mat.Dense // T×N outcome in moment form

	ld       []*mat.Dense // R1: effect-propagation LD, length 1 or T
	xform    []*mat.Dense // R2⁻¹·R1
	gram     []*mat.Dense // R1·R2⁻¹·R1
	gramDiag [][]float64

	dims Dims

	pi         *mat.Dense   // K×N assignment posteriors, one simplex per row
	weightMean []*mat.Dense // per tissue, K×N
	weightVar  []*mat.Dense // per tissue, K×N, strictly positive
	active     *mat.Dense   // T×K soft inclusion, carried but never updated

	priorPrec     *mat.Dense // T×K prior weight precision (ARD target)
	compPrec      []float64  // K per-component precision factor
	priorActivity []float64  // K
	priorPi       []float64  // N

	// Gamma hyperprior on the ARD precision point estimate.
	shape0, rate0 float64

	cache *momentCache
}

var _ Model = (*SummaryModel)(nil)

// NewSummaryModel builds the covariance-based engine. ld holds the LD
// matrices (a single N×N matrix, or one per outcome channel), basis the N×N
// covariance matrix the observed outcome moments are expressed in, and y the
// T×N outcome matrix. k is the number of causal components. Dimension
// mismatches panic; an unsolvable basis returns ErrSingular.
func NewSummaryModel(ld []*mat.Dense, basis *mat.Dense, y *mat.Dense, k int, cfg *ModelConfig) (*SummaryModel, error) {
	if k <= 0 {
		panic(badComponents)
	}
	t, n := y.Dims()
	if len(ld) != 1 && len(ld) != t {
		panic(badLDDims)
	}
	for _, r := range ld {
		rn, rc := r.Dims()
		if rn != n || rc != n {
			panic(badLDDims)
		}
	}
	bn, bc := basis.Dims()
	if bn != n || bc != n {
		panic(badBasisDims)
	}
	c := cfg.withDefaults(n)

	m := &SummaryModel{
		y:      mat.DenseCopyOf(y),
		ld:     ld,
		dims:   Dims{T: t, N: n, K: k},
		shape0: 1,
		rate0:  1e-10,
		cache:  newMomentCache(k, false),
	}
	m.tolerance = c.Tolerance

	// Solve the basis transform once; ill-conditioning is a construction
	// failure, not something to discover mid-fit.
	m.xform = make([]*mat.Dense, len(ld))
	m.gram = make([]*mat.Dense, len(ld))
	m.gramDiag = make([][]float64, len(ld))
	for i, r := range ld {
		var x mat.Dense
		if err := x.Solve(basis, r); err != nil {
			return nil, ErrSingular
		}
		var g mat.Dense
		g.Mul(r, &x)
		m.xform[i] = &x
		m.gram[i] = &g
		d := make([]float64, n)
		for j := 0; j < n; j++ {
			d[j] = g.At(j, j)
		}
		m.gramDiag[i] = d
	}

	m.pi = mat.NewDense(k, n, nil)
	for i := 0; i < k; i++ {
		copy(m.pi.RawRowView(i), c.PriorAssignment)
	}
	m.priorPi = c.PriorAssignment

	m.priorPrec = mat.NewDense(t, k, nil)
	m.compPrec = make([]float64, k)
	m.priorActivity = make([]float64, k)
	for i := 0; i < k; i++ {
		m.compPrec[i] = 1
		m.priorActivity[i] = c.PriorActivity
	}
	for i := 0; i < t; i++ {
		for j := 0; j < k; j++ {
			m.priorPrec.Set(i, j, 1/c.PriorVariance)
		}
	}

	// Start the weight variances at their no-data conditional value so the
	// first assignment update sees a sensible Occam penalty.
	v0 := c.PriorVariance / (c.PriorVariance + 1)
	m.weightMean = make([]*mat.Dense, t)
	m.weightVar = make([]*mat.Dense, t)
	for i := 0; i < t; i++ {
		m.weightMean[i] = mat.NewDense(k, n, nil)
		wv := mat.NewDense(k, n, nil)
		for j := 0; j < k; j++ {
			row := wv.RawRowView(j)
			for l := range row {
				row[l] = v0
			}
		}
		m.weightVar[i] = wv
	}

	m.active = mat.NewDense(t, k, nil)
	for i := 0; i < t; i++ {
		for j := 0; j < k; j++ {
			m.active.Set(i, j, 1)
		}
	}
	return m, nil
}

// Dims returns the model dimensions.
func (m *SummaryModel) Dims() Dims { return m.dims }

func (m *SummaryModel) state() *fitState { return &m.fitState }

// priorVariance is the effective prior variance of the (tissue, component)
// weight under the current precision estimates.
func (m *SummaryModel) priorVariance(t, k int) float64 {
	return 1 / (m.priorPrec.At(t, k) * m.compPrec[k])
}

func (m *SummaryModel) ldFor(t int) *mat.Dense {
	if len(m.ld) == 1 {
		return m.ld[0]
	}
	return m.ld[t]
}

func (m *SummaryModel) xformFor(t int) *mat.Dense {
	if len(m.xform) == 1 {
		return m.xform[0]
	}
	return m.xform[t]
}

func (m *SummaryModel) gramFor(t int) *mat.Dense {
	if len(m.gram) == 1 {
		return m.gram[0]
	}
	return m.gram[t]
}

func (m *SummaryModel) gramDiagFor(t int) []float64 {
	if len(m.gramDiag) == 1 {
		return m.gramDiag[0]
	}
	return m.gramDiag[t]
}

// componentPrediction returns component k's cached contribution to the
// prediction: active[t,k] * (pi[k] ∘ weight[t,k]) · R1.
func (m *SummaryModel) componentPrediction(k int) *mat.Dense {
	first, _ := m.cache.get(k, func() (*mat.Dense, *mat.Dense) {
		return m.computeComponentPrediction(k), nil
	})
	return first
}

func (m *SummaryModel) computeComponentPrediction(k int) *mat.Dense {
	out := mat.NewDense(m.dims.T, m.dims.N, nil)
	v := make([]float64, m.dims.N)
	res := mat.NewVecDense(m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		a := m.active.At(t, k)
		if a == 0 {
			continue
		}
		floats.MulTo(v, m.pi.RawRowView(k), m.weightMean[t].RawRowView(k))
		res.MulVec(m.ldFor(t).T(), mat.NewVecDense(m.dims.N, v))
		row := out.RawRowView(t)
		for j := range row {
			row[j] = a * res.AtVec(j)
		}
	}
	return out
}

// prediction sums every component's contribution, optionally leaving one
// component out. exclude < 0 means none.
func (m *SummaryModel) prediction(exclude int) *mat.Dense {
	out := mat.NewDense(m.dims.T, m.dims.N, nil)
	for k := 0; k < m.dims.K; k++ {
		if k == exclude {
			continue
		}
		out.Add(out, m.componentPrediction(k))
	}
	return out
}

// Predict returns the model's expected outcome matrix under the current
// posteriors.
func (m *SummaryModel) Predict() *mat.Dense { return m.prediction(-1) }

// residual is the observed outcome minus the prediction, excluding one
// component when asked. exclude < 0 means none.
func (m *SummaryModel) residual(exclude int) *mat.Dense {
	r := mat.DenseCopyOf(m.y)
	r.Sub(r, m.prediction(exclude))
	return r
}

// updateWeightComponent performs the conjugate Gaussian coordinate update
// for component k against a residual that excludes k's own contribution.
func (m *SummaryModel) updateWeightComponent(k int, resid *mat.Dense, ard bool) {
	if ard {
		m.updateARDComponent(k)
	}
	proj := mat.NewVecDense(m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		proj.MulVec(m.xformFor(t).T(), mat.NewVecDense(m.dims.N, resid.RawRowView(t)))
		d := m.gramDiagFor(t)
		pv := m.priorVariance(t, k)
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		for j := 0; j < m.dims.N; j++ {
			v := 1 / (d[j] + 1/pv)
			wv[j] = v
			wm[j] = proj.AtVec(j) * v
		}
	}
	m.cache.invalidate(k)
}

// updateARDComponent refreshes the prior weight precision for component k as
// the mode of its Gamma posterior, clipped into a safe range so a degenerate
// estimate cannot collapse the Gaussian update.
func (m *SummaryModel) updateARDComponent(k int) {
	for t := 0; t < m.dims.T; t++ {
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		pik := m.pi.RawRowView(k)
		var sm float64
		for j := range pik {
			sm += (wv[j] + wm[j]*wm[j]) * pik[j]
		}
		shape := m.shape0 + 0.5
		rate := m.rate0 + 0.5*sm*m.compPrec[k]
		m.priorPrec.Set(t, k, clip((shape-1)/rate, minARDPrecision, maxARDPrecision))
	}
}

// updatePiComponent recomputes component k's categorical posterior over
// variants. Per variant the log score combines the expected data likelihood
// across tissues, the weight-posterior KL against its prior (an Occam
// penalty), and the log prior assignment probability.
func (m *SummaryModel) updatePiComponent(k int, resid *mat.Dense) {
	score := make([]float64, m.dims.N)
	for j := range score {
		score[j] = math.Log(m.priorPi[j])
	}
	proj := mat.NewVecDense(m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		a := m.active.At(t, k)
		if a == 0 {
			continue
		}
		proj.MulVec(m.xformFor(t).T(), mat.NewVecDense(m.dims.N, resid.RawRowView(t)))
		d := m.gramDiagFor(t)
		pv := m.priorVariance(t, k)
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		for j := 0; j < m.dims.N; j++ {
			s := proj.AtVec(j)*wm[j] -
				0.5*(wm[j]*wm[j]+wv[j])*d[j] -
				normalKL(wm[j], wv[j], 0, pv)
			score[j] += a * s
		}
	}
	softmax(m.pi.RawRowView(k), score)
	m.cache.invalidate(k)
}

// sweep runs one block-coordinate pass: per component the residual is
// reconstituted, weights then assignment updated, and the fresh contribution
// deflated again before moving on.
func (m *SummaryModel) sweep(opt *FitOptions) {
	resid := m.residual(-1)
	for k := 0; k < m.dims.K; k++ {
		resid.Add(resid, m.componentPrediction(k))
		if opt.UpdateWeights {
			m.updateWeightComponent(k, resid, opt.ARDWeights)
		}
		if opt.UpdatePi {
			m.updatePiComponent(k, resid)
		}
		resid.Sub(resid, m.componentPrediction(k))
	}
}

// Fit runs coordinate ascent until the ELBO change drops below the model
// tolerance or opt.MaxIter is exhausted. A nil opt uses DefaultFitOptions.
func (m *SummaryModel) Fit(opt *FitOptions) FitResult {
	return runFit(m, opt)
}

// ELBO evaluates the evidence lower bound under the current posteriors.
func (m *SummaryModel) ELBO() float64 { return m.elbo() }

func (m *SummaryModel) elbo() float64 {
	T, N, K := m.dims.T, m.dims.N, m.dims.K
	var ec, kl float64

	p := make([]float64, N)
	proj := mat.NewVecDense(N, nil)
	z := mat.NewDense(K, N, nil)
	gz := mat.NewDense(K, N, nil)
	gzRow := mat.NewVecDense(N, nil)
	for t := 0; t < T; t++ {
		proj.MulVec(m.xformFor(t).T(), mat.NewVecDense(N, m.y.RawRowView(t)))

		for k := 0; k < K; k++ {
			floats.MulTo(z.RawRowView(k), m.pi.RawRowView(k), m.weightMean[t].RawRowView(k))
		}

		// Linear data term, with component activity weighting.
		for j := range p {
			p[j] = 0
		}
		for k := 0; k < K; k++ {
			floats.AddScaled(p, m.active.At(t, k), z.RawRowView(k))
		}
		ec += floats.Dot(proj.RawVector().Data, p)

		// Cross-component quadratic terms (off-diagonal pairs only; the
		// diagonal is replaced by the exact second moment below).
		for k := 0; k < K; k++ {
			gzRow.MulVec(m.gramFor(t), mat.NewVecDense(N, z.RawRowView(k)))
			copy(gz.RawRowView(k), gzRow.RawVector().Data)
		}
		for k1 := 0; k1 < K; k1++ {
			for k2 := k1 + 1; k2 < K; k2++ {
				ec -= floats.Dot(z.RawRowView(k1), gz.RawRowView(k2))
			}
		}

		// Exact per-component second moment against the Gram diagonal.
		d := m.gramDiagFor(t)
		for k := 0; k < K; k++ {
			wm := m.weightMean[t].RawRowView(k)
			wv := m.weightVar[t].RawRowView(k)
			pik := m.pi.RawRowView(k)
			a := m.active.At(t, k)
			for j := 0; j < N; j++ {
				ec -= 0.5 * a * (wm[j]*wm[j] + wv[j]) * pik[j] * d[j]
			}
		}
	}

	for t := 0; t < T; t++ {
		for k := 0; k < K; k++ {
			pv := m.priorVariance(t, k)
			a := m.active.At(t, k)
			wm := m.weightMean[t].RawRowView(k)
			wv := m.weightVar[t].RawRowView(k)
			pik := m.pi.RawRowView(k)
			for j := 0; j < N; j++ {
				kl += normalKL(wm[j], wv[j], 0, pv) * a * pik[j]
			}
			kl += bernoulliKL(a, m.priorActivity[k])
			ec += gammaLogPDF(m.priorPrec.At(t, k), m.shape0, m.rate0)
		}
	}
	for k := 0; k < K; k++ {
		kl += categoricalKL(m.pi.RawRowView(k), m.priorPi)
	}
	return ec - kl
}

func (m *SummaryModel) validate() {
	for t := 0; t < m.dims.T; t++ {
		for k := 0; k < m.dims.K; k++ {
			if !allFinite(m.weightMean[t].RawRowView(k)) || !allFinite(m.weightVar[t].RawRowView(k)) {
				panic(badNaN)
			}
		}
	}
	for k := 0; k < m.dims.K; k++ {
		if !allFinite(m.pi.RawRowView(k)) {
			panic(badNaN)
		}
	}
}

// componentScale is the importance used for sorting: the largest absolute
// expected weight of the component across tissues.
func (m *SummaryModel) componentScale(k int) float64 {
	var mx float64
	for t := 0; t < m.dims.T; t++ {
		e := floats.Dot(m.pi.RawRowView(k), m.weightMean[t].RawRowView(k))
		if a := math.Abs(e); a > mx {
			mx = a
		}
	}
	return mx
}

// SortComponents reorders components so the largest effects come first.
// The reorder breaks the index-to-component identity, so every cached
// moment contribution is dropped. The overall prediction is unchanged.
func (m *SummaryModel) SortComponents() {
	order := importanceOrder(m.dims.K, m.componentScale)
	m.pi = permuteRows(m.pi, order)
	for t := 0; t < m.dims.T; t++ {
		m.weightMean[t] = permuteRows(m.weightMean[t], order)
		m.weightVar[t] = permuteRows(m.weightVar[t], order)
	}
	m.active = permuteCols(m.active, order)
	m.priorPrec = permuteCols(m.priorPrec, order)
	m.compPrec = permuteSlice(m.compPrec, order)
	m.priorActivity = permuteSlice(m.priorActivity, order)
	m.cache.invalidateAll()
}

// Assignment returns a copy of the K×N assignment probability matrix.
func (m *SummaryModel) Assignment() *mat.Dense { return mat.DenseCopyOf(m.pi) }

// ExpectedEffects returns the T×N matrix of expected effect sizes E[z·w].
func (m *SummaryModel) ExpectedEffects() *mat.Dense {
	return expectedEffects(m.pi, m.weightMean)
}

// VariantCorrelation returns the correlation between variants i and j under
// the model's LD structure (the first LD channel when one per tissue was
// supplied).
func (m *SummaryModel) VariantCorrelation(i, j int) float64 {
	if i < 0 || j < 0 || i >= m.dims.N || j >= m.dims.N {
		panic(badVariantIndex)
	}
	r := m.ld[0]
	return r.At(i, j) / math.Sqrt(r.At(i, i)*r.At(j, j))
}

func (m *SummaryModel) weightPosterior() (mean, variance []*mat.Dense) {
	return m.weightMean, m.weightVar
}

func (m *SummaryModel) assignmentPrior() []float64 { return m.priorPi }
