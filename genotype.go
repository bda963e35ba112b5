package finemap

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
)

// GenotypeModel is the sample-based inference engine. It consumes a raw
// genotype matrix and per-tissue phenotype vectors, tolerates missing
// phenotype entries per tissue, learns per-tissue noise precisions, and can
// project out nuisance covariates before fine-mapping.
type GenotypeModel struct {
	fitState

	x  *mat.Dense // N×M genotype
	x2 *mat.Dense // element-squared genotype

	y       *mat.Dense // T×M phenotype as supplied, NaN marks missing
	yFilled *mat.Dense // NaN replaced by zero
	mask    [][]bool   // true where missing
	nObs    []float64  // observed sample count per tissue
	diag    [][]float64

	covariates map[int]*mat.Dense // per tissue, C×M
	covWeights map[int][]float64

	dims Dims

	pi         *mat.Dense
	weightMean []*mat.Dense
	weightVar  []*mat.Dense

	wPrecA, wPrecB *mat.Dense // T×K weight-precision Gamma posteriors
	tauA, tauB     []float64  // per-tissue noise-precision Gamma posteriors

	shapeW, rateW     float64
	shapeTau, rateTau float64

	priorPi []float64

	cache *momentCache
}

var _ Model = (*GenotypeModel)(nil)

// NewGenotypeModel builds the sample-based engine from an N×M genotype
// matrix x and a T×M phenotype matrix y, where NaN entries of y mark samples
// unobserved in that tissue. covariates optionally maps a tissue index to a
// C×M nuisance design whose fit is subtracted from that tissue's phenotype;
// it may be nil. Dimension mismatches and NaN genotypes panic.
func NewGenotypeModel(x, y *mat.Dense, k int, covariates map[int]*mat.Dense, cfg *ModelConfig) *GenotypeModel {
	if k <= 0 {
		panic(badComponents)
	}
	n, samples := x.Dims()
	t, ym := y.Dims()
	if ym != samples {
		panic(badOutcomeDims)
	}
	for i := 0; i < n; i++ {
		if !allFinite(x.RawRowView(i)) {
			panic(badGenotypeDims)
		}
	}
	for tissue, q := range covariates {
		if tissue < 0 || tissue >= t {
			panic(badCovariateDims)
		}
		_, qm := q.Dims()
		if qm != samples {
			panic(badCovariateDims)
		}
	}
	c := cfg.withDefaults(n)

	m := &GenotypeModel{
		x:          mat.DenseCopyOf(x),
		y:          mat.DenseCopyOf(y),
		dims:       Dims{T: t, N: n, M: samples, K: k},
		covWeights: make(map[int][]float64),
		shapeW:     1e-6,
		rateW:      1e-6,
		shapeTau:   1e-6,
		rateTau:    1e-6,
		priorPi:    c.PriorAssignment,
		cache:      newMomentCache(k, true),
	}
	m.tolerance = c.Tolerance

	m.x2 = mat.NewDense(n, samples, nil)
	m.x2.MulElem(m.x, m.x)

	m.yFilled = mat.NewDense(t, samples, nil)
	m.mask = make([][]bool, t)
	m.nObs = make([]float64, t)
	for i := 0; i < t; i++ {
		m.mask[i] = make([]bool, samples)
		for j := 0; j < samples; j++ {
			v := y.At(i, j)
			if math.IsNaN(v) {
				m.mask[i][j] = true
				continue
			}
			m.yFilled.Set(i, j, v)
			m.nObs[i]++
		}
	}

	// Per-tissue diagonal of XᵀX restricted to that tissue's observed
	// samples.
	m.diag = make([][]float64, t)
	for i := 0; i < t; i++ {
		d := make([]float64, n)
		for j := 0; j < n; j++ {
			row := m.x2.RawRowView(j)
			var s float64
			for mm, v := range row {
				if !m.mask[i][mm] {
					s += v
				}
			}
			d[j] = s
		}
		m.diag[i] = d
	}

	if len(covariates) > 0 {
		m.covariates = make(map[int]*mat.Dense, len(covariates))
		for tissue, q := range covariates {
			m.covariates[tissue] = mat.DenseCopyOf(q)
			cc, _ := q.Dims()
			m.covWeights[tissue] = make([]float64, cc)
		}
	}

	m.pi = mat.NewDense(k, n, nil)
	for i := 0; i < k; i++ {
		copy(m.pi.RawRowView(i), c.PriorAssignment)
	}

	m.weightMean = make([]*mat.Dense, t)
	m.weightVar = make([]*mat.Dense, t)
	for i := 0; i < t; i++ {
		m.weightMean[i] = mat.NewDense(k, n, nil)
		wv := mat.NewDense(k, n, nil)
		for j := 0; j < k; j++ {
			row := wv.RawRowView(j)
			for l := range row {
				row[l] = 1
			}
		}
		m.weightVar[i] = wv
	}

	m.wPrecA = mat.NewDense(t, k, nil)
	m.wPrecB = mat.NewDense(t, k, nil)
	for i := 0; i < t; i++ {
		for j := 0; j < k; j++ {
			m.wPrecA.Set(i, j, 1)
			m.wPrecB.Set(i, j, 1)
		}
	}
	m.tauA = make([]float64, t)
	m.tauB = make([]float64, t)
	for i := 0; i < t; i++ {
		m.tauA[i] = 1
		m.tauB[i] = 1
	}
	return m
}

// Dims returns the model dimensions.
func (m *GenotypeModel) Dims() Dims { return m.dims }

func (m *GenotypeModel) state() *fitState { return &m.fitState }

// expectedTau is the posterior mean noise precision of tissue t.
func (m *GenotypeModel) expectedTau(t int) float64 { return m.tauA[t] / m.tauB[t] }

// weightPriorVariance is the posterior-mean prior variance of the
// (tissue, component) weights, 1/E[alpha].
func (m *GenotypeModel) weightPriorVariance(t, k int) float64 {
	return m.wPrecB.At(t, k) / m.wPrecA.At(t, k)
}

func (m *GenotypeModel) zeroMasked(a *mat.Dense) {
	for t := 0; t < m.dims.T; t++ {
		row := a.RawRowView(t)
		for j, masked := range m.mask[t] {
			if masked {
				row[j] = 0
			}
		}
	}
}

// moments returns component k's cached prediction moments: first[t] is the
// expected contribution per sample, second[t] the expected square.
func (m *GenotypeModel) moments(k int) (first, second *mat.Dense) {
	return m.cache.get(k, func() (*mat.Dense, *mat.Dense) {
		return m.computeMoments(k)
	})
}

func (m *GenotypeModel) computeMoments(k int) (first, second *mat.Dense) {
	first = mat.NewDense(m.dims.T, m.dims.M, nil)
	second = mat.NewDense(m.dims.T, m.dims.M, nil)
	v := make([]float64, m.dims.N)
	res := mat.NewVecDense(m.dims.M, nil)
	pik := m.pi.RawRowView(k)
	for t := 0; t < m.dims.T; t++ {
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)

		floats.MulTo(v, pik, wm)
		res.MulVec(m.x.T(), mat.NewVecDense(m.dims.N, v))
		copy(first.RawRowView(t), res.RawVector().Data)

		for j := range v {
			v[j] = pik[j] * (wm[j]*wm[j] + wv[j])
		}
		res.MulVec(m.x2.T(), mat.NewVecDense(m.dims.N, v))
		copy(second.RawRowView(t), res.RawVector().Data)
	}
	return first, second
}

// covariatePrediction is the T×M fit of the nuisance regressions under the
// current covariate weights; rows without covariates are zero.
func (m *GenotypeModel) covariatePrediction() *mat.Dense {
	out := mat.NewDense(m.dims.T, m.dims.M, nil)
	res := mat.NewVecDense(m.dims.M, nil)
	for t, q := range m.covariates {
		w := m.covWeights[t]
		res.MulVec(q.T(), mat.NewVecDense(len(w), w))
		copy(out.RawRowView(t), res.RawVector().Data)
	}
	return out
}

func (m *GenotypeModel) prediction(exclude int, useCov bool) *mat.Dense {
	out := mat.NewDense(m.dims.T, m.dims.M, nil)
	for k := 0; k < m.dims.K; k++ {
		if k == exclude {
			continue
		}
		first, _ := m.moments(k)
		out.Add(out, first)
	}
	if useCov && m.covariates != nil {
		out.Add(out, m.covariatePrediction())
	}
	return out
}

// Predict returns the model's expected phenotype matrix, covariate fit
// included, for all samples whether or not they were observed.
func (m *GenotypeModel) Predict() *mat.Dense { return m.prediction(-1, true) }

// residual subtracts the prediction from the filled phenotypes and zeroes
// masked entries, so downstream sums run over observed samples only.
func (m *GenotypeModel) residual(exclude int, useCov bool) *mat.Dense {
	r := mat.DenseCopyOf(m.yFilled)
	r.Sub(r, m.prediction(exclude, useCov))
	m.zeroMasked(r)
	return r
}

func (m *GenotypeModel) updateWeightComponent(k int, resid *mat.Dense) {
	proj := mat.NewVecDense(m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		proj.MulVec(m.x, mat.NewVecDense(m.dims.M, resid.RawRowView(t)))
		etau := m.expectedTau(t)
		ealpha := m.wPrecA.At(t, k) / m.wPrecB.At(t, k)
		d := m.diag[t]
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		for j := 0; j < m.dims.N; j++ {
			v := 1 / (d[j]*etau + ealpha)
			wv[j] = v
			wm[j] = v * etau * proj.AtVec(j)
		}
	}
	m.cache.invalidate(k)
}

// updateARDComponent refreshes the Gamma posterior on the weight precision
// of component k in each tissue.
func (m *GenotypeModel) updateARDComponent(k int) {
	pik := m.pi.RawRowView(k)
	for t := 0; t < m.dims.T; t++ {
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		var sm float64
		for j := range pik {
			sm += (wv[j] + wm[j]*wm[j]) * pik[j]
		}
		m.wPrecA.Set(t, k, m.shapeW+0.5)
		m.wPrecB.Set(t, k, m.rateW+0.5*sm)
	}
}

func (m *GenotypeModel) updatePiComponent(k int, resid *mat.Dense) {
	score := make([]float64, m.dims.N)
	for j := range score {
		score[j] = math.Log(m.priorPi[j])
	}
	proj := mat.NewVecDense(m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		proj.MulVec(m.x, mat.NewVecDense(m.dims.M, resid.RawRowView(t)))
		etau := m.expectedTau(t)
		pv := m.weightPriorVariance(t, k)
		d := m.diag[t]
		wm := m.weightMean[t].RawRowView(k)
		wv := m.weightVar[t].RawRowView(k)
		for j := 0; j < m.dims.N; j++ {
			score[j] += etau*proj.AtVec(j)*wm[j] -
				0.5*etau*(wm[j]*wm[j]+wv[j])*d[j] -
				normalKL(wm[j], wv[j], 0, pv)
		}
	}
	softmax(m.pi.RawRowView(k), score)
	m.cache.invalidate(k)
}

// updateTissueVariance refreshes the per-tissue noise-precision Gamma
// posteriors from the expected residual sum of squares.
func (m *GenotypeModel) updateTissueVariance(resid *mat.Dense) {
	erss := m.erss(resid)
	for t := 0; t < m.dims.T; t++ {
		m.tauA[t] = m.shapeTau + m.nObs[t]/2
		m.tauB[t] = m.rateTau + erss[t]/2
	}
}

// updateCovariateWeights refits each tissue's nuisance regression by least
// squares on the observed samples of a residual that excludes the covariate
// fit itself. An ill-conditioned design leaves that tissue's weights as they
// were.
func (m *GenotypeModel) updateCovariateWeights(resid *mat.Dense) {
	for t, q := range m.covariates {
		c, _ := q.Dims()
		var mt int
		for _, masked := range m.mask[t] {
			if !masked {
				mt++
			}
		}
		if mt == 0 {
			continue
		}
		design := mat.NewDense(mt, c, nil)
		rhs := mat.NewDense(mt, 1, nil)
		row := resid.RawRowView(t)
		var at int
		for j, masked := range m.mask[t] {
			if masked {
				continue
			}
			for i := 0; i < c; i++ {
				design.Set(at, i, q.At(i, j))
			}
			rhs.Set(at, 0, row[j])
			at++
		}
		var sol mat.Dense
		if err := sol.Solve(design, rhs); err != nil {
			continue
		}
		w := m.covWeights[t]
		for i := 0; i < c; i++ {
			w[i] = sol.At(i, 0)
		}
	}
}

// erss returns the expected residual sum of squares per tissue: the squared
// residual on observed samples plus each component's prediction variance.
func (m *GenotypeModel) erss(resid *mat.Dense) []float64 {
	out := make([]float64, m.dims.T)
	for t := 0; t < m.dims.T; t++ {
		row := resid.RawRowView(t)
		out[t] = floats.Dot(row, row)
	}
	for k := 0; k < m.dims.K; k++ {
		first, second := m.moments(k)
		for t := 0; t < m.dims.T; t++ {
			f := first.RawRowView(t)
			s := second.RawRowView(t)
			var v float64
			for j, masked := range m.mask[t] {
				if masked {
					continue
				}
				v += s[j] - f[j]*f[j]
			}
			out[t] += v
		}
	}
	return out
}

// erssPerComponent computes the same quantity with the component loop
// innermost, as a structural cross-check on the moment bookkeeping.
func (m *GenotypeModel) erssPerComponent(resid *mat.Dense) []float64 {
	out := make([]float64, m.dims.T)
	firsts := make([]*mat.Dense, m.dims.K)
	seconds := make([]*mat.Dense, m.dims.K)
	for k := 0; k < m.dims.K; k++ {
		firsts[k], seconds[k] = m.moments(k)
	}
	for t := 0; t < m.dims.T; t++ {
		row := resid.RawRowView(t)
		var v float64
		for j, masked := range m.mask[t] {
			if masked {
				continue
			}
			v += row[j] * row[j]
			for k := 0; k < m.dims.K; k++ {
				f := firsts[k].At(t, j)
				v += seconds[k].At(t, j) - f*f
			}
		}
		out[t] = v
	}
	return out
}

// erssGram expands the expectation analytically from the phenotypes and the
// observed-sample Gram matrix, independent of any residual bookkeeping.
func (m *GenotypeModel) erssGram() []float64 {
	out := make([]float64, m.dims.T)
	var ybase *mat.Dense
	if m.covariates != nil {
		ybase = mat.DenseCopyOf(m.yFilled)
		ybase.Sub(ybase, m.covariatePrediction())
		m.zeroMasked(ybase)
	} else {
		ybase = m.yFilled
	}
	b := mat.NewDense(m.dims.K, m.dims.N, nil)
	for t := 0; t < m.dims.T; t++ {
		var mt int
		for _, masked := range m.mask[t] {
			if !masked {
				mt++
			}
		}
		if mt == 0 {
			continue
		}
		xm := mat.NewDense(m.dims.N, mt, nil)
		var at int
		for j, masked := range m.mask[t] {
			if masked {
				continue
			}
			for i := 0; i < m.dims.N; i++ {
				xm.Set(i, at, m.x.At(i, j))
			}
			at++
		}

		yrow := ybase.RawRowView(t)
		yy := floats.Dot(yrow, yrow)

		yx := mat.NewVecDense(m.dims.N, nil)
		yx.MulVec(m.x, mat.NewVecDense(m.dims.M, yrow))

		musum := make([]float64, m.dims.N)
		var pt1 float64
		d := m.diag[t]
		for k := 0; k < m.dims.K; k++ {
			pik := m.pi.RawRowView(k)
			wm := m.weightMean[t].RawRowView(k)
			wv := m.weightVar[t].RawRowView(k)
			bk := b.RawRowView(k)
			for j := 0; j < m.dims.N; j++ {
				bk[j] = pik[j] * wm[j]
				musum[j] += bk[j]
				pt1 += pik[j] * (wm[j]*wm[j] + wv[j]) * d[j]
			}
		}

		var bx mat.Dense
		bx.Mul(b, xm)
		var p mat.Dense
		p.Mul(&bx, bx.T())
		var psum, ptr float64
		for k1 := 0; k1 < m.dims.K; k1++ {
			for k2 := 0; k2 < m.dims.K; k2++ {
				psum += p.At(k1, k2)
			}
			ptr += p.At(k1, k1)
		}

		out[t] = yy - 2*floats.Dot(yx.RawVector().Data, musum) + pt1 + psum - ptr
	}
	return out
}

// sweep runs one block-coordinate pass. The covariate regression, when
// configured, is refit first against a residual excluding its own
// contribution; each component then follows the add-back, update, deflate
// protocol; the tissue noise posteriors close the pass.
func (m *GenotypeModel) sweep(opt *FitOptions) {
	resid := m.residual(-1, true)
	if m.covariates != nil && opt.UpdateCovariateWeights {
		resid.Add(resid, m.covariatePrediction())
		m.zeroMasked(resid)
		m.updateCovariateWeights(resid)
		resid.Sub(resid, m.covariatePrediction())
		m.zeroMasked(resid)
	}
	for k := 0; k < m.dims.K; k++ {
		first, _ := m.moments(k)
		resid.Add(resid, first)
		m.zeroMasked(resid)
		if opt.ARDWeights {
			m.updateARDComponent(k)
		}
		if opt.UpdateWeights {
			m.updateWeightComponent(k, resid)
		}
		if opt.UpdatePi {
			m.updatePiComponent(k, resid)
		}
		first, _ = m.moments(k)
		resid.Sub(resid, first)
		m.zeroMasked(resid)
	}
	if opt.UpdateVariance {
		m.updateTissueVariance(resid)
	}
}

// Fit runs coordinate ascent until the ELBO change drops below the model
// tolerance or opt.MaxIter is exhausted. A nil opt uses DefaultFitOptions.
func (m *GenotypeModel) Fit(opt *FitOptions) FitResult {
	return runFit(m, opt)
}

// ELBO evaluates the evidence lower bound under the current posteriors.
func (m *GenotypeModel) ELBO() float64 { return m.elbo() }

func (m *GenotypeModel) elbo() float64 {
	resid := m.residual(-1, true)
	erss := m.erss(resid)

	var ec, kl float64
	for t := 0; t < m.dims.T; t++ {
		etau := m.expectedTau(t)
		elogTau := mathext.Digamma(m.tauA[t]) - math.Log(m.tauB[t])
		ec += -0.5*m.nObs[t]*math.Log(2*math.Pi) +
			0.5*m.nObs[t]*elogTau -
			0.5*etau*erss[t]
		kl += gammaKL(m.tauA[t], m.tauB[t], m.shapeTau, m.rateTau)
	}
	for t := 0; t < m.dims.T; t++ {
		for k := 0; k < m.dims.K; k++ {
			pv := m.weightPriorVariance(t, k)
			wm := m.weightMean[t].RawRowView(k)
			wv := m.weightVar[t].RawRowView(k)
			pik := m.pi.RawRowView(k)
			for j := 0; j < m.dims.N; j++ {
				kl += normalKL(wm[j], wv[j], 0, pv) * pik[j]
			}
			kl += gammaKL(m.wPrecA.At(t, k), m.wPrecB.At(t, k), m.shapeW, m.rateW)
		}
	}
	for k := 0; k < m.dims.K; k++ {
		kl += categoricalKL(m.pi.RawRowView(k), m.priorPi)
	}
	return ec - kl
}

func (m *GenotypeModel) validate() {
	for t := 0; t < m.dims.T; t++ {
		for k := 0; k < m.dims.K; k++ {
			if !allFinite(m.weightMean[t].RawRowView(k)) || !allFinite(m.weightVar[t].RawRowView(k)) {
				panic(badNaN)
			}
		}
		if math.IsNaN(m.tauA[t]) || math.IsNaN(m.tauB[t]) {
			panic(badNaN)
		}
	}
	for k := 0; k < m.dims.K; k++ {
		if !allFinite(m.pi.RawRowView(k)) {
			panic(badNaN)
		}
	}
}

func (m *GenotypeModel) componentScale(k int) float64 {
	var mx float64
	for t := 0; t < m.dims.T; t++ {
		e := floats.Dot(m.pi.RawRowView(k), m.weightMean[t].RawRowView(k))
		if a := math.Abs(e); a > mx {
			mx = a
		}
	}
	return mx
}

// SortComponents reorders components so the largest effects come first and
// drops every cached moment contribution. The overall prediction is
// unchanged.
func (m *GenotypeModel) SortComponents() {
	order := importanceOrder(m.dims.K, m.componentScale)
	m.pi = permuteRows(m.pi, order)
	for t := 0; t < m.dims.T; t++ {
		m.weightMean[t] = permuteRows(m.weightMean[t], order)
		m.weightVar[t] = permuteRows(m.weightVar[t], order)
	}
	m.wPrecA = permuteCols(m.wPrecA, order)
	m.wPrecB = permuteCols(m.wPrecB, order)
	m.cache.invalidateAll()
}

// Assignment returns a copy of the K×N assignment probability matrix.
func (m *GenotypeModel) Assignment() *mat.Dense { return mat.DenseCopyOf(m.pi) }

// ExpectedEffects returns the T×N matrix of expected effect sizes E[z·w].
func (m *GenotypeModel) ExpectedEffects() *mat.Dense {
	return expectedEffects(m.pi, m.weightMean)
}

// VariantCorrelation returns the sample correlation of the two genotype
// rows.
func (m *GenotypeModel) VariantCorrelation(i, j int) float64 {
	if i < 0 || j < 0 || i >= m.dims.N || j >= m.dims.N {
		panic(badVariantIndex)
	}
	if i == j {
		return 1
	}
	return stat.Correlation(m.x.RawRowView(i), m.x.RawRowView(j), nil)
}

func (m *GenotypeModel) weightPosterior() (mean, variance []*mat.Dense) {
	return m.weightMean, m.weightVar
}

func (m *GenotypeModel) assignmentPrior() []float64 { return m.priorPi }
