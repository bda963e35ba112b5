package finemap

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulateLD builds an n×n block-diagonal correlation matrix. Within each
// block of blockSize adjacent variants the correlation decays as
// rho^|i-j|; variants in different blocks are uncorrelated. The result is
// positive definite for |rho| < 1.
func SimulateLD(n, blockSize int, rho float64) *mat.SymDense {
	ld := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		ld.SetSym(i, i, 1)
		for j := i + 1; j < n && j/blockSize == i/blockSize; j++ {
			ld.SetSym(i, j, math.Pow(rho, float64(j-i)))
		}
	}
	return ld
}

// SimulateGenotype draws samples from a zero-mean Gaussian with the given
// correlation structure and returns them as an N×M matrix, one column per
// sample. A structure that cannot be factored returns ErrSingular.
func SimulateGenotype(ld mat.Symmetric, samples int, src rand.Source) (*mat.Dense, error) {
	n := ld.SymmetricDim()
	nrm, ok := distmv.NewNormal(make([]float64, n), ld, src)
	if !ok {
		return nil, ErrSingular
	}
	x := mat.NewDense(n, samples, nil)
	v := make([]float64, n)
	for m := 0; m < samples; m++ {
		nrm.Rand(v)
		for i := 0; i < n; i++ {
			x.Set(i, m, v[i])
		}
	}
	return x, nil
}

// SimulateOutcomes generates T×M phenotypes from the genotype matrix: each
// row of effects (T×len(causal)) weights the causal variant rows of x, plus
// Gaussian noise with standard deviation noiseSD.
func SimulateOutcomes(x *mat.Dense, causal []int, effects *mat.Dense, noiseSD float64, src rand.Source) *mat.Dense {
	n, samples := x.Dims()
	t, c := effects.Dims()
	if c != len(causal) {
		panic(badOutcomeDims)
	}
	for _, j := range causal {
		if j < 0 || j >= n {
			panic(badVariantIndex)
		}
	}
	noise := distuv.Normal{Mu: 0, Sigma: noiseSD, Src: src}
	y := mat.NewDense(t, samples, nil)
	for i := 0; i < t; i++ {
		row := y.RawRowView(i)
		for m := 0; m < samples; m++ {
			var s float64
			for ci, j := range causal {
				s += effects.At(i, ci) * x.At(j, m)
			}
			if noiseSD > 0 {
				s += noise.Rand()
			}
			row[m] = s
		}
	}
	return y
}

// SimulateSummary builds noiseless moment-form outcomes for the covariance
// engine: each row of effects (T×len(causal)) spreads its causal signals
// through the LD matrix, giving the T×N expectation of the observed
// statistics.
func SimulateSummary(ld mat.Matrix, causal []int, effects *mat.Dense) *mat.Dense {
	n, _ := ld.Dims()
	t, c := effects.Dims()
	if c != len(causal) {
		panic(badOutcomeDims)
	}
	for _, j := range causal {
		if j < 0 || j >= n {
			panic(badVariantIndex)
		}
	}
	y := mat.NewDense(t, n, nil)
	for i := 0; i < t; i++ {
		row := y.RawRowView(i)
		for ci, j := range causal {
			e := effects.At(i, ci)
			for v := 0; v < n; v++ {
				row[v] += e * ld.At(j, v)
			}
		}
	}
	return y
}

// SampleCorrelation estimates the variant correlation matrix from an N×M
// genotype matrix whose columns are samples.
func SampleCorrelation(x *mat.Dense) *mat.SymDense {
	var corr mat.SymDense
	stat.CorrelationMatrix(&corr, x.T(), nil)
	return &corr
}
