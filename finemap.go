// Package finemap implements coordinate-ascent variational inference for
// sparse multiple-regression fine-mapping: identifying which genetic variants
// drive associations shared across correlated outcome channels (tissues),
// and whether distinct channels share the same causal variant.
//
// Two engines implement the same latent model. SummaryModel operates on
// second-moment (LD/covariance) data, GenotypeModel on raw per-sample
// genotype and expression matrices with missing-value masking. Both expose
// their fitted state through the read-only Model interface consumed by the
// query and snapshot helpers.
package finemap

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	badOutcomeDims    = "finemap: outcome matrix dimension mismatch"
	badLDDims         = "finemap: LD matrix dimension mismatch"
	badBasisDims      = "finemap: covariance basis dimension mismatch"
	badGenotypeDims   = "finemap: genotype matrix dimension mismatch"
	badCovariateDims  = "finemap: covariate design dimension mismatch"
	badComponents     = "finemap: non-positive component count"
	badAssignPrior    = "finemap: invalid assignment prior"
	badVariantIndex   = "finemap: variant index out of range"
	badNaN            = "finemap: NaN in posterior state"
)

// ErrSingular is returned when the covariance basis cannot be solved against
// the LD matrix at construction.
var ErrSingular = errors.New("finemap: covariance basis singular or near singular")

// ARD precision point estimates are clipped into this range rather than
// allowed to collapse the Gaussian weight update.
const (
	minARDPrecision = 1e-10
	maxARDPrecision = 1e5
)

// pipGuard keeps log(1-pi) finite when an assignment saturates at 1.
const pipGuard = 1e-10

// Dims holds the model dimensions: T outcome channels, N candidate variants,
// M samples (zero for the summary engine) and K components.
type Dims struct {
	T, N, M, K int
}

// ModelConfig carries the prior and convergence settings shared by both
// engines. The zero value is usable: constructors fill in defaults.
type ModelConfig struct {
	// PriorVariance is the prior variance of a component effect size.
	// Defaults to 1.
	PriorVariance float64

	// PriorActivity is the prior inclusion probability of a component in an
	// outcome channel (summary engine only). Defaults to 1.
	PriorActivity float64

	// PriorAssignment is the prior categorical distribution over which
	// variant a component selects. Defaults to uniform. Entries must be
	// non-negative with a positive sum; the constructor normalizes.
	PriorAssignment []float64

	// Tolerance is the absolute ELBO change below which the fit is declared
	// converged. Defaults to 1e-5.
	Tolerance float64
}

func (c *ModelConfig) withDefaults(n int) ModelConfig {
	var cfg ModelConfig
	if c != nil {
		cfg = *c
	}
	if cfg.PriorVariance <= 0 {
		cfg.PriorVariance = 1
	}
	if cfg.PriorActivity <= 0 {
		cfg.PriorActivity = 1
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-5
	}
	if cfg.PriorAssignment == nil {
		u := make([]float64, n)
		for i := range u {
			u[i] = 1 / float64(n)
		}
		cfg.PriorAssignment = u
	} else {
		if len(cfg.PriorAssignment) != n {
			panic(badAssignPrior)
		}
		sum := floats.Sum(cfg.PriorAssignment)
		if !(sum > 0) || floats.Min(cfg.PriorAssignment) < 0 {
			panic(badAssignPrior)
		}
		p := make([]float64, n)
		copy(p, cfg.PriorAssignment)
		floats.Scale(1/sum, p)
		cfg.PriorAssignment = p
	}
	return cfg
}

func clip(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// softmax writes the normalized exponential of score into dst using the
// max-subtraction form, so the result is a simplex regardless of the scale
// of the scores.
func softmax(dst, score []float64) {
	mx := floats.Max(score)
	var sum float64
	for i, s := range score {
		e := math.Exp(s - mx)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
