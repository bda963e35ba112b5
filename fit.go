package finemap

import (
	"log"
	"math"
)

// FitStatus tracks where a model is in its fitting lifecycle.
type FitStatus int

const (
	NotStarted FitStatus = iota
	Iterating
	Converged
	MaxIterReached
)

func (s FitStatus) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max iterations reached"
	}
	return "unknown"
}

// elboSlack is the floating-point tolerance below which an ELBO decrease is
// treated as arithmetic noise rather than a defect in the update sequence.
const elboSlack = 1e-6

// FitOptions selects which update rules run during a fit and how the fit is
// driven. Use DefaultFitOptions as the base; the zero value disables every
// update rule.
type FitOptions struct {
	MaxIter int

	UpdateWeights          bool
	UpdatePi               bool
	UpdateVariance         bool // sample engine: tissue noise precision
	UpdateCovariateWeights bool // sample engine: nuisance regression
	ARDWeights             bool

	// Validate scans posterior arrays for NaN after each iteration and
	// panics on corruption instead of letting it propagate silently.
	Validate bool

	// Logger receives per-iteration ELBO lines and convergence messages.
	// Nil means silent.
	Logger *log.Logger
}

// DefaultFitOptions enables every update rule except ARD, with a 1000
// iteration cap.
func DefaultFitOptions() *FitOptions {
	return &FitOptions{
		MaxIter:                1000,
		UpdateWeights:          true,
		UpdatePi:               true,
		UpdateVariance:         true,
		UpdateCovariateWeights: true,
		Validate:               true,
	}
}

func (o *FitOptions) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// FitResult summarizes a fit run. ELBODecreases counts iterations whose
// objective dropped by more than floating-point slack; a nonzero count
// signals a defect in the configured update sequence and is surfaced here
// rather than absorbed.
type FitResult struct {
	Status        FitStatus
	Iterations    int
	ELBODecreases int
}

// fitState is the convergence bookkeeping embedded in both engines.
type fitState struct {
	elbos     []float64
	status    FitStatus
	tolerance float64
}

// ELBOTrace returns a copy of the objective values recorded so far, one per
// completed outer iteration.
func (s *fitState) ELBOTrace() []float64 {
	return append([]float64(nil), s.elbos...)
}

// Status returns the model's position in the fitting lifecycle.
func (s *fitState) Status() FitStatus { return s.status }

func (s *fitState) converged() bool {
	n := len(s.elbos)
	if n < 2 {
		return false
	}
	return math.Abs(s.elbos[n-1]-s.elbos[n-2]) < s.tolerance
}

// engine is the surface the fit driver needs from either model.
type engine interface {
	sweep(opt *FitOptions)
	elbo() float64
	validate()
	state() *fitState
}

// runFit drives the outer CAVI loop: sweep all components in index order,
// record the objective, stop on convergence or the iteration cap. Panics
// from update rules propagate to the caller untouched.
func runFit(e engine, opt *FitOptions) FitResult {
	if opt == nil {
		opt = DefaultFitOptions()
	}
	st := e.state()
	st.status = Iterating
	var res FitResult
	for i := 0; i < opt.MaxIter; i++ {
		e.sweep(opt)
		if opt.Validate {
			e.validate()
		}
		el := e.elbo()
		if n := len(st.elbos); n > 0 && el < st.elbos[n-1]-elboSlack {
			res.ELBODecreases++
			opt.logf("finemap: ELBO decreased by %g at iteration %d", st.elbos[n-1]-el, i)
		}
		st.elbos = append(st.elbos, el)
		res.Iterations = i + 1
		opt.logf("finemap: iteration %d elbo %f", i, el)
		if st.converged() {
			st.status = Converged
			opt.logf("finemap: converged at iteration %d (tolerance %g)", i, st.tolerance)
			break
		}
	}
	if st.status != Converged {
		st.status = MaxIterReached
	}
	res.Status = st.status
	return res
}
