package finemap

import (
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// normalKL returns KL(N(mu1, var1) || N(mu2, var2)).
func normalKL(mu1, var1, mu2, var2 float64) float64 {
	d := mu1 - mu2
	return 0.5 * (math.Log(var2/var1) + (var1+d*d)/var2 - 1)
}

// categoricalKL returns KL(p || q) for two distributions on the same
// support. Zero-probability entries of p contribute nothing.
func categoricalKL(p, q []float64) float64 {
	if len(p) != len(q) {
		panic(badAssignPrior)
	}
	var kl float64
	for i, pi := range p {
		if pi <= 0 {
			continue
		}
		kl += pi * (math.Log(pi) - math.Log(q[i]))
	}
	return kl
}

// bernoulliKL returns KL(Bern(p) || Bern(q)).
func bernoulliKL(p, q float64) float64 {
	var kl float64
	if p > 0 {
		kl += p * math.Log(p/q)
	}
	if p < 1 {
		kl += (1 - p) * math.Log((1-p)/(1-q))
	}
	return kl
}

// gammaKL returns KL(Gamma(a1, b1) || Gamma(a2, b2)) in the shape/rate
// parameterization.
func gammaKL(a1, b1, a2, b2 float64) float64 {
	lg1, _ := math.Lgamma(a1)
	lg2, _ := math.Lgamma(a2)
	return (a1-a2)*mathext.Digamma(a1) - lg1 + lg2 +
		a2*(math.Log(b1)-math.Log(b2)) + a1*(b2-b1)/b1
}

// gammaLogPDF evaluates the Gamma(shape, rate) log density at x.
func gammaLogPDF(x, shape, rate float64) float64 {
	return distuv.Gamma{Alpha: shape, Beta: rate}.LogProb(x)
}
