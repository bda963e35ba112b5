package finemap

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model is the read-only surface both engines expose to the query and
// snapshot helpers.
type Model interface {
	Dims() Dims
	Assignment() *mat.Dense
	ExpectedEffects() *mat.Dense
	ELBOTrace() []float64
	Status() FitStatus
	VariantCorrelation(i, j int) float64

	weightPosterior() (mean, variance []*mat.Dense)
	assignmentPrior() []float64
}

// PIP returns the per-variant posterior inclusion probability: one minus the
// probability that no component selects the variant, treating components as
// independent under the variational posterior.
func PIP(m Model) []float64 {
	pi := m.Assignment()
	k, n := pi.Dims()
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		var s float64
		for i := 0; i < k; i++ {
			s += math.Log(1 - pi.At(i, j) + pipGuard)
		}
		out[j] = 1 - math.Exp(s)
	}
	return out
}

// CredibleSets returns, per component, the smallest set of variants whose
// assignment probability sums to at least threshold, together with the set's
// purity: the minimum absolute pairwise correlation among its variants. A
// singleton set has purity 1.
func CredibleSets(m Model, threshold float64) (sets [][]int, purity []float64) {
	pi := m.Assignment()
	k, n := pi.Dims()
	sets = make([][]int, k)
	purity = make([]float64, k)
	order := make([]int, n)
	for i := 0; i < k; i++ {
		for j := range order {
			order[j] = j
		}
		row := pi.RawRowView(i)
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] > row[order[b]]
		})
		var cum float64
		var set []int
		for _, j := range order {
			set = append(set, j)
			cum += row[j]
			if cum >= threshold {
				break
			}
		}
		sort.Ints(set)
		sets[i] = set
		purity[i] = setPurity(m, set)
	}
	return sets, purity
}

func setPurity(m Model, set []int) float64 {
	if len(set) < 2 {
		return 1
	}
	min := math.Inf(1)
	for a := 0; a < len(set); a++ {
		for b := a + 1; b < len(set); b++ {
			r := math.Abs(m.VariantCorrelation(set[a], set[b]))
			if r < min {
				min = r
			}
		}
	}
	return min
}

// expectedEffects flattens the per-component posteriors into a T×N matrix of
// expected effect sizes, summing pi-weighted posterior means over
// components.
func expectedEffects(pi *mat.Dense, weightMean []*mat.Dense) *mat.Dense {
	k, n := pi.Dims()
	t := len(weightMean)
	out := mat.NewDense(t, n, nil)
	tmp := make([]float64, n)
	for i := 0; i < t; i++ {
		row := out.RawRowView(i)
		for c := 0; c < k; c++ {
			floats.MulTo(tmp, pi.RawRowView(c), weightMean[i].RawRowView(c))
			floats.Add(row, tmp)
		}
	}
	return out
}

// importanceOrder returns component indices sorted by descending scale.
func importanceOrder(k int, scale func(int) float64) []int {
	s := make([]float64, k)
	order := make([]int, k)
	for i := 0; i < k; i++ {
		s[i] = scale(i)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return s[order[a]] > s[order[b]] })
	return order
}

func permuteRows(a *mat.Dense, order []int) *mat.Dense {
	_, n := a.Dims()
	out := mat.NewDense(len(order), n, nil)
	for i, src := range order {
		copy(out.RawRowView(i), a.RawRowView(src))
	}
	return out
}

func permuteCols(a *mat.Dense, order []int) *mat.Dense {
	r, _ := a.Dims()
	out := mat.NewDense(r, len(order), nil)
	for i := 0; i < r; i++ {
		for j, src := range order {
			out.Set(i, j, a.At(i, src))
		}
	}
	return out
}

func permuteSlice(s []float64, order []int) []float64 {
	out := make([]float64, len(order))
	for i, src := range order {
		out[i] = s[src]
	}
	return out
}
