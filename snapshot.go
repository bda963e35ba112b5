package finemap

import "gonum.org/v1/gonum/mat"

// Snapshot is a compact export of a fitted model: the query results worth
// keeping plus the weight posterior restricted to variants whose inclusion
// probability cleared a cutoff. Everything needed to reinstate the full
// weight posterior later travels with it.
type Snapshot struct {
	T, N, K   int
	Tolerance float64

	Assignment      *mat.Dense // K×N
	AssignmentPrior []float64
	ELBO            []float64
	Status          FitStatus

	CredibleSets [][]int
	Purity       []float64
	PIP          []float64

	// VariantSubset lists the variant indices whose posterior weights were
	// retained, in ascending order. WeightMean and WeightVar are per tissue,
	// K×len(VariantSubset).
	VariantSubset []int
	WeightMean    []*mat.Dense
	WeightVar     []*mat.Dense
}

// TakeSnapshot exports the model state, keeping weight posteriors only for
// variants with PIP of at least pipCutoff; csThreshold is the credible-set
// coverage level.
func TakeSnapshot(m Model, pipCutoff, csThreshold float64) *Snapshot {
	d := m.Dims()
	s := &Snapshot{
		T:               d.T,
		N:               d.N,
		K:               d.K,
		Assignment:      m.Assignment(),
		AssignmentPrior: append([]float64(nil), m.assignmentPrior()...),
		ELBO:            m.ELBOTrace(),
		Status:          m.Status(),
		PIP:             PIP(m),
	}
	s.CredibleSets, s.Purity = CredibleSets(m, csThreshold)

	for j, p := range s.PIP {
		if p >= pipCutoff {
			s.VariantSubset = append(s.VariantSubset, j)
		}
	}
	if len(s.VariantSubset) == 0 {
		return s
	}
	mean, variance := m.weightPosterior()
	s.WeightMean = make([]*mat.Dense, d.T)
	s.WeightVar = make([]*mat.Dense, d.T)
	for t := 0; t < d.T; t++ {
		wm := mat.NewDense(d.K, len(s.VariantSubset), nil)
		wv := mat.NewDense(d.K, len(s.VariantSubset), nil)
		for k := 0; k < d.K; k++ {
			for i, j := range s.VariantSubset {
				wm.Set(k, i, mean[t].At(k, j))
				wv.Set(k, i, variance[t].At(k, j))
			}
		}
		s.WeightMean[t] = wm
		s.WeightVar[t] = wv
	}
	return s
}

// RestoreWeightPosterior expands the retained weight posterior back to full
// K×N matrices per tissue. Variants outside the snapshot subset get a zero
// mean and unit variance, the uninformed state.
func (s *Snapshot) RestoreWeightPosterior() (mean, variance []*mat.Dense) {
	mean = make([]*mat.Dense, s.T)
	variance = make([]*mat.Dense, s.T)
	for t := 0; t < s.T; t++ {
		wm := mat.NewDense(s.K, s.N, nil)
		wv := mat.NewDense(s.K, s.N, nil)
		for k := 0; k < s.K; k++ {
			row := wv.RawRowView(k)
			for j := range row {
				row[j] = 1
			}
			for i, j := range s.VariantSubset {
				wm.Set(k, j, s.WeightMean[t].At(k, i))
				wv.Set(k, j, s.WeightVar[t].At(k, i))
			}
		}
		mean[t] = wm
		variance[t] = wv
	}
	return mean, variance
}
