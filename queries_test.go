package finemap

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// fixedAssignmentModel builds a summary model over four variants with a
// known LD structure and overwrites the assignment posteriors directly, so
// query behavior can be checked against hand-computed values.
func fixedAssignmentModel(t *testing.T) *SummaryModel {
	t.Helper()
	ld := mat.NewDense(4, 4, []float64{
		1, 0.9, 0.1, 0.1,
		0.9, 1, 0.1, 0.1,
		0.1, 0.1, 1, 0.2,
		0.1, 0.1, 0.2, 1,
	})
	y := mat.NewDense(1, 4, nil)
	m, err := NewSummaryModel([]*mat.Dense{ld}, ld, y, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.pi.SetRow(0, []float64{0.5, 0.3, 0.15, 0.05})
	m.pi.SetRow(1, []float64{1, 0, 0, 0})
	m.cache.invalidateAll()
	return m
}

func TestPIP(t *testing.T) {
	m := fixedAssignmentModel(t)
	m.pi.SetRow(0, []float64{0.6, 0.4, 0, 0})
	m.pi.SetRow(1, []float64{0.5, 0, 0.5, 0})

	pip := PIP(m)
	want := []float64{
		1 - 0.4*0.5, // either component may select variant 0
		0.4,
		0.5,
		0,
	}
	for j := range want {
		if math.Abs(pip[j]-want[j]) > 1e-6 {
			t.Errorf("pip[%d] = %v, want %v", j, pip[j], want[j])
		}
	}
}

func TestCredibleSets(t *testing.T) {
	m := fixedAssignmentModel(t)

	sets, purity := CredibleSets(m, 0.75)
	if got := sets[0]; len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("component 0 set = %v, want [0 1]", got)
	}
	if math.Abs(purity[0]-0.9) > 1e-12 {
		t.Errorf("component 0 purity = %v, want 0.9", purity[0])
	}
	if got := sets[1]; len(got) != 1 || got[0] != 0 {
		t.Errorf("component 1 set = %v, want [0]", got)
	}
	if purity[1] != 1 {
		t.Errorf("singleton purity = %v, want 1", purity[1])
	}

	// A higher coverage level pulls in the third variant.
	sets, purity = CredibleSets(m, 0.9)
	if got := sets[0]; len(got) != 3 || got[2] != 2 {
		t.Errorf("component 0 set at 0.9 = %v, want [0 1 2]", got)
	}
	// min over pairs now includes the cross-block correlation 0.1.
	if math.Abs(purity[0]-0.1) > 1e-12 {
		t.Errorf("component 0 purity at 0.9 = %v, want 0.1", purity[0])
	}
}

func TestSummaryVariantCorrelation(t *testing.T) {
	m := fixedAssignmentModel(t)
	if c := m.VariantCorrelation(0, 1); math.Abs(c-0.9) > 1e-12 {
		t.Errorf("correlation = %v, want 0.9", c)
	}
	if c := m.VariantCorrelation(2, 2); c != 1 {
		t.Errorf("self correlation = %v, want 1", c)
	}
	mustPanic(t, "variant index", func() { m.VariantCorrelation(-1, 0) })
}
