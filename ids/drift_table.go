package ids

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DriftTable holds GD[d0][d1], the probability that the drift moves from d0
// to d1 over one codeword. Indices are offsets from Range().Min.
type DriftTable struct {
	r ChannelParams
	d DriftRange
	n int
	p []float64
}

// CodewordStep returns the distribution of the drift increment over nu
// symbols, indexed by increment+nu. It is the nu-th power of the one-symbol
// walk (insert +1 with Pi, delete -1 with Pd, stay with Pt).
func CodewordStep(nu int, p ChannelParams) []float64 {
	n := 2*nu + 1
	t := mat.NewDense(n, n, nil)
	for k := 0; k < n; k++ {
		t.Set(k, k, p.Pt())
		if k+1 < n {
			t.Set(k, k+1, p.Pi)
		}
		if k > 0 {
			t.Set(k, k-1, p.Pd)
		}
	}
	var pw mat.Dense
	pw.Pow(t, nu)
	return mat.Row(nil, nu, &pw)
}

// NewDriftTable builds GD for codeword length nu. Transitions whose window
// Nu2 = nu + d1 - d0 falls outside w, or whose end drift leaves r, are
// impossible; each row is renormalized over the remaining ones.
func NewDriftTable(nu int, p ChannelParams, w Window, r DriftRange) (*DriftTable, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if nu <= 0 || r.Len() <= 0 || r.Min > 0 || r.Max < 0 {
		return nil, fmt.Errorf("%w: nu=%d drift [%d,%d]", ErrShape, nu, r.Min, r.Max)
	}
	step := CodewordStep(nu, p)
	t := &DriftTable{r: p, d: r, n: r.Len()}
	t.p = make([]float64, t.n*t.n)
	for i0 := 0; i0 < t.n; i0++ {
		row := t.p[i0*t.n : (i0+1)*t.n]
		sum := 0.0
		for i1 := 0; i1 < t.n; i1++ {
			k := i1 - i0
			if k < -nu || k > nu || !w.Contains(nu+k) {
				continue
			}
			row[i1] = step[k+nu]
			sum += row[i1]
		}
		if sum <= 0x1p-52 {
			clear(row)
			continue
		}
		for i1 := range row {
			row[i1] /= sum
		}
	}
	return t, nil
}

func newDriftTableData(p ChannelParams, r DriftRange, data []float64) (*DriftTable, error) {
	n := r.Len()
	if n <= 0 || len(data) != n*n {
		return nil, fmt.Errorf("%w: drift table has %d values for %d states", ErrShape, len(data), n)
	}
	return &DriftTable{r: p, d: r, n: n, p: data}, nil
}

func (t *DriftTable) Range() DriftRange     { return t.d }
func (t *DriftTable) Params() ChannelParams { return t.r }
func (t *DriftTable) Len() int              { return t.n }

func (t *DriftTable) At(i0, i1 int) float64 { return t.p[i0*t.n+i1] }

// Row returns GD[i0][.]. The slice must not be modified.
func (t *DriftTable) Row(i0 int) []float64 { return t.p[i0*t.n : (i0+1)*t.n] }

// RowSum is used by checks on loaded tables.
func (t *DriftTable) RowSum(i0 int) float64 {
	s := 0.0
	for _, v := range t.Row(i0) {
		s += v
	}
	return s
}

func (t *DriftTable) finite() bool {
	for _, v := range t.p {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}
