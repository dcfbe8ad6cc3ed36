package ids

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrBadParams   = errors.New("invalid channel parameters")
	ErrBadCodebook = errors.New("invalid codebook")
	ErrShape       = errors.New("shape mismatch")
	ErrTooLarge    = errors.New("output table too large")

	// ErrTableMismatch rejects prebuilt tables made for another channel.
	ErrTableMismatch = fmt.Errorf("%w: tables built for other channel settings", ErrShape)
)

// ChannelParams are the per-symbol insertion, deletion and substitution
// probabilities of the IDS channel.
type ChannelParams struct {
	Pi float64 `json:"pi" yaml:"pi"`
	Pd float64 `json:"pd" yaml:"pd"`
	Ps float64 `json:"ps" yaml:"ps"`
}

// Pt is the probability that a symbol is transmitted (possibly substituted)
// without an insertion or deletion event.
func (p ChannelParams) Pt() float64 { return 1 - p.Pi - p.Pd }

func (p ChannelParams) Validate() error {
	for _, v := range []float64{p.Pi, p.Pd, p.Ps} {
		if math.IsNaN(v) || v < 0 || v >= 0.5 {
			return fmt.Errorf("%w: pi=%g pd=%g ps=%g", ErrBadParams, p.Pi, p.Pd, p.Ps)
		}
	}
	return nil
}

func (p ChannelParams) String() string {
	return fmt.Sprintf("pi=%g pd=%g ps=%g", p.Pi, p.Pd, p.Ps)
}

// Window is the supported range of received symbols per codeword.
type Window struct {
	Min int `json:"nu2min"`
	Max int `json:"nu2max"`
}

// NewWindow derives the window for codeword length nu from the largest
// insertion and deletion rates in use. burst > 0 overrides the rate rule.
func NewWindow(nu int, pi, pd float64, burst int) Window {
	var w Window
	if burst > 0 {
		w = Window{Min: nu - burst, Max: nu + burst}
	} else {
		w = Window{
			Min: nu - int(math.Ceil(float64(nu)*pd)) - 2,
			Max: nu + int(math.Ceil(float64(nu)*pi)) + 2,
		}
	}
	w.Min = max(w.Min, 0)
	w.Max = min(w.Max, 2*nu)
	return w
}

func (w Window) Contains(nu2 int) bool { return nu2 >= w.Min && nu2 <= w.Max }

// DriftRange bounds the drift values tracked by the decoder.
type DriftRange struct {
	Min int `json:"dmin"`
	Max int `json:"dmax"`
}

func (r DriftRange) Len() int { return r.Max - r.Min + 1 }

func (r DriftRange) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// DefaultDriftRange covers roughly twice the expected drift over a block of
// nb symbols, with one codeword of margin on each side.
func DefaultDriftRange(nb, nu int, pi, pd float64) DriftRange {
	return DriftRange{
		Min: -(int(math.Ceil(2*float64(nb)*pd)) + nu),
		Max: int(math.Ceil(2*float64(nb)*pi)) + nu,
	}
}

// SubMatrix holds P(received b | transmitted a, substitution) for a != b.
// Rows sum to one over the off-diagonal entries.
type SubMatrix [][]float64

// UniformSubMatrix spreads substitutions evenly over the other q-1 symbols.
func UniformSubMatrix(q int) SubMatrix {
	m := make(SubMatrix, q)
	for a := range m {
		m[a] = make([]float64, q)
		for b := range m[a] {
			if a != b && q > 1 {
				m[a][b] = 1 / float64(q-1)
			}
		}
	}
	return m
}

// NanoporeSubMatrix is an empirical quaternary substitution profile with
// symbols ordered A, C, G, T.
func NanoporeSubMatrix() SubMatrix {
	return SubMatrix{
		{0, 0.149, 0.675, 0.176},
		{0.351, 0, 0.173, 0.476},
		{0.756, 0.076, 0, 0.168},
		{0.328, 0.424, 0.248, 0},
	}
}

// Validate checks shape and renormalizes rows in place.
func (m SubMatrix) Validate(q int) error {
	if len(m) != q {
		return fmt.Errorf("%w: substitution matrix has %d rows, want %d", ErrShape, len(m), q)
	}
	for a, row := range m {
		if len(row) != q {
			return fmt.Errorf("%w: substitution row %d has %d entries", ErrShape, a, len(row))
		}
		row[a] = 0
		s := 0.0
		for _, v := range row {
			if v < 0 {
				return fmt.Errorf("%w: negative substitution probability", ErrBadParams)
			}
			s += v
		}
		if s <= 0 {
			if q > 1 {
				return fmt.Errorf("%w: substitution row %d is empty", ErrBadParams, a)
			}
			continue
		}
		for b := range row {
			row[b] /= s
		}
	}
	return nil
}
