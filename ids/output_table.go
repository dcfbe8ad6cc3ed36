package ids

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const maxTableEntries = 1 << 27

// OutputTable holds GX[Nu2][y][x] = P(y | x) for every window length Nu2 in
// the supported range. Each (Nu2, x) column sums to one over y.
type OutputTable struct {
	nu   int
	q    int
	size int
	w    Window
	data [][]float64
}

// OutputOptions control the edit lattice.
type OutputOptions struct {
	// Sub is the substitution profile; nil means uniform.
	Sub SubMatrix
	// DuplicateInsertions makes an inserted symbol a noisy copy of the last
	// transmitted one instead of a uniform draw.
	DuplicateInsertions bool
	Workers             int
}

// NewOutputTable runs the edit lattice for every codeword. params gives the
// channel parameters used for codeword x.
func NewOutputTable(cb *Codebook, w Window, params func(x int) ChannelParams, opt OutputOptions) (*OutputTable, error) {
	nu, q, size := cb.Nu(), cb.Alphabet(), cb.Size()
	if w.Min < 0 || w.Max > 2*nu || w.Min > w.Max {
		return nil, fmt.Errorf("%w: window [%d,%d] for nu=%d", ErrShape, w.Min, w.Max, nu)
	}
	total := 0
	for n := w.Min; n <= w.Max; n++ {
		total += IPow(q, n) * size
		if total > maxTableEntries {
			return nil, fmt.Errorf("%w: window up to %d over %d codewords", ErrTooLarge, w.Max, size)
		}
	}
	sub := opt.Sub
	if sub == nil {
		sub = UniformSubMatrix(q)
	}
	if err := sub.Validate(q); err != nil {
		return nil, err
	}
	t := &OutputTable{nu: nu, q: q, size: size, w: w, data: make([][]float64, w.Max-w.Min+1)}
	for n := w.Min; n <= w.Max; n++ {
		t.data[n-w.Min] = make([]float64, IPow(q, n)*size)
	}

	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	ps := make([]ChannelParams, size)
	for x := range ps {
		ps[x] = params(x)
		if err := ps[x].Validate(); err != nil {
			return nil, fmt.Errorf("codeword %d: %w", x, err)
		}
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for x, p := range ps {
		g.Go(func() error {
			l := lattice{
				x:   cb.Codeword(x),
				q:   q,
				p:   p,
				sub: sub,
				dup: opt.DuplicateInsertions,
			}
			l.run(t, x)
			t.normalizeColumn(x)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

func newOutputTableData(nu, q, size int, w Window, data [][]float64) (*OutputTable, error) {
	if len(data) != w.Max-w.Min+1 {
		return nil, fmt.Errorf("%w: %d output slices for window [%d,%d]", ErrShape, len(data), w.Min, w.Max)
	}
	for n := w.Min; n <= w.Max; n++ {
		if len(data[n-w.Min]) != IPow(q, n)*size {
			return nil, fmt.Errorf("%w: output slice nu2=%d has %d values", ErrShape, n, len(data[n-w.Min]))
		}
	}
	return &OutputTable{nu: nu, q: q, size: size, w: w, data: data}, nil
}

func (t *OutputTable) Window() Window { return t.w }
func (t *OutputTable) Alphabet() int  { return t.q }
func (t *OutputTable) Size() int      { return t.size }

// Prob returns P(y | x) for a window of nu2 received symbols packed as y.
func (t *OutputTable) Prob(nu2, y, x int) float64 {
	return t.data[nu2-t.w.Min][y*t.size+x]
}

// Slice returns the raw values for one window length, laid out [y][x].
func (t *OutputTable) Slice(nu2 int) []float64 { return t.data[nu2-t.w.Min] }

// ColumnSum returns sum over y of P(y | x) for window length nu2.
func (t *OutputTable) ColumnSum(nu2, x int) float64 {
	d := t.data[nu2-t.w.Min]
	s := 0.0
	for i := x; i < len(d); i += t.size {
		s += d[i]
	}
	return s
}

// normalizeColumn makes every (nu2, x) column a distribution. Unreachable
// lengths get a uniform column; the drift table gives them no weight.
func (t *OutputTable) normalizeColumn(x int) {
	for n := t.w.Min; n <= t.w.Max; n++ {
		d := t.data[n-t.w.Min]
		s := t.ColumnSum(n, x)
		if s > 0 {
			for i := x; i < len(d); i += t.size {
				d[i] /= s
			}
			continue
		}
		u := 1 / float64(len(d)/t.size)
		for i := x; i < len(d); i += t.size {
			d[i] = u
		}
	}
}

// lattice evaluates F[s][t] for one codeword over all received prefixes by a
// depth-first walk: column t of F depends only on y[0..t-1].
type lattice struct {
	x   []byte
	q   int
	p   ChannelParams
	sub SubMatrix
	dup bool
}

func (l *lattice) emit(a, c byte) float64 {
	if a == c {
		return 1 - l.p.Ps
	}
	return l.p.Ps * l.sub[a][c]
}

func (l *lattice) insert(s int, c byte) float64 {
	if l.dup && s > 0 {
		return l.emit(l.x[s-1], c)
	}
	return 1 / float64(l.q)
}

func (l *lattice) run(t *OutputTable, x int) {
	nu := len(l.x)
	cols := newMatrix(t.w.Max+1, nu+1)
	cols[0][0] = 1
	for s := 1; s <= nu; s++ {
		cols[0][s] = cols[0][s-1] * l.p.Pd
	}
	if t.w.Min == 0 {
		t.data[0][x] = cols[0][nu]
	}
	l.walk(t, x, cols, 1, 0)
}

func (l *lattice) walk(t *OutputTable, x int, cols [][]float64, depth, prefix int) {
	if depth > t.w.Max {
		return
	}
	nu := len(l.x)
	prev, cur := cols[depth-1], cols[depth]
	pt := l.p.Pt()
	for c := 0; c < l.q; c++ {
		sym := byte(c)
		cur[0] = prev[0] * l.p.Pi * l.insert(0, sym)
		for s := 1; s <= nu; s++ {
			cur[s] = prev[s-1]*pt*l.emit(l.x[s-1], sym) +
				cur[s-1]*l.p.Pd +
				prev[s]*l.p.Pi*l.insert(s, sym)
		}
		y := prefix*l.q + c
		if depth >= t.w.Min {
			t.data[depth-t.w.Min][y*t.size+x] = cur[nu]
		}
		l.walk(t, x, cols, depth+1, y)
	}
}
