package ids

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
)

const maxMatrixCells = 1 << 26

// ChannelMatrix is a joint distribution Pxy[M][N], either accumulated from
// (x, y) observations or loaded from a file.
type ChannelMatrix struct {
	m, n  int
	cnt   []uint64
	cntX  []uint64
	cntY  []uint64
	total uint64
	pxy   []float64
}

func NewChannelMatrix(m, n int) (*ChannelMatrix, error) {
	if m <= 0 || n <= 0 {
		return nil, fmt.Errorf("%w: channel matrix %dx%d", ErrShape, m, n)
	}
	if m*n > maxMatrixCells {
		return nil, fmt.Errorf("%w: channel matrix %dx%d", ErrTooLarge, m, n)
	}
	return &ChannelMatrix{
		m:    m,
		n:    n,
		cnt:  make([]uint64, m*n),
		cntX: make([]uint64, m),
		cntY: make([]uint64, n),
	}, nil
}

// NewChannelMatrixFromProbs wraps an M x N probability table.
func NewChannelMatrixFromProbs(p [][]float64) (*ChannelMatrix, error) {
	if len(p) == 0 || len(p[0]) == 0 {
		return nil, fmt.Errorf("%w: empty channel matrix", ErrShape)
	}
	c, err := NewChannelMatrix(len(p), len(p[0]))
	if err != nil {
		return nil, err
	}
	c.pxy = make([]float64, c.m*c.n)
	for i, row := range p {
		if len(row) != c.n {
			return nil, fmt.Errorf("%w: channel matrix row %d has %d entries", ErrShape, i, len(row))
		}
		for j, v := range row {
			if v < 0 || v > 1 || math.IsNaN(v) {
				return nil, fmt.Errorf("%w: Pxy[%d][%d]=%g", ErrBadParams, i, j, v)
			}
			c.pxy[i*c.n+j] = v
		}
	}
	return c, nil
}

// LoadChannelMatrix reads int32 M, int32 N and M*N float64 values, all
// little-endian.
func LoadChannelMatrix(path string) (*ChannelMatrix, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel matrix: %w", err)
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: channel matrix file too short", ErrShape)
	}
	m := int(int32(binary.LittleEndian.Uint32(b[0:4])))
	n := int(int32(binary.LittleEndian.Uint32(b[4:8])))
	c, err := NewChannelMatrix(m, n)
	if err != nil {
		return nil, err
	}
	if len(b) != 8+8*m*n {
		return nil, fmt.Errorf("%w: channel matrix %dx%d needs %d bytes, file has %d", ErrShape, m, n, 8+8*m*n, len(b))
	}
	c.pxy = make([]float64, m*n)
	for k := range c.pxy {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[8+8*k:]))
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: Pxy[%d][%d]=%g", ErrBadParams, k/n, k%n, v)
		}
		c.pxy[k] = v
	}
	return c, nil
}

func (c *ChannelMatrix) Rows() int { return c.m }
func (c *ChannelMatrix) Cols() int { return c.n }

// Countup records one observation. Counts replace loaded probabilities.
func (c *ChannelMatrix) Countup(x, y int) error {
	if x < 0 || x >= c.m || y < 0 || y >= c.n {
		return fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrShape, x, y, c.m, c.n)
	}
	c.pxy = nil
	c.cnt[x*c.n+y]++
	c.cntX[x]++
	c.cntY[y]++
	c.total++
	return nil
}

func (c *ChannelMatrix) Total() uint64 { return c.total }

// Pxy is the joint probability of (x, y).
func (c *ChannelMatrix) Pxy(x, y int) float64 {
	if c.pxy != nil {
		return c.pxy[x*c.n+y]
	}
	if c.total == 0 {
		return 0
	}
	return float64(c.cnt[x*c.n+y]) / float64(c.total)
}

// weights returns the joint table as floats.
func (c *ChannelMatrix) weights() []float64 {
	if c.pxy != nil {
		return c.pxy
	}
	w := make([]float64, len(c.cnt))
	for k, v := range c.cnt {
		w[k] = float64(v)
	}
	return w
}

// Py is the output marginal.
func (c *ChannelMatrix) Py() []float64 {
	w := c.weights()
	py := make([]float64, c.n)
	for x := 0; x < c.m; x++ {
		floats.Add(py, w[x*c.n:(x+1)*c.n])
	}
	Normalize(py)
	return py
}

// Conditional returns P(y | x) with every row normalized; empty rows become
// uniform.
func (c *ChannelMatrix) Conditional() [][]float64 {
	w := c.weights()
	out := newMatrix(c.m, c.n)
	for x := range out {
		copy(out[x], w[x*c.n:(x+1)*c.n])
		Normalize(out[x])
	}
	return out
}

// Hx is the input entropy in bits.
func (c *ChannelMatrix) Hx() float64 {
	w := c.weights()
	px := make([]float64, c.m)
	for x := range px {
		px[x] = floats.Sum(w[x*c.n : (x+1)*c.n])
	}
	if floats.Sum(px) == 0 {
		return 0
	}
	Normalize(px)
	return Entropy(px)
}

// Hxy is the equivocation H(X|Y) in bits.
func (c *ChannelMatrix) Hxy() float64 {
	w := c.weights()
	all := floats.Sum(w)
	if all == 0 {
		return 0
	}
	col := make([]float64, c.m)
	h := 0.0
	for y := 0; y < c.n; y++ {
		s := 0.0
		for x := 0; x < c.m; x++ {
			col[x] = w[x*c.n+y]
			s += col[x]
		}
		if s == 0 {
			continue
		}
		Normalize(col)
		h += s / all * Entropy(col)
	}
	return h
}

// Ixy is the mutual information H(X) - H(X|Y) in bits.
func (c *ChannelMatrix) Ixy() float64 { return c.Hx() - c.Hxy() }

func (c *ChannelMatrix) marshal() []byte {
	var b bytes.Buffer
	b.Grow(8 + 8*c.m*c.n)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(int32(c.m)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(int32(c.n)))
	b.Write(hdr[:])
	var v [8]byte
	for x := 0; x < c.m; x++ {
		for y := 0; y < c.n; y++ {
			binary.LittleEndian.PutUint64(v[:], math.Float64bits(c.Pxy(x, y)))
			b.Write(v[:])
		}
	}
	return b.Bytes()
}

// WritePxy stores the joint probabilities and verifies them by reading the
// file back.
func (c *ChannelMatrix) WritePxy(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, c.marshal(), 0o644); err != nil {
		return fmt.Errorf("write channel matrix: %w", err)
	}
	back, err := LoadChannelMatrix(path)
	if err != nil {
		return fmt.Errorf("verify channel matrix: %w", err)
	}
	if !c.Equal(back) {
		return fmt.Errorf("verify channel matrix: %s differs after reload", path)
	}
	return nil
}

// Equal compares shapes and joint probabilities exactly.
func (c *ChannelMatrix) Equal(o *ChannelMatrix) bool {
	if c.m != o.m || c.n != o.n {
		return false
	}
	for x := 0; x < c.m; x++ {
		for y := 0; y < c.n; y++ {
			if c.Pxy(x, y) != o.Pxy(x, y) {
				return false
			}
		}
	}
	return true
}
