package ids

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrEncode = errors.New("constrained encoding failed")

// Codebook is an inner block code: Q codewords of Nu symbols over a binary or
// quaternary alphabet. It is immutable after construction.
type Codebook struct {
	nu    int
	alpha int
	words [][]byte
	index map[string]int

	invertible bool
	balanced   bool
	rst01      int
	rst10      int
	cons       *Constraints
}

// NewCodebook validates words and builds the inverse map. alphabet is 2 or 4;
// 0 infers it from the largest symbol present.
func NewCodebook(alphabet int, words [][]byte) (*Codebook, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: no codewords", ErrBadCodebook)
	}
	nu := len(words[0])
	if nu == 0 {
		return nil, fmt.Errorf("%w: empty codeword", ErrBadCodebook)
	}
	if alphabet == 0 {
		alphabet = 2
		for _, w := range words {
			for _, s := range w {
				if s > 1 {
					alphabet = 4
				}
			}
		}
	}
	if alphabet != 2 && alphabet != 4 {
		return nil, fmt.Errorf("%w: alphabet %d", ErrBadCodebook, alphabet)
	}
	c := &Codebook{
		nu:    nu,
		alpha: alphabet,
		words: make([][]byte, len(words)),
		index: make(map[string]int, len(words)),
		rst01: -1,
		rst10: -1,
	}
	for i, w := range words {
		if len(w) != nu {
			return nil, fmt.Errorf("%w: codeword %d has length %d, want %d", ErrBadCodebook, i, len(w), nu)
		}
		for _, s := range w {
			if int(s) >= alphabet {
				return nil, fmt.Errorf("%w: codeword %d has symbol %d outside alphabet %d", ErrBadCodebook, i, s, alphabet)
			}
		}
		if j, dup := c.index[string(w)]; dup {
			return nil, fmt.Errorf("%w: codewords %d and %d are equal", ErrBadCodebook, j, i)
		}
		c.words[i] = append([]byte(nil), w...)
		c.index[string(w)] = i
	}
	c.setFlags()
	return c, nil
}

// LoadCodebook reads "Nu numCW" followed by one codeword per line. Symbols
// are digits or the letters A, C, G, T.
func LoadCodebook(path string, alphabet int) (*Codebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open codebook: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	nu, num := -1, -1
	var words [][]byte
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if nu < 0 {
			fs := strings.Fields(line)
			if len(fs) < 2 {
				return nil, fmt.Errorf("%w: bad header %q", ErrBadCodebook, line)
			}
			var e1, e2 error
			nu, e1 = strconv.Atoi(fs[0])
			num, e2 = strconv.Atoi(fs[1])
			if e1 != nil || e2 != nil || nu <= 0 || num <= 0 {
				return nil, fmt.Errorf("%w: bad header %q", ErrBadCodebook, line)
			}
			continue
		}
		if len(words) == num {
			break
		}
		w, err := ParseSymbols(strings.Fields(line)[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %q: %v", ErrBadCodebook, line, err)
		}
		if len(w) != nu {
			return nil, fmt.Errorf("%w: codeword %q has length %d, want %d", ErrBadCodebook, line, len(w), nu)
		}
		words = append(words, w)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read codebook: %w", err)
	}
	if len(words) != num {
		return nil, fmt.Errorf("%w: got %d codewords, header says %d", ErrBadCodebook, len(words), num)
	}
	return NewCodebook(alphabet, words)
}

// ParseSymbols converts "0123" or "ACGT" text to symbol values.
func ParseSymbols(s string) ([]byte, error) {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch >= '0' && ch <= '3':
			out[i] = ch - '0'
		default:
			v, ok := baseIndex(ch)
			if !ok {
				return nil, fmt.Errorf("bad symbol %q", ch)
			}
			out[i] = v
		}
	}
	return out, nil
}

func (c *Codebook) Nu() int       { return c.nu }
func (c *Codebook) Size() int     { return len(c.words) }
func (c *Codebook) Alphabet() int { return c.alpha }

// Codeword returns codeword i. The slice must not be modified.
func (c *Codebook) Codeword(i int) []byte { return c.words[i] }

// Index returns the codeword index of w, or -1.
func (c *Codebook) Index(w []byte) int {
	if i, ok := c.index[string(w)]; ok {
		return i
	}
	return -1
}

func (c *Codebook) Invertible() bool { return c.invertible }
func (c *Codebook) Balanced() bool   { return c.balanced }

// ResetSymbols returns the alternating codewords starting with 0 and 1
// (upper bit), or -1 when absent.
func (c *Codebook) ResetSymbols() (rst01, rst10 int) { return c.rst01, c.rst10 }

func (c *Codebook) Constraints() *Constraints { return c.cons }

// Encode maps information symbols to the concatenated codewords.
func (c *Codebook) Encode(iw []int) ([]byte, error) {
	out := make([]byte, 0, len(iw)*c.nu)
	for i, v := range iw {
		if v < 0 || v >= len(c.words) {
			return nil, fmt.Errorf("%w: information symbol %d at %d", ErrShape, v, i)
		}
		out = append(out, c.words[v]...)
	}
	return out, nil
}

// Decode maps a concatenation of codewords back to information symbols.
func (c *Codebook) Decode(cv []byte) ([]int, error) {
	if len(cv)%c.nu != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrShape, len(cv), c.nu)
	}
	out := make([]int, len(cv)/c.nu)
	for i := range out {
		v := c.Index(cv[i*c.nu : (i+1)*c.nu])
		if v < 0 {
			return nil, fmt.Errorf("%w: no codeword at block %d", ErrShape, i)
		}
		out[i] = v
	}
	return out, nil
}

// Prior returns Ns per-position distributions over codewords: one-hot on
// iw[i] when known is true, uniform otherwise.
func (c *Codebook) Prior(iw []int, known bool) [][]float64 {
	p := newMatrix(len(iw), len(c.words))
	for i := range p {
		if known && iw[i] >= 0 && iw[i] < len(c.words) {
			p[i][iw[i]] = 1
			continue
		}
		for x := range p[i] {
			p[i][x] = 1 / float64(len(c.words))
		}
	}
	return p
}

// upper is the bit carrying run-length and balance constraints.
func (c *Codebook) upper(s byte) byte {
	if c.alpha == 4 {
		return (s >> 1) & 1
	}
	return s
}

func (c *Codebook) invert(dst, w []byte) {
	for i, s := range w {
		if c.alpha == 4 {
			dst[i] = s ^ 2
		} else {
			dst[i] = s ^ 1
		}
	}
}

func (c *Codebook) setFlags() {
	c.invertible = true
	inv := make([]byte, c.nu)
	for _, w := range c.words {
		c.invert(inv, w)
		if c.Index(inv) < 0 {
			c.invertible = false
			break
		}
	}
	c.balanced = true
	for _, w := range c.words {
		if c.balance(w) != 0 {
			c.balanced = false
			break
		}
	}
	for i, w := range c.words {
		alt := true
		for j := 0; j+1 < len(w); j++ {
			if c.upper(w[j]) == c.upper(w[j+1]) {
				alt = false
				break
			}
		}
		if !alt {
			continue
		}
		if c.upper(w[0]) == 0 {
			if c.rst01 < 0 {
				c.rst01 = i
			}
		} else if c.rst10 < 0 {
			c.rst10 = i
		}
	}
}

// balance is (#ones - #zeros) over the upper bits of w.
func (c *Codebook) balance(w []byte) int {
	b := 0
	for _, s := range w {
		if c.upper(s) == 1 {
			b++
		} else {
			b--
		}
	}
	return b
}

// MaxRunLength is the longest run of equal upper bits in v.
func (c *Codebook) MaxRunLength(v []byte) int {
	if len(v) == 0 {
		return 0
	}
	best, run := 1, 1
	for i := 1; i < len(v); i++ {
		if c.upper(v[i]) == c.upper(v[i-1]) {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

// MaxWindowImbalance is the largest |#ones - #zeros| over all windows of ell
// upper bits in v.
func (c *Codebook) MaxWindowImbalance(v []byte, ell int) int {
	worst := 0
	for i := 0; i+ell <= len(v); i++ {
		b := c.balance(v[i : i+ell])
		if b < 0 {
			b = -b
		}
		worst = max(worst, b)
	}
	return worst
}
