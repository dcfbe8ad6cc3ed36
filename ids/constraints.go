package ids

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Constraints bound the run length (Rho) and the local balance of every
// window of Ell upper bits (|#ones - #zeros| <= Delta).
type Constraints struct {
	Rho   int `json:"rho" yaml:"rho"`
	Ell   int `json:"ell" yaml:"ell"`
	Delta int `json:"delta" yaml:"delta"`
}

func (k Constraints) Validate() error {
	if k.Rho <= 0 || k.Ell <= 0 || k.Delta <= 0 {
		return fmt.Errorf("%w: constraints rho=%d ell=%d delta=%d", ErrBadCodebook, k.Rho, k.Ell, k.Delta)
	}
	return nil
}

// LoadConstraints reads "Rho ell Delta" from the first non-comment line.
// The key=value form (rho=.. ell=.. delta=..) is accepted too.
func LoadConstraints(path string) (Constraints, error) {
	var k Constraints
	b, err := os.ReadFile(path)
	if err != nil {
		return k, fmt.Errorf("read constraints: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fs := strings.Fields(line)
		if strings.Contains(line, "=") {
			for _, f := range fs {
				key, val, _ := strings.Cut(f, "=")
				n, err := strconv.Atoi(val)
				if err != nil {
					return k, fmt.Errorf("%w: constraint %q", ErrBadCodebook, f)
				}
				switch strings.ToLower(key) {
				case "rho":
					k.Rho = n
				case "ell":
					k.Ell = n
				case "delta":
					k.Delta = n
				}
			}
		} else {
			if len(fs) < 3 {
				return k, fmt.Errorf("%w: constraint line %q", ErrBadCodebook, line)
			}
			v := make([]int, 3)
			for i := range v {
				if v[i], err = strconv.Atoi(fs[i]); err != nil {
					return k, fmt.Errorf("%w: constraint line %q", ErrBadCodebook, line)
				}
			}
			k = Constraints{Rho: v[0], Ell: v[1], Delta: v[2]}
		}
		break
	}
	return k, k.Validate()
}

// WithConstraints returns a codebook that can run EncodeConstrained. The
// codebook must be invertible and balanced, contain both reset symbols, and
// its codewords must respect Rho on their own.
func (c *Codebook) WithConstraints(k Constraints) (*Codebook, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.nu%2 != 0 || c.nu > k.Ell:
		return nil, fmt.Errorf("%w: nu=%d needs to be even and <= ell=%d", ErrBadCodebook, c.nu, k.Ell)
	case !c.invertible:
		return nil, fmt.Errorf("%w: not closed under inversion", ErrBadCodebook)
	case !c.balanced:
		return nil, fmt.Errorf("%w: codewords not balanced", ErrBadCodebook)
	case c.rst01 < 0 || c.rst10 < 0:
		return nil, fmt.Errorf("%w: reset symbols missing", ErrBadCodebook)
	}
	for i, w := range c.words {
		if r := c.MaxRunLength(w); r > k.Rho {
			return nil, fmt.Errorf("%w: codeword %d has run %d > rho %d", ErrBadCodebook, i, r, k.Rho)
		}
	}
	cc := *c
	cc.cons = &k
	return &cc, nil
}

// Encoding steps reported by EncodeConstrained.
const (
	StepCopy = iota
	StepInvert
	StepReset
	StepResetAlt
)

// EncodeConstrained encodes iw block by block, replacing a codeword by its
// inverse or a reset symbol when it would break the constraints given the
// blocks already emitted. steps[i] tells which choice block i took.
func (c *Codebook) EncodeConstrained(iw []int) (cv []byte, steps []int, err error) {
	if c.cons == nil {
		return nil, nil, fmt.Errorf("%w: no constraints configured", ErrEncode)
	}
	cv = make([]byte, len(iw)*c.nu)
	steps = make([]int, len(iw))
	for idx, v := range iw {
		if v < 0 || v >= len(c.words) {
			return nil, nil, fmt.Errorf("%w: information symbol %d at %d", ErrShape, v, idx)
		}
		u := c.words[v]
		blk := cv[idx*c.nu : (idx+1)*c.nu]
		first, second := c.rst10, c.rst01
		if c.upper(u[0]) == 1 {
			first, second = c.rst01, c.rst10
		}
		ok := false
		for step := StepCopy; step <= StepResetAlt && !ok; step++ {
			switch step {
			case StepCopy:
				copy(blk, u)
			case StepInvert:
				c.invert(blk, u)
			case StepReset:
				copy(blk, c.words[first])
			case StepResetAlt:
				copy(blk, c.words[second])
			}
			if c.blockOK(cv[:(idx+1)*c.nu], idx) {
				steps[idx] = step
				ok = true
			}
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: block %d", ErrEncode, idx)
		}
	}
	return cv, steps, nil
}

// blockOK checks the runs and windows ending inside block idx of v.
func (c *Codebook) blockOK(v []byte, idx int) bool {
	k := c.cons
	start := idx * c.nu
	run := 1
	for p := start - 1; p >= 0 && c.upper(v[p]) == c.upper(v[start]); p-- {
		run++
	}
	if run > k.Rho {
		return false
	}
	for p := start + 1; p < len(v); p++ {
		if c.upper(v[p]) == c.upper(v[p-1]) {
			run++
		} else {
			run = 1
		}
		if run > k.Rho {
			return false
		}
	}
	for p := start; p < len(v); p++ {
		l := p - k.Ell + 1
		if l < 0 {
			continue
		}
		b := c.balance(v[l : p+1])
		if b > k.Delta || b < -k.Delta {
			return false
		}
	}
	return true
}
