package ids

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalize scales p in place so that it sums to one. A vector without usable
// mass (zero, NaN or Inf sum) is replaced by the uniform distribution and
// Normalize reports true.
func Normalize(p []float64) bool {
	if len(p) == 0 {
		return false
	}
	s := floats.Sum(p)
	if s > 0 && !math.IsInf(s, 0) && !math.IsNaN(s) {
		for i := range p {
			p[i] /= s
		}
		return false
	}
	u := 1 / float64(len(p))
	for i := range p {
		p[i] = u
	}
	return true
}

// Uniform returns a fresh uniform distribution over n outcomes.
func Uniform(n int) []float64 {
	p := make([]float64, n)
	for i := range p {
		p[i] = 1 / float64(n)
	}
	return p
}

// Entropy returns the Shannon entropy of p in bits.
func Entropy(p []float64) float64 {
	return stat.Entropy(p) / math.Ln2
}

// ArgMax returns the index of the largest entry (the first one on ties).
func ArgMax(p []float64) int {
	if len(p) == 0 {
		return -1
	}
	return floats.MaxIdx(p)
}

// ArgMaxList packs the indices of the ls largest entries of p, most likely
// first, into one base-len(p) number.
func ArgMaxList(p []float64, ls int) int64 {
	q := len(p)
	if ls <= 0 || ls > q {
		ls = q
	}
	px := append([]float64(nil), p...)
	var val int64
	for i := 0; i < ls; i++ {
		v := floats.MaxIdx(px)
		val = val*int64(q) + int64(v)
		px[v] = math.Inf(-1)
	}
	return val
}

// IPow returns b^e for small non-negative exponents.
func IPow(b, e int) int {
	r := 1
	for ; e > 0; e-- {
		r *= b
	}
	return r
}

// SymbolsToIndex packs a sequence of base-q digits, most significant first.
func SymbolsToIndex(s []byte, q int) int {
	v := 0
	for _, d := range s {
		v = v*q + int(d)
	}
	return v
}

// IndexToSymbols unpacks v into n base-q digits, most significant first.
func IndexToSymbols(v, n, q int, dst []byte) []byte {
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i := n - 1; i >= 0; i-- {
		dst[i] = byte(v % q)
		v /= q
	}
	return dst
}

// HammingDistance counts differing positions over the common length; the
// length difference counts as differences too.
func HammingDistance(a, b []byte) int {
	n := len(a)
	d := 0
	if len(b) < n {
		d = n - len(b)
		n = len(b)
	} else {
		d = len(b) - n
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}

func newMatrix(rows, cols int) [][]float64 {
	buf := make([]float64, rows*cols)
	m := make([][]float64, rows)
	for i := range m {
		m[i] = buf[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}
