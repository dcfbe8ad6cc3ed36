package ids

import (
	"fmt"
	"math/bits"
)

// DigitPosteriors spreads codeword posteriors onto the symbols of each
// codeword: out[i*Nu+k][a] is the probability that symbol k of block i is a.
// Rows are exact marginals of post and always sum to one.
func DigitPosteriors(cb *Codebook, post [][]float64) ([][]float64, error) {
	nu, q, size := cb.Nu(), cb.Alphabet(), cb.Size()
	out := newMatrix(len(post)*nu, q)
	for i, p := range post {
		if len(p) != size {
			return nil, fmt.Errorf("%w: posterior row %d has %d entries, want %d", ErrShape, i, len(p), size)
		}
		for x, v := range p {
			if v == 0 {
				continue
			}
			for k, s := range cb.Codeword(x) {
				out[i*nu+k][s] += v
			}
		}
		for k := 0; k < nu; k++ {
			Normalize(out[i*nu+k])
		}
	}
	return out, nil
}

// CodewordPrior turns per-symbol probabilities into a codeword prior
// P(x) proportional to the product of P(symbol k = x[k]). Degenerate rows
// become uniform.
func CodewordPrior(cb *Codebook, digits [][]float64) ([][]float64, error) {
	nu, q, size := cb.Nu(), cb.Alphabet(), cb.Size()
	if len(digits)%nu != 0 {
		return nil, fmt.Errorf("%w: %d symbol rows for codeword length %d", ErrShape, len(digits), nu)
	}
	for i, row := range digits {
		if len(row) != q {
			return nil, fmt.Errorf("%w: symbol row %d has %d entries, want %d", ErrShape, i, len(row), q)
		}
	}
	out := newMatrix(len(digits)/nu, size)
	for i := range out {
		for x := range out[i] {
			p := 1.0
			for k, s := range cb.Codeword(x) {
				p *= digits[i*nu+k][s]
			}
			out[i][x] = p
		}
		Normalize(out[i])
	}
	return out, nil
}

// BitsPerSymbol is the number of constituent bits of a channel symbol of
// alphabet q.
func BitsPerSymbol(q int) int { return bits.Len(uint(q - 1)) }

// SymbolBits expands symbols into their bits, upper bit first.
func SymbolBits(s []byte, q int) []byte {
	b := BitsPerSymbol(q)
	out := make([]byte, 0, len(s)*b)
	for _, v := range s {
		for j := b - 1; j >= 0; j-- {
			out = append(out, (v>>j)&1)
		}
	}
	return out
}

// BitPosteriors marginalizes codeword posteriors onto the bits of every
// channel symbol: out[(i*Nu+k)*b+j][v] is the probability that bit j (upper
// first) of symbol k of block i is v, with b = BitsPerSymbol. Rows sum to one.
func BitPosteriors(cb *Codebook, post [][]float64) ([][]float64, error) {
	dp, err := DigitPosteriors(cb, post)
	if err != nil {
		return nil, err
	}
	b := BitsPerSymbol(cb.Alphabet())
	out := newMatrix(len(dp)*b, 2)
	for r, row := range dp {
		for s, v := range row {
			for j := 0; j < b; j++ {
				out[r*b+j][(s>>(b-1-j))&1] += v
			}
		}
	}
	return out, nil
}

// CodewordPriorFromBits turns per-bit probabilities, laid out as by
// BitPosteriors, into a codeword prior P(x) proportional to the product of
// the probabilities of the bits of x. Degenerate rows become uniform.
func CodewordPriorFromBits(cb *Codebook, bp [][]float64) ([][]float64, error) {
	nu, size := cb.Nu(), cb.Size()
	b := BitsPerSymbol(cb.Alphabet())
	if len(bp)%(nu*b) != 0 {
		return nil, fmt.Errorf("%w: %d bit rows for %d bits per codeword", ErrShape, len(bp), nu*b)
	}
	for i, row := range bp {
		if len(row) != 2 {
			return nil, fmt.Errorf("%w: bit row %d has %d entries", ErrShape, i, len(row))
		}
	}
	out := newMatrix(len(bp)/(nu*b), size)
	for i := range out {
		for x := range out[i] {
			p := 1.0
			for k, s := range cb.Codeword(x) {
				for j := 0; j < b; j++ {
					p *= bp[(i*nu+k)*b+j][(int(s)>>(b-1-j))&1]
				}
			}
			out[i][x] = p
		}
		Normalize(out[i])
	}
	return out, nil
}

// ChainPrior carries the soft output of one decoding stage into the prior of
// the next through the per-bit tables.
func ChainPrior(cb *Codebook, post [][]float64) ([][]float64, error) {
	bp, err := BitPosteriors(cb, post)
	if err != nil {
		return nil, err
	}
	return CodewordPriorFromBits(cb, bp)
}
