package ids

import (
	"errors"
	"fmt"
	"strings"
)

// Bases orders the quaternary symbols 0..3.
const Bases = "ACGT"

var ErrDNA = errors.New("bad DNA sequence")

// pairBase maps two bits (upper, lower) to a base: 00=A 01=T 10=G 11=C.
var pairBase = [4]byte{'A', 'T', 'G', 'C'}

func baseIndex(ch byte) (byte, bool) {
	switch ch {
	case 'A', 'a':
		return 0, true
	case 'C', 'c':
		return 1, true
	case 'G', 'g':
		return 2, true
	case 'T', 't':
		return 3, true
	}
	return 0, false
}

// SymbolsToDNA renders symbols as bases. Quaternary symbols map one to one;
// binary symbols are taken in pairs.
func SymbolsToDNA(s []byte, alphabet int) (string, error) {
	var b strings.Builder
	switch alphabet {
	case 4:
		b.Grow(len(s))
		for i, v := range s {
			if v > 3 {
				return "", fmt.Errorf("%w: symbol %d at %d", ErrDNA, v, i)
			}
			b.WriteByte(Bases[v])
		}
	case 2:
		if len(s)%2 != 0 {
			return "", fmt.Errorf("%w: odd number of bits %d", ErrDNA, len(s))
		}
		b.Grow(len(s) / 2)
		for i := 0; i < len(s); i += 2 {
			if s[i] > 1 || s[i+1] > 1 {
				return "", fmt.Errorf("%w: non-binary symbol at %d", ErrDNA, i)
			}
			b.WriteByte(pairBase[s[i]<<1|s[i+1]])
		}
	default:
		return "", fmt.Errorf("%w: alphabet %d", ErrDNA, alphabet)
	}
	return b.String(), nil
}

// DNAToSymbols is the inverse of SymbolsToDNA.
func DNAToSymbols(dna string, alphabet int) ([]byte, error) {
	switch alphabet {
	case 4:
		out := make([]byte, len(dna))
		for i := 0; i < len(dna); i++ {
			v, ok := baseIndex(dna[i])
			if !ok {
				return nil, fmt.Errorf("%w: %q at %d", ErrDNA, dna[i], i)
			}
			out[i] = v
		}
		return out, nil
	case 2:
		out := make([]byte, 0, 2*len(dna))
		for i := 0; i < len(dna); i++ {
			v, ok := baseIndex(dna[i])
			if !ok {
				return nil, fmt.Errorf("%w: %q at %d", ErrDNA, dna[i], i)
			}
			p := strings.IndexByte(string(pairBase[:]), Bases[v])
			out = append(out, byte(p>>1), byte(p&1))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: alphabet %d", ErrDNA, alphabet)
}
