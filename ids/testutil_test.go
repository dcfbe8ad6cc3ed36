package ids

import (
	"testing"
)

func mustCodebook(t testing.TB, alphabet int, words ...string) *Codebook {
	t.Helper()
	ws := make([][]byte, len(words))
	for i, w := range words {
		s, err := ParseSymbols(w)
		if err != nil {
			t.Fatalf("parse %q: %v", w, err)
		}
		ws[i] = s
	}
	cb, err := NewCodebook(alphabet, ws)
	if err != nil {
		t.Fatalf("codebook: %v", err)
	}
	return cb
}

// fullBinary is every binary word of length nu.
func fullBinary(t testing.TB, nu int) *Codebook {
	t.Helper()
	ws := make([][]byte, 1<<nu)
	for i := range ws {
		ws[i] = IndexToSymbols(i, nu, 2, nil)
	}
	cb, err := NewCodebook(2, ws)
	if err != nil {
		t.Fatalf("codebook: %v", err)
	}
	return cb
}
