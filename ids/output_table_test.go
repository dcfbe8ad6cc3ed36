package ids

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkColumns(t *testing.T, gx *OutputTable) {
	t.Helper()
	w := gx.Window()
	for n := w.Min; n <= w.Max; n++ {
		for x := 0; x < gx.Size(); x++ {
			require.InDelta(t, 1, gx.ColumnSum(n, x), 1e-9, "nu2=%d x=%d", n, x)
		}
	}
}

func TestOutputTableColumns(t *testing.T) {
	cb := fullBinary(t, 3)
	p := ChannelParams{Pi: 0.05, Pd: 0.05, Ps: 0.1}
	w := NewWindow(cb.Nu(), p.Pi, p.Pd, 0)
	for _, dup := range []bool{false, true} {
		gx, err := NewOutputTable(cb, w, func(int) ChannelParams { return p }, OutputOptions{DuplicateInsertions: dup, Workers: 2})
		require.NoError(t, err)
		require.Equal(t, w, gx.Window())
		checkColumns(t, gx)
	}
}

func TestOutputTableSubstitutionOnly(t *testing.T) {
	cb := mustCodebook(t, 2, "0000", "1111")
	p := ChannelParams{Ps: 0.1}
	w := NewWindow(cb.Nu(), 0, 0, 0)
	gx, err := NewOutputTable(cb, w, func(int) ChannelParams { return p }, OutputOptions{})
	require.NoError(t, err)
	checkColumns(t, gx)
	y := SymbolsToIndex([]byte{0, 1, 0, 0}, 2)
	require.InDelta(t, 0.9*0.9*0.9*0.1, gx.Prob(4, y, 0), 1e-15)
	require.InDelta(t, 0.1*0.1*0.1*0.9, gx.Prob(4, y, 1), 1e-15)
	// unreachable lengths are uniform
	require.InDelta(t, 1.0/32, gx.Prob(5, 0, 0), 1e-15)
}

func TestOutputTableQuaternary(t *testing.T) {
	cb := mustCodebook(t, 4, "ACGT", "TGCA", "AAGG")
	p := ChannelParams{Pi: 0.02, Pd: 0.03, Ps: 0.05}
	w := NewWindow(cb.Nu(), p.Pi, p.Pd, 0)
	gx, err := NewOutputTable(cb, w, func(int) ChannelParams { return p }, OutputOptions{Sub: NanoporeSubMatrix()})
	require.NoError(t, err)
	checkColumns(t, gx)
	for x := 0; x < cb.Size(); x++ {
		y := SymbolsToIndex(cb.Codeword(x), 4)
		col := gx.Slice(cb.Nu())
		best := 0
		for yy := 0; yy < len(col)/cb.Size(); yy++ {
			if col[yy*cb.Size()+x] > col[best*cb.Size()+x] {
				best = yy
			}
		}
		require.Equal(t, y, best, "codeword %d is most likely received as itself", x)
	}
}

func TestOutputTableLimits(t *testing.T) {
	cb := fullBinary(t, 2)
	_, err := NewOutputTable(cb, Window{Min: 0, Max: 5}, func(int) ChannelParams { return ChannelParams{} }, OutputOptions{})
	require.ErrorIs(t, err, ErrShape)
	_, err = NewOutputTable(cb, Window{Min: 0, Max: 4}, func(int) ChannelParams { return ChannelParams{Pi: math.NaN()} }, OutputOptions{})
	require.ErrorIs(t, err, ErrBadParams)
}
