package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestCodewordStep(t *testing.T) {
	p := ChannelParams{Pi: 0.1, Pd: 0.2, Ps: 0.3}
	require.InDeltaSlice(t, []float64{0.2, 0.7, 0.1}, CodewordStep(1, p), 1e-15)

	s := CodewordStep(4, p)
	require.Len(t, s, 9)
	require.InDelta(t, 1, floats.Sum(s), 1e-12)
	// four deletions in a row
	require.InDelta(t, 0.2*0.2*0.2*0.2, s[0], 1e-15)
	require.InDelta(t, 0.7*0.7*0.7*0.7+12*0.1*0.2*0.7*0.7+6*0.1*0.1*0.2*0.2, s[4], 1e-12)
}

func TestDriftTableRows(t *testing.T) {
	nu := 4
	p := ChannelParams{Pi: 0.05, Pd: 0.1}
	w := NewWindow(nu, p.Pi, p.Pd, 0)
	r := DefaultDriftRange(40, nu, p.Pi, p.Pd)
	gd, err := NewDriftTable(nu, p, w, r)
	require.NoError(t, err)
	require.Equal(t, r, gd.Range())
	require.Equal(t, r.Len(), gd.Len())
	for i0 := 0; i0 < gd.Len(); i0++ {
		s := gd.RowSum(i0)
		if s != 0 {
			require.InDelta(t, 1, s, 1e-9, "row %d", i0)
		}
		for i1 := 0; i1 < gd.Len(); i1++ {
			if !w.Contains(nu + i1 - i0) {
				require.Zero(t, gd.At(i0, i1))
			}
		}
	}
	require.True(t, gd.finite())
}

func TestDriftTableFixedWindow(t *testing.T) {
	r := DriftRange{Min: -3, Max: 3}
	gd, err := NewDriftTable(4, ChannelParams{Pi: 0.1, Pd: 0.1}, Window{Min: 4, Max: 4}, r)
	require.NoError(t, err)
	for i := 0; i < r.Len(); i++ {
		require.InDelta(t, 1, gd.At(i, i), 1e-12)
	}
}

func TestDriftTableErrors(t *testing.T) {
	w := Window{Min: 2, Max: 6}
	_, err := NewDriftTable(4, ChannelParams{Pi: 0.5}, w, DriftRange{Min: -1, Max: 1})
	require.ErrorIs(t, err, ErrBadParams)
	_, err = NewDriftTable(4, ChannelParams{}, w, DriftRange{Min: 1, Max: 3})
	require.ErrorIs(t, err, ErrShape)
}
