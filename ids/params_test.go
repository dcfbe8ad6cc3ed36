package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelParamsValidate(t *testing.T) {
	require.NoError(t, ChannelParams{Pi: 0.1, Pd: 0.1, Ps: 0.1}.Validate())
	require.NoError(t, ChannelParams{}.Validate())
	for _, p := range []ChannelParams{{Pi: 0.5}, {Pd: -0.1}, {Ps: 0.7}} {
		require.ErrorIs(t, p.Validate(), ErrBadParams, "%v", p)
	}
	require.InDelta(t, 0.7, ChannelParams{Pi: 0.1, Pd: 0.2}.Pt(), 1e-15)
}

func TestNewWindow(t *testing.T) {
	require.Equal(t, Window{Min: 1, Max: 7}, NewWindow(4, 0.1, 0.1, 0))
	require.Equal(t, Window{Min: 2, Max: 6}, NewWindow(4, 0, 0, 0))
	require.Equal(t, Window{Min: 3, Max: 5}, NewWindow(4, 0.1, 0.1, 1))
	// clamped to [0, 2nu]
	require.Equal(t, Window{Min: 0, Max: 4}, NewWindow(2, 0.4, 0.4, 0))
	require.True(t, Window{Min: 2, Max: 6}.Contains(4))
	require.False(t, Window{Min: 2, Max: 6}.Contains(7))
}

func TestDefaultDriftRange(t *testing.T) {
	r := DefaultDriftRange(100, 4, 0.015625, 0.03125)
	require.Equal(t, DriftRange{Min: -11, Max: 8}, r)
	require.Equal(t, 20, r.Len())
	require.True(t, DriftRange{}.IsZero())
}

func TestSubMatrixValidate(t *testing.T) {
	m := SubMatrix{{5, 1, 1, 2}, {1, 0, 1, 0}, {1, 1, 0, 0}, {0, 0, 3, 1}}
	require.NoError(t, m.Validate(4))
	require.InDeltaSlice(t, []float64{0, 0.25, 0.25, 0.5}, m[0], 1e-15)
	require.InDeltaSlice(t, []float64{0.5, 0, 0.5, 0}, m[1], 1e-15)

	require.ErrorIs(t, SubMatrix{{0, 1}}.Validate(2), ErrShape)
	require.ErrorIs(t, SubMatrix{{0, 0}, {1, 0}}.Validate(2), ErrBadParams)
	require.NoError(t, NanoporeSubMatrix().Validate(4))
	require.NoError(t, UniformSubMatrix(2).Validate(2))
}
