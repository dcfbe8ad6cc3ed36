package ids

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelMatrixCounts(t *testing.T) {
	c, err := NewChannelMatrix(4, 4)
	require.NoError(t, err)
	for x := 0; x < 4; x++ {
		for k := 0; k < 10; k++ {
			require.NoError(t, c.Countup(x, x))
		}
	}
	require.Equal(t, uint64(40), c.Total())
	require.InDelta(t, 0.25, c.Pxy(2, 2), 1e-15)
	require.Zero(t, c.Pxy(2, 1))
	require.InDelta(t, 2, c.Hx(), 1e-12)
	require.InDelta(t, 0, c.Hxy(), 1e-12)
	require.InDelta(t, 2, c.Ixy(), 1e-12)
	require.InDeltaSlice(t, Uniform(4), c.Py(), 1e-15)
	require.ErrorIs(t, c.Countup(4, 0), ErrShape)
}

func TestChannelMatrixIndependent(t *testing.T) {
	c, err := NewChannelMatrix(2, 3)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	for k := 0; k < 60000; k++ {
		require.NoError(t, c.Countup(rng.Intn(2), rng.Intn(3)))
	}
	require.InDelta(t, 0, c.Ixy(), 1e-3)
	cond := c.Conditional()
	require.Len(t, cond, 2)
	requireDistributions(t, cond)
}

func TestChannelMatrixFile(t *testing.T) {
	c, err := NewChannelMatrixFromProbs([][]float64{{0.4, 0.1}, {0.1, 0.4}})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sub", "pxy.bin")
	require.NoError(t, c.WritePxy(path))
	back, err := LoadChannelMatrix(path)
	require.NoError(t, err)
	require.True(t, c.Equal(back))
	require.Equal(t, 2, back.Rows())
	require.InDelta(t, 0.4, back.Pxy(1, 1), 0)
	require.Greater(t, back.Ixy(), 0.0)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, b, 8+8*4)
	require.NoError(t, os.WriteFile(path, b[:len(b)-1], 0o644))
	_, err = LoadChannelMatrix(path)
	require.ErrorIs(t, err, ErrShape)
}

func TestChannelMatrixErrors(t *testing.T) {
	_, err := NewChannelMatrix(0, 3)
	require.ErrorIs(t, err, ErrShape)
	_, err = NewChannelMatrix(1<<14, 1<<14)
	require.ErrorIs(t, err, ErrTooLarge)
	_, err = NewChannelMatrixFromProbs([][]float64{{0.5, 2}})
	require.ErrorIs(t, err, ErrBadParams)
	_, err = NewChannelMatrixFromProbs([][]float64{{0.5, 0.5}, {1}})
	require.ErrorIs(t, err, ErrShape)
}
