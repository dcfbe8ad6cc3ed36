package ids

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomSymbols(rng *rand.Rand, n, q int) []byte {
	x := make([]byte, n)
	for i := range x {
		x[i] = byte(rng.Intn(q))
	}
	return x
}

func TestIDSChannelNoiseless(t *testing.T) {
	ch, err := NewIDSChannel(ChannelParams{}, 4, 1)
	require.NoError(t, err)
	x := randomSymbols(rand.New(rand.NewSource(1)), 200, 4)
	y, dr, err := ch.TransmitTrace(context.Background(), x)
	require.NoError(t, err)
	require.True(t, bytes.Equal(x, y))
	require.Equal(t, make([]int, len(x)+1), dr)
}

func TestIDSChannelLength(t *testing.T) {
	ctx := context.Background()
	ch, err := NewIDSChannel(ChannelParams{Pi: 0.1, Pd: 0.1, Ps: 0.1}, 2, 42)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(2))
	for trial := 0; trial < 50; trial++ {
		x := randomSymbols(rng, 100, 2)
		y, dr, err := ch.TransmitTrace(ctx, x)
		require.NoError(t, err)
		require.Len(t, dr, len(x)+1)
		require.Equal(t, len(x)+dr[len(x)], len(y))
		for i := 1; i < len(dr); i++ {
			step := dr[i] - dr[i-1]
			require.True(t, step >= -1 && step <= 1, "step %d", step)
		}
		for _, s := range y {
			require.Less(t, s, byte(2))
		}
	}
}

func TestIDSChannelDriftBounds(t *testing.T) {
	ch, err := NewIDSChannel(ChannelParams{Pi: 0.3, Pd: 0.3}, 4, 9, WithDriftBounds(-2, 2), WithSubMatrix(NanoporeSubMatrix()))
	require.NoError(t, err)
	x := randomSymbols(rand.New(rand.NewSource(3)), 1000, 4)
	_, dr, err := ch.TransmitTrace(context.Background(), x)
	require.NoError(t, err)
	for i, d := range dr {
		require.True(t, d >= -2 && d <= 2, "drift %d at %d", d, i)
	}
}

func TestIDSChannelErrors(t *testing.T) {
	_, err := NewIDSChannel(ChannelParams{Pi: 0.6}, 2, 1)
	require.ErrorIs(t, err, ErrBadParams)
	_, err = NewIDSChannel(ChannelParams{}, 3, 1)
	require.ErrorIs(t, err, ErrBadParams)
	_, err = NewIDSChannel(ChannelParams{}, 2, 1, WithDriftBounds(1, 3))
	require.ErrorIs(t, err, ErrBadParams)

	ch, err := NewIDSChannel(ChannelParams{}, 2, 1)
	require.NoError(t, err)
	_, err = ch.Transmit(context.Background(), []byte{0, 2})
	require.ErrorIs(t, err, ErrShape)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.Transmit(ctx, []byte{0, 1})
	require.ErrorIs(t, err, context.Canceled)
}
