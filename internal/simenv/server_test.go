package simenv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

func binaryCodebook(t testing.TB, nu int) *ids.Codebook {
	t.Helper()
	ws := make([][]byte, 1<<nu)
	for i := range ws {
		ws[i] = ids.IndexToSymbols(i, nu, 2, nil)
	}
	cb, err := ids.NewCodebook(2, ws)
	require.NoError(t, err)
	return cb
}

func echo(_ context.Context, x []byte) ([]byte, error) { return bytes.Clone(x), nil }

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func testExperiment() *Experiment {
	return &Experiment{
		Params:  ids.ChannelParams{Pi: 0.01, Pd: 0.01, Ps: 0.01},
		Ns:      6,
		Seed:    7,
		Decoder: ids.Config{Nseq: 2, Workers: 1},
	}
}

func newTestServer(t *testing.T, ch ids.Channel, closer io.Closer) (*Server, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	factory := func(context.Context, ids.ChannelParams, int, int64) (ids.Channel, io.Closer, error) {
		return ch, closer, nil
	}
	return NewServer(binaryCodebook(t, 3), factory, m, nil), m
}

func TestStepNoiseless(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).Times(6)

	s, m := newTestServer(t, ch, nil)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	for range 3 {
		tr, err := s.Step(context.Background())
		require.NoError(t, err)
		require.Equal(t, tr.Sent, tr.Decoded)
		require.Zero(t, tr.Errors)
		require.Len(t, tr.LogLikelihood, 2)
	}
	obs := s.Observation()
	require.Equal(t, 3, obs.Trials)
	require.Equal(t, 18, obs.Symbols)
	require.Zero(t, obs.SymbolErrors)
	require.Zero(t, obs.SER)
	require.Greater(t, obs.Ixy, 0.0)
	require.Less(t, obs.MeanLogLikelihood, 0.0)
	require.Equal(t, uint64(18), s.ChannelMatrix().Total())

	require.Equal(t, 3.0, testutil.ToFloat64(m.Trials))
	require.Equal(t, 18.0, testutil.ToFloat64(m.Symbols))
	require.Zero(t, testutil.ToFloat64(m.SymbolErrors))
	require.Zero(t, testutil.ToFloat64(m.SER))
}

func TestStepTransmitError(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	gomock.InOrder(
		ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).Return(nil, errors.New("broken pipe")),
		ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).Times(2),
	)

	s, m := newTestServer(t, ch, nil)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	_, err := s.Step(context.Background())
	require.ErrorIs(t, err, ErrTransmit)
	require.Equal(t, 1, s.Observation().TransmitErrors)
	require.Zero(t, s.Observation().Trials)
	require.Equal(t, 1.0, testutil.ToFloat64(m.TransmitErrors))

	_, err = s.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.Observation().Trials)
}

func TestNotConfigured(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	_, err := s.Step(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Reset(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	err = s.Rollout(context.Background(), func() (*StepRequest, error) { return &StepRequest{}, nil }, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfigureRejectsBadParams(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	exp := testExperiment()
	exp.Params.Pd = 0.7
	require.ErrorIs(t, s.Configure(context.Background(), exp), ids.ErrBadParams)
}

func TestConfigureRebuildsMismatchedTables(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	exp := testExperiment()
	built, err := ids.NewDecoder(s.Codebook(), exp.Params, exp.Ns, exp.Decoder)
	require.NoError(t, err)
	exp.Decoder.Tables = built.Tables()
	require.NoError(t, s.Configure(context.Background(), exp))
	require.Same(t, built.Tables(), s.Decoder().Tables())

	other := *exp
	other.Params = ids.ChannelParams{Pi: 0.05, Pd: 0.05, Ps: 0.2}
	require.NoError(t, s.Configure(context.Background(), &other))
	require.NotSame(t, built.Tables(), s.Decoder().Tables())
	require.Equal(t, other.Params, s.Decoder().Tables().Base())
}

func TestStepChannelMatrixShape(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).Times(2)

	s, _ := newTestServer(t, ch, nil)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	cm, err := ids.NewChannelMatrix(1, 1)
	require.NoError(t, err)
	s.cm = cm
	_, err = s.Step(context.Background())
	require.ErrorIs(t, err, ids.ErrShape)
	require.Zero(t, s.Observation().Trials)
}

func TestReconfigureClosesChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).AnyTimes()
	cc := &closeCounter{}

	s, _ := newTestServer(t, ch, cc)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	_, err := s.Step(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	require.Equal(t, 1, cc.n)
	require.Zero(t, s.Observation().Trials)
	require.NoError(t, s.Close())
	require.Equal(t, 2, cc.n)
}

func TestResetRepeatsSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).AnyTimes()

	s, _ := newTestServer(t, ch, nil)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))
	first, err := s.Step(context.Background())
	require.NoError(t, err)
	obs, err := s.Reset(context.Background())
	require.NoError(t, err)
	require.Equal(t, Observation{}, *obs)
	again, err := s.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Sent, again.Sent)
}

func TestRollout(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).AnyTimes()

	s, _ := newTestServer(t, ch, nil)
	exp := testExperiment()
	exp.Trials = 5
	require.NoError(t, s.Configure(context.Background(), exp))

	var got []*StepResponse
	recv := func() (*StepRequest, error) { return &StepRequest{Trials: 2}, nil }
	send := func(r *StepResponse) error { got = append(got, r); return nil }
	require.NoError(t, s.Rollout(context.Background(), recv, send))

	require.Len(t, got, 3)
	require.Equal(t, 2, got[0].Obs.Trials)
	require.False(t, got[0].Done)
	require.Equal(t, 4, got[1].Obs.Trials)
	require.Equal(t, 5, got[2].Obs.Trials)
	require.True(t, got[2].Done)
}

func TestRolloutSkipsTransmitErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)
	gomock.InOrder(
		ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout")),
		ch.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(echo).AnyTimes(),
	)

	s, _ := newTestServer(t, ch, nil)
	require.NoError(t, s.Configure(context.Background(), testExperiment()))

	calls := 0
	recv := func() (*StepRequest, error) {
		calls++
		if calls > 1 {
			return nil, io.EOF
		}
		return &StepRequest{Trials: 3}, nil
	}
	var last *StepResponse
	send := func(r *StepResponse) error { last = r; return nil }
	require.NoError(t, s.Rollout(context.Background(), recv, send))
	require.Equal(t, 2, last.Obs.Trials)
	require.Equal(t, 1, last.Obs.TransmitErrors)
}
