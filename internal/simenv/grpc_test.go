package simenv

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

type echoChannel struct{}

func (echoChannel) Transmit(ctx context.Context, x []byte) ([]byte, error) { return echo(ctx, x) }

func dialEnv(t *testing.T, base Experiment) *EnvClient {
	t.Helper()
	factory := func(context.Context, ids.ChannelParams, int, int64) (ids.Channel, io.Closer, error) {
		return echoChannel{}, nil, nil
	}
	env := NewServer(binaryCodebook(t, 3), factory, nil, nil)
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterEnv(s, &GRPC{Env: env, Base: base})
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewEnvClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGRPCUnary(t *testing.T) {
	c := dialEnv(t, *testExperiment())
	ctx := context.Background()

	_, err := c.Step(ctx)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = c.Configure(ctx, mustStruct(t, map[string]any{"pi": 0.02, "bogus": 1}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	err = c.Configure(ctx, mustStruct(t, map[string]any{"pd": 0.6}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, c.Configure(ctx, mustStruct(t, map[string]any{"pi": 0.02, "ns": 4, "nseq": 1})))
	out, err := c.Step(ctx)
	require.NoError(t, err)
	obs := ObservationFromStruct(out)
	require.Equal(t, 1, obs.Trials)
	require.Equal(t, 4, obs.Symbols)
	require.Zero(t, obs.SymbolErrors)
	require.Equal(t, 0.0, out.GetFields()["errors"].GetNumberValue())

	out, err = c.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, Observation{}, ObservationFromStruct(out))
}

func TestGRPCRollout(t *testing.T) {
	base := *testExperiment()
	base.Trials = 3
	c := dialEnv(t, base)
	ctx := context.Background()
	require.NoError(t, c.Configure(ctx, mustStruct(t, map[string]any{})))

	stream, err := c.Rollout(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(mustStruct(t, map[string]any{"trials": 2})))
	out := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(out))
	require.Equal(t, 2, ObservationFromStruct(out).Trials)
	require.False(t, out.GetFields()["done"].GetBoolValue())

	require.NoError(t, stream.SendMsg(mustStruct(t, map[string]any{"trials": 2})))
	require.NoError(t, stream.RecvMsg(out))
	require.Equal(t, 3, ObservationFromStruct(out).Trials)
	require.True(t, out.GetFields()["done"].GetBoolValue())
	require.ErrorIs(t, stream.RecvMsg(out), io.EOF)
}

func TestExperimentFromStruct(t *testing.T) {
	base := *testExperiment()
	exp, err := experimentFromStruct(base, mustStruct(t, map[string]any{
		"ps": 0.03, "seed": 11, "num_iter": 2, "error_states": 4, "burst": 3, "prune": 1e-9,
	}))
	require.NoError(t, err)
	require.Equal(t, 0.03, exp.Params.Ps)
	require.Equal(t, base.Params.Pi, exp.Params.Pi)
	require.Equal(t, int64(11), exp.Seed)
	require.Equal(t, 2, exp.Decoder.NumIter)
	require.Equal(t, 4, exp.Decoder.ErrorStates)
	require.Equal(t, 3, exp.Decoder.Burst)
	require.Equal(t, 1e-9, exp.Decoder.Prune)

	_, err = experimentFromStruct(base, mustStruct(t, map[string]any{"ns": "six"}))
	require.Error(t, err)
}
