package simenv

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

const serviceName = "ids.simenv.Env"

// EnvService is the gRPC surface of a Server. Messages are generic structs
// so that clients need no generated code.
type EnvService interface {
	Configure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Step(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Rollout(grpc.ServerStream) error
}

var envServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EnvService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Configure", Handler: configureHandler},
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Rollout",
		Handler:       rolloutHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "simenv",
}

// RegisterEnv attaches an EnvService to s.
func RegisterEnv(s grpc.ServiceRegistrar, srv EnvService) {
	s.RegisterService(&envServiceDesc, srv)
}

func unary[Req any](name string, call func(EnvService, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EnvService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(EnvService), ctx, req.(*Req))
		})
	}
}

var (
	configureHandler = unary("Configure", func(s EnvService, ctx context.Context, in *structpb.Struct) (any, error) {
		return s.Configure(ctx, in)
	})
	resetHandler = unary("Reset", func(s EnvService, ctx context.Context, in *emptypb.Empty) (any, error) {
		return s.Reset(ctx, in)
	})
	stepHandler = unary("Step", func(s EnvService, ctx context.Context, in *emptypb.Empty) (any, error) {
		return s.Step(ctx, in)
	})
)

func rolloutHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EnvService).Rollout(stream)
}

// GRPC adapts a Server to EnvService. Base supplies every decoder setting a
// Configure request leaves out.
type GRPC struct {
	Env  *Server
	Base Experiment
}

var _ EnvService = (*GRPC)(nil)

func (g *GRPC) Configure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	exp, err := experimentFromStruct(g.Base, in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := g.Env.Configure(ctx, &exp); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (g *GRPC) Reset(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	obs, err := g.Env.Reset(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return obs.Struct()
}

func (g *GRPC) Step(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	tr, err := g.Env.Step(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	obs := g.Env.Observation()
	m := obs.fields()
	m["errors"] = tr.Errors
	m["fallbacks_trial"] = tr.Fallbacks
	return structpb.NewStruct(m)
}

func (g *GRPC) Rollout(stream grpc.ServerStream) error {
	recv := func() (*StepRequest, error) {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return nil, err
		}
		return &StepRequest{Trials: intField(in, "trials", 1)}, nil
	}
	send := func(r *StepResponse) error {
		m := r.Obs.fields()
		m["done"] = r.Done
		out, err := structpb.NewStruct(m)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}
	return toStatus(g.Env.Rollout(stream.Context(), recv, send))
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrTransmit):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ids.ErrBadParams), errors.Is(err, ids.ErrShape), errors.Is(err, ids.ErrBadCodebook):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func (o Observation) fields() map[string]any {
	return map[string]any{
		"trials":          o.Trials,
		"symbols":         o.Symbols,
		"symbol_errors":   o.SymbolErrors,
		"max_errors":      o.MaxErrors,
		"transmit_errors": o.TransmitErrors,
		"fallbacks":       o.Fallbacks,
		"ser":             o.SER,
		"ixy":             o.Ixy,
		"mean_ll":         o.MeanLogLikelihood,
	}
}

// Struct encodes the observation for the wire.
func (o Observation) Struct() (*structpb.Struct, error) { return structpb.NewStruct(o.fields()) }

// ObservationFromStruct is the inverse of Observation.Struct.
func ObservationFromStruct(s *structpb.Struct) Observation {
	return Observation{
		Trials:            intField(s, "trials", 0),
		Symbols:           intField(s, "symbols", 0),
		SymbolErrors:      intField(s, "symbol_errors", 0),
		MaxErrors:         intField(s, "max_errors", 0),
		TransmitErrors:    intField(s, "transmit_errors", 0),
		Fallbacks:         intField(s, "fallbacks", 0),
		SER:               floatField(s, "ser", 0),
		Ixy:               floatField(s, "ixy", 0),
		MeanLogLikelihood: floatField(s, "mean_ll", 0),
	}
}

func floatField(s *structpb.Struct, key string, def float64) float64 {
	if v, ok := s.GetFields()[key]; ok {
		if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			return n.NumberValue
		}
	}
	return def
}

func intField(s *structpb.Struct, key string, def int) int {
	return int(floatField(s, key, float64(def)))
}

// experimentFromStruct overrides base with the keys present in s: pi, pd,
// ps, ns, seed, trials, nseq, num_iter, error_states, burst and prune.
func experimentFromStruct(base Experiment, s *structpb.Struct) (Experiment, error) {
	exp := base
	for key, v := range s.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return exp, fmt.Errorf("%s: want a number", key)
		}
		f := n.NumberValue
		switch key {
		case "pi":
			exp.Params.Pi = f
		case "pd":
			exp.Params.Pd = f
		case "ps":
			exp.Params.Ps = f
		case "ns":
			exp.Ns = int(f)
		case "seed":
			exp.Seed = int64(f)
		case "trials":
			exp.Trials = int(f)
		case "nseq":
			exp.Decoder.Nseq = int(f)
		case "num_iter":
			exp.Decoder.NumIter = int(f)
		case "error_states":
			exp.Decoder.ErrorStates = int(f)
		case "burst":
			exp.Decoder.Burst = int(f)
		case "prune":
			exp.Decoder.Prune = f
		default:
			return exp, fmt.Errorf("unknown key %q", key)
		}
	}
	if err := exp.Params.Validate(); err != nil {
		return exp, err
	}
	return exp, nil
}

// EnvClient calls a remote EnvService.
type EnvClient struct {
	cc grpc.ClientConnInterface
}

func NewEnvClient(cc grpc.ClientConnInterface) *EnvClient { return &EnvClient{cc: cc} }

func (c *EnvClient) Configure(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+serviceName+"/Configure", in, new(emptypb.Empty), opts...)
}

func (c *EnvClient) Reset(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Reset", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EnvClient) Step(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Step", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollout opens the step stream. Send {"trials": n} and receive one
// observation per request until "done".
func (c *EnvClient) Rollout(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.cc.NewStream(ctx, &envServiceDesc.Streams[0], "/"+serviceName+"/Rollout", opts...)
}
