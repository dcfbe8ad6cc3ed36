package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ayakokk/DNAStorage-sub000/internal/simenv"
)

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:50051", "Env gRPC address")
		cmd     = flag.String("cmd", "configure", "command: configure|reset|step|rollout")
		pi      = flag.Float64("pi", -1, "insertion probability (unset keeps the server default)")
		pd      = flag.Float64("pd", -1, "deletion probability")
		ps      = flag.Float64("ps", -1, "substitution probability")
		ns      = flag.Int("ns", 0, "codewords per block")
		nseq    = flag.Int("nseq", 0, "received copies per block")
		seed    = flag.Int64("seed", 0, "source seed")
		trials  = flag.Int("trials", 0, "trial budget (configure) or trials per request (rollout)")
		batch   = flag.Int("batch", 10, "trials per rollout request")
		timeout = flag.Duration("timeout", 30*time.Second, "per-call timeout")
	)
	flag.Parse()

	conn, err := grpc.Dial(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer conn.Close()
	stub := simenv.NewEnvClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *cmd {
	case "configure":
		m := map[string]any{}
		for key, v := range map[string]float64{"pi": *pi, "pd": *pd, "ps": *ps} {
			if v >= 0 {
				m[key] = v
			}
		}
		for key, v := range map[string]int{"ns": *ns, "nseq": *nseq, "trials": *trials} {
			if v > 0 {
				m[key] = v
			}
		}
		if *seed != 0 {
			m["seed"] = *seed
		}
		in, err := structpb.NewStruct(m)
		if err != nil {
			fatalf("%v", err)
		}
		if err := stub.Configure(ctx, in); err != nil {
			fatalf("configure: %v", err)
		}
		fmt.Println("configured")
	case "reset":
		if _, err := stub.Reset(ctx); err != nil {
			fatalf("reset: %v", err)
		}
		fmt.Println("reset ok")
	case "step":
		out, err := stub.Step(ctx)
		if err != nil {
			fatalf("step: %v", err)
		}
		printObs(out)
	case "rollout":
		stream, err := stub.Rollout(ctx)
		if err != nil {
			fatalf("rollout: %v", err)
		}
		n := *trials
		if n <= 0 {
			n = *batch
		}
		for n > 0 {
			k := min(*batch, n)
			if err := stream.SendMsg(mustStruct(map[string]any{"trials": k})); err != nil {
				fatalf("send: %v", err)
			}
			out := new(structpb.Struct)
			if err := stream.RecvMsg(out); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				fatalf("recv: %v", err)
			}
			printObs(out)
			if out.GetFields()["done"].GetBoolValue() {
				break
			}
			n -= k
		}
		_ = stream.CloseSend()
	default:
		fatalf("unknown cmd %q", *cmd)
	}
}

func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		fatalf("%v", err)
	}
	return s
}

func printObs(s *structpb.Struct) {
	o := simenv.ObservationFromStruct(s)
	fmt.Printf("trials=%d symbols=%d errors=%d SER=%.3e Ixy=%.4f maxErr=%d transmitErr=%d fallbacks=%d\n",
		o.Trials, o.Symbols, o.SymbolErrors, o.SER, o.Ixy, o.MaxErrors, o.TransmitErrors, o.Fallbacks)
}

func fatalf(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
	os.Exit(1)
}
