package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"

	"github.com/ayakokk/DNAStorage-sub000/internal/config"
	"github.com/ayakokk/DNAStorage-sub000/internal/simenv"
)

func main() {
	var (
		o           config.Overrides
		cfgPath     = flag.String("config", "", "YAML run configuration (defaults for Configure)")
		addr        = flag.String("addr", ":50051", "gRPC listen address")
		maxConns    = flag.Int("max-conns", 16, "maximum concurrent client connections")
		metricsAddr = flag.String("metrics", ":9101", "Prometheus metrics address (empty disables)")
	)
	o.Register(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*cfgPath, &o)
	if err != nil {
		fatalf("config: %v", err)
	}
	cb, err := cfg.LoadCodebook()
	if err != nil {
		fatalf("codebook: %v", err)
	}
	logger := log.New(os.Stderr, "envd ", log.LstdFlags)
	dcfg, err := cfg.DecoderConfig(cb, logger)
	if err != nil {
		fatalf("decoder: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env := simenv.NewServer(cb, cfg.NewChannel, simenv.NewMetrics(reg), logger)
	defer env.Close()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("metrics: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Println("listen:", err)
		return
	}
	if *maxConns > 0 {
		ln = netutil.LimitListener(ln, *maxConns)
	}
	grpcSrv := grpc.NewServer()
	simenv.RegisterEnv(grpcSrv, &simenv.GRPC{
		Env: env,
		Base: simenv.Experiment{
			Params:  cfg.Channel.Params,
			Ns:      cfg.Run.Ns,
			Seed:    cfg.Run.Seed,
			Decoder: dcfg,
			Trials:  cfg.Run.Trials,
		},
	})

	// Stop serving on a signal so the deferred Close releases the channel.
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-c; grpcSrv.GracefulStop() }()

	fmt.Printf("ids env gRPC listening on %s (codebook %s, Q=%d)\n", *addr, cfg.CodebookName(), cb.Size())
	if err := grpcSrv.Serve(ln); err != nil {
		fmt.Println("grpc serve:", err)
	}
}

func fatalf(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
	os.Exit(1)
}
