package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayakokk/DNAStorage-sub000/ids"
	"github.com/ayakokk/DNAStorage-sub000/internal/config"
	"github.com/ayakokk/DNAStorage-sub000/internal/report"
	"github.com/ayakokk/DNAStorage-sub000/internal/simenv"
)

func main() {
	var (
		o           config.Overrides
		cfgPath     = flag.String("config", "", "YAML run configuration")
		ecmOut      = flag.String("ecm-out", "", "write the decoder channel matrix of the last point to this file")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address while running")
		zst         = flag.Bool("zst", false, "compress the JSON run file")
		verbose     = flag.Bool("v", false, "log decoder setup")
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
	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	dcfg, err := cfg.DecoderConfig(cb, logger)
	if err != nil {
		fatalf("decoder: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := simenv.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := simenv.NewServer(cb, cfg.NewChannel, metrics, logger)
	defer env.Close()

	fmt.Printf("codebook %s: q=%d nu=%d Q=%d ns=%d nseq=%d iter=%d states=%d kmer=%t channel=%s\n",
		cfg.CodebookName(), cb.Alphabet(), cb.Nu(), cb.Size(), cfg.Run.Ns, dcfg.Nseq, dcfg.NumIter,
		cfg.Decoder.ErrorStates, dcfg.Kmer, cfg.Channel.Kind)

	run := report.NewRun("ids_eval", cfg.Run.Seed)
	var last *ids.ChannelMatrix
	for i, p := range cfg.Points() {
		if ctx.Err() != nil {
			break
		}
		exp := &simenv.Experiment{Params: p, Ns: cfg.Run.Ns, Seed: cfg.Run.Seed + int64(i), Decoder: dcfg}
		rec, err := evalPoint(ctx, env, exp, cfg.Run.Trials)
		if err != nil {
			env.Close()
			fatalf("p=%v: %v", p, err)
		}
		rec.Codebook = cfg.CodebookName()
		run.Add(rec)
		last = env.ChannelMatrix()
		fmt.Printf("p=%v trials=%d SER=%.3e BER=%.3e maxErr=%d Ixy=%.4f fallbacks=%d transmitErr=%d dec=%dms\n",
			p, rec.Trials, rec.SER, rec.BER, rec.MaxErrors, rec.Ixy, rec.Fallbacks, rec.TransmitErrors, rec.DecodeMS)
	}
	if ctx.Err() != nil {
		fmt.Println("interrupted; writing partial results")
	}
	st := ids.GetDecodeStats()
	fmt.Printf("decode calls=%d copies=%d avg/call=%v avg/pos=%v fallbacks=%d\n",
		st.Calls, st.Copies, st.AvgPerCall, st.AvgPerPos, st.Fallbacks)

	if *ecmOut != "" && last != nil && last.Total() > 0 {
		if err := last.WritePxy(*ecmOut); err != nil {
			fatalf("channel matrix: %v", err)
		}
		fmt.Printf("wrote %s\n", *ecmOut)
	}

	ts := time.Now().Format("20060102_150405")
	base := filepath.Join(cfg.Run.Out, "ids_eval_"+ts)
	jsonPath := base + ".json"
	if *zst {
		jsonPath += ".zst"
	}
	if err := run.Save(jsonPath); err != nil {
		fatalf("%v", err)
	}
	mdPath := base + ".md"
	f, err := os.Create(mdPath)
	if err != nil {
		fatalf("create md: %v", err)
	}
	if err := report.WriteMarkdown(f, "IDS decoder evaluation", []*report.Run{run}); err != nil {
		fatalf("write md: %v", err)
	}
	_ = f.Close()
	fmt.Printf("Report written: %s\nJSON: %s\n", mdPath, jsonPath)
}

// evalPoint runs trials at one channel point. Lost transmissions are
// counted and skipped.
func evalPoint(ctx context.Context, env *simenv.Server, exp *simenv.Experiment, trials int) (*report.Record, error) {
	if err := env.Configure(ctx, exp); err != nil {
		return nil, err
	}
	cb := env.Codebook()
	rec := &report.Record{
		Alphabet:    cb.Alphabet(),
		Nu:          cb.Nu(),
		Size:        cb.Size(),
		Ns:          exp.Ns,
		Nseq:        max(exp.Decoder.Nseq, 1),
		NumIter:     max(exp.Decoder.NumIter, 1),
		ErrorStates: max(exp.Decoder.ErrorStates, 1),
		Kmer:        exp.Decoder.Kmer,
		Pi:          exp.Params.Pi,
		Pd:          exp.Params.Pd,
		Ps:          exp.Params.Ps,
	}
	t0 := time.Now()
	for t := 0; t < trials && ctx.Err() == nil; t++ {
		tr, err := env.Step(ctx)
		if errors.Is(err, simenv.ErrTransmit) {
			log.Printf("trial %d: %v", t, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		for i, u := range tr.Decoded {
			rec.BitErrors += ids.HammingDistance(cb.Codeword(tr.Sent[i]), cb.Codeword(u))
		}
		rec.Bits += len(tr.Decoded) * cb.Nu()
	}
	rec.DecodeMS = time.Since(t0).Milliseconds()
	obs := env.Observation()
	rec.Trials = obs.Trials
	rec.Symbols = obs.Symbols
	rec.SymbolErrors = obs.SymbolErrors
	rec.MaxErrors = obs.MaxErrors
	rec.TransmitErrors = obs.TransmitErrors
	rec.Fallbacks = obs.Fallbacks
	rec.Ixy = obs.Ixy
	rec.Finish()
	return rec, nil
}

func fatalf(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
	os.Exit(1)
}
