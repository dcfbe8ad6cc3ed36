package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayakokk/DNAStorage-sub000/ids"
	"github.com/ayakokk/DNAStorage-sub000/internal/config"
	"github.com/ayakokk/DNAStorage-sub000/internal/report"
)

type blockResult struct {
	symbols, symbolErrors, bits, bitErrors int
	erased, used, fallbacks                int
	reread, rescued                        int
	recovered                              bool
}

// blockOptions control how strands are accepted.
type blockOptions struct {
	threshold float64
	// rereads is the number of extra read rounds for erased strands; each
	// round decodes fresh copies with the previous soft output as prior.
	rereads int
}

func main() {
	var (
		o         config.Overrides
		cfgPath   = flag.String("config", "", "YAML run configuration")
		N         = flag.Int("N", 24, "strands per block (encoded RaptorQ symbols)")
		K         = flag.Int("K", 16, "source symbols per block")
		L         = flag.Int("L", 32, "bytes per symbol")
		blocks    = flag.Int("blocks", 20, "blocks per point")
		threshold = flag.Float64("threshold", 0.9, "erase strands whose confidence is below this")
		rereads   = flag.Int("rereads", 1, "extra read rounds for erased strands, chained through bit posteriors")
		verbose   = flag.Bool("v", false, "log decoder setup")
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
	outer, err := ids.NewOuterCode(cb, *N, *K, *L)
	if err != nil {
		fatalf("outer code: %v", err)
	}
	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	dcfg, err := cfg.DecoderConfig(cb, logger)
	if err != nil {
		fatalf("decoder: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("outer RaptorQ N=%d K=%d L=%d: %d codewords per strand, %d bits each (Q=%d)\n",
		outer.N, outer.K, outer.L, outer.Ns(), outer.BitsPerWord, cb.Size())

	run := report.NewRun("ids_outer_eval", cfg.Run.Seed)
	for i, p := range cfg.Points() {
		if ctx.Err() != nil {
			break
		}
		opt := blockOptions{threshold: *threshold, rereads: *rereads}
		rec, rr, err := evalPoint(ctx, cfg, cb, outer, dcfg, logger, p, cfg.Run.Seed+int64(i), *blocks, opt)
		if err != nil {
			fatalf("p=%v: %v", p, err)
		}
		run.Add(rec)
		fmt.Printf("p=%v blocks=%d recovered=%d strands=%d erased=%d reread=%d rescued=%d SER=%.3e BER=%.3e dec=%dms\n",
			p, rec.Blocks, rec.Recovered, rec.Strands, rec.Erased, rr.reread, rr.rescued, rec.SER, rec.BER, rec.DecodeMS)
	}

	ts := time.Now().Format("20060102_150405")
	base := filepath.Join(cfg.Run.Out, "ids_outer_eval_"+ts)
	if err := run.Save(base + ".json"); err != nil {
		fatalf("%v", err)
	}
	f, err := os.Create(base + ".md")
	if err != nil {
		fatalf("create md: %v", err)
	}
	if err := report.WriteMarkdown(f, "Concatenated IDS + RaptorQ evaluation", []*report.Run{run}); err != nil {
		fatalf("write md: %v", err)
	}
	_ = f.Close()
	fmt.Printf("Report written: %s.md\nJSON: %s.json\n", base, base)
}

func evalPoint(ctx context.Context, cfg *config.Config, cb *ids.Codebook, outer *ids.OuterCode, dcfg ids.Config,
	logger *log.Logger, p ids.ChannelParams, seed int64, blocks int, opt blockOptions) (*report.Record, *blockResult, error) {
	dec, err := config.NewDecoder(cb, p, outer.Ns(), dcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	ch, closer, err := cfg.NewChannel(ctx, p, cb.Alphabet(), seed)
	if err != nil {
		return nil, nil, err
	}
	defer closer.Close()

	rng := mrand.New(mrand.NewSource(seed))
	rec := &report.Record{
		Codebook: cfg.CodebookName(), Alphabet: cb.Alphabet(), Nu: cb.Nu(), Size: cb.Size(),
		Ns: outer.Ns(), Nseq: dec.Nseq(), NumIter: dcfg.NumIter, ErrorStates: dec.Model().States(), Kmer: dcfg.Kmer,
		Pi: p.Pi, Pd: p.Pd, Ps: p.Ps,
	}
	cm, err := ids.NewChannelMatrix(cb.Size(), cb.Size())
	if err != nil {
		return nil, nil, err
	}
	total := &blockResult{}
	t0 := time.Now()
	for b := 0; b < blocks && ctx.Err() == nil; b++ {
		data := make([]byte, outer.K*outer.L)
		rng.Read(data)
		res, err := runBlock(ctx, ch, dec, outer, data, opt, cm)
		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rec.Blocks++
		rec.Trials += outer.N
		rec.Strands += outer.N
		rec.Symbols += res.symbols
		rec.SymbolErrors += res.symbolErrors
		rec.Bits += res.bits
		rec.BitErrors += res.bitErrors
		rec.Erased += res.erased
		rec.Fallbacks += res.fallbacks
		total.reread += res.reread
		total.rescued += res.rescued
		if res.recovered {
			rec.Recovered++
		}
	}
	rec.DecodeMS = time.Since(t0).Milliseconds()
	if cm.Total() > 0 {
		rec.Ixy = cm.Ixy()
	}
	rec.Finish()
	return rec, total, nil
}

// readStrands sends the codewords of every listed strand through the channel
// nseq times. Transmissions are sequential; the channel need not be safe for
// concurrent use.
func readStrands(ctx context.Context, ch ids.Channel, xs [][]byte, which []int, nseq int) ([][][]byte, error) {
	recv := make([][][]byte, len(xs))
	for _, s := range which {
		recv[s] = make([][]byte, nseq)
		for j := range recv[s] {
			y, err := ch.Transmit(ctx, xs[s])
			if err != nil {
				return nil, fmt.Errorf("strand %d copy %d: %w", s, j, err)
			}
			recv[s][j] = y
		}
	}
	return recv, nil
}

// decodeStrands decodes the listed strands in parallel. A non-nil prior for
// a strand is the soft output of an earlier stage.
func decodeStrands(dec *ids.Decoder, recv [][][]byte, priors [][][]float64, which []int, results []*ids.Result) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, s := range which {
		g.Go(func() error {
			r, err := dec.Decode(recv[s], priors[s])
			if err != nil {
				return fmt.Errorf("strand %d: %w", s, err)
			}
			results[s] = r
			return nil
		})
	}
	return g.Wait()
}

// runBlock sends every strand of one block through the channel and decodes
// the strands in parallel. Erased strands are read again and decoded with the
// previous stage's soft output, carried through the per-bit posteriors, as
// prior. The outer decode runs last.
func runBlock(ctx context.Context, ch ids.Channel, dec *ids.Decoder, outer *ids.OuterCode, data []byte,
	opt blockOptions, cm *ids.ChannelMatrix) (*blockResult, error) {
	cb := dec.Codebook()
	infos, err := outer.Encode(data)
	if err != nil {
		return nil, err
	}
	xs := make([][]byte, len(infos))
	all := make([]int, len(infos))
	for s, info := range infos {
		if xs[s], err = cb.Encode(info); err != nil {
			return nil, err
		}
		all[s] = s
	}
	recv, err := readStrands(ctx, ch, xs, all, dec.Nseq())
	if err != nil {
		return nil, err
	}
	results := make([]*ids.Result, len(infos))
	priors := make([][][]float64, len(infos))
	if err := decodeStrands(dec, recv, priors, all, results); err != nil {
		return nil, err
	}

	res := &blockResult{}
	erased := func() []int {
		var out []int
		for s, r := range results {
			if ids.Confidence(r.Posterior) < opt.threshold {
				out = append(out, s)
			}
		}
		return out
	}
	for _, r := range results {
		res.fallbacks += r.Fallbacks
	}
	for round := 0; round < opt.rereads; round++ {
		again := erased()
		if len(again) == 0 {
			break
		}
		res.reread += len(again)
		if recv, err = readStrands(ctx, ch, xs, again, dec.Nseq()); err != nil {
			return nil, err
		}
		for _, s := range again {
			if priors[s], err = ids.ChainPrior(cb, results[s].Posterior); err != nil {
				return nil, err
			}
		}
		if err := decodeStrands(dec, recv, priors, again, results); err != nil {
			return nil, err
		}
		for _, s := range again {
			res.fallbacks += results[s].Fallbacks
			if ids.Confidence(results[s].Posterior) >= opt.threshold {
				res.rescued++
			}
		}
	}

	strands := make([]ids.Strand, len(infos))
	for s, info := range infos {
		r := results[s]
		strands[s] = ids.Strand{Info: r.HardDecision(), Erased: ids.Confidence(r.Posterior) < opt.threshold}
		if strands[s].Erased {
			res.erased++
		}
		for i, u := range strands[s].Info {
			res.symbols++
			if u != info[i] {
				res.symbolErrors++
			}
			if err := cm.Countup(info[i], u); err != nil {
				return nil, fmt.Errorf("channel matrix: %w", err)
			}
		}
		bp, err := ids.BitPosteriors(cb, r.Posterior)
		if err != nil {
			return nil, err
		}
		sent := ids.SymbolBits(xs[s], cb.Alphabet())
		res.bits += len(sent)
		for k, v := range sent {
			if ids.ArgMax(bp[k]) != int(v) {
				res.bitErrors++
			}
		}
	}
	got, used, err := outer.Decode(strands, len(data))
	res.used = used
	res.recovered = err == nil && bytes.Equal(got, data)
	return res, nil
}

func fatalf(f string, a ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", a...)
	os.Exit(1)
}
