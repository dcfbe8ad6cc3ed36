package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"time"

	"github.com/ayakokk/DNAStorage-sub000/ids"
	"github.com/ayakokk/DNAStorage-sub000/internal/config"
)

func main() {
	var (
		o        config.Overrides
		cfgPath  = flag.String("config", "", "YAML run configuration")
		out      = flag.String("dir", "tables", "output directory")
		compress = flag.Bool("zstd", false, "zstd-compress table payloads")
		verify   = flag.Bool("verify", true, "reload the tables and compare a decode against the built ones")
	)
	o.Register(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*cfgPath, &o)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cb, err := cfg.LoadCodebook()
	if err != nil {
		log.Fatalf("codebook: %v", err)
	}
	dcfg, err := cfg.DecoderConfig(cb, log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		log.Fatalf("decoder config: %v", err)
	}
	p := cfg.Channel.Params
	t0 := time.Now()
	dec, err := ids.NewDecoder(cb, p, cfg.Run.Ns, dcfg)
	if err != nil {
		log.Fatalf("build tables for %v: %v", p, err)
	}
	fmt.Printf("built %s tables for %v in %v: %d drift, %d output, window=[%d,%d] drift=[%d,%d]\n",
		dec.Tables().Kind(), p, time.Since(t0).Round(time.Millisecond),
		len(dec.Tables().DriftTables()), len(dec.Tables().OutputTables()),
		dec.Window().Min, dec.Window().Max, dec.DriftRange().Min, dec.DriftRange().Max)

	meta, err := ids.ExportTables(*out, dec.Tables(), cb, ids.ExportOptions{Compress: *compress, Key: dec.TableKey()})
	if err != nil {
		log.Fatalf("export: %v", err)
	}
	fmt.Printf("wrote %s (checksum %s)\n", *out, meta.Checksum)

	if !*verify {
		return
	}
	ts, _, err := ids.LoadTables(*out, cb)
	if err != nil {
		log.Fatalf("reload: %v", err)
	}
	dcfg.Tables = ts
	reloaded, err := ids.NewDecoder(cb, p, cfg.Run.Ns, dcfg)
	if err != nil {
		log.Fatalf("decoder from reloaded tables: %v", err)
	}
	if err := compareDecoders(dec, reloaded, cfg, cb, cfg.Run.Seed); err != nil {
		log.Fatalf("verify: %v", err)
	}
	fmt.Println("verified: reloaded tables decode identically")
}

// compareDecoders decodes one random block with both decoders and requires
// identical posteriors.
func compareDecoders(a, b *ids.Decoder, cfg *config.Config, cb *ids.Codebook, seed int64) error {
	ch, err := ids.NewIDSChannel(a.Params(), cb.Alphabet(), seed, ids.WithSubMatrix(cfg.SubMatrix(cb.Alphabet())))
	if err != nil {
		return err
	}
	rng := mrand.New(mrand.NewSource(seed))
	iw := make([]int, a.Ns())
	for i := range iw {
		iw[i] = rng.Intn(cb.Size())
	}
	x, err := cb.Encode(iw)
	if err != nil {
		return err
	}
	recv := make([][]byte, a.Nseq())
	for j := range recv {
		if recv[j], err = ch.Transmit(context.Background(), x); err != nil {
			return err
		}
	}
	ra, err := a.Decode(recv, nil)
	if err != nil {
		return err
	}
	rb, err := b.Decode(recv, nil)
	if err != nil {
		return err
	}
	for i := range ra.Posterior {
		for u, v := range ra.Posterior[i] {
			if rb.Posterior[i][u] != v {
				return fmt.Errorf("posterior[%d][%d]: built %g, reloaded %g", i, u, v, rb.Posterior[i][u])
			}
		}
	}
	return nil
}
