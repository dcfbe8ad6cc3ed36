package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

// Overrides are command-line settings applied over a loaded configuration.
// Zero values leave the configuration unchanged.
type Overrides struct {
	Codebook    string
	Alphabet    int
	Channel     string
	Points      string
	Ns          int
	Trials      int
	Seed        int64
	Nseq        int
	NumIter     int
	ErrorStates int
	RatesDir    string
	TablesDir   string
	Workers     int
	Out         string
}

// Register binds the overrides to flags of fs.
func (o *Overrides) Register(fs *flag.FlagSet) {
	fs.StringVar(&o.Codebook, "cb", "", "codebook directory (cb.txt, constraint.txt, EncCM.bin) or file")
	fs.IntVar(&o.Alphabet, "q", 0, "alphabet size 2 or 4 (inferred when 0)")
	fs.StringVar(&o.Channel, "channel", "", "channel kind: ids or external")
	fs.StringVar(&o.Points, "p", "", "semicolon-separated Pi,Pd,Ps points")
	fs.IntVar(&o.Ns, "ns", 0, "codewords per block")
	fs.IntVar(&o.Trials, "trials", 0, "trials per point")
	fs.Int64Var(&o.Seed, "seed", 0, "random seed")
	fs.IntVar(&o.Nseq, "nseq", 0, "received copies per block")
	fs.IntVar(&o.NumIter, "iter", 0, "message exchange iterations")
	fs.IntVar(&o.ErrorStates, "states", 0, "decoder error states: 1 or 4")
	fs.StringVar(&o.RatesDir, "kmer", "", "k-mer rates directory; enables the k-mer model")
	fs.StringVar(&o.TablesDir, "tables", "", "reuse exported decoder tables from this directory")
	fs.IntVar(&o.Workers, "workers", 0, "goroutines per decode call")
	fs.StringVar(&o.Out, "out", "", "output directory")
}

// Apply writes the non-zero overrides into c.
func (o *Overrides) Apply(c *Config) error {
	if o.Codebook != "" {
		fi, err := os.Stat(o.Codebook)
		if err != nil {
			return fmt.Errorf("codebook: %w", err)
		}
		c.Codebook = CodebookConfig{Alphabet: c.Codebook.Alphabet}
		if fi.IsDir() {
			c.Codebook.Dir = o.Codebook
		} else {
			c.Codebook.File = o.Codebook
		}
	}
	if o.Points != "" {
		pts, err := ParsePoints(o.Points)
		if err != nil {
			return err
		}
		c.Channel.Params, c.Run.Sweep = pts[0], pts[1:]
	}
	if o.RatesDir != "" {
		c.Decoder.Kmer, c.Decoder.RatesDir = true, o.RatesDir
		if o.ErrorStates == 0 {
			c.Decoder.ErrorStates = int(ids.NumErrorStates)
		}
	}
	setString(&c.Channel.Kind, o.Channel)
	setString(&c.Decoder.TablesDir, o.TablesDir)
	setString(&c.Run.Out, o.Out)
	setInt(&c.Codebook.Alphabet, o.Alphabet)
	setInt(&c.Run.Ns, o.Ns)
	setInt(&c.Run.Trials, o.Trials)
	setInt(&c.Decoder.Nseq, o.Nseq)
	setInt(&c.Decoder.NumIter, o.NumIter)
	setInt(&c.Decoder.ErrorStates, o.ErrorStates)
	setInt(&c.Decoder.Workers, o.Workers)
	if o.Seed != 0 {
		c.Run.Seed = o.Seed
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// ParsePoints parses "pi,pd,ps;pi,pd,ps;...". A single value v stands for
// v,v,v.
func ParsePoints(s string) ([]ids.ChannelParams, error) {
	var out []ids.ChannelParams
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var p ids.ChannelParams
		if strings.Contains(part, ",") {
			if _, err := fmt.Sscanf(part, "%g,%g,%g", &p.Pi, &p.Pd, &p.Ps); err != nil {
				return nil, fmt.Errorf("bad point %q: %w", part, err)
			}
		} else {
			var v float64
			if _, err := fmt.Sscanf(part, "%g", &v); err != nil {
				return nil, fmt.Errorf("bad point %q: %w", part, err)
			}
			p = ids.ChannelParams{Pi: v, Pd: v, Ps: v}
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("point %q: %w", part, err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no points in %q", s)
	}
	return out, nil
}
