// Package config loads YAML run configurations for the IDS tools.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ayakokk/DNAStorage-sub000/ids"
	"github.com/ayakokk/DNAStorage-sub000/internal/extchan"
)

// Files of the codebook directory convention.
const (
	CodebookFile    = "cb.txt"
	ConstraintsFile = "constraint.txt"
	EncodingFile    = "EncCM.bin"
)

// Channel kinds.
const (
	ChannelIDS      = "ids"
	ChannelExternal = "external"
)

type Config struct {
	Codebook CodebookConfig `yaml:"codebook"`
	Channel  ChannelConfig  `yaml:"channel"`
	Decoder  DecoderConfig  `yaml:"decoder"`
	Run      RunConfig      `yaml:"run"`
	External extchan.Config `yaml:"external"`
}

// CodebookConfig names the codebook files. Dir fills the others from the
// directory convention when they are empty.
type CodebookConfig struct {
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	Constraints string `yaml:"constraints"`
	Encoding    string `yaml:"encoding"`
	Alphabet    int    `yaml:"alphabet"`
}

type ChannelConfig struct {
	Kind   string            `yaml:"kind"`
	Params ids.ChannelParams `yaml:",inline"`
	// Sub is "uniform" (default) or "nanopore".
	Sub                 string `yaml:"sub"`
	DuplicateInsertions bool   `yaml:"duplicate_insertions"`
}

type DecoderConfig struct {
	Nseq        int `yaml:"nseq"`
	NumIter     int `yaml:"num_iter"`
	ErrorStates int `yaml:"error_states"`
	// Stay is the error-state persistence; unset uses the decoder default.
	Stay      *float64 `yaml:"stay"`
	Kmer      bool     `yaml:"kmer"`
	RatesDir  string   `yaml:"rates_dir"`
	Burst     int      `yaml:"burst"`
	Prune     float64  `yaml:"prune"`
	Workers   int      `yaml:"workers"`
	TablesDir string   `yaml:"tables_dir"`
}

type RunConfig struct {
	Ns     int    `yaml:"ns"`
	Trials int    `yaml:"trials"`
	Seed   int64  `yaml:"seed"`
	Out    string `yaml:"out"`
	// Sweep lists extra channel parameter points evaluated after Channel.
	Sweep []ids.ChannelParams `yaml:"sweep"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{Kind: ChannelIDS, Sub: "uniform"},
		Decoder: DecoderConfig{Nseq: 1, NumIter: 1, ErrorStates: 1},
		Run:     RunConfig{Ns: 100, Trials: 100, Seed: 1, Out: "runs"},
	}
}

// LoadConfig reads a YAML file over the defaults, resolves the codebook
// directory and validates the result.
func LoadConfig(path string) (*Config, error) {
	return Load(path, nil)
}

// Load is LoadConfig with command-line overrides applied before
// validation. An empty path starts from Default.
func Load(path string, o *Overrides) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = readFile(path); err != nil {
			return nil, err
		}
	}
	if o != nil {
		if err := o.Apply(c); err != nil {
			return nil, err
		}
	}
	if err := c.Resolve(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	base := filepath.Dir(path)
	for _, p := range []*string{&c.Codebook.Dir, &c.Codebook.File, &c.Codebook.Constraints, &c.Codebook.Encoding, &c.Decoder.RatesDir, &c.Decoder.TablesDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return c, nil
}

// Resolve applies the codebook directory convention.
func (c *Config) Resolve() error {
	cb := &c.Codebook
	if cb.Dir == "" {
		return nil
	}
	if cb.File == "" {
		cb.File = filepath.Join(cb.Dir, CodebookFile)
	}
	for _, f := range []struct {
		dst  *string
		name string
	}{{&cb.Constraints, ConstraintsFile}, {&cb.Encoding, EncodingFile}} {
		if *f.dst != "" {
			continue
		}
		p := filepath.Join(cb.Dir, f.name)
		_, err := os.Stat(p)
		switch {
		case err == nil:
			*f.dst = p
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Codebook.File == "" {
		return errors.New("codebook.file or codebook.dir is required")
	}
	if a := c.Codebook.Alphabet; a != 0 && a != 2 && a != 4 {
		return fmt.Errorf("codebook.alphabet must be 2 or 4, got %d", a)
	}
	if err := c.Channel.Params.Validate(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	switch c.Channel.Kind {
	case ChannelIDS, ChannelExternal:
	default:
		return fmt.Errorf("channel.kind must be %q or %q, got %q", ChannelIDS, ChannelExternal, c.Channel.Kind)
	}
	switch c.Channel.Sub {
	case "", "uniform", "nanopore":
	default:
		return fmt.Errorf("channel.sub must be uniform or nanopore, got %q", c.Channel.Sub)
	}
	for i, p := range c.Run.Sweep {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("run.sweep[%d]: %w", i, err)
		}
	}
	d := c.Decoder
	switch {
	case d.Nseq <= 0 || d.NumIter <= 0:
		return errors.New("decoder.nseq and decoder.num_iter must be positive")
	case d.ErrorStates != 1 && d.ErrorStates != int(ids.NumErrorStates):
		return fmt.Errorf("decoder.error_states must be 1 or 4, got %d", d.ErrorStates)
	case d.Stay != nil && (*d.Stay < 0 || *d.Stay > 1):
		return fmt.Errorf("decoder.stay must be in [0,1], got %g", *d.Stay)
	case d.Kmer && d.RatesDir == "":
		return errors.New("decoder.kmer needs decoder.rates_dir")
	case c.Run.Ns <= 0 || c.Run.Trials <= 0:
		return errors.New("run.ns and run.trials must be positive")
	}
	return nil
}

// LoadCodebook reads the codebook and, when configured, its constraints.
func (c *Config) LoadCodebook() (*ids.Codebook, error) {
	cb, err := ids.LoadCodebook(c.Codebook.File, c.Codebook.Alphabet)
	if err != nil {
		return nil, err
	}
	if c.Codebook.Constraints == "" {
		return cb, nil
	}
	k, err := ids.LoadConstraints(c.Codebook.Constraints)
	if err != nil {
		return nil, err
	}
	return cb.WithConstraints(k)
}

// SubMatrix returns the configured substitution profile for alphabet q.
func (c *Config) SubMatrix(q int) ids.SubMatrix {
	if c.Channel.Sub == "nanopore" && q == 4 {
		return ids.NanoporeSubMatrix()
	}
	return ids.UniformSubMatrix(q)
}

// DecoderConfig assembles the decoder settings, loading k-mer rates, the
// encoding channel matrix and exported tables as configured.
func (c *Config) DecoderConfig(cb *ids.Codebook, logger *log.Logger) (ids.Config, error) {
	d := c.Decoder
	cfg := ids.Config{
		Nseq:                d.Nseq,
		NumIter:             d.NumIter,
		ErrorStates:         d.ErrorStates,
		Kmer:                d.Kmer,
		Stay:                d.Stay,
		Burst:               d.Burst,
		Sub:                 c.SubMatrix(cb.Alphabet()),
		DuplicateInsertions: c.Channel.DuplicateInsertions,
		Prune:               d.Prune,
		Workers:             d.Workers,
		Logger:              logger,
	}
	if d.Kmer {
		rates, err := ids.LoadKmerRates(d.RatesDir)
		if err != nil {
			return cfg, err
		}
		if logger != nil {
			logger.Printf("config: %d k-mer rates loaded, %d fallbacks", rates.Loaded, rates.Fallbacks)
		}
		cfg.Rates = rates
	}
	if c.Codebook.Encoding != "" {
		m, err := ids.LoadChannelMatrix(c.Codebook.Encoding)
		if err != nil {
			return cfg, err
		}
		cfg.Encoding = m
	}
	if d.TablesDir != "" {
		ts, _, err := ids.LoadTables(d.TablesDir, cb)
		if err != nil {
			return cfg, err
		}
		cfg.Tables = ts
	}
	return cfg, nil
}

// NewDecoder builds the decoder for point p over blocks of ns codewords.
// Loaded tables are reused when they were built for that point, otherwise
// the decoder builds its own.
func NewDecoder(cb *ids.Codebook, p ids.ChannelParams, ns int, dcfg ids.Config, logger *log.Logger) (*ids.Decoder, error) {
	dec, err := ids.NewDecoder(cb, p, ns, dcfg)
	if dcfg.Tables == nil || !errors.Is(err, ids.ErrTableMismatch) {
		return dec, err
	}
	if logger != nil {
		logger.Printf("config: %v; building tables for %v", err, p)
	}
	dcfg.Tables = nil
	return ids.NewDecoder(cb, p, ns, dcfg)
}

// NewChannel opens the configured channel for alphabet q. The closer is a
// no-op for the in-process channel.
func (c *Config) NewChannel(ctx context.Context, p ids.ChannelParams, q int, seed int64) (ids.Channel, io.Closer, error) {
	if c.Channel.Kind == ChannelExternal {
		ext := c.External
		ext.Alphabet = q
		s, err := extchan.Start(ctx, ext)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	ch, err := ids.NewIDSChannel(p, q, seed, ids.WithSubMatrix(c.SubMatrix(q)))
	if err != nil {
		return nil, nil, err
	}
	return ch, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CodebookName labels the codebook in reports.
func (c *Config) CodebookName() string {
	if c.Codebook.Dir != "" {
		return filepath.Base(c.Codebook.Dir)
	}
	return filepath.Base(c.Codebook.File)
}

// Points returns the channel parameters to evaluate, the configured
// channel first.
func (c *Config) Points() []ids.ChannelParams {
	return append([]ids.ChannelParams{c.Channel.Params}, c.Run.Sweep...)
}
