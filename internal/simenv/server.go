// Package simenv runs decoding trials against a channel and exposes them as
// a configurable environment.
package simenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

var (
	// ErrTransmit wraps channel failures; the trial is lost but the
	// environment stays usable.
	ErrTransmit      = errors.New("simenv: transmit failed")
	ErrNotConfigured = errors.New("simenv: not configured")
)

// ChannelFactory opens a channel for parameters p over alphabet q.
type ChannelFactory func(ctx context.Context, p ids.ChannelParams, q int, seed int64) (ids.Channel, io.Closer, error)

// Experiment is one environment configuration.
type Experiment struct {
	Params  ids.ChannelParams
	Ns      int
	Seed    int64
	Decoder ids.Config
	// Trials ends a rollout once reached; zero runs until the client stops.
	Trials int
}

// Observation is the running state of the environment.
type Observation struct {
	Trials            int
	Symbols           int
	SymbolErrors      int
	MaxErrors         int
	TransmitErrors    int
	Fallbacks         int
	SER               float64
	Ixy               float64
	MeanLogLikelihood float64
}

// TrialResult describes one Step.
type TrialResult struct {
	Sent          []int
	Decoded       []int
	Errors        int
	LogLikelihood []float64
	Fallbacks     int
}

type StepRequest struct{ Trials int }

type StepResponse struct {
	Obs  Observation
	Done bool
}

// Server is the trial runner. All methods are safe for concurrent use; trials
// run one at a time.
type Server struct {
	cb         *ids.Codebook
	newChannel ChannelFactory
	metrics    *Metrics
	log        *log.Logger

	mu     sync.Mutex
	exp    *Experiment
	dec    *ids.Decoder
	ch     ids.Channel
	closer io.Closer
	rng    *rand.Rand
	cm     *ids.ChannelMatrix
	obs    Observation
	llSum  float64
	llN    int
}

// NewServer creates an environment over codebook cb. metrics and logger may
// be nil.
func NewServer(cb *ids.Codebook, newChannel ChannelFactory, metrics *Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{cb: cb, newChannel: newChannel, metrics: metrics, log: logger}
}

func (s *Server) Codebook() *ids.Codebook { return s.cb }

// Decoder returns the decoder of the current experiment, nil before
// Configure.
func (s *Server) Decoder() *ids.Decoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec
}

// Configure builds the decoder and opens the channel, replacing any previous
// experiment, and resets the accumulators.
func (s *Server) Configure(ctx context.Context, exp *Experiment) error {
	dec, err := ids.NewDecoder(s.cb, exp.Params, exp.Ns, exp.Decoder)
	if errors.Is(err, ids.ErrTableMismatch) {
		s.log.Printf("simenv: %v; building tables for %v", err, exp.Params)
		cfg := exp.Decoder
		cfg.Tables = nil
		dec, err = ids.NewDecoder(s.cb, exp.Params, exp.Ns, cfg)
	}
	if err != nil {
		return err
	}
	ch, closer, err := s.newChannel(ctx, exp.Params, s.cb.Alphabet(), exp.Seed)
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", ErrTransmit, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeChannel()
	e := *exp
	s.exp, s.dec, s.ch, s.closer = &e, dec, ch, closer
	s.reset()
	s.log.Printf("simenv: configured %v ns=%d nseq=%d seed=%d", exp.Params, exp.Ns, dec.Nseq(), exp.Seed)
	return nil
}

func (s *Server) closeChannel() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.log.Printf("simenv: close channel: %v", err)
		}
	}
	s.ch, s.closer = nil, nil
}

// Close releases the channel.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeChannel()
	s.exp = nil
	return nil
}

// Reset clears the accumulators and restarts the information source.
func (s *Server) Reset(ctx context.Context) (*Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exp == nil {
		return nil, ErrNotConfigured
	}
	s.reset()
	obs := s.observation()
	return &obs, nil
}

func (s *Server) reset() {
	s.rng = rand.New(rand.NewSource(s.exp.Seed))
	s.obs = Observation{}
	s.llSum, s.llN = 0, 0
	cm, err := ids.NewChannelMatrix(s.cb.Size(), s.cb.Size())
	if err != nil {
		s.log.Printf("simenv: no channel matrix: %v", err)
	}
	s.cm = cm
}

// Step runs one trial: a random information word is encoded, sent Nseq
// times and decoded.
func (s *Server) Step(ctx context.Context) (*TrialResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exp == nil {
		return nil, ErrNotConfigured
	}
	return s.step(ctx)
}

func (s *Server) step(ctx context.Context) (*TrialResult, error) {
	ns := s.exp.Ns
	iw := make([]int, ns)
	for i := range iw {
		iw[i] = s.rng.Intn(s.cb.Size())
	}
	var (
		x   []byte
		err error
	)
	if s.cb.Constraints() != nil {
		x, _, err = s.cb.EncodeConstrained(iw)
	} else {
		x, err = s.cb.Encode(iw)
	}
	if err != nil {
		return nil, err
	}
	sent, err := s.cb.Decode(x)
	if err != nil {
		return nil, err
	}
	recv := make([][]byte, s.dec.Nseq())
	for j := range recv {
		y, err := s.ch.Transmit(ctx, x)
		if err != nil {
			s.obs.TransmitErrors++
			s.metrics.transmitError()
			return nil, fmt.Errorf("%w: copy %d: %v", ErrTransmit, j, err)
		}
		recv[j] = y
	}
	t0 := time.Now()
	res, err := s.dec.Decode(recv, nil)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(t0)

	tr := &TrialResult{Sent: sent, Decoded: res.HardDecision(), LogLikelihood: res.LogLikelihood, Fallbacks: res.Fallbacks}
	for i, u := range tr.Decoded {
		if u != sent[i] {
			tr.Errors++
		}
		if s.cm != nil {
			if err := s.cm.Countup(sent[i], u); err != nil {
				return nil, fmt.Errorf("simenv: channel matrix: %w", err)
			}
		}
	}
	o := &s.obs
	o.Trials++
	o.Symbols += ns
	o.SymbolErrors += tr.Errors
	o.MaxErrors = max(o.MaxErrors, tr.Errors)
	o.Fallbacks += res.Fallbacks
	for _, ll := range res.LogLikelihood {
		if ll > -1e300 {
			s.llSum += ll
			s.llN++
		}
	}
	s.metrics.trial(ns, tr.Errors, res.Fallbacks, elapsed, s.observation().SER)
	return tr, nil
}

// Observation returns the current accumulators.
func (s *Server) Observation() Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observation()
}

func (s *Server) observation() Observation {
	o := s.obs
	if o.Symbols > 0 {
		o.SER = float64(o.SymbolErrors) / float64(o.Symbols)
	}
	if s.cm != nil && s.cm.Total() > 0 {
		o.Ixy = s.cm.Ixy()
	}
	if s.llN > 0 {
		o.MeanLogLikelihood = s.llSum / float64(s.llN)
	}
	return o
}

// ChannelMatrix returns the (sent, decoded) counts of the current
// experiment, or nil when Q*Q is too large to count.
func (s *Server) ChannelMatrix() *ids.ChannelMatrix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cm
}

// Rollout serves step requests until the client stops or the trial budget
// is used up. Transmit failures skip the trial.
func (s *Server) Rollout(ctx context.Context, streamRecv func() (*StepRequest, error), streamSend func(*StepResponse) error) error {
	for {
		req, err := streamRecv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		n := max(req.Trials, 1)
		s.mu.Lock()
		if s.exp == nil {
			s.mu.Unlock()
			return ErrNotConfigured
		}
		done := false
		for k := 0; k < n && !done; k++ {
			if err := ctx.Err(); err != nil {
				s.mu.Unlock()
				return err
			}
			if _, err := s.step(ctx); err != nil && !errors.Is(err, ErrTransmit) {
				s.mu.Unlock()
				return err
			}
			done = s.exp.Trials > 0 && s.obs.Trials >= s.exp.Trials
		}
		resp := &StepResponse{Obs: s.observation(), Done: done}
		s.mu.Unlock()
		if err := streamSend(resp); err != nil {
			return err
		}
		if resp.Done {
			return nil
		}
	}
}
