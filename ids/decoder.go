package ids

import (
	"fmt"
	"io"
	"log"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config selects the decoder variant. The zero value is the plain IDS model
// with one received copy and one pass.
type Config struct {
	// Nseq is the number of received copies per decode call.
	Nseq int
	// NumIter is the number of passes exchanging messages between copies.
	NumIter int
	// ErrorStates is 1 (plain) or 4 (Match/Ins/Del/Sub memory).
	ErrorStates int
	// Kmer makes parameters and state transitions depend on the k-mer that
	// ends each codeword. Needs Rates and four error states.
	Kmer  bool
	Rates *KmerRates
	// StateParams optionally sets per-state parameters of the error-state
	// model; empty means every state uses the base parameters.
	StateParams []ChannelParams
	// Stay is the error-state persistence, 0.7 when nil.
	Stay *float64
	// Burst bounds |Nu2 - Nu|; zero derives the window from the rates.
	Burst int
	// Drift fixes the tracked drift range; zero derives it from the block.
	Drift               DriftRange
	Sub                 SubMatrix
	DuplicateInsertions bool
	// Encoding is the channel between the outer symbols and the inner
	// codewords, counts or probabilities over Q x Q. Nil is the identity.
	Encoding *ChannelMatrix
	// Prune skips lattice branches whose table weight is below it.
	Prune float64
	// Workers bounds the goroutines used per call and per table build.
	Workers int
	// Tables reuses prebuilt (or loaded) tables instead of building them.
	Tables *TableSet
	Logger *log.Logger
}

const defaultStay = 0.7

// Decoder is the forward-backward decoder for one block shape. It is safe
// for concurrent use; every Decode call owns its message buffers.
type Decoder struct {
	cb     *Codebook
	params ChannelParams
	ns     int
	nb     int
	cfg    Config
	model  ChannelModel
	tables *TableSet
	window Window
	drift  DriftRange
	states int
	stay   float64
	ecm    [][]float64
	log    *log.Logger
}

// NewDecoder builds (or adopts) the channel tables for blocks of ns
// codewords of cb sent over the channel p.
func NewDecoder(cb *Codebook, p ChannelParams, ns int, cfg Config) (*Decoder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if ns <= 0 {
		return nil, fmt.Errorf("%w: ns=%d", ErrShape, ns)
	}
	if cfg.Nseq == 0 {
		cfg.Nseq = 1
	}
	if cfg.NumIter == 0 {
		cfg.NumIter = 1
	}
	stay := defaultStay
	if cfg.Stay != nil {
		stay = *cfg.Stay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ErrorStates == 0 {
		cfg.ErrorStates = 1
		if cfg.Kmer {
			cfg.ErrorStates = int(NumErrorStates)
		}
	}
	switch {
	case cfg.Nseq < 0 || cfg.NumIter < 0:
		return nil, fmt.Errorf("%w: nseq=%d numIter=%d", ErrBadParams, cfg.Nseq, cfg.NumIter)
	case cfg.ErrorStates != 1 && cfg.ErrorStates != int(NumErrorStates):
		return nil, fmt.Errorf("%w: %d error states", ErrBadParams, cfg.ErrorStates)
	case cfg.Kmer && (cfg.Rates == nil || cfg.ErrorStates != int(NumErrorStates)):
		return nil, fmt.Errorf("%w: k-mer model needs rates and 4 error states", ErrBadParams)
	case len(cfg.StateParams) != 0 && len(cfg.StateParams) != int(NumErrorStates):
		return nil, fmt.Errorf("%w: %d state parameter sets", ErrBadParams, len(cfg.StateParams))
	case stay < 0 || stay > 1:
		return nil, fmt.Errorf("%w: stay probability %g", ErrBadParams, stay)
	}
	d := &Decoder{
		cb:     cb,
		params: p,
		ns:     ns,
		nb:     ns * cb.Nu(),
		cfg:    cfg,
		stay:   stay,
		log:    cfg.Logger,
	}
	if d.log == nil {
		d.log = log.New(io.Discard, "", 0)
	}
	if err := d.setupTables(); err != nil {
		return nil, err
	}
	d.states = d.drift.Len() * d.model.States()
	if cfg.Encoding != nil {
		if cfg.Encoding.Rows() != cb.Size() || cfg.Encoding.Cols() != cb.Size() {
			return nil, fmt.Errorf("%w: encoding matrix %dx%d for %d codewords",
				ErrShape, cfg.Encoding.Rows(), cfg.Encoding.Cols(), cb.Size())
		}
		d.ecm = cfg.Encoding.Conditional()
	}
	d.log.Printf("ids: decoder %s nu=%d q=%d Q=%d ns=%d nseq=%d iter=%d window=[%d,%d] drift=[%d,%d] %v",
		d.tables.Kind(), cb.Nu(), cb.Alphabet(), cb.Size(), ns, cfg.Nseq, cfg.NumIter,
		d.window.Min, d.window.Max, d.drift.Min, d.drift.Max, p)
	return d, nil
}

func (d *Decoder) setupTables() error {
	cfg := d.cfg
	states := [NumErrorStates]ChannelParams{d.params, d.params, d.params, d.params}
	copy(states[:], cfg.StateParams)
	pi, pd := d.params.Pi, d.params.Pd
	switch {
	case cfg.Kmer:
		pi, pd = KmerWindowRates(d.cb, cfg.Rates)
	case cfg.ErrorStates > 1:
		for _, s := range states {
			pi, pd = max(pi, s.Pi), max(pd, s.Pd)
		}
	}
	d.window = NewWindow(d.cb.Nu(), pi, pd, cfg.Burst)
	d.drift = cfg.Drift
	if d.drift.IsZero() {
		d.drift = DefaultDriftRange(d.nb, d.cb.Nu(), pi, pd)
	}
	if ts := cfg.Tables; ts != nil {
		if err := d.checkTables(ts, states[StateMatch]); err != nil {
			return err
		}
		d.model, d.tables = ts, ts
		return nil
	}
	opt := OutputOptions{Sub: cfg.Sub, DuplicateInsertions: cfg.DuplicateInsertions, Workers: cfg.Workers}
	var (
		ts  *TableSet
		err error
	)
	t0 := time.Now()
	switch {
	case cfg.Kmer:
		ts, err = BuildKmerTables(d.cb, cfg.Rates, d.window, d.drift, opt)
	case cfg.ErrorStates > 1:
		ts, err = BuildErrorStateTables(d.cb, states, d.stay, d.window, d.drift, opt)
	default:
		ts, err = BuildIDSTables(d.cb, d.params, d.window, d.drift, opt)
	}
	if err != nil {
		return err
	}
	ts.key = d.TableKey()
	d.log.Printf("ids: built %d drift and %d output tables in %v", len(ts.DriftTables()), len(ts.OutputTables()), time.Since(t0))
	d.model, d.tables = ts, ts
	return nil
}

// checkTables accepts prebuilt tables only when they were built for the
// decoder's own channel: the build key must match when the set carries one,
// otherwise kind, base parameters, window and drift range are compared.
func (d *Decoder) checkTables(ts *TableSet, base ChannelParams) error {
	if err := ts.compatible(d.cb); err != nil {
		return err
	}
	cfg := d.cfg
	if ts.States() != cfg.ErrorStates {
		return fmt.Errorf("%w: tables have %d states, config %d", ErrShape, ts.States(), cfg.ErrorStates)
	}
	if ts.key != "" {
		if ts.key != d.TableKey() {
			return fmt.Errorf("%w: %s tables built for %v window=%v drift=%v, decoder %v window=%v drift=%v",
				ErrTableMismatch, ts.kind, ts.base, ts.window, ts.drift, d.params, d.window, d.drift)
		}
		return nil
	}
	kind := KindIDS
	switch {
	case cfg.Kmer:
		kind = KindKmer
	case cfg.ErrorStates > 1:
		kind = KindErrorState
	}
	switch {
	case ts.kind != kind:
		return fmt.Errorf("%w: %s tables, decoder needs %s", ErrTableMismatch, ts.kind, kind)
	case !cfg.Kmer && ts.base != base:
		return fmt.Errorf("%w: tables built for %v, decoder %v", ErrTableMismatch, ts.base, base)
	case ts.window != d.window || ts.drift != d.drift:
		return fmt.Errorf("%w: tables window=%v drift=%v, decoder window=%v drift=%v",
			ErrTableMismatch, ts.window, ts.drift, d.window, d.drift)
	}
	return nil
}

func (d *Decoder) Codebook() *Codebook    { return d.cb }
func (d *Decoder) Params() ChannelParams  { return d.params }
func (d *Decoder) Ns() int                { return d.ns }
func (d *Decoder) Nseq() int              { return d.cfg.Nseq }
func (d *Decoder) Window() Window         { return d.window }
func (d *Decoder) DriftRange() DriftRange { return d.drift }
func (d *Decoder) Model() ChannelModel    { return d.model }
func (d *Decoder) Tables() *TableSet      { return d.tables }
func (d *Decoder) Config() Config         { return d.cfg }

// Result is the output of one decode call.
type Result struct {
	// Posterior[i][u] is the output distribution over codewords.
	Posterior [][]float64
	// Up[i][x] is the combined channel-side message of all copies.
	Up [][]float64
	// CopyUp[j][i][x] is the up message of copy j.
	CopyUp [][][]float64
	// Drift[j][i][k] is the posterior of drift Dmin+k at boundary i.
	Drift    [][][]float64
	DriftMin int
	// ForwardScale[j][i] is the forward mass gained at step i before
	// normalization; the product is the probability of the received copy
	// without the terminal length condition.
	ForwardScale [][]float64
	// LogLikelihood[j] includes the terminal drift condition.
	LogLikelihood []float64
	// Fallbacks counts messages replaced by the uniform distribution.
	Fallbacks int
}

// HardDecision returns the most likely codeword index per position.
func (r *Result) HardDecision() []int {
	out := make([]int, len(r.Posterior))
	for i, p := range r.Posterior {
		out[i] = ArgMax(p)
	}
	return out
}

// Entropy sums the posterior entropies in bits.
func (r *Result) Entropy() float64 {
	h := 0.0
	for _, p := range r.Posterior {
		h += Entropy(p)
	}
	return h
}

// lane holds the messages of one received copy.
type lane struct {
	y         []byte
	alpha     [][]float64
	beta      [][]float64
	scale     []float64
	up        [][]float64
	down      [][]float64
	ys        []int
	fallbacks int
	logTerm   float64
}

// Decode computes codeword posteriors for one block from Nseq received
// copies. prior is Pin[i][u]; nil means uniform.
func (d *Decoder) Decode(recv [][]byte, prior [][]float64) (*Result, error) {
	t0 := time.Now()
	q, size := d.cb.Alphabet(), d.cb.Size()
	if len(recv) != d.cfg.Nseq {
		return nil, fmt.Errorf("%w: %d received copies, want %d", ErrShape, len(recv), d.cfg.Nseq)
	}
	for j, y := range recv {
		for k, s := range y {
			if int(s) >= q {
				return nil, fmt.Errorf("%w: copy %d symbol %d at %d", ErrShape, j, s, k)
			}
		}
	}
	pin := newMatrix(d.ns, size)
	if prior != nil {
		if len(prior) != d.ns {
			return nil, fmt.Errorf("%w: prior has %d positions, want %d", ErrShape, len(prior), d.ns)
		}
		for i, row := range prior {
			if len(row) != size {
				return nil, fmt.Errorf("%w: prior row %d has %d entries, want %d", ErrShape, i, len(row), size)
			}
			copy(pin[i], row)
		}
	} else {
		for i := range pin {
			copy(pin[i], Uniform(size))
		}
	}
	res := &Result{DriftMin: d.drift.Min}
	for i := range pin {
		if Normalize(pin[i]) {
			res.Fallbacks++
		}
	}
	// prior seen through the encoding channel
	pdown := pin
	if d.ecm != nil {
		pdown = newMatrix(d.ns, size)
		for i := range pin {
			for u, pu := range pin[i] {
				for v, c := range d.ecm[u] {
					pdown[i][v] += pu * c
				}
			}
			Normalize(pdown[i])
		}
	}

	lanes := make([]*lane, len(recv))
	for j, y := range recv {
		lanes[j] = d.newLane(y)
		for i := range pdown {
			copy(lanes[j].down[i], pdown[i])
		}
	}
	iters := d.cfg.NumIter
	if len(lanes) == 1 {
		iters = 1
	}
	for it := 0; it < iters; it++ {
		var g errgroup.Group
		g.SetLimit(d.cfg.Workers)
		for _, l := range lanes {
			g.Go(func() error {
				l.fallbacks = 0
				d.forward(l)
				d.backward(l)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if it+1 < iters {
			d.exchange(lanes, pdown)
		}
	}

	res.Up = newMatrix(d.ns, size)
	res.Posterior = newMatrix(d.ns, size)
	for i := 0; i < d.ns; i++ {
		up := res.Up[i]
		for x := range up {
			up[x] = 1
			for _, l := range lanes {
				up[x] *= l.up[i][x]
			}
		}
		if Normalize(up) {
			res.Fallbacks++
		}
		out := res.Posterior[i]
		for u := range out {
			if d.ecm == nil {
				out[u] = pin[i][u] * up[u]
				continue
			}
			s := 0.0
			for v, c := range d.ecm[u] {
				s += c * up[v]
			}
			out[u] = pin[i][u] * s
		}
		if Normalize(out) {
			res.Fallbacks++
		}
	}
	for _, l := range lanes {
		res.CopyUp = append(res.CopyUp, l.up)
		res.ForwardScale = append(res.ForwardScale, l.scale)
		res.Drift = append(res.Drift, d.driftPosterior(l))
		ll := l.logTerm
		for _, c := range l.scale {
			ll += math.Log(c)
		}
		res.LogLikelihood = append(res.LogLikelihood, ll)
		res.Fallbacks += l.fallbacks
	}
	recordDecode(len(lanes), d.ns, res.Fallbacks, time.Since(t0))
	return res, nil
}

func (d *Decoder) newLane(y []byte) *lane {
	size := d.cb.Size()
	return &lane{
		y:     y,
		alpha: newMatrix(d.ns+1, d.states),
		beta:  newMatrix(d.ns+1, d.states),
		scale: make([]float64, d.ns),
		up:    newMatrix(d.ns, size),
		down:  newMatrix(d.ns, size),
		ys:    make([]int, d.window.Max-d.window.Min+1),
	}
}

// windows fills l.ys with the packed received window of every supported
// length starting at codeword i under drift index i0, or -1 where the
// window leaves the received sequence. It reports whether any window fits.
func (d *Decoder) windows(l *lane, i, i0 int) bool {
	nu, q := d.cb.Nu(), d.cb.Alphabet()
	start := i*nu + i0 + d.drift.Min
	ok := false
	v := 0
	for n := 0; n <= d.window.Max; n++ {
		fits := start >= 0 && start+n <= len(l.y)
		if n > 0 && fits {
			v = v*q + int(l.y[start+n-1])
		}
		if n < d.window.Min {
			continue
		}
		if !fits {
			l.ys[n-d.window.Min] = -1
			continue
		}
		l.ys[n-d.window.Min] = v
		ok = true
	}
	return ok
}

// branches calls fn with the end drift index and the weight GD*GX of every
// edge leaving drift index i0 in state e0 with codeword x.
func (d *Decoder) branches(l *lane, i0, e0, x int, fn func(i1 int, w float64)) {
	nu := d.cb.Nu()
	gd := d.model.Drift(e0, x).Row(i0)
	out := d.model.Output(e0)
	for n := d.window.Min; n <= d.window.Max; n++ {
		y := l.ys[n-d.window.Min]
		if y < 0 {
			continue
		}
		i1 := i0 + n - nu
		if i1 < 0 || i1 >= len(gd) || gd[i1] == 0 {
			continue
		}
		w := gd[i1] * out.Prob(n, y, x)
		if w == 0 || w < d.cfg.Prune {
			continue
		}
		fn(i1, w)
	}
}

func (d *Decoder) forward(l *lane) {
	E := d.model.States()
	size := d.cb.Size()
	drng := d.drift.Len()
	for _, a := range l.alpha {
		clear(a)
	}
	l.alpha[0][(-d.drift.Min)*E+int(StateMatch)] = 1
	for i := 0; i < d.ns; i++ {
		cur, next := l.alpha[i], l.alpha[i+1]
		for i0 := 0; i0 < drng; i0++ {
			live := false
			for e0 := 0; e0 < E; e0++ {
				if cur[i0*E+e0] != 0 {
					live = true
				}
			}
			if !live || !d.windows(l, i, i0) {
				continue
			}
			for e0 := 0; e0 < E; e0++ {
				a := cur[i0*E+e0]
				if a == 0 {
					continue
				}
				for x := 0; x < size; x++ {
					ad := a * l.down[i][x]
					if ad == 0 {
						continue
					}
					d.branches(l, i0, e0, x, func(i1 int, w float64) {
						w *= ad
						for e1 := 0; e1 < E; e1++ {
							next[i1*E+e1] += w * d.model.Next(e0, x, e1)
						}
					})
				}
			}
		}
		c := 0.0
		for _, v := range next {
			c += v
		}
		l.scale[i] = c
		if c > 0 {
			for k := range next {
				next[k] /= c
			}
		} else {
			Normalize(next)
			l.fallbacks++
		}
	}
}

// backward runs the backward recursion and collects the up messages, which
// need alpha[i] and beta[i+1] of the same step.
func (d *Decoder) backward(l *lane) {
	E := d.model.States()
	size := d.cb.Size()
	drng := d.drift.Len()
	for _, b := range l.beta {
		clear(b)
	}
	last := l.beta[d.ns]
	term := len(l.y) - d.nb - d.drift.Min
	if term >= 0 && term < drng {
		for e := 0; e < E; e++ {
			last[term*E+e] = 1
		}
		m := 0.0
		for e := 0; e < E; e++ {
			m += l.alpha[d.ns][term*E+e]
		}
		l.logTerm = math.Log(m)
		Normalize(last)
	} else {
		d.log.Printf("ids: received length %d outside drift range [%d,%d] of %d symbols",
			len(l.y), d.nb+d.drift.Min, d.nb+d.drift.Max, d.nb)
		l.logTerm = math.Inf(-1)
		Normalize(last)
		l.fallbacks++
	}
	for i := d.ns - 1; i >= 0; i-- {
		cur, next, alpha, up := l.beta[i], l.beta[i+1], l.alpha[i], l.up[i]
		clear(up)
		for i0 := 0; i0 < drng; i0++ {
			if !d.windows(l, i, i0) {
				continue
			}
			for e0 := 0; e0 < E; e0++ {
				a := alpha[i0*E+e0]
				b := 0.0
				for x := 0; x < size; x++ {
					s := 0.0
					d.branches(l, i0, e0, x, func(i1 int, w float64) {
						t := 0.0
						for e1 := 0; e1 < E; e1++ {
							t += d.model.Next(e0, x, e1) * next[i1*E+e1]
						}
						s += w * t
					})
					b += l.down[i][x] * s
					up[x] += a * s
				}
				cur[i0*E+e0] = b
			}
		}
		if Normalize(cur) {
			l.fallbacks++
		}
		if Normalize(up) {
			l.fallbacks++
		}
	}
}

// exchange sets each copy's down message to the prior times the up messages
// of all other copies.
func (d *Decoder) exchange(lanes []*lane, pdown [][]float64) {
	for j, l := range lanes {
		for i := range l.down {
			dn := l.down[i]
			copy(dn, pdown[i])
			for k, o := range lanes {
				if k == j {
					continue
				}
				for x := range dn {
					dn[x] *= o.up[i][x]
				}
			}
			if Normalize(dn) {
				l.fallbacks++
			}
		}
	}
}

func (d *Decoder) driftPosterior(l *lane) [][]float64 {
	E := d.model.States()
	drng := d.drift.Len()
	out := newMatrix(d.ns+1, drng)
	for i := range out {
		for k := 0; k < drng; k++ {
			for e := 0; e < E; e++ {
				out[i][k] += l.alpha[i][k*E+e] * l.beta[i][k*E+e]
			}
		}
		Normalize(out[i])
	}
	return out
}
