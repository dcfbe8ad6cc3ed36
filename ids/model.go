package ids

import (
	"fmt"
)

// ChannelModel is the tabulated channel seen by the decoder. A model has one
// or more error states; leaving state e with codeword x moves the drift by
// Drift(e, x), emits a window drawn from Output(e) and enters state e1 with
// probability Next(e, x, e1).
type ChannelModel interface {
	States() int
	Drift(e, x int) *DriftTable
	Output(e int) *OutputTable
	Next(e0, x, e1 int) float64
}

// Model kinds.
const (
	KindIDS        = "ids"
	KindErrorState = "error-state"
	KindKmer       = "kmer"
)

// TableSet is the ChannelModel built by the strategies below. Drift and
// output tables are shared between states and codewords with equal
// parameters.
type TableSet struct {
	kind   string
	nu     int
	q      int
	size   int
	window Window
	drift  DriftRange
	base   ChannelParams

	states   int
	drifts   []*DriftTable
	driftIdx [][]int
	outputs  []*OutputTable
	outIdx   []int
	next     []float64
	// key is the Decoder.TableKey of the build, empty when unknown.
	key string
}

func (ts *TableSet) Kind() string               { return ts.kind }
func (ts *TableSet) States() int                { return ts.states }
func (ts *TableSet) Window() Window             { return ts.window }
func (ts *TableSet) DriftRange() DriftRange     { return ts.drift }
func (ts *TableSet) Base() ChannelParams        { return ts.base }
func (ts *TableSet) Key() string                { return ts.key }
func (ts *TableSet) Drift(e, x int) *DriftTable { return ts.drifts[ts.driftIdx[e][x]] }
func (ts *TableSet) Output(e int) *OutputTable  { return ts.outputs[ts.outIdx[e]] }

func (ts *TableSet) Next(e0, x, e1 int) float64 {
	return ts.next[(e0*ts.size+x)*ts.states+e1]
}

// DriftTables returns the distinct drift tables.
func (ts *TableSet) DriftTables() []*DriftTable { return ts.drifts }

// OutputTables returns the distinct output tables.
func (ts *TableSet) OutputTables() []*OutputTable { return ts.outputs }

// compatible reports whether the set was built for this codebook shape.
func (ts *TableSet) compatible(cb *Codebook) error {
	if ts.nu != cb.Nu() || ts.q != cb.Alphabet() || ts.size != cb.Size() {
		return fmt.Errorf("%w: tables for nu=%d q=%d size=%d, codebook nu=%d q=%d size=%d",
			ErrShape, ts.nu, ts.q, ts.size, cb.Nu(), cb.Alphabet(), cb.Size())
	}
	return nil
}

// tableBuilder collects tables while deduplicating by parameters.
type tableBuilder struct {
	ts     *TableSet
	cb     *Codebook
	opt    OutputOptions
	drifts map[ChannelParams]int
}

func newTableBuilder(kind string, cb *Codebook, base ChannelParams, states int, w Window, r DriftRange, opt OutputOptions) *tableBuilder {
	ts := &TableSet{
		kind:     kind,
		nu:       cb.Nu(),
		q:        cb.Alphabet(),
		size:     cb.Size(),
		window:   w,
		drift:    r,
		base:     base,
		states:   states,
		driftIdx: make([][]int, states),
		outIdx:   make([]int, states),
		next:     make([]float64, states*cb.Size()*states),
	}
	for e := range ts.driftIdx {
		ts.driftIdx[e] = make([]int, cb.Size())
	}
	return &tableBuilder{ts: ts, cb: cb, opt: opt, drifts: map[ChannelParams]int{}}
}

func (b *tableBuilder) driftFor(p ChannelParams) (int, error) {
	if i, ok := b.drifts[p]; ok {
		return i, nil
	}
	t, err := NewDriftTable(b.ts.nu, p, b.ts.window, b.ts.drift)
	if err != nil {
		return 0, err
	}
	b.ts.drifts = append(b.ts.drifts, t)
	b.drifts[p] = len(b.ts.drifts) - 1
	return b.drifts[p], nil
}

func (b *tableBuilder) output(params func(x int) ChannelParams) (int, error) {
	t, err := NewOutputTable(b.cb, b.ts.window, params, b.opt)
	if err != nil {
		return 0, err
	}
	b.ts.outputs = append(b.ts.outputs, t)
	return len(b.ts.outputs) - 1, nil
}

// BuildIDSTables tabulates the plain single-state IDS channel.
func BuildIDSTables(cb *Codebook, p ChannelParams, w Window, r DriftRange, opt OutputOptions) (*TableSet, error) {
	b := newTableBuilder(KindIDS, cb, p, 1, w, r, opt)
	if _, err := b.driftFor(p); err != nil {
		return nil, err
	}
	if _, err := b.output(func(int) ChannelParams { return p }); err != nil {
		return nil, err
	}
	for x := range b.ts.size {
		b.ts.next[x] = 1
	}
	return b.ts, nil
}

// StickyTransitions returns the error-state transition matrix that stays
// with probability stay and moves to each other state with (1-stay)/3.
func StickyTransitions(stay float64) [NumErrorStates][NumErrorStates]float64 {
	var pe [NumErrorStates][NumErrorStates]float64
	for e0 := range pe {
		for e1 := range pe[e0] {
			if e0 == e1 {
				pe[e0][e1] = stay
			} else {
				pe[e0][e1] = (1 - stay) / float64(NumErrorStates-1)
			}
		}
		Normalize(pe[e0][:])
	}
	return pe
}

// BuildErrorStateTables tabulates the four-state model with per-state
// parameters and sticky transitions.
func BuildErrorStateTables(cb *Codebook, states [NumErrorStates]ChannelParams, stay float64, w Window, r DriftRange, opt OutputOptions) (*TableSet, error) {
	if stay < 0 || stay > 1 {
		return nil, fmt.Errorf("%w: stay probability %g", ErrBadParams, stay)
	}
	b := newTableBuilder(KindErrorState, cb, states[StateMatch], int(NumErrorStates), w, r, opt)
	outs := map[ChannelParams]int{}
	for e, p := range states {
		di, err := b.driftFor(p)
		if err != nil {
			return nil, fmt.Errorf("state %v: %w", ErrorState(e), err)
		}
		for x := range b.ts.size {
			b.ts.driftIdx[e][x] = di
		}
		oi, ok := outs[p]
		if !ok {
			if oi, err = b.output(func(int) ChannelParams { return p }); err != nil {
				return nil, fmt.Errorf("state %v: %w", ErrorState(e), err)
			}
			outs[p] = oi
		}
		b.ts.outIdx[e] = oi
	}
	pe := StickyTransitions(stay)
	for e0 := range pe {
		for x := range b.ts.size {
			for e1 := range pe[e0] {
				b.ts.next[(e0*b.ts.size+x)*b.ts.states+e1] = pe[e0][e1]
			}
		}
	}
	return b.ts, nil
}

// BuildKmerTables tabulates the four-state model whose parameters and state
// transitions depend on the k-mer that ends each codeword. Only quaternary
// codebooks have k-mers.
func BuildKmerTables(cb *Codebook, rates *KmerRates, w Window, r DriftRange, opt OutputOptions) (*TableSet, error) {
	if cb.Alphabet() != 4 {
		return nil, fmt.Errorf("%w: k-mer model needs a quaternary codebook", ErrBadParams)
	}
	kmers := make([]int, cb.Size())
	for x := range kmers {
		kmers[x] = CodewordKmer(cb.Codeword(x))
	}
	base := rates.Rate(StateMatch, kmers[0]).Params()
	b := newTableBuilder(KindKmer, cb, base, int(NumErrorStates), w, r, opt)
	for e := StateMatch; e < NumErrorStates; e++ {
		for x, k := range kmers {
			rate := rates.Rate(e, k)
			di, err := b.driftFor(rate.Params())
			if err != nil {
				return nil, fmt.Errorf("state %v kmer %d: %w", e, k, err)
			}
			b.ts.driftIdx[e][x] = di
			nx := rate.Next()
			copy(b.ts.next[(int(e)*b.ts.size+x)*b.ts.states:], nx[:])
		}
		oi, err := b.output(func(x int) ChannelParams { return rates.Rate(e, kmers[x]).Params() })
		if err != nil {
			return nil, fmt.Errorf("state %v: %w", e, err)
		}
		b.ts.outIdx[e] = oi
	}
	return b.ts, nil
}

// KmerWindowRates returns the largest insertion and deletion rates the
// codebook's k-mers use, for sizing the window.
func KmerWindowRates(cb *Codebook, rates *KmerRates) (pi, pd float64) {
	for e := StateMatch; e < NumErrorStates; e++ {
		for x := range cb.Size() {
			p := rates.Rate(e, CodewordKmer(cb.Codeword(x))).Params()
			pi = max(pi, p.Pi)
			pd = max(pd, p.Pd)
		}
	}
	return pi, pd
}
