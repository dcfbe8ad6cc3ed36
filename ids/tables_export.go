package ids

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/ayakokk/DNAStorage-sub000/internal/tablewire"
)

const metaFile = "meta.json"

// TableMeta describes an exported TableSet.
type TableMeta struct {
	Kind        string          `json:"kind"`
	Nu          int             `json:"nu"`
	Alphabet    int             `json:"alphabet"`
	Size        int             `json:"size"`
	Window      Window          `json:"window"`
	Drift       DriftRange      `json:"drift"`
	Params      ChannelParams   `json:"params"`
	States      int             `json:"states"`
	DriftParams []ChannelParams `json:"drift_params"`
	DriftIndex  [][]int         `json:"drift_index"`
	OutputIndex []int           `json:"output_index"`
	Outputs     int             `json:"outputs"`
	Next        []float64       `json:"next"`
	Compressed  bool            `json:"compressed"`
	// Key identifies the build inputs (see Decoder.TableKey).
	Key string `json:"key,omitempty"`
	// Checksum is blake2b-256 over the codewords and all raw payloads.
	Checksum string    `json:"checksum"`
	Created  time.Time `json:"created"`
}

type ExportOptions struct {
	Compress bool
	// Key overrides the build key recorded with the tables.
	Key string
}

func driftFile(k int) string          { return fmt.Sprintf("gd_%d.bin", k) }
func outputFile(o, nu2 int) string    { return fmt.Sprintf("gx_o%d_nu2_%d.bin", o, nu2) }
func newChecksum() (hash.Hash, error) { return blake2b.New256(nil) }

func hashCodebook(h hash.Hash, cb *Codebook) {
	for x := range cb.Size() {
		h.Write(cb.Codeword(x))
	}
}

// ExportTables writes ts to dir: meta.json, one file per drift table, one
// file per output table and window length, plus GD_table.txt and
// summary.txt for inspection.
func ExportTables(dir string, ts *TableSet, cb *Codebook, opt ExportOptions) (*TableMeta, error) {
	if err := ts.compatible(cb); err != nil {
		return nil, err
	}
	if len(ts.drifts) > tablewire.MaxIndex+1 || len(ts.outputs) > tablewire.MaxIndex+1 {
		return nil, fmt.Errorf("%w: %d drift and %d output tables", ErrTooLarge, len(ts.drifts), len(ts.outputs))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var enc *zstd.Encoder
	if opt.Compress {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer enc.Close()
	}
	sum, err := newChecksum()
	if err != nil {
		return nil, err
	}
	hashCodebook(sum, cb)

	meta := &TableMeta{
		Kind:        ts.kind,
		Nu:          ts.nu,
		Alphabet:    ts.q,
		Size:        ts.size,
		Window:      ts.window,
		Drift:       ts.drift,
		Params:      ts.base,
		States:      ts.states,
		DriftIndex:  ts.driftIdx,
		OutputIndex: ts.outIdx,
		Outputs:     len(ts.outputs),
		Next:        ts.next,
		Compressed:  opt.Compress,
		Key:         opt.Key,
		Created:     time.Now().UTC(),
	}
	if meta.Key == "" {
		meta.Key = ts.key
	}
	write := func(name string, h tablewire.TableHeader, vals []float64) error {
		raw := tablewire.AppendFloats(make([]byte, 0, 8*len(vals)), vals)
		sum.Write(raw)
		h.Version = tablewire.Version
		h.RawLen = uint32(len(raw))
		payload := raw
		if enc != nil {
			h.Flags |= tablewire.FlagZstd
			payload = enc.EncodeAll(raw, nil)
		}
		b := h.MarshalBinary(nil)
		b = append(b, payload...)
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}
	for k, t := range ts.drifts {
		meta.DriftParams = append(meta.DriftParams, t.Params())
		h := tablewire.TableHeader{Kind: tablewire.KindDrift, Index: uint16(k), Rows: uint32(t.n), Cols: uint32(t.n)}
		if err := write(driftFile(k), h, t.p); err != nil {
			return nil, err
		}
	}
	for o, t := range ts.outputs {
		for n := t.w.Min; n <= t.w.Max; n++ {
			h := tablewire.TableHeader{
				Kind:  tablewire.KindOutput,
				Index: uint16(o),
				Nu2:   uint16(n),
				Rows:  uint32(IPow(t.q, n)),
				Cols:  uint32(t.size),
			}
			if err := write(outputFile(o, n), h, t.Slice(n)); err != nil {
				return nil, err
			}
		}
	}
	meta.Checksum = hex.EncodeToString(sum.Sum(nil))

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), b, 0o644); err != nil {
		return nil, fmt.Errorf("write meta: %w", err)
	}
	if err := writeGDText(filepath.Join(dir, "GD_table.txt"), ts.drifts[0]); err != nil {
		return nil, err
	}
	if err := writeSummary(filepath.Join(dir, "summary.txt"), ts, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func writeGDText(path string, t *DriftTable) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# d0 d1 prob  (%v, drift [%d,%d])\n", t.r, t.d.Min, t.d.Max)
	for i0 := 0; i0 < t.n; i0++ {
		for i1, v := range t.Row(i0) {
			if v > 0 {
				fmt.Fprintf(w, "%d %d %.12e\n", i0+t.d.Min, i1+t.d.Min, v)
			}
		}
	}
	return w.Flush()
}

func writeSummary(path string, ts *TableSet, meta *TableMeta) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "kind: %s\n", ts.kind)
	fmt.Fprintf(w, "nu=%d alphabet=%d codewords=%d states=%d\n", ts.nu, ts.q, ts.size, ts.states)
	fmt.Fprintf(w, "window nu2=[%d,%d] drift=[%d,%d]\n", ts.window.Min, ts.window.Max, ts.drift.Min, ts.drift.Max)
	fmt.Fprintf(w, "base %v\n", ts.base)
	fmt.Fprintf(w, "drift tables: %d\n", len(ts.drifts))
	for k, t := range ts.drifts {
		fmt.Fprintf(w, "  gd_%d: %v\n", k, t.r)
	}
	fmt.Fprintf(w, "output tables: %d\n", len(ts.outputs))
	for o, t := range ts.outputs {
		for n := t.w.Min; n <= t.w.Max; n++ {
			fmt.Fprintf(w, "  gx_o%d nu2=%d entries=%d\n", o, n, len(t.Slice(n)))
		}
	}
	fmt.Fprintf(w, "checksum: %s\n", meta.Checksum)
	return w.Flush()
}

// ReadTableMeta reads only meta.json of an export.
func ReadTableMeta(dir string) (*TableMeta, error) {
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m TableMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &m, nil
}

// LoadTables reads an export written by ExportTables for codebook cb and
// verifies its checksum.
func LoadTables(dir string, cb *Codebook) (*TableSet, *TableMeta, error) {
	meta, err := ReadTableMeta(dir)
	if err != nil {
		return nil, nil, err
	}
	if meta.Nu != cb.Nu() || meta.Alphabet != cb.Alphabet() || meta.Size != cb.Size() {
		return nil, nil, fmt.Errorf("%w: export for nu=%d q=%d size=%d", ErrShape, meta.Nu, meta.Alphabet, meta.Size)
	}
	if meta.States <= 0 || len(meta.DriftIndex) != meta.States || len(meta.OutputIndex) != meta.States ||
		len(meta.Next) != meta.States*meta.Size*meta.States {
		return nil, nil, fmt.Errorf("%w: inconsistent meta in %s", ErrShape, dir)
	}
	var dec *zstd.Decoder
	if meta.Compressed {
		if dec, err = zstd.NewReader(nil); err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
	}
	sum, err := newChecksum()
	if err != nil {
		return nil, nil, err
	}
	hashCodebook(sum, cb)
	read := func(name string, kind uint8, index int) ([]float64, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var h tablewire.TableHeader
		if !h.UnmarshalBinary(b) || h.Kind != kind || h.Version != tablewire.Version || int(h.Index) != index {
			return nil, fmt.Errorf("%w: bad header in %s", ErrShape, name)
		}
		raw := b[tablewire.HeaderLen:]
		if h.Flags&tablewire.FlagZstd != 0 {
			if dec == nil {
				return nil, fmt.Errorf("%w: %s is compressed", ErrShape, name)
			}
			if raw, err = dec.DecodeAll(raw, nil); err != nil {
				return nil, fmt.Errorf("decompress %s: %w", name, err)
			}
		}
		if len(raw) != int(h.RawLen) || len(raw) != 8*int(h.Rows)*int(h.Cols) {
			return nil, fmt.Errorf("%w: %s has %d payload bytes", ErrShape, name, len(raw))
		}
		sum.Write(raw)
		v, _ := tablewire.Floats(raw)
		return v, nil
	}

	ts := &TableSet{
		kind:     meta.Kind,
		nu:       meta.Nu,
		q:        meta.Alphabet,
		size:     meta.Size,
		window:   meta.Window,
		drift:    meta.Drift,
		base:     meta.Params,
		states:   meta.States,
		driftIdx: meta.DriftIndex,
		outIdx:   meta.OutputIndex,
		next:     meta.Next,
		key:      meta.Key,
	}
	for k, p := range meta.DriftParams {
		v, err := read(driftFile(k), tablewire.KindDrift, k)
		if err != nil {
			return nil, nil, err
		}
		t, err := newDriftTableData(p, meta.Drift, v)
		if err != nil {
			return nil, nil, err
		}
		if !t.finite() {
			return nil, nil, fmt.Errorf("%w: %s has invalid values", ErrShape, driftFile(k))
		}
		ts.drifts = append(ts.drifts, t)
	}
	for o := 0; o < meta.Outputs; o++ {
		data := make([][]float64, 0, meta.Window.Max-meta.Window.Min+1)
		for n := meta.Window.Min; n <= meta.Window.Max; n++ {
			v, err := read(outputFile(o, n), tablewire.KindOutput, o)
			if err != nil {
				return nil, nil, err
			}
			data = append(data, v)
		}
		t, err := newOutputTableData(meta.Nu, meta.Alphabet, meta.Size, meta.Window, data)
		if err != nil {
			return nil, nil, err
		}
		ts.outputs = append(ts.outputs, t)
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != meta.Checksum {
		return nil, nil, fmt.Errorf("%w: checksum mismatch in %s", ErrShape, dir)
	}
	for e := 0; e < ts.states; e++ {
		if ts.outIdx[e] < 0 || ts.outIdx[e] >= len(ts.outputs) || len(ts.driftIdx[e]) != ts.size {
			return nil, nil, fmt.Errorf("%w: bad table index for state %d", ErrShape, e)
		}
		for _, k := range ts.driftIdx[e] {
			if k < 0 || k >= len(ts.drifts) {
				return nil, nil, fmt.Errorf("%w: bad drift index for state %d", ErrShape, e)
			}
		}
	}
	return ts, meta, nil
}

// TableKey identifies the inputs d's tables are built from, so that an
// export can be matched to a later run with the same settings.
func (d *Decoder) TableKey() string {
	h, _ := blake2b.New256(nil)
	hashCodebook(h, d.cb)
	cfg := d.cfg
	fmt.Fprintf(h, "q=%d states=%d kmer=%v %v stay=%g window=%v drift=%v dup=%v\n",
		d.cb.Alphabet(), cfg.ErrorStates, cfg.Kmer, d.params, d.stay, d.window, d.drift, cfg.DuplicateInsertions)
	for _, p := range cfg.StateParams {
		fmt.Fprintf(h, "state %v\n", p)
	}
	for _, row := range cfg.Sub {
		fmt.Fprintf(h, "sub %v\n", row)
	}
	if cfg.Kmer && cfg.Rates != nil {
		for e := StateMatch; e < NumErrorStates; e++ {
			for k := 0; k < numKmers; k++ {
				fmt.Fprintf(h, "%v", cfg.Rates.Rate(e, k))
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
