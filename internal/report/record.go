// Package report stores evaluation results as JSON run files and renders
// them as markdown.
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/francoispqt/gojay"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Record is one evaluated channel point.
type Record struct {
	Codebook    string
	Alphabet    int
	Nu          int
	Size        int
	Ns          int
	Nseq        int
	NumIter     int
	ErrorStates int
	Kmer        bool

	Pi, Pd, Ps float64

	Trials         int
	Symbols        int
	SymbolErrors   int
	MaxErrors      int
	Bits           int
	BitErrors      int
	TransmitErrors int
	Fallbacks      int
	SER            float64
	BER            float64
	Ixy            float64
	DecodeMS       int64

	// Outer code results; zero for inner-only runs.
	Strands   int
	Erased    int
	Recovered int
	Blocks    int
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (r *Record) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("codebook", r.Codebook)
	enc.IntKey("q", r.Alphabet)
	enc.IntKey("nu", r.Nu)
	enc.IntKey("Q", r.Size)
	enc.IntKey("ns", r.Ns)
	enc.IntKey("nseq", r.Nseq)
	enc.IntKey("num_iter", r.NumIter)
	enc.IntKey("error_states", r.ErrorStates)
	enc.BoolKey("kmer", r.Kmer)
	enc.Float64Key("pi", finite(r.Pi))
	enc.Float64Key("pd", finite(r.Pd))
	enc.Float64Key("ps", finite(r.Ps))
	enc.IntKey("trials", r.Trials)
	enc.IntKey("symbols", r.Symbols)
	enc.IntKey("symbol_errors", r.SymbolErrors)
	enc.IntKey("max_errors", r.MaxErrors)
	enc.IntKey("bits", r.Bits)
	enc.IntKey("bit_errors", r.BitErrors)
	enc.IntKey("transmit_errors", r.TransmitErrors)
	enc.IntKey("fallbacks", r.Fallbacks)
	enc.Float64Key("ser", finite(r.SER))
	enc.Float64Key("ber", finite(r.BER))
	enc.Float64Key("ixy", finite(r.Ixy))
	enc.Int64Key("decode_ms", r.DecodeMS)
	enc.IntKeyOmitEmpty("strands", r.Strands)
	enc.IntKeyOmitEmpty("erased", r.Erased)
	enc.IntKeyOmitEmpty("recovered", r.Recovered)
	enc.IntKeyOmitEmpty("blocks", r.Blocks)
}

func (r *Record) IsNil() bool { return r == nil }

// UnmarshalJSONObject implements gojay.UnmarshalerJSONObject. Unknown keys
// are ignored.
func (r *Record) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "codebook":
		return dec.String(&r.Codebook)
	case "q":
		return dec.Int(&r.Alphabet)
	case "nu":
		return dec.Int(&r.Nu)
	case "Q":
		return dec.Int(&r.Size)
	case "ns":
		return dec.Int(&r.Ns)
	case "nseq":
		return dec.Int(&r.Nseq)
	case "num_iter":
		return dec.Int(&r.NumIter)
	case "error_states":
		return dec.Int(&r.ErrorStates)
	case "kmer":
		return dec.Bool(&r.Kmer)
	case "pi":
		return dec.Float64(&r.Pi)
	case "pd":
		return dec.Float64(&r.Pd)
	case "ps":
		return dec.Float64(&r.Ps)
	case "trials":
		return dec.Int(&r.Trials)
	case "symbols":
		return dec.Int(&r.Symbols)
	case "symbol_errors":
		return dec.Int(&r.SymbolErrors)
	case "max_errors":
		return dec.Int(&r.MaxErrors)
	case "bits":
		return dec.Int(&r.Bits)
	case "bit_errors":
		return dec.Int(&r.BitErrors)
	case "transmit_errors":
		return dec.Int(&r.TransmitErrors)
	case "fallbacks":
		return dec.Int(&r.Fallbacks)
	case "ser":
		return dec.Float64(&r.SER)
	case "ber":
		return dec.Float64(&r.BER)
	case "ixy":
		return dec.Float64(&r.Ixy)
	case "decode_ms":
		return dec.Int64(&r.DecodeMS)
	case "strands":
		return dec.Int(&r.Strands)
	case "erased":
		return dec.Int(&r.Erased)
	case "recovered":
		return dec.Int(&r.Recovered)
	case "blocks":
		return dec.Int(&r.Blocks)
	}
	return nil
}

func (r *Record) NKeys() int { return 0 }

// Finish derives SER and BER from the counters.
func (r *Record) Finish() {
	if r.Symbols > 0 {
		r.SER = float64(r.SymbolErrors) / float64(r.Symbols)
	}
	if r.Bits > 0 {
		r.BER = float64(r.BitErrors) / float64(r.Bits)
	}
}

// Key identifies the configuration of a record, without the run counters.
func (r *Record) Key() string {
	return fmt.Sprintf("%s|q=%d|nu=%d|Q=%d|ns=%d|nseq=%d|it=%d|es=%d|kmer=%t|%g/%g/%g",
		r.Codebook, r.Alphabet, r.Nu, r.Size, r.Ns, r.Nseq, r.NumIter, r.ErrorStates, r.Kmer, r.Pi, r.Pd, r.Ps)
}

type Records []*Record

func (rs *Records) MarshalJSONArray(enc *gojay.Encoder) {
	for _, r := range *rs {
		enc.Object(r)
	}
}

func (rs *Records) IsNil() bool { return rs == nil }

func (rs *Records) UnmarshalJSONArray(dec *gojay.Decoder) error {
	r := &Record{}
	if err := dec.Object(r); err != nil {
		return err
	}
	*rs = append(*rs, r)
	return nil
}

// Run is the content of one run file.
type Run struct {
	ID      string
	Tool    string
	Created time.Time
	Seed    int64
	Records Records
}

// NewRun starts a run with a fresh identifier.
func NewRun(tool string, seed int64) *Run {
	return &Run{ID: uuid.NewString(), Tool: tool, Created: time.Now().UTC(), Seed: seed}
}

func (r *Run) Add(rec *Record) { r.Records = append(r.Records, rec) }

func (r *Run) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("run_id", r.ID)
	enc.StringKey("tool", r.Tool)
	enc.StringKey("created", r.Created.Format(time.RFC3339))
	enc.Int64Key("seed", r.Seed)
	enc.ArrayKey("records", &r.Records)
}

func (r *Run) IsNil() bool { return r == nil }

func (r *Run) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "run_id":
		return dec.String(&r.ID)
	case "tool":
		return dec.String(&r.Tool)
	case "created":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("created: %w", err)
		}
		r.Created = t
	case "seed":
		return dec.Int64(&r.Seed)
	case "records":
		return dec.Array(&r.Records)
	}
	return nil
}

func (r *Run) NKeys() int { return 0 }

// Validate checks the run identifier.
func (r *Run) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("run id %q: %w", r.ID, err)
	}
	return nil
}

// Encode writes the run as JSON.
func (r *Run) Encode(w io.Writer) error {
	enc := gojay.BorrowEncoder(w)
	defer enc.Release()
	return enc.EncodeObject(r)
}

// DecodeRun reads a run written by Encode.
func DecodeRun(rd io.Reader) (*Run, error) {
	dec := gojay.BorrowDecoder(rd)
	defer dec.Release()
	r := &Run{}
	if err := dec.DecodeObject(r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the run to path, zstd-compressed when path ends in ".zst".
func (r *Run) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	b := buf.Bytes()
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		b = enc.EncodeAll(b, nil)
		enc.Close()
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// LoadRun reads a file written by Save.
func LoadRun(path string) (*Run, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if b, err = dec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
	}
	r, err := DecodeRun(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
