package ids

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	rqq "github.com/xssnick/raptorq"
	"golang.org/x/crypto/blake2b"
)

// RaptorQEncoder wraps the systematic RaptorQ encoder for one generation.
type RaptorQEncoder struct {
	K int
	L int
	e *rqq.Encoder
}

type RaptorQDecoder struct {
	K int
	L int
	d *rqq.Decoder
}

// NewRaptorQEncoder creates an encoder from contiguous payload bytes.
// It expects len(data) <= K*L; the last symbol is padded internally by the library.
func NewRaptorQEncoder(data []byte, K, L int) (*RaptorQEncoder, error) {
	if K <= 0 || L <= 0 {
		return nil, errors.New("bad K or L")
	}
	enc, err := rqq.NewRaptorQ(uint32(L)).CreateEncoder(data)
	if err != nil {
		return nil, err
	}
	return &RaptorQEncoder{K: K, L: L, e: enc}, nil
}

// GenSymbol returns the symbol bytes for a given symbol id. Ids below K are
// the source symbols.
func (e *RaptorQEncoder) GenSymbol(id uint32) []byte { return e.e.GenSymbol(id) }

// NewRaptorQDecoder creates a decoder for a generation of given original data size.
func NewRaptorQDecoder(dataSize int, L int) (*RaptorQDecoder, error) {
	if dataSize < 0 || L <= 0 {
		return nil, errors.New("bad dataSize or L")
	}
	dec, err := rqq.NewRaptorQ(uint32(L)).CreateDecoder(uint32(dataSize))
	if err != nil {
		return nil, err
	}
	return &RaptorQDecoder{K: int(dec.FastSymbolsNumRequired()), L: L, d: dec}, nil
}

// AddSymbol feeds a symbol with its id. Returns whether decoding can be attempted.
func (d *RaptorQDecoder) AddSymbol(id uint32, data []byte) (bool, error) {
	return d.d.AddSymbol(id, data)
}

// Decode attempts to reconstruct the original payload.
func (d *RaptorQDecoder) Decode() (bool, []byte, error) { return d.d.Decode() }

const (
	strandIDLen  = 2
	strandTagLen = 4
)

// OuterCode carries RaptorQ symbols over strands of inner codewords. Each
// strand holds a symbol id, one symbol of L bytes and a short blake2b tag,
// packed into BitsPerWord bits per codeword.
type OuterCode struct {
	N, K, L     int
	BitsPerWord int
	ns          int
}

// NewOuterCode sizes strands for codebook cb: n strands out of k source
// symbols of l bytes.
func NewOuterCode(cb *Codebook, n, k, l int) (*OuterCode, error) {
	if n <= 0 || k <= 0 || l <= 0 || k > n || n > 1<<16 {
		return nil, fmt.Errorf("%w: outer code n=%d k=%d l=%d", ErrBadParams, n, k, l)
	}
	bits := 0
	for 1<<(bits+1) <= cb.Size() {
		bits++
	}
	if bits == 0 {
		return nil, fmt.Errorf("%w: %d codewords carry no bits", ErrBadCodebook, cb.Size())
	}
	total := 8 * (strandIDLen + l + strandTagLen)
	return &OuterCode{N: n, K: k, L: l, BitsPerWord: bits, ns: (total + bits - 1) / bits}, nil
}

// Ns is the number of codewords per strand.
func (o *OuterCode) Ns() int { return o.ns }

func strandTag(b []byte) []byte {
	h, _ := blake2b.New(strandTagLen, nil)
	h.Write(b)
	return h.Sum(nil)
}

// Encode splits data (at most K*L bytes) into N strands of information
// words.
func (o *OuterCode) Encode(data []byte) ([][]int, error) {
	if len(data) > o.K*o.L {
		return nil, fmt.Errorf("%w: %d bytes exceed K*L=%d", ErrShape, len(data), o.K*o.L)
	}
	enc, err := NewRaptorQEncoder(data, o.K, o.L)
	if err != nil {
		return nil, err
	}
	out := make([][]int, o.N)
	for i := range out {
		b := binary.LittleEndian.AppendUint16(nil, uint16(i))
		sym := enc.GenSymbol(uint32(i))
		b = append(b, sym...)
		b = append(b, make([]byte, o.L-min(len(sym), o.L))...)
		b = append(b, strandTag(b)...)
		out[i] = PackBits(b, o.BitsPerWord, o.ns)
	}
	return out, nil
}

// Strand is one received strand after inner decoding.
type Strand struct {
	Info   []int
	Erased bool
}

// Decode rebuilds dataSize bytes from the strands that are not erased and
// whose tag checks. It reports how many strands were used.
func (o *OuterCode) Decode(strands []Strand, dataSize int) ([]byte, int, error) {
	dec, err := NewRaptorQDecoder(dataSize, o.L)
	if err != nil {
		return nil, 0, err
	}
	used := 0
	for _, s := range strands {
		if s.Erased {
			continue
		}
		b := UnpackBits(s.Info, o.BitsPerWord, strandIDLen+o.L+strandTagLen)
		body, tag := b[:strandIDLen+o.L], b[strandIDLen+o.L:]
		if !bytes.Equal(tag, strandTag(body)) {
			continue
		}
		id := binary.LittleEndian.Uint16(body)
		if int(id) >= o.N {
			continue
		}
		if _, err := dec.AddSymbol(uint32(id), body[strandIDLen:]); err != nil {
			continue
		}
		used++
	}
	ok, data, err := dec.Decode()
	if err != nil {
		return nil, used, err
	}
	if !ok {
		return nil, used, fmt.Errorf("outer decode: %d usable strands are not enough", used)
	}
	return data, used, nil
}

// PackBits writes b most significant bit first into ns words of bits each,
// padding with zeros.
func PackBits(b []byte, bits, ns int) []int {
	out := make([]int, ns)
	for k := 0; k < ns*bits; k++ {
		bit := 0
		if k < 8*len(b) {
			bit = int(b[k/8]>>(7-k%8)) & 1
		}
		out[k/bits] = out[k/bits]<<1 | bit
	}
	return out
}

// UnpackBits is the inverse of PackBits for n bytes. Word values above the
// bit width are masked.
func UnpackBits(words []int, bits, n int) []byte {
	out := make([]byte, n)
	for k := 0; k < 8*n && k/bits < len(words); k++ {
		bit := (words[k/bits] >> (bits - 1 - k%bits)) & 1
		out[k/8] |= byte(bit) << (7 - k%8)
	}
	return out
}

// Confidence is the smallest maximum posterior over the positions of a
// block; strands below a threshold are treated as erasures.
func Confidence(post [][]float64) float64 {
	c := 1.0
	for _, p := range post {
		c = min(c, p[ArgMax(p)])
	}
	return c
}
