// Package tablewire is the on-disk layout of exported probability tables.
package tablewire

import (
	"encoding/binary"
	"math"
)

// Table kinds.
const (
	KindDrift  uint8 = 1
	KindOutput uint8 = 2
)

// FlagZstd marks a zstd-compressed payload.
const FlagZstd uint8 = 1

const Version uint8 = 2

var magic = [4]byte{'I', 'D', 'S', 'T'}

type TableHeader struct {
	Version uint8  // 2
	Kind    uint8  // 1=drift, 2=output
	Flags   uint8  // FlagZstd
	Nu2     uint16 // window length of output tables
	Index   uint16 // table number within its kind
	Rows    uint32
	Cols    uint32
	RawLen  uint32 // payload bytes before compression
}

// MaxIndex is the largest table number a header can carry.
const MaxIndex = math.MaxUint16

const HeaderLen = 4 + 1 + 1 + 1 + 1 + 2 + 2 + 4 + 4 + 4

func (h *TableHeader) MarshalBinary(b []byte) []byte {
	if len(b) < HeaderLen {
		b = make([]byte, HeaderLen)
	}
	copy(b[0:4], magic[:])
	b[4] = h.Version
	b[5] = h.Kind
	b[6] = h.Flags
	b[7] = 0
	binary.LittleEndian.PutUint16(b[8:10], h.Nu2)
	binary.LittleEndian.PutUint16(b[10:12], h.Index)
	binary.LittleEndian.PutUint32(b[12:16], h.Rows)
	binary.LittleEndian.PutUint32(b[16:20], h.Cols)
	binary.LittleEndian.PutUint32(b[20:24], h.RawLen)
	return b[:HeaderLen]
}

func (h *TableHeader) UnmarshalBinary(b []byte) bool {
	if len(b) < HeaderLen || [4]byte(b[0:4]) != magic {
		return false
	}
	h.Version = b[4]
	h.Kind = b[5]
	h.Flags = b[6]
	h.Nu2 = binary.LittleEndian.Uint16(b[8:10])
	h.Index = binary.LittleEndian.Uint16(b[10:12])
	h.Rows = binary.LittleEndian.Uint32(b[12:16])
	h.Cols = binary.LittleEndian.Uint32(b[16:20])
	h.RawLen = binary.LittleEndian.Uint32(b[20:24])
	return true
}

// AppendFloats appends v as little-endian float64 values.
func AppendFloats(b []byte, v []float64) []byte {
	for _, f := range v {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
	}
	return b
}

// Floats decodes len(b)/8 little-endian float64 values.
func Floats(b []byte) ([]float64, bool) {
	if len(b)%8 != 0 {
		return nil, false
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v, true
}
