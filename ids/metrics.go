package ids

import (
	"sync"
	"time"
)

// --- Decode metrics ---
var decodeMetrics struct {
	sync.Mutex
	calls     int
	copies    int
	positions int
	fallbacks int
	total     time.Duration
}

// DecodeStats is an exported snapshot of decode metrics.
type DecodeStats struct {
	Calls      int
	Copies     int
	Positions  int
	Fallbacks  int
	Total      time.Duration
	AvgPerCall time.Duration
	AvgPerPos  time.Duration
}

func recordDecode(copies, positions, fallbacks int, d time.Duration) {
	decodeMetrics.Lock()
	decodeMetrics.calls++
	decodeMetrics.copies += copies
	decodeMetrics.positions += positions
	decodeMetrics.fallbacks += fallbacks
	decodeMetrics.total += d
	decodeMetrics.Unlock()
}

// GetDecodeStats returns a snapshot of the accumulated decode metrics.
func GetDecodeStats() DecodeStats {
	decodeMetrics.Lock()
	defer decodeMetrics.Unlock()
	s := DecodeStats{
		Calls:     decodeMetrics.calls,
		Copies:    decodeMetrics.copies,
		Positions: decodeMetrics.positions,
		Fallbacks: decodeMetrics.fallbacks,
		Total:     decodeMetrics.total,
	}
	if s.Calls > 0 {
		s.AvgPerCall = s.Total / time.Duration(s.Calls)
	}
	if s.Positions > 0 {
		s.AvgPerPos = s.Total / time.Duration(s.Positions)
	}
	return s
}

// ResetDecodeStats clears accumulated decode metrics.
func ResetDecodeStats() {
	decodeMetrics.Lock()
	decodeMetrics.calls, decodeMetrics.copies, decodeMetrics.positions, decodeMetrics.fallbacks = 0, 0, 0, 0
	decodeMetrics.total = 0
	decodeMetrics.Unlock()
}
