package engine

import "sync/atomic"

// Counters accumulates the byte totals both handlers feed, and that
// Engine.ReadStats snapshots (§6 "read_stats").
type Counters struct {
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64
}
