package keyagg

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats returns statistics for the Table. It is an O(n) walk over buckets
// and free lists, so it should be used only for diagnostics or debugging
// purposes, ideally while no writer is active.
func (t *Table[K, V]) Stats() *Stats {
	stats := &Stats{
		Workers:  len(t.shards),
		Strategy: t.strategy.String(),
		Growths:  t.growths.Load(),
	}
	for i := range t.stripes {
		s := &t.stripes[i]
		stats.BlockClaims += atomic.LoadUint64(&s.claims)
		stats.Steals += atomic.LoadUint64(&s.steals)
		stats.Recycled += atomic.LoadUint64(&s.recycled)
		stats.InsertRetries += atomic.LoadUint64(&s.retries)
	}
	if t.disposed.Load() {
		stats.Disposed = true
		return stats
	}

	stats.Capacity = int(t.capacity)
	stats.Buckets = len(t.buckets)
	stats.Claimed = int(t.hwm.n.Load())
	for i := range t.shards {
		stats.Free += t.shards[i].length(t.next)
	}
	for b := range t.buckets {
		chain := 0
		for i := atomic.LoadInt32(&t.buckets[b]); i >= 0; i = atomic.LoadInt32(&t.next[i]) {
			chain++
		}
		stats.Entries += chain
		if chain == 0 {
			stats.EmptyBuckets++
		}
		stats.MaxChain = max(stats.MaxChain, chain)
	}
	return stats
}

// Stats is Table statistics.
//
// Warning: table statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type Stats struct {
	// Capacity is the number of slots.
	Capacity int
	// Buckets is the number of buckets (a power of two).
	Buckets int
	// Workers is the size of the worker id space.
	Workers int
	// Strategy names the allocation strategy.
	Strategy string
	// Entries is the number of live entries found by walking every chain.
	Entries int
	// Claimed is the global high-water mark: slots ever handed to a shard.
	Claimed int
	// Free is the number of slots sitting on worker free lists.
	Free int
	// EmptyBuckets is the number of buckets with no entry.
	EmptyBuckets int
	// MaxChain is the length of the longest bucket chain.
	MaxChain int
	// BlockClaims counts block claims from the high-water mark.
	BlockClaims uint64
	// Steals counts slots taken from another worker's free list.
	Steals uint64
	// Recycled counts speculative slots returned after losing an insert race.
	Recycled uint64
	// InsertRetries counts failed bucket-head CAS attempts.
	InsertRetries uint64
	// Growths is the number of times the table grew.
	Growths uint32
	// Disposed is set once the storage has been released.
	Disposed bool
}

// ToString returns string representation of table stats.
func (s *Stats) ToString() string {
	var sb strings.Builder
	sb.WriteString("Stats{\n")
	sb.WriteString(fmt.Sprintf("Capacity:      %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Buckets:       %d\n", s.Buckets))
	sb.WriteString(fmt.Sprintf("Workers:       %d\n", s.Workers))
	sb.WriteString(fmt.Sprintf("Strategy:      %s\n", s.Strategy))
	sb.WriteString(fmt.Sprintf("Entries:       %d\n", s.Entries))
	sb.WriteString(fmt.Sprintf("Claimed:       %d\n", s.Claimed))
	sb.WriteString(fmt.Sprintf("Free:          %d\n", s.Free))
	sb.WriteString(fmt.Sprintf("EmptyBuckets:  %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("MaxChain:      %d\n", s.MaxChain))
	sb.WriteString(fmt.Sprintf("BlockClaims:   %d\n", s.BlockClaims))
	sb.WriteString(fmt.Sprintf("Steals:        %d\n", s.Steals))
	sb.WriteString(fmt.Sprintf("Recycled:      %d\n", s.Recycled))
	sb.WriteString(fmt.Sprintf("InsertRetries: %d\n", s.InsertRetries))
	sb.WriteString(fmt.Sprintf("Growths:       %d\n", s.Growths))
	sb.WriteString(fmt.Sprintf("Disposed:      %t\n", s.Disposed))
	sb.WriteString("}\n")
	return sb.String()
}
