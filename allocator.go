package keyagg

import (
	"sync/atomic"
	"unsafe"
)

// allocBlockSize is the number of fresh slots a worker claims from the
// global high-water mark when its own shard runs dry.
const allocBlockSize = 16

// BlockSize is the number of slots a worker claims at once. Slots a worker
// holds speculatively are not available to the others, so size tables
// with about 2*BlockSize spare slots per worker.
const BlockSize = allocBlockSize

// shard is one worker's free list of slot indices, threaded through the
// table's next array.
//
// The head packs the top slot index (low 32 bits, -1 when empty) with a
// version tag (high 32 bits) that is bumped on every successful CAS, so a
// stale head observed by a stealing worker can never be swung back onto an
// index that was popped and pushed again in between.
type shard struct {
	head atomic.Uint64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(atomic.Uint64{})%CacheLineSize) % CacheLineSize]byte
}

// counters are the per-worker allocator statistics.
type counters struct {
	claims   uint64 // blocks claimed from the high-water mark
	steals   uint64 // slots taken from another worker's shard
	recycled uint64 // speculative slots returned after losing an insert race
	retries  uint64 // failed bucket-head CAS attempts
}

const emptyHead = uint64(0xffffffff)

func packHead(tag uint32, idx int32) uint64 {
	return uint64(tag)<<32 | uint64(uint32(idx))
}

func headIndex(h uint64) int32 {
	return int32(uint32(h))
}

func headTag(h uint64) uint32 {
	return uint32(h >> 32)
}

// pop removes the top index of the shard, or returns -1 if it is empty.
func (s *shard) pop(next []int32) int32 {
	for {
		h := s.head.Load()
		idx := headIndex(h)
		if idx < 0 {
			return -1
		}
		nxt := atomic.LoadInt32(&next[idx])
		if s.head.CompareAndSwap(h, packHead(headTag(h)+1, nxt)) {
			return idx
		}
	}
}

// pushChain links first..last (already chained through next) on top of
// the shard.
func (s *shard) pushChain(next []int32, first, last int32) {
	for {
		h := s.head.Load()
		atomic.StoreInt32(&next[last], headIndex(h))
		if s.head.CompareAndSwap(h, packHead(headTag(h)+1, first)) {
			return
		}
	}
}

// clear empties the shard. Single-writer only.
func (s *shard) clear() {
	s.head.Store(packHead(headTag(s.head.Load())+1, -1))
}

// length walks the shard. Only meaningful in a quiescent phase.
func (s *shard) length(next []int32) int {
	n := 0
	for i := headIndex(s.head.Load()); i >= 0 && n < len(next); i = atomic.LoadInt32(&next[i]) {
		n++
	}
	return n
}

// allocate hands out a free slot index for worker.
//
// The worker's own shard is tried first, then a fresh block is claimed from
// the high-water mark, then one slot is stolen from each other shard in turn.
// Running out everywhere means the table was sized too small; it is fatal.
func (t *Table[K, V]) allocate(worker int) int32 {
	if idx := t.shards[worker].pop(t.next); idx >= 0 {
		return idx
	}
	if idx := t.claimBlock(worker); idx >= 0 {
		return idx
	}
	n := len(t.shards)
	for i := 1; i < n; i++ {
		if idx := t.shards[(worker+i)%n].pop(t.next); idx >= 0 {
			atomic.AddUint64(&t.stripes[worker].steals, 1)
			return idx
		}
	}
	// a concurrent recycle may have refilled our own shard meanwhile
	if idx := t.shards[worker].pop(t.next); idx >= 0 {
		return idx
	}

	t.logger.Error("keyagg: capacity exhausted",
		"capacity", t.capacity, "workers", n, "worker", worker)
	panic(opError(CodeCapacityExhausted, "allocate"))
}

// claimBlock bumps the high-water mark by up to allocBlockSize slots,
// keeps the first and pushes the rest onto the worker's shard.
func (t *Table[K, V]) claimBlock(worker int) int32 {
	for {
		start := t.hwm.n.Load()
		if start >= t.capacity {
			return -1
		}
		end := min(start+allocBlockSize, t.capacity)
		if !t.hwm.n.CompareAndSwap(start, end) {
			continue
		}
		atomic.AddUint64(&t.stripes[worker].claims, 1)
		if end-start > 1 {
			// the claimed range is private until pushed
			for i := start + 1; i < end-1; i++ {
				atomic.StoreInt32(&t.next[i], i+1)
			}
			t.shards[worker].pushChain(t.next, start+1, end-1)
		}
		return start
	}
}

// free returns idx to worker's own shard.
func (t *Table[K, V]) free(worker int, idx int32) {
	t.shards[worker].pushChain(t.next, idx, idx)
}
