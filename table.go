package keyagg

import (
	"log/slog"
	"math/bits"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"
)

// Table is a fixed-capacity open-chaining hash table whose slots are
// allocated lock-free by a bounded set of workers.
//
// Keys, values and chain links live in parallel arrays indexed by slot.
// A slot, once published into a bucket chain, stays there until the table
// is grown or disposed; there is no removal. Concurrent InsertOrGet calls
// for the same key always agree on a single slot.
//
// Structural operations (Grow, Dispose) require that no InsertOrGet or
// in-place payload mutation is in flight. This is not detected at runtime.
//
// A Table must not be copied after first use.
type Table[K comparable, V any] struct {
	_ noCopy

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		keys     []K
		values   []V
		next     []int32
		buckets  []int32
		mask     uintptr
		capacity int32
		keyHash  HashFunc[K]
		seed     uintptr
		shards   []shard
		stripes  []counterStripe
		storage  *Storage[K, V]
		strategy AllocationStrategy
		logger   *slog.Logger
	}{})%CacheLineSize) % CacheLineSize]byte

	keys     []K
	values   []V
	next     []int32
	buckets  []int32
	mask     uintptr
	capacity int32
	keyHash  HashFunc[K]
	seed     uintptr
	shards   []shard
	stripes  []counterStripe
	storage  *Storage[K, V]
	strategy AllocationStrategy
	logger   *slog.Logger

	hwm      highWater
	growths  atomic.Uint32
	disposed atomic.Bool
}

// highWater is the first slot index never claimed by any shard.
type highWater struct {
	n atomic.Int32

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(atomic.Int32{})%CacheLineSize) % CacheLineSize]byte
}

// NewTable creates a table able to hold capacity entries.
//
// Parameters:
//   - capacity: number of slots; non-positive selects a small default
//   - WithBuckets: bucket count hint (rounded to a power of two)
//   - WithWorkers: size of the worker id space
//   - WithAllocation / WithStorage: who owns the backing arrays
//   - WithHasher: custom key hashing
//   - WithLogger: structural event logging
//
// NewTable panics with ErrStorageMismatch if WithStorage supplies storage of
// another type or of an unusable shape.
func NewTable[K comparable, V any](capacity int, options ...func(*Config)) *Table[K, V] {
	c := newConfig(options)
	t := &Table[K, V]{
		seed:     uintptr(rand.Uint64()),
		keyHash:  defaultHasher[K](),
		strategy: c.strategy,
		logger:   c.logger,
		shards:   make([]shard, c.workers),
		stripes:  make([]counterStripe, c.workers),
	}
	if c.hasher != nil {
		fn, ok := c.hasher.(HashFunc[K])
		if !ok {
			if f, ok2 := c.hasher.(func(K, uintptr) uintptr); ok2 {
				fn, ok = f, true
			}
		}
		if ok && fn != nil {
			t.keyHash = fn
		}
	}

	var s *Storage[K, V]
	if c.storage != nil {
		var ok bool
		s, ok = c.storage.(*Storage[K, V])
		if !ok || s == nil || !s.valid() {
			panic(opError(CodeStorageMismatch, "NewTable"))
		}
		s.reset()
	} else {
		capacity, buckets := normalizeShape(capacity, c.bucketHint)
		s = newStorage[K, V](capacity, buckets, t.strategy == Transient)
	}
	t.attach(s)
	for i := range t.shards {
		t.shards[i].head.Store(emptyHead)
	}
	return t
}

func (t *Table[K, V]) attach(s *Storage[K, V]) {
	t.storage = s
	t.keys = s.Keys
	t.values = s.Values
	t.next = s.Next
	t.buckets = s.Buckets
	t.mask = uintptr(len(s.Buckets) - 1)
	t.capacity = int32(len(s.Keys))
}

func (t *Table[K, V]) checkLive(op string) {
	if t.disposed.Load() {
		panic(opError(CodeDisposed, op))
	}
}

func (t *Table[K, V]) checkWorker(worker int, op string) {
	if uint(worker) >= uint(len(t.shards)) {
		panic(&Error{Code: CodeInvalidWorker, Op: op})
	}
}

// Cap returns the number of slots.
func (t *Table[K, V]) Cap() int {
	return int(t.capacity)
}

// BucketCount returns the number of buckets, always a power of two.
func (t *Table[K, V]) BucketCount() int {
	return len(t.buckets)
}

// Workers returns the size of the worker id space.
func (t *Table[K, V]) Workers() int {
	return len(t.shards)
}

// Strategy returns the allocation strategy of the backing arrays.
func (t *Table[K, V]) Strategy() AllocationStrategy {
	return t.strategy
}

// Lookup returns the value slot of key.
//
// Lookup never writes. It may miss an entry that another worker is
// publishing at the same moment; callers that need the entry to exist must
// use InsertOrGet.
func (t *Table[K, V]) Lookup(key K) (*V, bool) {
	t.checkLive("Lookup")
	hash := t.keyHash(key, t.seed)
	idx := t.find(atomic.LoadInt32(&t.buckets[hash&t.mask]), -1, key)
	if idx < 0 {
		return nil, false
	}
	return &t.values[idx], true
}

// find walks a chain from start until stop (exclusive) or the end and
// returns the slot holding key, or -1.
func (t *Table[K, V]) find(start, stop int32, key K) int32 {
	for i := start; i >= 0 && i != stop; i = atomic.LoadInt32(&t.next[i]) {
		if t.keys[i] == key {
			return i
		}
	}
	return -1
}

// InsertOrGet returns the value slot of key, creating a zeroed one on
// behalf of worker if the key is absent. loaded reports whether the slot
// already existed.
func (t *Table[K, V]) InsertOrGet(worker int, key K) (value *V, loaded bool) {
	return t.InsertOrGetFunc(worker, key, nil)
}

// InsertOrGetFunc is like InsertOrGet but runs init on a freshly allocated
// slot before it becomes visible to other workers. init may run even when
// the call ends up returning another worker's slot; that speculative slot
// is recycled.
func (t *Table[K, V]) InsertOrGetFunc(worker int, key K, init func(*V)) (value *V, loaded bool) {
	t.checkLive("InsertOrGet")
	t.checkWorker(worker, "InsertOrGet")
	idx, loaded := t.insertOrGet(worker, key, init)
	return &t.values[idx], loaded
}

// insertOrGet publishes key at most once across all workers.
//
// A fresh slot is prepared privately, then pushed as the new bucket head by
// CAS. Before every attempt the part of the chain added since the last look
// is searched again; if another worker won the race for the same key, the
// prepared slot goes back onto this worker's shard and the winner is
// returned instead.
func (t *Table[K, V]) insertOrGet(worker int, key K, init func(*V)) (int32, bool) {
	hash := t.keyHash(key, t.seed)
	head := &t.buckets[hash&t.mask]

	seen := atomic.LoadInt32(head)
	if i := t.find(seen, -1, key); i >= 0 {
		return i, true
	}

	idx := t.allocate(worker)
	t.keys[idx] = key
	if init != nil {
		init(&t.values[idx])
	} else {
		var zero V
		t.values[idx] = zero
	}

	for h := seen; ; {
		atomic.StoreInt32(&t.next[idx], h)
		if atomic.CompareAndSwapInt32(head, h, idx) {
			return idx, false
		}
		atomic.AddUint64(&t.stripes[worker].retries, 1)

		cur := atomic.LoadInt32(head)
		if i := t.find(cur, h, key); i >= 0 {
			t.free(worker, idx)
			atomic.AddUint64(&t.stripes[worker].recycled, 1)
			return i, true
		}
		h = cur
	}
}

// All returns an iterator over every (key, value slot) pair, bucket by
// bucket. It must not run concurrently with inserts; mutating payloads in
// place while iterating is fine.
func (t *Table[K, V]) All() func(yield func(K, *V) bool) {
	return func(yield func(K, *V) bool) {
		t.checkLive("All")
		t.rangeBuckets(0, len(t.buckets), yield)
	}
}

// Keys is the iterator version for iterating over all keys.
func (t *Table[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		for k := range t.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// rangeBuckets visits every entry chained from buckets [start, end).
// Returns false if yield stopped the walk.
func (t *Table[K, V]) rangeBuckets(start, end int, yield func(K, *V) bool) bool {
	for b := start; b < end; b++ {
		for i := atomic.LoadInt32(&t.buckets[b]); i >= 0; i = atomic.LoadInt32(&t.next[i]) {
			if !yield(t.keys[i], &t.values[i]) {
				return false
			}
		}
	}
	return true
}

// Len counts the live entries. This is an O(n) walk intended for
// quiescent phases.
func (t *Table[K, V]) Len() int {
	n := 0
	for range t.All() {
		n++
	}
	return n
}

// Grow moves every entry into new storage of newCapacity slots, rehashing
// all chains. Live entries are compacted to the front, all free lists are
// reset and the remaining slots become claimable again.
//
// Grow is single-writer: no InsertOrGet or payload mutation may be in
// flight. Requests below the current capacity fail with ErrShrink; equal
// capacity is a no-op.
func (t *Table[K, V]) Grow(newCapacity int) error {
	if t.disposed.Load() {
		return opError(CodeDisposed, "Grow")
	}
	if newCapacity < int(t.capacity) {
		return &Error{Code: CodeShrink, Op: "Grow"}
	}
	if newCapacity == int(t.capacity) {
		return nil
	}
	newCapacity = min(newCapacity, maxCapacity)

	// keep the load per bucket roughly where it was
	bucketCount := len(t.buckets)
	if scaled := int(uint64(bucketCount) * uint64(newCapacity) / uint64(t.capacity)); scaled > bucketCount {
		bucketCount = scaled
	}
	_, bucketCount = normalizeShape(newCapacity, bucketCount)

	old := t.storage
	s := newStorage[K, V](newCapacity, bucketCount, t.strategy == Transient)
	mask := uintptr(bucketCount - 1)
	var n int32
	t.rangeBuckets(0, len(t.buckets), func(k K, v *V) bool {
		s.Keys[n] = k
		s.Values[n] = *v
		b := t.keyHash(k, t.seed) & mask
		s.Next[n] = s.Buckets[b]
		s.Buckets[b] = n
		n++
		return true
	})

	oldCapacity := t.capacity
	t.attach(s)
	t.hwm.n.Store(n)
	for i := range t.shards {
		t.shards[i].clear()
	}
	if t.strategy != CallerOwned {
		old.release(t.strategy == Transient)
	} else {
		// caller keeps its arrays; new storage is ours from now on
		t.strategy = Persistent
	}
	t.growths.Add(1)

	t.logger.Debug("keyagg: table grown",
		"from", oldCapacity, "to", newCapacity, "buckets", bucketCount, "entries", n)
	return nil
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// calcParallelism calculates the number of goroutines for parallel processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum threshold to enable parallel processing.
//   - number of available CPU cores
//
// Returns:
//   - chunkSize: Number of items processed per goroutine
//   - chunks: Suggested degree of parallelism (number of goroutines).
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}

	chunks = max(min(items/threshold, cpus), 1)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}

// noCopy may be added to structs which must not be copied
// after the first use. See go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
