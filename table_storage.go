package keyagg

import (
	"sync"
	"unsafe"
)

// int32sPerLine is the number of link words that fit in one cache line.
const int32sPerLine = int(CacheLineSize / unsafe.Sizeof(int32(0)))

// Storage holds the parallel arrays backing a Table.
//
// Keys and Values are indexed by slot. Next threads both bucket chains and
// free lists (-1 terminates), Buckets holds the chain head of every bucket
// (-1 means empty). Next and Buckets are carved out of one link block, each
// starting on a cache-line boundary.
type Storage[K comparable, V any] struct {
	Keys    []K
	Values  []V
	Next    []int32
	Buckets []int32

	block []int32
}

// NewStorage allocates storage for capacity entries and bucketCount
// buckets. bucketCount is rounded up to a power of two.
func NewStorage[K comparable, V any](capacity, bucketCount int) *Storage[K, V] {
	capacity, bucketCount = normalizeShape(capacity, bucketCount)
	return newStorage[K, V](capacity, bucketCount, false)
}

func normalizeShape(capacity, bucketCount int) (int, int) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	capacity = min(capacity, maxCapacity)
	if bucketCount <= 0 {
		bucketCount = capacity
	}
	return capacity, min(nextPowOf2(bucketCount), 1<<30)
}

// linkPool recycles link blocks of Transient tables.
var linkPool sync.Pool

func newStorage[K comparable, V any](capacity, bucketCount int, pooled bool) *Storage[K, V] {
	s := &Storage[K, V]{
		Keys:   make([]K, capacity),
		Values: make([]V, capacity),
	}
	// one extra line in front of each array leaves room for alignment
	n := alignUp(capacity) + bucketCount + 2*int32sPerLine
	if pooled {
		if p, ok := linkPool.Get().(*[]int32); ok && cap(*p) >= n {
			s.block = (*p)[:n]
		}
	}
	if s.block == nil {
		s.block = make([]int32, n)
	}

	off := alignOffset(unsafe.Pointer(&s.block[0]))
	s.Next = s.block[off : off+capacity : off+capacity]
	off += alignUp(capacity)
	s.Buckets = s.block[off : off+bucketCount : off+bucketCount]
	for i := range s.Buckets {
		s.Buckets[i] = -1
	}
	for i := range s.Next {
		s.Next[i] = -1
	}
	return s
}

// release drops the references held by s. Link blocks of pooled storage are
// handed back to linkPool.
func (s *Storage[K, V]) release(pooled bool) {
	if pooled && s.block != nil {
		b := s.block[:0]
		linkPool.Put(&b)
	}
	s.block, s.Next, s.Buckets = nil, nil, nil
	s.Keys, s.Values = nil, nil
}

// valid reports whether caller-owned storage has a usable shape.
func (s *Storage[K, V]) valid() bool {
	n := len(s.Keys)
	return n > 0 && n <= maxCapacity &&
		len(s.Values) == n && len(s.Next) == n &&
		len(s.Buckets) > 0 && len(s.Buckets)&(len(s.Buckets)-1) == 0
}

// reset marks every bucket and link empty.
func (s *Storage[K, V]) reset() {
	for i := range s.Buckets {
		s.Buckets[i] = -1
	}
	for i := range s.Next {
		s.Next[i] = -1
	}
}

// alignUp rounds n link words up to a whole number of cache lines.
func alignUp(n int) int {
	return (n + int32sPerLine - 1) / int32sPerLine * int32sPerLine
}

// alignOffset returns the number of int32 words to skip from p to reach the
// next cache-line boundary.
func alignOffset(p unsafe.Pointer) int {
	rem := uintptr(p) % CacheLineSize
	if rem == 0 {
		return 0
	}
	return int((CacheLineSize - rem) / unsafe.Sizeof(int32(0)))
}
