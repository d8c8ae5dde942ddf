package keyagg

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Lanes is the width of a LaneAggregator record.
const Lanes = 4

// LaneEntry is the per-key payload of a LaneAggregator: one running
// aggregate and one result per lane, sharing a single sample count.
type LaneEntry[T Numeric] struct {
	value  [Lanes]T
	result [Lanes]T
	count  int32
	_      uint32
}

// LaneSnapshot is a point-in-time copy of a LaneEntry.
type LaneSnapshot[T Numeric] struct {
	Value  [Lanes]T
	Result [Lanes]T
	Count  int32
}

// LaneAggregator folds 4-wide records per key, each lane with its own
// Kind. A lane of kind None is left untouched by Aggregate.
//
// Concurrency rules are those of Aggregator.
type LaneAggregator[K comparable, T Numeric] struct {
	table *Table[K, LaneEntry[T]]
	kinds [Lanes]Kind
	ops   *numOps[T]
	folds [Lanes]foldFunc[T]
	init  func(*LaneEntry[T])
}

// NewLaneAggregator creates a LaneAggregator with per-lane kinds.
func NewLaneAggregator[K comparable, T Numeric](kinds [Lanes]Kind, capacity int, options ...func(*Config)) *LaneAggregator[K, T] {
	a := &LaneAggregator[K, T]{
		table: NewTable[K, LaneEntry[T]](capacity, options...),
		kinds: kinds,
		ops:   opsFor[T](),
	}
	for i, k := range kinds {
		a.folds[i] = a.ops.fold(k)
	}
	a.init = a.resetEntry
	return a
}

// Kinds returns the per-lane kinds.
func (a *LaneAggregator[K, T]) Kinds() [Lanes]Kind {
	return a.kinds
}

// Table exposes the underlying table.
func (a *LaneAggregator[K, T]) Table() *Table[K, LaneEntry[T]] {
	return a.table
}

// Aggregate folds every lane of next into key on behalf of worker.
// Lanes are folded independently; the record as a whole is not atomic.
func (a *LaneAggregator[K, T]) Aggregate(worker int, key K, next [Lanes]T) (value, replaced [Lanes]T) {
	a.table.checkLive("Aggregate")
	a.table.checkWorker(worker, "Aggregate")

	idx, _ := a.table.insertOrGet(worker, key, a.init)
	e := &a.table.values[idx]
	atomic.AddInt32(&e.count, 1)
	for i, fold := range a.folds {
		if fold == nil {
			value[i], replaced[i] = a.ops.load(&e.value[i]), next[i]
			continue
		}
		value[i], replaced[i] = fold(&e.value[i], next[i])
	}
	return value, replaced
}

func (a *LaneAggregator[K, T]) resetEntry(e *LaneEntry[T]) {
	atomic.StoreInt32(&e.count, 0)
	for i, k := range a.kinds {
		a.ops.store(&e.result[i], 0)
		a.ops.store(&e.value[i], a.ops.sentinel(k))
	}
}

func (a *LaneAggregator[K, T]) evaluate(e *LaneEntry[T]) (r [Lanes]T) {
	count := atomic.LoadInt32(&e.count)
	for i, k := range a.kinds {
		r[i] = a.ops.evaluate(k, a.ops.load(&e.value[i]), count)
		a.ops.store(&e.result[i], r[i])
	}
	return r
}

// Evaluate computes, stores and returns the per-lane results of key.
func (a *LaneAggregator[K, T]) Evaluate(key K) ([Lanes]T, bool) {
	e, ok := a.table.Lookup(key)
	if !ok {
		return [Lanes]T{}, false
	}
	return a.evaluate(e), true
}

// EvaluateAll evaluates every key over disjoint bucket ranges in parallel.
func (a *LaneAggregator[K, T]) EvaluateAll(ctx context.Context) error {
	a.table.checkLive("EvaluateAll")
	n := a.table.BucketCount()
	chunkSize, chunks := calcParallelism(n, minBucketsPerGoroutine, runtime.GOMAXPROCS(0))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < chunks; i++ {
		start, end := i*chunkSize, min((i+1)*chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a.table.rangeBuckets(start, end, func(_ K, e *LaneEntry[T]) bool {
				a.evaluate(e)
				return true
			})
			return nil
		})
	}
	return g.Wait()
}

// Reset returns key to its initial per-lane state. It reports whether the
// key exists.
func (a *LaneAggregator[K, T]) Reset(key K) bool {
	e, ok := a.table.Lookup(key)
	if ok {
		a.resetEntry(e)
	}
	return ok
}

// Load returns a snapshot of key.
func (a *LaneAggregator[K, T]) Load(key K) (LaneSnapshot[T], bool) {
	e, ok := a.table.Lookup(key)
	if !ok {
		return LaneSnapshot[T]{}, false
	}
	s := LaneSnapshot[T]{Count: atomic.LoadInt32(&e.count)}
	for i := range Lanes {
		s.Value[i] = a.ops.load(&e.value[i])
		s.Result[i] = a.ops.load(&e.result[i])
	}
	return s, true
}

// ResultOf returns the evaluated results of key, panicking with
// ErrKeyNotFound if the key does not exist.
func (a *LaneAggregator[K, T]) ResultOf(key K) [Lanes]T {
	s, ok := a.Load(key)
	if !ok {
		panic(opError(CodeKeyNotFound, "ResultOf"))
	}
	return s.Result
}

// ValueOf returns the running aggregates of key, panicking with
// ErrKeyNotFound if the key does not exist.
func (a *LaneAggregator[K, T]) ValueOf(key K) [Lanes]T {
	s, ok := a.Load(key)
	if !ok {
		panic(opError(CodeKeyNotFound, "ValueOf"))
	}
	return s.Value
}

// Len returns the number of keys. O(n).
func (a *LaneAggregator[K, T]) Len() int {
	return a.table.Len()
}

// Grow enlarges the underlying table.
func (a *LaneAggregator[K, T]) Grow(newCapacity int) error {
	return a.table.Grow(newCapacity)
}

// Dispose releases the underlying table.
func (a *LaneAggregator[K, T]) Dispose() error {
	return a.table.Dispose()
}

// DisposeAfter defers disposal until done is closed.
func (a *LaneAggregator[K, T]) DisposeAfter(done <-chan struct{}) <-chan struct{} {
	return a.table.DisposeAfter(done)
}

// Stats returns diagnostics of the underlying table.
func (a *LaneAggregator[K, T]) Stats() *Stats {
	return a.table.Stats()
}
