package keyagg

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// minBucketsPerGoroutine defines the minimum bucket range handed to one
// goroutine by EvaluateAll. Smaller tables are evaluated serially.
const minBucketsPerGoroutine = 256

// Entry is the per-key payload of an Aggregator.
//
// value is the running aggregate, result is written by Evaluate and count
// is the number of Aggregate calls since creation or the last Reset.
type Entry[T Numeric] struct {
	value  T
	result T
	count  int32
	_      uint32 // keeps 64-bit values aligned on 32-bit platforms
}

// Snapshot is a point-in-time copy of an Entry.
type Snapshot[T Numeric] struct {
	Value  T
	Result T
	Count  int32
}

// Aggregator folds values per key with one aggregation Kind.
//
// Aggregate is safe for concurrent use by all workers. Evaluate, Reset and
// the point reads that depend on them are meant for a quiescent phase after
// the writers are done: they are plain read-compute-write sequences.
//
// Example:
//
//	agg := keyagg.NewAggregator[string, int64](keyagg.Sum, 1<<16, keyagg.WithWorkers(4))
//	var g errgroup.Group
//	for id := range 4 {
//		w := agg.Worker(id)
//		g.Go(func() error {
//			for _, s := range samples[id] {
//				w.Aggregate(s.Key, s.Value)
//			}
//			return nil
//		})
//	}
//	_ = g.Wait()
//	_ = agg.EvaluateAll(ctx)
type Aggregator[K comparable, T Numeric] struct {
	table *Table[K, Entry[T]]
	kind  Kind
	ops   *numOps[T]
	fold  foldFunc[T]
	init  func(*Entry[T])
}

// NewAggregator creates an Aggregator for kind with room for capacity keys.
// Options are the Table options; WithStorage expects *Storage[K, Entry[T]].
func NewAggregator[K comparable, T Numeric](kind Kind, capacity int, options ...func(*Config)) *Aggregator[K, T] {
	a := &Aggregator[K, T]{
		table: NewTable[K, Entry[T]](capacity, options...),
		kind:  kind,
		ops:   opsFor[T](),
	}
	a.fold = a.ops.fold(kind)
	a.init = a.resetEntry
	return a
}

// Kind returns the aggregation kind.
func (a *Aggregator[K, T]) Kind() Kind {
	return a.kind
}

// Table exposes the underlying table, e.g. for iteration or diagnostics.
func (a *Aggregator[K, T]) Table() *Table[K, Entry[T]] {
	return a.table
}

// Workers returns the size of the worker id space.
func (a *Aggregator[K, T]) Workers() int {
	return a.table.Workers()
}

// Writer is an Aggregator handle bound to one worker id. The zero Writer
// is not attached to any aggregator and panics with ErrNotAllocated.
type Writer[K comparable, T Numeric] struct {
	agg    *Aggregator[K, T]
	worker int
}

// Worker returns the handle for worker id. It panics with
// ErrInvalidWorker if id is outside [0, Workers()).
func (a *Aggregator[K, T]) Worker(id int) Writer[K, T] {
	a.table.checkWorker(id, "Worker")
	return Writer[K, T]{agg: a, worker: id}
}

// ID returns the worker id of the handle.
func (w Writer[K, T]) ID() int {
	return w.worker
}

// Aggregate folds next into key on behalf of the handle's worker.
func (w Writer[K, T]) Aggregate(key K, next T) (value, replaced T) {
	if w.agg == nil {
		panic(opError(CodeNotAllocated, "Aggregate"))
	}
	w.agg.table.checkLive("Aggregate")
	return w.agg.aggregate(w.worker, key, next)
}

// Aggregate folds next into key on behalf of worker and returns the
// aggregate after the fold together with the operand it displaced. A key
// seen for the first time starts from the kind's reset state.
func (a *Aggregator[K, T]) Aggregate(worker int, key K, next T) (value, replaced T) {
	a.table.checkLive("Aggregate")
	a.table.checkWorker(worker, "Aggregate")
	return a.aggregate(worker, key, next)
}

func (a *Aggregator[K, T]) aggregate(worker int, key K, next T) (value, replaced T) {
	idx, _ := a.table.insertOrGet(worker, key, a.init)
	e := &a.table.values[idx]
	atomic.AddInt32(&e.count, 1)
	if a.fold == nil {
		return a.ops.load(&e.value), next
	}
	return a.fold(&e.value, next)
}

// resetEntry puts e back into the kind's initial state.
func (a *Aggregator[K, T]) resetEntry(e *Entry[T]) {
	atomic.StoreInt32(&e.count, 0)
	a.ops.store(&e.result, 0)
	a.ops.store(&e.value, a.ops.sentinel(a.kind))
}

func (a *Aggregator[K, T]) evaluate(e *Entry[T]) T {
	r := a.ops.evaluate(a.kind, a.ops.load(&e.value), atomic.LoadInt32(&e.count))
	a.ops.store(&e.result, r)
	return r
}

func (a *Aggregator[K, T]) snapshot(e *Entry[T]) Snapshot[T] {
	return Snapshot[T]{
		Value:  a.ops.load(&e.value),
		Result: a.ops.load(&e.result),
		Count:  atomic.LoadInt32(&e.count),
	}
}

// Evaluate computes, stores and returns the result for key. It must not
// race with Aggregate on the same key.
func (a *Aggregator[K, T]) Evaluate(key K) (T, bool) {
	e, ok := a.table.Lookup(key)
	if !ok {
		return 0, false
	}
	return a.evaluate(e), true
}

// EvaluateAll evaluates every key. Buckets are split into disjoint ranges
// that are evaluated in parallel; no two ranges share a slot. ctx only
// stops ranges that have not started yet.
func (a *Aggregator[K, T]) EvaluateAll(ctx context.Context) error {
	a.table.checkLive("EvaluateAll")
	n := a.table.BucketCount()
	chunkSize, chunks := calcParallelism(n, minBucketsPerGoroutine, runtime.GOMAXPROCS(0))
	if chunks <= 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.table.rangeBuckets(0, n, func(_ K, e *Entry[T]) bool {
			a.evaluate(e)
			return true
		})
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < chunks; i++ {
		start, end := i*chunkSize, min((i+1)*chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a.table.rangeBuckets(start, end, func(_ K, e *Entry[T]) bool {
				a.evaluate(e)
				return true
			})
			return nil
		})
	}
	return g.Wait()
}

// Reset returns key to the kind's initial state: zero count and result,
// and a value of 0 (Sum, Average), the type maximum (Min) or the type
// minimum (Max). It reports whether the key exists.
func (a *Aggregator[K, T]) Reset(key K) bool {
	e, ok := a.table.Lookup(key)
	if ok {
		a.resetEntry(e)
	}
	return ok
}

// ResetAll resets every key, e.g. before reusing the table for a new round.
func (a *Aggregator[K, T]) ResetAll() {
	for _, e := range a.table.All() {
		a.resetEntry(e)
	}
}

// Load returns a snapshot of key.
func (a *Aggregator[K, T]) Load(key K) (Snapshot[T], bool) {
	e, ok := a.table.Lookup(key)
	if !ok {
		return Snapshot[T]{}, false
	}
	return a.snapshot(e), true
}

func (a *Aggregator[K, T]) mustLookup(key K, op string) *Entry[T] {
	e, ok := a.table.Lookup(key)
	if !ok {
		panic(opError(CodeKeyNotFound, op))
	}
	return e
}

// ResultOf returns the last evaluated result of key. It panics with
// ErrKeyNotFound if key was never aggregated.
func (a *Aggregator[K, T]) ResultOf(key K) T {
	return a.ops.load(&a.mustLookup(key, "ResultOf").result)
}

// ValueOf returns the running aggregate of key. It panics with
// ErrKeyNotFound if key was never aggregated.
func (a *Aggregator[K, T]) ValueOf(key K) T {
	return a.ops.load(&a.mustLookup(key, "ValueOf").value)
}

// CountOf returns the number of samples folded into key. It panics with
// ErrKeyNotFound if key was never aggregated.
func (a *Aggregator[K, T]) CountOf(key K) int32 {
	return atomic.LoadInt32(&a.mustLookup(key, "CountOf").count)
}

// Range calls yield with a snapshot of every key. It must not run
// concurrently with inserts of new keys.
func (a *Aggregator[K, T]) Range(yield func(key K, s Snapshot[T]) bool) {
	for k, e := range a.table.All() {
		if !yield(k, a.snapshot(e)) {
			return
		}
	}
}

// Len returns the number of keys. O(n).
func (a *Aggregator[K, T]) Len() int {
	return a.table.Len()
}

// Grow enlarges the underlying table; see Table.Grow.
func (a *Aggregator[K, T]) Grow(newCapacity int) error {
	return a.table.Grow(newCapacity)
}

// Dispose releases the underlying table; see Table.Dispose.
func (a *Aggregator[K, T]) Dispose() error {
	return a.table.Dispose()
}

// DisposeAfter defers disposal until done is closed; see Table.DisposeAfter.
func (a *Aggregator[K, T]) DisposeAfter(done <-chan struct{}) <-chan struct{} {
	return a.table.DisposeAfter(done)
}

// Stats returns diagnostics of the underlying table.
func (a *Aggregator[K, T]) Stats() *Stats {
	return a.table.Stats()
}

// Value returns the running aggregate held by e.
func (e *Entry[T]) Value() T {
	return loadNumeric(&e.value)
}

// Result returns the last evaluated result held by e.
func (e *Entry[T]) Result() T {
	return loadNumeric(&e.result)
}

// Count returns the number of samples folded into e.
func (e *Entry[T]) Count() int32 {
	return atomic.LoadInt32(&e.count)
}
