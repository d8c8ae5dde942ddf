package keyagg

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"unsafe"
)

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic with %v", target)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("panic %v, want %v", r, target)
		}
	}()
	fn()
}

func TestTable_StructSize(t *testing.T) {
	t.Logf("CacheLineSize : %d", CacheLineSize)

	size := unsafe.Sizeof(shard{})
	t.Log("shard size:", size)
	if size != CacheLineSize {
		t.Fatalf("shard doesn't meet CacheLineSize: %d", size)
	}

	size = unsafe.Sizeof(highWater{})
	t.Log("highWater size:", size)
	if size != CacheLineSize {
		t.Fatalf("highWater doesn't meet CacheLineSize: %d", size)
	}

	size = unsafe.Sizeof(counterStripe{})
	t.Log("counterStripe size:", size)
	if enablePadding && size%CacheLineSize != 0 {
		t.Fatalf("counterStripe doesn't meet CacheLineSize: %d", size)
	}

	if s := unsafe.Sizeof(Entry[int64]{}); s%8 != 0 {
		t.Fatalf("Entry[int64] size %d is not a multiple of 8", s)
	}
	if s := unsafe.Sizeof(LaneEntry[float64]{}); s%8 != 0 {
		t.Fatalf("LaneEntry[float64] size %d is not a multiple of 8", s)
	}

	structType := reflect.TypeOf(Table[string, Entry[int64]]{})
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		t.Logf("Field: %-10s Type: %-40s Offset: %d Size: %d bytes\n",
			field.Name, field.Type, field.Offset, field.Type.Size())
	}
}

func TestStorage_Alignment(t *testing.T) {
	for _, tc := range []struct{ capacity, buckets, wantBuckets int }{
		{1, 1, 1},
		{7, 0, 8},
		{100, 10, 16},
		{1000, 4096, 4096},
		{0, 0, defaultCapacity},
	} {
		s := NewStorage[int, int](tc.capacity, tc.buckets)
		wantCap := tc.capacity
		if wantCap <= 0 {
			wantCap = defaultCapacity
		}
		if len(s.Keys) != wantCap || len(s.Values) != wantCap || len(s.Next) != wantCap {
			t.Fatalf("%+v: bad array lengths %d/%d/%d", tc, len(s.Keys), len(s.Values), len(s.Next))
		}
		if len(s.Buckets) != tc.wantBuckets {
			t.Fatalf("%+v: buckets %d, want %d", tc, len(s.Buckets), tc.wantBuckets)
		}
		if p := uintptr(unsafe.Pointer(&s.Next[0])); p%CacheLineSize != 0 {
			t.Fatalf("%+v: next array not cache-line aligned: %#x", tc, p)
		}
		if p := uintptr(unsafe.Pointer(&s.Buckets[0])); p%CacheLineSize != 0 {
			t.Fatalf("%+v: bucket array not cache-line aligned: %#x", tc, p)
		}
		for i, h := range s.Buckets {
			if h != -1 {
				t.Fatalf("%+v: bucket %d not empty: %d", tc, i, h)
			}
		}
	}
}

func TestTable_InsertOrGet(t *testing.T) {
	tbl := NewTable[string, int](64, WithWorkers(1))
	for i := 0; i < 64; i++ {
		v, loaded := tbl.InsertOrGet(0, fmt.Sprint(i))
		if loaded {
			t.Fatalf("key %d reported as loaded on first insert", i)
		}
		*v = i * 10
	}
	for i := 0; i < 64; i++ {
		v, loaded := tbl.InsertOrGet(0, fmt.Sprint(i))
		if !loaded {
			t.Fatalf("key %d not loaded on second insert", i)
		}
		if *v != i*10 {
			t.Fatalf("key %d: got %d, want %d", i, *v, i*10)
		}
		got, ok := tbl.Lookup(fmt.Sprint(i))
		if !ok || got != v {
			t.Fatalf("Lookup(%d) returned a different slot", i)
		}
	}
	if _, ok := tbl.Lookup("missing"); ok {
		t.Fatal("Lookup found a key that was never inserted")
	}
	if n := tbl.Len(); n != 64 {
		t.Fatalf("Len: got %d, want 64", n)
	}
}

func TestTable_InsertOrGetFuncInitRunsOnce(t *testing.T) {
	tbl := NewTable[int, int](16, WithWorkers(1))
	calls := 0
	init := func(v *int) {
		calls++
		*v = 42
	}
	v, _ := tbl.InsertOrGetFunc(0, 1, init)
	v2, _ := tbl.InsertOrGetFunc(0, 1, init)
	if calls != 1 {
		t.Fatalf("init called %d times", calls)
	}
	if v != v2 || *v != 42 {
		t.Fatalf("unexpected slot state: %d", *v)
	}
}

func TestTable_HashCodeCollisions(t *testing.T) {
	tbl := NewTable[int, int](256,
		WithWorkers(1),
		WithHasher[int](func(int, uintptr) uintptr { return 0 }))
	for i := 0; i < 256; i++ {
		v, _ := tbl.InsertOrGet(0, i)
		*v = i
	}
	for i := 0; i < 256; i++ {
		v, ok := tbl.Lookup(i)
		if !ok || *v != i {
			t.Fatalf("key %d lost in a single chain", i)
		}
	}
	stats := tbl.Stats()
	if stats.MaxChain != 256 || stats.EmptyBuckets != stats.Buckets-1 {
		t.Fatalf("expected one chain of 256, got %s", stats.ToString())
	}
}

func TestTable_ConcurrentSameKeys(t *testing.T) {
	const (
		workers = 8
		keys    = 512
	)
	tbl := NewTable[int, int](keys+workers*allocBlockSize*2, WithWorkers(workers))

	slots := make([][]*int, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			slots[w] = make([]*int, keys)
			for i := 0; i < keys; i++ {
				slots[w][i], _ = tbl.InsertOrGet(w, i)
				if i%64 == 0 {
					runtime.Gosched()
				}
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < keys; i++ {
		for w := 1; w < workers; w++ {
			if slots[w][i] != slots[0][i] {
				t.Fatalf("key %d: worker %d got a different slot than worker 0", i, w)
			}
		}
	}
	if n := tbl.Len(); n != keys {
		t.Fatalf("Len: got %d, want %d", n, keys)
	}
	stats := tbl.Stats()
	t.Log(stats.ToString())
	if stats.Entries+stats.Free != stats.Claimed {
		t.Fatalf("slots leaked: entries %d + free %d != claimed %d",
			stats.Entries, stats.Free, stats.Claimed)
	}
}

func TestTable_NoLostKeys(t *testing.T) {
	const (
		workers = 8
		perW    = 2000
	)
	tbl := NewTable[int, int](workers*perW+workers*allocBlockSize, WithWorkers(workers))
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				key := w*perW + i
				v, loaded := tbl.InsertOrGet(w, key)
				if loaded {
					t.Errorf("disjoint key %d reported as loaded", key)
					return
				}
				*v = key
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int]bool, workers*perW)
	for k, v := range tbl.All() {
		if seen[k] {
			t.Fatalf("key %d iterated twice", k)
		}
		seen[k] = true
		if *v != k {
			t.Fatalf("key %d holds %d", k, *v)
		}
	}
	if len(seen) != workers*perW {
		t.Fatalf("iterated %d keys, want %d", len(seen), workers*perW)
	}
}

func TestTable_CapacityExhausted(t *testing.T) {
	tbl := NewTable[int, int](8, WithWorkers(1))
	for i := 0; i < 8; i++ {
		tbl.InsertOrGet(0, i)
	}
	// existing keys never need a slot
	tbl.InsertOrGet(0, 3)
	expectPanic(t, ErrCapacityExhausted, func() {
		tbl.InsertOrGet(0, 8)
	})
}

func TestTable_StealFromOtherWorker(t *testing.T) {
	tbl := NewTable[int, int](allocBlockSize, WithWorkers(2))

	tbl.InsertOrGet(0, 0)
	stats := tbl.Stats()
	if stats.BlockClaims != 1 || stats.Claimed != allocBlockSize || stats.Free != allocBlockSize-1 {
		t.Fatalf("after first insert: %s", stats.ToString())
	}

	for i := 1; i < allocBlockSize; i++ {
		tbl.InsertOrGet(1, i)
	}
	stats = tbl.Stats()
	if stats.Steals != allocBlockSize-1 {
		t.Fatalf("steals: got %d, want %d", stats.Steals, allocBlockSize-1)
	}
	if stats.Free != 0 || stats.Entries != allocBlockSize {
		t.Fatalf("after filling: %s", stats.ToString())
	}
	expectPanic(t, ErrCapacityExhausted, func() {
		tbl.InsertOrGet(1, allocBlockSize)
	})
}

func TestTable_PartialBlockAtEnd(t *testing.T) {
	tbl := NewTable[int, int](allocBlockSize+3, WithWorkers(1))
	for i := 0; i < allocBlockSize+3; i++ {
		tbl.InsertOrGet(0, i)
	}
	if stats := tbl.Stats(); stats.BlockClaims != 2 || stats.Claimed != allocBlockSize+3 {
		t.Fatalf("unexpected claims: %s", stats.ToString())
	}
	expectPanic(t, ErrCapacityExhausted, func() {
		tbl.InsertOrGet(0, -1)
	})
}

func TestTable_InvalidWorker(t *testing.T) {
	tbl := NewTable[int, int](8, WithWorkers(2))
	expectPanic(t, ErrInvalidWorker, func() { tbl.InsertOrGet(2, 1) })
	expectPanic(t, ErrInvalidWorker, func() { tbl.InsertOrGet(-1, 1) })
}

func TestTable_Grow(t *testing.T) {
	tbl := NewTable[int, int](allocBlockSize, WithWorkers(1))
	for i := 0; i < allocBlockSize; i++ {
		v, _ := tbl.InsertOrGet(0, i)
		*v = i * 3
	}

	if err := tbl.Grow(allocBlockSize - 1); !errors.Is(err, ErrShrink) {
		t.Fatalf("shrinking Grow: got %v, want ErrShrink", err)
	}
	if err := tbl.Grow(allocBlockSize); err != nil {
		t.Fatalf("same-size Grow: %v", err)
	}
	if err := tbl.Grow(4 * allocBlockSize); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if tbl.Cap() != 4*allocBlockSize {
		t.Fatalf("Cap: got %d", tbl.Cap())
	}
	if tbl.BucketCount()&(tbl.BucketCount()-1) != 0 {
		t.Fatalf("bucket count %d is not a power of two", tbl.BucketCount())
	}
	for i := 0; i < allocBlockSize; i++ {
		v, ok := tbl.Lookup(i)
		if !ok || *v != i*3 {
			t.Fatalf("key %d not preserved by Grow", i)
		}
	}
	for i := allocBlockSize; i < 4*allocBlockSize; i++ {
		if _, loaded := tbl.InsertOrGet(0, i); loaded {
			t.Fatalf("new key %d reported as loaded", i)
		}
	}
	expectPanic(t, ErrCapacityExhausted, func() {
		tbl.InsertOrGet(0, 4*allocBlockSize)
	})
	if g := tbl.Stats().Growths; g != 1 {
		t.Fatalf("growths: got %d, want 1", g)
	}
}

func TestTable_Dispose(t *testing.T) {
	for _, strategy := range []AllocationStrategy{Persistent, Transient} {
		tbl := NewTable[int, int](32, WithWorkers(1), WithAllocation(strategy))
		tbl.InsertOrGet(0, 1)
		if err := tbl.Dispose(); err != nil {
			t.Fatalf("%s: Dispose: %v", strategy, err)
		}
		if !tbl.Disposed() {
			t.Fatalf("%s: Disposed() false after Dispose", strategy)
		}
		if err := tbl.Dispose(); !errors.Is(err, ErrDisposed) {
			t.Fatalf("%s: second Dispose: %v", strategy, err)
		}
		if err := tbl.Grow(64); !errors.Is(err, ErrDisposed) {
			t.Fatalf("%s: Grow after Dispose: %v", strategy, err)
		}
		expectPanic(t, ErrDisposed, func() { tbl.Lookup(1) })
		expectPanic(t, ErrDisposed, func() { tbl.InsertOrGet(0, 2) })
		if !tbl.Stats().Disposed {
			t.Fatalf("%s: stats not marked disposed", strategy)
		}
	}
}

func TestTable_TransientReuse(t *testing.T) {
	for round := 0; round < 8; round++ {
		tbl := NewTable[int, int](100, WithWorkers(2), WithAllocation(Transient))
		for i := 0; i < 100; i++ {
			v, loaded := tbl.InsertOrGet(i%2, i)
			if loaded {
				t.Fatalf("round %d: recycled block leaked key %d", round, i)
			}
			*v = round
		}
		if n := tbl.Len(); n != 100 {
			t.Fatalf("round %d: Len %d", round, n)
		}
		if err := tbl.Dispose(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTable_DisposeAfter(t *testing.T) {
	tbl := NewTable[int, int](32, WithWorkers(2))
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	for w := 0; w < 2; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				tbl.InsertOrGet(w, w*10+i)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	disposed := tbl.DisposeAfter(done)
	<-disposed
	if !tbl.Disposed() {
		t.Fatal("table not disposed after token completed")
	}
}

func TestTable_CallerOwnedStorage(t *testing.T) {
	s := NewStorage[string, int](16, 8)
	tbl := NewTable[string, int](0, WithWorkers(1), WithStorage(s))
	if tbl.Strategy() != CallerOwned || tbl.Cap() != 16 || tbl.BucketCount() != 8 {
		t.Fatalf("storage shape not adopted: %s cap=%d buckets=%d",
			tbl.Strategy(), tbl.Cap(), tbl.BucketCount())
	}
	v, _ := tbl.InsertOrGet(0, "a")
	*v = 7
	if s.Values[0] != 7 || s.Keys[0] != "a" {
		t.Fatalf("table did not write into caller storage: %v %v", s.Keys[0], s.Values[0])
	}
	if err := tbl.Dispose(); err != nil {
		t.Fatal(err)
	}
	if s.Keys == nil || s.Values[0] != 7 {
		t.Fatal("Dispose released caller-owned storage")
	}
}

func TestTable_CallerOwnedGrowDetaches(t *testing.T) {
	s := NewStorage[int, int](16, 16)
	tbl := NewTable[int, int](0, WithWorkers(1), WithStorage(s))
	v, _ := tbl.InsertOrGet(0, 1)
	*v = 11
	if err := tbl.Grow(64); err != nil {
		t.Fatal(err)
	}
	if tbl.Strategy() != Persistent {
		t.Fatalf("strategy after Grow: %s", tbl.Strategy())
	}
	v, _ = tbl.InsertOrGet(0, 1)
	*v = 12
	if s.Values[0] != 11 {
		t.Fatal("grown table still writes into caller storage")
	}
}

func TestTable_StorageMismatch(t *testing.T) {
	expectPanic(t, ErrStorageMismatch, func() {
		NewTable[int, int](0, WithStorage(NewStorage[string, int](8, 8)))
	})
	expectPanic(t, ErrStorageMismatch, func() {
		NewTable[int, int](0, WithStorage(&Storage[int, int]{}))
	})
}

func TestTable_Keys(t *testing.T) {
	tbl := NewTable[int, struct{}](32, WithWorkers(1))
	for i := 0; i < 20; i++ {
		tbl.InsertOrGet(0, i)
	}
	n := 0
	for k := range tbl.Keys() {
		if k < 0 || k >= 20 {
			t.Fatalf("unexpected key %d", k)
		}
		n++
		if n == 5 {
			break
		}
	}
	if n != 5 {
		t.Fatalf("early break not honoured: %d", n)
	}
}

func TestCalcParallelism(t *testing.T) {
	for _, tc := range []struct{ items, threshold, cpus, size, chunks int }{
		{10, 256, 8, 10, 1},
		{256, 256, 8, 256, 1},
		{1024, 256, 8, 256, 4},
		{1 << 16, 256, 8, 8192, 8},
		{1000, 256, 1, 1000, 1},
	} {
		size, chunks := calcParallelism(tc.items, tc.threshold, tc.cpus)
		if size != tc.size || chunks != tc.chunks {
			t.Fatalf("calcParallelism(%d,%d,%d) = %d,%d; want %d,%d",
				tc.items, tc.threshold, tc.cpus, size, chunks, tc.size, tc.chunks)
		}
	}
}

func TestNextPowOf2(t *testing.T) {
	for in, want := range map[int]int{-1: 1, 0: 1, 1: 1, 2: 2, 3: 4, 64: 64, 65: 128, 1000: 1024} {
		if got := nextPowOf2(in); got != want {
			t.Fatalf("nextPowOf2(%d) = %d; want %d", in, got, want)
		}
	}
}

func TestDefaultHasher_Spread(t *testing.T) {
	const n = 1 << 12
	check := func(name string, hash func(i int) uintptr) {
		used := make(map[uintptr]bool)
		for i := 0; i < n; i++ {
			used[hash(i)&(n-1)] = true
		}
		// a decent hash fills well over half of the buckets
		if len(used) < n/2 {
			t.Fatalf("%s: only %d of %d buckets used", name, len(used), n)
		}
	}
	hi := defaultHasher[int]()
	check("int", func(i int) uintptr { return hi(i, 0) })
	hs := defaultHasher[string]()
	check("string", func(i int) uintptr { return hs(fmt.Sprint(i), 0) })
	hk := defaultHasher[[2]int32]()
	check("struct", func(i int) uintptr { return hk([2]int32{int32(i), 1}, 0) })
}
