package keyagg

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Atomic aggregate primitives.
//
// Every fold takes the address of a running aggregate and an operand and
// returns (value, replaced): value is the aggregate after the call, replaced
// is the operand that lost. For Sum that is the previous aggregate; for
// Max/Min it is the smaller/larger of the two.
//
// Integer Sum is a single hardware add and is exact under any contention.
// Float Sum, Max and Min are compare-and-swap loops. Their replaced (and, on
// the early-exit path, value) comes from the snapshot read at the deciding
// step, which a concurrent writer may already have superseded by the time
// the call returns. The aggregate itself never loses an update.

// SumInt32 atomically adds next to *addr.
func SumInt32(addr *int32, next int32) (value, replaced int32) {
	value = atomic.AddInt32(addr, next)
	return value, value - next
}

// SumInt64 atomically adds next to *addr.
func SumInt64(addr *int64, next int64) (value, replaced int64) {
	value = atomic.AddInt64(addr, next)
	return value, value - next
}

// SumFloat32 adds next to *addr with a CAS retry loop.
func SumFloat32(addr *float32, next float32) (value, replaced float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		cur := math.Float32frombits(old)
		value = cur + next
		if atomic.CompareAndSwapUint32(p, old, math.Float32bits(value)) {
			return value, cur
		}
	}
}

// SumFloat64 adds next to *addr with a CAS retry loop.
func SumFloat64(addr *float64, next float64) (value, replaced float64) {
	p := (*uint64)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint64(p)
		cur := math.Float64frombits(old)
		value = cur + next
		if atomic.CompareAndSwapUint64(p, old, math.Float64bits(value)) {
			return value, cur
		}
	}
}

// MaxInt32 raises *addr to next if next is larger.
func MaxInt32(addr *int32, next int32) (value, replaced int32) {
	cur := atomic.LoadInt32(addr)
	for {
		if cur >= next {
			return cur, next
		}
		if atomic.CompareAndSwapInt32(addr, cur, next) {
			return next, cur
		}
		cur = atomic.LoadInt32(addr)
	}
}

// MaxInt64 raises *addr to next if next is larger.
func MaxInt64(addr *int64, next int64) (value, replaced int64) {
	cur := atomic.LoadInt64(addr)
	for {
		if cur >= next {
			return cur, next
		}
		if atomic.CompareAndSwapInt64(addr, cur, next) {
			return next, cur
		}
		cur = atomic.LoadInt64(addr)
	}
}

// MaxFloat32 raises *addr to next if next is larger. NaN never wins.
func MaxFloat32(addr *float32, next float32) (value, replaced float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	old := atomic.LoadUint32(p)
	for {
		cur := math.Float32frombits(old)
		if !(next > cur) {
			return cur, next
		}
		if atomic.CompareAndSwapUint32(p, old, math.Float32bits(next)) {
			return next, cur
		}
		old = atomic.LoadUint32(p)
	}
}

// MaxFloat64 raises *addr to next if next is larger. NaN never wins.
func MaxFloat64(addr *float64, next float64) (value, replaced float64) {
	p := (*uint64)(unsafe.Pointer(addr))
	old := atomic.LoadUint64(p)
	for {
		cur := math.Float64frombits(old)
		if !(next > cur) {
			return cur, next
		}
		if atomic.CompareAndSwapUint64(p, old, math.Float64bits(next)) {
			return next, cur
		}
		old = atomic.LoadUint64(p)
	}
}

// MinInt32 lowers *addr to next if next is smaller.
func MinInt32(addr *int32, next int32) (value, replaced int32) {
	cur := atomic.LoadInt32(addr)
	for {
		if cur <= next {
			return cur, next
		}
		if atomic.CompareAndSwapInt32(addr, cur, next) {
			return next, cur
		}
		cur = atomic.LoadInt32(addr)
	}
}

// MinInt64 lowers *addr to next if next is smaller.
func MinInt64(addr *int64, next int64) (value, replaced int64) {
	cur := atomic.LoadInt64(addr)
	for {
		if cur <= next {
			return cur, next
		}
		if atomic.CompareAndSwapInt64(addr, cur, next) {
			return next, cur
		}
		cur = atomic.LoadInt64(addr)
	}
}

// MinFloat32 lowers *addr to next if next is smaller. NaN never wins.
func MinFloat32(addr *float32, next float32) (value, replaced float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	old := atomic.LoadUint32(p)
	for {
		cur := math.Float32frombits(old)
		if !(next < cur) {
			return cur, next
		}
		if atomic.CompareAndSwapUint32(p, old, math.Float32bits(next)) {
			return next, cur
		}
		old = atomic.LoadUint32(p)
	}
}

// MinFloat64 lowers *addr to next if next is smaller. NaN never wins.
func MinFloat64(addr *float64, next float64) (value, replaced float64) {
	p := (*uint64)(unsafe.Pointer(addr))
	old := atomic.LoadUint64(p)
	for {
		cur := math.Float64frombits(old)
		if !(next < cur) {
			return cur, next
		}
		if atomic.CompareAndSwapUint64(p, old, math.Float64bits(next)) {
			return next, cur
		}
		old = atomic.LoadUint64(p)
	}
}

// AverageInt32 divides value by count. With no samples the result is 0,
// MaxInt32 or MinInt32 depending on the sign of value.
func AverageInt32(value, count int32) int32 {
	if count == 0 {
		switch {
		case value == 0:
			return 0
		case value > 0:
			return math.MaxInt32
		default:
			return math.MinInt32
		}
	}
	return value / count
}

// AverageInt64 divides value by count. With no samples the result is 0,
// MaxInt64 or MinInt64 depending on the sign of value.
func AverageInt64(value int64, count int32) int64 {
	if count == 0 {
		switch {
		case value == 0:
			return 0
		case value > 0:
			return math.MaxInt64
		default:
			return math.MinInt64
		}
	}
	return value / int64(count)
}

// AverageFloat32 divides value by count. With no samples the result is 0
// or an infinity carrying the sign of value.
func AverageFloat32(value float32, count int32) float32 {
	if count == 0 {
		switch {
		case value == 0:
			return 0
		case value > 0:
			return float32(math.Inf(1))
		default:
			return float32(math.Inf(-1))
		}
	}
	return value / float32(count)
}

// AverageFloat64 divides value by count. With no samples the result is 0
// or an infinity carrying the sign of value.
func AverageFloat64(value float64, count int32) float64 {
	if count == 0 {
		switch {
		case value == 0:
			return 0
		case value > 0:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}
	return value / float64(count)
}
