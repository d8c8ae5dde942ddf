package keyagg

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Numeric is the set of value types an aggregator can fold.
type Numeric interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// Kind selects how values for one key (or one lane) are folded.
type Kind uint8

const (
	// None folds nothing: only the sample count advances.
	None Kind = iota
	// Sum adds every value.
	Sum
	// Average sums values and divides by the count on Evaluate.
	Average
	// Min keeps the smallest value.
	Min
	// Max keeps the largest value.
	Max
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Sum:
		return "sum"
	case Average:
		return "average"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses the names produced by Kind.String. "avg" is accepted
// for Average.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "sum":
		return Sum, nil
	case "average", "avg":
		return Average, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	default:
		return None, fmt.Errorf("keyagg: unknown aggregation kind %q", s)
	}
}

// foldFunc is an atomic fold on a running aggregate.
type foldFunc[T Numeric] func(addr *T, next T) (value, replaced T)

// numOps binds the typed primitives to T.
type numOps[T Numeric] struct {
	sum, min, max foldFunc[T]
	average       func(value T, count int32) T
	load          func(addr *T) T
	store         func(addr *T, v T)
	lowest        T // sentinel for Max
	highest       T // sentinel for Min
}

// fold returns the fold for kind, or nil for None.
func (o *numOps[T]) fold(kind Kind) foldFunc[T] {
	switch kind {
	case Sum, Average:
		return o.sum
	case Min:
		return o.min
	case Max:
		return o.max
	default:
		return nil
	}
}

// sentinel is the value a reset aggregate starts from.
func (o *numOps[T]) sentinel(kind Kind) T {
	switch kind {
	case Min:
		return o.highest
	case Max:
		return o.lowest
	default:
		return 0
	}
}

// evaluate computes the result of an aggregate.
func (o *numOps[T]) evaluate(kind Kind, value T, count int32) T {
	if kind == Average {
		return o.average(value, count)
	}
	return value
}

// opsFor selects the typed primitives for T by width and by whether T is
// a floating-point type.
func opsFor[T Numeric]() *numOps[T] {
	var one T = 1
	isFloat := one/2 != 0
	switch size := unsafe.Sizeof(one); {
	case size == 4 && isFloat:
		return &numOps[T]{
			sum: func(addr *T, next T) (T, T) {
				v, r := SumFloat32((*float32)(unsafe.Pointer(addr)), float32(next))
				return T(v), T(r)
			},
			min: func(addr *T, next T) (T, T) {
				v, r := MinFloat32((*float32)(unsafe.Pointer(addr)), float32(next))
				return T(v), T(r)
			},
			max: func(addr *T, next T) (T, T) {
				v, r := MaxFloat32((*float32)(unsafe.Pointer(addr)), float32(next))
				return T(v), T(r)
			},
			average: func(value T, count int32) T {
				return T(AverageFloat32(float32(value), count))
			},
			store: func(addr *T, v T) {
				atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), math.Float32bits(float32(v)))
			},
			load:    loadNumeric[T],
			lowest:  T(float32(math.Inf(-1))),
			highest: T(float32(math.Inf(1))),
		}
	case size == 8 && isFloat:
		return &numOps[T]{
			sum: func(addr *T, next T) (T, T) {
				v, r := SumFloat64((*float64)(unsafe.Pointer(addr)), float64(next))
				return T(v), T(r)
			},
			min: func(addr *T, next T) (T, T) {
				v, r := MinFloat64((*float64)(unsafe.Pointer(addr)), float64(next))
				return T(v), T(r)
			},
			max: func(addr *T, next T) (T, T) {
				v, r := MaxFloat64((*float64)(unsafe.Pointer(addr)), float64(next))
				return T(v), T(r)
			},
			average: func(value T, count int32) T {
				return T(AverageFloat64(float64(value), count))
			},
			store: func(addr *T, v T) {
				atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), math.Float64bits(float64(v)))
			},
			load:    loadNumeric[T],
			lowest:  T(math.Inf(-1)),
			highest: T(math.Inf(1)),
		}
	case size == 4:
		lo, hi := int32(math.MinInt32), int32(math.MaxInt32)
		return &numOps[T]{
			sum: func(addr *T, next T) (T, T) {
				v, r := SumInt32((*int32)(unsafe.Pointer(addr)), int32(next))
				return T(v), T(r)
			},
			min: func(addr *T, next T) (T, T) {
				v, r := MinInt32((*int32)(unsafe.Pointer(addr)), int32(next))
				return T(v), T(r)
			},
			max: func(addr *T, next T) (T, T) {
				v, r := MaxInt32((*int32)(unsafe.Pointer(addr)), int32(next))
				return T(v), T(r)
			},
			average: func(value T, count int32) T {
				return T(AverageInt32(int32(value), count))
			},
			store: func(addr *T, v T) {
				atomic.StoreInt32((*int32)(unsafe.Pointer(addr)), int32(v))
			},
			load:    loadNumeric[T],
			lowest:  T(lo),
			highest: T(hi),
		}
	default:
		// non-constant bounds: MinInt64 does not fit every type in Numeric
		lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
		return &numOps[T]{
			sum: func(addr *T, next T) (T, T) {
				v, r := SumInt64((*int64)(unsafe.Pointer(addr)), int64(next))
				return T(v), T(r)
			},
			min: func(addr *T, next T) (T, T) {
				v, r := MinInt64((*int64)(unsafe.Pointer(addr)), int64(next))
				return T(v), T(r)
			},
			max: func(addr *T, next T) (T, T) {
				v, r := MaxInt64((*int64)(unsafe.Pointer(addr)), int64(next))
				return T(v), T(r)
			},
			average: func(value T, count int32) T {
				return T(AverageInt64(int64(value), count))
			},
			store: func(addr *T, v T) {
				atomic.StoreInt64((*int64)(unsafe.Pointer(addr)), int64(v))
			},
			load:    loadNumeric[T],
			lowest:  T(lo),
			highest: T(hi),
		}
	}
}

// loadNumeric atomically loads *addr by reinterpreting its bits, which
// works for every member of Numeric since each is 4 or 8 bytes wide.
func loadNumeric[T Numeric](addr *T) T {
	if unsafe.Sizeof(*addr) == 4 {
		bits := atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
		return *(*T)(unsafe.Pointer(&bits))
	}
	bits := atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
	return *(*T)(unsafe.Pointer(&bits))
}
