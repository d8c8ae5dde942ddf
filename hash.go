package keyagg

import (
	"hash/maphash"
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// HashFunc hashes a key with the table seed. Only the low bits of the
// result select a bucket, so implementations must mix well into them.
type HashFunc[K comparable] func(key K, seed uintptr) uintptr

// mix spreads entropy into the low bits used for bucket masking.
func mix(h, seed uintptr) uintptr {
	h = (h ^ seed) * hashPrime
	return h ^ (h >> (bits.UintSize / 2))
}

// defaultHasher picks a hash function for K.
//
// Integer keys are mixed directly, which keeps sequential ids evenly spread
// across buckets. Strings go through xxhash. Any other comparable key falls
// back to maphash.Comparable.
func defaultHasher[K comparable]() HashFunc[K] {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(key K, seed uintptr) uintptr {
			return mix(*(*uintptr)(unsafe.Pointer(&key)), seed)
		}

	case uint64, int64:
		if bits.UintSize == 32 {
			return func(key K, seed uintptr) uintptr {
				v := *(*uint64)(unsafe.Pointer(&key))
				return mix(uintptr(v)^uintptr(v>>32), seed)
			}
		}
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(*(*uint64)(unsafe.Pointer(&key))), seed)
		}

	case uint32, int32:
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(*(*uint32)(unsafe.Pointer(&key))), seed)
		}

	case uint16, int16:
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(*(*uint16)(unsafe.Pointer(&key))), seed)
		}

	case uint8, int8:
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(*(*uint8)(unsafe.Pointer(&key))), seed)
		}

	case string:
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(xxhash.Sum64String(*(*string)(unsafe.Pointer(&key)))), seed)
		}

	default:
		ms := maphash.MakeSeed()
		return func(key K, seed uintptr) uintptr {
			return mix(uintptr(maphash.Comparable(ms, key)), seed)
		}
	}
}
