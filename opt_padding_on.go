//go:build keyagg_opt_enablepadding

package keyagg

import "unsafe"

// enablePadding is true, the per-worker `counterStripe` will be padded to align with a cache line,
// This can mitigate the impact of false sharing on certain machine architectures.
// If turned on, the related fields will occupy a bit more memory.
// By default, it is turned off.
const enablePadding = true

// counterStripe holds the allocator counters owned by one worker.
type counterStripe struct {
	counters
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(counters{})%CacheLineSize) % CacheLineSize]byte
}
