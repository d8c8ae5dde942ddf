//go:build !keyagg_opt_enablepadding

package keyagg

// enablePadding is true, the per-worker `counterStripe` will be padded to align with a cache line,
// This can mitigate the impact of false sharing on certain machine architectures.
// If turned on, the related fields will occupy a bit more memory.
// By default, it is turned off.
const enablePadding = false

// counterStripe holds the allocator counters owned by one worker.
type counterStripe struct {
	counters
}
