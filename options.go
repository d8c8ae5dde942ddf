package keyagg

import (
	"log/slog"
	"runtime"
)

const (
	// defaultCapacity is used when a non-positive capacity is requested.
	defaultCapacity = 64
	// maxWorkers bounds the worker id space. Each worker owns one padded
	// free-list shard, so the bound also caps the shard array size.
	maxWorkers = 1 << 12
	// maxCapacity keeps every slot index representable as a non-negative int32.
	maxCapacity = 1<<31 - 1
)

// AllocationStrategy selects who owns the backing arrays of a table and
// what happens to them on disposal.
type AllocationStrategy uint8

const (
	// Persistent storage is owned by the table and dropped on disposal.
	Persistent AllocationStrategy = iota
	// Transient storage is owned by the table; its link block is returned
	// to a shared pool on disposal so short-lived tables can reuse it.
	Transient
	// CallerOwned storage is supplied through WithStorage. Disposal only
	// detaches it; the caller decides when it may be reused.
	CallerOwned
)

func (s AllocationStrategy) String() string {
	switch s {
	case Persistent:
		return "persistent"
	case Transient:
		return "transient"
	case CallerOwned:
		return "caller-owned"
	default:
		return "unknown"
	}
}

// Config defines configurable Table options.
type Config struct {
	bucketHint int
	workers    int
	strategy   AllocationStrategy
	storage    any // *Storage[K, V]
	hasher     any // HashFunc[K]
	logger     *slog.Logger
}

func newConfig(options []func(*Config)) *Config {
	c := &Config{
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range options {
		o(c)
	}
	if c.workers <= 0 {
		c.workers = 1
	}
	c.workers = min(c.workers, maxWorkers)
	return c
}

// WithBuckets sets the bucket count hint. The actual bucket count is the
// next power of two. If hint is zero or negative, the bucket count follows
// the capacity.
func WithBuckets(hint int) func(*Config) {
	return func(c *Config) {
		c.bucketHint = hint
	}
}

// WithWorkers fixes the size of the worker id space. Every Writer and
// every InsertOrGet call must present an id in [0, n). Defaults to
// runtime.GOMAXPROCS(0).
func WithWorkers(n int) func(*Config) {
	return func(c *Config) {
		c.workers = n
	}
}

// WithAllocation selects the allocation strategy for library-owned storage.
func WithAllocation(strategy AllocationStrategy) func(*Config) {
	return func(c *Config) {
		c.strategy = strategy
	}
}

// WithStorage hands caller-owned backing arrays to the table and implies
// CallerOwned. The storage shape decides capacity and bucket count; the
// capacity argument of the constructor is ignored.
func WithStorage[K comparable, V any](s *Storage[K, V]) func(*Config) {
	return func(c *Config) {
		c.storage = s
		c.strategy = CallerOwned
	}
}

// WithHasher replaces the default key hash function.
func WithHasher[K comparable](fn HashFunc[K]) func(*Config) {
	return func(c *Config) {
		c.hasher = fn
	}
}

// WithLogger routes structural events (growth, disposal, exhaustion) to
// logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) func(*Config) {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
