package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/keyagg"
)

// Report summarizes one benchmark run.
type Report struct {
	RunID      string        `json:"run_id"`
	Kind       string        `json:"kind"`
	Type       string        `json:"type"`
	Workers    int           `json:"workers"`
	Keys       int           `json:"keys"`
	Ops        int           `json:"ops_per_worker"`
	Pinned     bool          `json:"pinned"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	Checksum   float64       `json:"checksum"`
	Expected   float64       `json:"expected_checksum"`
	Verified   bool          `json:"verified"`
	Stats      *keyagg.Stats `json:"stats"`
	Mismatches []string      `json:"mismatches,omitempty"`
}

// bench holds what a run needs besides the value type.
type bench struct {
	cfg     Config
	kind    keyagg.Kind
	keys    []string
	logger  *slog.Logger
	metrics *prometheus.Registry
	opsDone prometheus.Counter
}

func newBench(cfg Config, logger *slog.Logger, reg *prometheus.Registry) (*bench, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kind, _ := keyagg.ParseKind(cfg.Kind)
	b := &bench{
		cfg:     cfg,
		kind:    kind,
		keys:    make([]string, cfg.Keys),
		logger:  logger,
		metrics: reg,
	}
	for i := range b.keys {
		b.keys[i] = fmt.Sprintf("key-%06d", i)
	}
	if reg != nil {
		b.opsDone = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyaggbench",
			Name:      "aggregate_ops_total",
			Help:      "Aggregate calls completed by all workers.",
		})
		if err := reg.Register(b.opsDone); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// sample returns the key index and value of a worker's i-th operation.
// The sequence is deterministic so the reference can replay it.
func (b *bench) sample(worker, i int) (int, int64) {
	n := worker*b.cfg.Ops + i
	return (n*7 + worker) % len(b.keys), int64(n%1000) - 250
}

// run dispatches on the configured value type.
func (b *bench) run(ctx context.Context) (*Report, error) {
	switch b.cfg.Type {
	case "int32":
		return runTyped[int32](ctx, b)
	case "float32":
		return runTyped[float32](ctx, b)
	case "float64":
		return runTyped[float64](ctx, b)
	default:
		return runTyped[int64](ctx, b)
	}
}

func runTyped[T keyagg.Numeric](ctx context.Context, b *bench) (*Report, error) {
	cfg := b.cfg
	agg := keyagg.NewAggregator[string, T](b.kind, cfg.Capacity,
		keyagg.WithWorkers(cfg.Workers),
		keyagg.WithLogger(b.logger))
	defer func() {
		if err := agg.Dispose(); err != nil {
			b.logger.Warn("dispose", "error", err)
		}
	}()

	if b.metrics != nil {
		c := keyagg.NewCollector("keyaggbench", agg, prometheus.Labels{"kind": b.kind.String()})
		if err := b.metrics.Register(c); err != nil {
			return nil, err
		}
		defer b.metrics.Unregister(c)
	}

	b.logger.Info("starting workers",
		"workers", cfg.Workers, "keys", cfg.Keys, "ops", cfg.Ops,
		"kind", b.kind, "type", cfg.Type, "capacity", cfg.Capacity, "pin", cfg.Pin)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < cfg.Workers; id++ {
		w := agg.Worker(id)
		g.Go(func() (err error) {
			defer func() {
				// an undersized table surfaces as a run error, not a crash
				if r := recover(); r != nil {
					e, ok := r.(error)
					if !ok || !errors.Is(e, keyagg.ErrCapacityExhausted) {
						panic(r)
					}
					err = fmt.Errorf("worker %d: %w", w.ID(), e)
				}
			}()
			if cfg.Pin {
				unpin, pinErr := pinThread(w.ID())
				if pinErr != nil {
					b.logger.Warn("pinning failed", "worker", w.ID(), "error", pinErr)
				}
				defer unpin()
			}
			for i := 0; i < cfg.Ops; i++ {
				if i%4096 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				k, v := b.sample(w.ID(), i)
				w.Aggregate(b.keys[k], T(v))
			}
			if b.opsDone != nil {
				b.opsDone.Add(float64(cfg.Ops))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := agg.EvaluateAll(ctx); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	report := &Report{
		RunID:    uuid.NewString(),
		Kind:     b.kind.String(),
		Type:     cfg.Type,
		Workers:  cfg.Workers,
		Keys:     cfg.Keys,
		Ops:      cfg.Ops,
		Pinned:   cfg.Pin,
		Elapsed:  elapsed,
		Stats:    agg.Stats(),
		Verified: true,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.OpsPerSec = float64(cfg.Workers*cfg.Ops) / secs
	}

	ref := reference[T](b)
	for _, k := range b.keys {
		want, ok := ref[k]
		s, found := agg.Load(k)
		switch {
		case !ok && !found:
			continue
		case ok != found:
			report.Verified = false
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: present=%t want %t", k, found, ok))
			continue
		}
		report.Checksum += float64(s.Result)
		report.Expected += float64(want.Result)
		if !closeEnough(float64(s.Result), float64(want.Result)) || s.Count != want.Count {
			report.Verified = false
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("%s: got %v/%d want %v/%d", k, s.Result, s.Count, want.Result, want.Count))
		}
	}

	b.logger.Info("run finished",
		"run_id", report.RunID, "elapsed", elapsed, "verified", report.Verified)
	return report, nil
}

// reference replays every worker's operations in order on one goroutine.
func reference[T keyagg.Numeric](b *bench) map[string]keyagg.Snapshot[T] {
	agg := keyagg.NewAggregator[string, T](b.kind, b.cfg.Capacity, keyagg.WithWorkers(1))
	defer agg.Dispose()
	for w := 0; w < b.cfg.Workers; w++ {
		for i := 0; i < b.cfg.Ops; i++ {
			k, v := b.sample(w, i)
			agg.Aggregate(0, b.keys[k], T(v))
		}
	}
	out := make(map[string]keyagg.Snapshot[T], len(b.keys))
	for k, e := range agg.Table().All() {
		var r T
		switch b.kind {
		case keyagg.Average:
			r = referenceAverage(e.Value(), e.Count())
		case keyagg.Sum, keyagg.Min, keyagg.Max:
			r = e.Value()
		}
		out[k] = keyagg.Snapshot[T]{Value: e.Value(), Result: r, Count: e.Count()}
	}
	return out
}

// referenceAverage divides outside the library so the check does not just
// replay Evaluate.
func referenceAverage[T keyagg.Numeric](sum T, count int32) T {
	if count == 0 {
		return 0
	}
	return sum / T(count)
}

// closeEnough compares results. Integer results and small float sums are
// exact; large float32 sums may round differently depending on the order
// the workers' samples were folded in.
func closeEnough(got, want float64) bool {
	if got == want {
		return true
	}
	return math.Abs(got-want) <= 1e-4*max(1, math.Abs(want))
}
