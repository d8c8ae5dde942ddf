package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"github.com/llxisdsh/keyagg/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keyaggbench",
		Short: "Load generator for the keyagg concurrent aggregation table",
		Long: `keyaggbench drives one aggregator from many workers, each with its own
worker id, and verifies the evaluated results against a sequential replay.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyaggbench %s\n", version)
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		flags      = defaultConfig()
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark and print a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			overrideFromFlags(cmd, &cfg, flags)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runBenchmark(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file; flags override its values")
	f.IntVar(&flags.Workers, "workers", flags.Workers, "number of concurrent workers")
	f.IntVar(&flags.Keys, "keys", flags.Keys, "number of distinct keys")
	f.IntVar(&flags.Ops, "ops", flags.Ops, "Aggregate calls per worker")
	f.StringVar(&flags.Kind, "kind", flags.Kind, "aggregation kind: sum, min, max, average or none")
	f.StringVar(&flags.Type, "type", flags.Type, "value type: int32, int64, float32 or float64")
	f.IntVar(&flags.Capacity, "capacity", 0, "table capacity (0 derives it from keys and workers)")
	f.BoolVar(&flags.Pin, "pin", false, "pin each worker to its own CPU")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level: debug, info, warn or error")
	f.BoolVar(&flags.JSON, "json", false, "print the report as JSON")
	return cmd
}

// overrideFromFlags copies every flag the user set explicitly onto cfg.
func overrideFromFlags(cmd *cobra.Command, cfg *Config, flags Config) {
	set := cmd.Flags().Changed
	if set("workers") {
		cfg.Workers = flags.Workers
	}
	if set("keys") {
		cfg.Keys = flags.Keys
	}
	if set("ops") {
		cfg.Ops = flags.Ops
	}
	if set("kind") {
		cfg.Kind = flags.Kind
	}
	if set("type") {
		cfg.Type = flags.Type
	}
	if set("capacity") {
		cfg.Capacity = flags.Capacity
	}
	if set("pin") {
		cfg.Pin = flags.Pin
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if set("json") {
		cfg.JSON = flags.JSON
	}
}

func runBenchmark(ctx context.Context, cfg Config, stdout, stderr io.Writer) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.JSON,
		Service: "keyaggbench",
		Output:  stderr,
	})

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		srv, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		logger.Info("serving metrics", "addr", srv.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	b, err := newBench(cfg, logger, reg)
	if err != nil {
		return err
	}
	report, err := b.run(ctx)
	if err != nil {
		return err
	}
	if err := writeReport(stdout, report, cfg.JSON); err != nil {
		return err
	}
	if !report.Verified {
		return errors.New("results do not match the sequential reference")
	}
	return nil
}

// serveMetrics starts an HTTP server exposing reg on /metrics.
func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

func writeReport(w io.Writer, r *Report, asJSON bool) error {
	if asJSON {
		data, err := sonnet.Marshal(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w,
		"run %s\n"+
			"kind=%s type=%s workers=%d keys=%d ops/worker=%d pinned=%t\n"+
			"elapsed=%s throughput=%.0f ops/s\n"+
			"checksum=%g expected=%g verified=%t\n%s",
		r.RunID,
		r.Kind, r.Type, r.Workers, r.Keys, r.Ops, r.Pinned,
		r.Elapsed, r.OpsPerSec,
		r.Checksum, r.Expected, r.Verified,
		r.Stats.ToString())
	if err != nil {
		return err
	}
	for _, m := range r.Mismatches {
		if _, err := fmt.Fprintln(w, "mismatch:", m); err != nil {
			return err
		}
	}
	return nil
}
