package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/llxisdsh/keyagg"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "workers: 3\nkeys: 50\nkind: max\ntype: float64\nmetrics_addr: \":0\"\n")
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 50, cfg.Keys)
	assert.Equal(t, "max", cfg.Kind)
	assert.Equal(t, "float64", cfg.Type)
	assert.Equal(t, ":0", cfg.MetricsAddr)
	assert.Equal(t, defaultConfig().Ops, cfg.Ops, "unset fields keep defaults")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "workers: [1, 2"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers, cfg.Keys = 4, 100
	require.NoError(t, cfg.validate())
	assert.Equal(t, 100+2*keyagg.BlockSize*4, cfg.Capacity)

	for name, mutate := range map[string]func(*Config){
		"workers":  func(c *Config) { c.Workers = 0 },
		"keys":     func(c *Config) { c.Keys = -1 },
		"ops":      func(c *Config) { c.Ops = -5 },
		"kind":     func(c *Config) { c.Kind = "median" },
		"type":     func(c *Config) { c.Type = "uint8" },
		"capacity": func(c *Config) { c.Capacity = 10 },
	} {
		t.Run(name, func(t *testing.T) {
			c := defaultConfig()
			c.Keys = 100
			mutate(&c)
			assert.Error(t, c.validate())
		})
	}
}

func TestRunBenchmark_AllKindsAndTypes(t *testing.T) {
	for _, kind := range []string{"sum", "min", "max", "average", "none"} {
		for _, typ := range []string{"int32", "int64", "float32", "float64"} {
			t.Run(kind+"/"+typ, func(t *testing.T) {
				cfg := defaultConfig()
				cfg.Workers, cfg.Keys, cfg.Ops = 4, 97, 2000
				cfg.Kind, cfg.Type = kind, typ
				cfg.LogLevel = "error"

				var out, errOut bytes.Buffer
				require.NoError(t, runBenchmark(context.Background(), cfg, &out, &errOut))
				assert.Contains(t, out.String(), "verified=true")
				assert.Contains(t, out.String(), "Entries:       97")
			})
		}
	}
}

func TestRunBenchmark_JSONReport(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers, cfg.Keys, cfg.Ops = 2, 10, 500
	cfg.JSON = true
	cfg.Pin = true
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"

	var out, errOut bytes.Buffer
	require.NoError(t, runBenchmark(context.Background(), cfg, &out, &errOut))

	var r Report
	require.NoError(t, sonnet.Unmarshal(bytes.TrimSpace(out.Bytes()), &r))
	assert.True(t, r.Verified)
	assert.Len(t, r.RunID, 36)
	assert.Equal(t, "sum", r.Kind)
	assert.Equal(t, 2, r.Workers)
	assert.Equal(t, r.Expected, r.Checksum)
	require.NotNil(t, r.Stats)
	assert.Equal(t, 10, r.Stats.Entries)
}

func TestRunBenchmark_UndersizedTable(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers, cfg.Keys, cfg.Ops = 2, 64, 1000
	cfg.Capacity = 64
	cfg.LogLevel = "error"

	// a capacity of exactly keys cannot hold the workers' speculative
	// slots for long, but it must never lose data or crash: either the
	// run succeeds or it reports exhaustion as an error
	var out, errOut bytes.Buffer
	err := runBenchmark(context.Background(), cfg, &out, &errOut)
	if err != nil {
		assert.Contains(t, err.Error(), "capacity exhausted")
	} else {
		assert.Contains(t, out.String(), "verified=true")
	}
}

func TestRunBenchmark_Canceled(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers, cfg.Keys, cfg.Ops = 2, 10, 100_000
	cfg.LogLevel = "error"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out, errOut bytes.Buffer
	assert.ErrorIs(t, runBenchmark(ctx, cfg, &out, &errOut), context.Canceled)
}

func TestRunCmd_FlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "workers: 2\nkeys: 20\nops: 100\nkind: min\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", path, "--kind", "max", "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "kind=max")
	assert.Contains(t, out.String(), "workers=2 keys=20 ops/worker=100")
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "keyaggbench dev", strings.TrimSpace(out.String()))
}

func TestCloseEnough(t *testing.T) {
	assert.True(t, closeEnough(1, 1))
	assert.True(t, closeEnough(1e7, 1e7+1))
	assert.False(t, closeEnough(10, 11))
}
