package main

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/llxisdsh/keyagg"
)

// Config is the benchmark configuration. It is read from YAML and then
// overridden by explicitly set command-line flags.
type Config struct {
	Workers     int    `yaml:"workers"`
	Keys        int    `yaml:"keys"`
	Ops         int    `yaml:"ops"`
	Kind        string `yaml:"kind"`
	Type        string `yaml:"type"`
	Capacity    int    `yaml:"capacity"`
	Pin         bool   `yaml:"pin"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	JSON        bool   `yaml:"json"`
}

func defaultConfig() Config {
	return Config{
		Workers:  runtime.GOMAXPROCS(0),
		Keys:     1024,
		Ops:      100_000,
		Kind:     "sum",
		Type:     "int64",
		LogLevel: "info",
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// validate checks cfg and fills in the derived capacity.
func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Keys <= 0 {
		return fmt.Errorf("keys must be positive, got %d", c.Keys)
	}
	if c.Ops < 0 {
		return fmt.Errorf("ops must not be negative, got %d", c.Ops)
	}
	if _, err := keyagg.ParseKind(c.Kind); err != nil {
		return err
	}
	switch c.Type {
	case "int32", "int64", "float32", "float64":
	default:
		return fmt.Errorf("unsupported value type %q", c.Type)
	}
	if c.Capacity == 0 {
		// headroom for the slots each worker holds speculatively
		c.Capacity = c.Keys + 2*keyagg.BlockSize*c.Workers
	}
	if c.Capacity < c.Keys {
		return fmt.Errorf("capacity %d is below the key count %d", c.Capacity, c.Keys)
	}
	return nil
}
