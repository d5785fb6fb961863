package config

import (
	"fmt"
	"os"

	"github.com/annp1987/bpf-progs/internal/model"
	"gopkg.in/yaml.v3"
)

// Limits for the perf buffer size flag, in pages per CPU.
const (
	MinPerfPages = 64
	MaxPerfPages = 32768
)

// Config holds the settings for the drop monitor. Values come from the
// defaults, then an optional YAML file, then command line flags.
type Config struct {
	ObjectFile string `yaml:"object_file"`
	Dimension  string `yaml:"dimension"`
	Rate       int    `yaml:"rate"`      // display interval, seconds
	Threshold  int    `yaml:"threshold"` // minimum drops for a bucket row
	PerfPages  int    `yaml:"perf_pages"`
	Kallsyms   string `yaml:"kallsyms"` // empty means /proc/kallsyms

	SkipUnix bool `yaml:"skip_unix"`
	SkipTCP  bool `yaml:"skip_tcp"`
	SkipOVS  bool `yaml:"skip_ovs_upcalls"`

	IgnoreKprobeErr bool `yaml:"ignore_kprobe_errors"`
	Debug           bool `yaml:"debug"`

	// Dim is the parsed form of Dimension, populated by Validate.
	Dim model.Dimension `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ObjectFile: "pktdrop.o",
		Rate:       10,
		Threshold:  1,
		PerfPages:  64,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings and fills in the parsed dimension. Any
// error here is fatal: nothing is attached to the kernel yet.
func (c *Config) Validate() error {
	dim, err := model.ParseDimension(c.Dimension)
	if err != nil {
		return err
	}
	c.Dim = dim

	if c.ObjectFile == "" {
		return fmt.Errorf("BPF object file must be set")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("display rate must be a positive number of seconds, got %d", c.Rate)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("display threshold must be positive, got %d", c.Threshold)
	}
	if c.PerfPages < MinPerfPages || c.PerfPages > MaxPerfPages {
		return fmt.Errorf("perf buffer pages must be between %d and %d, got %d",
			MinPerfPages, MaxPerfPages, c.PerfPages)
	}
	return nil
}
