package ksched

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

// Config is the file based kernel configuration, decoded from TOML.
// Zero values mean "use the default".
//
// Example:
//
//	priorities = 32
//	max_threads = 64
//	stack_size = 8192
//	heap_limit = 1048576
//	time_slice = "10ms"
//	min_time_slice = "1ms"
//	preemption = true
//	metrics = true
//	log_level = "debug"
type Config struct {
	Preemption   *bool    `toml:"preemption"`
	LogLevel     string   `toml:"log_level"`
	TimeSlice    Duration `toml:"time_slice"`
	MinTimeSlice Duration `toml:"min_time_slice"`
	Priorities   int      `toml:"priorities"`
	MaxThreads   int      `toml:"max_threads"`
	StackSize    int      `toml:"stack_size"`
	HeapLimit    int      `toml:"heap_limit"`
	Metrics      bool     `toml:"metrics"`
}

// Duration is a [time.Duration] that decodes from a string such as "10ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseConfig decodes a TOML configuration. Unknown keys are an error.
func ParseConfig(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ksched: parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and decodes a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ksched: load config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("ksched: unknown config keys: %s", strings.Join(names, ", "))
	}
	return nil
}

// Level returns the parsed log level, defaulting to informational.
func (c *Config) Level() (logiface.Level, error) {
	if c.LogLevel == "" {
		return logiface.LevelInformational, nil
	}
	return ParseLevel(c.LogLevel)
}

func (c *Config) apply(opts *kernelOptions) error {
	var options []KernelOption
	if c.Priorities != 0 {
		options = append(options, WithPriorities(c.Priorities))
	}
	if c.MaxThreads != 0 {
		options = append(options, WithMaxThreads(c.MaxThreads))
	}
	if c.StackSize != 0 {
		options = append(options, WithStackSize(c.StackSize))
	}
	if c.HeapLimit < 0 {
		return errors.New("ksched: invalid heap limit")
	} else if c.HeapLimit != 0 {
		options = append(options, WithAllocator(NewHeapAllocator(c.HeapLimit)))
	}
	if c.TimeSlice.Duration != 0 {
		options = append(options, WithTimeSlice(c.TimeSlice.Duration))
	}
	if c.MinTimeSlice.Duration != 0 {
		options = append(options, WithMinTimeSlice(c.MinTimeSlice.Duration))
	}
	if c.Preemption != nil {
		options = append(options, WithPreemption(*c.Preemption))
	}
	if c.Metrics {
		options = append(options, WithMetrics(true))
	}
	for _, opt := range options {
		if err := opt.applyKernel(opts); err != nil {
			return err
		}
	}
	return nil
}
