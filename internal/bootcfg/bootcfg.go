// Package bootcfg loads the boot configuration and drives the boot
// sequence: physical memory sizing, CPU count, scheduler quantum and
// timer tick, and a Sequencer that runs named boot stages in order.
// Configuration is YAML, matching the teacher's own config surface.
package bootcfg

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so boot config files can write
// durations as strings ("10ms") instead of raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a plain integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("bootcfg: duration must be a string or integer nanosecond count")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bootcfg: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the boot-time configuration, unmarshaled from YAML.
type Config struct {
	Memory struct {
		ArenaBytes int `yaml:"arena_bytes"`
	} `yaml:"memory"`
	Scheduler struct {
		CPUCount  int      `yaml:"cpu_count"`
		Quantum   Duration `yaml:"quantum"`
		TimerTick Duration `yaml:"timer_tick"`
	} `yaml:"scheduler"`
}

// DefaultConfig returns a Config with reasonable defaults, used when
// no boot config file is supplied.
func DefaultConfig() Config {
	var c Config
	c.Memory.ArenaBytes = 64 << 20
	c.Scheduler.CPUCount = 4
	c.Scheduler.Quantum = Duration(10 * time.Millisecond)
	c.Scheduler.TimerTick = Duration(time.Millisecond)
	return c
}

// Parse decodes a Config from YAML bytes over DefaultConfig, so a field
// the YAML omits keeps its default; a field the YAML sets, even to
// zero, takes that value. A non-positive arena size or CPU count is
// rejected.
func Parse(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse: %w", err)
	}
	if c.Memory.ArenaBytes <= 0 {
		return Config{}, fmt.Errorf("bootcfg: memory.arena_bytes must be positive")
	}
	if c.Scheduler.CPUCount <= 0 {
		return Config{}, fmt.Errorf("bootcfg: scheduler.cpu_count must be positive")
	}
	return c, nil
}

// Stage is one named step of the boot sequence, run in order.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sequencer runs boot stages in order, pacing progress reporting
// through a rate.Limiter so a stage that completes many fast
// sub-steps doesn't flood a slow reporting sink (the boot-stage
// progress bar driving cmd/protonctl's demo output).
type Sequencer struct {
	stages  []Stage
	limiter *rate.Limiter
	Report  func(stage string, err error)
}

// NewSequencer returns a Sequencer that reports progress at most once
// per reportInterval.
func NewSequencer(reportInterval time.Duration) *Sequencer {
	return &Sequencer{
		limiter: rate.NewLimiter(rate.Every(reportInterval), 1),
		Report:  func(string, error) {},
	}
}

// Add appends a stage to the sequence.
func (s *Sequencer) Add(stage Stage) {
	s.stages = append(s.stages, stage)
}

// Run executes every stage in order, stopping at the first error. A
// failing stage is always reported regardless of pacing; successful
// stages are paced through the limiter so a sequence of many
// fast-completing stages doesn't flood the reporting sink.
func (s *Sequencer) Run(ctx context.Context) error {
	for _, stage := range s.stages {
		err := stage.Run(ctx)
		if err != nil || s.limiter.Allow() {
			s.Report(stage.Name, err)
		}
		if err != nil {
			return fmt.Errorf("bootcfg: stage %q: %w", stage.Name, err)
		}
	}
	return nil
}
