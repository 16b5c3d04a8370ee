// Package scheduler dispatches claimable tasks to local workers.
package scheduler

import (
	"time"

	"github.com/ananta888/ananta/internal/config"
)

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of tasks run concurrently.
	GlobalMax int `yaml:"global_max"`
	// PollInterval is how often claimable tasks are listed.
	PollInterval time.Duration `yaml:"poll_interval"`
	// LeaseSeconds is requested on every claim.
	LeaseSeconds int `yaml:"lease_seconds"`
	// SweepInterval is how often the archival sweep runs. Zero disables it.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:     4,
		PollInterval:  2 * time.Second,
		LeaseSeconds:  300,
		SweepInterval: time.Hour,
	}
}

// FromConfig builds the scheduler configuration from the node config.
func FromConfig(cfg *config.Config) *Config {
	return &Config{
		GlobalMax:     cfg.Worker.MaxConcurrent,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseSeconds:  cfg.Worker.LeaseSeconds,
		SweepInterval: cfg.Retention.SweepInterval,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.GlobalMax <= 0 {
		out.GlobalMax = def.GlobalMax
	}
	if out.PollInterval <= 0 {
		out.PollInterval = def.PollInterval
	}
	if out.LeaseSeconds <= 0 {
		out.LeaseSeconds = def.LeaseSeconds
	}
	return &out
}
