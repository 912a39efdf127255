package isr

import (
	"fmt"
	"time"
)

// Config holds the auditor knobs. It is passed by value and never mutated
// after New.
type Config struct {
	// TargetConfidence is the probability the worst case must reach to be trusted.
	TargetConfidence float64 `yaml:"target_confidence" json:"target_confidence"`
	// Permutations is N, the number of probes including the original prompt.
	Permutations int `yaml:"permutations" json:"permutations"`
	// ClippingBound caps the per-sample information loss in Delta.
	ClippingBound float64 `yaml:"clipping_bound" json:"clipping_bound"`
	// HardVetoThreshold blocks any audit whose raw minimum falls below it.
	HardVetoThreshold float64 `yaml:"hard_veto_threshold" json:"hard_veto_threshold"`
	// ProbeTimeout bounds each probe call. Zero disables the per-probe deadline.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	// Parallelism caps in-flight probes. Zero means all N at once.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		TargetConfidence:  0.95,
		Permutations:      6,
		ClippingBound:     12.0,
		HardVetoThreshold: 0.20,
		ProbeTimeout:      30 * time.Second,
	}
}

// Validate reports the first out-of-range setting wrapped in ErrInvalidConfiguration.
func (c Config) Validate() error {
	switch {
	case !(c.TargetConfidence >= 0 && c.TargetConfidence <= 1):
		return fmt.Errorf("%w: target confidence must be between 0.0 and 1.0, got %v", ErrInvalidConfiguration, c.TargetConfidence)
	case c.Permutations < 2:
		return fmt.Errorf("%w: permutations must be at least 2, got %d", ErrInvalidConfiguration, c.Permutations)
	case !(c.ClippingBound > 0):
		return fmt.Errorf("%w: clipping bound must be positive, got %v", ErrInvalidConfiguration, c.ClippingBound)
	case !(c.HardVetoThreshold >= 0 && c.HardVetoThreshold <= 1):
		return fmt.Errorf("%w: hard veto threshold must be between 0.0 and 1.0, got %v", ErrInvalidConfiguration, c.HardVetoThreshold)
	case c.ProbeTimeout < 0:
		return fmt.Errorf("%w: probe timeout must not be negative", ErrInvalidConfiguration)
	case c.Parallelism < 0:
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c Config) parallelism() int {
	if c.Parallelism == 0 || c.Parallelism > c.Permutations {
		return c.Permutations
	}
	return c.Parallelism
}
