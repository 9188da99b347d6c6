// Package convergence decides when an incremental-loading process (scroll or
// click-through pagination) has stopped producing new items.
package convergence

import "fmt"

// Signal is the verdict for one observed count.
type Signal int

const (
	Progressing Signal = iota
	Stalled
	Converged
)

func (s Signal) String() string {
	switch s {
	case Progressing:
		return "progressing"
	case Stalled:
		return "stalled"
	case Converged:
		return "converged"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Config tunes a Detector. Zero Patience, NearTargetFraction and
// NearTargetMultiplier fall back to DefaultConfig; a zero Ceiling disables the
// safety ceiling.
type Config struct {
	// Patience is how many consecutive unchanged samples are tolerated.
	Patience int `yaml:"patience"`
	// Ceiling forces convergence once the count reaches it. Zero disables.
	Ceiling int `yaml:"ceiling"`
	// ExpectedTarget is the count the source is believed to hold. Zero
	// disables adaptive patience.
	ExpectedTarget int `yaml:"expected_target"`
	// NearTargetFraction of ExpectedTarget after which patience grows.
	NearTargetFraction float64 `yaml:"near_target_fraction"`
	// NearTargetMultiplier scales Patience near the target.
	NearTargetMultiplier int `yaml:"near_target_multiplier"`
}

// DefaultConfig mirrors the retry counts the scroll loops settled on.
func DefaultConfig() Config {
	return Config{
		Patience:             3,
		Ceiling:              5000,
		NearTargetFraction:   0.8,
		NearTargetMultiplier: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Patience <= 0 {
		c.Patience = d.Patience
	}
	if c.Ceiling < 0 {
		c.Ceiling = 0
	}
	if c.NearTargetFraction <= 0 || c.NearTargetFraction > 1 {
		c.NearTargetFraction = d.NearTargetFraction
	}
	if c.NearTargetMultiplier <= 0 {
		c.NearTargetMultiplier = d.NearTargetMultiplier
	}
	return c
}

// Detector tracks a stream of item counts. It is pure and not safe for
// concurrent use; each harvest owns its own.
type Detector struct {
	cfg       Config
	lastCount int
	streak    int
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Observe feeds one sample. A count above the previous one resets the streak.
// An equal or lower count extends it until the effective patience is reached.
// Reaching the ceiling converges immediately.
func (d *Detector) Observe(count int) Signal {
	if d.cfg.Ceiling > 0 && count >= d.cfg.Ceiling {
		d.lastCount = count
		return Converged
	}
	if count > d.lastCount {
		d.lastCount = count
		d.streak = 0
		return Progressing
	}
	d.streak++
	return d.stalledOrConverged()
}

func (d *Detector) stalledOrConverged() Signal {
	if d.streak >= d.Patience() {
		return Converged
	}
	return Stalled
}

// Patience is the threshold in force for the last observed count.
func (d *Detector) Patience() int {
	p := d.cfg.Patience
	if d.nearTarget() {
		p *= d.cfg.NearTargetMultiplier
	}
	return p
}

func (d *Detector) nearTarget() bool {
	t := d.cfg.ExpectedTarget
	return t > 0 && float64(d.lastCount) >= d.cfg.NearTargetFraction*float64(t)
}

// Streak is the current run of samples without growth.
func (d *Detector) Streak() int { return d.streak }

// Last is the most recent count observed.
func (d *Detector) Last() int { return d.lastCount }

// Reset forgets all samples.
func (d *Detector) Reset() {
	d.lastCount, d.streak = 0, 0
}
