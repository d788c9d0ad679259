// Package rate provides arrival-rate profiles for open-loop scheduling.
package rate

import (
	"fmt"
	"math"
	"time"
)

// Stage is one leg of a ramp profile.
//
// Target is the arrival rate (iterations per TimeUnit) reached at the end of
// the stage. The rate moves linearly from the previous stage's target (or the
// profile's StartRate for the first stage) to Target over Duration.
type Stage struct {
	Target   float64       `json:"target" yaml:"target"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// Profile is a piecewise-linear arrival-rate function.
//
// Example:
//
//	p := rate.Profile{
//	    StartRate: 10,
//	    Stages: []rate.Stage{
//	        {Target: 50, Duration: 30 * time.Second}, // ramp 10 -> 50 it/s
//	        {Target: 50, Duration: 3 * time.Minute},  // hold
//	        {Target: 0, Duration: time.Minute},       // ramp down
//	    },
//	}
//
// All computations are pure functions of elapsed time, so a scheduler can
// derive exact start offsets without polling.
type Profile struct {
	// StartRate is the rate at elapsed zero.
	StartRate float64 `json:"startRate" yaml:"startRate"`

	// TimeUnit is the period rates are expressed in (default 1s).
	TimeUnit time.Duration `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	Stages []Stage `json:"stages" yaml:"stages"`
}

// Validate checks the profile invariants.
func (p Profile) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("profile has no stages")
	}
	if p.StartRate < 0 || math.IsNaN(p.StartRate) || math.IsInf(p.StartRate, 0) {
		return fmt.Errorf("start rate must be >= 0, got %v", p.StartRate)
	}
	if p.TimeUnit < 0 {
		return fmt.Errorf("time unit must be >= 0, got %v", p.TimeUnit)
	}
	for i, s := range p.Stages {
		if s.Duration <= 0 {
			return fmt.Errorf("stage %d: duration must be > 0, got %v", i, s.Duration)
		}
		if s.Target < 0 || math.IsNaN(s.Target) || math.IsInf(s.Target, 0) {
			return fmt.Errorf("stage %d: target must be >= 0, got %v", i, s.Target)
		}
	}
	return nil
}

// Duration returns the sum of all stage durations.
func (p Profile) Duration() time.Duration {
	var total time.Duration
	for _, s := range p.Stages {
		total += s.Duration
	}
	return total
}

// unitSeconds returns the length of the time unit in seconds.
func (p Profile) unitSeconds() float64 {
	if p.TimeUnit <= 0 {
		return 1
	}
	return p.TimeUnit.Seconds()
}

// stageRates returns the per-second rates at the start and end of stage i.
func (p Profile) stageRates(i int) (from, to float64) {
	unit := p.unitSeconds()
	from = p.StartRate
	if i > 0 {
		from = p.Stages[i-1].Target
	}
	return from / unit, p.Stages[i].Target / unit
}

// StageAt returns the index of the stage active at elapsed, or -1 once the
// profile is exhausted.
func (p Profile) StageAt(elapsed time.Duration) int {
	if elapsed < 0 {
		return 0
	}
	var start time.Duration
	for i, s := range p.Stages {
		if elapsed < start+s.Duration {
			return i
		}
		start += s.Duration
	}
	return -1
}

// RateAt returns the instantaneous rate in iterations per second.
// Past the last stage the rate is zero.
func (p Profile) RateAt(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	var start time.Duration
	for i, s := range p.Stages {
		end := start + s.Duration
		if elapsed < end {
			from, to := p.stageRates(i)
			progress := float64(elapsed-start) / float64(s.Duration)
			return from + (to-from)*progress
		}
		start = end
	}
	return 0
}

// Cumulative returns the expected number of iterations started in
// [0, elapsed], i.e. the integral of RateAt.
func (p Profile) Cumulative(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	var total float64
	var start time.Duration
	for i, s := range p.Stages {
		from, to := p.stageRates(i)
		d := s.Duration.Seconds()
		end := start + s.Duration
		if elapsed < end {
			x := (elapsed - start).Seconds()
			return total + from*x + (to-from)*x*x/(2*d)
		}
		total += (from + to) / 2 * d
		start = end
	}
	return total
}

// Total returns the expected number of iterations over the whole profile.
func (p Profile) Total() float64 {
	return p.Cumulative(p.Duration())
}

// ArrivalOffset returns the offset from the profile start at which the n-th
// iteration (zero-based) starts. The n-th start is placed where the
// cumulative count reaches n+0.5, which spreads starts evenly across each
// unit of expected work and keeps zero-rate stretches silent.
//
// The second return value is false when the n-th start falls at or beyond
// the end of the profile.
func (p Profile) ArrivalOffset(n int64) (time.Duration, bool) {
	if n < 0 {
		return 0, false
	}
	remaining := float64(n) + 0.5
	var start time.Duration
	for i, s := range p.Stages {
		from, to := p.stageRates(i)
		d := s.Duration.Seconds()
		area := (from + to) / 2 * d
		if area > 0 && remaining <= area {
			x := solveStage(from, to, d, remaining)
			offset := start + time.Duration(x*float64(time.Second))
			if offset >= p.Duration() {
				return 0, false
			}
			return offset, true
		}
		remaining -= area
		start += s.Duration
	}
	return 0, false
}

// solveStage returns x in [0, d] such that from*x + (to-from)*x²/(2d) == want.
func solveStage(from, to, d, want float64) float64 {
	k := (to - from) / (2 * d)
	// Rationalised quadratic root, stable for k of either sign and k == 0.
	// On a ramp down to zero the discriminant reaches 0 at the stage end
	// and rounding can push it below.
	disc := math.Max(0, from*from+4*k*want)
	denom := from + math.Sqrt(disc)
	if denom <= 0 {
		return 0
	}
	x := 2 * want / denom
	if math.IsNaN(x) || x > d {
		return d
	}
	if x < 0 {
		return 0
	}
	return x
}
