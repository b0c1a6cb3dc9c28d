package training

import (
	"fmt"
	"math"
)

// polynomialEndRate is the floor of the polynomial schedule.
const polynomialEndRate = 1e-7

// Schedule computes the learning rate of a step. Warm-up is zero steps.
type Schedule struct {
	name       string
	base       float64
	totalSteps int
}

// NewSchedule builds a linear, cosine or polynomial decay over totalSteps.
func NewSchedule(name string, base float64, totalSteps int) (*Schedule, error) {
	switch name {
	case "linear", "cosine", "polynomial":
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownScheduler)
	}
	if totalSteps < 1 {
		totalSteps = 1
	}
	return &Schedule{name: name, base: base, totalSteps: totalSteps}, nil
}

// Rate returns the learning rate for step (zero based).
func (s *Schedule) Rate(step int) float64 {
	if step < 0 {
		step = 0
	}
	progress := float64(step) / float64(s.totalSteps)

	switch s.name {
	case "cosine":
		return s.base * 0.5 * (1 + math.Cos(math.Pi*math.Min(progress, 1)))
	case "polynomial":
		if s.base <= polynomialEndRate {
			return s.base
		}
		if step >= s.totalSteps {
			return polynomialEndRate
		}
		return (s.base-polynomialEndRate)*(1-progress) + polynomialEndRate
	default:
		return s.base * math.Max(0, 1-progress)
	}
}
