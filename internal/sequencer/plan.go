package sequencer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxPlanLength bounds how many timestamps a single plan may contain
const MaxPlanLength = 1000

// ErrInvalidStep is returned for step specs that cannot be parsed or are not positive
var ErrInvalidStep = errors.New("invalid capture step")

// StepKind tells how a Step value is interpreted
type StepKind int

const (
	// Seconds is a fixed interval in seconds
	Seconds StepKind = iota
	// Percent is an interval expressed as a percentage of the duration
	Percent
)

// Step is the spacing between planned captures
type Step struct {
	Kind  StepKind
	Value float64
}

func (s Step) String() string {
	if s.Kind == Percent {
		return strconv.FormatFloat(s.Value, 'f', -1, 64) + "%"
	}
	return strconv.FormatFloat(s.Value, 'f', -1, 64) + "s"
}

// ParseStep parses "25%" as a percentage step and "5" or "5s" as seconds
func ParseStep(in string) (Step, error) {
	in = strings.TrimSpace(strings.ToLower(in))
	kind := Seconds
	switch {
	case strings.HasSuffix(in, "%"):
		kind = Percent
		in = strings.TrimSuffix(in, "%")
	case strings.HasSuffix(in, "s"):
		in = strings.TrimSuffix(in, "s")
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(in), 64)
	if err != nil {
		return Step{}, fmt.Errorf("%w %q: %w", ErrInvalidStep, in, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Step{}, fmt.Errorf("%w: %s is not a finite number", ErrInvalidStep, in)
	}
	if v <= 0 || (kind == Percent && v > 100) {
		return Step{}, fmt.Errorf("%w: %s out of range", ErrInvalidStep, in)
	}
	return Step{Kind: kind, Value: v}, nil
}

// Interval returns the step length in seconds for a given duration
func (s Step) Interval(duration float64) float64 {
	if s.Kind == Percent {
		return s.Value / 100 * duration
	}
	return s.Value
}

// Plan returns capture timestamps centered within each interval:
// interval/2, interval/2 + interval, ... while below duration.
// Frame 0 and the exact end frame are never planned.
func Plan(step Step, duration float64) []float64 {
	interval := step.Interval(duration)
	// written as negations so NaN is rejected too
	if !(interval > 0) || !(duration > 0) || math.IsInf(interval, 0) {
		return nil
	}

	var plan []float64
	for i := 0; len(plan) < MaxPlanLength; i++ {
		t := interval/2 + float64(i)*interval
		if t >= duration {
			break
		}
		plan = append(plan, t)
	}
	return plan
}
