// Package sweep drives a servo back and forth across its range at a fixed step
// and pace, reporting every commanded angle.
//
// The sweep walks the grid low, low+step, low+2*step, ... up to high and back down
// the same grid. When step does not divide the range, the last step up is clamped
// to high and the first step down returns to the last grid point below it, so the
// way down is always the way up reversed. Each bound is visited once per turn.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"go.servosweep.dev/servosweep/components/servo"
	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
	"go.servosweep.dev/servosweep/report"
)

// Direction is the way the sweep is currently heading.
type Direction int

// The two sweep directions.
const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// State is the position of a sweep: the angle to command next and the way it is heading.
type State struct {
	Angle     int
	Direction Direction
}

// Next returns the state that follows st in a sweep over [low, high] with the given step.
func Next(st State, step, low, high int) State {
	if st.Direction == Ascending {
		angle := st.Angle + step
		if angle >= high {
			return State{Angle: high, Direction: Descending}
		}
		return State{Angle: angle, Direction: Ascending}
	}

	angle := st.Angle - step
	if st.Angle == high && (high-low)%step != 0 {
		// step back onto the grid the way up used
		angle = low + (high-low)/step*step
	}
	if angle <= low {
		return State{Angle: low, Direction: Ascending}
	}
	return State{Angle: angle, Direction: Descending}
}

// A Sequencer owns one sweep's state and is the only thing that changes it. It is
// not safe for concurrent use.
type Sequencer struct {
	profile config.Sweep
	servo   servo.Servo
	sink    report.Sink
	logger  logging.Logger
	clock   clock.Clock

	state State
	steps uint64
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock paces the sweep with c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Sequencer) {
		s.clock = c
	}
}

// NewSequencer returns a sequencer at the start of a sweep: at the low bound, heading up.
func NewSequencer(
	profile config.Sweep,
	srv servo.Servo,
	sink report.Sink,
	logger logging.Logger,
	opts ...Option,
) (*Sequencer, error) {
	if err := profile.Validate("sweep"); err != nil {
		return nil, err
	}
	s := &Sequencer{
		profile: profile,
		servo:   srv,
		sink:    sink,
		logger:  logger,
		clock:   clock.New(),
		state:   State{Angle: profile.MinDeg, Direction: Ascending},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current state.
func (s *Sequencer) State() State {
	return s.state
}

// Steps returns how many steps have been taken.
func (s *Sequencer) Steps() uint64 {
	return s.steps
}

// Step commands the current angle and then reports it. Failures are logged and
// do not stop the sweep.
func (s *Sequencer) Step(ctx context.Context) {
	angle := s.state.Angle
	s.logger.Debugw("step", "angle", angle, "direction", s.state.Direction, "step", s.steps)
	if err := s.servo.Move(ctx, uint32(angle), nil); err != nil {
		s.logger.Warnw("couldn't command servo", "angle", angle, "error", err)
	}
	if err := s.sink.Angle(angle); err != nil {
		s.logger.Warnw("couldn't report angle", "angle", angle, "error", err)
	}
	s.steps++
}

// Cycle returns the angles of one full period of the sweep, starting at the low
// bound heading up and ending just before the sweep is back there. It does not
// touch the sequencer's own state.
func (s *Sequencer) Cycle() []int {
	low, high, step := s.profile.MinDeg, s.profile.MaxDeg, s.profile.StepDeg
	start := State{Angle: low, Direction: Ascending}
	angles := []int{start.Angle}
	for st := Next(start, step, low, high); st != start; st = Next(st, step, low, high) {
		angles = append(angles, st.Angle)
	}
	return angles
}

// Advance moves the state to the next angle of the sweep.
func (s *Sequencer) Advance() {
	prev := s.state
	s.state = Next(prev, s.profile.StepDeg, s.profile.MinDeg, s.profile.MaxDeg)
	if s.state.Direction != prev.Direction {
		s.logger.Debugw("turning", "angle", s.state.Angle, "direction", s.state.Direction)
	}
}

// Run reports that the servo is ready and then sweeps until ctx is done: command,
// report, wait one step delay, advance. Steps are paced by a ticker so time spent
// talking to the hardware does not stretch the period.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.sink.Initiate(); err != nil {
		s.logger.Warnw("couldn't report start", "error", err)
	}
	s.logger.Infow("sweeping",
		"min_angle_deg", s.profile.MinDeg,
		"max_angle_deg", s.profile.MaxDeg,
		"step_deg", s.profile.StepDeg,
		"step_delay", s.profile.StepDelay)

	var tick <-chan time.Time
	if s.profile.StepDelay > 0 {
		ticker := s.clock.Ticker(s.profile.StepDelay)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		s.Step(ctx)
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		s.Advance()
	}
}
