package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
)

// recorder is both the servo and the sink of a sweep under test. It keeps every
// call in order so commands can be checked against reports.
type recorder struct {
	mu       sync.Mutex
	events   []string
	reported []int
	moveErr  error
	onReport func(n int)
}

func (r *recorder) Move(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("move %d", angleDeg))
	return r.moveErr
}

func (r *recorder) Position(ctx context.Context, extra map[string]interface{}) (uint32, error) {
	return 0, nil
}

func (r *recorder) Stop(ctx context.Context, extra map[string]interface{}) error {
	return nil
}

func (r *recorder) IsMoving(ctx context.Context) (bool, error) {
	return false, nil
}

func (r *recorder) Close(ctx context.Context) error {
	return nil
}

func (r *recorder) Initiate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "initiate")
	return nil
}

func (r *recorder) Angle(deg int) error {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("report %d", deg))
	r.reported = append(r.reported, deg)
	n := len(r.reported)
	cb := r.onReport
	r.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return nil
}

func (r *recorder) reports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.reported...)
}

func (r *recorder) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func profile(step, low, high int) config.Sweep {
	return config.Sweep{StepDeg: step, StepDelay: time.Millisecond, MinDeg: low, MaxDeg: high}
}

// walk returns the first n states of a sweep, starting with the initial one.
func walk(t *testing.T, p config.Sweep, n int) []State {
	t.Helper()
	rec := &recorder{}
	seq, err := NewSequencer(p, rec, rec, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	states := make([]State, 0, n)
	for i := 0; i < n; i++ {
		states = append(states, seq.State())
		seq.Advance()
	}
	return states
}

func angles(states []State) []int {
	return lo.Map(states, func(st State, _ int) int { return st.Angle })
}

func TestDirectionString(t *testing.T) {
	test.That(t, Ascending.String(), test.ShouldEqual, "ascending")
	test.That(t, Descending.String(), test.ShouldEqual, "descending")
	test.That(t, Direction(7).String(), test.ShouldEqual, "Direction(7)")
}

func TestNewSequencer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rec := &recorder{}

	seq, err := NewSequencer(config.DefaultSweep(), rec, rec, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, seq.State(), test.ShouldResemble, State{Angle: 0, Direction: Ascending})
	test.That(t, seq.Steps(), test.ShouldEqual, uint64(0))

	_, err = NewSequencer(profile(0, 0, 180), rec, rec, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "step_deg")

	_, err = NewSequencer(profile(10, 90, 90), rec, rec, logger)
	test.That(t, err, test.ShouldNotBeNil)

	seq, err = NewSequencer(profile(5, 30, 150), rec, rec, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, seq.State(), test.ShouldResemble, State{Angle: 30, Direction: Ascending})
}

func TestSweepDividingStep(t *testing.T) {
	got := angles(walk(t, config.DefaultSweep(), 40))

	expected := []int{
		0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150, 160, 170, 180,
		170, 160, 150, 140, 130, 120, 110, 100, 90, 80, 70, 60, 50, 40, 30, 20, 10,
		0, 10, 20, 30,
	}
	test.That(t, got, test.ShouldResemble, expected)
}

func TestSweepNonDividingStep(t *testing.T) {
	states := walk(t, profile(7, 0, 180), 53)
	got := angles(states)

	up := make([]int, 0, 27)
	for a := 0; a <= 175; a += 7 {
		up = append(up, a)
	}
	up = append(up, 180)
	down := make([]int, 0, 26)
	for a := 175; a > 0; a -= 7 {
		down = append(down, a)
	}
	down = append(down, 0)

	test.That(t, got, test.ShouldResemble, append(append([]int{}, up...), down...))
	test.That(t, lo.Count(got, 180), test.ShouldEqual, 1)
	test.That(t, states[26], test.ShouldResemble, State{Angle: 180, Direction: Descending})
	test.That(t, states[27], test.ShouldResemble, State{Angle: 175, Direction: Descending})
	test.That(t, states[52], test.ShouldResemble, State{Angle: 0, Direction: Ascending})
}

func TestSweepStepLargerThanRange(t *testing.T) {
	got := angles(walk(t, profile(200, 0, 180), 6))
	test.That(t, got, test.ShouldResemble, []int{0, 180, 0, 180, 0, 180})
}

func TestSweepInvariants(t *testing.T) {
	ranges := [][2]int{{0, 180}, {20, 160}, {45, 46}, {0, 1}, {90, 180}}
	for _, r := range ranges {
		low, high := r[0], r[1]
		for step := 1; step <= 200; step++ {
			p := profile(step, low, high)
			t.Run(fmt.Sprintf("%d-%d/%d", low, high, step), func(t *testing.T) {
				rec := &recorder{}
				seq, err := NewSequencer(p, rec, rec, logging.NewTestLogger(t))
				test.That(t, err, test.ShouldBeNil)
				cycle := seq.Cycle()

				states := walk(t, p, 3*len(cycle)+1)
				for i, st := range states {
					test.That(t, st.Angle, test.ShouldBeGreaterThanOrEqualTo, low)
					test.That(t, st.Angle, test.ShouldBeLessThanOrEqualTo, high)
					if st.Angle == high {
						test.That(t, st.Direction, test.ShouldEqual, Descending)
					}
					if st.Angle == low {
						test.That(t, st.Direction, test.ShouldEqual, Ascending)
					}
					if i == 0 {
						continue
					}
					prev := states[i-1]
					test.That(t, st.Angle, test.ShouldNotEqual, prev.Angle)
					if st.Direction != prev.Direction {
						test.That(t, st.Angle == low || st.Angle == high, test.ShouldBeTrue)
					}
				}

				// the sweep is periodic
				got := angles(states)
				test.That(t, got[len(cycle):2*len(cycle)], test.ShouldResemble, cycle)

				// each bound once per period
				test.That(t, lo.Count(cycle, low), test.ShouldEqual, 1)
				test.That(t, lo.Count(cycle, high), test.ShouldEqual, 1)

				// the way down is the way up reversed
				top := lo.IndexOf(cycle, high)
				up := cycle[:top+1]
				down := append(append([]int{}, cycle[top:]...), low)
				test.That(t, lo.Reverse(down), test.ShouldResemble, up)
			})
		}
	}
}

func TestSweepIsDeterministic(t *testing.T) {
	p := profile(13, 5, 170)
	test.That(t, walk(t, p, 100), test.ShouldResemble, walk(t, p, 100))
}

func TestCycleDoesNotMoveState(t *testing.T) {
	rec := &recorder{}
	seq, err := NewSequencer(config.DefaultSweep(), rec, rec, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	seq.Advance()
	seq.Advance()

	cycle := seq.Cycle()
	test.That(t, len(cycle), test.ShouldEqual, 36)
	test.That(t, cycle[0], test.ShouldEqual, 0)
	test.That(t, cycle[18], test.ShouldEqual, 180)
	test.That(t, cycle[35], test.ShouldEqual, 10)
	test.That(t, seq.State(), test.ShouldResemble, State{Angle: 20, Direction: Ascending})
}

func TestStepCommandsThenReports(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	seq, err := NewSequencer(profile(7, 0, 180), rec, rec, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 60; i++ {
		seq.Step(ctx)
		seq.Advance()
	}
	test.That(t, seq.Steps(), test.ShouldEqual, uint64(60))

	events := rec.eventLog()
	test.That(t, len(events), test.ShouldEqual, 120)
	for i := 0; i < len(events); i += 2 {
		var moved, reported int
		_, err := fmt.Sscanf(events[i], "move %d", &moved)
		test.That(t, err, test.ShouldBeNil)
		_, err = fmt.Sscanf(events[i+1], "report %d", &reported)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, reported, test.ShouldEqual, moved)
	}
	test.That(t, rec.reports(), test.ShouldResemble, angles(walk(t, profile(7, 0, 180), 60)))
}

func TestStepKeepsGoingWhenServoFails(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rec := &recorder{moveErr: errors.New("servo unplugged")}
	seq, err := NewSequencer(config.DefaultSweep(), rec, rec, logger)
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 3; i++ {
		seq.Step(ctx)
		seq.Advance()
	}
	test.That(t, rec.reports(), test.ShouldResemble, []int{0, 10, 20})
	test.That(t, logs.FilterMessage("couldn't command servo").Len(), test.ShouldEqual, 3)
	test.That(t, seq.State().Angle, test.ShouldEqual, 30)
}

type failingSink struct {
	recorder
}

func (f *failingSink) Angle(deg int) error {
	return errors.New("port gone")
}

func TestStepKeepsGoingWhenReportFails(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	sink := &failingSink{}
	seq, err := NewSequencer(config.DefaultSweep(), &sink.recorder, sink, logger)
	test.That(t, err, test.ShouldBeNil)

	seq.Step(ctx)
	seq.Advance()
	seq.Step(ctx)
	test.That(t, sink.eventLog(), test.ShouldResemble, []string{"move 0", "move 10"})
	test.That(t, logs.FilterMessage("couldn't report angle").Len(), test.ShouldEqual, 2)
}

func waitForReports(t *testing.T, rec *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(rec.reports()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d reports, have %d", n, len(rec.reports()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunPacesStepsWithClock(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	seq, err := NewSequencer(config.DefaultSweep(), rec, rec, logging.NewTestLogger(t), WithClock(mock))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- seq.Run(ctx)
	}()

	waitForReports(t, rec, 1)
	test.That(t, rec.eventLog()[:3], test.ShouldResemble, []string{"initiate", "move 0", "report 0"})

	// not a full step delay yet
	mock.Add(config.StepDelay - time.Millisecond)
	test.That(t, rec.reports(), test.ShouldResemble, []int{0})

	mock.Add(time.Millisecond)
	waitForReports(t, rec, 2)
	test.That(t, rec.reports(), test.ShouldResemble, []int{0, 10})

	for len(rec.reports()) < 40 {
		mock.Add(config.StepDelay)
	}
	cancel()
	test.That(t, <-done, test.ShouldBeNil)

	cycle := seq.Cycle()
	expected := append(append([]int{}, cycle...), cycle[:4]...)
	test.That(t, rec.reports()[:40], test.ShouldResemble, expected)
	test.That(t, lo.Count(rec.eventLog(), "initiate"), test.ShouldEqual, 1)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onReport: func(n int) {
		if n == 25 {
			cancel()
		}
	}}
	p := config.DefaultSweep()
	p.StepDelay = 0
	seq, err := NewSequencer(p, rec, rec, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, seq.Run(ctx), test.ShouldBeNil)
	test.That(t, rec.reports(), test.ShouldResemble, seq.Cycle()[:25])
	test.That(t, seq.Steps(), test.ShouldEqual, uint64(25))
}
