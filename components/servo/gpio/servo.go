// Package gpio implements a pin based servo
package gpio

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.servosweep.dev/servosweep/components/board"
	"go.servosweep.dev/servosweep/components/servo"
	"go.servosweep.dev/servosweep/logging"
	"go.servosweep.dev/servosweep/operation"
)

const (
	defaultMinDeg    float64 = 0.0
	defaultMaxDeg    float64 = 180.0
	defaultFrequency uint    = 50
	maxFrequency     uint    = 450
	minWidthUs       uint    = 500  // absolute minimum pwm width
	maxWidthUs       uint    = 2500 // absolute maximum pwm width
)

// Config describes a servo wired to one PWM capable pin.
type Config struct {
	Pin string `json:"pin"`
	// MinDeg minimum angle the servo can reach
	MinDeg *float64 `json:"min_angle_deg,omitempty"`
	// MaxDeg maximum angle the servo can reach
	MaxDeg *float64 `json:"max_angle_deg,omitempty"`
	// StartPos starting position of the servo in degree
	StartPos *float64 `json:"starting_position_deg,omitempty"`
	// Frequency when set the servo driver will change the pin's PWM frequency,
	// otherwise the pin's frequency is kept or 50Hz is used if it has none.
	Frequency *uint `json:"frequency_hz,omitempty"`
	// Resolution number of ticks in a full PWM period. If 0 the driver estimates it.
	Resolution *uint `json:"pwm_resolution,omitempty"`
	// MinWidthUS override the safe minimum pulse width
	MinWidthUS *uint `json:"min_width_us,omitempty"`
	// MaxWidthUS override the safe maximum pulse width
	MaxWidthUS *uint `json:"max_width_us,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Pin == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pin")
	}
	minDeg, maxDeg := conf.degRange()
	if minDeg < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_angle_deg cannot be lower than 0"))
	}
	if minDeg >= maxDeg {
		return goutils.NewConfigValidationError(path, errors.New("min_angle_deg must be lower than max_angle_deg"))
	}
	if conf.StartPos != nil && (*conf.StartPos < minDeg || *conf.StartPos > maxDeg) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("starting_position_deg should be between %.1f and %.1f", minDeg, maxDeg))
	}
	if conf.Frequency != nil && (*conf.Frequency == 0 || *conf.Frequency > maxFrequency) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("frequency_hz should be between 1 and %d, have %d", maxFrequency, *conf.Frequency))
	}
	if conf.MinWidthUS != nil && *conf.MinWidthUS < minWidthUs {
		return goutils.NewConfigValidationError(path, errors.Errorf("min_width_us cannot be lower than %d", minWidthUs))
	}
	if conf.MaxWidthUS != nil && *conf.MaxWidthUS > maxWidthUs {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_width_us cannot be higher than %d", maxWidthUs))
	}
	minUs, maxUs := conf.widthRange()
	if minUs >= maxUs {
		return goutils.NewConfigValidationError(path, errors.New("min_width_us must be lower than max_width_us"))
	}
	return nil
}

func (conf *Config) degRange() (float64, float64) {
	minDeg, maxDeg := defaultMinDeg, defaultMaxDeg
	if conf.MinDeg != nil {
		minDeg = *conf.MinDeg
	}
	if conf.MaxDeg != nil {
		maxDeg = *conf.MaxDeg
	}
	return minDeg, maxDeg
}

func (conf *Config) widthRange() (uint, uint) {
	minUs, maxUs := minWidthUs, maxWidthUs
	if conf.MinWidthUS != nil {
		minUs = *conf.MinWidthUS
	}
	if conf.MaxWidthUS != nil {
		maxUs = *conf.MaxWidthUS
	}
	return minUs, maxUs
}

type servoGPIO struct {
	pin       board.GPIOPin
	min       float64
	max       float64
	logger    logging.Logger
	opMgr     operation.SingleOperationManager
	frequency uint
	minUs     uint
	maxUs     uint
	pwmRes    uint
	currPct   float64
}

// NewServo binds a servo to a pin of b and moves it to its starting position.
func NewServo(ctx context.Context, b board.Board, conf Config, logger logging.Logger) (servo.Servo, error) {
	if err := conf.Validate("servo"); err != nil {
		return nil, err
	}

	pin, err := b.GPIOPinByName(conf.Pin)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get servo pin")
	}

	frequency, err := pin.PWMFreq(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't get servo pin pwm frequency")
	}
	if conf.Frequency != nil || frequency == 0 {
		frequency = defaultFrequency
		if conf.Frequency != nil {
			frequency = *conf.Frequency
		}
		if err := pin.SetPWMFreq(ctx, frequency, nil); err != nil {
			return nil, errors.Wrap(err, "error setting servo pin frequency")
		}
	}

	minDeg, maxDeg := conf.degRange()
	minUs, maxUs := conf.widthRange()
	startPos := minDeg
	if conf.StartPos != nil {
		startPos = *conf.StartPos
	}

	s := &servoGPIO{
		min:       minDeg,
		max:       maxDeg,
		frequency: frequency,
		pin:       pin,
		logger:    logger,
		minUs:     minUs,
		maxUs:     maxUs,
	}
	if conf.Resolution != nil {
		s.pwmRes = *conf.Resolution
	}

	if err := s.Move(ctx, uint32(startPos), nil); err != nil {
		return nil, errors.Wrap(err, "couldn't move servo to start position")
	}
	if s.pwmRes == 0 {
		if err := s.findPWMResolution(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to guess the pwm resolution")
		}
		if err := s.Move(ctx, uint32(startPos), nil); err != nil {
			return nil, errors.Wrap(err, "couldn't move servo to start position")
		}
	}
	logger.Debugw("gpio servo ready", "pin", conf.Pin, "frequency_hz", frequency, "pwm_resolution", s.pwmRes)
	return s, nil
}

// Given minUs, maxUs, deg and frequency attempt to calculate the corresponding duty cycle pct.
func mapDegToDutyCylePct(minUs, maxUs uint, minDeg, maxDeg, deg float64, frequency uint) float64 {
	period := 1.0 / float64(frequency) // dutyCycle in s
	degRange := maxDeg - minDeg        // servo moves from minDeg to maxDeg
	uSRange := float64(maxUs - minUs)  // pulse width between minUs to maxUs

	scale := uSRange / degRange

	pwmWidthUs := float64(minUs) + (deg-minDeg)*scale
	return (pwmWidthUs / (1000 * 1000)) / period
}

// Given minUs, maxUs, pct and frequency returns the corresponding angle.
func mapDutyCylePctToDeg(minUs, maxUs uint, minDeg, maxDeg, pct float64, frequency uint) float64 {
	period := 1.0 / float64(frequency)
	pwmWidthUs := pct * period * 1000 * 1000
	degRange := maxDeg - minDeg
	uSRange := float64(maxUs - minUs)

	pwmWidthUs = math.Max(float64(minUs), pwmWidthUs)
	pwmWidthUs = math.Min(float64(maxUs), pwmWidthUs)

	scale := degRange / uSRange

	return math.Round(minDeg + (pwmWidthUs-float64(minUs))*scale)
}

// Attempt to find the PWM resolution assuming a hardware PWM
//
//  1. assume a resolution of any 16,15,14,12,or 8 bit timer
//
//  2. Starting from the current PWM duty cycle we nudge the duty cycle by
//     1/(1<<resolution) and check each new resolution until the returned duty cycle changes
//
//     if both the expected duty cycle and returned duty cycle are different we approximate
//     the resolution
func (s *servoGPIO) findPWMResolution(ctx context.Context) error {
	periodUs := (1.0 / float64(s.frequency)) * 1000 * 1000
	currPct := s.currPct
	realPct, err := s.pin.PWM(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "couldn't find PWM resolution")
	}
	dir := 1.0
	lDist := s.currPct*periodUs - float64(s.minUs)
	rDist := float64(s.maxUs) - s.currPct*periodUs
	if lDist > rDist {
		dir = -1.0
	}

	if realPct != currPct {
		if err := s.pin.SetPWM(ctx, realPct, nil); err != nil {
			return errors.Wrap(err, "couldn't set PWM to realPct")
		}
		r2, err := s.pin.PWM(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "couldn't find PWM resolution")
		}
		if r2 != realPct {
			return errors.Errorf("giving up searching for the resolution tried to match %.7f but got %.7f", realPct, r2)
		}
		currPct = r2
	}
	for _, r := range []int{16, 15, 14, 12, 8} {
		val := (1 << r) - 1
		pct := currPct + dir*1/float64(val)
		if err := s.pin.SetPWM(ctx, pct, nil); err != nil {
			return errors.Wrap(err, "couldn't search for PWM resolution")
		}
		if !goutils.SelectContextOrWait(ctx, 3*time.Millisecond) {
			return errors.New("context canceled while looking for servo's PWM resolution")
		}
		realPct, err := s.pin.PWM(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "couldn't find servo PWM resolution")
		}
		s.logger.Debugf("resolution step %d currPct %.7f target Pct %.14f realPct %.14f", val, currPct, pct, realPct)
		if realPct != currPct {
			if realPct == pct {
				s.pwmRes = uint(val)
			} else {
				val = int(math.Abs(math.Round(1 / (currPct - realPct))))
				s.logger.Debugf("the duty cycle moved but not to the expected %.7f (got %.7f), guessing %d",
					pct, realPct, val)
				s.pwmRes = uint(val)
			}
			break
		}
	}
	return nil
}

// Move moves the servo to the given angle, clamped to the servo's range.
func (s *servoGPIO) Move(ctx context.Context, ang uint32, extra map[string]interface{}) error {
	ctx, done := s.opMgr.New(ctx)
	defer done()
	angle := servo.ClampAngle(float64(ang), s.min, s.max)
	pct := mapDegToDutyCylePct(s.minUs, s.maxUs, s.min, s.max, angle, s.frequency)
	if s.pwmRes != 0 {
		realTick := math.Round(pct * float64(s.pwmRes))
		pct = realTick / float64(s.pwmRes)
	}
	if err := s.pin.SetPWM(ctx, pct, nil); err != nil {
		return errors.Wrap(err, "couldn't move the servo")
	}
	s.currPct = pct
	return nil
}

// Position returns the current set angle (degrees) of the servo.
func (s *servoGPIO) Position(ctx context.Context, extra map[string]interface{}) (uint32, error) {
	pct, err := s.pin.PWM(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "couldn't get servo pin duty cycle")
	}
	return servo.RoundAngle(mapDutyCylePctToDeg(s.minUs, s.maxUs, s.min, s.max, pct, s.frequency)), nil
}

// Stop stops the servo. It is assumed the servo stops immediately.
func (s *servoGPIO) Stop(ctx context.Context, extra map[string]interface{}) error {
	ctx, done := s.opMgr.New(ctx)
	defer done()
	if err := s.pin.SetPWM(ctx, 0.0, nil); err != nil {
		return errors.Wrap(err, "couldn't stop servo")
	}
	return nil
}

// IsMoving returns whether or not the servo is moving.
func (s *servoGPIO) IsMoving(ctx context.Context) (bool, error) {
	res, err := s.pin.PWM(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "servo error while checking if moving")
	}
	if res == 0 {
		return false, nil
	}
	return s.opMgr.OpRunning(), nil
}

// Close stops the servo and parks the pin low.
func (s *servoGPIO) Close(ctx context.Context) error {
	s.opMgr.CancelRunning(ctx)
	return multierr.Combine(s.Stop(ctx, nil), s.pin.Set(ctx, false, nil))
}
