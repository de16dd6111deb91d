// Package firmata implements a servo on an arduino running StandardFirmata. The
// arduino generates the servo pulses itself; the host only sends angles.
package firmata

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kraman/go-firmata"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"go.servosweep.dev/servosweep/components/servo"
	"go.servosweep.dev/servosweep/logging"
	"go.servosweep.dev/servosweep/operation"
	"go.servosweep.dev/servosweep/serial"
)

const (
	defaultMinDeg = 0.0
	defaultMaxDeg = 180.0
	// analog messages carry the pin in the low nibble of the command byte
	maxServoPin = 15
)

// Client is the part of a firmata connection a servo needs.
type Client interface {
	SetPinMode(pin uint8, mode firmata.PinMode) error
	AnalogWrite(pin uint, pinData byte) error
}

// Connection is a firmata client plus a way to hang it up.
type Connection struct {
	Client
	closeFn func()
}

// Close hangs up the connection.
func (c *Connection) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// Overridden in tests.
var (
	newClient      = firmata.NewClient
	findArduino    = serial.FindArduino
	connectTimeout = 30 * time.Second
	errNoArduino   = errors.New("no firmata port given and no arduino found")
)

// Dial opens a firmata connection on port, or on the only attached arduino
// when port is empty. It gives up when ctx is done or the board has not
// answered the firmata handshake within connectTimeout.
func Dial(ctx context.Context, port string, baud int, logger logging.Logger) (*Connection, error) {
	if port == "" {
		found, err := findArduino()
		if err != nil {
			return nil, errors.Wrap(errNoArduino, err.Error())
		}
		port = found
	}
	logger.Infow("connecting to firmata", "port", port, "baud", baud)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// the client library waits for the handshake without any way out
	var (
		c   *firmata.FirmataClient
		err error
	)
	connected := make(chan struct{})
	goutils.ManagedGo(func() {
		c, err = newClient(port, baud)
	}, func() {
		close(connected)
	})
	if !goutils.SelectContextOrWaitChan(ctx, connected) {
		goutils.PanicCapturingGo(func() {
			<-connected
			if c != nil {
				c.Close()
			}
		})
		return nil, errors.Wrapf(ctx.Err(), "no firmata handshake from %s", port)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't connect to firmata on %s", port)
	}
	c.Log = zap.NewStdLog(logger.Desugar().Named("firmata"))
	return &Connection{Client: c, closeFn: func() { c.Close() }}, nil
}

// Config describes a servo on one arduino pin.
type Config struct {
	Pin      string   `json:"pin"`
	MinDeg   *float64 `json:"min_angle_deg,omitempty"`
	MaxDeg   *float64 `json:"max_angle_deg,omitempty"`
	StartPos *float64 `json:"starting_position_deg,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Pin == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pin")
	}
	if _, err := parsePin(conf.Pin); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	minDeg, maxDeg := conf.degRange()
	if minDeg < defaultMinDeg || maxDeg > defaultMaxDeg {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("angle range must be within %.0f and %.0f", defaultMinDeg, defaultMaxDeg))
	}
	if minDeg >= maxDeg {
		return goutils.NewConfigValidationError(path, errors.New("min_angle_deg must be lower than max_angle_deg"))
	}
	if conf.StartPos != nil && (*conf.StartPos < minDeg || *conf.StartPos > maxDeg) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("starting_position_deg should be between %.1f and %.1f", minDeg, maxDeg))
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

func parsePin(name string) (uint8, error) {
	pin, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, errors.Errorf("pin %q is not an arduino pin number", name)
	}
	if pin > maxServoPin {
		return 0, errors.Errorf("pin %d is above %d, the highest pin firmata can write an angle to", pin, maxServoPin)
	}
	return uint8(pin), nil
}

type servoFirmata struct {
	client Client
	pin    uint8
	min    float64
	max    float64
	logger logging.Logger
	opMgr  operation.SingleOperationManager

	mu       sync.Mutex
	attached bool
	angle    uint32
}

// NewServo attaches a servo to the given pin and moves it to its starting position.
func NewServo(ctx context.Context, client Client, conf Config, logger logging.Logger) (servo.Servo, error) {
	if err := conf.Validate("servo"); err != nil {
		return nil, err
	}
	pin, err := parsePin(conf.Pin)
	if err != nil {
		return nil, err
	}
	minDeg, maxDeg := conf.degRange()
	s := &servoFirmata{
		client: client,
		pin:    pin,
		min:    minDeg,
		max:    maxDeg,
		logger: logger,
	}
	startPos := minDeg
	if conf.StartPos != nil {
		startPos = *conf.StartPos
	}
	if err := s.Move(ctx, uint32(startPos), nil); err != nil {
		return nil, errors.Wrap(err, "couldn't move servo to start position")
	}
	return s, nil
}

// Move writes the clamped angle to the pin, attaching the servo first if needed.
func (s *servoFirmata) Move(ctx context.Context, ang uint32, extra map[string]interface{}) error {
	_, done := s.opMgr.New(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		if err := s.client.SetPinMode(s.pin, firmata.Servo); err != nil {
			return errors.Wrapf(err, "couldn't attach servo on pin %d", s.pin)
		}
		s.attached = true
	}
	angle := servo.RoundAngle(servo.ClampAngle(float64(ang), s.min, s.max))
	if err := s.client.AnalogWrite(uint(s.pin), byte(angle)); err != nil {
		return errors.Wrap(err, "couldn't move the servo")
	}
	s.angle = angle
	return nil
}

// Position returns the last angle written; firmata servos do not report back.
func (s *servoFirmata) Position(ctx context.Context, extra map[string]interface{}) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angle, nil
}

// Stop detaches the servo so the arduino stops pulsing the pin.
func (s *servoFirmata) Stop(ctx context.Context, extra map[string]interface{}) error {
	_, done := s.opMgr.New(ctx)
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return nil
	}
	if err := s.client.SetPinMode(s.pin, firmata.Output); err != nil {
		return errors.Wrap(err, "couldn't stop servo")
	}
	s.attached = false
	return nil
}

func (s *servoFirmata) IsMoving(ctx context.Context) (bool, error) {
	return s.opMgr.OpRunning(), nil
}

func (s *servoFirmata) Close(ctx context.Context) error {
	s.opMgr.CancelRunning(ctx)
	return s.Stop(ctx, nil)
}
