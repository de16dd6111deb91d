// Package periph implements a board on top of the host's GPIO lines through periph.io.
// Pins with a hardware PWM mapping get hardware PWM; every other pin is pulsed in
// software.
package periph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"go.servosweep.dev/servosweep/components/board"
	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
)

// Overridden in tests.
var (
	hostInit = func() error {
		_, err := host.Init()
		return err
	}
	pinByName = gpioreg.ByName
)

func init() {
	board.Register(config.BoardPeriph, func(
		ctx context.Context,
		cfg config.Config,
		logger logging.Logger,
	) (board.Board, error) {
		return NewBoard(logger)
	})
}

type pwmSetting struct {
	dutyCycle gpio.Duty
	frequency physic.Frequency
	software  bool
}

// Board exposes the host's GPIO lines.
type Board struct {
	mu     sync.RWMutex
	pins   map[string]*gpioPin
	pwms   map[string]pwmSetting
	loops  map[string]struct{}
	logger logging.Logger

	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewBoard initializes the periph.io host drivers and returns a board.
func NewBoard(logger logging.Logger) (*Board, error) {
	if err := hostInit(); err != nil {
		return nil, errors.Wrap(err, "couldn't initialize periph.io host drivers")
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Board{
		pins:       map[string]*gpioPin{},
		pwms:       map[string]pwmSetting{},
		loops:      map[string]struct{}{},
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// GPIOPinByName returns the host GPIO line with the given periph.io name, e.g. "GPIO18" or "10".
func (b *Board) GPIOPinByName(pinName string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pins[pinName]; ok {
		return p, nil
	}
	pin := pinByName(pinName)
	if pin == nil {
		return nil, errors.Errorf("no global pin found for %q", pinName)
	}
	p := &gpioPin{b: b, pin: pin, pinName: pinName}
	b.pins[pinName] = p
	return p, nil
}

// Close stops software PWM loops and halts every pin handed out.
func (b *Board) Close(ctx context.Context) error {
	b.cancelFunc()
	b.activeBackgroundWorkers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs error
	for name, p := range b.pins {
		errs = multierr.Combine(errs, errors.Wrapf(p.pin.Halt(), "couldn't halt pin %s", name))
	}
	b.pwms = map[string]pwmSetting{}
	return errs
}

type gpioPin struct {
	b       *Board
	pin     gpio.PinIO
	pinName string
}

func (gp *gpioPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	delete(gp.b.pwms, gp.pinName)
	return gp.set(high)
}

// set drives the line without touching the PWM bookkeeping; the software PWM
// loop uses it directly.
func (gp *gpioPin) set(high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp *gpioPin) Get(ctx context.Context, extra map[string]interface{}) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}

func (gp *gpioPin) PWM(ctx context.Context, extra map[string]interface{}) (float64, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	pwm, ok := gp.b.pwms[gp.pinName]
	if !ok {
		return 0, nil
	}
	return float64(pwm.dutyCycle) / float64(gpio.DutyMax), nil
}

func (gp *gpioPin) SetPWM(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error {
	if dutyCyclePct < 0 || dutyCyclePct > 1 {
		return errors.Errorf("duty cycle %.4f out of range [0,1]", dutyCyclePct)
	}
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	setting := gp.b.pwms[gp.pinName]
	setting.dutyCycle = gpio.Duty(dutyCyclePct * float64(gpio.DutyMax))
	return gp.applyInLock(setting)
}

func (gp *gpioPin) PWMFreq(ctx context.Context, extra map[string]interface{}) (uint, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	return uint(gp.b.pwms[gp.pinName].frequency / physic.Hertz), nil
}

func (gp *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint, extra map[string]interface{}) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	setting := gp.b.pwms[gp.pinName]
	setting.frequency = physic.Frequency(freqHz) * physic.Hertz
	return gp.applyInLock(setting)
}

// applyInLock stores the setting and pushes it to the line. Hardware PWM is
// tried first; a pin that refuses it is driven by a software loop instead.
func (gp *gpioPin) applyInLock(setting pwmSetting) error {
	gp.b.pwms[gp.pinName] = setting
	if setting.frequency == 0 {
		// nothing to drive until a frequency is known
		return nil
	}
	if !setting.software {
		err := gp.pin.PWM(setting.dutyCycle, setting.frequency)
		if err == nil {
			return nil
		}
		gp.b.logger.Debugw("hardware pwm unavailable, pulsing in software", "pin", gp.pinName, "error", err)
		setting.software = true
		gp.b.pwms[gp.pinName] = setting
	}
	if _, running := gp.b.loops[gp.pinName]; running {
		return nil
	}
	if setting.dutyCycle == 0 {
		return gp.set(false)
	}
	gp.b.loops[gp.pinName] = struct{}{}
	gp.b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		gp.softwarePWMLoop(gp.b.cancelCtx)
	}, gp.b.activeBackgroundWorkers.Done)
	return nil
}

// softwarePWMLoop rereads the setting every period so later changes take
// effect without a restart. A zero duty cycle ends the loop with the line low.
func (gp *gpioPin) softwarePWMLoop(ctx context.Context) {
	for {
		cont := func() bool {
			gp.b.mu.Lock()
			setting, ok := gp.b.pwms[gp.pinName]
			if !ok || !setting.software || ctx.Err() != nil {
				delete(gp.b.loops, gp.pinName)
				gp.b.mu.Unlock()
				return false
			}
			if setting.dutyCycle == 0 {
				delete(gp.b.loops, gp.pinName)
				if err := gp.set(false); err != nil {
					gp.b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
				}
				gp.b.mu.Unlock()
				return false
			}
			gp.b.mu.Unlock()

			period := setting.frequency.Period()
			onPeriod := time.Duration(float64(setting.dutyCycle) / float64(gpio.DutyMax) * float64(period))
			if err := gp.set(true); err != nil {
				gp.b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
			} else if goutils.SelectContextOrWait(ctx, onPeriod) {
				if err := gp.set(false); err != nil {
					gp.b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
				}
			}
			goutils.SelectContextOrWait(ctx, period-onPeriod)
			return true
		}()
		if !cont {
			return
		}
	}
}
