// Package fake implements a fake board.
package fake

import (
	"context"
	"math"
	"sync"

	"go.servosweep.dev/servosweep/components/board"
	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
)

func init() {
	board.Register(config.BoardFake, func(
		ctx context.Context,
		cfg config.Config,
		logger logging.Logger,
	) (board.Board, error) {
		return NewBoard(logger), nil
	})
}

// A Board keeps every pin in memory. Pins are created on first use.
type Board struct {
	mu         sync.Mutex
	GPIOPins   map[string]*GPIOPin
	closeCount int

	logger logging.Logger
}

// NewBoard returns a new fake board.
func NewBoard(logger logging.Logger) *Board {
	return &Board{
		GPIOPins: map[string]*GPIOPin{},
		logger:   logger,
	}
}

// GPIOPinByName returns the GPIO pin by the given name, creating it if needed.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.GPIOPins[name]
	if !ok {
		p = &GPIOPin{}
		b.GPIOPins[name] = p
		b.logger.Debugw("created fake pin", "pin", name)
	}
	return p, nil
}

// Close counts how many times the board was closed.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCount++
	return nil
}

// A GPIOPin reads back the same set values. When Resolution is set, duty
// cycles are quantized to that many ticks the way a hardware timer would.
type GPIOPin struct {
	Resolution uint

	high    bool
	pwm     float64
	pwmFreq uint
	writes  int

	mu sync.Mutex
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.high = high
	gp.pwm = 0
	gp.pwmFreq = 0
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context, extra map[string]interface{}) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}

// PWM gets the pin's given duty cycle.
func (gp *GPIOPin) PWM(ctx context.Context, extra map[string]interface{}) (float64, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwm, nil
}

// SetPWM sets the pin to the given duty cycle.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.Resolution != 0 {
		dutyCyclePct = math.Round(dutyCyclePct*float64(gp.Resolution)) / float64(gp.Resolution)
	}
	gp.pwm = dutyCyclePct
	gp.writes++
	return nil
}

// PWMFreq gets the PWM frequency of the pin.
func (gp *GPIOPin) PWMFreq(ctx context.Context, extra map[string]interface{}) (uint, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwmFreq, nil
}

// SetPWMFreq sets the given pin to the given PWM frequency.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint, extra map[string]interface{}) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.pwmFreq = freqHz
	return nil
}

// PWMWrites returns how many duty cycles have been written to the pin.
func (gp *GPIOPin) PWMWrites() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.writes
}
