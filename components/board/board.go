// Package board defines the interfaces that typically live on a single-board computer
// or microcontroller and a registry of the drivers that implement them.
package board

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
)

// A Board represents a physical general purpose board that exposes GPIO pins.
type Board interface {
	// GPIOPinByName returns a GPIOPin by name.
	GPIOPinByName(name string) (GPIOPin, error)

	// Close releases the board's pins and any connection to it.
	Close(ctx context.Context) error
}

// A GPIOPin is a single pin on a board. Servos only need its PWM side; the
// digital side is used to park the pin low.
type GPIOPin interface {
	// Set drives the pin low or high, cancelling any PWM output.
	Set(ctx context.Context, high bool, extra map[string]interface{}) error

	// Get returns the last level set on the pin.
	Get(ctx context.Context, extra map[string]interface{}) (bool, error)

	// PWM returns the pin's duty cycle in [0,1].
	PWM(ctx context.Context, extra map[string]interface{}) (float64, error)

	// SetPWM sets the pin's duty cycle in [0,1].
	SetPWM(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error

	// PWMFreq returns the pin's PWM frequency. 0 means the board has not picked one.
	PWMFreq(ctx context.Context, extra map[string]interface{}) (uint, error)

	// SetPWMFreq sets the pin's PWM frequency.
	SetPWMFreq(ctx context.Context, freqHz uint, extra map[string]interface{}) error
}

// A Constructor builds a board from the process config.
type Constructor func(ctx context.Context, cfg config.Config, logger logging.Logger) (Board, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a board driver available under the given model name. It panics
// if the model is registered twice.
func Register(model string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[model]; ok {
		panic(errors.Errorf("board model %q already registered", model))
	}
	registry[model] = constructor
}

// New constructs the board registered under model.
func New(ctx context.Context, model string, cfg config.Config, logger logging.Logger) (Board, error) {
	registryMu.RLock()
	constructor, ok := registry[model]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no board registered for model %q, have %v", model, Models())
	}
	b, err := constructor(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't create %s board", model)
	}
	return b, nil
}

// Models returns the registered board models in sorted order.
func Models() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := make([]string, 0, len(registry))
	for model := range registry {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
