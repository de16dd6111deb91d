// Package config holds the sweep profile and the hardware binding of a servosweep process.
//
// The sweep profile is fixed at compile time. Only the hardware binding (which
// board driver, which pin, which serial ports) is chosen when the process starts.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Compile-time sweep profile and hardware defaults.
const (
	DefaultPin         = "10"
	DefaultReportBaud  = 9600
	DefaultFirmataBaud = 57600
	StepSizeDeg        = 10
	StepDelay          = 500 * time.Millisecond
	MinAngleDeg        = 0
	MaxAngleDeg        = 180
)

// Board drivers known to the entrypoint.
const (
	BoardFake    = "fake"
	BoardPeriph  = "periph"
	BoardFirmata = "firmata"
)

// Sweep is the sweep profile.
type Sweep struct {
	StepDeg   int           `json:"step_deg"`
	StepDelay time.Duration `json:"step_delay"`
	MinDeg    int           `json:"min_angle_deg"`
	MaxDeg    int           `json:"max_angle_deg"`
}

// DefaultSweep returns the compiled-in sweep profile.
func DefaultSweep() Sweep {
	return Sweep{
		StepDeg:   StepSizeDeg,
		StepDelay: StepDelay,
		MinDeg:    MinAngleDeg,
		MaxDeg:    MaxAngleDeg,
	}
}

// Validate ensures the profile describes a sweep that stays within [0,180].
func (s Sweep) Validate(path string) error {
	if s.StepDeg <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("step_deg must be positive"))
	}
	if s.StepDelay < 0 {
		return goutils.NewConfigValidationError(path, errors.New("step_delay cannot be negative"))
	}
	if s.MinDeg < MinAngleDeg {
		return goutils.NewConfigValidationError(path, errors.Errorf("min_angle_deg cannot be lower than %d", MinAngleDeg))
	}
	if s.MaxDeg > MaxAngleDeg {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_angle_deg cannot be higher than %d", MaxAngleDeg))
	}
	if s.MinDeg >= s.MaxDeg {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("min_angle_deg (%d) must be lower than max_angle_deg (%d)", s.MinDeg, s.MaxDeg))
	}
	return nil
}

// Config is everything a servosweep process needs to start.
type Config struct {
	Board string `json:"board"`
	Pin   string `json:"pin"`

	// ReportPort is the serial device the angle reports go to. Empty means stdout.
	ReportPort string `json:"report_port,omitempty"`
	ReportBaud int    `json:"report_baud"`

	// FirmataPort is the arduino serial device used by the firmata board. Empty
	// means search for the only attached arduino.
	FirmataPort string `json:"firmata_port,omitempty"`
	FirmataBaud int    `json:"firmata_baud"`

	Sweep Sweep `json:"sweep"`
}

// Default returns the reference configuration: a fake board on pin 10 reporting
// to stdout at 9600 baud with the compiled-in sweep.
func Default() Config {
	return Config{
		Board:       BoardFake,
		Pin:         DefaultPin,
		ReportBaud:  DefaultReportBaud,
		FirmataBaud: DefaultFirmataBaud,
		Sweep:       DefaultSweep(),
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	switch c.Board {
	case "":
		return goutils.NewConfigValidationFieldRequiredError(path, "board")
	case BoardFake, BoardPeriph, BoardFirmata:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown board %q", c.Board))
	}
	if c.Pin == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pin")
	}
	if c.ReportBaud <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("report_baud must be positive"))
	}
	if c.Board == BoardFirmata && c.FirmataBaud <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("firmata_baud must be positive"))
	}
	return c.Sweep.Validate(fmt.Sprintf("%s.%s", path, "sweep"))
}
