// Package serial provides utilities for searching for and working with serial based devices.
package serial

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	ser "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Description describes a specific serial device.
type Description struct {
	Type Type
	Path string
}

// Type identifies a specific serial device type, like an arduino.
type Type string

// The known device types.
const (
	TypeUnknown = Type("unknown")
	TypeArduino = Type("arduino")
)

// USB vendor ids of boards that enumerate as arduinos. The last two are the
// common USB-serial bridges on clone boards.
var arduinoVendorIDs = []string{"2341", "2a03", "1a86", "10c4"}

// Options to be passed to Open().
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	ReadTimeout time.Duration
}

// DefaultOptions returns 8N1 options at the given baud rate.
func DefaultOptions(baudRate int) Options {
	return Options{
		BaudRate: baudRate,
		DataBits: 8,
		StopBits: OneStopBit,
		Parity:   NoParity,
	}
}

// Parity describes a serial port parity setting.
type Parity int

const (
	// NoParity disable parity control (default).
	NoParity Parity = iota
	// OddParity enable odd-parity check.
	OddParity
	// EvenParity enable even-parity check.
	EvenParity
)

// StopBits describe a serial port stop bits setting.
type StopBits int

const (
	// OneStopBit sets 1 stop bit (default).
	OneStopBit StopBits = iota
	// OnePointFiveStopBits sets 1.5 stop bits.
	OnePointFiveStopBits
	// TwoStopBits sets 2 stop bits.
	TwoStopBits
)

// Open attempts to open a serial device on the given path. It's a variable
// in case you need to override it during tests.
var Open = func(devicePath string, options Options) (io.ReadWriteCloser, error) {
	if devicePath == "" {
		return nil, errors.New("serial device path is empty")
	}
	mode := &ser.Mode{
		BaudRate: options.BaudRate,
		Parity:   ser.Parity(options.Parity),
		DataBits: options.DataBits,
		StopBits: ser.StopBits(options.StopBits),
	}

	device, err := ser.Open(devicePath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open serial device %q", devicePath)
	}
	if options.ReadTimeout > 0 {
		if err := device.SetReadTimeout(options.ReadTimeout); err != nil {
			//nolint:errcheck
			device.Close()
			return nil, err
		}
	}
	return device, nil
}

// SearchFilter narrows Search down to one device type. The zero value matches
// every device.
type SearchFilter struct {
	Type Type
}

// listPorts is overridden in tests.
var listPorts = enumerator.GetDetailedPortsList

// Search lists the serial devices attached to the host that pass the filter.
func Search(filter SearchFilter) ([]Description, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't list serial ports")
	}

	var found []Description
	for _, port := range ports {
		desc := Description{Type: deviceType(port), Path: port.Name}
		if filter.Type != "" && filter.Type != desc.Type {
			continue
		}
		found = append(found, desc)
	}
	return found, nil
}

func deviceType(port *enumerator.PortDetails) Type {
	if !port.IsUSB {
		return TypeUnknown
	}
	for _, vid := range arduinoVendorIDs {
		if strings.EqualFold(port.VID, vid) {
			return TypeArduino
		}
	}
	return TypeUnknown
}

// FindArduino returns the path of the only attached arduino.
func FindArduino() (string, error) {
	ds, err := Search(SearchFilter{Type: TypeArduino})
	if err != nil {
		return "", err
	}
	if len(ds) != 1 {
		return "", errors.Errorf("found %d arduinos", len(ds))
	}
	return ds[0].Path, nil
}
