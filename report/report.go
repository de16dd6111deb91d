// Package report writes the human readable status lines of a sweep to a text sink,
// usually a serial console.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"go.servosweep.dev/servosweep/serial"
)

const (
	initiateLine = "Servo initiate"
	anglePrefix  = "Angle: "
)

// A Sink receives the status lines of a sweep.
type Sink interface {
	// Initiate reports that the servo has been attached.
	Initiate() error
	// Angle reports the angle just commanded.
	Angle(deg int) error
}

// Reporter writes newline terminated status lines to w.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewReporter returns a Reporter writing to w. If w is also an io.Closer it is
// closed by Close.
func NewReporter(w io.Writer) *Reporter {
	r := &Reporter{w: w}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Open returns a Reporter on the serial device at port, or on stdout when port
// is empty.
func Open(port string, baudRate int) (*Reporter, error) {
	if port == "" {
		return &Reporter{w: os.Stdout}, nil
	}
	dev, err := serial.Open(port, serial.DefaultOptions(baudRate))
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open report port")
	}
	return NewReporter(dev), nil
}

// Initiate writes "Servo initiate".
func (r *Reporter) Initiate() error {
	return r.println(initiateLine)
}

// Angle writes "Angle: <deg>".
func (r *Reporter) Angle(deg int) error {
	return r.println(fmt.Sprintf("%s%d", anglePrefix, deg))
}

func (r *Reporter) println(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.w, line+"\n"); err != nil {
		return errors.Wrap(err, "couldn't write report")
	}
	return nil
}

// Close closes the underlying device, if any.
func (r *Reporter) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
