// Package main sweeps a hobby servo back and forth between its bounds forever,
// reporting every commanded angle on a serial console.
package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"go.viam.com/utils"

	"go.servosweep.dev/servosweep/components/board"
	// registers the board drivers.
	_ "go.servosweep.dev/servosweep/components/board/fake"
	_ "go.servosweep.dev/servosweep/components/board/periph"
	"go.servosweep.dev/servosweep/components/servo"
	servofirmata "go.servosweep.dev/servosweep/components/servo/firmata"
	servogpio "go.servosweep.dev/servosweep/components/servo/gpio"
	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
	"go.servosweep.dev/servosweep/report"
	"go.servosweep.dev/servosweep/serial"
	"go.servosweep.dev/servosweep/sweep"
)

var logger = logging.NewLogger("servosweep")

func main() {
	utils.ContextualMain(runSweep, logger)
}

// Arguments for the command. Only the hardware binding can be chosen; the sweep
// itself is compiled in.
type Arguments struct {
	Board       string `flag:"board,default=fake,usage=board driver (fake|periph|firmata)"`
	Pin         string `flag:"pin,default=10,usage=pin the servo signal wire is on"`
	Port        string `flag:"port,usage=serial device to report angles on (default stdout)"`
	FirmataPort string `flag:"firmata-port,usage=arduino serial device for the firmata board (default search)"`
	Search      bool   `flag:"search,usage=list attached serial devices and exit"`
	LogFile     string `flag:"log-file,usage=also write logs to this rotated file"`
	Debug       bool   `flag:"debug"`
}

func runSweep(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if argsParsed.Debug {
		level = zapcore.DebugLevel
		logger = logging.NewDebugLogger("servosweep")
	}
	if argsParsed.LogFile != "" {
		var closeLog func() error
		logger, closeLog = logging.NewFileLogger("servosweep", level, logging.FileConfig{Path: argsParsed.LogFile})
		defer func() {
			err = multierr.Combine(err, closeLog())
		}()
	}

	if argsParsed.Search {
		return search(logger)
	}

	cfg := config.Default()
	cfg.Board = argsParsed.Board
	cfg.Pin = argsParsed.Pin
	cfg.ReportPort = argsParsed.Port
	cfg.FirmataPort = argsParsed.FirmataPort
	if err := cfg.Validate("config"); err != nil {
		return err
	}

	reporter, err := report.Open(cfg.ReportPort, cfg.ReportBaud)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, reporter.Close())
	}()

	srv, closeHardware, err := newServo(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		// ctx is done by now
		shutdownCtx := context.Background()
		err = multierr.Combine(err, srv.Close(shutdownCtx), closeHardware(shutdownCtx))
		logger.Info("servo stopped")
	}()

	seq, err := sweep.NewSequencer(cfg.Sweep, srv, reporter, logger)
	if err != nil {
		return err
	}
	return seq.Run(ctx)
}

// newServo binds the servo to the configured hardware. The returned function
// releases that hardware once the servo is closed.
func newServo(
	ctx context.Context,
	cfg config.Config,
	logger logging.Logger,
) (servo.Servo, func(context.Context) error, error) {
	if cfg.Board == config.BoardFirmata {
		conn, err := servofirmata.Dial(ctx, cfg.FirmataPort, cfg.FirmataBaud, logger)
		if err != nil {
			return nil, nil, err
		}
		srv, err := servofirmata.NewServo(ctx, conn, servofirmata.Config{Pin: cfg.Pin}, logger)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return srv, func(context.Context) error {
			conn.Close()
			return nil
		}, nil
	}

	b, err := board.New(ctx, cfg.Board, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	srv, err := servogpio.NewServo(ctx, b, servogpio.Config{Pin: cfg.Pin}, logger)
	if err != nil {
		return nil, nil, multierr.Combine(errors.Wrap(err, "couldn't create servo"), b.Close(ctx))
	}
	return srv, b.Close, nil
}

func search(logger logging.Logger) error {
	found, err := serial.Search(serial.SearchFilter{})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		logger.Info("no serial devices found")
	}
	for _, d := range found {
		logger.Infow("serial device", "path", d.Path, "type", d.Type)
	}
	return nil
}
