package board_test

import (
	"context"
	"testing"

	"go.viam.com/test"

	"go.servosweep.dev/servosweep/components/board"
	"go.servosweep.dev/servosweep/config"
	"go.servosweep.dev/servosweep/logging"
)

type nopBoard struct{}

func (nopBoard) GPIOPinByName(name string) (board.GPIOPin, error) { return nil, nil }
func (nopBoard) Close(ctx context.Context) error                    { return nil }

func TestRegistry(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	board.Register("test-nop", func(ctx context.Context, cfg config.Config, logger logging.Logger) (board.Board, error) {
		return nopBoard{}, nil
	})
	test.That(t, board.Models(), test.ShouldContain, "test-nop")

	b, err := board.New(ctx, "test-nop", config.Default(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldHaveSameTypeAs, nopBoard{})

	_, err = board.New(ctx, "test-missing", config.Default(), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `no board registered for model "test-missing"`)
	test.That(t, err.Error(), test.ShouldContainSubstring, "test-nop")

	test.That(t, func() {
		board.Register("test-nop", nil)
	}, test.ShouldPanic)
}
