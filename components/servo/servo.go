// Package servo defines the angle commander: a position-controlled motor that is
// told an angle in degrees and holds it.
package servo

import (
	"context"
	"math"

	"github.com/samber/lo"
)

// A Servo represents a physical servo connected to a board.
type Servo interface {
	// Move moves the servo to the given angle in degrees. Angles outside the
	// servo's range are clamped to the nearest bound rather than rejected.
	// This will block until the command is issued or a new operation cancels this one.
	Move(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error

	// Position returns the current set angle (degrees) of the servo.
	Position(ctx context.Context, extra map[string]interface{}) (uint32, error)

	// Stop stops driving the servo. It is assumed the servo stops immediately.
	Stop(ctx context.Context, extra map[string]interface{}) error

	// IsMoving returns whether a command is still being issued to the servo.
	IsMoving(ctx context.Context) (bool, error)

	// Close stops the servo and releases what it holds.
	Close(ctx context.Context) error
}

// ClampAngle bounds deg to [minDeg, maxDeg].
func ClampAngle(deg, minDeg, maxDeg float64) float64 {
	return lo.Clamp(deg, minDeg, maxDeg)
}

// RoundAngle rounds a computed angle to the whole degree reported by Position.
func RoundAngle(deg float64) uint32 {
	if deg <= 0 {
		return 0
	}
	return uint32(math.Round(deg))
}
