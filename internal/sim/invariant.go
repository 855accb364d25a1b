// Package sim holds the error kinds shared by the simulation packages.
package sim

import (
	"errors"
	"fmt"
)

// ErrInvariant matches every InvariantError via errors.Is.
var ErrInvariant = errors.New("sim invariant violated")

// InvariantError reports a broken structural invariant. The run state is no
// longer trustworthy once one is returned; callers must abort rather than retry.
type InvariantError struct {
	Op     string
	X, Y   int
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s at (%d,%d): %s", e.Op, e.X, e.Y, e.Detail)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// Invariant builds an InvariantError.
func Invariant(op string, x, y int, format string, args ...any) error {
	return &InvariantError{Op: op, X: x, Y: y, Detail: fmt.Sprintf(format, args...)}
}
