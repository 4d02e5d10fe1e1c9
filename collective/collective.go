// Package collective provides the cross-process reductions used by the
// distributed solver. Every participant must enter each collective call, and
// every participant receives the same result.
package collective

import (
	"errors"
	"fmt"
)

var (
	// ErrMismatchedReduction is returned when participants contribute vectors
	// of different lengths to the same collective call.
	ErrMismatchedReduction = errors.New("collective: mismatched reduction size")

	// ErrAborted is returned to every waiter once a participant has aborted.
	ErrAborted = errors.New("collective: aborted")
)

// Communicator is one participant in a fixed set of ranks.
type Communicator interface {
	Rank() int
	Size() int
	// AllReduceSum returns the sum of v over all ranks.
	AllReduceSum(v float64) (float64, error)
	// AllReduceSumVec stores into dst the element-wise sum of src over all
	// ranks. dst and src may be the same slice.
	AllReduceSumVec(dst, src []float64) error
	// AllReduceMax returns the maximum of v over all ranks.
	AllReduceMax(v float64) (float64, error)
}

// Serial is the communicator of a single-process run.
type Serial struct{}

func (Serial) Rank() int { return 0 }
func (Serial) Size() int { return 1 }

func (Serial) AllReduceSum(v float64) (float64, error) {
	return v, nil
}

func (Serial) AllReduceSumVec(dst, src []float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d, src %d", ErrMismatchedReduction, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

func (Serial) AllReduceMax(v float64) (float64, error) {
	return v, nil
}
