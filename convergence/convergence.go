// Package convergence decides when the PCG iteration has settled.
package convergence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/PCGKernel/collective"
)

// SolutionChange reports convergence once the largest change in the solution
// is within tol of the largest solution entry, over every rank:
//
//	max|x - x0| <= tol * max|x|
type SolutionChange struct {
	Comm collective.Communicator
}

var inf = math.Inf(1)

func (s SolutionChange) Converged(x []float64, tol float64, x0 []float64) (bool, error) {
	if len(x) != len(x0) {
		panic(fmt.Sprintf("convergence: solution length %d, previous %d", len(x), len(x0)))
	}
	var big, change float64
	if len(x) > 0 {
		big = floats.Norm(x, inf)
		change = floats.Distance(x, x0, inf)
	}
	comm := s.Comm
	if comm == nil {
		comm = collective.Serial{}
	}
	big, err := comm.AllReduceMax(big)
	if err != nil {
		return false, fmt.Errorf("convergence: %w", err)
	}
	change, err = comm.AllReduceMax(change)
	if err != nil {
		return false, fmt.Errorf("convergence: %w", err)
	}
	return change <= tol*big, nil
}
