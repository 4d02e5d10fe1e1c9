// Package pcg solves K x = b with the Jacobi preconditioned conjugate
// gradient method, where K is the sum of one dense element operator applied
// to every element held by every process. K is never assembled: each
// iteration gathers the search direction into an element vector batch,
// multiplies the batch by the operator on an accelerator and scatters the
// result back.
package pcg

import (
	"errors"
	"log"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/accel"
)

// ErrNumericalBreakdown is returned when a step length cannot be formed,
// which for an SPD operator means the operator or preconditioner is not
// what the caller claims.
var ErrNumericalBreakdown = errors.New("pcg: numerical breakdown")

// Transport moves vectors between the equations this process owns and the
// element vector batch of the elements it holds.
type Transport interface {
	// Ntot is the number of degrees of freedom per element.
	Ntot() int
	// NumElements is the number of elements held by this process.
	NumElements() int
	// NumOwned is the number of equations owned by this process.
	NumOwned() int
	// Gather fills dst (Ntot × NumElements) from the owned vector src.
	Gather(dst *mat.Dense, src []float64) error
	// Scatter sums the columns of src into the owned vector dst.
	Scatter(dst []float64, src *mat.Dense) error
}

// Reducer sums a scalar over every process. Every process must call it the
// same number of times.
type Reducer interface {
	AllReduceSum(v float64) (float64, error)
}

// Monitor decides from two consecutive solution estimates whether the
// solution has settled. It must give the same answer on every process. Solve
// reports Converged only when, in addition, ||b - Kx|| <= tol*||b||.
type Monitor interface {
	Converged(x []float64, tol float64, x0 []float64) (bool, error)
}

// Collaborators are the distributed services a solve depends on.
type Collaborators struct {
	Transport Transport
	Reducer   Reducer
	Monitor   Monitor
}

// aborter is implemented by reducers that can release the other processes
// when this one stops participating.
type aborter interface {
	Abort(cause error)
}

// Settings holds the settings of a solve. Zero values select defaults.
type Settings struct {
	// MaxIterations is the limit on the number of iterations. Zero is a
	// valid limit: the zero starting guess is returned unchanged.
	MaxIterations int

	// Tolerance is passed to the Monitor and bounds ||r||/||b||. It must
	// lie in (0, 1).
	// Zero means 1e-8.
	Tolerance float64

	// Backend opens the accelerator for the solve.
	// Nil means accel.HostBackend{}.
	Backend accel.Backend

	// FusedUpdate forms the new search direction with one Xpby call instead
	// of a Scale followed by an Axpy.
	FusedUpdate bool

	// Logger receives a summary of the solve, and a line per iteration when
	// Verbose is set. Nil discards both.
	Logger  *log.Logger
	Verbose bool
}

func defaultSettings(s *Settings) {
	if s.Tolerance == 0 {
		s.Tolerance = 1e-8
	}
	if s.Backend == nil {
		s.Backend = accel.HostBackend{}
	}
}

// State is the stage of the iteration.
type State int

const (
	Initializing State = iota
	Iterating
	Converged
	IterationLimitReached
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Iterating:
		return "Iterating"
	case Converged:
		return "Converged"
	case IterationLimitReached:
		return "IterationLimitReached"
	}
	return "State(unknown)"
}

// Result holds the outcome of a solve.
type Result struct {
	// X is the solution over the owned equations.
	X          []float64
	Iterations int
	State      State
	Stats      Stats
}

// Stats holds statistics about a solve.
type Stats struct {
	// MatVec counts batched element multiplies.
	MatVec int
	// Reductions counts Reducer calls.
	Reductions int
	// ResidualChecks counts the residual norms taken after the Monitor
	// reported a settled solution.
	ResidualChecks int
	// Residual holds the preconditioned residual inner product r·d: the
	// initial value followed by one entry per iteration.
	Residual  []float64
	StartTime time.Time
	Runtime   time.Duration
}
