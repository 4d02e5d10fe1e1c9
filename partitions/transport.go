package partitions

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/collective"
)

// Restrained marks a steering entry with no equation.
const Restrained = -1

// ErrNonPositiveDiagonal is returned by InverseDiagonal when an owned equation
// has a zero or negative assembled diagonal.
var ErrNonPositiveDiagonal = errors.New("partitions: non-positive diagonal entry")

// Transport moves vectors between the equation layout owned by one rank and
// the element vector batch of the elements that rank holds.
//
// Values are exchanged through a sum reduction over the global equation
// vector, so every rank must call Gather, Scatter and AssembleDiagonal in the
// same order.
type Transport struct {
	comm     collective.Communicator
	layout   EquationLayout
	steering [][]int
	ntot     int
	lo, hi   int

	local  []float64
	global []float64
}

// NewTransport builds the transport of comm.Rank(). steering holds, for each
// element owned by the rank, the ntot global equation numbers of its degrees
// of freedom, or Restrained.
func NewTransport(comm collective.Communicator, layout EquationLayout, steering [][]int, ntot int) (*Transport, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.NumProcs() != comm.Size() {
		return nil, fmt.Errorf("equation layout has %d ranks, communicator has %d",
			layout.NumProcs(), comm.Size())
	}
	if ntot <= 0 {
		return nil, fmt.Errorf("ntot %d must be positive", ntot)
	}
	for e, g := range steering {
		if len(g) != ntot {
			return nil, fmt.Errorf("element %d: steering has %d entries, want %d", e, len(g), ntot)
		}
		for _, eq := range g {
			if eq != Restrained && layout.Owner(eq) < 0 {
				return nil, fmt.Errorf("element %d: equation %d outside [0,%d)",
					e, eq, layout.NumEquations)
			}
		}
	}
	lo, hi := layout.Range(comm.Rank())
	return &Transport{
		comm:     comm,
		layout:   layout,
		steering: steering,
		ntot:     ntot,
		lo:       lo,
		hi:       hi,
		local:    make([]float64, layout.NumEquations),
		global:   make([]float64, layout.NumEquations),
	}, nil
}

func (t *Transport) Ntot() int        { return t.ntot }
func (t *Transport) NumElements() int { return len(t.steering) }
func (t *Transport) NumOwned() int    { return t.hi - t.lo }

// Offset returns the global number of the first owned equation.
func (t *Transport) Offset() int { return t.lo }

// checkBatch accepts an empty matrix for a rank with no elements, since gonum
// has no zero-column Dense.
func (t *Transport) checkBatch(op string, m *mat.Dense) error {
	if len(t.steering) == 0 && m.IsEmpty() {
		return nil
	}
	r, c := m.Dims()
	if r != t.ntot || c != len(t.steering) {
		return fmt.Errorf("%s: batch is %dx%d, want %dx%d", op, r, c, t.ntot, len(t.steering))
	}
	return nil
}

// Gather expands the owned equation vector src into dst, one column per
// element. Restrained entries are zero.
func (t *Transport) Gather(dst *mat.Dense, src []float64) error {
	if err := t.checkBatch("gather", dst); err != nil {
		return err
	}
	if len(src) != t.NumOwned() {
		return fmt.Errorf("gather: source has %d equations, rank owns %d", len(src), t.NumOwned())
	}
	clear(t.local)
	copy(t.local[t.lo:t.hi], src)
	if err := t.comm.AllReduceSumVec(t.global, t.local); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	for e, g := range t.steering {
		for i, eq := range g {
			if eq == Restrained {
				dst.Set(i, e, 0)
				continue
			}
			dst.Set(i, e, t.global[eq])
		}
	}
	return nil
}

// Scatter sums the element contributions in src into the owned equation
// vector dst, including contributions made by other ranks.
func (t *Transport) Scatter(dst []float64, src *mat.Dense) error {
	if err := t.checkBatch("scatter", src); err != nil {
		return err
	}
	if len(dst) != t.NumOwned() {
		return fmt.Errorf("scatter: destination has %d equations, rank owns %d", len(dst), t.NumOwned())
	}
	clear(t.local)
	for e, g := range t.steering {
		for i, eq := range g {
			if eq != Restrained {
				t.local[eq] += src.At(i, e)
			}
		}
	}
	if err := t.comm.AllReduceSumVec(t.global, t.local); err != nil {
		return fmt.Errorf("scatter: %w", err)
	}
	copy(dst, t.global[t.lo:t.hi])
	return nil
}

// AssembleDiagonal returns the owned part of the assembled operator diagonal.
func (t *Transport) AssembleDiagonal(op mat.Matrix) ([]float64, error) {
	r, c := op.Dims()
	if r != t.ntot || c != t.ntot {
		return nil, fmt.Errorf("assemble diagonal: operator is %dx%d, want %dx%d", r, c, t.ntot, t.ntot)
	}
	batch := &mat.Dense{}
	if len(t.steering) > 0 {
		batch = mat.NewDense(t.ntot, len(t.steering), nil)
	}
	for e := range t.steering {
		for i := 0; i < t.ntot; i++ {
			batch.Set(i, e, op.At(i, i))
		}
	}
	diag := make([]float64, t.NumOwned())
	if err := t.Scatter(diag, batch); err != nil {
		return nil, fmt.Errorf("assemble diagonal: %w", err)
	}
	return diag, nil
}

// InverseDiagonal returns the element-wise reciprocal of the assembled
// diagonal, the Jacobi preconditioner of the rank.
func (t *Transport) InverseDiagonal(op mat.Matrix) ([]float64, error) {
	diag, err := t.AssembleDiagonal(op)
	if err != nil {
		return nil, err
	}
	for i, v := range diag {
		if v <= 0 {
			return nil, fmt.Errorf("%w: equation %d has %g", ErrNonPositiveDiagonal, t.lo+i, v)
		}
		diag[i] = 1 / v
	}
	return diag, nil
}
