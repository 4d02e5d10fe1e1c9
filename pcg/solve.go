package pcg

import (
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/accel"
)

// Solve runs PCG from the zero starting guess on the equations this process
// owns. op is the ntot×ntot element operator shared by every element, invDiag
// the inverse of the assembled diagonal over the owned equations and rhs the
// owned part of b.
//
// Every process of the job must call Solve with the same operator and
// settings. Reaching MaxIterations is not an error; inspect Result.State.
//
// The accelerator is opened once and closed before Solve returns, and every
// device buffer is released on every path. A device error is returned
// wrapped, so errors.Is(err, accel.ErrDeviceTransfer) and the like hold.
func Solve(op mat.Matrix, invDiag, rhs []float64, c Collaborators, s Settings) (res Result, err error) {
	stats := Stats{StartTime: time.Now()}

	if c.Transport == nil || c.Reducer == nil || c.Monitor == nil {
		panic("pcg: nil collaborator")
	}
	ntot, cols := op.Dims()
	if ntot != cols {
		panic(fmt.Sprintf("pcg: element operator is %d×%d", ntot, cols))
	}
	if ntot != c.Transport.Ntot() {
		panic(fmt.Sprintf("pcg: element operator has %d rows, transport expects %d", ntot, c.Transport.Ntot()))
	}
	neq := len(rhs)
	if len(invDiag) != neq {
		panic(fmt.Sprintf("pcg: preconditioner has %d entries, right-hand side %d", len(invDiag), neq))
	}
	if neq != c.Transport.NumOwned() {
		panic(fmt.Sprintf("pcg: right-hand side has %d entries, process owns %d equations", neq, c.Transport.NumOwned()))
	}
	if s.MaxIterations < 0 {
		panic("pcg: negative iteration limit")
	}
	defaultSettings(&s)
	if s.Tolerance <= 0 || 1 <= s.Tolerance {
		panic("pcg: invalid tolerance")
	}
	logger := s.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	nels := c.Transport.NumElements()

	defer func() {
		if err != nil {
			if a, ok := c.Reducer.(aborter); ok {
				a.Abort(err)
			}
		}
	}()

	// Initialization, host side: r = b, d = diag ⊙ r, p = d.
	x := make([]float64, neq)
	xNew := make([]float64, neq)
	r := make([]float64, neq)
	copy(r, rhs)
	p := make([]float64, neq)
	floats.MulTo(p, invDiag, r)
	u := make([]float64, neq)

	up0, err := c.Reducer.AllReduceSum(floats.Dot(r, p))
	if err != nil {
		return Result{X: x, State: Initializing, Stats: stats}, fmt.Errorf("pcg: initial reduction: %w", err)
	}
	stats.Reductions++
	stats.Residual = append(stats.Residual, up0)
	bb, err := c.Reducer.AllReduceSum(floats.Dot(rhs, rhs))
	if err != nil {
		return Result{X: x, State: Initializing, Stats: stats}, fmt.Errorf("pcg: initial reduction: %w", err)
	}
	stats.Reductions++

	acc, err := s.Backend.Open(accel.Config{Ntot: ntot, NelsPP: nels, NeqPP: neq})
	if err != nil {
		return Result{X: x, State: Initializing, Stats: stats},
			fmt.Errorf("pcg: open %s accelerator: %w", s.Backend.Name(), err)
	}
	defer func() {
		if cerr := acc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("pcg: close accelerator: %w", cerr)
		}
	}()
	bufs := &bufferSet{acc: acc}
	defer func() {
		if rerr := bufs.release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	state := Initializing
	iters := 0
	fail := func(stage string, e error) (Result, error) {
		stats.Runtime = time.Since(stats.StartTime)
		return Result{X: x, Iterations: iters, State: state, Stats: stats},
			fmt.Errorf("pcg: %s: %w", stage, e)
	}

	err = bufs.allocate(map[accel.Handle]int{
		bufKm:    ntot * ntot,
		bufPmul:  ntot * nels,
		bufUtemp: ntot * nels,
		bufP:     neq,
		bufU:     neq,
		bufR:     neq,
		bufD:     neq,
		bufDiag:  neq,
	})
	if err != nil {
		return fail("allocate", err)
	}
	if err = acc.UploadMatrix(bufKm, op); err != nil {
		return fail("upload operator", err)
	}
	if err = acc.UploadVector(bufR, r); err != nil {
		return fail("upload residual", err)
	}
	if err = acc.UploadVector(bufDiag, invDiag); err != nil {
		return fail("upload preconditioner", err)
	}

	// Element vector batches. gonum has no zero-column Dense, so a process
	// without elements keeps empty ones.
	pmul, utemp := &mat.Dense{}, &mat.Dense{}
	if nels > 0 {
		pmul = mat.NewDense(ntot, nels, nil)
		utemp = mat.NewDense(ntot, nels, nil)
	}

	state = Iterating
	for {
		if iters == s.MaxIterations {
			state = IterationLimitReached
			break
		}
		iters++

		// The device owns p after the first iteration.
		if iters > 1 {
			if err = acc.DownloadVector(bufP, p); err != nil {
				return fail("download direction", err)
			}
		}

		// u = K p
		if err = c.Transport.Gather(pmul, p); err != nil {
			return fail("gather", err)
		}
		if err = acc.UploadMatrix(bufPmul, pmul); err != nil {
			return fail("upload element batch", err)
		}
		if err = acc.BatchedMultiply(bufKm, bufPmul, bufUtemp, ntot, nels); err != nil {
			return fail("element multiply", err)
		}
		stats.MatVec++
		if err = acc.DownloadMatrix(bufUtemp, utemp); err != nil {
			return fail("download element batch", err)
		}
		if err = c.Transport.Scatter(u, utemp); err != nil {
			return fail("scatter", err)
		}
		if err = acc.UploadVector(bufP, p); err != nil {
			return fail("upload direction", err)
		}
		if err = acc.UploadVector(bufU, u); err != nil {
			return fail("upload product", err)
		}

		localDot, derr := acc.Dot(bufP, bufU)
		if derr != nil {
			return fail("dot", derr)
		}
		pu, rerr := c.Reducer.AllReduceSum(localDot)
		if rerr != nil {
			return fail("reduce p·u", rerr)
		}
		stats.Reductions++

		var alpha float64
		if up0 != 0 {
			if pu == 0 || !isFinite(pu) {
				err = fmt.Errorf("%w: p·u = %g at iteration %d", ErrNumericalBreakdown, pu, iters)
				return fail("step length", err)
			}
			alpha = up0 / pu
		}

		floats.AddScaledTo(xNew, x, alpha, p)

		if err = acc.Axpy(bufR, -alpha, bufU); err != nil {
			return fail("update residual", err)
		}
		if err = acc.ApplyDiagonal(bufD, bufDiag, bufR); err != nil {
			return fail("precondition", err)
		}
		localDot, derr = acc.Dot(bufR, bufD)
		if derr != nil {
			return fail("dot", derr)
		}
		up1, rerr := c.Reducer.AllReduceSum(localDot)
		if rerr != nil {
			return fail("reduce r·d", rerr)
		}
		stats.Reductions++
		stats.Residual = append(stats.Residual, up1)
		if !isFinite(up1) {
			err = fmt.Errorf("%w: r·d = %g at iteration %d", ErrNumericalBreakdown, up1, iters)
			return fail("residual", err)
		}

		var beta float64
		if up0 != 0 {
			beta = up1 / up0
		}
		up0 = up1

		if s.FusedUpdate {
			if err = acc.Xpby(bufP, beta, bufD); err != nil {
				return fail("update direction", err)
			}
		} else {
			if err = acc.Scale(bufP, beta); err != nil {
				return fail("update direction", err)
			}
			if err = acc.Axpy(bufP, 1, bufD); err != nil {
				return fail("update direction", err)
			}
		}

		converged, merr := c.Monitor.Converged(xNew, s.Tolerance, x)
		if merr != nil {
			return fail("convergence check", merr)
		}
		x, xNew = xNew, x

		// A settled solution is accepted only once ||r|| <= tol*||b||.
		if converged {
			localDot, derr = acc.Dot(bufR, bufR)
			if derr != nil {
				return fail("dot", derr)
			}
			rr, rerr := c.Reducer.AllReduceSum(localDot)
			if rerr != nil {
				return fail("reduce r·r", rerr)
			}
			stats.Reductions++
			stats.ResidualChecks++
			converged = rr <= s.Tolerance*s.Tolerance*bb
		}

		if s.Verbose {
			logger.Printf("pcg: iteration %d: alpha=%.6e beta=%.6e r·d=%.6e", iters, alpha, beta, up1)
		}
		if converged {
			state = Converged
			break
		}
	}

	if err = acc.Synchronize(); err != nil {
		return fail("synchronize", err)
	}
	stats.Runtime = time.Since(stats.StartTime)
	logger.Printf("pcg: %s after %d iterations on %s (%d elements, %d equations), %v",
		state, iters, s.Backend.Name(), nels, neq, stats.Runtime)
	return Result{X: x, Iterations: iters, State: state, Stats: stats}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
