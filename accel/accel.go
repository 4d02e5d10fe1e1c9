// Package accel defines the accelerator contract used by the PCG solver: device
// buffer management, host↔device transfers and the batched element
// matrix-vector engine with its vector primitives.
//
// All values are float64. Buffers are named by Handle, the same way the OCCA
// runner keys its pooled device memory.
package accel

import (
	"gonum.org/v1/gonum/mat"
)

// Handle names a device-resident buffer.
type Handle string

// Config sizes an accelerator for one solve.
type Config struct {
	// Ntot is the number of degrees of freedom per element.
	Ntot int
	// NelsPP is the number of elements owned by this process.
	NelsPP int
	// NeqPP is the number of equations owned by this process.
	NeqPP int
}

// Backend opens accelerator contexts. Open is the only place a context is
// initialized; Accelerator.Close is the only place it is torn down.
type Backend interface {
	Name() string
	Open(cfg Config) (Accelerator, error)
}

// Accelerator is an open accelerator context.
//
// Kernel primitives may run asynchronously with respect to the host, except
// BatchedMultiply, Dot and the Download methods which return only after the
// device has finished the work their result depends on.
type Accelerator interface {
	// Allocate reserves sizeBytes of device memory under h.
	Allocate(h Handle, sizeBytes int64) error
	// Free releases the buffer h.
	Free(h Handle) error

	// UploadMatrix copies m to h in column-major order, so column j of m is
	// contiguous on the device.
	UploadMatrix(h Handle, m mat.Matrix) error
	// UploadVector copies v to h.
	UploadVector(h Handle, v []float64) error
	// DownloadMatrix fills m (column-major on the device) from h.
	DownloadMatrix(h Handle, m *mat.Dense) error
	// DownloadVector fills v from h.
	DownloadVector(h Handle, v []float64) error

	// BatchedMultiply computes out[:,e] = op * in[:,e] for every element
	// e in [0, nels), with op an ntot×ntot matrix shared by all elements.
	BatchedMultiply(op, in, out Handle, ntot, nels int) error
	// Scale computes x = alpha*x.
	Scale(x Handle, alpha float64) error
	// Axpy computes y = y + alpha*x.
	Axpy(y Handle, alpha float64, x Handle) error
	// Xpby computes y = x + beta*y.
	Xpby(y Handle, beta float64, x Handle) error
	// Dot returns the local inner product of x and y.
	Dot(x, y Handle) (float64, error)
	// ApplyDiagonal computes out = diag ⊙ in.
	ApplyDiagonal(out, diag, in Handle) error

	// Synchronize blocks until all issued work has completed.
	Synchronize() error
	// Close releases every buffer still allocated and then the context.
	Close() error
}

// Float64Bytes returns the size in bytes of n float64 values.
func Float64Bytes(n int) int64 {
	return int64(n) * 8
}
