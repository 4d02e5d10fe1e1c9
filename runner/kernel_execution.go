package runner

import (
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/PCGKernel/accel"
	"github.com/notargets/PCGKernel/runner/builder"
)

// launch runs a compiled kernel and waits for the device to finish
func (kr *Runner) launch(name string, args ...interface{}) error {
	kernel, exists := kr.Kernels[name]
	if !exists {
		return accel.Errorf(accel.ErrKernelLaunch, name, "", "kernel not compiled")
	}
	if err := kernel.RunWithArgs(args...); err != nil {
		return accel.Errorf(accel.ErrKernelLaunch, name, "", "%v", err)
	}
	kr.Device.Finish()
	return nil
}

// operand returns the memory of h, which must hold n values when n >= 0
func (kr *Runner) operand(op string, h accel.Handle, n int) (*gocca.OCCAMemory, int, error) {
	mem, err := kr.lookup(accel.ErrKernelLaunch, op, h)
	if err != nil {
		return nil, 0, err
	}
	values := int(kr.sizes[h] / 8)
	if n >= 0 && values != n {
		return nil, 0, accel.Errorf(accel.ErrKernelLaunch, op, h,
			"buffer holds %d values, kernel expects %d", values, n)
	}
	return mem, values, nil
}

// BatchedMultiply runs batchedMatmul over the element blocks the runner was
// built for; ntot and nels must match that layout.
func (kr *Runner) BatchedMultiply(op, in, out accel.Handle, ntot, nels int) error {
	if ntot != kr.Ntot || nels != kr.GetTotalElements() {
		return accel.Errorf(accel.ErrKernelLaunch, builder.BatchedMatmul, in,
			"batch %dx%d, runner built for %dx%d", ntot, nels, kr.Ntot, kr.GetTotalElements())
	}
	opMem, _, err := kr.operand(builder.BatchedMatmul, op, ntot*ntot)
	if err != nil {
		return err
	}
	inMem, _, err := kr.operand(builder.BatchedMatmul, in, ntot*nels)
	if err != nil {
		return err
	}
	outMem, _, err := kr.operand(builder.BatchedMatmul, out, ntot*nels)
	if err != nil {
		return err
	}
	if nels == 0 {
		return nil
	}
	return kr.launch(builder.BatchedMatmul, kr.PooledMemory[memK], opMem, inMem, outMem)
}

func (kr *Runner) Scale(x accel.Handle, alpha float64) error {
	xMem, n, err := kr.operand(builder.ScaleVector, x, -1)
	if err != nil || n == 0 {
		return err
	}
	return kr.launch(builder.ScaleVector, n, alpha, xMem)
}

// pair returns the memories of a and b, which must be the same length
func (kr *Runner) pair(op string, a, b accel.Handle) (*gocca.OCCAMemory, *gocca.OCCAMemory, int, error) {
	aMem, n, err := kr.operand(op, a, -1)
	if err != nil {
		return nil, nil, 0, err
	}
	bMem, _, err := kr.operand(op, b, n)
	if err != nil {
		return nil, nil, 0, err
	}
	return aMem, bMem, n, nil
}

func (kr *Runner) Axpy(y accel.Handle, alpha float64, x accel.Handle) error {
	yMem, xMem, n, err := kr.pair(builder.AxpyVector, y, x)
	if err != nil || n == 0 {
		return err
	}
	return kr.launch(builder.AxpyVector, n, alpha, xMem, yMem)
}

func (kr *Runner) Xpby(y accel.Handle, beta float64, x accel.Handle) error {
	yMem, xMem, n, err := kr.pair(builder.XpbyVector, y, x)
	if err != nil || n == 0 {
		return err
	}
	return kr.launch(builder.XpbyVector, n, beta, xMem, yMem)
}

func (kr *Runner) ApplyDiagonal(out, diag, in accel.Handle) error {
	inMem, diagMem, n, err := kr.pair(builder.DiagonalApply, in, diag)
	if err != nil {
		return err
	}
	outMem, _, err := kr.operand(builder.DiagonalApply, out, n)
	if err != nil || n == 0 {
		return err
	}
	return kr.launch(builder.DiagonalApply, n, diagMem, inMem, outMem)
}

// Dot sums the DotBlocks partials on the host in block order
func (kr *Runner) Dot(x, y accel.Handle) (float64, error) {
	xMem, yMem, n, err := kr.pair(builder.DotPartial, x, y)
	if err != nil || n == 0 {
		return 0, err
	}
	partialMem := kr.PooledMemory[memPartial]
	if err := kr.launch(builder.DotPartial, n, xMem, yMem, partialMem); err != nil {
		return 0, err
	}
	partialMem.CopyTo(unsafe.Pointer(&kr.partial[0]), int64(len(kr.partial)*8))
	var sum float64
	for _, v := range kr.partial {
		sum += v
	}
	return sum, nil
}
