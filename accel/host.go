package accel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// HostBackend opens a CPU-resident accelerator. It satisfies the accelerator
// contract with host memory and gonum BLAS, for tests and for machines with no
// device.
type HostBackend struct {
	// MemoryLimit caps the bytes that can be allocated at once.
	// Zero means unlimited.
	MemoryLimit int64
}

func (b HostBackend) Name() string {
	return "host"
}

func (b HostBackend) Open(cfg Config) (Accelerator, error) {
	if cfg.Ntot < 0 || cfg.NelsPP < 0 || cfg.NeqPP < 0 {
		return nil, Errorf(ErrDeviceInitialization, "open", "",
			"negative size in %+v", cfg)
	}
	return &HostAccelerator{
		limit:   b.MemoryLimit,
		buffers: make(map[Handle][]float64),
	}, nil
}

// HostAccelerator is the context returned by HostBackend.Open.
type HostAccelerator struct {
	limit   int64
	used    int64
	closed  bool
	buffers map[Handle][]float64
}

// Allocated returns the number of live buffers.
func (h *HostAccelerator) Allocated() int {
	return len(h.buffers)
}

// Closed reports whether Close has been called.
func (h *HostAccelerator) Closed() bool {
	return h.closed
}

func (h *HostAccelerator) Allocate(name Handle, sizeBytes int64) error {
	if h.closed {
		return Errorf(ErrDeviceAllocation, "allocate", name, "context closed")
	}
	if sizeBytes < 0 || sizeBytes%8 != 0 {
		return Errorf(ErrDeviceAllocation, "allocate", name,
			"size %d is not a whole number of float64 values", sizeBytes)
	}
	if _, exists := h.buffers[name]; exists {
		return Errorf(ErrDeviceAllocation, "allocate", name, "already allocated")
	}
	if h.limit > 0 && h.used+sizeBytes > h.limit {
		return Errorf(ErrDeviceAllocation, "allocate", name,
			"%d bytes requested, %d of %d in use", sizeBytes, h.used, h.limit)
	}
	h.buffers[name] = make([]float64, sizeBytes/8)
	h.used += sizeBytes
	return nil
}

func (h *HostAccelerator) Free(name Handle) error {
	buf, exists := h.buffers[name]
	if !exists {
		return Errorf(ErrDeviceAllocation, "free", name, "not allocated")
	}
	h.used -= Float64Bytes(len(buf))
	delete(h.buffers, name)
	return nil
}

func (h *HostAccelerator) buffer(op string, name Handle, n int) ([]float64, error) {
	buf, exists := h.buffers[name]
	if !exists {
		return nil, Errorf(ErrDeviceTransfer, op, name, "not allocated")
	}
	if n >= 0 && len(buf) != n {
		return nil, Errorf(ErrDeviceTransfer, op, name,
			"buffer holds %d values, host side has %d", len(buf), n)
	}
	return buf, nil
}

func (h *HostAccelerator) UploadMatrix(name Handle, m mat.Matrix) error {
	rows, cols := m.Dims()
	buf, err := h.buffer("upload matrix", name, rows*cols)
	if err != nil {
		return err
	}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			buf[j*rows+i] = m.At(i, j)
		}
	}
	return nil
}

func (h *HostAccelerator) UploadVector(name Handle, v []float64) error {
	buf, err := h.buffer("upload vector", name, len(v))
	if err != nil {
		return err
	}
	copy(buf, v)
	return nil
}

func (h *HostAccelerator) DownloadMatrix(name Handle, m *mat.Dense) error {
	rows, cols := m.Dims()
	buf, err := h.buffer("download matrix", name, rows*cols)
	if err != nil {
		return err
	}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			m.Set(i, j, buf[j*rows+i])
		}
	}
	return nil
}

func (h *HostAccelerator) DownloadVector(name Handle, v []float64) error {
	buf, err := h.buffer("download vector", name, len(v))
	if err != nil {
		return err
	}
	copy(v, buf)
	return nil
}

// BatchedMultiply runs as a single Gemm. The column-major device buffers read
// as row-major are the transposes, so OUTᵀ = INᵀ · OPᵀ.
func (h *HostAccelerator) BatchedMultiply(op, in, out Handle, ntot, nels int) error {
	opBuf, err := h.kernelOperand("batched multiply", op, ntot*ntot)
	if err != nil {
		return err
	}
	inBuf, err := h.kernelOperand("batched multiply", in, ntot*nels)
	if err != nil {
		return err
	}
	outBuf, err := h.kernelOperand("batched multiply", out, ntot*nels)
	if err != nil {
		return err
	}
	if ntot == 0 || nels == 0 {
		return nil
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: nels, Cols: ntot, Stride: ntot, Data: inBuf},
		blas64.General{Rows: ntot, Cols: ntot, Stride: ntot, Data: opBuf},
		0,
		blas64.General{Rows: nels, Cols: ntot, Stride: ntot, Data: outBuf})
	return nil
}

func (h *HostAccelerator) kernelOperand(op string, name Handle, n int) ([]float64, error) {
	buf, exists := h.buffers[name]
	if !exists {
		return nil, Errorf(ErrKernelLaunch, op, name, "not allocated")
	}
	if n >= 0 && len(buf) != n {
		return nil, Errorf(ErrKernelLaunch, op, name,
			"buffer holds %d values, kernel expects %d", len(buf), n)
	}
	return buf, nil
}

func (h *HostAccelerator) pair(op string, a, b Handle) ([]float64, []float64, error) {
	x, err := h.kernelOperand(op, a, -1)
	if err != nil {
		return nil, nil, err
	}
	y, err := h.kernelOperand(op, b, len(x))
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

func vec(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Data: data, Inc: 1}
}

func (h *HostAccelerator) Scale(x Handle, alpha float64) error {
	buf, err := h.kernelOperand("scale", x, -1)
	if err != nil {
		return err
	}
	blas64.Scal(alpha, vec(buf))
	return nil
}

func (h *HostAccelerator) Axpy(y Handle, alpha float64, x Handle) error {
	yBuf, xBuf, err := h.pair("axpy", y, x)
	if err != nil {
		return err
	}
	blas64.Axpy(alpha, vec(xBuf), vec(yBuf))
	return nil
}

func (h *HostAccelerator) Xpby(y Handle, beta float64, x Handle) error {
	yBuf, xBuf, err := h.pair("xpby", y, x)
	if err != nil {
		return err
	}
	for i, v := range xBuf {
		yBuf[i] = v + beta*yBuf[i]
	}
	return nil
}

func (h *HostAccelerator) Dot(x, y Handle) (float64, error) {
	xBuf, yBuf, err := h.pair("dot", x, y)
	if err != nil {
		return 0, err
	}
	return blas64.Dot(vec(xBuf), vec(yBuf)), nil
}

func (h *HostAccelerator) ApplyDiagonal(out, diag, in Handle) error {
	inBuf, diagBuf, err := h.pair("apply diagonal", in, diag)
	if err != nil {
		return err
	}
	outBuf, err := h.kernelOperand("apply diagonal", out, len(inBuf))
	if err != nil {
		return err
	}
	for i, v := range inBuf {
		outBuf[i] = diagBuf[i] * v
	}
	return nil
}

func (h *HostAccelerator) Synchronize() error {
	return nil
}

func (h *HostAccelerator) Close() error {
	for name := range h.buffers {
		delete(h.buffers, name)
	}
	h.used = 0
	h.closed = true
	return nil
}
