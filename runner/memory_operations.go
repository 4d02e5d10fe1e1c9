package runner

import (
	"unsafe"

	"github.com/notargets/gocca"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/accel"
)

// Allocate reserves a device buffer. Zero-length buffers get a one-value
// placeholder so every handle is backed by real device memory.
func (kr *Runner) Allocate(h accel.Handle, sizeBytes int64) error {
	if kr.closed {
		return accel.Errorf(accel.ErrDeviceAllocation, "allocate", h, "runner closed")
	}
	if sizeBytes < 0 || sizeBytes%8 != 0 {
		return accel.Errorf(accel.ErrDeviceAllocation, "allocate", h,
			"size %d is not a whole number of float64 values", sizeBytes)
	}
	if _, exists := kr.PooledMemory[string(h)]; exists {
		return accel.Errorf(accel.ErrDeviceAllocation, "allocate", h, "already allocated")
	}
	mem := kr.Device.Malloc(max(sizeBytes, 8), nil, nil)
	if mem == nil {
		return accel.Errorf(accel.ErrDeviceAllocation, "allocate", h,
			"device refused %d bytes", sizeBytes)
	}
	kr.PooledMemory[string(h)] = mem
	kr.sizes[h] = sizeBytes
	return nil
}

func (kr *Runner) Free(h accel.Handle) error {
	mem, err := kr.lookup(accel.ErrDeviceAllocation, "free", h)
	if err != nil {
		return err
	}
	mem.Free()
	delete(kr.PooledMemory, string(h))
	delete(kr.sizes, h)
	return nil
}

// lookup returns the memory of a caller buffer; internal pool entries are
// not reachable through a Handle.
func (kr *Runner) lookup(kind error, op string, h accel.Handle) (*gocca.OCCAMemory, error) {
	if kr.closed {
		return nil, accel.Errorf(kind, op, h, "runner closed")
	}
	if _, exists := kr.sizes[h]; !exists {
		return nil, accel.Errorf(kind, op, h, "not allocated")
	}
	return kr.PooledMemory[string(h)], nil
}

// transferTarget checks that h holds exactly n float64 values.
func (kr *Runner) transferTarget(op string, h accel.Handle, n int) (*gocca.OCCAMemory, error) {
	mem, err := kr.lookup(accel.ErrDeviceTransfer, op, h)
	if err != nil {
		return nil, err
	}
	if kr.sizes[h] != accel.Float64Bytes(n) {
		return nil, accel.Errorf(accel.ErrDeviceTransfer, op, h,
			"buffer holds %d values, host side has %d", kr.sizes[h]/8, n)
	}
	return mem, nil
}

// UploadMatrix copies m transposed, so the device holds it column-major
func (kr *Runner) UploadMatrix(h accel.Handle, m mat.Matrix) error {
	rows, cols := m.Dims()
	mem, err := kr.transferTarget("upload matrix", h, rows*cols)
	if err != nil {
		return err
	}
	if rows*cols == 0 {
		return nil
	}
	transposed := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			transposed[j*rows+i] = m.At(i, j)
		}
	}
	mem.CopyFrom(unsafe.Pointer(&transposed[0]), int64(len(transposed)*8))
	return nil
}

func (kr *Runner) UploadVector(h accel.Handle, v []float64) error {
	mem, err := kr.transferTarget("upload vector", h, len(v))
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return nil
	}
	mem.CopyFrom(unsafe.Pointer(&v[0]), int64(len(v)*8))
	return nil
}

// DownloadMatrix copies the column-major device data of h into m
func (kr *Runner) DownloadMatrix(h accel.Handle, m *mat.Dense) error {
	rows, cols := m.Dims()
	mem, err := kr.transferTarget("download matrix", h, rows*cols)
	if err != nil {
		return err
	}
	if rows*cols == 0 {
		return nil
	}
	kr.Device.Finish()
	colMajor := make([]float64, rows*cols)
	mem.CopyTo(unsafe.Pointer(&colMajor[0]), int64(len(colMajor)*8))
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			m.Set(i, j, colMajor[j*rows+i])
		}
	}
	return nil
}

func (kr *Runner) DownloadVector(h accel.Handle, v []float64) error {
	mem, err := kr.transferTarget("download vector", h, len(v))
	if err != nil {
		return err
	}
	if len(v) == 0 {
		return nil
	}
	kr.Device.Finish()
	mem.CopyTo(unsafe.Pointer(&v[0]), int64(len(v)*8))
	return nil
}
