// Package runner runs the element-by-element PCG kernels on an OCCA device.
// A Runner is an accel.Accelerator: buffers live in its PooledMemory, kernels
// are generated by runner/builder and compiled once when the runner is
// opened.
package runner

import (
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/PCGKernel/accel"
	"github.com/notargets/PCGKernel/runner/builder"
	"github.com/notargets/PCGKernel/utils"
)

// maxBlockElements bounds the elements of one @outer block, each of which
// gets an @inner thread.
const maxBlockElements = 1 << 20

// Pooled memory used by the runner itself
const (
	memK       = "K"
	memPartial = "dot_partial"
)

// Backend opens Runners on an OCCA device.
type Backend struct {
	// Props is the OCCA device specification, e.g. {"mode": "CUDA",
	// "device_id": 0}. Empty tries OpenMP, CUDA and Serial in turn.
	Props string
}

func (b Backend) Name() string {
	if b.Props == "" {
		return "occa"
	}
	return "occa " + b.Props
}

// Open creates the device, a Runner sized for cfg and its kernels. The
// device is freed when the Runner is closed.
func (b Backend) Open(cfg accel.Config) (accel.Accelerator, error) {
	var props []string
	if b.Props != "" {
		props = append(props, b.Props)
	}
	device, err := utils.CreateDevice(props...)
	if err != nil {
		return nil, accel.Errorf(accel.ErrDeviceInitialization, "open", "", "%v", err)
	}

	kr := NewRunner(device, builder.Config{
		K:    builder.SplitBlocks(cfg.NelsPP, builder.BlockSize),
		Ntot: max(cfg.Ntot, 1),
	})
	kr.ownsDevice = true
	if err := kr.BuildKernels(); err != nil {
		kr.freeAll()
		return nil, err
	}
	return kr, nil
}

var _ accel.Accelerator = (*Runner)(nil)

// Runner owns the device buffers and compiled kernels of one solve
type Runner struct {
	*builder.Builder
	Device       *gocca.OCCADevice
	Kernels      map[string]*gocca.OCCAKernel
	PooledMemory map[string]*gocca.OCCAMemory

	sizes      map[accel.Handle]int64 // logical bytes of each caller buffer
	partial    []float64
	ownsDevice bool
	closed     bool
}

// NewRunner creates a new Runner instance
func NewRunner(device *gocca.OCCADevice, Config builder.Config) (kr *Runner) {
	bld := builder.NewBuilder(Config)

	if bld.FloatType != builder.Float64 {
		panic("runner supports double precision only")
	}
	if bld.KpartMax > maxBlockElements {
		panic(fmt.Sprintf("runner: block of %d elements exceeds %d; split the batch with builder.SplitBlocks",
			bld.KpartMax, maxBlockElements))
	}

	kr = &Runner{
		Builder:      bld,
		Device:       device,
		Kernels:      make(map[string]*gocca.OCCAKernel),
		PooledMemory: make(map[string]*gocca.OCCAMemory),
		sizes:        make(map[accel.Handle]int64),
		partial:      make([]float64, builder.DotBlocks),
	}

	// Allocate K array on Device
	if bld.GetIntSize() == 4 {
		k32 := make([]int32, len(bld.K))
		for i, v := range bld.K {
			k32[i] = int32(v)
		}
		kr.PooledMemory[memK] = device.Malloc(int64(len(k32)*4), unsafe.Pointer(&k32[0]), nil)
	} else {
		k64 := make([]int64, len(bld.K))
		for i, v := range bld.K {
			k64[i] = int64(v)
		}
		kr.PooledMemory[memK] = device.Malloc(int64(len(k64)*8), unsafe.Pointer(&k64[0]), nil)
	}
	kr.PooledMemory[memPartial] = device.Malloc(int64(builder.DotBlocks*8), nil, nil)
	return
}

// BuildKernels compiles every generated kernel
func (kr *Runner) BuildKernels() error {
	for name, source := range kr.KernelSources() {
		if _, err := kr.BuildKernel(source, name); err != nil {
			return accel.Errorf(accel.ErrKernelLaunch, "build", accel.Handle(name), "%v", err)
		}
	}
	return nil
}

// BuildKernel compiles a complete kernel source and registers it by name
func (kr *Runner) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	var kernel *gocca.OCCAKernel
	var err error

	if kr.Device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, props)
	} else {
		kernel, err = kr.Device.BuildKernelFromString(kernelSource, kernelName, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}
	kr.Kernels[kernelName] = kernel
	return kernel, nil
}

func (kr *Runner) Synchronize() error {
	if kr.closed {
		return accel.Errorf(accel.ErrKernelSynchronization, "synchronize", "", "runner closed")
	}
	kr.Device.Finish()
	return nil
}

// Close releases every buffer, the kernels and, when the runner created it,
// the device. Closing twice is a no-op.
func (kr *Runner) Close() error {
	kr.freeAll()
	return nil
}

// freeAll releases all resources
func (kr *Runner) freeAll() {
	if kr.closed {
		return
	}
	for _, kernel := range kr.Kernels {
		kernel.Free()
	}
	for _, mem := range kr.PooledMemory {
		mem.Free()
	}
	kr.Kernels = make(map[string]*gocca.OCCAKernel)
	kr.PooledMemory = make(map[string]*gocca.OCCAMemory)
	kr.sizes = make(map[accel.Handle]int64)
	if kr.ownsDevice {
		kr.Device.Free()
	}
	kr.closed = true
}
