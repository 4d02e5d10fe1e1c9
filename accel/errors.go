package accel

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceInitialization is returned when the accelerator context cannot be created.
	ErrDeviceInitialization = errors.New("accel: device initialization failed")

	// ErrDeviceAllocation is returned when a device buffer cannot be allocated.
	ErrDeviceAllocation = errors.New("accel: device allocation failed")

	// ErrDeviceTransfer is returned when a host↔device copy fails in either direction.
	ErrDeviceTransfer = errors.New("accel: device transfer failed")

	// ErrKernelLaunch is returned when a kernel cannot be built or started.
	ErrKernelLaunch = errors.New("accel: kernel launch failed")

	// ErrKernelSynchronization is returned when waiting on the device fails.
	ErrKernelSynchronization = errors.New("accel: kernel synchronization failed")
)

// DeviceError carries the operation and buffer that failed along with one of
// the sentinel errors above.
type DeviceError struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Errorf builds a DeviceError wrapping kind, with a formatted detail message.
func Errorf(kind error, op string, h Handle, format string, args ...interface{}) error {
	return &DeviceError{
		Op:     op,
		Handle: h,
		Err:    fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)),
	}
}
