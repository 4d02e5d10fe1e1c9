package utils

import (
	"errors"
	"fmt"

	"github.com/notargets/gocca"
)

// DefaultDeviceModes are tried in order when no device is specified
var DefaultDeviceModes = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice creates the first OCCA device that can be opened from props,
// or from DefaultDeviceModes when props is empty
func CreateDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DefaultDeviceModes
	}
	var errs []error
	for _, p := range props {
		device, err := gocca.NewDevice(p)
		if err == nil {
			return device, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, fmt.Errorf("no OCCA device could be created: %w", errors.Join(errs...))
}

// CreateTestDevice creates a Device for testing, preferring parallel backends
func CreateTestDevice() *gocca.OCCADevice {
	device, err := CreateDevice()
	if err != nil {
		panic(err)
	}
	fmt.Printf("Created %s Device\n", device.Mode())
	return device
}
