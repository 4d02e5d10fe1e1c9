package pcg

import (
	"errors"
	"fmt"

	"github.com/notargets/PCGKernel/accel"
)

// Device buffers owned by one solve.
const (
	bufKm    accel.Handle = "km"    // element operator, ntot × ntot
	bufPmul  accel.Handle = "pmul"  // gathered search direction, ntot × nels
	bufUtemp accel.Handle = "utemp" // element products, ntot × nels
	bufP     accel.Handle = "p"
	bufU     accel.Handle = "u"
	bufR     accel.Handle = "r"
	bufD     accel.Handle = "d"
	bufDiag  accel.Handle = "diag"
)

// bufferSet records what has been allocated so every exit path can give it
// back.
type bufferSet struct {
	acc  accel.Accelerator
	held []accel.Handle
}

func (b *bufferSet) allocate(sizes map[accel.Handle]int) error {
	for _, h := range []accel.Handle{bufKm, bufPmul, bufUtemp, bufP, bufU, bufR, bufD, bufDiag} {
		if err := b.acc.Allocate(h, accel.Float64Bytes(sizes[h])); err != nil {
			return err
		}
		b.held = append(b.held, h)
	}
	return nil
}

// release frees every held buffer in reverse order of allocation. All are
// attempted; the errors are joined.
func (b *bufferSet) release() error {
	var errs []error
	for i := len(b.held) - 1; i >= 0; i-- {
		if err := b.acc.Free(b.held[i]); err != nil {
			errs = append(errs, fmt.Errorf("pcg: release %s: %w", b.held[i], err))
		}
	}
	b.held = nil
	return errors.Join(errs...)
}
