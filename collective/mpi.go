//go:build mpi

package collective

import (
	"github.com/cpmech/gosl/mpi"
)

// MPI is a communicator over MPI_COMM_WORLD. Start must have been called.
type MPI struct {
	comm *mpi.Communicator
}

// Start initializes MPI for the process.
func Start() {
	mpi.Start()
}

// Stop finalizes MPI for the process.
func Stop() {
	mpi.Stop()
}

// World returns the communicator spanning every process of the MPI job, or
// Serial when MPI has not been started.
func World() Communicator {
	if !mpi.IsOn() {
		return Serial{}
	}
	return &MPI{comm: mpi.NewCommunicator(nil)}
}

func (m *MPI) Rank() int { return m.comm.Rank() }
func (m *MPI) Size() int { return m.comm.Size() }

func (m *MPI) AllReduceSum(v float64) (float64, error) {
	dest := []float64{0}
	m.comm.AllReduceSum(dest, []float64{v})
	return dest[0], nil
}

// AllReduceSumVec relies on the MPI_ERRORS_ARE_FATAL handler: a failed
// reduction terminates the job rather than returning.
func (m *MPI) AllReduceSumVec(dst, src []float64) error {
	if len(dst) != len(src) {
		return ErrMismatchedReduction
	}
	orig := make([]float64, len(src))
	copy(orig, src)
	m.comm.AllReduceSum(dst, orig)
	return nil
}

func (m *MPI) AllReduceMax(v float64) (float64, error) {
	dest := []float64{0}
	m.comm.AllReduceMax(dest, []float64{v})
	return dest[0], nil
}
