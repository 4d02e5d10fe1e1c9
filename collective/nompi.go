//go:build !mpi

package collective

// Start is a no-op without the mpi build tag.
func Start() {}

// Stop is a no-op without the mpi build tag.
func Stop() {}

// World returns Serial; build with -tags mpi to span an MPI job.
func World() Communicator {
	return Serial{}
}
