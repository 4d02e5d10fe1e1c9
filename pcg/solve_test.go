package pcg

import (
	"bytes"
	"log"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/accel"
	"github.com/notargets/PCGKernel/collective"
	"github.com/notargets/PCGKernel/convergence"
	"github.com/notargets/PCGKernel/mesh"
	"github.com/notargets/PCGKernel/partitions"
)

func serialCollaborators(t *testing.T, m *mesh.Mesh) (Collaborators, []float64) {
	t.Helper()
	comm := collective.Serial{}
	tr, err := partitions.NewTransport(comm, partitions.SplitEquations(m.NumEquations, 1), m.Steering, m.Ntot)
	require.NoError(t, err)
	inv, err := tr.InverseDiagonal(m.Operator)
	require.NoError(t, err)
	return Collaborators{
		Transport: tr,
		Reducer:   comm,
		Monitor:   convergence.SolutionChange{Comm: comm},
	}, inv
}

func relativeResidual(m *mesh.Mesh, x, b []float64) float64 {
	k := m.AssembleDense()
	var ax mat.VecDense
	ax.MulVec(k, mat.NewVecDense(len(x), x))
	res := make([]float64, len(b))
	floats.SubTo(res, ax.RawVector().Data, b)
	return floats.Norm(res, 2) / floats.Norm(b, 2)
}

func TestSolve_ResidualWithinTolerance(t *testing.T) {
	tests := []struct {
		name string
		mesh *mesh.Mesh
	}{
		{"bar on foundation", mesh.Bar(6, mesh.Spring(1, 1), true, false)},
		{"cantilever bar", mesh.Bar(10, mesh.Spring(2, 0), true, false)},
		{"square grid", mesh.Grid(4, 4, mesh.LaplaceQuad())},
		{"rectangular grid", mesh.Grid(5, 3, mesh.LaplaceQuad())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, inv := serialCollaborators(t, tt.mesh)
			b := tt.mesh.UniformLoad(1)
			tol := 1e-8

			res, err := Solve(tt.mesh.Operator, inv, b, c, Settings{MaxIterations: 100, Tolerance: tol})
			require.NoError(t, err)
			require.Equal(t, Converged, res.State)
			assert.LessOrEqual(t, res.Iterations, 100)
			assert.LessOrEqual(t, relativeResidual(tt.mesh, res.X, b), tol)
			assert.Equal(t, res.Iterations, res.Stats.MatVec)
			assert.Positive(t, res.Stats.ResidualChecks)
			assert.Equal(t, 2+2*res.Iterations+res.Stats.ResidualChecks, res.Stats.Reductions)
			assert.Len(t, res.Stats.Residual, res.Iterations+1)
		})
	}
}

// A long cantilever settles slowly: the solution change drops below a loose
// tolerance well before the residual does.
func TestSolve_SlowlySettlingBarMeetsResidualTolerance(t *testing.T) {
	for _, nels := range []int{200, 400} {
		m := mesh.Bar(nels, mesh.Spring(1, 0), true, false)
		c, inv := serialCollaborators(t, m)
		b := m.UniformLoad(1)
		tol := 1e-4

		res, err := Solve(m.Operator, inv, b, c, Settings{MaxIterations: 5000, Tolerance: tol})
		require.NoError(t, err)
		require.Equal(t, Converged, res.State, "nels=%d", nels)
		assert.LessOrEqual(t, relativeResidual(m, res.X, b), tol, "nels=%d", nels)
	}
}

// A monitor that always reports a settled solution cannot end the solve
// before the residual is small.
type settledMonitor struct{}

func (settledMonitor) Converged([]float64, float64, []float64) (bool, error) { return true, nil }

func TestSolve_ResidualGatesMonitor(t *testing.T) {
	m := mesh.Grid(6, 6, mesh.LaplaceQuad())
	c, inv := serialCollaborators(t, m)
	c.Monitor = settledMonitor{}
	b := m.UniformLoad(1)
	tol := 1e-6

	res, err := Solve(m.Operator, inv, b, c, Settings{MaxIterations: 200, Tolerance: tol})
	require.NoError(t, err)
	require.Equal(t, Converged, res.State)
	assert.Greater(t, res.Iterations, 1)
	assert.Equal(t, res.Iterations, res.Stats.ResidualChecks)
	assert.LessOrEqual(t, relativeResidual(m, res.X, b), tol)
}

func TestSolve_Idempotent(t *testing.T) {
	m := mesh.Grid(5, 4, mesh.LaplaceQuad())
	b := m.UniformLoad(2)

	c1, inv1 := serialCollaborators(t, m)
	first, err := Solve(m.Operator, inv1, b, c1, Settings{MaxIterations: 50})
	require.NoError(t, err)

	c2, inv2 := serialCollaborators(t, m)
	second, err := Solve(m.Operator, inv2, b, c2, Settings{MaxIterations: 50})
	require.NoError(t, err)

	assert.Equal(t, first.Iterations, second.Iterations)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.X, second.X)
}

func TestSolve_PreconditionedResidualNonIncreasing(t *testing.T) {
	ke := mat.NewDense(2, 2, []float64{20, 1, 1, 20})
	m := mesh.Bar(6, ke, true, false)
	c, inv := serialCollaborators(t, m)

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{MaxIterations: 20})
	require.NoError(t, err)
	require.Equal(t, Converged, res.State)

	up := res.Stats.Residual
	require.Greater(t, len(up), 2)
	slack := 1e-12 * up[0]
	for k := 1; k < len(up); k++ {
		assert.LessOrEqual(t, up[k], up[k-1]+slack, "r·d grew at iteration %d", k)
	}
}

func TestSolve_ZeroIterationLimit(t *testing.T) {
	m := mesh.Bar(4, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{MaxIterations: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, IterationLimitReached, res.State)
	assert.Equal(t, make([]float64, m.NumEquations), res.X)
	assert.Equal(t, 0, res.Stats.MatVec)
}

func TestSolve_ZeroRightHandSide(t *testing.T) {
	m := mesh.Grid(3, 3, mesh.LaplaceQuad())
	c, inv := serialCollaborators(t, m)

	res, err := Solve(m.Operator, inv, make([]float64, m.NumEquations), c, Settings{MaxIterations: 10})
	require.NoError(t, err)
	assert.Equal(t, Converged, res.State)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, make([]float64, m.NumEquations), res.X)
}

// A single 2x2 element: CG terminates in at most two steps.
func TestSolve_TwoByTwoClosedForm(t *testing.T) {
	op := mat.NewDense(2, 2, []float64{4, 1, 1, 3})
	comm := collective.Serial{}
	tr, err := partitions.NewTransport(comm, partitions.SplitEquations(2, 1), [][]int{{0, 1}}, 2)
	require.NoError(t, err)
	inv, err := tr.InverseDiagonal(op)
	require.NoError(t, err)
	c := Collaborators{Transport: tr, Reducer: comm, Monitor: convergence.SolutionChange{Comm: comm}}

	res, err := Solve(op, inv, []float64{1, 2}, c, Settings{MaxIterations: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Iterations, 2)
	assert.InDelta(t, 1.0/11.0, res.X[0], 1e-12)
	assert.InDelta(t, 7.0/11.0, res.X[1], 1e-12)
}

func TestSolve_FusedUpdateMatchesTwoStep(t *testing.T) {
	m := mesh.Grid(6, 5, mesh.LaplaceQuad())
	b := m.UniformLoad(1)

	c1, inv1 := serialCollaborators(t, m)
	twoStep, err := Solve(m.Operator, inv1, b, c1, Settings{MaxIterations: 100})
	require.NoError(t, err)

	c2, inv2 := serialCollaborators(t, m)
	fused, err := Solve(m.Operator, inv2, b, c2, Settings{MaxIterations: 100, FusedUpdate: true})
	require.NoError(t, err)

	assert.Equal(t, twoStep.Iterations, fused.Iterations)
	for i := range twoStep.X {
		assert.InDelta(t, twoStep.X[i], fused.X[i], 1e-12)
	}
}

func solveOnRanks(t *testing.T, m *mesh.Mesh, b []float64, nproc int, strategy partitions.PartitionStrategy, s Settings) ([]float64, []Result, []error) {
	t.Helper()
	layout, err := (&partitions.PartitionBuilder{
		NumElements:   m.NumElements(),
		NumPartitions: nproc,
		Strategy:      strategy,
	}).BuildPartitions()
	require.NoError(t, err)
	eqs := partitions.SplitEquations(m.NumEquations, nproc)

	results := make([]Result, nproc)
	errs := make([]error, nproc)
	var wg sync.WaitGroup
	for _, member := range collective.NewGroup(nproc) {
		wg.Add(1)
		go func(member *collective.Member) {
			defer wg.Done()
			rank := member.Rank()
			tr, err := partitions.NewTransport(member, eqs, m.RankSteering(layout, rank), m.Ntot)
			if err != nil {
				member.Abort(err)
				errs[rank] = err
				return
			}
			inv, err := tr.InverseDiagonal(m.Operator)
			if err != nil {
				member.Abort(err)
				errs[rank] = err
				return
			}
			lo, hi := eqs.Range(rank)
			c := Collaborators{
				Transport: tr,
				Reducer:   member,
				Monitor:   convergence.SolutionChange{Comm: member},
			}
			results[rank], errs[rank] = Solve(m.Operator, inv, b[lo:hi], c, s)
		}(member)
	}
	wg.Wait()

	var x []float64
	for _, r := range results {
		x = append(x, r.X...)
	}
	return x, results, errs
}

func TestSolve_RanksReproduceSingleRank(t *testing.T) {
	tests := []struct {
		name     string
		mesh     *mesh.Mesh
		nproc    int
		strategy partitions.PartitionStrategy
	}{
		{"bar on two ranks", mesh.Bar(9, mesh.Spring(1, 0.5), true, false), 2, partitions.BlockPartition},
		{"grid on two ranks", mesh.Grid(4, 4, mesh.LaplaceQuad()), 2, partitions.BlockPartition},
		{"grid on three ranks round robin", mesh.Grid(5, 4, mesh.LaplaceQuad()), 3, partitions.RoundRobin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mesh.UniformLoad(1)
			s := Settings{MaxIterations: 100}

			c, inv := serialCollaborators(t, tt.mesh)
			single, err := Solve(tt.mesh.Operator, inv, b, c, s)
			require.NoError(t, err)
			require.Equal(t, Converged, single.State)

			x, results, errs := solveOnRanks(t, tt.mesh, b, tt.nproc, tt.strategy, s)
			for rank := range errs {
				require.NoError(t, errs[rank], "rank %d", rank)
				assert.Equal(t, Converged, results[rank].State)
				assert.Equal(t, results[0].Iterations, results[rank].Iterations)
			}
			require.Len(t, x, len(single.X))
			for i := range x {
				assert.InDelta(t, single.X[i], x[i], 1e-10, "equation %d", i)
			}
		})
	}
}

type trackingBackend struct {
	inner  accel.HostBackend
	opened []*accel.HostAccelerator
}

func (b *trackingBackend) Name() string { return "tracking" }

func (b *trackingBackend) Open(cfg accel.Config) (accel.Accelerator, error) {
	acc, err := b.inner.Open(cfg)
	if err != nil {
		return nil, err
	}
	b.opened = append(b.opened, acc.(*accel.HostAccelerator))
	return acc, nil
}

func TestSolve_AllocationFailureReleasesEverything(t *testing.T) {
	m := mesh.Bar(6, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)
	// km (32 bytes) fits, pmul (96 bytes) does not.
	backend := &trackingBackend{inner: accel.HostBackend{MemoryLimit: 100}}

	_, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{MaxIterations: 10, Backend: backend})
	require.ErrorIs(t, err, accel.ErrDeviceAllocation)
	require.Len(t, backend.opened, 1)
	assert.Equal(t, 0, backend.opened[0].Allocated())
	assert.True(t, backend.opened[0].Closed())
}

// faultyAccelerator fails the batched multiply on call number failOn, and
// the final synchronization when failSync is set.
type faultyAccelerator struct {
	accel.Accelerator
	failOn   int
	failSync bool
	calls    int
}

func (f *faultyAccelerator) Synchronize() error {
	if f.failSync {
		return accel.Errorf(accel.ErrKernelSynchronization, "synchronize", "", "device lost")
	}
	return f.Accelerator.Synchronize()
}

func (f *faultyAccelerator) BatchedMultiply(op, in, out accel.Handle, ntot, nels int) error {
	f.calls++
	if f.calls == f.failOn {
		return accel.Errorf(accel.ErrKernelSynchronization, "batched multiply", out, "device lost")
	}
	return f.Accelerator.BatchedMultiply(op, in, out, ntot, nels)
}

type faultyBackend struct {
	trackingBackend
	failOn   int
	failSync bool
}

func (b *faultyBackend) Open(cfg accel.Config) (accel.Accelerator, error) {
	acc, err := b.trackingBackend.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &faultyAccelerator{Accelerator: acc, failOn: b.failOn, failSync: b.failSync}, nil
}

func TestSolve_KernelFailureReleasesEverything(t *testing.T) {
	m := mesh.Grid(4, 4, mesh.LaplaceQuad())
	c, inv := serialCollaborators(t, m)
	backend := &faultyBackend{failOn: 3}

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{MaxIterations: 50, Backend: backend})
	require.ErrorIs(t, err, accel.ErrKernelSynchronization)
	var devErr *accel.DeviceError
	assert.ErrorAs(t, err, &devErr)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, Iterating, res.State)
	require.Len(t, backend.opened, 1)
	assert.Equal(t, 0, backend.opened[0].Allocated())
	assert.True(t, backend.opened[0].Closed())
}

func TestSolve_FinalSynchronizationFailure(t *testing.T) {
	m := mesh.Bar(5, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)
	backend := &faultyBackend{failSync: true}

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{MaxIterations: 50, Backend: backend})
	require.ErrorIs(t, err, accel.ErrKernelSynchronization)
	assert.Equal(t, Converged, res.State)
	require.Len(t, backend.opened, 1)
	assert.Equal(t, 0, backend.opened[0].Allocated())
	assert.True(t, backend.opened[0].Closed())
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Open(accel.Config) (accel.Accelerator, error) {
	return nil, accel.Errorf(accel.ErrDeviceInitialization, "open", "", "no device")
}

func TestSolve_OpenFailure(t *testing.T) {
	m := mesh.Bar(3, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{Backend: failingBackend{}})
	assert.ErrorIs(t, err, accel.ErrDeviceInitialization)
	assert.Equal(t, Initializing, res.State)
}

// A failed rank must release the other ranks instead of leaving them blocked
// in a reduction.
func TestSolve_FailedRankAbortsOthers(t *testing.T) {
	m := mesh.Bar(8, mesh.Spring(1, 1), true, false)
	b := m.UniformLoad(1)
	layout, err := (&partitions.PartitionBuilder{NumElements: 8, NumPartitions: 2}).BuildPartitions()
	require.NoError(t, err)
	eqs := partitions.SplitEquations(m.NumEquations, 2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for _, member := range collective.NewGroup(2) {
		wg.Add(1)
		go func(member *collective.Member) {
			defer wg.Done()
			rank := member.Rank()
			tr, err := partitions.NewTransport(member, eqs, m.RankSteering(layout, rank), m.Ntot)
			if err != nil {
				member.Abort(err)
				errs[rank] = err
				return
			}
			inv, err := tr.InverseDiagonal(m.Operator)
			if err != nil {
				member.Abort(err)
				errs[rank] = err
				return
			}
			s := Settings{MaxIterations: 20}
			if rank == 1 {
				s.Backend = &faultyBackend{failOn: 2}
			}
			lo, hi := eqs.Range(rank)
			c := Collaborators{Transport: tr, Reducer: member, Monitor: convergence.SolutionChange{Comm: member}}
			_, errs[rank] = Solve(m.Operator, inv, b[lo:hi], c, s)
		}(member)
	}
	wg.Wait()

	assert.ErrorIs(t, errs[1], accel.ErrKernelSynchronization)
	assert.ErrorIs(t, errs[0], collective.ErrAborted)
}

func TestSolve_NumericalBreakdown(t *testing.T) {
	// Indefinite: p·Kp vanishes on the first step.
	op := mat.NewDense(2, 2, []float64{1, 0, 0, -1})
	comm := collective.Serial{}
	tr, err := partitions.NewTransport(comm, partitions.SplitEquations(2, 1), [][]int{{0, 1}}, 2)
	require.NoError(t, err)
	c := Collaborators{Transport: tr, Reducer: comm, Monitor: convergence.SolutionChange{Comm: comm}}
	backend := &trackingBackend{}

	_, err = Solve(op, []float64{1, 1}, []float64{1, 1}, c, Settings{MaxIterations: 5, Backend: backend})
	assert.ErrorIs(t, err, ErrNumericalBreakdown)
	require.Len(t, backend.opened, 1)
	assert.Equal(t, 0, backend.opened[0].Allocated())
	assert.True(t, backend.opened[0].Closed())
}

func TestSolve_VerboseLogging(t *testing.T) {
	m := mesh.Bar(4, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)
	var buf bytes.Buffer

	res, err := Solve(m.Operator, inv, m.UniformLoad(1), c, Settings{
		MaxIterations: 20,
		Logger:        log.New(&buf, "", 0),
		Verbose:       true,
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pcg: iteration 1:")
	assert.Contains(t, buf.String(), "Converged after")
	assert.Equal(t, Converged, res.State)
}

func TestSolve_Preconditions(t *testing.T) {
	m := mesh.Bar(3, mesh.Spring(1, 1), true, false)
	c, inv := serialCollaborators(t, m)
	b := m.UniformLoad(1)

	assert.Panics(t, func() { _, _ = Solve(mat.NewDense(2, 3, nil), inv, b, c, Settings{}) })
	assert.Panics(t, func() { _, _ = Solve(mat.NewDense(3, 3, nil), inv, b, c, Settings{}) })
	assert.Panics(t, func() { _, _ = Solve(m.Operator, inv[:1], b, c, Settings{}) })
	assert.Panics(t, func() { _, _ = Solve(m.Operator, inv, b, c, Settings{MaxIterations: -1}) })
	assert.Panics(t, func() { _, _ = Solve(m.Operator, inv, b, c, Settings{Tolerance: 1.5}) })
	assert.Panics(t, func() { _, _ = Solve(m.Operator, inv, b, Collaborators{}, Settings{}) })
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Converged", Converged.String())
	assert.Equal(t, "IterationLimitReached", IterationLimitReached.String())
	assert.Equal(t, "State(unknown)", State(math.MaxInt8).String())
}
