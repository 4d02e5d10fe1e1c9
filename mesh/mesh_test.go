package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/partitions"
)

func TestBar(t *testing.T) {
	m := Bar(3, Spring(1, 0), true, false)
	assert.Equal(t, 2, m.Ntot)
	assert.Equal(t, 4, m.NumNodes)
	assert.Equal(t, 3, m.NumEquations)
	assert.Equal(t, [][]int{{-1, 0}, {0, 1}, {1, 2}}, m.Steering)

	want := mat.NewDense(3, 3, []float64{
		2, -1, 0,
		-1, 2, -1,
		0, -1, 1,
	})
	assert.True(t, mat.Equal(want, m.AssembleDense()))
}

func TestGrid(t *testing.T) {
	m := Grid(3, 3, LaplaceQuad())
	assert.Equal(t, 4, m.Ntot)
	assert.Equal(t, 9, m.NumElements())
	assert.Equal(t, 16, m.NumNodes)
	// 2x2 interior nodes
	assert.Equal(t, 4, m.NumEquations)
	// Centre element touches every interior node
	assert.Equal(t, []int{0, 1, 3, 2}, m.Steering[4])
	// Corner element has one interior node
	assert.Equal(t, []int{-1, -1, 0, -1}, m.Steering[0])

	k := m.AssembleDense()
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 8.0/3.0, k.At(i, i), 1e-14)
	}
	assert.True(t, mat.EqualApprox(k, k.T(), 1e-14))

	s := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			s.SetSym(i, j, k.At(i, j))
		}
	}
	var chol mat.Cholesky
	assert.True(t, chol.Factorize(s), "assembled grid operator is positive definite")
}

func TestLaplaceQuadRowsSumToZero(t *testing.T) {
	ke := LaplaceQuad()
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0, mat.Sum(ke.RowView(i)), 1e-15)
	}
}

func TestRankSteering(t *testing.T) {
	m := Bar(4, Spring(1, 0), true, true)
	layout, err := (&partitions.PartitionBuilder{NumElements: 4, NumPartitions: 2}).BuildPartitions()
	require.NoError(t, err)

	assert.Equal(t, [][]int{{-1, 0}, {0, 1}}, m.RankSteering(layout, 0))
	assert.Equal(t, [][]int{{1, 2}, {2, -1}}, m.RankSteering(layout, 1))

	other, err := (&partitions.PartitionBuilder{NumElements: 5, NumPartitions: 2}).BuildPartitions()
	require.NoError(t, err)
	assert.Panics(t, func() { m.RankSteering(other, 0) })
}

func TestUniformLoad(t *testing.T) {
	m := Bar(2, Spring(1, 1), false, false)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, m.UniformLoad(0.5))
}
