// Package mesh generates small structured finite element problems that share
// one element operator, for the solver tests and the example driver.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/PCGKernel/partitions"
)

// Mesh is an element-by-element system. Every element applies Operator to
// the equations named by its row of Steering.
type Mesh struct {
	Ntot         int
	NumNodes     int
	NumEquations int
	Operator     *mat.Dense

	// Steering[e][i] is the global equation of local dof i of element e, or
	// partitions.Restrained.
	Steering [][]int

	// NodeEquation maps a node to its equation, or partitions.Restrained.
	NodeEquation []int
}

func newMesh(connectivity [][]int, numNodes int, fixed []bool, ke *mat.Dense) *Mesh {
	r, c := ke.Dims()
	if r != c {
		panic(fmt.Sprintf("mesh: element operator is %dx%d", r, c))
	}
	m := &Mesh{
		Ntot:         r,
		NumNodes:     numNodes,
		Operator:     ke,
		NodeEquation: make([]int, numNodes),
	}
	for n := 0; n < numNodes; n++ {
		if fixed[n] {
			m.NodeEquation[n] = partitions.Restrained
			continue
		}
		m.NodeEquation[n] = m.NumEquations
		m.NumEquations++
	}
	m.Steering = make([][]int, len(connectivity))
	for e, nodes := range connectivity {
		if len(nodes) != r {
			panic(fmt.Sprintf("mesh: element %d has %d nodes, operator expects %d", e, len(nodes), r))
		}
		m.Steering[e] = m.ElementSteering(nodes)
	}
	return m
}

// ElementSteering maps element node ids to equation numbers.
func (m *Mesh) ElementSteering(ids []int) []int {
	g := make([]int, len(ids))
	for i, n := range ids {
		g[i] = m.NodeEquation[n]
	}
	return g
}

func (m *Mesh) NumElements() int {
	return len(m.Steering)
}

// Bar is a chain of nels 2-node elements over nels+1 nodes.
func Bar(nels int, ke *mat.Dense, fixLeft, fixRight bool) *Mesh {
	if nels < 1 {
		panic(fmt.Sprintf("mesh: bar needs at least one element, got %d", nels))
	}
	conn := make([][]int, nels)
	for e := range conn {
		conn[e] = []int{e, e + 1}
	}
	fixed := make([]bool, nels+1)
	fixed[0] = fixLeft
	fixed[nels] = fixRight
	return newMesh(conn, nels+1, fixed, ke)
}

// Grid is an nx by ny block of 4-node quadrilaterals, nodes numbered row by
// row and element nodes counterclockwise. Every boundary node is fixed.
func Grid(nx, ny int, ke *mat.Dense) *Mesh {
	if nx < 1 || ny < 1 {
		panic(fmt.Sprintf("mesh: grid %dx%d", nx, ny))
	}
	node := func(i, j int) int { return j*(nx+1) + i }
	conn := make([][]int, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			conn = append(conn, []int{node(i, j), node(i+1, j), node(i+1, j+1), node(i, j+1)})
		}
	}
	numNodes := (nx + 1) * (ny + 1)
	fixed := make([]bool, numNodes)
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			fixed[node(i, j)] = i == 0 || j == 0 || i == nx || j == ny
		}
	}
	return newMesh(conn, numNodes, fixed, ke)
}

// LaplaceQuad is the stiffness of the Laplacian on a square bilinear element.
func LaplaceQuad() *mat.Dense {
	ke := mat.NewDense(4, 4, []float64{
		4, -1, -2, -1,
		-1, 4, -1, -2,
		-2, -1, 4, -1,
		-1, -2, -1, 4,
	})
	ke.Scale(1.0/6.0, ke)
	return ke
}

// Spring is a 2-node spring of stiffness k resting on a foundation of
// stiffness m, shared equally by its nodes.
func Spring(k, m float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		k + m/2, -k,
		-k, k + m/2,
	})
}

// AssembleDense forms the global matrix. Only for checking small problems.
func (m *Mesh) AssembleDense() *mat.Dense {
	k := mat.NewDense(max(m.NumEquations, 1), max(m.NumEquations, 1), nil)
	for _, g := range m.Steering {
		for i, gi := range g {
			if gi == partitions.Restrained {
				continue
			}
			for j, gj := range g {
				if gj == partitions.Restrained {
					continue
				}
				k.Set(gi, gj, k.At(gi, gj)+m.Operator.At(i, j))
			}
		}
	}
	return k
}

// UniformLoad returns a right-hand side with value at every equation.
func (m *Mesh) UniformLoad(value float64) []float64 {
	b := make([]float64, m.NumEquations)
	for i := range b {
		b[i] = value
	}
	return b
}

// RankSteering returns the steering rows of the elements layout assigns to
// rank, in element order.
func (m *Mesh) RankSteering(layout *partitions.PartitionLayout, rank int) [][]int {
	if layout.TotalElements != m.NumElements() {
		panic(fmt.Sprintf("mesh: layout covers %d elements, mesh has %d",
			layout.TotalElements, m.NumElements()))
	}
	p := layout.Partitions[rank]
	steering := make([][]int, 0, p.NumElements)
	for _, e := range p.Elements {
		steering = append(steering, m.Steering[e])
	}
	return steering
}
