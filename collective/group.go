package collective

import (
	"fmt"
	"math"
	"sync"
)

type reduceOp int

const (
	opSum reduceOp = iota
	opMax
)

func (op reduceOp) String() string {
	if op == opMax {
		return "max"
	}
	return "sum"
}

// Group runs a fixed number of ranks as goroutines of one OS process. Each
// collective call is a barrier: a member blocks until every member of the
// group has contributed. Contributions are combined in rank order so all
// members observe bit-identical results.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	joined  []bool
	op      reduceOp
	length  int
	contrib [][]float64
	pending error

	result  []float64
	err     error
	aborted error
}

// Member is one rank of a Group.
type Member struct {
	group *Group
	rank  int
}

// NewGroup creates a group of n ranks and returns its members in rank order.
func NewGroup(n int) []*Member {
	if n < 1 {
		panic(fmt.Sprintf("collective: group size %d must be positive", n))
	}
	g := &Group{
		size:    n,
		joined:  make([]bool, n),
		contrib: make([][]float64, n),
	}
	g.cond = sync.NewCond(&g.mu)

	members := make([]*Member, n)
	for i := range members {
		members[i] = &Member{group: g, rank: i}
	}
	return members
}

func (m *Member) Rank() int { return m.rank }
func (m *Member) Size() int { return m.group.size }

func (m *Member) AllReduceSum(v float64) (float64, error) {
	res, err := m.group.reduce(m.rank, opSum, []float64{v})
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

func (m *Member) AllReduceSumVec(dst, src []float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d, src %d", ErrMismatchedReduction, len(dst), len(src))
	}
	res, err := m.group.reduce(m.rank, opSum, src)
	if err != nil {
		return err
	}
	copy(dst, res)
	return nil
}

func (m *Member) AllReduceMax(v float64) (float64, error) {
	res, err := m.group.reduce(m.rank, opMax, []float64{v})
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

// Abort fails the collective in progress and every later one on all members.
// A rank that stops participating must abort, or the other ranks block forever.
func (m *Member) Abort(cause error) {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted == nil {
		g.aborted = fmt.Errorf("%w by rank %d: %v", ErrAborted, m.rank, cause)
	}
	g.cond.Broadcast()
}

func (g *Group) reduce(rank int, op reduceOp, src []float64) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.aborted != nil {
		return nil, g.aborted
	}
	if g.joined[rank] {
		return nil, fmt.Errorf("collective: rank %d entered the same %s reduction twice", rank, op)
	}

	if g.arrived == 0 {
		g.op = op
		g.length = len(src)
		g.pending = nil
	} else if op != g.op || len(src) != g.length {
		g.pending = fmt.Errorf("%w: rank %d sent %s of %d values, expected %s of %d",
			ErrMismatchedReduction, rank, op, len(src), g.op, g.length)
	}
	g.contrib[rank] = append(g.contrib[rank][:0], src...)
	g.joined[rank] = true
	g.arrived++

	gen := g.gen
	if g.arrived == g.size {
		g.complete()
	} else {
		for g.gen == gen && g.aborted == nil {
			g.cond.Wait()
		}
		if g.gen == gen {
			return nil, g.aborted
		}
	}

	if g.err != nil {
		return nil, g.err
	}
	out := make([]float64, len(g.result))
	copy(out, g.result)
	return out, nil
}

// complete combines the contributions of the current generation and releases
// the waiters. Called with g.mu held.
func (g *Group) complete() {
	g.result, g.err = nil, g.pending
	if g.err == nil {
		res := make([]float64, g.length)
		copy(res, g.contrib[0])
		for r := 1; r < g.size; r++ {
			for i, v := range g.contrib[r] {
				if g.op == opMax {
					res[i] = math.Max(res[i], v)
				} else {
					res[i] += v
				}
			}
		}
		g.result = res
	}
	for i := range g.joined {
		g.joined[i] = false
	}
	g.arrived = 0
	g.gen++
	g.cond.Broadcast()
}
