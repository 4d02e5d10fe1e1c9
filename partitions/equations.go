package partitions

import (
	"fmt"
	"sort"
)

// EquationLayout distributes global equations over processes in contiguous
// ranges: rank r owns [Offsets[r], Offsets[r+1]).
type EquationLayout struct {
	NumEquations int
	Offsets      []int
}

// SplitEquations gives every rank neq/nproc equations and one extra to each
// of the lowest neq%nproc ranks.
func SplitEquations(neq, nproc int) EquationLayout {
	if nproc < 1 {
		panic(fmt.Sprintf("partitions: process count %d must be positive", nproc))
	}
	if neq < 0 {
		panic(fmt.Sprintf("partitions: negative equation count %d", neq))
	}
	offsets := make([]int, nproc+1)
	base, rem := neq/nproc, neq%nproc
	for r := 0; r < nproc; r++ {
		n := base
		if r < rem {
			n++
		}
		offsets[r+1] = offsets[r] + n
	}
	return EquationLayout{NumEquations: neq, Offsets: offsets}
}

// NumProcs returns the number of ranks in the layout.
func (l EquationLayout) NumProcs() int {
	return len(l.Offsets) - 1
}

// Range returns the half-open range of equations owned by rank.
func (l EquationLayout) Range(rank int) (lo, hi int) {
	return l.Offsets[rank], l.Offsets[rank+1]
}

// Owner returns the rank owning global equation eq, or -1.
func (l EquationLayout) Owner(eq int) int {
	if eq < 0 || eq >= l.NumEquations {
		return -1
	}
	// First offset strictly greater than eq, minus one
	return sort.Search(len(l.Offsets), func(i int) bool { return l.Offsets[i] > eq }) - 1
}

// Validate checks the offsets are a monotone cover of [0, NumEquations).
func (l EquationLayout) Validate() error {
	if len(l.Offsets) < 2 {
		return fmt.Errorf("equation layout needs at least one rank")
	}
	if l.Offsets[0] != 0 || l.Offsets[len(l.Offsets)-1] != l.NumEquations {
		return fmt.Errorf("offsets %v do not cover %d equations", l.Offsets, l.NumEquations)
	}
	for r := 1; r < len(l.Offsets); r++ {
		if l.Offsets[r] < l.Offsets[r-1] {
			return fmt.Errorf("offsets %v are not monotone", l.Offsets)
		}
	}
	return nil
}
