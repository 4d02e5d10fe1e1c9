package partitions

import (
	"fmt"
	"math"
)

// PartitionBuilder assigns mesh elements to processes
type PartitionBuilder struct {
	NumElements int

	// NumPartitions is the number of processes. If it is zero the count is
	// derived from TargetPartitionSize.
	NumPartitions       int
	TargetPartitionSize int
	Strategy            PartitionStrategy
}

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive elements
	RoundRobin                              // Distribute cyclically
)

// BuildPartitions creates a partition layout
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumElements < 0 {
		return nil, fmt.Errorf("negative element count %d", pb.NumElements)
	}
	numPartitions, err := pb.calculateNumPartitions()
	if err != nil {
		return nil, err
	}

	eToP := pb.partitionElements(numPartitions)
	partitions := pb.createPartitions(eToP, numPartitions)

	kpartMax := calculateKpartMax(partitions)
	for i := range partitions {
		partitions[i].MaxElements = kpartMax
	}

	layout := &PartitionLayout{
		Partitions:    partitions,
		KpartMax:      kpartMax,
		TotalElements: pb.NumElements,
		NumPartitions: numPartitions,
		EToP:          eToP,
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}

	return layout, nil
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() (int, error) {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions, nil
	}
	if pb.TargetPartitionSize <= 0 {
		return 0, fmt.Errorf("either NumPartitions or TargetPartitionSize must be positive")
	}
	numPartitions := int(math.Ceil(float64(pb.NumElements) / float64(pb.TargetPartitionSize)))
	if numPartitions < 1 {
		numPartitions = 1
	}
	return numPartitions, nil
}

// partitionElements assigns elements to partitions
func (pb *PartitionBuilder) partitionElements(numPartitions int) []int {
	eToP := make([]int, pb.NumElements)

	switch pb.Strategy {
	case RoundRobin:
		for i := range eToP {
			eToP[i] = i % numPartitions
		}

	default:
		// Block partitioning, remainder spread over the lowest partitions
		base := pb.NumElements / numPartitions
		rem := pb.NumElements % numPartitions
		elem := 0
		for part := 0; part < numPartitions; part++ {
			n := base
			if part < rem {
				n++
			}
			for i := 0; i < n; i++ {
				eToP[elem] = part
				elem++
			}
		}
	}

	return eToP
}

// createPartitions builds partition structures from element assignments
func (pb *PartitionBuilder) createPartitions(eToP []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{
			ID:       i,
			Elements: make([]int, 0),
		}
	}

	for elem, part := range eToP {
		partitions[part].Elements = append(partitions[part].Elements, elem)
		partitions[part].NumElements++
	}

	return partitions
}

// calculateKpartMax finds maximum elements across all partitions
func calculateKpartMax(partitions []Partition) int {
	kpartMax := 0
	for _, p := range partitions {
		if p.NumElements > kpartMax {
			kpartMax = p.NumElements
		}
	}
	return kpartMax
}
