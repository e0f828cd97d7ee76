package comm

import "fmt"

// CollectiveParams holds the per-rank counts and displacements of one vector
// collective call, each array sized to the communicator's group size. Derived
// fresh for every call, never persisted.
type CollectiveParams struct {
	SendCounts []int
	SendDispls []int
	RecvCounts []int
	RecvDispls []int
}

// DeriveDisplacements computes the canonical tightly packed layout for the
// supplied counts: displacement[i] is the sum of counts[0..i-1]. Pure function
// of its input.
func DeriveDisplacements(counts []int) []int {
	displs := make([]int, len(counts))
	total := 0
	for i, n := range counts {
		displs[i] = total
		total += n
	}
	return displs
}

func validateCounts(counts []int, groupSize int) error {
	if len(counts) != groupSize {
		return fmt.Errorf("%w: got %d counts for group size %d", ErrCountMismatch, len(counts), groupSize)
	}
	for i, n := range counts {
		if n < 0 {
			return fmt.Errorf("%w: negative count %d for rank %d", ErrCountMismatch, n, i)
		}
	}
	return nil
}

func validateCountSum(counts []int, total int) error {
	sum := 0
	for _, n := range counts {
		sum += n
	}
	if sum != total {
		return fmt.Errorf("%w: counts sum to %d, paired buffer holds %d elements", ErrCountMismatch, sum, total)
	}
	return nil
}

// deriveVector validates explicit counts against the group size and paired
// buffer, filling in prefix-sum displacements when the caller omits them.
// Explicit displacements pass through unchanged; the caller may order or
// overlap them freely and the engine is trusted to honour them.
func deriveVector(counts, displs []int, groupSize, bufferCount int, checkSum bool) ([]int, []int, error) {
	if err := validateCounts(counts, groupSize); err != nil {
		return nil, nil, err
	}
	if checkSum {
		if err := validateCountSum(counts, bufferCount); err != nil {
			return nil, nil, err
		}
	}
	if displs == nil {
		return counts, DeriveDisplacements(counts), nil
	}
	if len(displs) != groupSize {
		return nil, nil, fmt.Errorf("%w: got %d displacements for group size %d", ErrCountMismatch, len(displs), groupSize)
	}
	return counts, displs, nil
}

// withVector returns a copy of the descriptor extended with a vector shape.
// The original stays untouched; descriptors are immutable once built. Any
// scratch buffer stays owned by the original, so only one release path ever
// returns it to the pool.
func (d *Descriptor) withVector(counts, displs []int) *Descriptor {
	return &Descriptor{
		data:   d.data,
		count:  d.count,
		dtype:  d.dtype,
		counts: counts,
		displs: displs,
	}
}
