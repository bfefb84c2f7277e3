package partition

import (
	"fmt"
	"sort"
)

// TypeOffsets converts between global ids and (type, type-local id) pairs.
// Type t owns the global interval [starts[t], starts[t+1]).
type TypeOffsets struct {
	starts []int64
}

// NewTypeOffsets builds the table from per-type record counts.
func NewTypeOffsets(counts []int64) (*TypeOffsets, error) {
	starts := make([]int64, len(counts)+1)
	for t, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("%w: type %d has negative count %d", ErrBadBook, t, c)
		}
		starts[t+1] = starts[t] + c
	}
	return &TypeOffsets{starts: starts}, nil
}

// NumTypes is the number of types in the table.
func (o *TypeOffsets) NumTypes() int { return len(o.starts) - 1 }

// Total is the size of the global id space.
func (o *TypeOffsets) Total() int64 { return o.starts[len(o.starts)-1] }

// Count is the number of ids of type t.
func (o *TypeOffsets) Count(t int32) int64 {
	if t < 0 || int(t) >= o.NumTypes() {
		return 0
	}
	return o.starts[t+1] - o.starts[t]
}

// ToGlobal maps a type-local id to its global id.
func (o *TypeOffsets) ToGlobal(t int32, local int64) (int64, error) {
	if t < 0 || int(t) >= o.NumTypes() {
		return 0, fmt.Errorf("%w: type %d", ErrUnknownID, t)
	}
	if local < 0 || local >= o.Count(t) {
		return 0, fmt.Errorf("%w: type %d local id %d", ErrUnknownID, t, local)
	}
	return o.starts[t] + local, nil
}

// ToTypeLocal maps a global id back to its type and type-local id.
func (o *TypeOffsets) ToTypeLocal(id int64) (int32, int64, error) {
	if id < 0 || id >= o.Total() {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	// last start <= id; empty types share a start and are skipped
	t := sort.Search(len(o.starts), func(i int) bool { return o.starts[i] > id }) - 1
	return int32(t), id - o.starts[t], nil
}
