// Package partition maps graph ids to the worker rank that owns them.
//
// The owner assignment comes from an external partitioner and is loaded
// once; after that every lookup is a pure function of the book. An id the
// book does not know signals a corrupt partition file and is never
// tolerated.
package partition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownID is returned when an id falls outside every known partition.
	ErrUnknownID = errors.New("unknown id")

	// ErrBadBook is returned when a partition book cannot be built.
	ErrBadBook = errors.New("invalid partition book")
)

// Resolver maps global ids to owner ranks in batches.
type Resolver interface {
	// Resolve returns one owner per id, in input order.
	Resolve(ids []int64) ([]int, error)
	// NumParts is the number of ranks owners are drawn from.
	NumParts() int
}

// Range assigns the half-open id interval [Start, End) to Owner.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Owner int   `json:"owner"`
}

// RangeBook resolves ids by binary search over sorted, disjoint ranges.
type RangeBook struct {
	ranges []Range
	parts  int
}

// NewRangeBook validates ranges and builds a book. Ranges may arrive in any
// order but must not overlap; gaps are allowed and resolve as unknown.
func NewRangeBook(ranges []Range) (*RangeBook, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("%w: no ranges", ErrBadBook)
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	parts := 0
	for i, r := range sorted {
		if r.End <= r.Start || r.Start < 0 {
			return nil, fmt.Errorf("%w: empty or negative range [%d,%d)", ErrBadBook, r.Start, r.End)
		}
		if r.Owner < 0 {
			return nil, fmt.Errorf("%w: negative owner %d", ErrBadBook, r.Owner)
		}
		if i > 0 && sorted[i-1].End > r.Start {
			return nil, fmt.Errorf("%w: range [%d,%d) overlaps [%d,%d)",
				ErrBadBook, r.Start, r.End, sorted[i-1].Start, sorted[i-1].End)
		}
		if r.Owner+1 > parts {
			parts = r.Owner + 1
		}
	}
	return &RangeBook{ranges: sorted, parts: parts}, nil
}

// Resolve implements Resolver in O(log R) per id.
func (b *RangeBook) Resolve(ids []int64) ([]int, error) {
	owners := make([]int, len(ids))
	for i, id := range ids {
		// first range whose End is past id
		j := sort.Search(len(b.ranges), func(k int) bool { return b.ranges[k].End > id })
		if j == len(b.ranges) || b.ranges[j].Start > id {
			return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		owners[i] = b.ranges[j].Owner
	}
	return owners, nil
}

func (b *RangeBook) NumParts() int { return b.parts }

// TableBook resolves ids by indexing an explicit per-id owner table.
type TableBook struct {
	owners []int
	parts  int
}

// NewTableBook builds a book where owners[id] is the owner of id.
func NewTableBook(owners []int) (*TableBook, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: empty owner table", ErrBadBook)
	}
	parts := 0
	for id, o := range owners {
		if o < 0 {
			return nil, fmt.Errorf("%w: id %d has negative owner %d", ErrBadBook, id, o)
		}
		if o+1 > parts {
			parts = o + 1
		}
	}
	return &TableBook{owners: slices.Clone(owners), parts: parts}, nil
}

// Resolve implements Resolver in O(1) per id.
func (b *TableBook) Resolve(ids []int64) ([]int, error) {
	owners := make([]int, len(ids))
	for i, id := range ids {
		if id < 0 || id >= int64(len(b.owners)) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		owners[i] = b.owners[id]
	}
	return owners, nil
}

func (b *TableBook) NumParts() int { return b.parts }

// Owned returns the ids in [lo, hi) that resolve to rank, ascending.
func Owned(r Resolver, rank int, lo, hi int64) ([]int64, error) {
	if hi <= lo {
		return nil, nil
	}
	ids := make([]int64, 0, hi-lo)
	for id := lo; id < hi; id++ {
		ids = append(ids, id)
	}
	owners, err := r.Resolve(ids)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for i, o := range owners {
		if o == rank {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// ResolveTyped resolves (type, type-local id) pairs through the offset table.
func ResolveTyped(r Resolver, offsets *TypeOffsets, types []int32, local []int64) ([]int, error) {
	if len(types) != len(local) {
		return nil, fmt.Errorf("types and ids differ in length: %d != %d", len(types), len(local))
	}
	ids := make([]int64, len(local))
	for i := range local {
		g, err := offsets.ToGlobal(types[i], local[i])
		if err != nil {
			return nil, err
		}
		ids[i] = g
	}
	return r.Resolve(ids)
}

// bookFile is the on-disk partition file: either ranges or an owner table.
type bookFile struct {
	Ranges [][3]int64 `json:"ranges"`
	Owners []int      `json:"owners"`
}

// LoadBook reads a JSON partition file. {"ranges": [[start,end,owner],...]}
// yields a RangeBook and {"owners": [...]} a TableBook.
func LoadBook(path string) (Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f bookFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBook, err)
	}
	switch {
	case len(f.Ranges) > 0 && len(f.Owners) > 0:
		return nil, fmt.Errorf("%w: both ranges and owners given", ErrBadBook)
	case len(f.Ranges) > 0:
		ranges := make([]Range, len(f.Ranges))
		for i, r := range f.Ranges {
			ranges[i] = Range{Start: r[0], End: r[1], Owner: int(r[2])}
		}
		return NewRangeBook(ranges)
	case len(f.Owners) > 0:
		return NewTableBook(f.Owners)
	}
	return nil, fmt.Errorf("%w: %s has no ranges or owners", ErrBadBook, path)
}
