// Package globalid turns per-worker owned-record counts into one gap-free
// numbering shared by every worker.
//
// Each worker reports how many records of each type it owns. After an
// all-gather of those counts every worker computes the same exclusive prefix
// sums, so worker i's ids depend only on the counts of workers 0..i-1.
package globalid

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/graphshard/internal/collective"
)

// ErrCountMismatch is returned when Assign is handed a different number of
// records than the worker reported.
var ErrCountMismatch = errors.New("record count does not match reported count")

// Range is the half-open id interval [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len is the number of ids in r.
func (r Range) Len() int64 { return r.End - r.Start }

// Contains reports whether id lies in r.
func (r Range) Contains(id int64) bool { return id >= r.Start && id < r.End }

// Assignment is one worker's share of the numbering.
type Assignment struct {
	// Block holds this worker's global ids, types laid out in type order.
	Block Range
	// TypeRanges[t] holds this worker's ids within type t's own numbering.
	TypeRanges []Range
	// TypeTotals[t] is the number of type-t records across all workers.
	TypeTotals []int64
	// Counts[t] is what this worker reported for type t.
	Counts []int64
	// Total is the size of the whole id space.
	Total int64
}

// Assign gathers counts[t] from every worker, one all-gather per type in
// type order, and returns this worker's ranges. The number of types is
// gathered first; workers that disagree on it fail with
// collective.ErrWorldSize. It blocks until every worker has reported, even
// with no types at all.
func Assign(ctx context.Context, comm collective.Communicator, counts []int64) (*Assignment, error) {
	rank, size := comm.Rank(), comm.Size()

	types, err := comm.AllGatherSizes(ctx, int64(len(counts)))
	if err != nil {
		return nil, fmt.Errorf("gather type count: %w", err)
	}
	for r, n := range types {
		if n != int64(len(counts)) {
			return nil, fmt.Errorf("%w: worker %d has %d types, worker %d has %d",
				collective.ErrWorldSize, r, n, rank, len(counts))
		}
	}

	all := make([][]int64, len(counts)) // [type][rank]
	for t, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("type %d: negative count %d", t, c)
		}
		sizes, err := comm.AllGatherSizes(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("gather counts for type %d: %w", t, err)
		}
		if len(sizes) != size {
			return nil, fmt.Errorf("%w: type %d gathered %d counts for world of %d",
				collective.ErrWorldSize, t, len(sizes), size)
		}
		all[t] = sizes
	}

	a := &Assignment{
		TypeRanges: make([]Range, len(counts)),
		TypeTotals: make([]int64, len(counts)),
		Counts:     append([]int64(nil), counts...),
	}
	var before, mine int64
	for t := range counts {
		var typeBefore int64
		for r, c := range all[t] {
			if r < rank {
				typeBefore += c
				before += c
			}
			a.TypeTotals[t] += c
		}
		a.TypeRanges[t] = Range{Start: typeBefore, End: typeBefore + counts[t]}
		mine += counts[t]
		a.Total += a.TypeTotals[t]
	}
	a.Block = Range{Start: before, End: before + mine}
	return a, nil
}

// IDs hands out ids to records given in their deterministic local order.
// types[k] is the type of the k-th record; the result holds its global id
// and its id within its type.
func (a *Assignment) IDs(types []int32) (global, typed []int64, err error) {
	seen := make([]int64, len(a.Counts))
	for _, t := range types {
		if t < 0 || int(t) >= len(a.Counts) {
			return nil, nil, fmt.Errorf("unknown type %d", t)
		}
		seen[t]++
	}
	for t := range seen {
		if seen[t] != a.Counts[t] {
			return nil, nil, fmt.Errorf("%w: type %d has %d records, reported %d",
				ErrCountMismatch, t, seen[t], a.Counts[t])
		}
	}

	// start of each type inside this worker's block
	base := make([]int64, len(a.Counts))
	next := a.Block.Start
	for t, c := range a.Counts {
		base[t] = next
		next += c
	}

	global = make([]int64, len(types))
	typed = make([]int64, len(types))
	used := make([]int64, len(a.Counts))
	for k, t := range types {
		global[k] = base[t] + used[t]
		typed[k] = a.TypeRanges[t].Start + used[t]
		used[t]++
	}
	return global, typed, nil
}
