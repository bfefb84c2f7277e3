package globalid

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/graphshard/internal/collective"
)

// assignAll runs Assign on every rank of a mesh with counts[rank].
func assignAll(t *testing.T, counts [][]int64) []*Assignment {
	t.Helper()
	comms := collective.NewMesh(len(counts), collective.Options{})
	out := make([]*Assignment, len(counts))
	errs := make([]error, len(counts))

	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i], errs[i] = Assign(context.Background(), c, counts[i])
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return out
}

func TestAssignPrefixSums(t *testing.T) {
	// 3 workers, 2 types
	counts := [][]int64{{2, 1}, {0, 3}, {4, 0}}
	as := assignAll(t, counts)

	assert.Equal(t, Range{0, 3}, as[0].Block)
	assert.Equal(t, Range{3, 6}, as[1].Block)
	assert.Equal(t, Range{6, 10}, as[2].Block)

	assert.Equal(t, []Range{{0, 2}, {0, 1}}, as[0].TypeRanges)
	assert.Equal(t, []Range{{2, 2}, {1, 4}}, as[1].TypeRanges)
	assert.Equal(t, []Range{{2, 6}, {4, 4}}, as[2].TypeRanges)

	for _, a := range as {
		assert.Equal(t, int64(10), a.Total)
		assert.Equal(t, []int64{6, 4}, a.TypeTotals)
	}
}

// TestAssignBijection checks ids cover [0, total) exactly once for random
// counts, and that worker i's block starts at the sum of earlier counts.
func TestAssignBijection(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		workers := 1 + rng.Intn(5)
		types := 1 + rng.Intn(3)
		counts := make([][]int64, workers)
		for w := range counts {
			counts[w] = make([]int64, types)
			for ty := range counts[w] {
				counts[w][ty] = int64(rng.Intn(20))
			}
		}
		as := assignAll(t, counts)

		var total, prefix int64
		for _, c := range counts {
			for _, n := range c {
				total += n
			}
		}
		seen := make([]bool, total)
		typeSeen := make([]map[int64]bool, types)
		for ty := range typeSeen {
			typeSeen[ty] = map[int64]bool{}
		}

		for w, a := range as {
			assert.Equal(t, prefix, a.Block.Start)
			prefix += a.Block.Len()

			var recTypes []int32
			for ty, n := range counts[w] {
				for k := int64(0); k < n; k++ {
					recTypes = append(recTypes, int32(ty))
				}
			}
			rng.Shuffle(len(recTypes), func(i, j int) { recTypes[i], recTypes[j] = recTypes[j], recTypes[i] })

			global, typed, err := a.IDs(recTypes)
			require.NoError(t, err)
			for k, g := range global {
				require.True(t, a.Block.Contains(g))
				require.False(t, seen[g], "duplicate id %d", g)
				seen[g] = true

				ty := recTypes[k]
				require.False(t, typeSeen[ty][typed[k]])
				typeSeen[ty][typed[k]] = true
			}
		}
		assert.Equal(t, total, prefix)
		for id, ok := range seen {
			assert.True(t, ok, "gap at %d", id)
		}
		for ty, m := range typeSeen {
			assert.Len(t, m, int(as[0].TypeTotals[ty]))
		}
	}
}

// TestIDsDeterministic checks the same input order yields the same ids
func TestIDsDeterministic(t *testing.T) {
	as := assignAll(t, [][]int64{{2, 2}, {1, 1}})
	types := []int32{1, 0, 0, 1}

	g1, t1, err := as[1].IDs([]int32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, g1)
	assert.Equal(t, []int64{2, 2}, t1)

	a, b, err := as[0].IDs(types)
	require.NoError(t, err)
	c, d, err := as[0].IDs(types)
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.Equal(t, b, d)
	// type 0 occupies [0,2) of the block, type 1 [2,4), in input order
	assert.Equal(t, []int64{2, 0, 1, 3}, a)
	assert.Equal(t, []int64{0, 0, 1, 1}, b)
}

func TestIDsRejectsMismatch(t *testing.T) {
	as := assignAll(t, [][]int64{{2}})
	_, _, err := as[0].IDs([]int32{0})
	assert.ErrorIs(t, err, ErrCountMismatch)
	_, _, err = as[0].IDs([]int32{0, 1})
	assert.Error(t, err)
}

func TestAssignRejectsNegative(t *testing.T) {
	comms := collective.NewMesh(1, collective.Options{})
	_, err := Assign(context.Background(), comms[0], []int64{-1})
	assert.Error(t, err)
}

// TestAssignIsBarrier verifies a worker that never reports stalls the rest
// until their deadline.
func TestAssignIsBarrier(t *testing.T) {
	comms := collective.NewMesh(2, collective.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Assign(ctx, comms[0], []int64{3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestAssignTypeCountMismatch: workers that disagree on the number of types
// all fail instead of mixing up each other's counts.
func TestAssignTypeCountMismatch(t *testing.T) {
	comms := collective.NewMesh(2, collective.Options{})
	counts := [][]int64{{1}, {1, 2}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = Assign(ctx, c, counts[i])
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		assert.ErrorIs(t, err, collective.ErrWorldSize, "rank %d", rank)
	}
}

// TestAssignNoTypesIsBarrier: with no types Assign still waits for every
// worker.
func TestAssignNoTypesIsBarrier(t *testing.T) {
	comms := collective.NewMesh(2, collective.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Assign(ctx, comms[0], nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	as := assignAll(t, [][]int64{{}, {}})
	for _, a := range as {
		assert.Equal(t, int64(0), a.Total)
	}
}
