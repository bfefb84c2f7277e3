package shuffle

import (
	"context"
	"fmt"

	"github.com/dreamware/graphshard/internal/collective"
	"github.com/dreamware/graphshard/internal/partition"
)

// missing marks an id the owner could not translate.
const missing = int64(-1)

// Lookup translates ids through the owners' tables: the owner of each id
// (per resolver) answers with table[id]. Every rank must call Lookup
// together, even with no ids of its own. Answers come back in ids order.
func Lookup(ctx context.Context, comm collective.Communicator, resolver partition.Resolver, table map[int64]int64, ids []int64) ([]int64, error) {
	owners, err := resolver.Resolve(ids)
	if err != nil {
		return nil, err
	}

	size := comm.Size()
	buckets := make([][]int64, size)
	positions := make([][]int, size)
	for i, o := range owners {
		if o >= size {
			return nil, fmt.Errorf("%w: id %d owned by rank %d in world of %d", collective.ErrWorldSize, ids[i], o, size)
		}
		buckets[o] = append(buckets[o], ids[i])
		positions[o] = append(positions[o], i)
	}

	requests, err := ExchangeBuckets(ctx, comm, Int64Codec{}, buckets)
	if err != nil {
		return nil, fmt.Errorf("lookup requests: %w", err)
	}

	// Unknown ids are answered rather than failed here so every rank
	// reaches the reply exchange.
	replies := make([][]int64, size)
	for from, req := range requests {
		replies[from] = make([]int64, len(req))
		for k, id := range req {
			v, ok := table[id]
			if !ok {
				v = missing
			}
			replies[from][k] = v
		}
	}

	answers, err := ExchangeBuckets(ctx, comm, Int64Codec{}, replies)
	if err != nil {
		return nil, fmt.Errorf("lookup replies: %w", err)
	}

	out := make([]int64, len(ids))
	for owner, ans := range answers {
		if len(ans) != len(positions[owner]) {
			return nil, fmt.Errorf("%w: rank %d answered %d of %d lookups",
				collective.ErrProtocol, owner, len(ans), len(positions[owner]))
		}
		for k, v := range ans {
			pos := positions[owner][k]
			if v == missing {
				return nil, fmt.Errorf("%w: %d not known to its owner rank %d", partition.ErrUnknownID, ids[pos], owner)
			}
			out[pos] = v
		}
	}
	return out, nil
}
