package pipeline

import (
	"context"
	"fmt"

	"github.com/dreamware/graphshard/internal/kvstore"
	"github.com/dreamware/graphshard/internal/storage"
)

// Publish loads the features of this worker's nodes into table name of the
// sharded store, keyed by new node id. Every worker calls it with its own
// LocalGraph and a connected client whose rank is the worker rank; worker 0
// creates the table. Publish does not shut the client down.
func Publish(ctx context.Context, c *kvstore.Client, g *LocalGraph, name string, width int) error {
	ids := make([]int64, len(g.Nodes))
	rows := make([][]float32, len(g.Nodes))
	for i, n := range g.Nodes {
		if len(n.Features) != width {
			return fmt.Errorf("node %d has %d features, table %q has %d", n.ID, len(n.Features), name, width)
		}
		ids[i] = n.ID
		rows[i] = n.Features
	}

	if g.Rank == 0 {
		if err := c.InitData(ctx, name, g.NumNodes, width, storage.Init{Kind: storage.InitZero}); err != nil {
			return err
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("wait for table %q: %w", name, err)
	}
	if g.Rank != 0 {
		if _, err := c.Attach(ctx, name); err != nil {
			return err
		}
	}

	if len(ids) > 0 {
		if err := c.Push(ctx, name, ids, rows); err != nil {
			return fmt.Errorf("publish %d rows to %q: %w", len(ids), name, err)
		}
	}
	// every worker's rows are in before anyone reads them
	return c.Barrier(ctx)
}
