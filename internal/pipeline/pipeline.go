// Package pipeline materializes each worker's piece of the graph from the
// raw fragments it read: node rows move to their owners, owners renumber
// them, edges move to the owner of their destination and both endpoints are
// translated to the new numbering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/exp/slices"

	"github.com/dreamware/graphshard/internal/collective"
	"github.com/dreamware/graphshard/internal/globalid"
	"github.com/dreamware/graphshard/internal/partition"
	"github.com/dreamware/graphshard/internal/shuffle"
)

// ErrIncomplete is returned when a node the partition book assigns to a
// worker was not read by any worker.
var ErrIncomplete = errors.New("partition incomplete")

// Fragment is what one worker read from the raw input. Ids are the
// original global ids the partition book speaks.
type Fragment struct {
	Nodes []shuffle.Record `json:"nodes"`
	Edges []shuffle.Edge   `json:"edges"`
	// NodeTypes and EdgeTypes are the number of types; every worker must
	// agree on them.
	NodeTypes int `json:"node_types"`
	EdgeTypes int `json:"edge_types"`
	// FeatureWidth is the payload width of every node row.
	FeatureWidth int `json:"feature_width"`
	// NodeTypeCounts optionally holds the node count of every type across
	// the whole input, original ids laid out type after type. When set,
	// node rows are addressed by (type, type_local_id), their global_id is
	// derived, and each worker checks that it received every node the book
	// gives it.
	NodeTypeCounts []int64 `json:"node_type_counts,omitempty"`
}

// Node is a node owned by this worker after renumbering.
type Node struct {
	Features []float32 `json:"features,omitempty"`
	ID       int64     `json:"id"`
	OrigID   int64     `json:"orig_id"`
	TypeID   int64     `json:"type_id"`
	Type     int32     `json:"type"`
}

// LocalEdge is an edge stored on this worker, in the new numbering.
type LocalEdge struct {
	ID     int64 `json:"id"`
	Src    int64 `json:"src"`
	Dst    int64 `json:"dst"`
	TypeID int64 `json:"type_id"`
	Type   int32 `json:"type"`
}

// LocalGraph is one worker's materialized partition.
type LocalGraph struct {
	// Inner holds the new ids owned here.
	Inner *roaring64.Bitmap `json:"-"`
	Nodes []Node            `json:"nodes"`
	Edges []LocalEdge       `json:"edges"`
	// Halo lists endpoints referenced by local edges but owned elsewhere,
	// ascending.
	Halo      []int64        `json:"halo"`
	NodeIDs   globalid.Range `json:"node_ids"`
	EdgeIDs   globalid.Range `json:"edge_ids"`
	NumNodes  int64          `json:"num_nodes"`
	NumEdges  int64          `json:"num_edges"`
	Rank      int            `json:"rank"`
	WorldSize int            `json:"world_size"`
}

// Options tunes Run.
type Options struct {
	Logger *slog.Logger
}

// Run executes the repartition job on this worker. Every worker calls Run
// at the same time with its own fragment; it is a sequence of collective
// steps, so one failing worker fails all of them.
func Run(ctx context.Context, comm collective.Communicator, book partition.Resolver, frag Fragment, opts Options) (*LocalGraph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rank", comm.Rank())

	if book.NumParts() > comm.Size() {
		return nil, fmt.Errorf("%w: partition book has %d parts for %d workers",
			collective.ErrWorldSize, book.NumParts(), comm.Size())
	}
	if n := len(frag.NodeTypeCounts); n > 0 && n != frag.NodeTypes {
		return nil, fmt.Errorf("fragment lists %d node type counts for %d node types", n, frag.NodeTypes)
	}

	nodes, err := shuffleNodes(ctx, comm, book, frag)
	if err != nil {
		return nil, err
	}
	logger.Info("nodes shuffled", "owned", len(nodes))

	nodeCounts := make([]int64, frag.NodeTypes)
	nodeTypes := make([]int32, len(nodes))
	for i, n := range nodes {
		if n.Type < 0 || int(n.Type) >= frag.NodeTypes {
			return nil, fmt.Errorf("node %d has type %d of %d", n.GlobalID, n.Type, frag.NodeTypes)
		}
		nodeCounts[n.Type]++
		nodeTypes[i] = n.Type
	}
	nodeAssign, err := globalid.Assign(ctx, comm, nodeCounts)
	if err != nil {
		return nil, fmt.Errorf("assign node ids: %w", err)
	}
	newIDs, typeIDs, err := nodeAssign.IDs(nodeTypes)
	if err != nil {
		return nil, err
	}

	g := &LocalGraph{
		Rank:      comm.Rank(),
		WorldSize: comm.Size(),
		NodeIDs:   nodeAssign.Block,
		NumNodes:  nodeAssign.Total,
		Inner:     roaring64.New(),
		Nodes:     make([]Node, len(nodes)),
	}
	renumber := make(map[int64]int64, len(nodes))
	for i, n := range nodes {
		g.Nodes[i] = Node{ID: newIDs[i], OrigID: n.GlobalID, TypeID: typeIDs[i], Type: n.Type, Features: n.Payload}
		renumber[n.GlobalID] = newIDs[i]
		g.Inner.Add(uint64(newIDs[i]))
	}

	edges, err := shuffleEdges(ctx, comm, book, frag)
	if err != nil {
		return nil, err
	}
	logger.Info("edges shuffled", "stored", len(edges))

	endpoints := make([]int64, 0, 2*len(edges))
	for _, e := range edges {
		endpoints = append(endpoints, e.Src, e.Dst)
	}
	translated, err := shuffle.Lookup(ctx, comm, book, renumber, endpoints)
	if err != nil {
		return nil, fmt.Errorf("translate edge endpoints: %w", err)
	}

	edgeCounts := make([]int64, frag.EdgeTypes)
	edgeTypes := make([]int32, len(edges))
	for i, e := range edges {
		if e.Type < 0 || int(e.Type) >= frag.EdgeTypes {
			return nil, fmt.Errorf("edge (%d,%d) has type %d of %d", e.Src, e.Dst, e.Type, frag.EdgeTypes)
		}
		edgeCounts[e.Type]++
		edgeTypes[i] = e.Type
	}
	edgeAssign, err := globalid.Assign(ctx, comm, edgeCounts)
	if err != nil {
		return nil, fmt.Errorf("assign edge ids: %w", err)
	}
	edgeIDs, edgeTypeIDs, err := edgeAssign.IDs(edgeTypes)
	if err != nil {
		return nil, err
	}

	g.EdgeIDs = edgeAssign.Block
	g.NumEdges = edgeAssign.Total
	g.Edges = make([]LocalEdge, len(edges))
	halo := roaring64.New()
	for i, e := range edges {
		src, dst := translated[2*i], translated[2*i+1]
		g.Edges[i] = LocalEdge{ID: edgeIDs[i], Src: src, Dst: dst, Type: e.Type, TypeID: edgeTypeIDs[i]}
		for _, v := range [2]int64{src, dst} {
			if !g.Inner.Contains(uint64(v)) {
				halo.Add(uint64(v))
			}
		}
	}
	g.Halo = make([]int64, 0, halo.GetCardinality())
	it := halo.Iterator()
	for it.HasNext() {
		g.Halo = append(g.Halo, int64(it.Next()))
	}
	logger.Info("partition materialized", "nodes", len(g.Nodes), "edges", len(g.Edges), "halo", len(g.Halo))
	return g, nil
}

// shuffleNodes moves node rows to their owners and returns them sorted by
// original id, the deterministic order numbering relies on.
func shuffleNodes(ctx context.Context, comm collective.Communicator, book partition.Resolver, frag Fragment) ([]shuffle.Record, error) {
	rows := frag.Nodes
	var (
		offsets *partition.TypeOffsets
		dest    []int
		err     error
	)
	if len(frag.NodeTypeCounts) > 0 {
		if offsets, err = partition.NewTypeOffsets(frag.NodeTypeCounts); err != nil {
			return nil, err
		}
		rows, dest, err = typedNodes(book, offsets, frag.Nodes)
	} else {
		ids := make([]int64, len(rows))
		for i, n := range rows {
			ids[i] = n.GlobalID
		}
		dest, err = book.Resolve(ids)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve node owners: %w", err)
	}

	nodes, err := shuffle.Exchange(ctx, comm, shuffle.RecordCodec{Width: frag.FeatureWidth}, rows, dest)
	if err != nil {
		return nil, fmt.Errorf("exchange nodes: %w", err)
	}
	slices.SortFunc(nodes, func(a, b shuffle.Record) int { return cmpInt64(a.GlobalID, b.GlobalID) })
	for i := 1; i < len(nodes); i++ {
		if nodes[i].GlobalID == nodes[i-1].GlobalID {
			return nil, fmt.Errorf("node %d read by more than one worker", nodes[i].GlobalID)
		}
	}
	if offsets != nil {
		if err := checkOwned(book, comm.Rank(), offsets.Total(), nodes); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// typedNodes fills in the global id of every row from its type and
// type-local id and resolves the owners.
func typedNodes(book partition.Resolver, offsets *partition.TypeOffsets, nodes []shuffle.Record) ([]shuffle.Record, []int, error) {
	types := make([]int32, len(nodes))
	local := make([]int64, len(nodes))
	for i, n := range nodes {
		types[i], local[i] = n.Type, n.TypeLocalID
	}
	dest, err := partition.ResolveTyped(book, offsets, types, local)
	if err != nil {
		return nil, nil, err
	}
	out := slices.Clone(nodes)
	for i := range out {
		if out[i].GlobalID, err = offsets.ToGlobal(types[i], local[i]); err != nil {
			return nil, nil, err
		}
	}
	return out, dest, nil
}

// checkOwned fails if a node in [0, total) that the book gives rank is
// missing from nodes, which are sorted by global id.
func checkOwned(book partition.Resolver, rank int, total int64, nodes []shuffle.Record) error {
	want, err := partition.Owned(book, rank, 0, total)
	if err != nil {
		return fmt.Errorf("list owned nodes: %w", err)
	}
	j := 0
	for _, id := range want {
		if j < len(nodes) && nodes[j].GlobalID == id {
			j++
			continue
		}
		return fmt.Errorf("%w: node %d owned by worker %d was not read", ErrIncomplete, id, rank)
	}
	return nil
}

// shuffleEdges moves edges to the owner of their destination and sorts them
// canonically.
func shuffleEdges(ctx context.Context, comm collective.Communicator, book partition.Resolver, frag Fragment) ([]shuffle.Edge, error) {
	dsts := make([]int64, len(frag.Edges))
	for i, e := range frag.Edges {
		dsts[i] = e.Dst
	}
	dest, err := book.Resolve(dsts)
	if err != nil {
		return nil, fmt.Errorf("resolve edge owners: %w", err)
	}
	edges, err := shuffle.Exchange(ctx, comm, shuffle.EdgeCodec{}, frag.Edges, dest)
	if err != nil {
		return nil, fmt.Errorf("exchange edges: %w", err)
	}
	slices.SortFunc(edges, func(a, b shuffle.Edge) int {
		if c := cmpInt64(a.Dst, b.Dst); c != 0 {
			return c
		}
		if c := cmpInt64(a.Src, b.Src); c != 0 {
			return c
		}
		if a.Type != b.Type {
			return int(a.Type - b.Type)
		}
		return cmpInt64(a.TypeLocalID, b.TypeLocalID)
	})
	return edges, nil
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
