package collective

import (
	"context"

	"golang.org/x/exp/slices"
)

// meshTransport connects communicators living in one process.
type meshTransport struct {
	peers []*Comm
}

func (t *meshTransport) send(ctx context.Context, to int, env envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.Data = slices.Clone(env.Data)
	return t.peers[to].deliver(env)
}

// NewMesh returns size communicators wired to each other in memory. It backs
// single-machine runs and tests; each communicator is meant to be driven by
// its own goroutine.
func NewMesh(size int, opts Options) []*Comm {
	t := &meshTransport{peers: make([]*Comm, size)}
	for rank := range t.peers {
		t.peers[rank] = newComm(rank, size, t, opts)
	}
	return slices.Clone(t.peers)
}
