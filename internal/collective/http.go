package collective

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dreamware/graphshard/internal/cluster"
)

// Path is where HTTP communicators accept envelopes.
const Path = "/collective"

type httpTransport struct {
	book cluster.AddressBook
}

func (t *httpTransport) send(ctx context.Context, to int, env envelope) error {
	p, err := t.book.Peer(to)
	if err != nil {
		return err
	}
	return cluster.PostJSON(ctx, p.URL()+Path, env, nil)
}

// NewHTTP returns the communicator for rank over the HTTP address book. The
// caller mounts Handler on its mux at Path before any collective runs.
func NewHTTP(rank int, book cluster.AddressBook, opts Options) (*Comm, error) {
	if rank < 0 || rank >= len(book) {
		return nil, fmt.Errorf("%w: rank %d not in address book of %d", ErrWorldSize, rank, len(book))
	}
	return newComm(rank, len(book), &httpTransport{book: book}, opts), nil
}

// Handler accepts envelopes posted by peers.
func (c *Comm) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := c.deliver(env); err != nil {
			c.logger.Error("rejected collective message", "from", env.From, "round", env.Round, "err", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
