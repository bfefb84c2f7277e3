package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dreamware/graphshard/internal/cluster"
	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/storage"
)

// Options configures a Server.
type Options struct {
	// PushHandler merges an incoming row into a stored one. Nil means
	// storage.Accumulate.
	PushHandler storage.UpdateFunc
	Logger      *slog.Logger
	// Rank is this server's index in the server address book.
	Rank int
	// ClientCount is the number of trainer clients that will connect.
	ClientCount int
	// InboxSize bounds the number of requests queued for the service loop.
	InboxSize int
}

type request struct {
	reply chan response
	msg   Message
}

type response struct {
	err error
	msg Message
}

// Server hosts one shard of every table. HTTP handlers only decode and
// enqueue; a single service loop (Run) applies requests one at a time, so
// table state has exactly one writer.
type Server struct {
	shard     *shard.Shard
	logger    *slog.Logger
	push      storage.UpdateFunc
	inbox     chan *request
	done      chan struct{}
	ready     chan struct{}
	connected map[int]bool
	opts      Options
	connMu    sync.Mutex
	runOnce   sync.Once
}

// NewServer creates a server. Call Run to start serving and mount Handler
// on an HTTP server.
func NewServer(opts Options) (*Server, error) {
	if opts.ClientCount <= 0 {
		return nil, fmt.Errorf("client count must be positive, got %d", opts.ClientCount)
	}
	if opts.Rank < 0 {
		return nil, fmt.Errorf("server rank must not be negative, got %d", opts.Rank)
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.PushHandler == nil {
		opts.PushHandler = storage.Accumulate
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:      opts,
		shard:     shard.NewShard(opts.Rank),
		logger:    logger.With("server", opts.Rank),
		push:      opts.PushHandler,
		inbox:     make(chan *request, opts.InboxSize),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		connected: make(map[int]bool),
	}, nil
}

// Shard exposes the hosted shard for inspection.
func (s *Server) Shard() *shard.Shard { return s.shard }

// Run waits until every client has connected, then serves requests until
// every client has sent FINAL (returns nil), a protocol error occurs
// (returns it), or ctx ends. Run may be called once.
func (s *Server) Run(ctx context.Context) error {
	err := errors.New("server already ran")
	s.runOnce.Do(func() {
		defer close(s.done)
		err = s.run(ctx)
	})
	return err
}

func (s *Server) run(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("all clients connected", "clients", s.opts.ClientCount)

	var barrier []*request
	finals := make(map[int]bool)

	fail := func(req *request, err error) error {
		s.logger.Error("protocol error", "kind", req.msg.Kind, "sender", req.msg.SenderRank, "error", err)
		req.reply <- response{err: err}
		for _, w := range barrier {
			w.reply <- response{err: fmt.Errorf("%w: released after failure of client %d", ErrClosed, req.msg.SenderRank)}
		}
		return err
	}

	for {
		var req *request
		select {
		case req = <-s.inbox:
		case <-ctx.Done():
			for _, w := range barrier {
				w.reply <- response{err: ctx.Err()}
			}
			return ctx.Err()
		}

		msg := req.msg
		if msg.SenderRank < 0 || msg.SenderRank >= s.opts.ClientCount {
			return fail(req, fmt.Errorf("%w: sender rank %d not in [0,%d)", ErrProtocol, msg.SenderRank, s.opts.ClientCount))
		}

		switch msg.Kind {
		case KindBarrier:
			for _, w := range barrier {
				if w.msg.SenderRank == msg.SenderRank {
					return fail(req, fmt.Errorf("%w: client %d entered the barrier twice", ErrProtocol, msg.SenderRank))
				}
			}
			barrier = append(barrier, req)
			if len(barrier) == s.opts.ClientCount {
				for _, w := range barrier {
					w.reply <- response{msg: Message{Kind: KindBarrier, SenderRank: w.msg.SenderRank}}
				}
				barrier = nil
			}

		case KindFinal:
			if finals[msg.SenderRank] {
				s.logger.Debug("duplicate final ignored", "client", msg.SenderRank)
			}
			finals[msg.SenderRank] = true
			req.reply <- response{msg: Message{Kind: KindFinal, SenderRank: msg.SenderRank}}
			if len(finals) == s.opts.ClientCount {
				for _, w := range barrier {
					w.reply <- response{err: fmt.Errorf("%w: every client finished", ErrClosed)}
				}
				s.logger.Info("all clients finished", "stats", s.shard.GetStats())
				return nil
			}

		default:
			reply, err := s.apply(msg)
			if err != nil {
				return fail(req, err)
			}
			req.reply <- response{msg: reply}
		}
	}
}

// apply serves the table operations.
func (s *Server) apply(msg Message) (Message, error) {
	switch msg.Kind {
	case KindInit:
		if msg.Layout == nil || len(msg.Shape) != 2 {
			return Message{}, fmt.Errorf("%w: INIT of %q needs a layout and a 2-d shape", ErrProtocol, msg.Name)
		}
		layout := *msg.Layout
		if msg.GlobalRows != layout.Rows {
			return Message{}, fmt.Errorf("%w: INIT of %q: global rows %d disagree with layout rows %d",
				ErrProtocol, msg.Name, msg.GlobalRows, layout.Rows)
		}
		if want := layout.ShardRows(s.opts.Rank); msg.Shape[0] != want {
			return Message{}, fmt.Errorf("%w: INIT of %q: shard %d holds %d rows, got %d",
				ErrProtocol, msg.Name, s.opts.Rank, want, msg.Shape[0])
		}
		init := storage.Init{}
		if msg.Init != nil {
			init = *msg.Init
		}
		created, err := s.shard.Init(msg.Name, layout, int(msg.Shape[1]), init)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if created {
			s.logger.Info("table initialized", "name", msg.Name, "rows", msg.Shape[0], "dim", msg.Shape[1], "init", init.Kind)
		}
		return Message{Kind: KindInit, Name: msg.Name}, nil

	case KindPush:
		if err := s.shard.Push(msg.Name, msg.IDs, msg.Payload, s.push); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Message{Kind: KindPush, Name: msg.Name}, nil

	case KindPull:
		rows, err := s.shard.Pull(msg.Name, msg.IDs)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Message{Kind: KindPullBack, Name: msg.Name, IDs: msg.IDs, Payload: rows}, nil

	case KindInfo:
		info := s.shard.Info()
		if msg.Name != "" {
			t, ok := s.shard.Table(msg.Name)
			info.Tables = nil
			if ok {
				info.Tables = []shard.TableInfo{t}
			}
		}
		return Message{Kind: KindInfo, Name: msg.Name, Info: &info}, nil
	}
	return Message{}, fmt.Errorf("%w: unknown message kind %q", ErrProtocol, msg.Kind)
}

// submit hands msg to the service loop and waits for its answer.
func (s *Server) submit(ctx context.Context, msg Message) (Message, error) {
	req := &request{msg: msg, reply: make(chan response, 1)}
	select {
	case s.inbox <- req:
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.msg, resp.err
	case <-s.done:
		// the loop may have answered just before exiting
		select {
		case resp := <-req.reply:
			return resp.msg, resp.err
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// connect records a client rank. It reports whether the rendezvous is
// complete.
func (s *Server) connect(rank int) (bool, error) {
	if rank < 0 || rank >= s.opts.ClientCount {
		return false, fmt.Errorf("client rank %d not in [0,%d)", rank, s.opts.ClientCount)
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if len(s.connected) == s.opts.ClientCount {
		return true, nil
	}
	if !s.connected[rank] {
		s.connected[rank] = true
		s.logger.Info("client connected", "client", rank, "connected", len(s.connected))
	}
	if len(s.connected) == s.opts.ClientCount {
		close(s.ready)
		return true, nil
	}
	return false, nil
}

// Handler returns the server's HTTP API:
//
//	GET  /health   liveness
//	POST /connect  rendezvous, body cluster.RegisterRequest
//	POST /kv       one Message, answered with one Message
//	GET  /info     shard tables and counters
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/kv", s.handleMessage)
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.shard.Info())
	})
	return mux
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if _, err := s.connect(req.Rank); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	reply, err := s.submit(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, reply)
	case errors.Is(err, ErrProtocol):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode reply: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(data, '\n'))
}
