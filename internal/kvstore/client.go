package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/graphshard/internal/cluster"
	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/storage"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger *slog.Logger
	// Mode is the layout used by InitData. Empty means shard.Contiguous.
	Mode shard.Mode
	// Servers lists the store servers by rank.
	Servers cluster.AddressBook
	// Rank identifies this client to the servers, in [0, client count).
	Rank int
	// RequestTimeout bounds every request. Zero means cluster.DefaultTimeout.
	RequestTimeout time.Duration
	// PollInterval spaces readiness probes during Connect. Zero means 100ms.
	PollInterval time.Duration
	// HealthInterval enables a background monitor that fails the client when
	// a server stops answering. Zero disables it.
	HealthInterval time.Duration
}

var probeClient = &http.Client{Timeout: 2 * time.Second}

// Client talks to every store server. Methods are safe for concurrent use
// once Connect returned.
type Client struct {
	layouts  map[string]shard.Layout
	life     context.Context
	cancel   context.CancelCauseFunc
	monitor  *cluster.HealthMonitor
	logger   *slog.Logger
	opts     ClientOptions
	mu       sync.RWMutex
	shutOnce sync.Once
	shutErr  error
}

// NewClient creates a client; it does not contact any server.
func NewClient(opts ClientOptions) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, fmt.Errorf("%w: no store servers", cluster.ErrBadAddressBook)
	}
	if opts.Rank < 0 {
		return nil, fmt.Errorf("client rank must not be negative, got %d", opts.Rank)
	}
	if opts.Mode == "" {
		opts.Mode = shard.Contiguous
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = cluster.DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life, cancel := context.WithCancelCause(context.Background())
	return &Client{
		opts:    opts,
		logger:  logger.With("client", opts.Rank),
		layouts: make(map[string]shard.Layout),
		life:    life,
		cancel:  cancel,
	}, nil
}

// NumServers is the number of store servers.
func (c *Client) NumServers() int { return len(c.opts.Servers) }

// Connect waits until every server answers its health probe, then registers
// this client with each of them. Servers start serving once all clients
// registered.
func (c *Client) Connect(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)
	for _, p := range c.opts.Servers {
		for attempt := 1; ; attempt++ {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for store server %d: %w", p.Rank, err)
			}
			err := cluster.Ping(ctx, probeClient, p)
			if err == nil {
				break
			}
			c.logger.Debug("store server not ready", "server", p.Rank, "attempt", attempt, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.opts.Servers {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, c.opts.RequestTimeout)
			defer cancel()
			if err := cluster.PostJSON(rctx, p.URL()+"/connect", cluster.RegisterRequest{Rank: c.opts.Rank}, nil); err != nil {
				return fmt.Errorf("register with store server %d: %w", p.Rank, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if c.opts.HealthInterval > 0 {
		c.monitor = cluster.NewHealthMonitor(c.opts.HealthInterval, c.logger)
		c.monitor.SetOnUnhealthy(func(rank int) {
			fails := 0
			if h := c.monitor.PeerHealth(rank); h != nil {
				fails = h.ConsecutiveFails
			}
			c.cancel(fmt.Errorf("store server %d is unhealthy after %d failed checks", rank, fails))
		})
		c.monitor.Start(c.life, c.opts.Servers)
	}
	c.logger.Info("connected to store servers", "servers", len(c.opts.Servers))
	return nil
}

// send posts msg to one server and decodes its reply.
func (c *Client) send(ctx context.Context, server int, msg Message) (Message, error) {
	if err := context.Cause(c.life); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	p, err := c.opts.Servers.Peer(server)
	if err != nil {
		return Message{}, err
	}
	msg.SenderRank = c.opts.Rank
	var reply Message
	err = cluster.PostJSON(ctx, p.URL()+"/kv", msg, &reply)
	if err == nil {
		return reply, nil
	}
	if cause := context.Cause(c.life); cause != nil {
		return Message{}, fmt.Errorf("%s to server %d: %w: %v", msg.Kind, server, ErrClosed, cause)
	}
	var se *cluster.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusConflict:
			return Message{}, fmt.Errorf("%s to server %d: %w: %s", msg.Kind, server, ErrProtocol, se.Detail)
		case http.StatusServiceUnavailable:
			return Message{}, fmt.Errorf("%s to server %d: %w: %s", msg.Kind, server, ErrClosed, se.Detail)
		}
	}
	return Message{}, fmt.Errorf("%s to server %d: %w", msg.Kind, server, err)
}

// broadcast sends one message per server concurrently, built by mk.
func (c *Client) broadcast(ctx context.Context, mk func(server int) Message) ([]Message, error) {
	replies := make([]Message, len(c.opts.Servers))
	g, gctx := errgroup.WithContext(ctx)
	for s := range c.opts.Servers {
		g.Go(func() error {
			r, err := c.send(gctx, s, mk(s))
			replies[s] = r
			return err
		})
	}
	return replies, g.Wait()
}

func (c *Client) layout(name string) (shard.Layout, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layouts[name]
	if !ok {
		return shard.Layout{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return l, nil
}

func (c *Client) remember(name string, l shard.Layout) {
	c.mu.Lock()
	c.layouts[name] = l
	c.mu.Unlock()
}

// InitData creates table name with rows×dim values spread over every
// server. One client calls it; the others Attach after a Barrier.
func (c *Client) InitData(ctx context.Context, name string, rows int64, dim int, init storage.Init) error {
	if err := init.Validate(); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: dim %d", storage.ErrBadShape, dim)
	}
	l, err := shard.NewLayout(rows, len(c.opts.Servers), c.opts.Mode)
	if err != nil {
		return err
	}
	_, err = c.broadcast(ctx, func(s int) Message {
		return Message{
			Kind:       KindInit,
			Name:       name,
			Shape:      []int64{l.ShardRows(s), int64(dim)},
			GlobalRows: rows,
			Layout:     &l,
			Init:       &init,
		}
	})
	if err != nil {
		return fmt.Errorf("init %q: %w", name, err)
	}
	c.remember(name, l)
	c.logger.Info("table created", "name", name, "rows", rows, "dim", dim, "mode", l.Mode)
	return nil
}

// Attach learns the layout of a table another client created.
func (c *Client) Attach(ctx context.Context, name string) (shard.Layout, error) {
	reply, err := c.send(ctx, 0, Message{Kind: KindInfo, Name: name})
	if err != nil {
		return shard.Layout{}, err
	}
	if reply.Info == nil || len(reply.Info.Tables) == 0 {
		return shard.Layout{}, fmt.Errorf("attach %q: %w", name, shard.ErrNoTable)
	}
	l := reply.Info.Tables[0].Layout
	if l.Shards != len(c.opts.Servers) {
		return shard.Layout{}, fmt.Errorf("attach %q: table spans %d servers, client knows %d",
			name, l.Shards, len(c.opts.Servers))
	}
	c.remember(name, l)
	return l, nil
}

// Push merges payload rows into the rows of ids with every server's push
// handler. payload[i] belongs to ids[i].
func (c *Client) Push(ctx context.Context, name string, ids []int64, payload [][]float32) error {
	if len(ids) != len(payload) {
		return fmt.Errorf("push %q: %d ids but %d payload rows", name, len(ids), len(payload))
	}
	l, err := c.layout(name)
	if err != nil {
		return err
	}
	batches, err := l.Group(ids)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		rows := make([][]float32, len(b.Pos))
		for i, p := range b.Pos {
			rows[i] = payload[p]
		}
		g.Go(func() error {
			_, err := c.send(gctx, b.Server, Message{Kind: KindPush, Name: name, IDs: b.Global, Payload: rows})
			return err
		})
	}
	return g.Wait()
}

// pull fetches every batch and returns the replies by batch.
func (c *Client) pull(ctx context.Context, name string, ids []int64) ([]shard.Batch, [][][]float32, error) {
	l, err := c.layout(name)
	if err != nil {
		return nil, nil, err
	}
	batches, err := l.Group(ids)
	if err != nil {
		return nil, nil, err
	}

	results := make([][][]float32, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range batches {
		g.Go(func() error {
			reply, err := c.send(gctx, b.Server, Message{Kind: KindPull, Name: name, IDs: b.Global})
			if err != nil {
				return err
			}
			if reply.Kind != KindPullBack || len(reply.Payload) != len(b.Global) {
				return fmt.Errorf("%w: server %d answered %s with %d rows for %d ids",
					ErrProtocol, b.Server, reply.Kind, len(reply.Payload), len(b.Global))
			}
			results[i] = reply.Payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return batches, results, nil
}

// Pull gathers the rows of ids. Rows come back grouped by server in
// server-rank order, each group in the caller's relative order; the
// returned ids give the order of the rows.
func (c *Client) Pull(ctx context.Context, name string, ids []int64) ([]int64, [][]float32, error) {
	batches, results, err := c.pull(ctx, name, ids)
	if err != nil {
		return nil, nil, err
	}
	order := make([]int64, 0, len(ids))
	rows := make([][]float32, 0, len(ids))
	for i, b := range batches {
		order = append(order, b.Global...)
		rows = append(rows, results[i]...)
	}
	return order, rows, nil
}

// PullOrdered gathers the rows of ids in the caller's order.
func (c *Client) PullOrdered(ctx context.Context, name string, ids []int64) ([][]float32, error) {
	batches, results, err := c.pull(ctx, name, ids)
	if err != nil {
		return nil, err
	}
	rows := make([][]float32, len(ids))
	for i, b := range batches {
		for j, p := range b.Pos {
			rows[p] = results[i][j]
		}
	}
	return rows, nil
}

// ShardInfo reads the tables and counters of one server from its /info
// endpoint. It does not pass through the service loop.
func (c *Client) ShardInfo(ctx context.Context, server int) (shard.ShardInfo, error) {
	var info shard.ShardInfo
	p, err := c.opts.Servers.Peer(server)
	if err != nil {
		return info, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := cluster.GetJSON(ctx, p.URL()+"/info", &info); err != nil {
		return info, fmt.Errorf("info from server %d: %w", server, err)
	}
	return info, nil
}

// Barrier returns once every client has entered it.
func (c *Client) Barrier(ctx context.Context) error {
	_, err := c.broadcast(ctx, func(int) Message { return Message{Kind: KindBarrier} })
	return err
}

// ShutDown tells every server this client is finished. Servers exit once
// all clients shut down. Calling it again returns the first result.
func (c *Client) ShutDown(ctx context.Context) error {
	c.shutOnce.Do(func() {
		if c.monitor != nil {
			c.monitor.Stop()
		}
		_, c.shutErr = c.broadcast(ctx, func(int) Message { return Message{Kind: KindFinal} })
		c.cancel(ErrClosed)
		if c.shutErr == nil {
			c.logger.Info("client shut down")
		}
	})
	return c.shutErr
}

// Close releases the client without notifying servers.
func (c *Client) Close() {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.cancel(ErrClosed)
}
