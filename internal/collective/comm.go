// Package collective implements the blocking collectives the shuffle needs:
// an all-gather of sizes and a variable-size all-to-all, on top of any
// reliable point-to-point transport.
//
// Every rank must call the same collectives in the same order. Each call is a
// hard barrier: it returns only once every rank has contributed, or fails
// when the context ends. Nothing is retried; a failed collective fails the
// job.
package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrWorldSize is returned when ranks disagree on the number of
	// participants.
	ErrWorldSize = errors.New("world size mismatch")

	// ErrProtocol is returned for malformed or unexpected collective traffic.
	ErrProtocol = errors.New("collective protocol error")
)

// Communicator is the collective surface shared by every worker.
type Communicator interface {
	Rank() int
	Size() int
	// AllGatherSizes returns every rank's n, indexed by rank.
	AllGatherSizes(ctx context.Context, n int64) ([]int64, error)
	// AllToAllV sends send[i] to rank i and returns what each rank sent
	// here, indexed by sender. len(send) must equal Size().
	AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error)
	// Barrier blocks until every rank reached it.
	Barrier(ctx context.Context) error
}

// Options tunes a Comm.
type Options struct {
	Logger *slog.Logger
	// SendConcurrency bounds concurrent outgoing sends; 0 means 16.
	SendConcurrency int
	Compression     Compression
}

// op names the step of a collective an envelope belongs to. Ranks that
// disagree on the step of a round are out of step with each other.
type op string

const (
	opGather  op = "gather"
	opSizes   op = "a2a-sizes"
	opPayload op = "a2a-payload"
)

// envelope is one point-to-point message of a collective round.
type envelope struct {
	Op    op     `json:"op"`
	Data  []byte `json:"data"`
	Round uint64 `json:"round"`
	From  int    `json:"from"`
}

type transport interface {
	send(ctx context.Context, to int, env envelope) error
}

// Comm implements Communicator over a transport.
type Comm struct {
	tr     transport
	box    *mailbox
	logger *slog.Logger
	opts   Options
	rank   int
	size   int

	mu    sync.Mutex // serializes collectives
	round uint64
}

func newComm(rank, size int, tr transport, opts Options) *Comm {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendConcurrency <= 0 {
		opts.SendConcurrency = 16
	}
	return &Comm{
		tr:     tr,
		box:    newMailbox(),
		logger: opts.Logger.With("rank", rank),
		opts:   opts,
		rank:   rank,
		size:   size,
	}
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.size }

// AllGatherSizes implements Communicator.
func (c *Comm) AllGatherSizes(ctx context.Context, n int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	got, err := c.exchange(ctx, opGather, c.broadcastInt(n))
	if err != nil {
		return nil, fmt.Errorf("allgather sizes: %w", err)
	}
	return decodeInts(got)
}

// AllToAllV implements Communicator. Bucket sizes travel first so receivers
// know how much to allocate, then the payloads.
func (c *Comm) AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != c.size {
		return nil, fmt.Errorf("%w: %d send buffers for world of %d", ErrWorldSize, len(send), c.size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := make([][]byte, c.size)
	for to, buf := range send {
		sizes[to] = encodeInt(int64(len(buf)))
	}
	got, err := c.exchange(ctx, opSizes, sizes)
	if err != nil {
		return nil, fmt.Errorf("alltoallv sizes: %w", err)
	}
	expect, err := decodeInts(got)
	if err != nil {
		return nil, err
	}
	for from, n := range expect {
		if n < 0 {
			return nil, fmt.Errorf("%w: rank %d announced %d bytes", ErrProtocol, from, n)
		}
	}

	frames := make([][]byte, c.size)
	for to, buf := range send {
		if frames[to], err = compressFrame(c.opts.Compression, buf); err != nil {
			return nil, err
		}
	}
	got, err = c.exchange(ctx, opPayload, frames)
	if err != nil {
		return nil, fmt.Errorf("alltoallv payloads: %w", err)
	}

	recv := make([][]byte, c.size)
	for from, frame := range got {
		if recv[from], err = decompressFrame(frame, expect[from]); err != nil {
			return nil, fmt.Errorf("from rank %d: %w", from, err)
		}
	}
	c.logger.Debug("alltoallv done", "sent", sumLen(send), "received", sumLen(recv))
	return recv, nil
}

// Barrier implements Communicator.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.AllGatherSizes(ctx, 0)
	return err
}

// exchange runs one round: out[i] goes to rank i, the result holds what
// each rank sent here. The self message is a copy delivered locally.
func (c *Comm) exchange(ctx context.Context, kind op, out [][]byte) ([][]byte, error) {
	round := c.round
	c.round++

	self := envelope{Op: kind, Round: round, From: c.rank, Data: slices.Clone(out[c.rank])}
	if err := c.box.deliver(self); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.SendConcurrency)
	for to := range out {
		if to == c.rank {
			continue
		}
		env := envelope{Op: kind, Round: round, From: c.rank, Data: out[to]}
		g.Go(func() error {
			if err := c.tr.send(gctx, to, env); err != nil {
				return fmt.Errorf("send to rank %d: %w", to, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in := make([][]byte, c.size)
	for from := range in {
		env, err := c.box.take(ctx, round, from)
		if err != nil {
			return nil, fmt.Errorf("waiting for rank %d in round %d: %w", from, round, err)
		}
		if env.Op != kind {
			return nil, fmt.Errorf("%w: round %d is %s here but rank %d sent %s",
				ErrProtocol, round, kind, from, env.Op)
		}
		in[from] = env.Data
	}
	return in, nil
}

// deliver accepts an envelope from the transport.
func (c *Comm) deliver(env envelope) error {
	if env.From < 0 || env.From >= c.size {
		return fmt.Errorf("%w: sender rank %d outside world of %d", ErrProtocol, env.From, c.size)
	}
	return c.box.deliver(env)
}

func (c *Comm) broadcastInt(n int64) [][]byte {
	out := make([][]byte, c.size)
	for i := range out {
		out[i] = encodeInt(n)
	}
	return out
}

func encodeInt(n int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInts(bufs [][]byte) ([]int64, error) {
	out := make([]int64, len(bufs))
	for i, b := range bufs {
		if len(b) != 8 {
			return nil, fmt.Errorf("%w: size message from rank %d is %d bytes", ErrProtocol, i, len(b))
		}
		out[i] = int64(binary.LittleEndian.Uint64(b))
	}
	return out, nil
}

func sumLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

type mailKey struct {
	round uint64
	from  int
}

// mailbox parks envelopes until the matching round asks for them. A round
// may arrive before the local rank entered it.
type mailbox struct {
	slots map[mailKey]chan envelope
	mu    sync.Mutex
}

func newMailbox() *mailbox {
	return &mailbox{slots: make(map[mailKey]chan envelope)}
}

func (m *mailbox) slot(k mailKey) chan envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[k]
	if !ok {
		ch = make(chan envelope, 1)
		m.slots[k] = ch
	}
	return ch
}

func (m *mailbox) deliver(env envelope) error {
	select {
	case m.slot(mailKey{env.Round, env.From}) <- env:
		return nil
	default:
		return fmt.Errorf("%w: duplicate message from rank %d in round %d", ErrProtocol, env.From, env.Round)
	}
}

func (m *mailbox) take(ctx context.Context, round uint64, from int) (envelope, error) {
	k := mailKey{round, from}
	select {
	case env := <-m.slot(k):
		m.mu.Lock()
		delete(m.slots, k)
		m.mu.Unlock()
		return env, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}
