package shard

import (
	"errors"
	"fmt"
)

// ErrIDOutOfRange is returned when a global id is outside [0, Rows).
var ErrIDOutOfRange = errors.New("id out of range")

// Mode selects how global ids are spread over store servers.
type Mode string

const (
	// Contiguous gives every server one block of ceil(Rows/Shards) ids; the
	// last server's block may be shorter or empty.
	Contiguous Mode = "contiguous"
	// RoundRobin deals ids out like cards: id mod Shards picks the server.
	RoundRobin Mode = "round_robin"
)

// Layout maps a table's global row ids onto store servers and local rows.
//
// The layout is pure arithmetic: every client and server computes the same
// answer without talking to anyone, which is what lets a client route a push
// straight to the owning server.
//
//	Contiguous, Rows=10, Shards=3 → size 4
//	  ids 0..3 → server 0, ids 4..7 → server 1, ids 8..9 → server 2
//
//	RoundRobin, Rows=10, Shards=3
//	  ids 0,3,6,9 → server 0, ids 1,4,7 → server 1, ids 2,5,8 → server 2
type Layout struct {
	Mode   Mode  `json:"mode"`
	Rows   int64 `json:"rows"`
	Shards int   `json:"shards"`
}

// NewLayout validates and returns a layout. An empty mode means Contiguous.
func NewLayout(rows int64, shards int, mode Mode) (Layout, error) {
	if mode == "" {
		mode = Contiguous
	}
	if mode != Contiguous && mode != RoundRobin {
		return Layout{}, fmt.Errorf("unknown layout mode %q", mode)
	}
	if rows < 0 || shards <= 0 {
		return Layout{}, fmt.Errorf("invalid layout: %d rows over %d shards", rows, shards)
	}
	return Layout{Rows: rows, Shards: shards, Mode: mode}, nil
}

// ShardSize is the row count of a full contiguous shard, ceil(Rows/Shards).
func (l Layout) ShardSize() int64 {
	return (l.Rows + int64(l.Shards) - 1) / int64(l.Shards)
}

// Locate returns the server owning id and the id's row on that server.
func (l Layout) Locate(id int64) (server int, local int64, err error) {
	if id < 0 || id >= l.Rows {
		return 0, 0, fmt.Errorf("%w: %d not in [0,%d)", ErrIDOutOfRange, id, l.Rows)
	}
	if l.Mode == RoundRobin {
		p := int64(l.Shards)
		return int(id % p), id / p, nil
	}
	size := l.ShardSize()
	server = int(id / size)
	return server, id - int64(server)*size, nil
}

// Global is the inverse of Locate.
func (l Layout) Global(server int, local int64) int64 {
	if l.Mode == RoundRobin {
		return local*int64(l.Shards) + int64(server)
	}
	return int64(server)*l.ShardSize() + local
}

// ShardRows is the number of rows server s holds. It is never negative.
func (l Layout) ShardRows(s int) int64 {
	if s < 0 || s >= l.Shards {
		return 0
	}
	p := int64(l.Shards)
	if l.Mode == RoundRobin {
		n := l.Rows / p
		if int64(s) < l.Rows%p {
			n++
		}
		return n
	}
	size := l.ShardSize()
	n := l.Rows - int64(s)*size
	if n > size {
		n = size
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Batch is the part of a request bound for one server.
type Batch struct {
	// Pos holds, for each id in the batch, its position in the caller's
	// input, so replies can be put back in caller order.
	Pos    []int
	Global []int64
	Local  []int64
	Server int
}

// Group splits ids by owning server, preserving relative order within each
// server. Batches are returned in server-rank order and only for servers
// that received at least one id.
func (l Layout) Group(ids []int64) ([]Batch, error) {
	byServer := make([]*Batch, l.Shards)
	for i, id := range ids {
		s, local, err := l.Locate(id)
		if err != nil {
			return nil, err
		}
		b := byServer[s]
		if b == nil {
			b = &Batch{Server: s}
			byServer[s] = b
		}
		b.Pos = append(b.Pos, i)
		b.Global = append(b.Global, id)
		b.Local = append(b.Local, local)
	}
	out := make([]Batch, 0, l.Shards)
	for _, b := range byServer {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}
