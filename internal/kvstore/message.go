package kvstore

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/storage"
)

var (
	// ErrProtocol marks a request the server cannot serve: an unknown kind,
	// a table used before INIT, mismatched lengths or widths, or an id the
	// server does not own. A protocol error stops the server.
	ErrProtocol = errors.New("kvstore protocol error")

	// ErrClosed is returned for requests that reach a server whose service
	// loop has already exited.
	ErrClosed = errors.New("kvstore server closed")

	// ErrUnknownTable is returned by the client for a table it neither
	// initialized nor attached.
	ErrUnknownTable = errors.New("table not attached")
)

// Kind names a store message.
type Kind string

const (
	KindInit     Kind = "INIT"
	KindPush     Kind = "PUSH"
	KindPull     Kind = "PULL"
	KindPullBack Kind = "PULL_BACK"
	KindBarrier  Kind = "BARRIER"
	KindInfo     Kind = "INFO"
	KindFinal    Kind = "FINAL"
)

// Message is the single wire type between store clients and servers. Which
// fields are set depends on Kind:
//
//	INIT       name, shape [local rows, dim], global_rows, layout, init
//	PUSH       name, ids, payload
//	PULL       name, ids
//	PULL_BACK  name, ids, payload (reply to PULL, same row order)
//	INFO       name (optional); the reply carries info
//	BARRIER, FINAL  sender_rank only
type Message struct {
	Layout     *shard.Layout    `json:"layout,omitempty"`
	Init       *storage.Init    `json:"init,omitempty"`
	Info       *shard.ShardInfo `json:"info,omitempty"`
	Kind       Kind             `json:"kind"`
	Name       string           `json:"name,omitempty"`
	IDs        []int64          `json:"ids,omitempty"`
	Payload    Rows             `json:"payload,omitempty"`
	Shape      []int64          `json:"shape,omitempty"`
	GlobalRows int64            `json:"global_rows,omitempty"`
	SenderRank int              `json:"sender_rank"`
}

// Rows is a batch of float32 rows. On the wire each row is the base64 of its
// little-endian float32 bits, so infinities and NaNs survive the trip.
type Rows [][]float32

func (r Rows) MarshalJSON() ([]byte, error) {
	out := make([]string, len(r))
	for i, row := range r {
		buf := make([]byte, 4*len(row))
		for j, v := range row {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(v))
		}
		out[i] = base64.StdEncoding.EncodeToString(buf)
	}
	return json.Marshal(out)
}

func (r *Rows) UnmarshalJSON(data []byte) error {
	var in []string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	rows := make(Rows, len(in))
	for i, s := range in {
		buf, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if len(buf)%4 != 0 {
			return fmt.Errorf("row %d: %d bytes is not a whole number of float32s", i, len(buf))
		}
		row := make([]float32, len(buf)/4)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		rows[i] = row
	}
	*r = rows
	return nil
}
