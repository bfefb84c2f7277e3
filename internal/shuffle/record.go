package shuffle

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record is one node row moving through the shuffle.
type Record struct {
	Payload     []float32 `json:"payload,omitempty"`
	GlobalID    int64     `json:"global_id"`
	TypeLocalID int64     `json:"type_local_id"`
	Type        int32     `json:"type"`
}

// Edge is one edge row. Dst is the anchor endpoint: an edge lives with the
// owner of its destination node.
type Edge struct {
	Src         int64 `json:"src"`
	Dst         int64 `json:"dst"`
	TypeLocalID int64 `json:"type_local_id"`
	Type        int32 `json:"type"`
}

// Codec moves one fixed-width row type in and out of a byte buffer. Every
// row of a given codec occupies exactly Size() bytes.
type Codec[T any] interface {
	Size() int
	Put(dst []byte, v T) error
	Get(src []byte) (T, error)
}

// RecordCodec encodes Records whose payload holds exactly Width values.
type RecordCodec struct {
	Width int
}

const recordHeader = 8 + 8 + 4

func (c RecordCodec) Size() int { return recordHeader + 4*c.Width }

func (c RecordCodec) Put(dst []byte, r Record) error {
	if len(r.Payload) != c.Width {
		return fmt.Errorf("record %d: payload width %d, codec expects %d", r.GlobalID, len(r.Payload), c.Width)
	}
	binary.LittleEndian.PutUint64(dst[0:], uint64(r.GlobalID))
	binary.LittleEndian.PutUint64(dst[8:], uint64(r.TypeLocalID))
	binary.LittleEndian.PutUint32(dst[16:], uint32(r.Type))
	for i, v := range r.Payload {
		binary.LittleEndian.PutUint32(dst[recordHeader+4*i:], math.Float32bits(v))
	}
	return nil
}

func (c RecordCodec) Get(src []byte) (Record, error) {
	r := Record{
		GlobalID:    int64(binary.LittleEndian.Uint64(src[0:])),
		TypeLocalID: int64(binary.LittleEndian.Uint64(src[8:])),
		Type:        int32(binary.LittleEndian.Uint32(src[16:])),
	}
	if c.Width > 0 {
		r.Payload = make([]float32, c.Width)
		for i := range r.Payload {
			r.Payload[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[recordHeader+4*i:]))
		}
	}
	return r, nil
}

// EdgeCodec encodes Edges.
type EdgeCodec struct{}

func (EdgeCodec) Size() int { return 8 + 8 + 8 + 4 }

func (EdgeCodec) Put(dst []byte, e Edge) error {
	binary.LittleEndian.PutUint64(dst[0:], uint64(e.Src))
	binary.LittleEndian.PutUint64(dst[8:], uint64(e.Dst))
	binary.LittleEndian.PutUint64(dst[16:], uint64(e.TypeLocalID))
	binary.LittleEndian.PutUint32(dst[24:], uint32(e.Type))
	return nil
}

func (EdgeCodec) Get(src []byte) (Edge, error) {
	return Edge{
		Src:         int64(binary.LittleEndian.Uint64(src[0:])),
		Dst:         int64(binary.LittleEndian.Uint64(src[8:])),
		TypeLocalID: int64(binary.LittleEndian.Uint64(src[16:])),
		Type:        int32(binary.LittleEndian.Uint32(src[24:])),
	}, nil
}

// Int64Codec encodes bare ids.
type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Put(dst []byte, v int64) error {
	binary.LittleEndian.PutUint64(dst, uint64(v))
	return nil
}

func (Int64Codec) Get(src []byte) (int64, error) {
	return int64(binary.LittleEndian.Uint64(src)), nil
}

// Encode packs rows back to back.
func Encode[T any](codec Codec[T], rows []T) ([]byte, error) {
	size := codec.Size()
	buf := make([]byte, len(rows)*size)
	for i, v := range rows {
		if err := codec.Put(buf[i*size:(i+1)*size], v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Decode unpacks a buffer produced by Encode.
func Decode[T any](codec Codec[T], buf []byte) ([]T, error) {
	size := codec.Size()
	if size <= 0 || len(buf)%size != 0 {
		return nil, fmt.Errorf("buffer of %d bytes is not a multiple of row size %d", len(buf), size)
	}
	rows := make([]T, len(buf)/size)
	for i := range rows {
		v, err := codec.Get(buf[i*size : (i+1)*size])
		if err != nil {
			return nil, err
		}
		rows[i] = v
	}
	return rows, nil
}
