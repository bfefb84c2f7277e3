// Package shuffle redistributes rows so each one lands on its owning worker.
//
// Every worker buckets its local rows by destination rank and all workers
// swap buckets in one all-to-all. The engine is generic over the row type:
// node rows, edge rows and bare ids all travel through the same path.
//
// Rows from one sender keep their relative order. There is no order across
// senders beyond sender rank; callers wanting a canonical order sort after
// receiving. A worker that dies mid-exchange fails the whole shuffle.
package shuffle

import (
	"context"
	"fmt"

	"github.com/dreamware/graphshard/internal/collective"
)

// Bucketize splits items into size buckets by dest, keeping input order
// inside each bucket.
func Bucketize[T any](items []T, dest []int, size int) ([][]T, error) {
	if len(items) != len(dest) {
		return nil, fmt.Errorf("%d items but %d destinations", len(items), len(dest))
	}
	buckets := make([][]T, size)
	for i, d := range dest {
		if d < 0 || d >= size {
			return nil, fmt.Errorf("%w: destination rank %d outside world of %d", collective.ErrWorldSize, d, size)
		}
		buckets[d] = append(buckets[d], items[i])
	}
	return buckets, nil
}

// ExchangeBuckets sends buckets[i] to rank i, the self bucket included, and
// returns the rows each rank sent here, indexed by sender.
func ExchangeBuckets[T any](ctx context.Context, comm collective.Communicator, codec Codec[T], buckets [][]T) ([][]T, error) {
	if len(buckets) != comm.Size() {
		return nil, fmt.Errorf("%w: %d buckets for world of %d", collective.ErrWorldSize, len(buckets), comm.Size())
	}
	send := make([][]byte, len(buckets))
	for to, b := range buckets {
		buf, err := Encode(codec, b)
		if err != nil {
			return nil, fmt.Errorf("encode bucket for rank %d: %w", to, err)
		}
		send[to] = buf
	}

	recv, err := comm.AllToAllV(ctx, send)
	if err != nil {
		return nil, err
	}

	out := make([][]T, len(recv))
	for from, buf := range recv {
		rows, err := Decode(codec, buf)
		if err != nil {
			return nil, fmt.Errorf("decode bucket from rank %d: %w", from, err)
		}
		out[from] = rows
	}
	return out, nil
}

// Exchange routes every item to dest[i] and returns what this rank
// received, concatenated in sender-rank order.
func Exchange[T any](ctx context.Context, comm collective.Communicator, codec Codec[T], items []T, dest []int) ([]T, error) {
	buckets, err := Bucketize(items, dest, comm.Size())
	if err != nil {
		return nil, err
	}
	got, err := ExchangeBuckets(ctx, comm, codec, buckets)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, rows := range got {
		n += len(rows)
	}
	out := make([]T, 0, n)
	for _, rows := range got {
		out = append(out, rows...)
	}
	return out, nil
}
