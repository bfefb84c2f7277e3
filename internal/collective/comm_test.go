package collective

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/graphshard/internal/cluster"
)

// runAll drives fn on every communicator concurrently and collects errors.
func runAll(comms []*Comm, fn func(c *Comm) error) []error {
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(c)
		}()
	}
	wg.Wait()
	return errs
}

func TestAllGatherSizes(t *testing.T) {
	comms := NewMesh(4, Options{})
	results := make([][]int64, len(comms))

	errs := runAll(comms, func(c *Comm) error {
		got, err := c.AllGatherSizes(context.Background(), int64(10*c.Rank()+1))
		results[c.Rank()] = got
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for rank, got := range results {
		assert.Equal(t, []int64{1, 11, 21, 31}, got, "rank %d", rank)
	}
}

func TestAllToAllV(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			comms := NewMesh(3, Options{Compression: comp})
			recv := make([][][]byte, len(comms))

			errs := runAll(comms, func(c *Comm) error {
				send := make([][]byte, c.Size())
				for to := range send {
					// rank 1 sends nothing to rank 2; other buckets repeat to compress well
					if c.Rank() == 1 && to == 2 {
						continue
					}
					send[to] = bytes.Repeat([]byte(fmt.Sprintf("%d->%d;", c.Rank(), to)), 64*(to+1))
				}
				got, err := c.AllToAllV(context.Background(), send)
				recv[c.Rank()] = got
				return err
			})
			for _, err := range errs {
				require.NoError(t, err)
			}

			for to, got := range recv {
				require.Len(t, got, 3)
				for from, buf := range got {
					if from == 1 && to == 2 {
						assert.Empty(t, buf)
						continue
					}
					want := bytes.Repeat([]byte(fmt.Sprintf("%d->%d;", from, to)), 64*(to+1))
					assert.Equal(t, want, buf, "from %d to %d", from, to)
				}
			}
		})
	}
}

// TestAllToAllVSelfCopy checks the self bucket is a copy, not an alias
func TestAllToAllVSelfCopy(t *testing.T) {
	comms := NewMesh(1, Options{})
	send := [][]byte{[]byte("abc")}
	got, err := comms[0].AllToAllV(context.Background(), send)
	require.NoError(t, err)
	send[0][0] = 'z'
	assert.Equal(t, []byte("abc"), got[0])
}

func TestAllToAllVWorldSizeMismatch(t *testing.T) {
	comms := NewMesh(2, Options{})
	_, err := comms[0].AllToAllV(context.Background(), make([][]byte, 3))
	assert.ErrorIs(t, err, ErrWorldSize)
}

// TestCollectiveBlocksUntilAllRanks verifies a missing rank ends in a
// deadline error rather than a hang.
func TestCollectiveBlocksUntilAllRanks(t *testing.T) {
	comms := NewMesh(2, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := comms[0].AllGatherSizes(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBarrier(t *testing.T) {
	comms := NewMesh(3, Options{})
	for i := 0; i < 3; i++ {
		errs := runAll(comms, func(c *Comm) error { return c.Barrier(context.Background()) })
		for _, err := range errs {
			require.NoError(t, err)
		}
	}
}

func TestMailboxDuplicate(t *testing.T) {
	box := newMailbox()
	require.NoError(t, box.deliver(envelope{Round: 0, From: 1, Data: []byte{1}}))
	assert.ErrorIs(t, box.deliver(envelope{Round: 0, From: 1, Data: []byte{2}}), ErrProtocol)

	env, err := box.take(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, env.Data)
}

// TestOutOfStepCollectives: rank 1 runs one all-gather more than rank 0, so
// rank 0's alltoallv sizes land in rank 1's second all-gather. Both sides
// must fail instead of reading the other collective's bytes.
func TestOutOfStepCollectives(t *testing.T) {
	comms := NewMesh(2, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := runAll(comms, func(c *Comm) error {
		gathers := 1 + c.Rank()
		for i := 0; i < gathers; i++ {
			if _, err := c.AllGatherSizes(ctx, 5); err != nil {
				return err
			}
		}
		_, err := c.AllToAllV(ctx, [][]byte{[]byte("abc"), []byte("abc")})
		return err
	})
	for rank, err := range errs {
		assert.ErrorIs(t, err, ErrProtocol, "rank %d", rank)
	}
}

func TestAllToAllVRejectsNegativeSize(t *testing.T) {
	comms := NewMesh(2, Options{Compression: CompressionLZ4})
	require.NoError(t, comms[0].deliver(envelope{Op: opSizes, Round: 0, From: 1, Data: encodeInt(-5)}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := comms[0].AllToAllV(ctx, [][]byte{nil, []byte("x")})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDeliverRejectsUnknownSender(t *testing.T) {
	comms := NewMesh(2, Options{})
	assert.ErrorIs(t, comms[0].deliver(envelope{From: 2}), ErrProtocol)
	assert.ErrorIs(t, comms[0].deliver(envelope{From: -1}), ErrProtocol)
}

func TestCompressionFrames(t *testing.T) {
	data := bytes.Repeat([]byte("graph"), 200)
	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		frame, err := compressFrame(comp, data)
		require.NoError(t, err)
		if comp != CompressionNone {
			assert.Less(t, len(frame), len(data), comp.String())
		}
		out, err := decompressFrame(frame, int64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, out)

		_, err = decompressFrame(frame, int64(len(data)+1))
		assert.ErrorIs(t, err, ErrProtocol)
	}

	// incompressible input falls back to a raw frame
	frame, err := compressFrame(CompressionLZ4, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionNone), frame[0])

	_, err = decompressFrame(nil, 0)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = decompressFrame([]byte{9}, 0)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = decompressFrame([]byte{byte(CompressionLZ4), 0}, -1)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseCompression(t *testing.T) {
	tests := map[string]Compression{"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4, " zstd ": CompressionZstd}
	for in, want := range tests {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("snappy")
	assert.Error(t, err)
}

// TestHTTPCommunicators runs the collectives over real HTTP listeners
func TestHTTPCommunicators(t *testing.T) {
	const size = 3
	handlers := make([]http.Handler, size)
	var mu sync.RWMutex
	servers := make([]*httptest.Server, size)
	addrs := make([]string, size)
	for i := range servers {
		servers[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.RLock()
			h := handlers[i]
			mu.RUnlock()
			h.ServeHTTP(w, r)
		}))
		defer servers[i].Close()
		addrs[i] = servers[i].URL
	}
	book, err := cluster.NewAddressBook(addrs...)
	require.NoError(t, err)

	comms := make([]*Comm, size)
	for i := range comms {
		comms[i], err = NewHTTP(i, book, Options{Compression: CompressionZstd})
		require.NoError(t, err)
		mu.Lock()
		handlers[i] = comms[i].Handler()
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recv := make([][][]byte, size)
	errs := runAll(comms, func(c *Comm) error {
		if _, err := c.AllGatherSizes(ctx, int64(c.Rank())); err != nil {
			return err
		}
		send := make([][]byte, size)
		for to := range send {
			send[to] = []byte(fmt.Sprintf("from %d to %d", c.Rank(), to))
		}
		got, err := c.AllToAllV(ctx, send)
		recv[c.Rank()] = got
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for to, got := range recv {
		for from, buf := range got {
			assert.Equal(t, fmt.Sprintf("from %d to %d", from, to), string(buf))
		}
	}

	_, err = NewHTTP(size, book, Options{})
	assert.ErrorIs(t, err, ErrWorldSize)
}

func TestHTTPHandlerRejects(t *testing.T) {
	book, err := cluster.NewAddressBook("a:1", "b:1")
	require.NoError(t, err)
	c, err := NewHTTP(0, book, Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL, "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL, "application/json", bytes.NewReader([]byte(`{"from":5}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
