package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthMonitorMarksUnhealthy verifies the callback fires once a peer
// fails the configured number of checks in a row.
func TestHealthMonitorMarksUnhealthy(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	monitor.SetMaxFailures(2)

	monitor.SetCheckFunction(func(ctx context.Context, p PeerInfo) error {
		if p.Rank == 1 {
			return errors.New("connection refused")
		}
		return nil
	})

	var mu sync.Mutex
	var unhealthy []int
	done := make(chan struct{})
	monitor.SetOnUnhealthy(func(rank int) {
		mu.Lock()
		defer mu.Unlock()
		unhealthy = append(unhealthy, rank)
		if len(unhealthy) == 1 {
			close(done)
		}
	})

	book := AddressBook{{Rank: 0, Addr: "a:1"}, {Rank: 1, Addr: "b:1"}}
	monitor.Start(context.Background(), book)
	defer monitor.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unhealthy callback never fired")
	}

	// Give the loop a few more ticks; the callback must not fire again.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1}, unhealthy)
	mu.Unlock()

	assert.Equal(t, StatusHealthy, monitor.PeerHealth(0).Status)
	h := monitor.PeerHealth(1)
	require.NotNil(t, h)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.GreaterOrEqual(t, h.ConsecutiveFails, 2)
	assert.Nil(t, monitor.PeerHealth(7))
}

func TestHealthMonitorRecovery(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetMaxFailures(1)

	fail := true
	monitor.SetCheckFunction(func(ctx context.Context, p PeerInfo) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})

	p := PeerInfo{Rank: 0, Addr: "a:1"}
	ctx := context.Background()
	monitor.checkPeer(ctx, p)
	assert.Equal(t, StatusUnhealthy, monitor.PeerHealth(0).Status)

	fail = false
	monitor.checkPeer(ctx, p)
	assert.Equal(t, StatusHealthy, monitor.PeerHealth(0).Status)
	assert.Equal(t, 0, monitor.PeerHealth(0).ConsecutiveFails)
}

func TestPing(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client := &http.Client{Timeout: time.Second}
	assert.NoError(t, Ping(context.Background(), client, PeerInfo{Addr: ok.URL}))
	assert.Error(t, Ping(context.Background(), client, PeerInfo{Addr: down.URL}))
}
