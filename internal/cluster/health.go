package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Health states reported by HealthMonitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth tracks the health of one peer.
type PeerHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	Status           string
	Rank             int
	ConsecutiveFails int
}

// HealthMonitor polls the /health endpoint of every peer in an address book.
// A peer that fails maxFailures checks in a row is marked unhealthy and the
// onUnhealthy callback fires once for that transition.
type HealthMonitor struct {
	peers       map[int]*PeerHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, p PeerInfo) error
	onUnhealthy func(rank int)
	logger      *slog.Logger
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor checking every interval.
func NewHealthMonitor(interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		peers:       make(map[int]*PeerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
	}
}

// SetOnUnhealthy sets the callback invoked when a peer turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(rank int)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, p PeerInfo) error) {
	h.checkFunc = fn
}

// SetMaxFailures sets how many consecutive failures mark a peer unhealthy.
func (h *HealthMonitor) SetMaxFailures(n int) {
	if n > 0 {
		h.maxFailures = n
	}
}

// Start launches the polling loop in the background. It runs until ctx is
// cancelled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, book AddressBook) {
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Debug("health monitor started", "interval", h.interval, "peers", len(book))
		h.checkAll(ctx, book)
		for {
			select {
			case <-ticker.C:
				h.checkAll(ctx, book)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context, book AddressBook) {
	for _, p := range book {
		h.checkPeer(ctx, p)
	}
}

func (h *HealthMonitor) checkPeer(ctx context.Context, p PeerInfo) {
	h.mu.Lock()
	health, exists := h.peers[p.Rank]
	if !exists {
		health = &PeerHealth{
			Rank:        p.Rank,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.peers[p.Rank] = health
	}
	h.mu.Unlock()

	// No lock held during the probe.
	err := h.checkFunc(ctx, p)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed", "rank", p.Rank, "attempt", health.ConsecutiveFails, "max", h.maxFailures, "err", err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Error("peer marked unhealthy", "rank", p.Rank, "fails", health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(p.Rank)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info("peer recovered", "rank", p.Rank)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, p PeerInfo) error {
	return Ping(ctx, h.httpClient, p)
}

// Ping issues one GET /health against p.
func Ping(ctx context.Context, client *http.Client, p PeerInfo) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// PeerHealth returns a copy of rank's health record, or nil if never checked.
func (h *HealthMonitor) PeerHealth(rank int) *PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.peers[rank]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}
