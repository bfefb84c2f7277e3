// Package main runs one store server of the sharded embedding store.
//
// A store server hosts one shard of every table that trainers create. It
// waits for KV_CLIENT_COUNT trainers to connect, serves their INIT, PUSH,
// PULL and BARRIER requests one at a time, and exits once every trainer sent
// FINAL.
//
//	┌───────────────────────────────────────┐
//	│              kvserver                 │
//	├───────────────────────────────────────┤
//	│  HTTP API:                            │
//	│    /health    - liveness              │
//	│    /connect   - client rendezvous     │
//	│    /kv        - store messages        │
//	│    /info      - tables and counters   │
//	├───────────────────────────────────────┤
//	│  kvstore.Server service loop          │
//	│    shard.Shard → storage.Table        │
//	└───────────────────────────────────────┘
//
// Configuration (environment, optionally over the JSON file CONFIG_FILE):
//   - KV_RANK: this server's rank in the trainers' server address book (required)
//   - KV_CLIENT_COUNT: number of trainers (required)
//   - KV_LISTEN: listen address (default ":8090")
//   - KV_PUSH_HANDLER: "add" (default) or "replace"
//   - KV_INBOX_SIZE: queued requests before handlers block (default 64)
//   - LOG_FORMAT: "text" (default) or "json"
//
// Exit codes:
//   - 0: every trainer sent FINAL
//   - 1: bad configuration, a protocol error, or a termination signal
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/graphshard/internal/config"
	"github.com/dreamware/graphshard/internal/kvstore"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.LoadServer(os.LookupEnv)
	if err != nil {
		logFatal("kvserver: %v", err)
		return
	}
	logger, err := config.NewLogger(cfg.LogFormat, os.Stderr)
	if err != nil {
		logFatal("kvserver: %v", err)
		return
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, ln, cfg, logger); err != nil {
		logFatal("kvserver[%d]: %v", cfg.Rank, err)
		return
	}
	logger.Info("kvserver stopped", "server", cfg.Rank)
}

// serve runs the store server on ln until its service loop ends, then shuts
// the HTTP side down. A nil error means every client finished.
func serve(ctx context.Context, ln net.Listener, cfg *config.Server, logger *slog.Logger) error {
	push, err := cfg.UpdateFunc()
	if err != nil {
		return err
	}
	srv, err := kvstore.NewServer(kvstore.Options{
		Rank:        cfg.Rank,
		ClientCount: cfg.ClientCount,
		PushHandler: push,
		InboxSize:   cfg.InboxSize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kvserver listening", "server", cfg.Rank, "addr", ln.Addr().String(), "clients", cfg.ClientCount)
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// a dead listener ends the service loop too
		if err, ok := <-serveErr; ok && err != nil {
			logger.Error("http server failed", "err", err)
			cancel()
		}
	}()

	runErr := srv.Run(runCtx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return runErr
}
