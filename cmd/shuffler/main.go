// Package main runs one worker of a graph repartition job.
//
// Every worker reads its own raw fragment of the graph (nodes with features
// and edges, in original ids) and the shared partition file. Together the
// workers move each node to its owner, renumber nodes and edges into dense
// global ids, move each edge to the owner of its destination and translate
// its endpoints. Each worker then writes its materialized partition and,
// optionally, loads its node features into the sharded store.
//
// Workers talk to each other over HTTP at /collective; all of them must be
// started with the same ADDRESS_BOOK and PARTITION_FILE.
//
// Configuration (environment, optionally over the JSON file CONFIG_FILE):
//   - WORKER_RANK: this worker's rank (required)
//   - WORLD_SIZE: number of workers (required, must match the address book)
//   - ADDRESS_BOOK: JSON file {"0":"host:port",...} of workers (required)
//   - PARTITION_FILE: JSON partition book (required)
//   - FRAGMENT_FILE: JSON fragment read by this worker (required)
//   - OUTPUT_FILE: where to write the local partition as JSON
//   - WORKER_LISTEN: listen address (default ":8070")
//   - SHUFFLE_COMPRESSION: "none" (default), "lz4" or "zstd"
//   - REQUEST_TIMEOUT: bound on each HTTP request (default "30s")
//   - KV_ADDRESS_BOOK: JSON file of store servers; enables feature loading
//   - KV_TABLE: store table for node features (default "features")
//   - KV_LAYOUT: "contiguous" (default) or "round_robin"
//   - LOG_FORMAT: "text" (default) or "json"
//
// Example:
//
//	WORKER_RANK=0 WORLD_SIZE=2 ADDRESS_BOOK=workers.json \
//	PARTITION_FILE=parts.json FRAGMENT_FILE=frag-0.json OUTPUT_FILE=part-0.json \
//	./shuffler
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/graphshard/internal/cluster"
	"github.com/dreamware/graphshard/internal/collective"
	"github.com/dreamware/graphshard/internal/config"
	"github.com/dreamware/graphshard/internal/kvstore"
	"github.com/dreamware/graphshard/internal/partition"
	"github.com/dreamware/graphshard/internal/pipeline"
	"github.com/dreamware/graphshard/internal/shard"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.LoadWorker(os.LookupEnv)
	if err != nil {
		logFatal("shuffler: %v", err)
		return
	}
	logger, err := config.NewLogger(cfg.LogFormat, os.Stderr)
	if err != nil {
		logFatal("shuffler: %v", err)
		return
	}
	cluster.DefaultTimeout = cfg.RequestTimeout

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, ln, cfg, logger); err != nil {
		logFatal("shuffler[%d]: %v", cfg.Rank, err)
		return
	}
	logger.Info("shuffler finished", "rank", cfg.Rank)
}

// run executes the whole job for one worker, serving peer traffic on ln.
func run(ctx context.Context, ln net.Listener, cfg *config.Worker, logger *slog.Logger) (*pipeline.LocalGraph, error) {
	book, err := cluster.LoadAddressBook(cfg.AddressBook)
	if err != nil {
		return nil, err
	}
	if len(book) != cfg.WorldSize {
		return nil, fmt.Errorf("%w: address book lists %d workers, WORLD_SIZE is %d",
			collective.ErrWorldSize, len(book), cfg.WorldSize)
	}
	compression, err := collective.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	comm, err := collective.NewHTTP(cfg.Rank, book, collective.Options{Logger: logger, Compression: compression})
	if err != nil {
		return nil, err
	}
	resolver, err := partition.LoadBook(cfg.PartitionFile)
	if err != nil {
		return nil, fmt.Errorf("load partition book: %w", err)
	}
	frag, err := loadFragment(cfg.FragmentFile)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(collective.Path, comm.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("worker listening", "rank", cfg.Rank, "addr", ln.Addr().String())
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	if err := waitForPeers(ctx, book, 100*time.Millisecond, logger); err != nil {
		return nil, err
	}

	g, err := pipeline.Run(ctx, comm, resolver, frag, pipeline.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	// no worker closes its listener while a peer may still be sending
	if err := comm.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("final barrier: %w", err)
	}

	if cfg.OutputFile != "" {
		if err := writeJSON(cfg.OutputFile, g); err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}
	}
	if cfg.KVAddressBook != "" {
		if err := publish(ctx, cfg, g, frag.FeatureWidth, logger); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// waitForPeers polls every peer's /health until all answer.
func waitForPeers(ctx context.Context, book cluster.AddressBook, interval time.Duration, logger *slog.Logger) error {
	client := &http.Client{Timeout: 2 * time.Second}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for _, p := range book {
		for attempt := 1; ; attempt++ {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for worker %d: %w", p.Rank, err)
			}
			err := cluster.Ping(ctx, client, p)
			if err == nil {
				break
			}
			logger.Debug("worker not ready", "peer", p.Rank, "attempt", attempt, "err", err)
		}
	}
	return nil
}

// publish loads this worker's node features into the sharded store and
// releases the store connection.
func publish(ctx context.Context, cfg *config.Worker, g *pipeline.LocalGraph, width int, logger *slog.Logger) error {
	servers, err := cluster.LoadAddressBook(cfg.KVAddressBook)
	if err != nil {
		return fmt.Errorf("load store address book: %w", err)
	}
	c, err := kvstore.NewClient(kvstore.ClientOptions{
		Servers:        servers,
		Rank:           cfg.Rank,
		Mode:           shard.Mode(cfg.KVLayout),
		RequestTimeout: cfg.RequestTimeout,
		HealthInterval: time.Second,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := pipeline.Publish(ctx, c, g, cfg.KVTable, width); err != nil {
		return err
	}
	if g.Rank == 0 {
		for server := 0; server < c.NumServers(); server++ {
			info, err := c.ShardInfo(ctx, server)
			if err != nil {
				return err
			}
			for _, t := range info.Tables {
				logger.Info("store shard loaded", "server", server, "table", t.Name,
					"rows", t.Storage.Rows, "touched", t.Storage.TouchedRows)
			}
		}
	}
	return c.ShutDown(ctx)
}

func loadFragment(path string) (pipeline.Fragment, error) {
	var frag pipeline.Fragment
	data, err := os.ReadFile(path)
	if err != nil {
		return frag, err
	}
	if err := json.Unmarshal(data, &frag); err != nil {
		return frag, fmt.Errorf("parse fragment %s: %w", path, err)
	}
	return frag, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
