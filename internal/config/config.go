// Package config reads process configuration from environment variables,
// optionally layered over a JSON file named by CONFIG_FILE. Environment
// values win over file values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/dreamware/graphshard/internal/collective"
	"github.com/dreamware/graphshard/internal/shard"
	"github.com/dreamware/graphshard/internal/storage"
)

// ErrMissing is returned when a required setting is absent.
var ErrMissing = errors.New("missing required setting")

// FileVar names the environment variable holding the optional config file.
const FileVar = "CONFIG_FILE"

// Lookup reads one variable; os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// Server configures cmd/kvserver.
type Server struct {
	Listen      string `mapstructure:"kv_listen"`
	PushHandler string `mapstructure:"kv_push_handler"`
	LogFormat   string `mapstructure:"log_format"`
	Rank        int    `mapstructure:"kv_rank"`
	ClientCount int    `mapstructure:"kv_client_count"`
	InboxSize   int    `mapstructure:"kv_inbox_size"`
}

var serverKeys = []string{"KV_RANK", "KV_LISTEN", "KV_CLIENT_COUNT", "KV_PUSH_HANDLER", "KV_INBOX_SIZE", "LOG_FORMAT"}

// LoadServer reads the store server settings. KV_RANK and KV_CLIENT_COUNT
// are required.
func LoadServer(lookup Lookup) (*Server, error) {
	cfg := &Server{
		Listen:      ":8090",
		PushHandler: "add",
		LogFormat:   "text",
		Rank:        -1,
		InboxSize:   64,
	}
	if err := load(lookup, serverKeys, cfg); err != nil {
		return nil, err
	}
	if cfg.Rank < 0 {
		return nil, fmt.Errorf("%w: KV_RANK", ErrMissing)
	}
	if cfg.ClientCount <= 0 {
		return nil, fmt.Errorf("%w: KV_CLIENT_COUNT", ErrMissing)
	}
	if _, err := cfg.UpdateFunc(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateFunc maps KV_PUSH_HANDLER to a storage update.
func (s *Server) UpdateFunc() (storage.UpdateFunc, error) {
	switch strings.ToLower(s.PushHandler) {
	case "", "add":
		return storage.Accumulate, nil
	case "replace":
		return storage.Overwrite, nil
	}
	return nil, fmt.Errorf("unknown push handler %q (want add or replace)", s.PushHandler)
}

// Worker configures cmd/shuffler.
type Worker struct {
	Listen        string `mapstructure:"worker_listen"`
	AddressBook   string `mapstructure:"address_book"`
	PartitionFile string `mapstructure:"partition_file"`
	FragmentFile  string `mapstructure:"fragment_file"`
	OutputFile    string `mapstructure:"output_file"`
	Compression   string `mapstructure:"shuffle_compression"`
	LogFormat     string `mapstructure:"log_format"`

	// KVAddressBook, when set, makes the worker publish node features to
	// the store servers it lists.
	KVAddressBook  string        `mapstructure:"kv_address_book"`
	KVTable        string        `mapstructure:"kv_table"`
	KVLayout       string        `mapstructure:"kv_layout"`
	Rank           int           `mapstructure:"worker_rank"`
	WorldSize      int           `mapstructure:"world_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

var workerKeys = []string{
	"WORKER_RANK", "WORLD_SIZE", "WORKER_LISTEN", "ADDRESS_BOOK", "PARTITION_FILE",
	"FRAGMENT_FILE", "OUTPUT_FILE", "SHUFFLE_COMPRESSION", "REQUEST_TIMEOUT", "LOG_FORMAT",
	"KV_ADDRESS_BOOK", "KV_TABLE", "KV_LAYOUT",
}

// LoadWorker reads the repartition worker settings.
func LoadWorker(lookup Lookup) (*Worker, error) {
	cfg := &Worker{
		Listen:         ":8070",
		Compression:    "none",
		LogFormat:      "text",
		KVTable:        "features",
		KVLayout:       string(shard.Contiguous),
		Rank:           -1,
		RequestTimeout: 30 * time.Second,
	}
	if err := load(lookup, workerKeys, cfg); err != nil {
		return nil, err
	}
	required := []struct {
		missing bool
		key     string
	}{
		{cfg.Rank < 0, "WORKER_RANK"},
		{cfg.WorldSize <= 0, "WORLD_SIZE"},
		{cfg.AddressBook == "", "ADDRESS_BOOK"},
		{cfg.PartitionFile == "", "PARTITION_FILE"},
		{cfg.FragmentFile == "", "FRAGMENT_FILE"},
	}
	for _, r := range required {
		if r.missing {
			return nil, fmt.Errorf("%w: %s", ErrMissing, r.key)
		}
	}
	if cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("WORKER_RANK %d outside world of %d", cfg.Rank, cfg.WorldSize)
	}
	if _, err := collective.ParseCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if _, err := shard.NewLayout(0, 1, shard.Mode(cfg.KVLayout)); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", cfg.RequestTimeout)
	}
	return cfg, nil
}

// load overlays file values, then environment values, onto out.
func load(lookup Lookup, keys []string, out any) error {
	raw := make(map[string]any)
	if path, ok := lookup(FileVar); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		var file map[string]any
		if err := json.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		for k, v := range file {
			raw[strings.ToLower(k)] = v
		}
	}
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			raw[strings.ToLower(k)] = v
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// NewLogger returns a text or JSON slog logger writing to w.
func NewLogger(format string, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
}
