package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/graphshard/internal/storage"
)

var (
	// ErrNoTable is returned for operations on a table that was never
	// initialized on this shard.
	ErrNoTable = errors.New("table not initialized")

	// ErrShapeMismatch is returned when a table is initialized again with a
	// different layout or width.
	ErrShapeMismatch = errors.New("table shape mismatch")
)

// Shard is one store server's slice of every table: the rows the layout
// assigns to server ID, held as dense local arrays.
type Shard struct {
	tables map[string]*hosted
	Stats  *ShardStats // Operation statistics
	ID     int         // Server rank this shard belongs to
	mu     sync.RWMutex
}

type hosted struct {
	table  *storage.Table
	layout Layout
}

// ShardStats tracks operation counts. Fields are updated atomically.
type ShardStats struct {
	Inits      uint64 `json:"inits"`
	Pushes     uint64 `json:"pushes"`
	Pulls      uint64 `json:"pulls"`
	RowsPushed uint64 `json:"rows_pushed"`
	RowsPulled uint64 `json:"rows_pulled"`
}

// TableInfo describes one hosted table.
type TableInfo struct {
	Name    string             `json:"name"`
	Layout  Layout             `json:"layout"`
	Storage storage.TableStats `json:"storage"`
}

// ShardInfo contains metadata about a shard.
type ShardInfo struct {
	Tables []TableInfo `json:"tables"`
	Ops    ShardStats  `json:"ops"`
	ID     int         `json:"id"`
}

// NewShard creates an empty shard for server id.
func NewShard(id int) *Shard {
	return &Shard{
		ID:     id,
		tables: make(map[string]*hosted),
		Stats:  &ShardStats{},
	}
}

// Init allocates this shard's rows of table name. Initializing an existing
// table with the same layout and width does nothing and reports false.
func (s *Shard) Init(name string, layout Layout, dim int, init storage.Init) (bool, error) {
	if name == "" {
		return false, errors.New("table name is empty")
	}
	layout, err := NewLayout(layout.Rows, layout.Shards, layout.Mode)
	if err != nil {
		return false, err
	}
	if s.ID >= layout.Shards {
		return false, fmt.Errorf("shard %d outside layout of %d shards", s.ID, layout.Shards)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.tables[name]; ok {
		if h.layout != layout || h.table.Dim() != dim {
			return false, fmt.Errorf("%w: %q is %d rows x %d over %d shards, got %d rows x %d over %d shards",
				ErrShapeMismatch, name, h.layout.Rows, h.table.Dim(), h.layout.Shards,
				layout.Rows, dim, layout.Shards)
		}
		return false, nil
	}

	// distinct seeds so shards of one uniform table are not copies of each other
	init.Seed += int64(s.ID)
	t, err := storage.NewTable(int(layout.ShardRows(s.ID)), dim, init)
	if err != nil {
		return false, err
	}
	s.tables[name] = &hosted{table: t, layout: layout}
	atomic.AddUint64(&s.Stats.Inits, 1)
	return true, nil
}

// lookup returns the table and the local rows for global ids, rejecting ids
// another shard owns.
func (s *Shard) lookup(name string, ids []int64) (*storage.Table, []int64, error) {
	s.mu.RLock()
	h, ok := s.tables[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoTable, name)
	}
	local := make([]int64, len(ids))
	for i, id := range ids {
		server, row, err := h.layout.Locate(id)
		if err != nil {
			return nil, nil, err
		}
		if server != s.ID {
			return nil, nil, fmt.Errorf("%w: id %d belongs to shard %d, not %d", ErrIDOutOfRange, id, server, s.ID)
		}
		local[i] = row
	}
	return h.table, local, nil
}

// Push applies fn to the rows of global ids. Nothing is applied if any id
// or payload row is invalid.
func (s *Shard) Push(name string, ids []int64, payload [][]float32, fn storage.UpdateFunc) error {
	if len(ids) != len(payload) {
		return fmt.Errorf("%w: %d ids but %d payload rows", storage.ErrWidth, len(ids), len(payload))
	}
	t, local, err := s.lookup(name, ids)
	if err != nil {
		return err
	}
	if fn == nil {
		err = t.Add(local, payload)
	} else {
		err = t.Update(local, payload, fn)
	}
	if err != nil {
		return err
	}
	atomic.AddUint64(&s.Stats.Pushes, 1)
	atomic.AddUint64(&s.Stats.RowsPushed, uint64(len(ids)))
	return nil
}

// Pull returns copies of the rows of global ids, in the order given.
func (s *Shard) Pull(name string, ids []int64) ([][]float32, error) {
	t, local, err := s.lookup(name, ids)
	if err != nil {
		return nil, err
	}
	rows, err := t.Gather(local)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.Stats.Pulls, 1)
	atomic.AddUint64(&s.Stats.RowsPulled, uint64(len(ids)))
	return rows, nil
}

// Table describes table name, if it is hosted here.
func (s *Shard) Table(name string) (TableInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.tables[name]
	if !ok {
		return TableInfo{}, false
	}
	return TableInfo{Name: name, Layout: h.layout, Storage: h.table.Stats()}, true
}

// GetStats returns a snapshot of the operation counters.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Inits:      atomic.LoadUint64(&s.Stats.Inits),
		Pushes:     atomic.LoadUint64(&s.Stats.Pushes),
		Pulls:      atomic.LoadUint64(&s.Stats.Pulls),
		RowsPushed: atomic.LoadUint64(&s.Stats.RowsPushed),
		RowsPulled: atomic.LoadUint64(&s.Stats.RowsPulled),
	}
}

// Info returns metadata about the shard, tables sorted by name.
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	tables := make([]TableInfo, 0, len(s.tables))
	for name, h := range s.tables {
		tables = append(tables, TableInfo{Name: name, Layout: h.layout, Storage: h.table.Stats()})
	}
	s.mu.RUnlock()

	slices.SortFunc(tables, func(a, b TableInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return ShardInfo{ID: s.ID, Tables: tables, Ops: s.GetStats()}
}
