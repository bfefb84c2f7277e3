package storage

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

var (
	// ErrRowOutOfRange is returned when a local row index is outside the table.
	ErrRowOutOfRange = errors.New("row out of range")

	// ErrWidth is returned when a row's width differs from the table's.
	ErrWidth = errors.New("row width mismatch")

	// ErrBadShape is returned for tables with a negative or zero dimension.
	ErrBadShape = errors.New("invalid table shape")
)

// InitKind selects how a new table is filled.
type InitKind string

const (
	// InitZero fills the table with zeros.
	InitZero InitKind = "zero"
	// InitUniform draws every value uniformly from [Low, High).
	InitUniform InitKind = "uniform"
)

// Init describes how a table starts out.
type Init struct {
	Kind InitKind `json:"kind"`
	Low  float32  `json:"low,omitempty"`
	High float32  `json:"high,omitempty"`
	Seed int64    `json:"seed,omitempty"`
}

// Validate reports whether the init can be applied.
func (i Init) Validate() error {
	switch i.Kind {
	case "", InitZero:
		return nil
	case InitUniform:
		if i.High < i.Low {
			return fmt.Errorf("uniform init: high %v below low %v", i.High, i.Low)
		}
		return nil
	}
	return fmt.Errorf("unknown init kind %q", i.Kind)
}

// UpdateFunc applies one incoming row to a stored row of the same width.
type UpdateFunc func(stored, incoming []float32)

// Accumulate adds incoming into stored. It is the default push behavior.
func Accumulate(stored, incoming []float32) {
	for i, v := range incoming {
		stored[i] += v
	}
}

// Overwrite replaces stored with incoming.
func Overwrite(stored, incoming []float32) {
	copy(stored, incoming)
}

// TableStats describes a table.
type TableStats struct {
	Rows        int    `json:"rows"`
	Dim         int    `json:"dim"`
	Bytes       int    `json:"bytes"`
	TouchedRows uint64 `json:"touched_rows"`
}

// Table is a dense rows×dim float32 array addressed by local row index.
//
// Every batch operation validates all of its rows before touching any, so a
// rejected batch leaves the table unchanged and a reader never sees half of
// an update.
type Table struct {
	data    []float32
	touched *roaring64.Bitmap // rows ever written by Update
	mu      sync.RWMutex
	rows    int
	dim     int
}

// NewTable allocates and initializes a table. rows may be zero (an empty
// trailing shard).
func NewTable(rows, dim int, init Init) (*Table, error) {
	if rows < 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadShape, rows, dim)
	}
	if err := init.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		data:    make([]float32, rows*dim),
		touched: roaring64.New(),
		rows:    rows,
		dim:     dim,
	}
	if init.Kind == InitUniform {
		rng := rand.New(rand.NewSource(init.Seed))
		span := init.High - init.Low
		for i := range t.data {
			t.data[i] = init.Low + span*rng.Float32()
		}
	}
	return t, nil
}

func (t *Table) Rows() int { return t.rows }
func (t *Table) Dim() int  { return t.dim }

func (t *Table) check(rows []int64, payload [][]float32) error {
	if payload != nil && len(payload) != len(rows) {
		return fmt.Errorf("%w: %d rows but %d payload rows", ErrWidth, len(rows), len(payload))
	}
	for i, r := range rows {
		if r < 0 || r >= int64(t.rows) {
			return fmt.Errorf("%w: %d not in [0,%d)", ErrRowOutOfRange, r, t.rows)
		}
		if payload != nil && len(payload[i]) != t.dim {
			return fmt.Errorf("%w: row %d has %d values, table has %d", ErrWidth, r, len(payload[i]), t.dim)
		}
	}
	return nil
}

// Update applies fn to every (row, payload) pair in order. A row listed
// twice is updated twice.
func (t *Table) Update(rows []int64, payload [][]float32, fn UpdateFunc) error {
	if payload == nil {
		payload = [][]float32{}
	}
	if err := t.check(rows, payload); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range rows {
		fn(t.data[int(r)*t.dim:int(r+1)*t.dim], payload[i])
		t.touch(r)
	}
	return nil
}

func (t *Table) touch(r int64) { t.touched.Add(uint64(r)) }

// Add accumulates payload into rows.
func (t *Table) Add(rows []int64, payload [][]float32) error {
	return t.Update(rows, payload, Accumulate)
}

// Gather copies rows out in the requested order.
func (t *Table) Gather(rows []int64) ([][]float32, error) {
	if err := t.check(rows, nil); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]float32, len(rows))
	for i, r := range rows {
		row := make([]float32, t.dim)
		copy(row, t.data[int(r)*t.dim:int(r+1)*t.dim])
		out[i] = row
	}
	return out, nil
}

// Stats returns the table's shape and write coverage.
func (t *Table) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TableStats{
		Rows:        t.rows,
		Dim:         t.dim,
		Bytes:       4 * len(t.data),
		TouchedRows: t.touched.GetCardinality(),
	}
}
