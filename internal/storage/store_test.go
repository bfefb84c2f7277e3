package storage

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

// TestNewTable tests table creation and initialization
func TestNewTable(t *testing.T) {
	t.Run("zero init", func(t *testing.T) {
		table, err := NewTable(3, 2, Init{Kind: InitZero})
		if err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}

		rows, err := table.Gather([]int64{0, 1, 2})
		if err != nil {
			t.Fatalf("Failed to gather: %v", err)
		}
		for i, row := range rows {
			if !reflect.DeepEqual(row, []float32{0, 0}) {
				t.Errorf("Expected zero row %d, got %v", i, row)
			}
		}
	})

	t.Run("uniform init stays in bounds", func(t *testing.T) {
		table, err := NewTable(50, 4, Init{Kind: InitUniform, Low: -0.5, High: 0.5, Seed: 1})
		if err != nil {
			t.Fatalf("Failed to create table: %v", err)
		}

		ids := make([]int64, 50)
		for i := range ids {
			ids[i] = int64(i)
		}
		rows, _ := table.Gather(ids)
		nonZero := 0
		for _, row := range rows {
			for _, v := range row {
				if v < -0.5 || v >= 0.5 {
					t.Fatalf("Value %v outside [-0.5, 0.5)", v)
				}
				if v != 0 {
					nonZero++
				}
			}
		}
		if nonZero == 0 {
			t.Error("Expected uniform init to produce non-zero values")
		}
	})

	t.Run("empty trailing shard", func(t *testing.T) {
		table, err := NewTable(0, 4, Init{})
		if err != nil {
			t.Fatalf("Failed to create empty table: %v", err)
		}
		if table.Rows() != 0 || table.Dim() != 4 {
			t.Errorf("Expected 0x4, got %dx%d", table.Rows(), table.Dim())
		}
	})

	t.Run("invalid shapes and inits", func(t *testing.T) {
		if _, err := NewTable(-1, 2, Init{}); !errors.Is(err, ErrBadShape) {
			t.Errorf("Expected ErrBadShape for negative rows, got %v", err)
		}
		if _, err := NewTable(2, 0, Init{}); !errors.Is(err, ErrBadShape) {
			t.Errorf("Expected ErrBadShape for zero dim, got %v", err)
		}
		if _, err := NewTable(2, 2, Init{Kind: "normal"}); err == nil {
			t.Error("Expected error for unknown init kind")
		}
		if _, err := NewTable(2, 2, Init{Kind: InitUniform, Low: 1, High: 0}); err == nil {
			t.Error("Expected error for inverted uniform bounds")
		}
	})
}

// TestTableAdd tests accumulate semantics
func TestTableAdd(t *testing.T) {
	table, _ := NewTable(4, 2, Init{})

	if err := table.Add([]int64{1, 3, 1}, [][]float32{{1, 2}, {5, 5}, {10, 20}}); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}

	rows, err := table.Gather([]int64{3, 1, 0})
	if err != nil {
		t.Fatalf("Failed to gather: %v", err)
	}
	want := [][]float32{{5, 5}, {11, 22}, {0, 0}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Expected %v, got %v", want, rows)
	}

	stats := table.Stats()
	if stats.TouchedRows != 2 {
		t.Errorf("Expected 2 touched rows, got %d", stats.TouchedRows)
	}
	if stats.Bytes != 4*4*2 {
		t.Errorf("Expected %d bytes, got %d", 4*4*2, stats.Bytes)
	}
}

func TestTableOverwrite(t *testing.T) {
	table, _ := NewTable(2, 2, Init{})
	_ = table.Add([]int64{0}, [][]float32{{1, 1}})
	if err := table.Update([]int64{0}, [][]float32{{7, 8}}, Overwrite); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	rows, _ := table.Gather([]int64{0})
	if !reflect.DeepEqual(rows[0], []float32{7, 8}) {
		t.Errorf("Expected [7 8], got %v", rows[0])
	}
}

// TestTableRejectsWithoutPartialApply verifies a bad batch changes nothing
func TestTableRejectsWithoutPartialApply(t *testing.T) {
	table, _ := NewTable(3, 2, Init{})

	err := table.Add([]int64{0, 3}, [][]float32{{1, 1}, {1, 1}})
	if !errors.Is(err, ErrRowOutOfRange) {
		t.Fatalf("Expected ErrRowOutOfRange, got %v", err)
	}
	err = table.Add([]int64{0, 1}, [][]float32{{1, 1}, {1}})
	if !errors.Is(err, ErrWidth) {
		t.Fatalf("Expected ErrWidth, got %v", err)
	}
	err = table.Add([]int64{0, 1}, [][]float32{{1, 1}})
	if !errors.Is(err, ErrWidth) {
		t.Fatalf("Expected ErrWidth for short payload, got %v", err)
	}
	err = table.Add([]int64{0}, nil)
	if !errors.Is(err, ErrWidth) {
		t.Fatalf("Expected ErrWidth for missing payload, got %v", err)
	}

	rows, _ := table.Gather([]int64{0, 1})
	if !reflect.DeepEqual(rows, [][]float32{{0, 0}, {0, 0}}) {
		t.Errorf("Expected untouched rows, got %v", rows)
	}
	if table.Stats().TouchedRows != 0 {
		t.Error("Expected no touched rows after rejected batches")
	}

	if _, err := table.Gather([]int64{-1}); !errors.Is(err, ErrRowOutOfRange) {
		t.Errorf("Expected ErrRowOutOfRange on gather, got %v", err)
	}
}

// TestGatherReturnsCopies ensures callers cannot mutate the table
func TestGatherReturnsCopies(t *testing.T) {
	table, _ := NewTable(1, 2, Init{})
	rows, _ := table.Gather([]int64{0})
	rows[0][0] = 99

	again, _ := table.Gather([]int64{0})
	if again[0][0] != 0 {
		t.Errorf("Expected stored value to stay 0, got %v", again[0][0])
	}
}

// TestConcurrentAdds checks adds from many goroutines all land
func TestConcurrentAdds(t *testing.T) {
	table, _ := NewTable(1, 1, Init{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = table.Add([]int64{0}, [][]float32{{1}})
		}()
	}
	wg.Wait()

	rows, _ := table.Gather([]int64{0})
	if rows[0][0] != 100 {
		t.Errorf("Expected 100, got %v", rows[0][0])
	}
}

// TestTouchedRowsBeyond32Bits checks row indices past 2^32 stay distinct in
// the write coverage.
func TestTouchedRowsBeyond32Bits(t *testing.T) {
	table, err := NewTable(1, 1, Init{})
	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	table.touch(0)
	table.touch(1 << 32)
	table.touch(1<<32 + 1)

	if got := table.Stats().TouchedRows; got != 3 {
		t.Errorf("Expected 3 touched rows, got %d", got)
	}
}
