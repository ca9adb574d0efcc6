package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DefaultChunkRows is the number of rows in one chunk of a new table.
const DefaultChunkRows = 1024

var tableMetaKey = []byte("meta")

// tableMeta is stored under the meta key of a table bucket.
type tableMeta struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
	// Capacity is the number of preallocated rows.
	Capacity  int `json:"capacity"`
	ChunkRows int `json:"chunkRows"`
}

// Table is an append-only table of float64 rows with a fixed number
// of columns. Rows are stored in chunks, the last chunk is
// preallocated and only the rows below the high-water mark are valid.
// Appended rows are buffered until a chunk fills up or the table is
// flushed, read, truncated or closed. Closing a table truncates the
// preallocated space, appending after that extends it again.
type Table struct {
	mu      sync.Mutex
	s       *Store
	path    []string
	meta    tableMeta
	pending [][]float64
}

// Table opens the table name in the bucket at path. A missing table
// is created with the given number of columns, an existing one must
// have the same number of columns. Tables opened for writing are
// closed by Store.Close.
func (s *Store) Table(path []string, name string, columns int) (*Table, error) {
	if columns < 1 {
		return nil, errors.Errorf("table %s: columns must be positive, got %d", name, columns)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{s: s, path: append(append([]string(nil), path...), name)}
	key := strings.Join(t.path, "/")
	if open, ok := s.tables[key]; ok {
		if open.meta.Columns != columns {
			return nil, errors.Errorf("table %s has %d columns, requested %d", name, open.meta.Columns, columns)
		}
		return open, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, false)
		if err != nil || b == nil {
			return err
		}
		return json.Unmarshal(b.Get(tableMetaKey), &t.meta)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening table %s", name)
	}
	switch {
	case t.meta.Columns == 0:
		if s.readOnly {
			return nil, errors.Wrapf(ErrNotFound, "table %s in %v", name, path)
		}
		t.meta = tableMeta{Columns: columns, ChunkRows: DefaultChunkRows}
		if err := s.update(t.writeMeta); err != nil {
			return nil, errors.Wrapf(err, "creating table %s", name)
		}
	case t.meta.Columns != columns:
		return nil, errors.Errorf("table %s has %d columns, requested %d", name, t.meta.Columns, columns)
	}
	if !s.readOnly {
		s.tables[key] = t
	}
	return t, nil
}

// ReadTable opens an existing table whatever the number of columns.
func (s *Store) ReadTable(path []string, name string) (*Table, error) {
	t := &Table{s: s, path: append(append([]string(nil), path...), name)}
	s.mu.Lock()
	open, ok := s.tables[strings.Join(t.path, "/")]
	s.mu.Unlock()
	if ok {
		return open, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, false)
		if err != nil {
			return err
		}
		if b == nil {
			return errors.Wrapf(ErrNotFound, "table %s in %v", name, path)
		}
		return json.Unmarshal(b.Get(tableMetaKey), &t.meta)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Columns returns the number of columns.
func (t *Table) Columns() int {
	return t.meta.Columns
}

// Rows returns the number of valid rows, buffered ones included.
func (t *Table) Rows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.Rows + len(t.pending)
}

func (t *Table) writeMeta(tx *bolt.Tx) error {
	b, err := bucket(tx, t.path, true)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t.meta)
	if err != nil {
		return err
	}
	return b.Put(tableMetaKey, data)
}

func chunkKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// Append appends rows. They are written once the last chunk is
// full.
func (t *Table) Append(rows ...[]float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.readOnly {
		return errors.Wrapf(ErrReadOnly, "appending to %v", t.path)
	}
	for i, r := range rows {
		if len(r) != t.meta.Columns {
			return errors.Errorf("row %d has %d columns, table has %d", i, len(r), t.meta.Columns)
		}
	}
	for _, r := range rows {
		t.pending = append(t.pending, append([]float64(nil), r...))
	}
	if t.meta.Rows%t.meta.ChunkRows+len(t.pending) < t.meta.ChunkRows {
		return nil
	}
	return t.flush()
}

// Flush writes the buffered rows.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flush()
}

// flush writes the buffered rows in a single transaction, every
// touched chunk is encoded once.
func (t *Table) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	meta := t.meta
	err := t.s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, true)
		if err != nil {
			return err
		}
		rowBytes := 8 * meta.Columns
		chunkBytes := rowBytes * meta.ChunkRows
		var chunk []byte
		current := -1
		put := func() error {
			if current < 0 {
				return nil
			}
			return b.Put(chunkKey(current), chunk)
		}
		for _, r := range t.pending {
			ci := meta.Rows / meta.ChunkRows
			if ci != current {
				if err := put(); err != nil {
					return err
				}
				current = ci
				// bolt values are only valid within the transaction
				// and must not be modified.
				chunk = make([]byte, chunkBytes)
				copy(chunk, b.Get(chunkKey(ci)))
			}
			off := (meta.Rows % meta.ChunkRows) * rowBytes
			for j, v := range r {
				binary.LittleEndian.PutUint64(chunk[off+8*j:], math.Float64bits(v))
			}
			meta.Rows++
		}
		if err := put(); err != nil {
			return err
		}
		if c := (current + 1) * meta.ChunkRows; current >= 0 && c > meta.Capacity {
			meta.Capacity = c
		}
		old := t.meta
		t.meta = meta
		if err := t.writeMeta(tx); err != nil {
			t.meta = old
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "appending to %v", t.path)
	}
	t.pending = nil
	return nil
}

// Read returns rows [from, to).
func (t *Table) Read(from, to int) ([][]float64, error) {
	t.mu.Lock()
	if err := t.flush(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	meta := t.meta
	t.mu.Unlock()
	if from < 0 || to > meta.Rows || from > to {
		return nil, errors.Errorf("rows [%d, %d) out of range, table has %d", from, to, meta.Rows)
	}
	rows := make([][]float64, 0, to-from)
	err := t.s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, false)
		if err != nil {
			return err
		}
		if b == nil {
			return errors.Wrapf(ErrNotFound, "%v", t.path)
		}
		rowBytes := 8 * meta.Columns
		current := -1
		var chunk []byte
		for i := from; i < to; i++ {
			if ci := i / meta.ChunkRows; ci != current {
				current = ci
				chunk = b.Get(chunkKey(ci))
			}
			off := (i % meta.ChunkRows) * rowBytes
			if len(chunk) < off+rowBytes {
				return errors.Errorf("chunk %d of %v is truncated", current, t.path)
			}
			r := make([]float64, meta.Columns)
			for j := range r {
				r[j] = math.Float64frombits(binary.LittleEndian.Uint64(chunk[off+8*j:]))
			}
			rows = append(rows, r)
		}
		return nil
	})
	return rows, err
}

// ReadAll returns all the valid rows.
func (t *Table) ReadAll() ([][]float64, error) {
	return t.Read(0, t.Rows())
}

// Truncate drops all the rows from n on. It is used to return to a
// checkpoint.
func (t *Table) Truncate(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.flush(); err != nil {
		return err
	}
	if n < 0 || n > t.meta.Rows {
		return errors.Errorf("cannot truncate %d rows to %d", t.meta.Rows, n)
	}
	meta := t.meta
	meta.Rows = n
	err := t.s.update(func(tx *bolt.Tx) error {
		old := t.meta
		t.meta = meta
		if err := t.writeMeta(tx); err != nil {
			t.meta = old
			return err
		}
		return nil
	})
	return errors.Wrapf(err, "truncating %v", t.path)
}

// Close writes the buffered rows and releases the preallocated space
// after the last valid row. The table can still be appended to.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.flush(); err != nil {
		return err
	}
	if t.meta.Capacity == t.meta.Rows {
		return nil
	}
	meta := t.meta
	err := t.s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, t.path, true)
		if err != nil {
			return err
		}
		rowBytes := 8 * meta.Columns
		last := (meta.Rows + meta.ChunkRows - 1) / meta.ChunkRows
		for ci := last; ci*meta.ChunkRows < meta.Capacity; ci++ {
			if err := b.Delete(chunkKey(ci)); err != nil {
				return err
			}
		}
		if rem := meta.Rows % meta.ChunkRows; rem != 0 {
			k := chunkKey(meta.Rows / meta.ChunkRows)
			chunk := append([]byte(nil), b.Get(k)[:rem*rowBytes]...)
			if err := b.Put(k, chunk); err != nil {
				return err
			}
		}
		meta.Capacity = meta.Rows
		old := t.meta
		t.meta = meta
		if err := t.writeMeta(tx); err != nil {
			t.meta = old
			return err
		}
		return nil
	})
	return errors.Wrapf(err, "closing %v", t.path)
}
