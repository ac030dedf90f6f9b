package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Store appends sample rows to CSV files, keeping a per-file accumulation
// cache so appends never re-read what is already on disk. Concurrent writers
// to the same path are a caller error; the cache itself is safe to share.
type Store struct {
	mu     sync.Mutex
	files  map[string]*fileState
	tables map[string]*outputTable
}

type fileState struct {
	header []string
	rows   int
}

// outputTable accumulates the multi-column output-curve table: one shared
// drain-voltage axis plus one current column per gate voltage.
type outputTable struct {
	axis    []float64
	columns []string
	data    map[string][]float64
}

func NewStore() *Store {
	return &Store{
		files:  make(map[string]*fileState),
		tables: make(map[string]*outputTable),
	}
}

// AppendRows appends sample rows to path, writing the header on first touch.
func (s *Store) AppendRows(path string, header []string, rows [][]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, seen := s.files[path]
	if !seen {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, err
		}
		st = &fileState{header: header}
		s.files[path] = st
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !seen {
		if err := w.Write(header); err != nil {
			return 0, err
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return st.rows, err
		}
		st.rows++
	}
	w.Flush()
	return st.rows, w.Error()
}

// Rows returns the number of data rows appended to path so far.
func (s *Store) Rows(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.files[path]; ok {
		return st.rows
	}
	return 0
}

// MergeColumn folds one output scan into the combined table for path and
// rewrites the file from the cache. Rows align by sample index: every scan
// of one output step sweeps the same drain axis, so index i is the same Vd
// in every column. Shorter columns leave their trailing cells empty. A
// column seen before grows, so a scan may arrive in several flushes.
func (s *Store) MergeColumn(path, column string, axis, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, ok := s.tables[path]
	if !ok {
		tbl = &outputTable{data: make(map[string][]float64)}
		s.tables[path] = tbl
	}
	prior, seen := tbl.data[column]
	if !seen {
		tbl.columns = append(tbl.columns, column)
	}
	for i := range axis {
		if idx := len(prior) + i; idx >= len(tbl.axis) {
			tbl.axis = append(tbl.axis, axis[i])
		}
	}
	tbl.data[column] = append(prior, values...)

	return writeOutputTable(path, tbl)
}

func writeOutputTable(path string, tbl *outputTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	header := append([]string{"Vd"}, tbl.columns...)
	records := [][]string{header}
	for i, vd := range tbl.axis {
		row := make([]string, 0, len(header))
		row = append(row, FormatVolts(vd))
		for _, col := range tbl.columns {
			vals := tbl.data[col]
			if i < len(vals) {
				row = append(row, FormatAmps(vals[i]))
			} else {
				row = append(row, "")
			}
		}
		records = append(records, row)
	}

	var buf []byte
	for _, rec := range records {
		for j, field := range rec {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, field...)
		}
		buf = append(buf, '\n')
	}
	return WriteFileAtomic(path, buf)
}

// ColumnLabel names an output-curve current column for one gate voltage.
func ColumnLabel(gateVolts float64) string {
	return fmt.Sprintf("Id(Vg=%s)", FormatVolts(gateVolts))
}

// FormatVolts renders a voltage with millivolt resolution.
func FormatVolts(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// FormatAmps renders a current in scientific notation.
func FormatAmps(a float64) string {
	return strconv.FormatFloat(a, 'e', 6, 64)
}

// FormatSeconds renders a timestamp with millisecond resolution.
func FormatSeconds(t float64) string {
	return strconv.FormatFloat(t, 'f', 3, 64)
}

// Forget drops cached state for every file under dir. Called when a test
// finishes so long-lived processes do not accumulate entries forever.
func (s *Store) Forget(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for path := range s.files {
		if within(dir, path) {
			stale = append(stale, path)
		}
	}
	for _, p := range stale {
		delete(s.files, p)
	}
	stale = stale[:0]
	for path := range s.tables {
		if within(dir, path) {
			stale = append(stale, path)
		}
	}
	for _, p := range stale {
		delete(s.tables, p)
	}
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
