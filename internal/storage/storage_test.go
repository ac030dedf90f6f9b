package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunDirLayout(t *testing.T) {
	started := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	dir := RunDir("/data", "dev0", "workflow", "test-42", started)
	want := filepath.Join("/data", "dev0", "20260314_150926_workflow_test-42")
	if dir != want {
		t.Fatalf("run dir: got %q want %q", dir, want)
	}
	if got := StepCSVName(3, "transient"); got != "3_transient.csv" {
		t.Fatalf("step csv name: got %q", got)
	}
}

func TestAppendRowsWritesHeaderOnce(t *testing.T) {
	s := NewStore()
	path := filepath.Join(t.TempDir(), "0_transfer.csv")

	if _, err := s.AppendRows(path, []string{"Vg", "Id"}, [][]string{{"-0.500", "1.0e-06"}}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.AppendRows(path, []string{"Vg", "Id"}, [][]string{{"-0.490", "1.1e-06"}, {"-0.480", "1.2e-06"}}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("line count: got %d want 4\n%s", len(lines), data)
	}
	if lines[0] != "Vg,Id" {
		t.Fatalf("header: got %q", lines[0])
	}
	if strings.Count(string(data), "Vg,Id") != 1 {
		t.Fatal("header written more than once")
	}
	if got := s.Rows(path); got != 3 {
		t.Fatalf("cached row count: got %d want 3", got)
	}
}

func TestMergeColumnBuildsCombinedTable(t *testing.T) {
	s := NewStore()
	path := filepath.Join(t.TempDir(), "2_output.csv")

	axis := []float64{0, -0.1, -0.2}
	if err := s.MergeColumn(path, ColumnLabel(-0.3), axis, []float64{1e-6, 2e-6, 3e-6}); err != nil {
		t.Fatalf("first column: %v", err)
	}
	if err := s.MergeColumn(path, ColumnLabel(-0.6), axis, []float64{2e-6, 4e-6, 6e-6}); err != nil {
		t.Fatalf("second column: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("line count: got %d want 4\n%s", len(lines), data)
	}
	wantHeader := "Vd,Id(Vg=-0.300),Id(Vg=-0.600)"
	if lines[0] != wantHeader {
		t.Fatalf("header: got %q want %q", lines[0], wantHeader)
	}
	if !strings.HasPrefix(lines[1], "0.000,") {
		t.Fatalf("first row: got %q", lines[1])
	}
	cols := strings.Split(lines[3], ",")
	if len(cols) != 3 {
		t.Fatalf("column count: got %d want 3", len(cols))
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test_info.json")
	payload := map[string]any{"id": "t1", "status": "completed"}
	if err := WriteJSONAtomic(path, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "completed" {
		t.Fatalf("round-trip: got %v", got)
	}
}

func TestForgetDropsCacheUnderDir(t *testing.T) {
	s := NewStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "0_transfer.csv")
	if _, err := s.AppendRows(path, []string{"Vg", "Id"}, [][]string{{"0.000", "0"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Forget(dir)
	if got := s.Rows(path); got != 0 {
		t.Fatalf("cache survived forget: %d rows", got)
	}
}
