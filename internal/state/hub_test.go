package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHubUpdateAndGetAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	h, err := OpenHub(path)
	if err != nil {
		t.Fatal(err)
	}

	t0 := time.Date(2025, 2, 4, 20, 16, 0, 0, time.UTC)
	err = h.Update("prices", func(r *Row) {
		r.LastUpdated = t0
		r.FileCount = 100
		r.TotalSize = 12345
		r.PackageReady = true
		r.PackageSize = 4096
		r.PackagePath = filepath.Join(dir, "prices_20250204_201600.zip")
		r.LastTriggerAt = t0
	})
	if err != nil {
		t.Fatal(err)
	}

	row, ok := h.Get("prices")
	if !ok {
		t.Fatal("expected row to exist")
	}
	if !row.LastUpdated.Equal(t0) {
		t.Errorf("LastUpdated = %s, want %s", row.LastUpdated, t0)
	}
	if row.FileCount != 100 {
		t.Errorf("FileCount = %d, want 100", row.FileCount)
	}

	// Reopen to verify durability across process restarts.
	h2, err := OpenHub(path)
	if err != nil {
		t.Fatal(err)
	}
	row2, ok := h2.Get("prices")
	if !ok {
		t.Fatal("expected row to survive reopen")
	}
	if diff := cmp.Diff(row, row2); diff != "" {
		t.Errorf("row mismatch after reopen (-want +got):\n%s", diff)
	}
}

func TestHubUpdateRejectsBackwardLastUpdated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	h, err := OpenHub(path)
	if err != nil {
		t.Fatal(err)
	}

	later := time.Date(2025, 2, 4, 20, 16, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := h.Update("prices", func(r *Row) { r.LastUpdated = later }); err != nil {
		t.Fatal(err)
	}
	if err := h.Update("prices", func(r *Row) { r.LastUpdated = earlier }); err == nil {
		t.Fatal("expected error moving last_updated backward")
	}

	row, _ := h.Get("prices")
	if !row.LastUpdated.Equal(later) {
		t.Errorf("LastUpdated changed despite rejected update: got %s, want %s", row.LastUpdated, later)
	}
}

func TestHubGetAllIsSnapshot(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHub(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Update("a", func(r *Row) { r.FileCount = 1 }); err != nil {
		t.Fatal(err)
	}

	snap := h.GetAll()
	snap["a"] = Row{FileCount: 999}

	row, _ := h.Get("a")
	if row.FileCount != 1 {
		t.Errorf("mutating snapshot affected store: FileCount = %d, want 1", row.FileCount)
	}
}
