// Package state implements the hub's and the client's durable,
// atomically-written JSON documents (spec.md §4.4, §6.4, §6.5).
//
// Both stores write every change to a temp file that is renamed over
// the real path, so a concurrent reader never observes a torn document
// (spec.md I4). The hub store additionally holds a short-lived file
// lock around that write, the discipline the teacher uses for its
// anchor-map-ref file in bobg-bs/store/file/file.go; the client store
// takes no file lock.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/dhsync/datahubsync/internal/errs"
)

// Row is one dataset's persisted state (spec.md §3, §6.4).
type Row struct {
	LastUpdated   time.Time `json:"last_updated"`
	FileCount     int       `json:"file_count"`
	TotalSize     int64     `json:"total_size"`
	PackageReady  bool      `json:"package_ready"`
	PackageSize   int64     `json:"package_size"`
	PackagePath   string    `json:"package_path"`
	LastTriggerAt time.Time `json:"last_trigger_at"`
}

// Hub is the hub's dataset-state document. A Hub is safe for
// concurrent use: reads take an in-memory snapshot guarded by a
// mutex, and writes additionally serialize through a file lock so
// that two hub processes sharing a state file never interleave a
// write.
//
// This mirrors spec.md §9's remediation of "background thread sharing
// mutable maps with request handlers": the HTTP server (component F)
// only ever sees the result of GetAll, a copy, never the live map the
// scheduler mutates.
type Hub struct {
	path string

	mu   sync.RWMutex
	rows map[string]Row
}

// OpenHub loads (or creates, if absent) the hub state document at
// path.
func OpenHub(path string) (*Hub, error) {
	h := &Hub{path: path, rows: make(map[string]Row)}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading hub state file %s", path)
	}
	if len(b) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(b, &h.rows); err != nil {
		return nil, errors.Wrapf(err, "parsing hub state file %s", path)
	}
	return h, nil
}

// Get returns a copy of the named dataset's row, if present.
func (h *Hub) Get(name string) (Row, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	row, ok := h.rows[name]
	return row, ok
}

// GetAll returns a snapshot of every dataset's row. Mutating the
// returned map does not affect the store.
func (h *Hub) GetAll() map[string]Row {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Row, len(h.rows))
	for k, v := range h.rows {
		out[k] = v
	}
	return out
}

// Update applies mutate to the named dataset's current row (its zero
// value, if the dataset has no row yet) and durably persists the
// result. It is the store's only mutating entry point; spec.md
// confines all writers to the scheduler.
//
// Update enforces invariant I1 (last_updated is monotonically
// non-decreasing): if mutate produces a LastUpdated earlier than the
// row's previous value, the update is rejected and the row is left
// unchanged.
func (h *Hub) Update(name string, mutate func(*Row)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	row := h.rows[name]
	prev := row.LastUpdated
	mutate(&row)

	if !prev.IsZero() && row.LastUpdated.Before(prev) {
		return errors.Errorf("refusing to move last_updated for %q backward (from %s to %s)", name, prev, row.LastUpdated)
	}

	next := make(map[string]Row, len(h.rows))
	for k, v := range h.rows {
		next[k] = v
	}
	next[name] = row

	if err := writeJSONAtomic(h.path, next); err != nil {
		return errors.Wrap(errs.ErrStateWriteFailed, err.Error())
	}
	h.rows = next
	return nil
}

// writeJSONAtomic serializes v, writes it to a temp file beside
// path, and renames it into place, holding a flock on path for the
// duration. This is the same create-temp/rename-into-place sequence
// bobg-bs/store/file.go uses for its anchor-map-ref file.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "ensuring dir for %s", path)
	}

	var locker flock.Locker
	if err := locker.Lock(path); err != nil {
		return errors.Wrapf(err, "locking %s", path)
	}
	defer locker.Unlock(path)

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling state document")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, path)
	}
	return nil
}
