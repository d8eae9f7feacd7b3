package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhsync/datahubsync/internal/dataset"
	"github.com/dhsync/datahubsync/internal/packager"
	"github.com/dhsync/datahubsync/internal/state"
)

func writeCSV(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestScheduler(t *testing.T, cfg dataset.Config) (*Scheduler, *state.Hub) {
	t.Helper()
	st, err := state.OpenHub(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return &Scheduler{
		Datasets: []dataset.Config{cfg},
		Interval: time.Hour,
		State:    st,
		Packager: &packager.Packager{CacheDir: t.TempDir(), KeepVersions: 2},
		Sleep:    func(context.Context, time.Duration) {}, // no real wait in tests
	}, st
}

func TestTickOnePackagesFreshStableDataset(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 4, 20, 16, 0, 0, time.Local)
	for i := 0; i < 5; i++ {
		writeCSV(t, dir, string(rune('a'+i))+".csv", mtime)
	}

	cfg := dataset.Config{
		Name:                "prices",
		SourcePath:          dir,
		NewerRatioThreshold: 0.30,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}
	sched, st := newTestScheduler(t, cfg)

	if err := sched.tickOne(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	row, ok := st.Get("prices")
	if !ok {
		t.Fatal("expected a state row after packaging")
	}
	if !row.PackageReady {
		t.Error("expected package_ready = true")
	}
	if row.FileCount != 5 {
		t.Errorf("FileCount = %d, want 5", row.FileCount)
	}
	if !row.LastUpdated.Equal(mtime) {
		t.Errorf("LastUpdated = %s, want %s", row.LastUpdated, mtime)
	}
	if _, err := os.Stat(row.PackagePath); err != nil {
		t.Errorf("archive not present at %s: %v", row.PackagePath, err)
	}
}

func TestTickOneNoopWhenAlreadyPackaged(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 4, 20, 16, 0, 0, time.Local)
	writeCSV(t, dir, "a.csv", mtime)

	cfg := dataset.Config{
		Name:                "prices",
		SourcePath:          dir,
		NewerRatioThreshold: 0.30,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}
	sched, st := newTestScheduler(t, cfg)

	if err := sched.tickOne(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	row1, _ := st.Get("prices")

	// A second tick over an unchanged directory must not repackage:
	// no file is newer than the stored last_updated, so scan #1
	// reports not fresh.
	if err := sched.tickOne(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	row2, _ := st.Get("prices")

	if row1.PackagePath != row2.PackagePath {
		t.Errorf("expected no new package, got %s then %s", row1.PackagePath, row2.PackagePath)
	}
}

func TestTickOneSkipsWhenNotFresh(t *testing.T) {
	dir := t.TempDir() // empty directory: never fresh
	cfg := dataset.Config{
		Name:                "prices",
		SourcePath:          dir,
		NewerRatioThreshold: 0.30,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}
	sched, st := newTestScheduler(t, cfg)

	if err := sched.tickOne(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Get("prices"); ok {
		t.Error("expected no state row to be created for a never-fresh dataset")
	}
}

func TestTickOneReportsUnreadableSource(t *testing.T) {
	cfg := dataset.Config{
		Name:                "prices",
		SourcePath:          filepath.Join(t.TempDir(), "missing"),
		NewerRatioThreshold: 0.30,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}
	sched, _ := newTestScheduler(t, cfg)

	if err := sched.tickOne(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unreadable source directory")
	}
}

func TestTickOneDefersWhenDebounceScansDisagree(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 4, 20, 16, 0, 0, time.Local)
	writeCSV(t, dir, "a.csv", mtime)

	cfg := dataset.Config{
		Name:                "prices",
		SourcePath:          dir,
		NewerRatioThreshold: 0.30,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}

	st, err := state.OpenHub(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	sched := &Scheduler{
		Datasets: []dataset.Config{cfg},
		Interval: time.Hour,
		State:    st,
		Packager: &packager.Packager{CacheDir: t.TempDir(), KeepVersions: 2},
		Sleep: func(context.Context, time.Duration) {
			calls++
			// Simulate new activity arriving between scan #1 and
			// scan #2 by adding another file with a later mtime.
			// Both files are newer, so the ratio stays 1, but the
			// one-one tie now resolves to the later minute, so the
			// majority-minute changes.
			writeCSV(t, dir, "b.csv", mtime.Add(time.Hour))
		},
	}

	if err := sched.tickOne(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one debounce sleep, got %d", calls)
	}
	if _, ok := st.Get("prices"); ok {
		t.Error("expected the disagreeing scan to defer packaging entirely")
	}
}
