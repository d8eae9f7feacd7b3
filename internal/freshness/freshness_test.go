package freshness

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dhsync/datahubsync/internal/dataset"
)

func writeCSV(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func testConfig(dir string, threshold float64) dataset.Config {
	return dataset.Config{
		Name:                "prices",
		SourcePath:          dir,
		NewerRatioThreshold: threshold,
		DebounceSeconds:     60,
		MtimeGranularity:    "minute",
	}
}

func TestScanEmptyDirectoryIsNotFresh(t *testing.T) {
	dir := t.TempDir()
	report := Scan(testConfig(dir, 0.30), time.Time{})
	if report.Fresh {
		t.Error("expected empty directory to be not fresh")
	}
	if report.Total != 0 {
		t.Errorf("Total = %d, want 0", report.Total)
	}
}

func TestScanMajorityMinuteAndRatio(t *testing.T) {
	dir := t.TempDir()
	majority := time.Date(2025, 2, 4, 20, 16, 0, 0, time.UTC)
	minority := majority.Add(-time.Hour)

	for i := 0; i < 7; i++ {
		writeCSV(t, dir, "majority"+string(rune('a'+i))+".csv", majority)
	}
	for i := 0; i < 3; i++ {
		writeCSV(t, dir, "minority"+string(rune('a'+i))+".csv", minority)
	}

	report := Scan(testConfig(dir, 0.30), minority)

	if report.Total != 10 {
		t.Fatalf("Total = %d, want 10", report.Total)
	}
	if !report.MajorityMinute.Equal(majority) {
		t.Errorf("MajorityMinute = %s, want %s", report.MajorityMinute, majority)
	}
	if report.NewerCount != 7 {
		t.Errorf("NewerCount = %d, want 7", report.NewerCount)
	}
	if !report.Fresh {
		t.Errorf("expected fresh at ratio %v >= threshold 0.30", report.NewerRatio)
	}
}

func TestScanBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	last := time.Date(2025, 2, 4, 0, 0, 0, 0, time.UTC)
	newer := last.Add(time.Hour)

	for i := 0; i < 200; i++ {
		writeCSV(t, dir, "n"+strconv.Itoa(i)+".csv", newer)
	}
	for i := 0; i < 800; i++ {
		writeCSV(t, dir, "o"+strconv.Itoa(i)+".csv", last)
	}

	report := Scan(testConfig(dir, 0.30), last)
	if report.Fresh {
		t.Errorf("expected not fresh at ratio %v < threshold 0.30", report.NewerRatio)
	}
	if report.NewerRatio < 0.19 || report.NewerRatio > 0.21 {
		t.Errorf("NewerRatio = %v, want ~0.20", report.NewerRatio)
	}
}

func TestScanIgnoresNonCSVAndDirs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeCSV(t, dir, "a.csv", now)
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	report := Scan(testConfig(dir, 0.30), time.Time{})
	if report.Total != 1 {
		t.Errorf("Total = %d, want 1 (only the .csv file)", report.Total)
	}
}

func TestScanSingleFileExtremes(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2025, 2, 4, 20, 16, 0, 0, time.UTC)
	writeCSV(t, dir, "only.csv", mtime)

	fresh := Scan(testConfig(dir, 0.30), mtime.Add(-time.Minute))
	if fresh.NewerRatio != 1 {
		t.Errorf("NewerRatio = %v, want 1", fresh.NewerRatio)
	}
	if !fresh.Fresh {
		t.Error("expected fresh when ratio is 1")
	}

	notFresh := Scan(testConfig(dir, 0.30), mtime.Add(time.Minute))
	if notFresh.NewerRatio != 0 {
		t.Errorf("NewerRatio = %v, want 0", notFresh.NewerRatio)
	}
	if notFresh.Fresh {
		t.Error("expected not fresh when ratio is 0")
	}
}

func TestDebounceAgreement(t *testing.T) {
	first := Report{NewerRatio: 0.31, MajorityMinute: time.Unix(0, 0)}
	agree := Report{NewerRatio: 0.315, MajorityMinute: time.Unix(0, 0)}
	disagree := Report{NewerRatio: 0.36, MajorityMinute: time.Unix(0, 0)}

	if !DebounceAgreement(first, agree) {
		t.Error("expected agreement within 0.01")
	}
	if DebounceAgreement(first, disagree) {
		t.Error("expected disagreement beyond 0.01")
	}
}

func TestReadableMissingDir(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"), 0.30)
	if err := Readable(cfg); err == nil {
		t.Fatal("expected error for missing source directory")
	}
}
