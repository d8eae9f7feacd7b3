// Package freshness implements the hub's quiescence decision for a
// single dataset: whether enough of its files have changed recently
// enough, relative to their most recent settled version, to
// constitute a new one (spec.md §4.1).
//
// The two-scan debounce shape is grounded on
// original_source/src/freshness_checker.py's check/check_stable pair,
// reimplemented against the majority-minute/30% rule that superseded
// the original's 85th-percentile/trading-calendar design (spec.md
// §9).
package freshness

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dhsync/datahubsync/internal/dataset"
	"github.com/dhsync/datahubsync/internal/errs"
)

// recognizedExt is the tabular file extension DataHubSync packages.
// spec.md §1 fixes this as CSV for the core; Non-goals exclude
// per-file deltas and content inspection that would let this vary
// per file.
const recognizedExt = ".csv"

// Report is the result of one freshness scan.
type Report struct {
	Total          int
	NewerCount     int
	NewerRatio     float64
	MajorityMinute time.Time
	Fresh          bool
}

// Scan enumerates cfg.SourcePath, truncates mtimes to the dataset's
// configured granularity, and computes the newer_ratio and
// majority-minute relative to lastUpdated (the dataset's current
// last_updated; the zero value is treated as the epoch).
//
// Scan never fails the pipeline (spec.md §4.1, "Error conditions"):
// an unreadable file is excluded from the counts and logged; an
// unreadable source directory yields a not-fresh Report and a logged
// error.
func Scan(cfg dataset.Config, lastUpdated time.Time) Report {
	granularity := cfg.Granularity()

	var mtimes []time.Time
	err := filepath.WalkDir(cfg.SourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("freshness: %s: %s: %s", cfg.Name, path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), recognizedExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Printf("freshness: %s: stat %s: %s", cfg.Name, path, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		mtimes = append(mtimes, info.ModTime().Truncate(granularity))
		return nil
	})
	if err != nil {
		log.Printf("freshness: %s: scanning %s: %s", cfg.Name, cfg.SourcePath, err)
		return Report{}
	}

	total := len(mtimes)
	if total == 0 {
		return Report{}
	}

	newerCount := 0
	counts := make(map[time.Time]int, total)
	for _, mt := range mtimes {
		if mt.After(lastUpdated) {
			newerCount++
		}
		counts[mt]++
	}

	majority := majorityMinute(counts)
	ratio := float64(newerCount) / float64(total)

	return Report{
		Total:          total,
		NewerCount:     newerCount,
		NewerRatio:     ratio,
		MajorityMinute: majority,
		Fresh:          ratio >= cfg.NewerRatioThreshold,
	}
}

// majorityMinute returns the truncated mtime occurring most often,
// ties broken by the later timestamp (spec.md §4.1 step 4).
func majorityMinute(counts map[time.Time]int) time.Time {
	var (
		best      time.Time
		bestCount int
	)
	for t, n := range counts {
		if n > bestCount || (n == bestCount && t.After(best)) {
			best, bestCount = t, n
		}
	}
	return best
}

// DebounceAgreement tells whether two reports taken debounce_seconds
// apart agree closely enough (within ±0.01 newer_ratio, and an
// identical majority-minute) to be accepted as stable (spec.md §4.1,
// "Debounce (stability)").
func DebounceAgreement(first, second Report) bool {
	diff := second.NewerRatio - first.NewerRatio
	if diff < 0 {
		diff = -diff
	}
	return diff <= 0.01 && second.MajorityMinute.Equal(first.MajorityMinute)
}

// Files returns the absolute paths of every recognized tabular file
// in cfg.SourcePath, in the order filepath.WalkDir visits them.
// Unreadable files are excluded and logged, matching Scan's error
// tolerance.
func Files(cfg dataset.Config) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(cfg.SourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("freshness: %s: %s: %s", cfg.Name, path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), recognizedExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Printf("freshness: %s: stat %s: %s", cfg.Name, path, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

// Readable checks that cfg.SourcePath exists and is a directory,
// without performing a full scan. The scheduler calls this before
// scanning so a missing or unreadable source directory is reported as
// errs.ErrSourceUnreadable (spec.md §7: hub, log and skip this tick)
// instead of surfacing as an empty, not-fresh Report.
func Readable(cfg dataset.Config) error {
	info, err := os.Stat(cfg.SourcePath)
	if err != nil {
		return errors.Wrap(errs.ErrSourceUnreadable, err.Error())
	}
	if !info.IsDir() {
		return errors.Wrapf(errs.ErrSourceUnreadable, "%s is not a directory", cfg.SourcePath)
	}
	return nil
}
