// Package dataset holds the value types shared by the hub's
// freshness, packaging, and state-store components.
package dataset

import "time"

// Config describes one dataset as declared in the hub's
// configuration. It is created at hub start and never mutated at
// runtime.
type Config struct {
	// Name is the dataset's unique, URL-safe identifier. It is the
	// only stable identifier for a dataset across the hub's lifetime.
	Name string

	// SourcePath is the directory on the hub containing the dataset's
	// tabular files.
	SourcePath string

	// NewerRatioThreshold is the fraction of files that must carry a
	// newer-than-last_updated mtime for the dataset to be judged
	// fresh. Default 0.30.
	NewerRatioThreshold float64

	// DebounceSeconds is how long the scheduler waits between the
	// first positive freshness verdict and the confirming re-scan.
	// Default 60.
	DebounceSeconds int

	// MtimeGranularity names the truncation applied to file mtimes
	// before they are compared or counted. Only "minute" is
	// supported.
	MtimeGranularity string
}

// Granularity returns the duration that mtimes are truncated to.
func (c Config) Granularity() time.Duration {
	switch c.MtimeGranularity {
	case "", "minute":
		return time.Minute
	default:
		return time.Minute
	}
}

// DebounceDuration returns DebounceSeconds as a time.Duration.
func (c Config) DebounceDuration() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// FileObservation is a single file's path and truncated mtime, as
// collected by one freshness scan.
type FileObservation struct {
	// RelPath is the file's path relative to the dataset's
	// SourcePath.
	RelPath string
	// Mtime is the file's modification time, truncated to the
	// dataset's configured granularity.
	Mtime time.Time
}
