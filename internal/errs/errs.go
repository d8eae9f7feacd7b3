// Package errs defines the error kinds shared by the hub and client,
// per spec.md §7. Each kind is a sentinel wrapped with context via
// github.com/pkg/errors, in the same style as bobg-bs/anchor's
// ErrNoAnchorMap: callers match with errors.Is, never string
// comparison.
package errs

import "errors"

var (
	// ErrConfigInvalid: both sides, fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrSourceUnreadable: hub, log and skip this tick.
	ErrSourceUnreadable = errors.New("source directory unreadable")

	// ErrPackagingFailed: hub, log and retry next tick, prior archive
	// kept.
	ErrPackagingFailed = errors.New("packaging failed")

	// ErrStateWriteFailed: hub, log and keep in-memory state, retry.
	ErrStateWriteFailed = errors.New("state write failed")

	// ErrDatasetUnknown: client, terminal for that dataset.
	ErrDatasetUnknown = errors.New("dataset unknown")

	// ErrNetworkTransient: client, retry with backoff.
	ErrNetworkTransient = errors.New("transient network error")

	// ErrNetworkTerminal: client, terminal for that dataset.
	ErrNetworkTerminal = errors.New("terminal network error")

	// ErrSizeMismatch: client, discard partial, retry once.
	ErrSizeMismatch = errors.New("downloaded size does not match advertised package size")

	// ErrArchiveInvalid: client, terminal, local_dir preserved.
	ErrArchiveInvalid = errors.New("archive invalid")

	// ErrZipSlipDetected: client, terminal, local_dir preserved.
	ErrZipSlipDetected = errors.New("zip-slip detected: archive entry would escape extraction root")

	// ErrSwapFailed: client, roll back, terminal.
	ErrSwapFailed = errors.New("atomic directory swap failed")
)
