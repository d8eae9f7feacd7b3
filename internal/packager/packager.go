// Package packager produces the single archive representing a
// dataset's current settled version, in the background, with
// single-flight semantics (spec.md §4.2).
//
// Atomicity is grounded on bobg-bs/store/file/file.go's
// create-then-publish discipline (there: O_EXCL create of the final
// blob path; here: write to a *.tmp sibling, then rename). Retention
// is grounded on bobg-bs/gc/keep.go's enumerate-then-delete shape.
// Single-flight coalescing uses golang.org/x/sync/singleflight, the
// complement of the errgroup primitive bobg-bs/store/replica already
// imports that module for.
package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/dhsync/datahubsync/internal/archive"
	"github.com/dhsync/datahubsync/internal/dataset"
	"github.com/dhsync/datahubsync/internal/errs"
	"github.com/dhsync/datahubsync/internal/freshness"
)

// Result describes a successfully produced archive.
type Result struct {
	ArchivePath      string
	FileCount        int
	UncompressedSize int64
	CompressedSize   int64
}

// Packager writes versioned archives into CacheDir and enforces
// retention across concurrent/repeated triggers for the same
// dataset.
type Packager struct {
	CacheDir     string
	KeepVersions int

	// InUse, if set, is consulted before unlinking an old archive
	// version; a path reported in use is skipped this sweep and
	// retried on the next one (hubserver.Server.InUse backs this in
	// cmd/datahub-hub, keyed on the same in-flight download it
	// tracks). Nil means never skip, matching the teacher's assumption
	// that unlinking an open file is safe on the deploy platform.
	InUse func(path string) bool

	group singleflight.Group
	flk   flock.Locker
}

const nameTimeLayout = "20060102_150405"

// Package produces a new archive for cfg representing its state as
// of majorityMinute (the freshness detector's reported version
// timestamp), expressed in the hub's local zone per spec.md §4.2
// ("Naming").
//
// Concurrent calls for the same dataset name coalesce into one
// underlying packaging operation (spec.md "Single-flight"); all
// callers receive the same Result or the same error.
//
// A non-nil error wrapping errRetention still carries a valid,
// already-published Result: retention is best-effort cleanup, not
// part of whether packaging succeeded. Callers that only check for a
// nil error before trusting Result must use errors.As to tell the two
// apart (see tickOne in the scheduler and the hub's "once" command).
func (p *Packager) Package(ctx context.Context, cfg dataset.Config, majorityMinute time.Time) (Result, error) {
	v, err, _ := p.group.Do(cfg.Name, func() (any, error) {
		return p.packageOnce(ctx, cfg, majorityMinute)
	})
	result, _ := v.(Result)
	return result, err
}

func (p *Packager) packageOnce(ctx context.Context, cfg dataset.Config, majorityMinute time.Time) (Result, error) {
	if err := os.MkdirAll(p.CacheDir, 0o755); err != nil {
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "ensuring cache dir %s", p.CacheDir).Error())
	}

	if err := freshness.Readable(cfg); err != nil {
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "listing files for %s", cfg.Name).Error())
	}
	paths, err := freshness.Files(cfg)
	if err != nil {
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "listing files for %s", cfg.Name).Error())
	}

	finalName := fmt.Sprintf("%s_%s.zip", cfg.Name, majorityMinute.Local().Format(nameTimeLayout))
	finalPath := filepath.Join(p.CacheDir, finalName)
	tmpPath := finalPath + ".tmp"

	// Clean up any stale tmp file from a previous crashed attempt
	// before writing; it is never exposed to readers.
	_ = os.Remove(tmpPath)

	entries, uncompressed, err := archive.Write(tmpPath, paths)
	if err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "writing archive for %s", cfg.Name).Error())
	}

	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, err.Error())
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "statting %s", tmpPath).Error())
	}

	// Atomic publish: rename precedes any state-store commit
	// (spec.md §5, "Archive file publication happens-before...").
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, errors.Wrap(errs.ErrPackagingFailed, errors.Wrapf(err, "publishing %s", finalPath).Error())
	}

	if err := p.enforceRetention(cfg.Name, finalPath); err != nil {
		// Retention errors are logged by the caller, not fatal
		// (spec.md §4.2, "Retention errors are logged, not fatal").
		return Result{ArchivePath: finalPath, FileCount: len(entries), UncompressedSize: uncompressed, CompressedSize: info.Size()}, errRetention{err}
	}

	return Result{
		ArchivePath:      finalPath,
		FileCount:        len(entries),
		UncompressedSize: uncompressed,
		CompressedSize:   info.Size(),
	}, nil
}

// IsRetentionError reports whether err came from the retention sweep
// rather than from packaging itself. When true, the Result returned
// alongside err is still valid: the new archive is already published,
// and only cleanup of old versions failed.
func IsRetentionError(err error) bool {
	var r errRetention
	return errors.As(err, &r)
}

// errRetention wraps a non-fatal retention-sweep error so that
// callers can log it without treating Package as having failed:
// Result is still valid and the new archive is already published.
type errRetention struct{ err error }

func (e errRetention) Error() string { return e.err.Error() }
func (e errRetention) Unwrap() error { return e.err }

// enforceRetention keeps at most KeepVersions archives for name,
// always preserving current (spec.md §9, Open Questions: "the
// currently-referenced archive is always preserved regardless of
// quota"). It serializes with other hub processes sharing CacheDir
// via a per-dataset lock file inside CacheDir.
func (p *Packager) enforceRetention(name, current string) error {
	lockPath := filepath.Join(p.CacheDir, "."+name+".retention.lock")
	if err := p.flk.Lock(lockPath); err != nil {
		return errors.Wrapf(err, "locking retention sweep for %s", name)
	}
	defer p.flk.Unlock(lockPath)

	versions, err := p.listVersions(name)
	if err != nil {
		return errors.Wrapf(err, "listing versions for %s", name)
	}

	keep := p.KeepVersions
	if keep < 1 {
		keep = 1
	}

	kept := 0
	for _, v := range versions {
		if v.path == current {
			kept++
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if p.InUse != nil && p.InUse(v.path) {
			// A client is mid-download of this version; leave it for
			// the next sweep rather than race the unlink against the
			// read.
			kept++
			continue
		}
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing old archive %s", v.path)
		}
	}
	return nil
}

type version struct {
	path string
	ts   time.Time
}

// listVersions returns name's archives sorted by embedded timestamp,
// newest first.
func (p *Packager) listVersions(name string) ([]version, error) {
	entries, err := os.ReadDir(p.CacheDir)
	if err != nil {
		return nil, err
	}

	prefix := name + "_"
	var versions []version
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, ".zip") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(fname, prefix), ".zip")
		ts, err := time.ParseInLocation(nameTimeLayout, tsStr, time.Local)
		if err != nil {
			continue // not one of ours (or a foreign-named file); skip
		}
		versions = append(versions, version{path: filepath.Join(p.CacheDir, fname), ts: ts})
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].ts.After(versions[j].ts) })
	return versions, nil
}
