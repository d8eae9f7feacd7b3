// Package archive implements the flat-entry zip container that is
// DataHubSync's package format (spec.md §4.2, §6.1): one entry per
// source tabular file, entry names are basenames with no path
// prefix, no directory entries, entry timestamps preserved from the
// source file's mtime.
//
// No teacher code builds archives (the blob store has no archive
// format); this package is grounded in the general shape of
// pachyderm-pachyderm/src/internal/archiveserver's streaming zip
// writer, adapted to flat entries and built on the standard library's
// archive/zip — no third-party zip library appears anywhere in the
// retrieval pack.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Entry is one file written to (or read from) an archive.
type Entry struct {
	Name  string // basename only
	Size  int64
	Mtime time.Time
}

// Write creates a flat zip archive at destPath containing one entry
// per file in srcPaths, preserving each file's basename and mtime. It
// returns the manifest of entries written and the total uncompressed
// size.
//
// Write does not itself guarantee atomicity; callers that need
// atomic publication (the Packager) write to a temp path and rename,
// per spec.md §4.2.
func Write(destPath string, srcPaths []string) (entries []Entry, uncompressedSize int64, err error) {
	out, err := os.Create(destPath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "creating archive %s", destPath)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, src := range srcPaths {
		size, mtime, err := writeOne(zw, src)
		if err != nil {
			zw.Close()
			return nil, 0, errors.Wrapf(err, "adding %s to archive", src)
		}
		entries = append(entries, Entry{Name: filepath.Base(src), Size: size, Mtime: mtime})
		uncompressedSize += size
	}

	if err := zw.Close(); err != nil {
		return nil, 0, errors.Wrap(err, "closing archive writer")
	}
	return entries, uncompressedSize, nil
}

func writeOne(zw *zip.Writer, srcPath string) (size int64, mtime time.Time, err error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "opening %s", srcPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "statting %s", srcPath)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "building header for %s", srcPath)
	}
	hdr.Name = filepath.Base(srcPath) // flat: basename only, no path prefix
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "creating entry for %s", srcPath)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "copying %s into archive", srcPath)
	}
	return n, info.ModTime(), nil
}

// ErrZipSlip is returned by Extract when an archive entry's resolved
// path would escape destDir.
var ErrZipSlip = errors.New("zip-slip: archive entry escapes destination directory")

// Extract unpacks the zip archive at srcPath into destDir, which must
// already exist and be empty. Every entry's name is rejected if it is
// an absolute path, contains a ".." segment, or resolves outside
// destDir (spec.md §4.6 step 7's zip-slip defense); Extract aborts on
// the first such entry, leaving partially-extracted files in destDir
// for the caller to discard.
func Extract(srcPath, destDir string) error {
	r, err := zip.OpenReader(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening archive %s", srcPath)
	}
	defer r.Close()

	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", destDir)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if filepath.IsAbs(f.Name) {
			return errors.Wrapf(ErrZipSlip, "entry %q is an absolute path", f.Name)
		}
		cleaned := filepath.Clean(f.Name)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, string(filepath.Separator)+"..") {
			return errors.Wrapf(ErrZipSlip, "entry %q escapes via ..", f.Name)
		}

		target := filepath.Join(destAbs, cleaned)
		rel, err := filepath.Rel(destAbs, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return errors.Wrapf(ErrZipSlip, "entry %q resolves outside %s", f.Name, destDir)
		}

		if err := extractOne(f, target); err != nil {
			return errors.Wrapf(err, "extracting %s", f.Name)
		}
	}
	return nil
}

func extractOne(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// ManifestNames returns the basenames recorded in the archive at
// path, without extracting any file contents. Used to verify
// invariant I2 (a ready package's manifest matches file_count).
func ManifestNames(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %s", path)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
