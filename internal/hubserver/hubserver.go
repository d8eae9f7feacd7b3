// Package hubserver implements the hub's read-only HTTP surface:
// the dataset listing, the Range-capable archive download, and a
// health check (spec.md §4.5, §6.1).
//
// Handlers follow the teacher's plain-method, explicit-dependency
// style (bobg-bs/cmd/dsync/replica.go's `type replica dsync.Tree`
// with methods, rather than closures over package globals); routing
// is enriched with go-chi/chi/v5 (pack: hazyhaar-chrc, horos47) for
// the {name}.zip path parameter.
package hubserver

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dhsync/datahubsync/internal/state"
)

// Server serves the hub's HTTP API over a dataset state store and a
// cache directory of archives. All of its handlers are read-only;
// the only component that mutates the cache directory or the state
// store is the scheduler.
type Server struct {
	State *state.Hub
	Clock func() time.Time

	reapers readerCounts
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Router builds the chi router for the hub's three endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/datasets", s.handleListing)
	r.Get("/package/{name}.zip", s.handlePackage)
	r.Get("/health", s.handleHealth)
	return r
}

type datasetEntry struct {
	Name         string `json:"name"`
	LastUpdated  string `json:"last_updated"`
	FileCount    int    `json:"file_count"`
	TotalSize    int64  `json:"total_size"`
	PackageReady bool   `json:"package_ready"`
	PackageSize  int64  `json:"package_size"`
}

type listing struct {
	GeneratedAt string         `json:"generated_at"`
	Datasets    []datasetEntry `json:"datasets"`
}

func (s *Server) handleListing(w http.ResponseWriter, req *http.Request) {
	rows := s.State.GetAll()

	entries := make([]datasetEntry, 0, len(rows))
	for name, row := range rows {
		entries = append(entries, datasetEntry{
			Name:         name,
			LastUpdated:  row.LastUpdated.Format(time.RFC3339),
			FileCount:    row.FileCount,
			TotalSize:    row.TotalSize,
			PackageReady: row.PackageReady,
			PackageSize:  row.PackageSize,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	resp := listing{GeneratedAt: s.now().Format(time.RFC3339), Datasets: entries}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// nameRE matches the URL-safe dataset names the config loader
// accepts (internal/config.isURLSafe), rejecting any path separator;
// handlePackage additionally rejects any name containing "..", before
// the name ever touches the filesystem.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func (s *Server) handlePackage(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	if name == "" || !nameRE.MatchString(name) || strings.Contains(name, "..") {
		http.Error(w, "invalid dataset name", http.StatusBadRequest)
		return
	}

	row, ok := s.State.Get(name)
	if !ok || !row.PackageReady {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return
	}

	path := row.PackagePath
	s.reapers.acquire(path)
	defer s.reapers.release(path)

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusNotFound)
		return
	}
	total := info.Size()

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = copyRange(w, f, 0, total-1)
		return
	}

	start, end, err := parseRange(rangeHeader, total)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(total, 10))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = copyRange(w, f, start, end)
}

func copyRange(w http.ResponseWriter, f *os.File, start, end int64) (int64, error) {
	if _, err := f.Seek(start, 0); err != nil {
		return 0, err
	}
	return io.CopyN(w, f, end-start+1)
}

// parseRange accepts exactly one "bytes=start-end" range, per
// spec.md §4.5: a missing end means total-1; start > end or
// start >= total is rejected; anything resembling a multi-range
// request (a comma) is rejected. The caller maps the returned error
// to 416.
func parseRange(header string, total int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, errBadRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, errBadRange // multi-range is rejected outright
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errBadRange
	}

	if parts[0] == "" {
		return 0, 0, errBadRange // suffix ranges ("bytes=-500") are not in scope
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errBadRange
	}

	if parts[1] == "" {
		end = total - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, errBadRange
		}
	}

	if start > end || start >= total {
		return 0, 0, errBadRange
	}
	return start, end, nil
}

var errBadRange = errRange("invalid or unsatisfiable range")

type errRange string

func (e errRange) Error() string { return string(e) }

// readerCounts tracks open-file reference counts per archive path so
// that retention (running in the Packager, a separate goroutine) can
// defer deleting a file an HTTP handler is actively streaming
// (spec.md §5, "Shared resources: Cache directory").
type readerCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *readerCounts) acquire(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[path]++
}

func (r *readerCounts) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[path]--
	if r.counts[path] <= 0 {
		delete(r.counts, path)
	}
}

// InUse reports whether path currently has an open reader. The
// Packager's retention sweep consults this before unlinking an old
// archive; platforms that allow unlinking open files may elide the
// check, but the retention sweep still benefits from skipping an open
// file to avoid racing a client mid-stream.
func (s *Server) InUse(path string) bool {
	s.reapers.mu.Lock()
	defer s.reapers.mu.Unlock()
	return s.reapers.counts[path] > 0
}
