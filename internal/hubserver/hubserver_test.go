package hubserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dhsync/datahubsync/internal/state"
)

func newTestServer(t *testing.T) (*Server, *state.Hub, string) {
	t.Helper()
	st, err := state.OpenHub(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	cacheDir := t.TempDir()
	return &Server{State: st}, st, cacheDir
}

func writeArchive(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHandleListing(t *testing.T) {
	srv, st, cacheDir := newTestServer(t)
	archivePath := filepath.Join(cacheDir, "prices_20250204_201600.zip")
	writeArchive(t, archivePath, []byte("zipbytes"))

	t0 := time.Date(2025, 2, 4, 20, 16, 0, 0, time.UTC)
	if err := st.Update("prices", func(r *state.Row) {
		r.LastUpdated = t0
		r.FileCount = 3
		r.TotalSize = 300
		r.PackageReady = true
		r.PackageSize = int64(len("zipbytes"))
		r.PackagePath = archivePath
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/datasets")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got listing
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Datasets) != 1 {
		t.Fatalf("got %d datasets, want 1", len(got.Datasets))
	}
	if got.Datasets[0].Name != "prices" || !got.Datasets[0].PackageReady {
		t.Errorf("unexpected entry: %+v", got.Datasets[0])
	}
}

func TestHandlePackageFullDownload(t *testing.T) {
	srv, st, cacheDir := newTestServer(t)
	content := []byte("0123456789")
	archivePath := filepath.Join(cacheDir, "prices_20250204_201600.zip")
	writeArchive(t, archivePath, content)

	if err := st.Update("prices", func(r *state.Row) {
		r.LastUpdated = time.Now()
		r.PackageReady = true
		r.PackageSize = int64(len(content))
		r.PackagePath = archivePath
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/package/prices.zip")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(content) {
		t.Errorf("body = %q, want %q", body, content)
	}
}

func TestHandlePackageRange(t *testing.T) {
	srv, st, cacheDir := newTestServer(t)
	content := []byte("0123456789")
	archivePath := filepath.Join(cacheDir, "prices_20250204_201600.zip")
	writeArchive(t, archivePath, content)

	if err := st.Update("prices", func(r *state.Row) {
		r.LastUpdated = time.Now()
		r.PackageReady = true
		r.PackageSize = int64(len(content))
		r.PackagePath = archivePath
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/package/prices.zip", nil)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 2-4/10" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 2-4/10")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "234" {
		t.Errorf("body = %q, want %q", body, "234")
	}
}

func TestHandlePackageMultiRangeRejected(t *testing.T) {
	srv, st, cacheDir := newTestServer(t)
	content := []byte("0123456789")
	archivePath := filepath.Join(cacheDir, "prices_20250204_201600.zip")
	writeArchive(t, archivePath, content)

	if err := st.Update("prices", func(r *state.Row) {
		r.LastUpdated = time.Now()
		r.PackageReady = true
		r.PackageSize = int64(len(content))
		r.PackagePath = archivePath
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/package/prices.zip", nil)
	req.Header.Set("Range", "bytes=0-2,4-6")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", resp.StatusCode)
	}
}

func TestHandlePackageUnknownDataset(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/package/unknown.zip")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlePackageInvalidName(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/package/..%2f..%2fetc%2fpasswd.zip")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 400 or 404 for a path-traversal name", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want %q", body["status"], "ok")
	}
}
