// Package syncclient implements the client side of DataHubSync: it
// fetches the hub's listing, downloads a dataset's archive when the
// hub's version is newer than the client's, extracts it into a
// staging directory, and atomically swaps it into place (spec.md
// §4.6).
//
// The HTTP-client shape (a GET, check status, stream the body) is
// grounded on bobg-bs/cmd/dsync/primary.go's getSendBlob. Retry/
// backoff and the rename-based atomic swap are grounded on
// original_source/hub/src/sync_client.py's sync_dataset, adapted from
// its single-attempt download into the exponential-backoff contract
// spec.md promotes from it.
package syncclient

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/dhsync/datahubsync/internal/archive"
	"github.com/dhsync/datahubsync/internal/config"
	"github.com/dhsync/datahubsync/internal/errs"
	"github.com/dhsync/datahubsync/internal/state"
)

// Status is the outcome of syncing one dataset.
type Status string

const (
	StatusUpToDate Status = "UpToDate"
	StatusSynced   Status = "Synced"
	StatusFailed   Status = "Failed"
)

// Result is returned for every dataset sync_all processes.
type Result struct {
	Dataset string
	Status  Status
	Err     error
}

// Client syncs configured datasets from a hub.
type Client struct {
	Cfg   *config.Client
	State *state.Client
	HTTP  *http.Client
}

// New builds a Client from a resolved configuration, wiring an
// *http.Client whose timeout matches the configured per-request
// deadline (spec.md §5, "Timeouts").
func New(cfg *config.Client, st *state.Client) *Client {
	return &Client{
		Cfg:   cfg,
		State: st,
		HTTP:  &http.Client{Timeout: cfg.Timeout},
	}
}

type remoteDataset struct {
	Name         string `json:"name"`
	LastUpdated  string `json:"last_updated"`
	FileCount    int    `json:"file_count"`
	TotalSize    int64  `json:"total_size"`
	PackageReady bool   `json:"package_ready"`
	PackageSize  int64  `json:"package_size"`
}

type listingResponse struct {
	GeneratedAt string          `json:"generated_at"`
	Datasets    []remoteDataset `json:"datasets"`
}

// fetchListing issues GET /api/datasets against the hub.
func (c *Client) fetchListing(ctx context.Context) ([]remoteDataset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Cfg.HubURL+"/api/datasets", nil)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNetworkTerminal, err.Error())
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(errs.ErrNetworkTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(classifyStatus(resp.StatusCode), "listing returned HTTP %d", resp.StatusCode)
	}

	var parsed listingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errs.ErrNetworkTerminal, err.Error())
	}
	return parsed.Datasets, nil
}

// classifyStatus maps an HTTP status code to the client-side error
// kind that governs recovery (spec.md §7): 408/429 and 5xx are
// transient; any other 4xx is terminal.
func classifyStatus(code int) error {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
		return errs.ErrNetworkTransient
	}
	return errs.ErrNetworkTerminal
}

// SyncDataset runs the steps of spec.md §4.6 for one dataset.
func (c *Client) SyncDataset(ctx context.Context, name string) Result {
	status, err := c.syncDataset(ctx, name)
	return Result{Dataset: name, Status: status, Err: err}
}

// SyncAll syncs every configured dataset, isolating each dataset's
// error so that one failure never prevents the rest from running
// (spec.md "Per-dataset errors are isolated").
func (c *Client) SyncAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(c.Cfg.Datasets))
	for _, ds := range c.Cfg.Datasets {
		results = append(results, c.SyncDataset(ctx, ds.Name))
	}
	return results
}

func (c *Client) syncDataset(ctx context.Context, name string) (Status, error) {
	var dsCfg *config.ClientDataset
	for i := range c.Cfg.Datasets {
		if c.Cfg.Datasets[i].Name == name {
			dsCfg = &c.Cfg.Datasets[i]
			break
		}
	}
	if dsCfg == nil {
		return StatusFailed, errors.Wrapf(errs.ErrDatasetUnknown, "dataset %q not configured locally", name)
	}

	datasets, err := withRetry(c, ctx, func() ([]remoteDataset, error) { return c.fetchListing(ctx) })
	if err != nil {
		return StatusFailed, err
	}

	var remote *remoteDataset
	for i := range datasets {
		if datasets[i].Name == name {
			remote = &datasets[i]
			break
		}
	}
	if remote == nil || !remote.PackageReady {
		return StatusFailed, errors.Wrapf(errs.ErrDatasetUnknown, "dataset %q not found or not ready on hub", name)
	}

	remoteUpdated, err := time.Parse(time.RFC3339, remote.LastUpdated)
	if err != nil {
		return StatusFailed, errors.Wrap(errs.ErrArchiveInvalid, err.Error())
	}

	local := c.State.LastUpdated(name)
	if !remoteUpdated.After(local) {
		return StatusUpToDate, nil
	}

	if err := os.MkdirAll(dsCfg.ScratchDir, 0o755); err != nil {
		return StatusFailed, errors.Wrap(errs.ErrSwapFailed, err.Error())
	}

	partPath := filepath.Join(dsCfg.ScratchDir, name+".zip.part")
	if _, err := c.downloadWithRetry(ctx, name, partPath, remote.PackageSize); err != nil {
		if !errors.Is(err, errs.ErrSizeMismatch) {
			return StatusFailed, err
		}
		// SizeMismatch gets its own one-time retry (spec.md §7): the
		// mismatched partial is already discarded by download, so this
		// is a full re-download, not a resume.
		if _, err := c.downloadWithRetry(ctx, name, partPath, remote.PackageSize); err != nil {
			return StatusFailed, err
		}
	}

	zipPath := filepath.Join(dsCfg.ScratchDir, name+".zip")
	if err := os.Rename(partPath, zipPath); err != nil {
		return StatusFailed, errors.Wrap(errs.ErrSwapFailed, err.Error())
	}

	stagingDir := dsCfg.LocalDir + ".staging-" + strconv.Itoa(os.Getpid()) + "-" + randSuffix()
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return StatusFailed, errors.Wrap(errs.ErrSwapFailed, err.Error())
	}
	if err := archive.Extract(zipPath, stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		if errors.Is(err, archive.ErrZipSlip) {
			return StatusFailed, errors.Wrap(errs.ErrZipSlipDetected, err.Error())
		}
		return StatusFailed, errors.Wrap(errs.ErrArchiveInvalid, err.Error())
	}
	_ = os.Remove(zipPath)

	if err := c.swap(dsCfg.LocalDir, stagingDir); err != nil {
		return StatusFailed, err
	}

	if err := c.State.Advance(name, remoteUpdated); err != nil {
		return StatusFailed, errors.Wrap(errs.ErrSwapFailed, err.Error())
	}

	return StatusSynced, nil
}

// swap performs the atomic directory swap of spec.md §4.6 step 8:
// the live local_dir is moved aside, staging takes its place, and
// the old copy is removed; any failure mid-swap restores the
// original local_dir from its ".old-*" backup.
func (c *Client) swap(localDir, stagingDir string) error {
	oldDir := localDir + ".old-" + randSuffix()

	_, statErr := os.Stat(localDir)
	hadPrevious := statErr == nil

	if hadPrevious {
		if err := os.Rename(localDir, oldDir); err != nil {
			return errors.Wrap(errs.ErrSwapFailed, err.Error())
		}
	}

	if err := os.Rename(stagingDir, localDir); err != nil {
		if hadPrevious {
			// Roll back: restore the previous local_dir.
			_ = os.Rename(oldDir, localDir)
		}
		return errors.Wrap(errs.ErrSwapFailed, err.Error())
	}

	if hadPrevious {
		go os.RemoveAll(oldDir) // best-effort, asynchronous per spec.md step 8
	}
	return nil
}

// downloadWithRetry performs the ranged/resumable GET of spec.md
// §4.6 step 4, resuming from any bytes already present in destPath,
// retrying transient failures with backoff.
func (c *Client) downloadWithRetry(ctx context.Context, name, destPath string, expectedSize int64) (int64, error) {
	return withRetry(c, ctx, func() (int64, error) {
		return c.download(ctx, name, destPath, expectedSize)
	})
}

func (c *Client) download(ctx context.Context, name, destPath string, expectedSize int64) (int64, error) {
	var have int64
	if info, err := os.Stat(destPath); err == nil {
		have = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Cfg.HubURL+"/package/"+name+".zip", nil)
	if err != nil {
		return 0, errors.Wrap(errs.ErrNetworkTerminal, err.Error())
	}
	if have > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(have, 10)+"-")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, errors.Wrap(errs.ErrNetworkTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, errors.Wrapf(classifyStatus(resp.StatusCode), "download returned HTTP %d", resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		have = 0
	}

	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return 0, errors.Wrap(errs.ErrNetworkTerminal, err.Error())
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return 0, errors.Wrap(errs.ErrNetworkTransient, err.Error())
	}

	total := have + n
	if expectedSize > 0 && total != expectedSize {
		_ = os.Remove(destPath)
		return 0, errors.Wrapf(errs.ErrSizeMismatch, "got %d bytes, want %d", total, expectedSize)
	}
	return total, nil
}

// withRetry retries fn up to Cfg.MaxRetries times with exponential
// backoff starting at Cfg.InitialBackoff, doubling, capped at 60s.
// Only errors wrapping ErrNetworkTransient are retried; anything else
// (including a context cancellation) returns immediately.
func withRetry[T any](c *Client, ctx context.Context, fn func() (T, error)) (T, error) {
	backoff := c.Cfg.InitialBackoff
	const maxBackoff = 60 * time.Second

	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= c.Cfg.MaxRetries; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errs.ErrNetworkTransient) {
			return result, err
		}
		if attempt == c.Cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return result, err
}

func randSuffix() string {
	return strconv.FormatInt(rand.Int63(), 36)
}
