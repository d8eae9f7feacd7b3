package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client is the client's local-sync state document: a mapping from
// dataset name to the last_updated timestamp of the version
// successfully installed (spec.md §3, §6.5).
type Client struct {
	path string

	mu   sync.RWMutex
	rows map[string]time.Time
}

// OpenClient loads (or creates, if absent) the client state document
// at path.
func OpenClient(path string) (*Client, error) {
	c := &Client{path: path, rows: make(map[string]time.Time)}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading client state file %s", path)
	}
	if len(b) == 0 {
		return c, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing client state file %s", path)
	}
	for name, ts := range raw {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing last_updated for dataset %q", name)
		}
		c.rows[name] = t
	}
	return c, nil
}

// LastUpdated returns the dataset's locally-installed last_updated
// timestamp, or the zero value (treated as the epoch per spec.md
// §4.6) if the dataset has never been synced.
func (c *Client) LastUpdated(name string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rows[name]
}

// Advance records that name has been synced to lastUpdated and
// persists the document atomically.
func (c *Client) Advance(name string, lastUpdated time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]time.Time, len(c.rows))
	for k, v := range c.rows {
		next[k] = v
	}
	next[name] = lastUpdated

	raw := make(map[string]string, len(next))
	for k, v := range next {
		raw[k] = v.Format(time.RFC3339)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrapf(err, "ensuring dir for %s", c.path)
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling client state document")
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing temp file %s", tmp)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, c.path)
	}

	c.rows = next
	return nil
}
