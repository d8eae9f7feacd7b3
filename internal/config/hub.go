// Package config loads and validates DataHubSync's hub and client
// configuration files.
//
// The source system this was distilled from treated configuration as
// a loose nested dictionary, decoded once and read ad hoc by every
// component (see bobg-bs/cmd/bs/config.go for the same pattern in the
// teacher). Here every recognized key is enumerated into an explicit
// struct and missing required keys fail fast, before any component
// starts. Unknown top-level keys in a hub configuration produce a
// warning; LoadClient does not check for unknown keys.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dhsync/datahubsync/internal/dataset"
	"github.com/dhsync/datahubsync/internal/errs"
)

// Default values for optional hub keys, per spec.md §6.2.
const (
	DefaultNewerRatioThreshold = 0.30
	DefaultDebounceSeconds     = 60
	DefaultMtimeGranularity    = "minute"
	DefaultIntervalMinutes     = 10
	DefaultKeepVersions        = 2
	DefaultPackagingFormat     = "zip"
)

// rawHub mirrors the recognized YAML shape of a hub configuration
// file. Field names match spec.md §6.2 exactly.
type rawHub struct {
	Server struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		DataRoot string `yaml:"data_root"`
		CacheDir string `yaml:"cache_dir"`
	} `yaml:"server"`

	// Hub carries the older "hub.data_dir" synonym for server.data_root.
	Hub struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"hub"`

	Datasets []rawDataset `yaml:"datasets"`

	Freshness struct {
		DebounceSeconds  int    `yaml:"debounce_seconds"`
		MtimeGranularity string `yaml:"mtime_granularity"`
	} `yaml:"freshness"`

	Scheduler struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"scheduler"`

	Packaging struct {
		Format       string `yaml:"format"`
		KeepVersions int    `yaml:"keep_versions"`
	} `yaml:"packaging"`

	StateFile string `yaml:"state_file"`
}

type rawDataset struct {
	Name                string  `yaml:"name"`
	Path                string  `yaml:"path"`
	NewerRatioThreshold float64 `yaml:"newer_ratio_threshold"`
}

// Hub is the fully-resolved, validated hub configuration.
type Hub struct {
	Host      string
	Port      int
	DataRoot  string
	CacheDir  string
	Datasets  []dataset.Config
	Scheduler struct {
		Interval int // minutes
	}
	Packaging struct {
		Format       string
		KeepVersions int
	}
	StateFile string
}

// Addr returns the hub's listen address in host:port form.
func (h Hub) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// LoadHub reads and validates a hub configuration file.
//
// ConfigInvalid failures (spec.md §7) are returned wrapped; the
// caller is expected to treat any error from LoadHub as fatal at
// startup.
func LoadHub(path string) (*Hub, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "opening hub config %s: %s", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(false) // we warn on unknown keys ourselves, below

	var raw rawHub
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "decoding hub config %s: %s", path, err)
	}

	warnUnknownKeys(path, raw)

	h := &Hub{
		Host:     raw.Server.Host,
		Port:     raw.Server.Port,
		DataRoot: raw.Server.DataRoot,
		CacheDir: raw.Server.CacheDir,
	}

	if h.DataRoot == "" {
		// server.data_root takes precedence over hub.data_dir when both
		// are present; this is the fallback when only the old key is
		// set (spec.md §9, Open Questions).
		h.DataRoot = raw.Hub.DataDir
	}
	if h.DataRoot == "" {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "missing server.data_root (or hub.data_dir)")
	}
	if h.CacheDir == "" {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "missing server.cache_dir")
	}
	if raw.StateFile == "" {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "missing state_file")
	}
	h.StateFile = raw.StateFile

	if len(raw.Datasets) == 0 {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "no datasets configured")
	}

	debounce := raw.Freshness.DebounceSeconds
	if debounce == 0 {
		debounce = DefaultDebounceSeconds
	}
	granularity := raw.Freshness.MtimeGranularity
	if granularity == "" {
		granularity = DefaultMtimeGranularity
	}

	seen := make(map[string]bool, len(raw.Datasets))
	for _, rd := range raw.Datasets {
		if rd.Name == "" {
			return nil, errors.Wrap(errs.ErrConfigInvalid, "dataset missing name")
		}
		if !isURLSafe(rd.Name) {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "dataset name %q is not URL-safe", rd.Name)
		}
		if seen[rd.Name] {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "duplicate dataset name %q", rd.Name)
		}
		seen[rd.Name] = true
		if rd.Path == "" {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "dataset %q missing path", rd.Name)
		}

		threshold := rd.NewerRatioThreshold
		if threshold == 0 {
			threshold = DefaultNewerRatioThreshold
		}

		h.Datasets = append(h.Datasets, dataset.Config{
			Name:                rd.Name,
			SourcePath:          rd.Path,
			NewerRatioThreshold: threshold,
			DebounceSeconds:     debounce,
			MtimeGranularity:    granularity,
		})
	}

	h.Scheduler.Interval = raw.Scheduler.IntervalMinutes
	if h.Scheduler.Interval == 0 {
		h.Scheduler.Interval = DefaultIntervalMinutes
	}

	h.Packaging.Format = raw.Packaging.Format
	if h.Packaging.Format == "" {
		h.Packaging.Format = DefaultPackagingFormat
	}
	if h.Packaging.Format != "zip" {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "unsupported packaging.format %q", h.Packaging.Format)
	}
	h.Packaging.KeepVersions = raw.Packaging.KeepVersions
	if h.Packaging.KeepVersions == 0 {
		h.Packaging.KeepVersions = DefaultKeepVersions
	}

	return h, nil
}

func warnUnknownKeys(path string, raw rawHub) {
	// rawHub intentionally omits a catch-all field; yaml.v3 silently
	// drops keys it doesn't recognize when KnownFields is false.
	// Re-decoding into a generic map lets us flag any top-level key
	// rawHub does not declare, without failing the load.
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	var generic map[string]any
	if err := yaml.NewDecoder(f).Decode(&generic); err != nil {
		return
	}

	known := map[string]bool{
		"server": true, "hub": true, "datasets": true, "freshness": true,
		"scheduler": true, "packaging": true, "state_file": true,
	}
	for k := range generic {
		if !known[k] {
			fmt.Fprintf(os.Stderr, "warning: hub config %s: unrecognized top-level key %q\n", path, k)
		}
	}
}

func isURLSafe(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return len(name) > 0
}
