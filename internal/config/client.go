package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dhsync/datahubsync/internal/errs"
)

// Default values for optional client keys, per spec.md §6.3.
const (
	DefaultMaxRetries             = 3
	DefaultInitialBackoffSeconds  = 1
	DefaultClientStateFile        = ".last_sync.json"
	DefaultClientTimeoutSeconds   = 300
	DefaultClientListingTimeoutS  = 30
	DefaultClientLoggingLevel     = "info"
)

type rawClient struct {
	Hub struct {
		URL     string `yaml:"url"`
		Timeout int    `yaml:"timeout"`
	} `yaml:"hub"`

	Datasets []rawClientDataset `yaml:"datasets"`

	Retries struct {
		Max                    int `yaml:"max"`
		InitialBackoffSeconds int `yaml:"initial_backoff_seconds"`
	} `yaml:"retries"`

	StateFile  string `yaml:"state_file"`
	ScratchDir string `yaml:"scratch_dir"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

type rawClientDataset struct {
	Name     string `yaml:"name"`
	LocalDir string `yaml:"local_dir"`
}

// ClientDataset is one dataset this client instance is configured to
// sync.
type ClientDataset struct {
	Name       string
	LocalDir   string
	ScratchDir string
}

// Client is the fully-resolved, validated client configuration.
type Client struct {
	HubURL  string
	Timeout time.Duration

	Datasets []ClientDataset

	MaxRetries      int
	InitialBackoff  time.Duration

	StateFile string

	LoggingLevel string
	LoggingFile  string
}

// LoadClient reads and validates a client configuration file.
func LoadClient(path string) (*Client, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "opening client config %s: %s", path, err)
	}
	defer f.Close()

	var raw rawClient
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrapf(errs.ErrConfigInvalid, "decoding client config %s: %s", path, err)
	}

	if raw.Hub.URL == "" {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "missing hub.url")
	}
	if len(raw.Datasets) == 0 {
		return nil, errors.Wrap(errs.ErrConfigInvalid, "no datasets configured")
	}

	c := &Client{HubURL: raw.Hub.URL}

	timeout := raw.Hub.Timeout
	if timeout == 0 {
		timeout = DefaultClientTimeoutSeconds
	}
	c.Timeout = time.Duration(timeout) * time.Second

	seen := make(map[string]bool, len(raw.Datasets))
	for _, rd := range raw.Datasets {
		if rd.Name == "" {
			return nil, errors.Wrap(errs.ErrConfigInvalid, "dataset missing name")
		}
		if seen[rd.Name] {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "duplicate dataset name %q", rd.Name)
		}
		seen[rd.Name] = true
		if rd.LocalDir == "" {
			return nil, errors.Wrapf(errs.ErrConfigInvalid, "dataset %q missing local_dir", rd.Name)
		}

		scratch := raw.ScratchDir
		if scratch == "" {
			scratch = filepath.Join(rd.LocalDir, ".scratch")
		}

		c.Datasets = append(c.Datasets, ClientDataset{
			Name:       rd.Name,
			LocalDir:   rd.LocalDir,
			ScratchDir: scratch,
		})
	}

	c.MaxRetries = raw.Retries.Max
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	backoff := raw.Retries.InitialBackoffSeconds
	if backoff == 0 {
		backoff = DefaultInitialBackoffSeconds
	}
	c.InitialBackoff = time.Duration(backoff) * time.Second

	c.StateFile = raw.StateFile
	if c.StateFile == "" {
		c.StateFile = DefaultClientStateFile
	}

	c.LoggingLevel = raw.Logging.Level
	if c.LoggingLevel == "" {
		c.LoggingLevel = DefaultClientLoggingLevel
	}
	c.LoggingFile = raw.Logging.File

	return c, nil
}
