// Command datahub-client syncs configured datasets from a
// DataHubSync hub: it compares the hub's listing against locally
// persisted state and downloads, extracts, and swaps in whichever
// datasets the hub has newer (spec.md §4.6).
//
// Flag parsing and subcommand dispatch follow bobg-bs/cmd/bs/main.go's
// maincmd/Subcmds()/subcmd.Run shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/dhsync/datahubsync/internal/config"
	"github.com/dhsync/datahubsync/internal/errs"
	"github.com/dhsync/datahubsync/internal/state"
	"github.com/dhsync/datahubsync/internal/syncclient"
)

// Exit codes per spec.md §6.6.
const (
	exitOK             = 0
	exitDatasetFailed  = 1
	exitConfigInvalid  = 2
	exitHubUnreachable = 3
)

type maincmd struct {
	client *syncclient.Client
	debug  bool
}

func main() {
	configPath := flag.String("config", "client.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Printf("loading config %s: %s", *configPath, err)
		os.Exit(exitConfigInvalid)
	}

	if cfg.LoggingFile != "" {
		f, err := os.OpenFile(cfg.LoggingFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("opening log file %s: %s", cfg.LoggingFile, err)
			os.Exit(exitConfigInvalid)
		}
		log.SetOutput(f)
	}

	st, err := state.OpenClient(cfg.StateFile)
	if err != nil {
		log.Printf("opening state file %s: %s", cfg.StateFile, err)
		os.Exit(exitConfigInvalid)
	}

	c := maincmd{client: syncclient.New(cfg, st), debug: cfg.LoggingLevel == "debug"}

	ctx := context.Background()
	if err := subcmd.Run(ctx, c, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

// debugf logs only when logging.level is "debug", the one piece of
// behavior logging.level controls (spec.md §6.3 names the key; there
// is no broader level-filtering framework).
func (c maincmd) debugf(format string, args ...any) {
	if c.debug {
		log.Printf(format, args...)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"sync", c.sync, subcmd.Params(
			"dataset", subcmd.String, "", "sync only this dataset (default: all configured datasets)",
		),
		"status", c.status, nil,
	)
}

// sync runs SyncAll (or, given -dataset, a single dataset) and maps
// the resulting per-dataset outcomes to spec.md §6.6's exit codes by
// calling os.Exit directly, since subcmd.Run only distinguishes
// error/no-error.
func (c maincmd) sync(ctx context.Context, name string, args []string) error {
	var results []syncclient.Result
	if name == "" {
		c.debugf("sync: starting all configured datasets")
		results = c.client.SyncAll(ctx)
	} else {
		c.debugf("sync: starting dataset %s", name)
		results = []syncclient.Result{c.client.SyncDataset(ctx, name)}
	}

	var failedCount, unreachableCount int
	for _, r := range results {
		if r.Err != nil {
			failedCount++
			if errors.Is(r.Err, errs.ErrNetworkTransient) || errors.Is(r.Err, errs.ErrNetworkTerminal) {
				unreachableCount++
			}
			fmt.Printf("%s: FAILED: %s\n", r.Dataset, r.Err)
			continue
		}
		fmt.Printf("%s: %s\n", r.Dataset, r.Status)
	}

	switch {
	case failedCount == 0:
		os.Exit(exitOK)
	case failedCount == len(results) && unreachableCount == len(results):
		// every dataset failed on a network error: most likely the hub
		// itself is unreachable, rather than a per-dataset problem.
		os.Exit(exitHubUnreachable)
	default:
		os.Exit(exitDatasetFailed)
	}
	return nil
}

// status reports each configured dataset's locally persisted
// last_updated timestamp, without contacting the hub or mutating any
// state.
func (c maincmd) status(ctx context.Context, args []string) error {
	for _, ds := range c.client.Cfg.Datasets {
		last := c.client.State.LastUpdated(ds.Name)
		if last.IsZero() {
			fmt.Printf("%s: never synced\n", ds.Name)
			continue
		}
		fmt.Printf("%s: last synced %s\n", ds.Name, last.Format(time.RFC3339))
	}
	return nil
}
