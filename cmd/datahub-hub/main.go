// Command datahub-hub runs the DataHubSync hub: it watches a set of
// configured dataset directories, packages each one into a
// downloadable archive once it settles, and serves the result over
// HTTP (spec.md §4).
//
// Flag parsing and subcommand dispatch follow bobg-bs/cmd/bs/main.go's
// maincmd/Subcmds()/subcmd.Run shape; signal-driven shutdown follows
// bobg-bs/cmd/dsync/main.go's signal.Notify-to-cancel plumbing.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dhsync/datahubsync/internal/config"
	"github.com/dhsync/datahubsync/internal/freshness"
	"github.com/dhsync/datahubsync/internal/hubserver"
	"github.com/dhsync/datahubsync/internal/packager"
	"github.com/dhsync/datahubsync/internal/scheduler"
	"github.com/dhsync/datahubsync/internal/state"
)

type maincmd struct {
	cfg   *config.Hub
	st    *state.Hub
	pkg   *packager.Packager
	sched *scheduler.Scheduler
	srv   *hubserver.Server
}

func main() {
	configPath := flag.String("config", "hub.yaml", "path to hub config file")
	flag.Parse()

	cfg, err := config.LoadHub(*configPath)
	if err != nil {
		log.Fatalf("loading config %s: %s", *configPath, err)
	}

	st, err := state.OpenHub(cfg.StateFile)
	if err != nil {
		log.Fatalf("opening state file %s: %s", cfg.StateFile, err)
	}

	pkg := &packager.Packager{
		CacheDir:     cfg.CacheDir,
		KeepVersions: cfg.Packaging.KeepVersions,
	}

	sched := &scheduler.Scheduler{
		Datasets: cfg.Datasets,
		Interval: time.Duration(cfg.Scheduler.Interval) * time.Minute,
		State:    st,
		Packager: pkg,
	}

	srv := &hubserver.Server{State: st}
	pkg.InUse = srv.InUse

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		sig := <-sigCh
		log.Printf("got signal %s", sig)
		cancel()
	}()

	c := maincmd{cfg: cfg, st: st, pkg: pkg, sched: sched, srv: srv}
	if err := subcmd.Run(ctx, c, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"serve", c.serve, nil,
		"once", c.once, nil,
	)
}

// serve runs the scheduler and the HTTP server side by side until the
// context is canceled, then drains the HTTP server within a bounded
// deadline (spec.md §5, "Shutdown").
func (c maincmd) serve(ctx context.Context, args []string) error {
	lis, err := net.Listen("tcp", c.cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, "listening on %s", c.cfg.Addr())
	}

	httpSrv := &http.Server{Handler: c.srv.Router()}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.sched.Run(egCtx)
	})
	eg.Go(func() error {
		log.Printf("listening on %s", lis.Addr())
		err := httpSrv.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// once scans every configured dataset a single time, packaging any
// that are fresh and changed, and exits without starting the HTTP
// server or debouncing (useful for cron-driven setups or a first warm
// cache before serve starts).
func (c maincmd) once(ctx context.Context, args []string) error {
	var failed bool
	for _, cfg := range c.cfg.Datasets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, _ := c.st.Get(cfg.Name)

		report := freshness.Scan(cfg, row.LastUpdated)
		if !report.Fresh || report.MajorityMinute.Equal(row.LastUpdated) {
			continue
		}

		result, err := c.pkg.Package(ctx, cfg, report.MajorityMinute)
		if err != nil && !packager.IsRetentionError(err) {
			log.Printf("packaging %s: %s", cfg.Name, err)
			failed = true
			continue
		}
		if err != nil {
			log.Printf("packaging %s: %s", cfg.Name, err)
		}
		err = c.st.Update(cfg.Name, func(r *state.Row) {
			r.LastUpdated = report.MajorityMinute
			r.FileCount = result.FileCount
			r.TotalSize = result.UncompressedSize
			r.PackageReady = true
			r.PackageSize = result.CompressedSize
			r.PackagePath = result.ArchivePath
			r.LastTriggerAt = time.Now()
		})
		if err != nil {
			log.Printf("updating state for %s: %s", cfg.Name, err)
			failed = true
		}
	}
	if failed {
		return errors.New("one or more datasets failed to package")
	}
	return nil
}
