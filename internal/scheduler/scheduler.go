// Package scheduler drives the detect -> package -> state-update
// pipeline on a timer, one background worker iterating datasets
// sequentially within a tick to bound disk pressure (spec.md §4.3).
//
// The cancelable-sleep-plus-filesystem-watch shape is grounded on
// bobg-bs/dsync/run.go's RunPrimary: a notify.Watch goroutine feeding
// a channel that a select loop races against ctx.Done, used here only
// to wake a tick early, never to replace it as the source of truth.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"

	"github.com/dhsync/datahubsync/internal/dataset"
	"github.com/dhsync/datahubsync/internal/freshness"
	"github.com/dhsync/datahubsync/internal/packager"
	"github.com/dhsync/datahubsync/internal/state"
)

// Scheduler periodically runs the freshness/packaging pipeline for a
// fixed set of datasets.
type Scheduler struct {
	Datasets []dataset.Config
	Interval time.Duration
	State    *state.Hub
	Packager *packager.Packager

	// Sleep is the interruptible wait used for the debounce pause
	// between scan #1 and scan #2. It is a field (rather than a call
	// to time.Sleep) so tests can substitute a short wait. Defaults to
	// a context-aware real sleep if left nil.
	Sleep func(ctx context.Context, d time.Duration)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run drives the producer loop until ctx is canceled. It also starts
// a filesystem watcher on every dataset's source path purely to wake
// the ticker early; the ticker remains the authoritative cadence, so
// a watcher failure for one dataset is logged and otherwise ignored.
func (s *Scheduler) Run(ctx context.Context) error {
	wake := make(chan notify.EventInfo, 128)
	for _, cfg := range s.Datasets {
		if err := notify.Watch(cfg.SourcePath+"/...", wake, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
			log.Printf("scheduler: %s: watching %s: %s (falling back to ticker only)", cfg.Name, cfg.SourcePath, err)
		}
	}
	defer notify.Stop(wake)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			s.runTick(ctx)

		case ev := <-wake:
			log.Printf("scheduler: early wake from %s", ev.Path())
			// Drain any further pending events so one burst of
			// filesystem activity doesn't trigger a tick per event.
		drain:
			for {
				select {
				case <-wake:
				default:
					break drain
				}
			}
			s.runTick(ctx)
		}
	}
}

// runTick iterates every configured dataset sequentially, logging
// (but not propagating) per-dataset errors so that one dataset's
// trouble never blocks the rest.
func (s *Scheduler) runTick(ctx context.Context) {
	for _, cfg := range s.Datasets {
		if ctx.Err() != nil {
			return
		}
		if err := s.tickOne(ctx, cfg); err != nil {
			log.Printf("scheduler: %s: %s", cfg.Name, err)
		}
	}
}

// tickOne runs steps 1-7 of spec.md §4.3's per-dataset-per-tick
// procedure.
func (s *Scheduler) tickOne(ctx context.Context, cfg dataset.Config) error {
	row, _ := s.State.Get(cfg.Name) // zero Row for a never-seen dataset

	if err := freshness.Readable(cfg); err != nil {
		return errors.Wrapf(err, "checking source path")
	}

	first := freshness.Scan(cfg, row.LastUpdated)
	if !first.Fresh {
		return nil
	}

	if !row.LastTriggerAt.IsZero() && time.Since(row.LastTriggerAt) < cfg.DebounceDuration() {
		return nil // too soon since the last attempt; let the next tick retry
	}

	s.sleep(ctx, cfg.DebounceDuration())
	if ctx.Err() != nil {
		return nil
	}

	second := freshness.Scan(cfg, row.LastUpdated)
	if !freshness.DebounceAgreement(first, second) {
		return nil
	}

	if second.MajorityMinute.Equal(row.LastUpdated) {
		return nil // already packaged this version
	}

	result, err := s.Packager.Package(ctx, cfg, second.MajorityMinute)
	if err != nil && !packager.IsRetentionError(err) {
		return errors.Wrapf(err, "packaging")
	}
	if err != nil {
		// The archive published successfully; only the retention sweep
		// of older versions failed. Log and proceed to the state update.
		log.Printf("scheduler: %s: %s", cfg.Name, err)
	}

	return s.State.Update(cfg.Name, func(r *state.Row) {
		r.LastUpdated = second.MajorityMinute
		r.FileCount = result.FileCount
		r.TotalSize = result.UncompressedSize
		r.PackageReady = true
		r.PackageSize = result.CompressedSize
		r.PackagePath = result.ArchivePath
		r.LastTriggerAt = time.Now()
	})
}
