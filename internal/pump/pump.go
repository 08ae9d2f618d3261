// Package pump consumes the kernel event stream and drives everything
// else: watch maintenance, classification and alert delivery. One event is
// in flight at a time; a slow syslog collector slows consumption rather
// than growing a queue.
package pump

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/your-org/owwatchd/internal/classify"
	"github.com/your-org/owwatchd/internal/fsevent"
	"github.com/your-org/owwatchd/internal/metrics"
	"github.com/your-org/owwatchd/internal/model"
	"github.com/your-org/owwatchd/internal/watchtree"
)

// Notifier delivers one alert to the collector, or fails. Failures do not
// stop the pump; the alert is simply gone.
type Notifier interface {
	Send(a classify.Alert) error
}

// AlertLog records alerts locally.
type AlertLog interface {
	Write(a classify.Alert) error
}

// Archiver accepts a file for preservation. A false return means the copy
// was dropped.
type Archiver interface {
	Enqueue(path string) bool
}

type Pump struct {
	src  fsevent.Source
	tree *watchtree.Tree
	out  Notifier
	log  *slog.Logger

	// Running totals served by the status endpoint.
	alerts  atomic.Uint64
	dropped atomic.Uint64

	// Optional sinks, nil when disabled. Set before Run.
	AlertsFile AlertLog
	Archiver   Archiver
	Limiter    *rate.Limiter
}

func New(src fsevent.Source, tree *watchtree.Tree, out Notifier, log *slog.Logger) *Pump {
	return &Pump{
		src:  src,
		tree: tree,
		out:  out,
		log:  log,
	}
}

// Alerts returns how many alerts have been raised.
func (p *Pump) Alerts() uint64 { return p.alerts.Load() }

// Dropped returns how many events and alerts have been discarded,
// whatever the reason.
func (p *Pump) Dropped() uint64 { return p.dropped.Load() }

func (p *Pump) drop(reason string) {
	p.dropped.Add(1)
	metrics.IncDropped(reason)
}

// Run consumes events until ctx is cancelled. The event stream closing
// ends the run with an error: without the kernel stream the daemon is
// blind, and a blind security monitor must not keep running as if it were
// watching.
func (p *Pump) Run(ctx context.Context) error {
	events := p.src.Events()
	errs := p.src.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Overflow and transient read errors: events were lost but
			// the stream lives on. The stream closing is the fatal case.
			p.drop("source_error")
			p.log.Error("event source error", "err", err)
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event stream closed unexpectedly")
			}
			p.handle(ev)
		}
	}
}

func (p *Pump) handle(ev fsevent.RawEvent) {
	metrics.IncEvent(ev.Op.String())

	switch ev.Op {
	case fsevent.OpCreated:
		p.created(ev)
	case fsevent.OpRemoved, fsevent.OpRenamed:
		p.removed(ev)
	default:
		// Attribute changes on existing entries are deliberately not
		// classified: only newly appearing world-writable entries alert.
	}
}

func (p *Pump) created(ev fsevent.RawEvent) {
	full, err := p.tree.Resolve(ev.Dir, ev.Name)
	if err != nil {
		p.drop("unknown_watch")
		p.log.Debug("event from unwatched directory", "dir", ev.Dir, "name", ev.Name)
		return
	}

	// Lstat, never Stat: a symlink must be judged as a symlink, not as
	// whatever it points to.
	info, err := os.Lstat(full)
	if err != nil {
		p.drop("vanished")
		p.log.Debug("entry gone before it could be examined", "path", full, "err", err)
		return
	}

	p.observe(model.NewFsEntry(full, info))

	if info.IsDir() {
		found, err := p.tree.DirCreated(full)
		if err != nil {
			// Carry on watching what we already have; the new subtree
			// is a blind spot until watches free up.
			p.log.Error("cannot watch new directory", "path", full, "err", err)
			p.drop("watch_failed")
			return
		}
		for _, e := range found {
			p.observe(e)
		}
		metrics.SetWatchedDirs(p.tree.Len())
	}
}

// removed needs no parent lookup: whether or not the parent is still
// watched, a watched directory disappearing means its subtree must be
// forgotten. Removed files need nothing at all.
func (p *Pump) removed(ev fsevent.RawEvent) {
	full := ev.Path()
	if !p.tree.Contains(full) {
		return
	}
	p.tree.Forget(full)
	metrics.SetWatchedDirs(p.tree.Len())
}

func (p *Pump) observe(entry model.FsEntry) {
	alert, ok := classify.Classify(entry)
	if !ok {
		return
	}
	if p.Limiter != nil && !p.Limiter.Allow() {
		p.drop("rate_limited")
		p.log.Debug("alert dropped by rate limit", "path", alert.Path)
		return
	}

	p.alerts.Add(1)
	metrics.IncAlert(alert.Kind)
	p.log.Info("world-writable entry detected",
		"path", alert.Path, "kind", alert.Kind, "mode", entry.Mode)

	if err := p.out.Send(alert); err != nil {
		metrics.IncDeliveryFailure()
		p.log.Warn("alert delivery failed", "path", alert.Path, "err", err)
	}
	if p.AlertsFile != nil {
		if err := p.AlertsFile.Write(alert); err != nil {
			p.log.Warn("alerts file write failed", "path", alert.Path, "err", err)
		}
	}
	if p.Archiver != nil && entry.Kind == model.KindFile {
		if !p.Archiver.Enqueue(entry.Path) {
			p.drop("archive_queue_full")
			p.log.Debug("archive queue full", "path", entry.Path)
		}
	}
}
