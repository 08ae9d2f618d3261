// Package daemon assembles the watcher: kernel event source, watch tree,
// event pump and alert sinks, plus the optional HTTP ops surface. The
// pieces are constructed fail-fast so a misconfigured daemon dies before
// it claims to be watching anything.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/your-org/owwatchd/internal/archive"
	"github.com/your-org/owwatchd/internal/config"
	"github.com/your-org/owwatchd/internal/fsevent"
	"github.com/your-org/owwatchd/internal/metrics"
	"github.com/your-org/owwatchd/internal/notify"
	"github.com/your-org/owwatchd/internal/pump"
	"github.com/your-org/owwatchd/internal/watchtree"
)

const opsShutdownTimeout = 5 * time.Second

type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	src      fsevent.Source
	tree     *watchtree.Tree
	pump     *pump.Pump
	notifier *notify.Syslog
	files    *notify.FileWriter
	archiver *archive.Archiver
	reg      *prometheus.Registry
	started  time.Time
}

// New builds a daemon from a validated configuration. On error nothing is
// left running.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	src, err := fsevent.NewInotifySource()
	if err != nil {
		return nil, err
	}
	return newDaemon(cfg, log, src)
}

func newDaemon(cfg *config.Config, log *slog.Logger, src fsevent.Source) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		log:     log,
		src:     src,
		started: time.Now(),
	}

	notifier, err := notify.NewSyslog(cfg.Syslog, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.notifier = notifier

	if cfg.AlertsFile != "" {
		files, err := notify.NewFileWriter(cfg.AlertsFile)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.files = files
	}

	if cfg.Archive.Dir != "" {
		arch, err := archive.New(cfg.Archive.Dir, cfg.Archive.MaxFileSize, log)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.archiver = arch
	}

	d.tree = watchtree.New(src, log)
	if err := d.tree.Init(cfg.Dirs); err != nil {
		d.Close()
		return nil, err
	}
	metrics.SetWatchedDirs(d.tree.Len())

	d.pump = pump.New(src, d.tree, notifier, log)
	if d.files != nil {
		d.pump.AlertsFile = d.files
	}
	if d.archiver != nil {
		d.pump.Archiver = d.archiver
	}
	if cfg.MaxAlertsPerSec > 0 {
		burst := int(cfg.MaxAlertsPerSec)
		if burst < 1 {
			burst = 1
		}
		d.pump.Limiter = rate.NewLimiter(rate.Limit(cfg.MaxAlertsPerSec), burst)
	}

	d.reg = prometheus.NewRegistry()
	metrics.Register(d.reg)
	return d, nil
}

// Run blocks consuming events until ctx is cancelled (returns nil) or the
// event source fails (returns the failure).
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.MetricsAddr != "" {
		stop, err := d.serveOps(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	d.log.Info("watching for world-writable files",
		"roots", d.tree.Roots(),
		"watched", d.tree.Len(),
		"server", d.cfg.Syslog.Server,
		"port", d.cfg.Syslog.Port,
		"protocol", d.cfg.Syslog.Protocol)

	return d.pump.Run(ctx)
}

// Close releases everything, in event-flow order: source first so no new
// work arrives, then the sinks. Safe on a partially constructed daemon.
func (d *Daemon) Close() error {
	var errs []error
	if d.src != nil {
		errs = append(errs, d.src.Close())
	}
	if d.archiver != nil {
		errs = append(errs, d.archiver.Close())
	}
	if d.files != nil {
		errs = append(errs, d.files.Close())
	}
	if d.notifier != nil {
		errs = append(errs, d.notifier.Close())
	}
	return errors.Join(errs...)
}

// serveOps starts the HTTP ops listener. The bind happens here, not in a
// goroutine, so an unusable address fails the daemon instead of logging
// into the void.
func (d *Daemon) serveOps(ctx context.Context) (func(), error) {
	ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("ops listener on %s: %w", d.cfg.MetricsAddr, err)
	}
	srv := &http.Server{Handler: d.opsHandler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		d.log.Info("ops endpoint listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("ops server failed", "err", err)
		}
	}()
	return func() { srv.Close() }, nil
}
