// Package archive preserves copies of alerted files. A world-writable file
// dropped in /tmp is often deleted seconds later by whatever created it;
// copying it out as soon as it is seen keeps the evidence around for
// inspection.
package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/your-org/owwatchd/internal/metrics"
)

const queueDepth = 128

// Archiver copies files into a private directory on a single worker
// goroutine. Enqueue never blocks: the event pump must not stall on disk
// I/O, so a full queue drops the copy instead.
type Archiver struct {
	dir     string
	maxSize int64
	log     *slog.Logger
	jobs    chan string
	wg      sync.WaitGroup
}

// New creates the archive directory (0700, the copies are other users'
// files) and starts the worker.
func New(dir string, maxSize int64, log *slog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	a := &Archiver{
		dir:     dir,
		maxSize: maxSize,
		log:     log,
		jobs:    make(chan string, queueDepth),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Enqueue schedules a copy of path and reports whether it was accepted.
// Must not be called after Close.
func (a *Archiver) Enqueue(path string) bool {
	select {
	case a.jobs <- path:
		return true
	default:
		return false
	}
}

// Close drains the queue and stops the worker.
func (a *Archiver) Close() error {
	close(a.jobs)
	a.wg.Wait()
	return nil
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for path := range a.jobs {
		if err := a.copyFile(path); err != nil {
			// Races with deletion are the normal case here, not a fault.
			a.log.Debug("file not archived", "path", path, "err", err)
			continue
		}
		metrics.IncArchived()
		a.log.Debug("archived file", "path", path)
	}
}

// copyFile snapshots src into the archive directory. The source is opened
// with O_NOFOLLOW and checked through the open descriptor: between the
// alert and this copy the path may have been replaced with a symlink or a
// device node by whoever is playing games in the watched directory.
func (a *Archiver) copyFile(src string) error {
	in, err := os.OpenFile(src, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("not a regular file (%s)", fi.Mode())
	}
	if a.maxSize > 0 && fi.Size() > a.maxSize {
		return fmt.Errorf("size %d exceeds archive limit %d", fi.Size(), a.maxSize)
	}

	dst := filepath.Join(a.dir,
		filepath.Base(src)+"."+strconv.FormatInt(time.Now().UnixNano(), 10))
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	// Hard cap even if the file grows under us after the Stat.
	var r io.Reader = in
	if a.maxSize > 0 {
		r = io.LimitReader(in, a.maxSize)
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
