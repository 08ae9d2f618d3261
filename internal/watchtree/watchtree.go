// Package watchtree maintains the set of directories under observation.
// Kernel watches are per-directory and non-recursive; this package layers
// the recursive contract on top: registering whole subtrees as they appear
// and forgetting them as they go away, while the monitored tree keeps
// changing shape underneath it.
package watchtree

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/your-org/owwatchd/internal/model"
)

// ErrUnknownWatch is returned by Resolve when an event references a
// directory that is no longer (or never was) watched. Events can race with
// the removal of their directory; callers drop such events.
var ErrUnknownWatch = errors.New("directory is not watched")

// ErrWatchLimit wraps kernel watch-resource exhaustion.
var ErrWatchLimit = errors.New("inotify watch limit exhausted")

// Registrar is the slice of the kernel event source the tree drives.
type Registrar interface {
	Add(dir string) error
	Remove(dir string) error
}

// Tree is the watched-directory set. Every member corresponds to exactly
// one active kernel watch; the directory path doubles as the watch
// identifier. Mutation happens only on the event pump's goroutine; the
// mutex exists for the ops endpoint, which reads sizes concurrently.
type Tree struct {
	mu    sync.RWMutex
	reg   Registrar
	log   *slog.Logger
	roots []string
	dirs  map[string]struct{}
}

func New(reg Registrar, log *slog.Logger) *Tree {
	return &Tree{
		reg:  reg,
		log:  log,
		dirs: make(map[string]struct{}),
	}
}

// Init registers a watch on every root and, depth-first, on every existing
// subdirectory. Pre-existing entries are not classified: observation starts
// now, and only what appears from now on is reported. A root that does not
// exist or is not a directory is a startup failure, as is running out of
// watch resources. Unreadable subdirectories are skipped; shared temp
// directories routinely contain other users' 0700 trees.
func (t *Tree) Init(roots []string) error {
	if len(roots) == 0 {
		return errors.New("no watch roots configured")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("watch root %s: %w", root, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("watch root %s: %w", root, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("watch root %s is not a directory", root)
		}

		walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == abs {
					return err
				}
				t.log.Debug("skipping unreadable path during initial scan", "path", path, "err", err)
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if werr := t.watch(path); werr != nil {
				if errors.Is(werr, ErrWatchLimit) || path == abs {
					return werr
				}
				t.log.Warn("cannot watch directory", "path", path, "err", werr)
			}
			return nil
		})
		if walkErr != nil {
			return fmt.Errorf("initial scan of %s: %w", root, walkErr)
		}
		t.roots = append(t.roots, abs)
	}
	return nil
}

// DirCreated registers a watch on dir and walks it, watching every
// subdirectory found: a directory can arrive pre-populated via a rename
// from elsewhere in the filesystem. It returns an observation for every
// entry below dir so the caller can classify content that existed before
// the watches landed. The watch is registered before the walk, so entries
// appearing mid-scan produce kernel events of their own instead of being
// missed; the rare entry caught by both is the cheaper failure mode.
func (t *Tree) DirCreated(dir string) ([]model.FsEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dirs[dir]; ok {
		// Duplicate create notification for a directory already handled.
		return nil, nil
	}
	if err := t.watch(dir); err != nil {
		return nil, err
	}

	var found []model.FsEntry
	// Every failure is handled inside the callback, so the walk itself
	// cannot return an error.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			t.log.Debug("skipping unreadable path in new subtree", "path", path, "err", err)
			return nil
		}
		if path == dir {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			t.log.Debug("entry vanished during subtree scan", "path", path, "err", ierr)
			return nil
		}
		found = append(found, model.NewFsEntry(path, info))
		if d.IsDir() {
			if werr := t.watch(path); werr != nil {
				t.log.Warn("cannot watch new directory", "path", path, "err", werr)
			}
		}
		return nil
	})
	return found, nil
}

// Forget removes dir and everything below it from the watched set.
// Forgetting a directory that is not watched is a no-op: the kernel may
// deliver a removal notification for a watch that is already gone.
func (t *Tree) Forget(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := dir + string(os.PathSeparator)
	for d := range t.dirs {
		if d != dir && !strings.HasPrefix(d, prefix) {
			continue
		}
		delete(t.dirs, d)
		// Best effort: for a deleted directory the kernel watch is
		// already gone and the source treats that as a no-op.
		if err := t.reg.Remove(d); err != nil {
			t.log.Debug("remove watch", "path", d, "err", err)
		}
	}
}

// Resolve maps an event's watch identifier and entry name to an absolute
// path. Pure lookup; no filesystem access.
func (t *Tree) Resolve(dir, name string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.dirs[dir]; !ok {
		return "", fmt.Errorf("resolve %s: %w", filepath.Join(dir, name), ErrUnknownWatch)
	}
	return filepath.Join(dir, name), nil
}

// Contains reports whether dir itself is currently watched.
func (t *Tree) Contains(dir string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.dirs[dir]
	return ok
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirs)
}

// Roots returns the normalized watch roots.
func (t *Tree) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.roots))
	copy(out, t.roots)
	return out
}

// watch registers one directory. Callers hold the write lock.
func (t *Tree) watch(dir string) error {
	if _, ok := t.dirs[dir]; ok {
		return nil
	}
	if err := t.reg.Add(dir); err != nil {
		if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENOMEM) {
			return fmt.Errorf("add watch on %s: %w: %w (raise fs.inotify.max_user_watches)", dir, ErrWatchLimit, err)
		}
		return fmt.Errorf("add watch on %s: %w", dir, err)
	}
	t.dirs[dir] = struct{}{}
	return nil
}
