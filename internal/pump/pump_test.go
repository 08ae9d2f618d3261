package pump

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/your-org/owwatchd/internal/classify"
	"github.com/your-org/owwatchd/internal/fsevent"
	"github.com/your-org/owwatchd/internal/model"
	"github.com/your-org/owwatchd/internal/watchtree"
)

type fakeSource struct {
	events chan fsevent.RawEvent
	errs   chan error
	addErr map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan fsevent.RawEvent, 32),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSource) Add(dir string) error { return f.addErr[dir] }

func (f *fakeSource) Remove(dir string) error { return nil }

func (f *fakeSource) Events() <-chan fsevent.RawEvent { return f.events }

func (f *fakeSource) Errors() <-chan error { return f.errs }

func (f *fakeSource) Close() error { close(f.events); return nil }

type fakeNotifier struct {
	alerts []classify.Alert
	fail   int
}

func (f *fakeNotifier) Send(a classify.Alert) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("collector unreachable")
	}
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeArchiver struct {
	paths []string
	full  bool
}

func (f *fakeArchiver) Enqueue(path string) bool {
	if f.full {
		return false
	}
	f.paths = append(f.paths, path)
	return true
}

type fakeAlertLog struct {
	alerts []classify.Alert
	err    error
}

func (f *fakeAlertLog) Write(a classify.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPump(t *testing.T, root string) (*Pump, *fakeSource, *fakeNotifier) {
	t.Helper()
	src := newFakeSource()
	tree := watchtree.New(src, discardLogger())
	if err := tree.Init([]string{root}); err != nil {
		t.Fatal(err)
	}
	out := &fakeNotifier{}
	return New(src, tree, out, discardLogger()), src, out
}

// drain closes the event stream and runs the pump to completion. Buffered
// events are processed in order before the closed stream ends the run.
func drain(t *testing.T, p *Pump, src *fakeSource) {
	t.Helper()
	close(src.events)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil after the event stream closed")
	}
}

// writeWithMode works around the umask, which would silently strip the
// world-writable bit from the modes under test.
func writeWithMode(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func mkdirWithMode(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.Mkdir(path, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func created(dir, name string) fsevent.RawEvent {
	return fsevent.RawEvent{Dir: dir, Name: name, Op: fsevent.OpCreated}
}

func TestAlertsOnWorldWritableFile(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	src.events <- created(root, "evil")
	drain(t, p, src)

	if len(out.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(out.alerts))
	}
	a := out.alerts[0]
	if a.Path != filepath.Join(root, "evil") {
		t.Fatalf("alert path = %q", a.Path)
	}
	if a.Kind != model.KindFile {
		t.Fatalf("alert kind = %q", a.Kind)
	}
}

func TestIgnoresFileWithoutWorldWrite(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	writeWithMode(t, filepath.Join(root, "quiet"), 0o644)
	writeWithMode(t, filepath.Join(root, "loud"), 0o666)
	src.events <- created(root, "quiet")
	src.events <- created(root, "loud")
	drain(t, p, src)

	if len(out.alerts) != 1 || out.alerts[0].Path != filepath.Join(root, "loud") {
		t.Fatalf("alerts = %+v, want only the world-writable file", out.alerts)
	}
}

func TestIgnoresChmodEvents(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	// Created with safe permissions, then opened up: the attribute
	// change must not alert.
	writeWithMode(t, filepath.Join(root, "later"), 0o600)
	src.events <- created(root, "later")
	if err := os.Chmod(filepath.Join(root, "later"), 0o666); err != nil {
		t.Fatal(err)
	}
	src.events <- fsevent.RawEvent{Dir: root, Name: "later", Op: fsevent.OpChmod}

	writeWithMode(t, filepath.Join(root, "sentinel"), 0o666)
	src.events <- created(root, "sentinel")
	drain(t, p, src)

	if len(out.alerts) != 1 || out.alerts[0].Path != filepath.Join(root, "sentinel") {
		t.Fatalf("alerts = %+v, want only the sentinel", out.alerts)
	}
}

func TestWatchesNewSubdirectory(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	// An empty subdirectory appears, then a world-writable file inside
	// it. The second event only resolves if the first registered a watch.
	sub := filepath.Join(root, "sub")
	mkdirWithMode(t, sub, 0o755)
	src.events <- created(root, "sub")

	writeWithMode(t, filepath.Join(sub, "evil"), 0o666)
	src.events <- created(sub, "evil")
	drain(t, p, src)

	if len(out.alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1: %+v", len(out.alerts), out.alerts)
	}
	if out.alerts[0].Path != filepath.Join(sub, "evil") {
		t.Fatalf("alert path = %q", out.alerts[0].Path)
	}
}

func TestScansNewDirectorySubtree(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	// The subtree exists in full before its create event is processed,
	// as after a rename into the watched tree.
	sub := filepath.Join(root, "sub")
	mkdirWithMode(t, sub, 0o755)
	writeWithMode(t, filepath.Join(sub, "drop"), 0o666)
	mkdirWithMode(t, filepath.Join(sub, "open"), 0o777)

	src.events <- created(root, "sub")
	drain(t, p, src)

	if len(out.alerts) != 2 {
		t.Fatalf("got %d alerts, want 2: %+v", len(out.alerts), out.alerts)
	}
	byPath := map[string]model.EntryKind{}
	for _, a := range out.alerts {
		byPath[a.Path] = a.Kind
	}
	if byPath[filepath.Join(sub, "drop")] != model.KindFile {
		t.Fatalf("missing file alert: %+v", out.alerts)
	}
	if byPath[filepath.Join(sub, "open")] != model.KindDirectory {
		t.Fatalf("missing directory alert: %+v", out.alerts)
	}
	if !p.tree.Contains(sub) || !p.tree.Contains(filepath.Join(sub, "open")) {
		t.Fatal("new subtree not watched")
	}
}

func TestWatchFailureDoesNotStopPump(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	// Registering the new directory hits the inotify limit. The directory
	// itself still alerts and later events still flow; only the failed
	// subtree stays unobserved.
	sub := filepath.Join(root, "sub")
	mkdirWithMode(t, sub, 0o777)
	src.addErr = map[string]error{sub: unix.ENOSPC}
	src.events <- created(root, "sub")

	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	src.events <- created(root, "evil")
	drain(t, p, src)

	if len(out.alerts) != 2 {
		t.Fatalf("got %d alerts, want 2: %+v", len(out.alerts), out.alerts)
	}
	if out.alerts[0].Path != sub || out.alerts[1].Path != filepath.Join(root, "evil") {
		t.Fatalf("alerts = %+v", out.alerts)
	}
	if p.tree.Contains(sub) {
		t.Fatal("unwatchable directory left in the watched set")
	}
	if p.Dropped() != 1 {
		t.Fatalf("dropped = %d, want the failed watch counted once", p.Dropped())
	}
}

func TestForgetsRemovedDirectory(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	sub := filepath.Join(root, "sub")
	mkdirWithMode(t, sub, 0o755)
	src.events <- created(root, "sub")
	src.events <- fsevent.RawEvent{Dir: root, Name: "sub", Op: fsevent.OpRemoved}
	drain(t, p, src)

	if p.tree.Contains(sub) {
		t.Fatal("removed directory still watched")
	}
	if len(out.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", out.alerts)
	}
}

func TestDropsEventFromUnwatchedDirectory(t *testing.T) {
	root := t.TempDir()
	elsewhere := t.TempDir()
	p, src, out := newTestPump(t, root)

	writeWithMode(t, filepath.Join(elsewhere, "stray"), 0o666)
	src.events <- created(elsewhere, "stray")
	writeWithMode(t, filepath.Join(root, "sentinel"), 0o666)
	src.events <- created(root, "sentinel")
	drain(t, p, src)

	if len(out.alerts) != 1 || out.alerts[0].Path != filepath.Join(root, "sentinel") {
		t.Fatalf("alerts = %+v, want only the sentinel", out.alerts)
	}
}

func TestDropsVanishedEntry(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	src.events <- created(root, "already-gone")
	drain(t, p, src)

	if len(out.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", out.alerts)
	}
}

func TestSourceErrorDoesNotStopPump(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)

	src.errs <- errors.New("inotify queue overflow")
	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	src.events <- created(root, "evil")
	drain(t, p, src)

	if len(out.alerts) != 1 {
		t.Fatalf("got %d alerts after a source error, want 1", len(out.alerts))
	}
}

func TestCancelledContextReturnsNil(t *testing.T) {
	root := t.TempDir()
	p, _, _ := newTestPump(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestDeliveryFailureDoesNotStopPump(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)
	out.fail = 1

	writeWithMode(t, filepath.Join(root, "lost"), 0o666)
	writeWithMode(t, filepath.Join(root, "kept"), 0o666)
	src.events <- created(root, "lost")
	src.events <- created(root, "kept")
	drain(t, p, src)

	if len(out.alerts) != 1 || out.alerts[0].Path != filepath.Join(root, "kept") {
		t.Fatalf("alerts = %+v, want only the second alert delivered", out.alerts)
	}
}

func TestRateLimiterDropsExcessAlerts(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)
	// One token, no refill: the second alert must be dropped.
	p.Limiter = rate.NewLimiter(0, 1)

	writeWithMode(t, filepath.Join(root, "first"), 0o666)
	writeWithMode(t, filepath.Join(root, "second"), 0o666)
	src.events <- created(root, "first")
	src.events <- created(root, "second")
	drain(t, p, src)

	if len(out.alerts) != 1 || out.alerts[0].Path != filepath.Join(root, "first") {
		t.Fatalf("alerts = %+v, want only the first", out.alerts)
	}
}

func TestArchiverReceivesFilesOnly(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)
	arch := &fakeArchiver{}
	p.Archiver = arch

	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	mkdirWithMode(t, filepath.Join(root, "open"), 0o777)
	src.events <- created(root, "evil")
	src.events <- created(root, "open")
	drain(t, p, src)

	if len(out.alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(out.alerts))
	}
	if len(arch.paths) != 1 || arch.paths[0] != filepath.Join(root, "evil") {
		t.Fatalf("archived %v, want only the file", arch.paths)
	}
}

func TestAlertsFileFailureDoesNotStopPump(t *testing.T) {
	root := t.TempDir()
	p, src, out := newTestPump(t, root)
	p.AlertsFile = &fakeAlertLog{err: errors.New("disk full")}

	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	src.events <- created(root, "evil")
	drain(t, p, src)

	if len(out.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(out.alerts))
	}
}

func TestAlertsFileReceivesAlerts(t *testing.T) {
	root := t.TempDir()
	p, src, _ := newTestPump(t, root)
	alog := &fakeAlertLog{}
	p.AlertsFile = alog

	writeWithMode(t, filepath.Join(root, "evil"), 0o666)
	src.events <- created(root, "evil")
	drain(t, p, src)

	if len(alog.alerts) != 1 || alog.alerts[0].Path != filepath.Join(root, "evil") {
		t.Fatalf("alerts file got %+v", alog.alerts)
	}
}
