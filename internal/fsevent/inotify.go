package fsevent

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// eventBuffer smooths bursts (an untar into the watched tree) without
// growing unbounded; once full, the kernel-side queue takes the pressure.
const eventBuffer = 256

// InotifySource delivers inotify events via fsnotify. Content writes are
// filtered out here, the way the kernel event mask would: the rest of the
// pipeline only ever deals with appearance, disappearance and attribute
// events.
type InotifySource struct {
	w      *fsnotify.Watcher
	events chan RawEvent
	done   chan struct{}
	once   sync.Once
}

// NewInotifySource opens the kernel notification stream. Failure here is a
// startup failure: without the stream the daemon has no purpose.
func NewInotifySource() (*InotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("open inotify: %w", err)
	}
	s := &InotifySource{
		w:      w,
		events: make(chan RawEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.translate()
	return s, nil
}

func (s *InotifySource) Add(dir string) error {
	return s.w.Add(dir)
}

// Remove deregisters a directory watch. Removing a watch the kernel has
// already dropped (deleted directory) is a no-op, not an error.
func (s *InotifySource) Remove(dir string) error {
	err := s.w.Remove(dir)
	if errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return nil
	}
	return err
}

func (s *InotifySource) Events() <-chan RawEvent {
	return s.events
}

func (s *InotifySource) Errors() <-chan error {
	return s.w.Errors
}

// Close releases all watches. The events channel closes once any queued
// notifications have been handed over or discarded.
func (s *InotifySource) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.w.Close()
}

func (s *InotifySource) translate() {
	defer close(s.events)
	for ev := range s.w.Events {
		op := mapOp(ev.Op)
		switch op {
		case OpCreated, OpRemoved, OpRenamed, OpChmod:
		default:
			continue
		}
		re := RawEvent{
			Dir:  filepath.Dir(ev.Name),
			Name: filepath.Base(ev.Name),
			Op:   op,
		}
		select {
		case s.events <- re:
		case <-s.done:
			return
		}
	}
}

func mapOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreated
	case op.Has(fsnotify.Remove):
		return OpRemoved
	case op.Has(fsnotify.Rename):
		return OpRenamed
	case op.Has(fsnotify.Chmod):
		return OpChmod
	case op.Has(fsnotify.Write):
		return OpWritten
	}
	return OpOther
}
