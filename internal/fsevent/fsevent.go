// Package fsevent abstracts the kernel filesystem notification mechanism
// behind a small capability interface, so the event pump can be driven by a
// fake source in tests and ported to other notification backends.
package fsevent

import "path/filepath"

// Op is the kind of change a RawEvent reports.
type Op uint8

const (
	OpCreated Op = iota // entry created or moved into a watched directory
	OpRemoved           // entry deleted
	OpRenamed           // entry moved away from a watched directory
	OpChmod             // permission or attribute change on an existing entry
	OpWritten           // content modification
	OpOther
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpRemoved:
		return "removed"
	case OpRenamed:
		return "renamed"
	case OpChmod:
		return "chmod"
	case OpWritten:
		return "written"
	}
	return "other"
}

// RawEvent is one kernel notification: the watched directory that produced
// it, the entry name within that directory, and the change kind. The watched
// directory doubles as the watch identifier.
type RawEvent struct {
	Dir  string
	Name string
	Op   Op
}

// Path returns the full path of the entry the event is about.
func (e RawEvent) Path() string {
	return filepath.Join(e.Dir, e.Name)
}

// Source is the kernel event stream. Watches are registered per directory
// and are not recursive; the watch tree manager layers recursion on top.
//
// Events blocks the producer when the consumer is slow, which is the
// backpressure this design wants: one event in flight at a time. The events
// channel closing means the source is unusable and monitoring cannot
// continue. Close releases every watch and unblocks consumers promptly.
type Source interface {
	Add(dir string) error
	Remove(dir string) error
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}
