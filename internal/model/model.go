package model

import "io/fs"

// EntryKind names what a filesystem entry is. The wire payload of an alert
// embeds it verbatim, so the values are lower-case English words.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
	KindSymlink   EntryKind = "symlink"
	KindOther     EntryKind = "other"
)

// FsEntry is a single observation of a filesystem entry: its absolute path,
// what it is, and its permission bits at the moment the metadata was read.
// It is derived from one Lstat per event and never persisted.
type FsEntry struct {
	Path string
	Kind EntryKind
	Mode fs.FileMode
}

// NewFsEntry builds an observation from metadata the caller already holds.
// It performs no I/O of its own.
func NewFsEntry(path string, info fs.FileInfo) FsEntry {
	return FsEntry{
		Path: path,
		Kind: kindOf(info.Mode()),
		Mode: info.Mode(),
	}
}

func kindOf(m fs.FileMode) EntryKind {
	switch {
	case m.IsRegular():
		return KindFile
	case m.IsDir():
		return KindDirectory
	case m&fs.ModeSymlink != 0:
		return KindSymlink
	}
	return KindOther
}
