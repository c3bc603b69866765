// Package flist implements an ordered, sortable, shardable sequence of
// archive entries: a flat, lexicographically-sorted list the layout
// planner and parallel writer/extractor operate on.
package flist

import (
	"os"
	"time"
)

// Type classifies an Entry: regular, directory, symlink, or other (the
// last kept only so callers can report and skip non-regular, non-dir,
// non-symlink members explicitly -- these are out of scope for
// archiving).
type Type int

const (
	TypeRegular Type = iota
	TypeDirectory
	TypeSymlink
	TypeOther
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is one addressable item destined for (or decoded from) the
// archive. Name is relative to the working directory, both when archiving
// and when decoded during extraction; extraction targets are composed from
// it with Resolve.
type Entry struct {
	Name string
	Type Type
	Size int64

	UID, GID     int
	Uname, Gname string
	Mode         os.FileMode

	Atime, Mtime, Ctime time.Time

	// LinkTarget holds the symlink target when Type == TypeSymlink.
	LinkTarget string

	// Xattrs holds every extended attribute captured for this entry,
	// keyed by attribute name (e.g. "user.foo", "system.posix_acl_access").
	// Populated from the decoded archive header's PAX records during
	// extraction. Scan leaves it empty: header.Encode reads attributes
	// straight from the source inode instead of from this field.
	Xattrs map[string]string

	// SourcePath is the absolute on-disk path this entry was read from
	// during archive creation. It is empty for entries decoded from an
	// archive during extraction.
	SourcePath string
}

// PaddedPayloadSize returns the number of payload bytes that will be
// written for this entry after 512-byte rounding: zero for anything that
// isn't a regular file.
func (e *Entry) PaddedPayloadSize() int64 {
	if e.Type != TypeRegular {
		return 0
	}
	return roundUp512(e.Size)
}

func roundUp512(n int64) int64 {
	const block = 512
	if n%block == 0 {
		return n
	}
	return n + (block - n%block)
}
