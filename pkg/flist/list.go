package flist

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/parallelarchive/ptar/pkg/rank"
)

// List is an ordered sequence of Entry values, sorted lexicographically by
// Name so that parent directories precede their children and a linear
// walk of the list is a valid creation/extraction order.
type List struct {
	Entries []Entry
}

// Scan walks root and builds a List of every regular file, directory, and
// symlink beneath it (root itself is not included), with Name set relative
// to root using forward slashes. Device files, fifos, and sockets are
// skipped.
func Scan(root string) (*List, error) {
	l := &List{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := Relative(root, path)
		if err != nil {
			return err
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return fmt.Errorf("lstat %s: %w", path, err)
		}

		e, ok := entryFromStat(rel, path, &st)
		if !ok {
			return nil
		}
		l.Entries = append(l.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.Sort()
	return l, nil
}

func entryFromStat(rel, absPath string, st *unix.Stat_t) (Entry, bool) {
	e := Entry{
		Name:       rel,
		Size:       st.Size,
		UID:        int(st.Uid),
		GID:        int(st.Gid),
		Mode:       os.FileMode(st.Mode & 0777),
		Atime:      time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:      time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime:      time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		SourcePath: absPath,
	}
	e.Uname, e.Gname = lookupOwner(e.UID, e.GID)

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		e.Type = TypeDirectory
		e.Size = 0
	case unix.S_IFLNK:
		e.Type = TypeSymlink
		target, err := os.Readlink(absPath)
		if err != nil {
			return Entry{}, false
		}
		e.LinkTarget = filepath.ToSlash(target)
		e.Size = int64(len(e.LinkTarget))
	case unix.S_IFREG:
		e.Type = TypeRegular
	default:
		return Entry{}, false
	}

	return e, true
}

func lookupOwner(uid, gid int) (uname, gname string) {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		uname = u.Username
	}
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		gname = g.Name
	}
	return
}

// Sort orders Entries lexicographically by Name.
func (l *List) Sort() {
	sort.Slice(l.Entries, func(i, j int) bool {
		return l.Entries[i].Name < l.Entries[j].Name
	})
}

// GlobalSize returns the total entry count across every rank's shard,
// via an all-reduce.
func GlobalSize(me *rank.Rank, local *List) int {
	return int(me.AllReduceSum(uint64(len(local.Entries))))
}

// ShardBounds computes the contiguous [start, start+count) range rank
// rankIndex owns when n items are split evenly across size ranks: ranks
// 0..r-1 get one extra item, where r = n mod size.
func ShardBounds(n, rankIndex, size int) (start, count int) {
	q, r := n/size, n%size

	start = rankIndex * q
	if rankIndex < r {
		start += rankIndex
	} else {
		start += r
	}

	count = q
	if rankIndex < r {
		count++
	}
	return start, count
}

// Shard splits a fully-populated, sorted List into per-rank contiguous
// shards via ShardBounds.
func Shard(entries []Entry, rankIndex, size int) []Entry {
	start, count := ShardBounds(len(entries), rankIndex, size)
	return entries[start : start+count]
}

// Summarize reports human-oriented totals for a list: item count and total
// (unpadded) byte size of regular files.
func Summarize(l *List) (items int, bytes int64) {
	for _, e := range l.Entries {
		items++
		if e.Type == TypeRegular {
			bytes += e.Size
		}
	}
	return
}

// Mkdir creates every directory Entry in l beneath cwd, in lexicographic
// (parent-before-child) order, tolerating entries that already exist. It
// is meant to run before any file content is materialized so parent/child
// creation never races.
func Mkdir(cwd string, l *List) error {
	for _, e := range l.Entries {
		if e.Type != TypeDirectory {
			continue
		}
		target, err := Resolve(cwd, e.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(target, e.Mode|0700); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
	}
	return nil
}

// Relative computes the archive name for a path beneath cwd, refusing any
// result that would escape cwd via ".." components.
func Relative(cwd, path string) (string, error) {
	rel, err := filepath.Rel(cwd, path)
	if err != nil {
		return "", fmt.Errorf("relativize %s against %s: %w", path, cwd, err)
	}
	rel = filepath.ToSlash(rel)
	if err := checkNoEscape(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Resolve is the inverse of Relative: it composes cwd and an archive name
// into an extraction target path, refusing names that would escape cwd.
func Resolve(cwd, name string) (string, error) {
	if err := checkNoEscape(name); err != nil {
		return "", err
	}
	return filepath.Join(cwd, filepath.FromSlash(name)), nil
}

func checkNoEscape(rel string) error {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return fmt.Errorf("refusing path %q: escapes working directory", rel)
	}
	return nil
}
