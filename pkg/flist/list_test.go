package flist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanSortsLexicographically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "c"), []byte("yz"), 0644))
	require.NoError(t, os.Symlink("c", filepath.Join(dir, "b", "d")))

	l, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, l.Entries, 4)

	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a", "b", "b/c", "b/d"}, names)

	for _, e := range l.Entries {
		switch e.Name {
		case "a":
			require.Equal(t, TypeRegular, e.Type)
			require.Equal(t, int64(1), e.Size)
		case "b":
			require.Equal(t, TypeDirectory, e.Type)
		case "b/c":
			require.Equal(t, TypeRegular, e.Type)
			require.Equal(t, int64(2), e.Size)
		case "b/d":
			require.Equal(t, TypeSymlink, e.Type)
			require.Equal(t, "c", e.LinkTarget)
		}
	}
}

func TestShardIsContiguousAndCoversEverything(t *testing.T) {
	entries := make([]Entry, 10)
	for i := range entries {
		entries[i].Name = string(rune('a' + i))
	}

	const size = 3
	var total []Entry
	for r := 0; r < size; r++ {
		total = append(total, Shard(entries, r, size)...)
	}
	require.Equal(t, entries, total)
}

func TestRelativeRefusesEscape(t *testing.T) {
	_, err := Relative("/a/b", "/a/b/c")
	require.NoError(t, err)

	_, err = Relative("/a/b", "/a/c")
	require.Error(t, err)

	_, err = Resolve("/a/b", "../c")
	require.Error(t, err)

	_, err = Resolve("/a/b", "/etc/passwd")
	require.Error(t, err)
}

func TestMkdirPrecreatesParentsBeforeChildren(t *testing.T) {
	dir := t.TempDir()
	l := &List{Entries: []Entry{
		{Name: "x", Type: TypeDirectory, Mode: 0755},
		{Name: "x/y", Type: TypeDirectory, Mode: 0755},
	}}
	require.NoError(t, Mkdir(dir, l))

	info, err := os.Stat(filepath.Join(dir, "x", "y"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
