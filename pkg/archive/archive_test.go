package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/parallelarchive/ptar/pkg/flist"
	"github.com/parallelarchive/ptar/pkg/header"
	"github.com/parallelarchive/ptar/pkg/index"
)

func scanSorted(t *testing.T, root string) []flist.Entry {
	t.Helper()
	l, err := flist.Scan(root)
	require.NoError(t, err)
	return l.Entries
}

func TestCreateEmptyDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "d"), 0755))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.Len(t, entries, 1)

	err := Create(context.Background(), entries, out, Options{Ranks: 2})
	require.NoError(t, err)

	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Size()%512)

	tail := readTail(t, out, 1024)
	require.True(t, allZero(tail))

	offsets := readIdx(t, out)
	require.Equal(t, []int64{0}, offsets)
}

func TestCreateZeroByteFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), nil, 0644))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 1}))

	info, err := os.Stat(out)
	require.NoError(t, err)

	offsets := readIdx(t, out)
	require.Len(t, offsets, 1)
	headerSize := headerSizeFromEntries(t, entries, header.Flags{})
	require.Equal(t, headerSize+1024, info.Size())
}

func Test513ByteFilePadding(t *testing.T) {
	src := t.TempDir()
	data := make([]byte, 513)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), data, 0644))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 3}))

	offsets := readIdx(t, out)
	require.Len(t, offsets, 1)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	headerSize := headerSizeFromEntries(t, entries, header.Flags{})
	payload := raw[offsets[0]+headerSize:]
	require.Equal(t, data, payload[:513])
	for _, b := range payload[513:1024] {
		require.Equal(t, byte(0), b)
	}
}

func TestCreateTwoLargeFilesChunked(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a", "b"} {
		data := make([]byte, 1<<20)
		for i := range data {
			data[i] = byte(i % 251)
		}
		require.NoError(t, os.WriteFile(filepath.Join(src, name), data, 0644))
	}

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 2, ChunkSize: 256 << 10}))

	dest := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, dest, Options{Ranks: 2}))

	for _, name := range []string{"a", "b"} {
		want, err := os.ReadFile(filepath.Join(src, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestExtractRestoresModeExactly(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "ro"), []byte("x"), 0400))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "d"), 0500))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 2}))

	dest := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, dest, Options{Ranks: 2}))

	info, err := os.Stat(filepath.Join(dest, "ro"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0400), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dest, "d"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0500), info.Mode().Perm())
}

func TestExtractRestoresXattrsWhenRequested(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	if err := unix.Setxattr(path, "user.ptar_test", []byte("hello"), 0); err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	opts := Options{Ranks: 1, Flags: PreserveFlags{Xattrs: true}}
	require.NoError(t, Create(context.Background(), entries, out, opts))

	destRestored := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, destRestored, opts))
	val := make([]byte, 64)
	n, err := unix.Getxattr(filepath.Join(destRestored, "f"), "user.ptar_test", val)
	require.NoError(t, err)
	require.Equal(t, "hello", string(val[:n]))

	destUnrestored := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, destUnrestored, Options{Ranks: 1}))
	_, err = unix.Getxattr(filepath.Join(destUnrestored, "f"), "user.ptar_test", val)
	require.Error(t, err)
}

func TestSymlinkRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "target"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("target", filepath.Join(src, "s")))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 2}))

	dest := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, dest, Options{Ranks: 2}))

	got, err := os.Readlink(filepath.Join(dest, "s"))
	require.NoError(t, err)
	require.Equal(t, "target", got)
}

func TestExtractWithoutIndexMatchesIndexedPath(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "a"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b"), []byte("more data here"), 0644))

	out := filepath.Join(t.TempDir(), "out.tar")
	entries := scanSorted(t, src)
	require.NoError(t, Create(context.Background(), entries, out, Options{Ranks: 2}))

	destIndexed := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, destIndexed, Options{Ranks: 2}))

	require.NoError(t, os.Remove(index.Path(out)))
	require.NoError(t, os.Remove(out+".idx.sum"))

	destScanned := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, destScanned, Options{Ranks: 3}))

	got1, err := os.ReadFile(filepath.Join(destIndexed, "sub", "a"))
	require.NoError(t, err)
	got2, err := os.ReadFile(filepath.Join(destScanned, "sub", "a"))
	require.NoError(t, err)
	require.Equal(t, got1, got2)

	got1, err = os.ReadFile(filepath.Join(destIndexed, "b"))
	require.NoError(t, err)
	got2, err = os.ReadFile(filepath.Join(destScanned, "b"))
	require.NoError(t, err)
	require.Equal(t, got1, got2)

	// The scanning fallback re-emits an index for next time.
	_, err = os.Stat(index.Path(out))
	require.NoError(t, err)
}

func readTail(t *testing.T, path string, n int64) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	buf := make([]byte, n)
	_, err = f.ReadAt(buf, info.Size()-n)
	require.NoError(t, err)
	return buf
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func readIdx(t *testing.T, archivePath string) []int64 {
	t.Helper()
	raw, err := os.ReadFile(index.Path(archivePath))
	require.NoError(t, err)
	require.Equal(t, 0, len(raw)%8)
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = beUint64(raw[i*8:])
	}
	return out
}

func headerSizeFromEntries(t *testing.T, entries []flist.Entry, flags header.Flags) int64 {
	t.Helper()
	require.Len(t, entries, 1)
	scratch := make([]byte, 0, 1<<16)
	b, err := header.Encode(&entries[0], scratch, flags)
	require.NoError(t, err)
	return int64(len(b))
}
