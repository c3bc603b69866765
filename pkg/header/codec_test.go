package header

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelarchive/ptar/pkg/flist"
)

func TestEncodeProducesNoTrailer(t *testing.T) {
	e := &flist.Entry{
		Name:  "hello.txt",
		Type:  flist.TypeRegular,
		Size:  5,
		Mode:  0644,
		Mtime: time.Unix(1000, 0),
		Atime: time.Unix(1000, 0),
		Ctime: time.Unix(1000, 0),
	}

	scratch := make([]byte, 0, 4096)
	out, err := Encode(e, scratch, Flags{})
	require.NoError(t, err)
	require.NotEmpty(t, out)

	// A bare header block is a multiple of 512 bytes and does not include
	// the two 512-byte end-of-archive blocks tar.Writer.Close would add.
	require.Equal(t, 0, len(out)%512)
	require.Less(t, len(out), 1536)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := &flist.Entry{
		Name:  "dir/file.bin",
		Type:  flist.TypeRegular,
		Size:  3,
		Mode:  0640,
		UID:   42,
		GID:   7,
		Mtime: time.Unix(123456, 0),
		Atime: time.Unix(123456, 0),
		Ctime: time.Unix(123456, 0),
	}

	scratch := make([]byte, 0, 4096)
	hdrBytes, err := Encode(e, scratch, Flags{})
	require.NoError(t, err)

	got, err := DecodeAt(bytes.NewReader(hdrBytes))
	require.NoError(t, err)
	require.Equal(t, e.Name, got.Name)
	require.Equal(t, e.Type, got.Type)
	require.Equal(t, e.Size, got.Size)
	require.Equal(t, e.UID, got.UID)
	require.Equal(t, e.GID, got.GID)
}

func TestEncodeScratchTooSmall(t *testing.T) {
	e := &flist.Entry{Name: "x", Type: flist.TypeRegular, Size: 1}
	scratch := make([]byte, 0, 8)
	_, err := Encode(e, scratch, Flags{})
	require.ErrorIs(t, err, ErrScratchTooSmall)
}

func TestDecoderReportsHeaderOffsets(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Size:     int64(len(name)),
			Mode:     0644,
		}))
		_, err := tw.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	d := NewDecoder(bytes.NewReader(buf.Bytes()))
	var offsets []int64
	for {
		_, off, err := d.Next()
		if err != nil {
			break
		}
		offsets = append(offsets, off)
	}
	require.Equal(t, []int64{0, 1024, 2048}, offsets)
}

func TestDirectorySymlinkHaveNoPayload(t *testing.T) {
	dir := &flist.Entry{Name: "d", Type: flist.TypeDirectory, Mode: 0755}
	scratch := make([]byte, 0, 4096)
	out, err := Encode(dir, scratch, Flags{})
	require.NoError(t, err)
	got, err := DecodeAt(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, flist.TypeDirectory, got.Type)
	require.Equal(t, int64(0), got.Size)

	sym := &flist.Entry{Name: "s", Type: flist.TypeSymlink, LinkTarget: "target"}
	out, err = Encode(sym, scratch, Flags{})
	require.NoError(t, err)
	got, err = DecodeAt(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, flist.TypeSymlink, got.Type)
	require.Equal(t, "target", got.LinkTarget)
}
