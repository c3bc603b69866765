// Package header turns one flist.Entry into a byte-exact pax tar header
// block, and decodes a header back out of a byte stream at a known
// offset, built on the standard library's archive/tar.
//
// Encoding never calls (*tar.Writer).Close: the codec behaves as a
// one-shot header serializer, because its own end-of-entry padding and
// end-of-archive trailer would otherwise land in a neighboring entry's
// pre-planned slot. The writer package synthesizes that padding and
// trailer itself, at explicit offsets.
package header

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/parallelarchive/ptar/pkg/flist"
)

// ErrScratchTooSmall is returned by Encode when the header (including any
// pax extended attributes) does not fit in the caller's scratch buffer.
var ErrScratchTooSmall = errors.New("header: scratch buffer too small")

// cappedWriter accumulates writes into a caller-owned byte slice, failing
// once the slice's capacity would be exceeded.
type cappedWriter struct {
	buf []byte
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if len(w.buf)+len(p) > cap(w.buf) {
		return 0, ErrScratchTooSmall
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Flags selects which optional attributes Encode captures beyond the
// always-on {name, type, size, mode, uid, gid, mtime, symlink-target}.
type Flags struct {
	Atime  bool
	Ctime  bool
	Xattrs bool
	ACLs   bool
}

// Encode writes e's tar header (PAX format) into scratch[:0:cap(scratch)]
// and returns the slice of scratch actually used. flags.Atime/flags.Ctime
// gate whether those timestamps are written into the header at all;
// flags.Xattrs/flags.ACLs gate whether extended attributes are read
// directly from the source inode (e.SourcePath) and staged as PAX
// records, split by whether the attribute name is a POSIX ACL.
func Encode(e *flist.Entry, scratch []byte, flags Flags) ([]byte, error) {
	hdr, err := toTarHeader(e, flags)
	if err != nil {
		return nil, fmt.Errorf("header: encode %s: %w", e.Name, err)
	}

	cw := &cappedWriter{buf: scratch[:0]}
	tw := tar.NewWriter(cw)
	if err := tw.WriteHeader(hdr); err != nil {
		if errors.Is(err, ErrScratchTooSmall) {
			return nil, ErrScratchTooSmall
		}
		return nil, fmt.Errorf("header: encode %s: %w", e.Name, err)
	}
	// Deliberately no tw.Close(): see package doc.

	return cw.buf, nil
}

func toTarHeader(e *flist.Entry, flags Flags) (*tar.Header, error) {
	hdr := &tar.Header{
		Name:    e.Name,
		Mode:    int64(e.Mode.Perm()),
		Uid:     e.UID,
		Gid:     e.GID,
		Uname:   e.Uname,
		Gname:   e.Gname,
		ModTime: e.Mtime,
		Format:  tar.FormatPAX,
	}
	if flags.Atime {
		hdr.AccessTime = e.Atime
	}
	if flags.Ctime {
		hdr.ChangeTime = e.Ctime
	}

	switch e.Type {
	case flist.TypeDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = hdr.Name + "/"
	case flist.TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	case flist.TypeRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	default:
		return nil, fmt.Errorf("unsupported entry type %v", e.Type)
	}

	if (flags.Xattrs || flags.ACLs) && e.SourcePath != "" {
		if xattrs, err := readXattrs(e.SourcePath, e.Type == flist.TypeSymlink); err == nil && len(xattrs) > 0 {
			records := make(map[string]string, len(xattrs))
			for k, v := range xattrs {
				if IsACLXattr(k) {
					if flags.ACLs {
						records["SCHILY.xattr."+k] = v
					}
				} else if flags.Xattrs {
					records["SCHILY.xattr."+k] = v
				}
			}
			if len(records) > 0 {
				hdr.PAXRecords = records
			}
		}
	}

	return hdr, nil
}

// IsACLXattr reports whether name is one of the extended attribute names
// Linux uses to store POSIX ACLs, so callers can gate ACL capture/restore
// independently of ordinary xattrs even though both travel as PAX
// "SCHILY.xattr." records.
func IsACLXattr(name string) bool {
	return name == "system.posix_acl_access" || name == "system.posix_acl_default"
}

// readXattrs reads every extended attribute set on path via the
// golang.org/x/sys/unix syscall surface.
func readXattrs(path string, isSymlink bool) (map[string]string, error) {
	list := func(buf []byte) (int, error) {
		if isSymlink {
			return unix.Llistxattr(path, buf)
		}
		return unix.Listxattr(path, buf)
	}
	get := func(name string, buf []byte) (int, error) {
		if isSymlink {
			return unix.Lgetxattr(path, name, buf)
		}
		return unix.Getxattr(path, name, buf)
	}

	n, err := list(nil)
	if err != nil || n == 0 {
		return nil, err
	}
	namesBuf := make([]byte, n)
	n, err = list(namesBuf)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, name := range splitNamesBuf(namesBuf[:n]) {
		vn, err := get(name, nil)
		if err != nil || vn == 0 {
			continue
		}
		val := make([]byte, vn)
		if _, err := get(name, val); err != nil {
			continue
		}
		out[name] = string(val)
	}
	return out, nil
}

func splitNamesBuf(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

// countingReader tracks the total number of bytes read from r, so that the
// position of a tar header within a larger stream can be recorded before
// each call to (*tar.Reader).Next. archive/tar leaves its underlying
// reader positioned at the start of the current entry's payload once Next
// returns, so Decoder.Next first skips that payload and its block padding.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Decoder walks consecutive tar headers out of a stream, reporting the
// byte offset each header started at.
type Decoder struct {
	cr *countingReader
	tr *tar.Reader
}

// NewDecoder wraps r, which must be positioned at the start of a tar
// header (typically the start of the archive, or an offset obtained from
// the index).
func NewDecoder(r io.Reader) *Decoder {
	cr := &countingReader{r: r}
	return &Decoder{cr: cr, tr: tar.NewReader(cr)}
}

// Next decodes the next entry, returning io.EOF once the stream is
// exhausted. startOffset is the absolute position (relative to the
// Decoder's own start) the header began at.
func (d *Decoder) Next() (e flist.Entry, startOffset int64, err error) {
	// Drain whatever the caller left unread of the previous entry's
	// payload; headers start on 512-byte boundaries of the stream, so
	// rounding up skips the padding that follows it.
	if _, err := io.Copy(io.Discard, d.tr); err != nil {
		return flist.Entry{}, 0, err
	}
	startOffset = (d.cr.n + 511) / 512 * 512
	hdr, err := d.tr.Next()
	if err != nil {
		return flist.Entry{}, 0, err
	}
	return fromTarHeader(hdr), startOffset, nil
}

// Payload returns a reader over the current entry's file content, valid
// only until the next call to Next.
func (d *Decoder) Payload() io.Reader {
	return d.tr
}

func fromTarHeader(hdr *tar.Header) flist.Entry {
	e := flist.Entry{
		Name:  hdr.Name,
		Size:  hdr.Size,
		UID:   hdr.Uid,
		GID:   hdr.Gid,
		Uname: hdr.Uname,
		Gname: hdr.Gname,
		Mode:  hdr.FileInfo().Mode().Perm(),
		Atime: orZero(hdr.AccessTime),
		Mtime: orZero(hdr.ModTime),
		Ctime: orZero(hdr.ChangeTime),
	}

	const xattrPrefix = "SCHILY.xattr."
	for k, v := range hdr.PAXRecords {
		if strings.HasPrefix(k, xattrPrefix) {
			if e.Xattrs == nil {
				e.Xattrs = make(map[string]string)
			}
			e.Xattrs[strings.TrimPrefix(k, xattrPrefix)] = v
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		e.Type = flist.TypeDirectory
		e.Name = trimTrailingSlash(e.Name)
	case tar.TypeSymlink:
		e.Type = flist.TypeSymlink
		e.LinkTarget = hdr.Linkname
	default:
		e.Type = flist.TypeRegular
	}

	return e
}

func orZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0)
	}
	return t
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// DecodeAt decodes a single header from r, which must be positioned at the
// start of a tar header. Its reader lifetime is intentionally bounded to
// one header, so callers construct a fresh reader per entry rather than
// reusing decoder state across entries.
func DecodeAt(r io.Reader) (flist.Entry, error) {
	d := NewDecoder(r)
	e, _, err := d.Next()
	return e, err
}
