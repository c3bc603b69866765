package archive

import (
	"encoding/binary"
	"fmt"
)

// copyCode is the only operation code this module emits; the byte is kept
// in the wire frame so a future transport could multiplex other
// operations onto the same queue without changing the frame shape.
const copyCode byte = 1

// WorkItem is one chunk-sized unit of payload copy: copy bytes
// [chunkIndex*chunkSize, min((chunkIndex+1)*chunkSize, fileSize)) from
// sourcePath into the archive starting at archiveDataOffset.
type WorkItem struct {
	EntryName         string
	SourcePath        string
	FileSize          int64
	ChunkIndex        int
	ChunkSize         int64
	ArchiveDataOffset int64
}

// ByteRange returns the half-open archive byte range this item writes.
func (w WorkItem) ByteRange() (start, end int64) {
	start = w.ArchiveDataOffset + int64(w.ChunkIndex)*w.ChunkSize
	remaining := w.FileSize - int64(w.ChunkIndex)*w.ChunkSize
	if remaining > w.ChunkSize {
		remaining = w.ChunkSize
	}
	return start, start + remaining
}

// IsLastChunk reports whether this item covers the file's final bytes.
func (w WorkItem) IsLastChunk() bool {
	_, end := w.ByteRange()
	return end-w.ArchiveDataOffset >= w.FileSize
}

// EncodeFrame serializes a WorkItem into a fixed binary frame: file_size
// (uint64), chunk_index (uint32), archive_data_offset (uint64), a code
// byte, then a length-prefixed operand carrying the entry name. The
// source path isn't part of the frame: it is rank-local context a real
// distributed transport would resolve on the receiving side, not data
// that needs to travel with the item.
func EncodeFrame(w WorkItem) []byte {
	name := []byte(w.EntryName)
	buf := make([]byte, 8+4+8+1+4+len(name))
	binary.BigEndian.PutUint64(buf[0:8], uint64(w.FileSize))
	binary.BigEndian.PutUint32(buf[8:12], uint32(w.ChunkIndex))
	binary.BigEndian.PutUint64(buf[12:20], uint64(w.ArchiveDataOffset))
	buf[20] = copyCode
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(name)))
	copy(buf[25:], name)
	return buf
}

// DecodeFrame is the inverse of EncodeFrame. ChunkSize and SourcePath are
// not part of the wire frame and are left zero/empty; a caller
// reconstructing a runnable WorkItem must fill them in from local
// context.
func DecodeFrame(buf []byte) (WorkItem, error) {
	if len(buf) < 25 {
		return WorkItem{}, fmt.Errorf("archive: work-item frame too short (%d bytes)", len(buf))
	}
	fileSize := binary.BigEndian.Uint64(buf[0:8])
	chunkIndex := binary.BigEndian.Uint32(buf[8:12])
	dataOffset := binary.BigEndian.Uint64(buf[12:20])
	code := buf[20]
	if code != copyCode {
		return WorkItem{}, fmt.Errorf("archive: unknown work-item code %d", code)
	}
	nameLen := binary.BigEndian.Uint32(buf[21:25])
	if len(buf) < 25+int(nameLen) {
		return WorkItem{}, fmt.Errorf("archive: work-item frame truncated operand")
	}
	name := string(buf[25 : 25+int(nameLen)])

	return WorkItem{
		EntryName:         name,
		FileSize:          int64(fileSize),
		ChunkIndex:        int(chunkIndex),
		ArchiveDataOffset: int64(dataOffset),
	}, nil
}
