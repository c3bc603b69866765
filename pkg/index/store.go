// Package index implements the sidecar array of per-entry absolute
// offsets, written and read in network byte order.
package index

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/parallelarchive/ptar/pkg/rank"
)

const sumMagic = "PIDX"
const sumVersion = 1

// Path returns the sidecar path for an archive.
func Path(archivePath string) string { return archivePath + ".idx" }

func sumPath(archivePath string) string { return Path(archivePath) + ".sum" }

// Write persists this rank's shard of offsets into <archive>.idx at the
// position determined by an exclusive prefix count across ranks. Rank 0
// creates (truncating) the file; a barrier releases the other ranks to
// open it for writing; every rank then issues one positioned write. An
// all-true collective folds every rank's success (or failure) into the
// return value. Rank 0 additionally writes the optional
// <archive>.idx.sum companion.
func Write(me *rank.Rank, archivePath string, offsets []int64, totalItems int64) error {
	path := Path(archivePath)

	var createErr error
	if me.Index() == 0 {
		createErr = createTruncated(path)
	}
	me.Barrier()
	// Every rank -- not just rank 0 -- must take part in this collective,
	// since only rank 0's local createErr carries any information; skipping
	// it on the other ranks would leave them calling ScanSum while rank 0
	// has already returned, permanently stalling the next collective.
	if !me.AllTrue(createErr == nil) {
		if createErr != nil {
			return fmt.Errorf("index: create %s: %w", path, createErr)
		}
		return fmt.Errorf("index: create %s: a peer rank failed", path)
	}

	localCount := me.ScanSum(uint64(len(offsets)))

	writeErr := writeShard(path, int64(localCount), offsets)
	ok := me.AllTrue(writeErr == nil)
	if !ok {
		if writeErr != nil {
			return fmt.Errorf("index: write %s: %w", path, writeErr)
		}
		return fmt.Errorf("index: write %s: a peer rank failed", path)
	}

	if me.Index() == 0 {
		if err := writeChecksum(archivePath, totalItems); err != nil {
			return fmt.Errorf("index: checksum %s: %w", sumPath(archivePath), err)
		}
	}
	return nil
}

func createTruncated(path string) error {
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeShard(path string, byteOffsetEntries int64, offsets []int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 8*len(offsets))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(off))
	}
	_, err = f.WriteAt(buf, byteOffsetEntries*8)
	return err
}

// writeChecksum is best-effort: this module does not currently rely on it
// existing, so any error here is surfaced but does not retroactively
// invalidate the .idx file itself -- the checksum is a courtesy, not a
// requirement.
func writeChecksum(archivePath string, totalItems int64) error {
	full, err := readAll(Path(archivePath), totalItems)
	if err != nil {
		return err
	}
	sum := crc32.ChecksumIEEE(full)

	hdr := make([]byte, 4+1+8+4)
	copy(hdr[0:4], sumMagic)
	hdr[4] = sumVersion
	binary.BigEndian.PutUint64(hdr[5:13], uint64(totalItems))
	binary.BigEndian.PutUint32(hdr[13:17], sum)

	return os.WriteFile(sumPath(archivePath), hdr, 0644)
}

func readAll(path string, totalItems int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, 8*totalItems)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Read loads the full global offset array from <archive>.idx. Rank 0
// stats and reads the file; the count and a have/have-not flag are
// broadcast to every rank, and on a miss (missing file, or length not a
// multiple of 8) every rank returns ok == false so the caller can fall
// back to scanning.
func Read(me *rank.Rank, archivePath string) (offsets []int64, ok bool, err error) {
	path := Path(archivePath)

	var raw []byte
	var haveIndex byte
	if me.Index() == 0 {
		if data, statErr := readIndexFile(path); statErr == nil {
			raw = data
			haveIndex = 1
		}
	}

	flag := me.Broadcast([]byte{haveIndex}, 0)
	if len(flag) == 0 || flag[0] == 0 {
		return nil, false, nil
	}

	data := me.Broadcast(raw, 0)
	if len(data)%8 != 0 {
		return nil, false, nil
	}

	n := len(data) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(binary.BigEndian.Uint64(data[i*8:]))
	}
	return out, true, nil
}

func readIndexFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size()%8 != 0 {
		return nil, fmt.Errorf("index: %s size %d is not a multiple of 8", path, info.Size())
	}
	return os.ReadFile(path)
}

// Verify checks a previously-read offset array against the optional
// <archive>.idx.sum companion, when present. It returns ok == true when no
// companion file exists (nothing to contradict) or when the checksum
// matches; ok == false signals a stale or foreign .idx that should not be
// trusted.
func Verify(archivePath string, offsets []int64) (ok bool, err error) {
	data, err := os.ReadFile(sumPath(archivePath))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if len(data) != 4+1+8+4 || string(data[0:4]) != sumMagic {
		return false, nil
	}
	count := binary.BigEndian.Uint64(data[5:13])
	want := binary.BigEndian.Uint32(data[13:17])

	if int(count) != len(offsets) {
		return false, nil
	}
	buf := make([]byte, 8*len(offsets))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(off))
	}
	return crc32.ChecksumIEEE(buf) == want, nil
}
