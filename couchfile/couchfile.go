//  _ _ _                           _
// | (_) |__   ___ ___  _   _  ___| |__
// | | | '_ \ / __/ _ \| | | |/ __| '_ \
// | | | |_) | (_| (_) | |_| | (__| | | |
// |_|_|_.__/ \___\___/ \__,_|\___|_| |_|
//
//  Copyright © 2012 - 2026 The libcouch Authors. All rights reserved.
//
//  CONTACT: hello@libcouch.org
//

// Package couchfile implements the append-only database file underneath a
// libcouch database. The file is divided into 4096-byte blocks; the first
// byte of every block is a flag byte (0x00 for data, 0x01 for a header
// start), which lets a reader locate the newest valid header by scanning
// backwards from the end of the file. All payloads are CRC-framed and
// written with block-prefix escaping, so a pointer returned by an append is
// stable for the lifetime of the file.
package couchfile

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	blockSize = 4096

	flagData   = 0x00
	flagHeader = 0x01

	// frame length words always carry the crc marker bit, mirroring the
	// on-disk convention for checksummed chunks
	crcMarker = uint32(1 << 31)

	maxFrameLen = 1 << 30
)

var (
	// ErrNoValidHeader is returned when no block in the file contains a
	// header that passes the CRC check.
	ErrNoValidHeader = errors.New("couchfile: no valid header found")

	// ErrCorrupt indicates a frame whose checksum or length field does not
	// match the stored payload.
	ErrCorrupt = errors.New("couchfile: corrupt frame")

	// ErrClosed is returned for any operation on a closed file.
	ErrClosed = errors.New("couchfile: file closed")
)

// File is an append-only database file. A single goroutine appends;
// positional reads are safe concurrently with appends.
type File struct {
	mu     sync.Mutex
	handle *os.File
	path   string
	pos    int64
	closed bool
}

// Create creates a fresh, empty database file, truncating any existing file
// at path.
func Create(path string) (*File, error) {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create database file")
	}
	return &File{handle: fh, path: path}, nil
}

// Open opens an existing database file for appending and positional reads.
func Open(path string) (*File, error) {
	fh, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open database file")
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, errors.Wrap(err, "stat database file")
	}
	return &File{handle: fh, path: path, pos: info.Size()}, nil
}

// Path returns the file path this handle was opened with.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Size returns the current append position, i.e. the logical end of file.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// AppendBinary appends a CRC-framed chunk and returns the pointer to pass
// to PreadBinary, plus the number of bytes the append consumed on disk.
func (f *File) AppendBinary(data []byte) (int64, int64, error) {
	if int64(len(data)) >= maxFrameLen {
		return 0, 0, errors.Errorf("chunk of %d bytes exceeds frame limit", len(data))
	}
	frame := assembleFrame(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, 0, ErrClosed
	}

	ptr := f.pos
	blocks := makeBlocks(f.pos, frame)
	if _, err := f.handle.WriteAt(blocks, f.pos); err != nil {
		return 0, 0, errors.Wrap(err, "append chunk")
	}
	f.pos += int64(len(blocks))
	return ptr, int64(len(blocks)), nil
}

// AppendTerm msgpack-encodes v and appends it as a chunk.
func (f *File) AppendTerm(v interface{}) (int64, int64, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return 0, 0, errors.Wrap(err, "encode term")
	}
	return f.AppendBinary(data)
}

// PreadBinary reads back the chunk appended at ptr, verifying its checksum.
func (f *File) PreadBinary(ptr int64) ([]byte, error) {
	head, err := f.readStripped(ptr, 8)
	if err != nil {
		return nil, err
	}
	lenWord := binary.BigEndian.Uint32(head[0:4])
	if lenWord&crcMarker == 0 {
		return nil, errors.Wrapf(ErrCorrupt, "missing crc marker at %d", ptr)
	}
	payloadLen := int64(lenWord &^ crcMarker)
	if payloadLen >= maxFrameLen {
		return nil, errors.Wrapf(ErrCorrupt, "frame length %d at %d", payloadLen, ptr)
	}
	sum := binary.BigEndian.Uint32(head[4:8])

	data, err := f.readStripped(advance(ptr, 8), payloadLen)
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != sum {
		return nil, errors.Wrapf(ErrCorrupt, "checksum mismatch at %d", ptr)
	}
	return data, nil
}

// PreadTerm reads the term appended at ptr into out.
func (f *File) PreadTerm(ptr int64, out interface{}) error {
	data, err := f.PreadBinary(ptr)
	if err != nil {
		return err
	}
	return errors.Wrap(msgpack.Unmarshal(data, out), "decode term")
}

// WriteHeader appends data as a header record at the next block boundary.
// Headers are append-only; the previous header remains readable should the
// write be torn.
func (f *File) WriteHeader(data []byte) error {
	frame := assembleFrame(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	pos := f.pos
	if rem := pos % blockSize; rem != 0 {
		buf.Write(make([]byte, blockSize-rem))
		pos += blockSize - rem
	}
	buf.WriteByte(flagHeader)
	buf.Write(makeBlocks(pos+1, frame))

	if _, err := f.handle.WriteAt(buf.Bytes(), f.pos); err != nil {
		return errors.Wrap(err, "write header")
	}
	f.pos += int64(buf.Len())
	return nil
}

// ReadHeader scans backwards from the end of the file and returns the
// newest header that passes the CRC check.
func (f *File) ReadHeader() ([]byte, error) {
	f.mu.Lock()
	size := f.pos
	f.mu.Unlock()

	if size == 0 {
		return nil, ErrNoValidHeader
	}
	for block := (size - 1) / blockSize; block >= 0; block-- {
		data, err := f.tryHeaderAt(block * blockSize)
		if err == nil {
			return data, nil
		}
	}
	return nil, ErrNoValidHeader
}

func (f *File) tryHeaderAt(pos int64) ([]byte, error) {
	flag := make([]byte, 1)
	if _, err := f.handle.ReadAt(flag, pos); err != nil {
		return nil, errors.Wrap(err, "read block flag")
	}
	if flag[0] != flagHeader {
		return nil, ErrNoValidHeader
	}
	head, err := f.readStripped(pos+1, 8)
	if err != nil {
		return nil, err
	}
	lenWord := binary.BigEndian.Uint32(head[0:4])
	if lenWord&crcMarker == 0 {
		return nil, ErrCorrupt
	}
	payloadLen := int64(lenWord &^ crcMarker)
	if payloadLen >= maxFrameLen {
		return nil, ErrCorrupt
	}
	sum := binary.BigEndian.Uint32(head[4:8])
	data, err := f.readStripped(advance(pos+1, 8), payloadLen)
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != sum {
		return nil, ErrCorrupt
	}
	return data, nil
}

// Sync flushes all written data to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return errors.Wrap(f.handle.Sync(), "fsync")
}

// Close closes the underlying handle. Pending appends are not flushed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return errors.Wrap(f.handle.Close(), "close database file")
}

// Rename moves the file to newPath. The open handle stays valid.
func (f *File) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(f.path, newPath); err != nil {
		return errors.Wrap(err, "rename database file")
	}
	f.path = newPath
	return nil
}

// Delete closes the handle and removes the file from disk.
func (f *File) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Remove(f.path), "remove database file")
}

// CopyChunk reads the chunk stored at ptr in src and appends it verbatim to
// dst, returning the new pointer and the chunk's payload length.
func CopyChunk(src *File, ptr int64, dst *File) (int64, int64, error) {
	data, err := src.PreadBinary(ptr)
	if err != nil {
		return 0, 0, errors.Wrap(err, "read source chunk")
	}
	newPtr, _, err := dst.AppendBinary(data)
	if err != nil {
		return 0, 0, errors.Wrap(err, "append target chunk")
	}
	return newPtr, int64(len(data)), nil
}

// assembleFrame prefixes data with its marked length word and CRC.
func assembleFrame(data []byte) []byte {
	frame := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data))|crcMarker)
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(data))
	copy(frame[8:], data)
	return frame
}

// makeBlocks lays data out starting at physical position pos, inserting a
// data flag byte at every block boundary the write crosses or starts on.
func makeBlocks(pos int64, data []byte) []byte {
	var buf bytes.Buffer
	cur := pos
	for i := 0; i < len(data); {
		if cur%blockSize == 0 {
			buf.WriteByte(flagData)
			cur++
		}
		avail := blockSize - cur%blockSize
		n := int64(len(data) - i)
		if n > avail {
			n = avail
		}
		buf.Write(data[i : i+int(n)])
		cur += n
		i += int(n)
	}
	return buf.Bytes()
}

// advance returns the physical position n logical bytes past pos, skipping
// the flag byte at every block boundary.
func advance(pos, n int64) int64 {
	cur := pos
	for n > 0 {
		if cur%blockSize == 0 {
			cur++
		}
		avail := blockSize - cur%blockSize
		if n < avail {
			return cur + n
		}
		cur += avail
		n -= avail
	}
	if cur%blockSize == 0 {
		cur++
	}
	return cur
}

// readStripped reads n logical bytes starting at physical position pos,
// dropping the flag byte at each block boundary.
func (f *File) readStripped(pos, n int64) ([]byte, error) {
	out := make([]byte, 0, n)
	cur := pos
	for int64(len(out)) < n {
		if cur%blockSize == 0 {
			cur++
		}
		avail := blockSize - cur%blockSize
		want := n - int64(len(out))
		if want > avail {
			want = avail
		}
		buf := make([]byte, want)
		if _, err := f.handle.ReadAt(buf, cur); err != nil {
			return nil, errors.Wrapf(err, "pread %d bytes at %d", want, cur)
		}
		out = append(out, buf...)
		cur += want
	}
	return out, nil
}
