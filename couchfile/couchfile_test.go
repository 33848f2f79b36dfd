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

package couchfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	f, err := Create(filepath.Join(t.TempDir(), "test.couch"))
	require.Nil(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAppendPreadRoundtrip(t *testing.T) {
	f := newTestFile(t)

	small := []byte("hello")
	ptr1, _, err := f.AppendBinary(small)
	require.Nil(t, err)

	// large enough to cross several block boundaries
	large := bytes.Repeat([]byte{0xab, 0xcd, 0x01}, 5000)
	ptr2, _, err := f.AppendBinary(large)
	require.Nil(t, err)

	got1, err := f.PreadBinary(ptr1)
	require.Nil(t, err)
	assert.Equal(t, small, got1)

	got2, err := f.PreadBinary(ptr2)
	require.Nil(t, err)
	assert.Equal(t, large, got2)
}

func TestAppendTermRoundtrip(t *testing.T) {
	f := newTestFile(t)

	type record struct {
		Name string
		N    int64
	}
	in := record{Name: "doc", N: 42}
	ptr, _, err := f.AppendTerm(&in)
	require.Nil(t, err)

	var out record
	require.Nil(t, f.PreadTerm(ptr, &out))
	assert.Equal(t, in, out)
}

func TestManyChunksSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.couch")
	f, err := Create(path)
	require.Nil(t, err)

	var ptrs []int64
	var payloads [][]byte
	for i := 0; i < 200; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 37*(i+1)%512+1)
		ptr, _, err := f.AppendBinary(payload)
		require.Nil(t, err)
		ptrs = append(ptrs, ptr)
		payloads = append(payloads, payload)
	}
	require.Nil(t, f.Sync())
	require.Nil(t, f.Close())

	f2, err := Open(path)
	require.Nil(t, err)
	defer f2.Close()
	for i, ptr := range ptrs {
		got, err := f2.PreadBinary(ptr)
		require.Nil(t, err)
		assert.Equal(t, payloads[i], got)
	}
}

func TestHeaderLatestWins(t *testing.T) {
	f := newTestFile(t)

	require.Nil(t, f.WriteHeader([]byte("header-1")))
	_, _, err := f.AppendBinary([]byte("some data in between"))
	require.Nil(t, err)
	require.Nil(t, f.WriteHeader([]byte("header-2")))

	got, err := f.ReadHeader()
	require.Nil(t, err)
	assert.Equal(t, []byte("header-2"), got)
}

func TestHeaderAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.couch")
	f, err := Create(path)
	require.Nil(t, err)
	require.Nil(t, f.WriteHeader([]byte("durable")))
	require.Nil(t, f.Sync())
	require.Nil(t, f.Close())

	f2, err := Open(path)
	require.Nil(t, err)
	defer f2.Close()
	got, err := f2.ReadHeader()
	require.Nil(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestCorruptHeaderFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.couch")
	f, err := Create(path)
	require.Nil(t, err)
	require.Nil(t, f.WriteHeader([]byte("good header")))

	secondAt := f.Size()
	if rem := secondAt % blockSize; rem != 0 {
		secondAt += blockSize - rem
	}
	require.Nil(t, f.WriteHeader([]byte("torn header")))
	require.Nil(t, f.Close())

	// flip a byte inside the second header's frame
	raw, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.Nil(t, err)
	_, err = raw.WriteAt([]byte{0xff}, secondAt+3)
	require.Nil(t, err)
	require.Nil(t, raw.Close())

	f2, err := Open(path)
	require.Nil(t, err)
	defer f2.Close()
	got, err := f2.ReadHeader()
	require.Nil(t, err)
	assert.Equal(t, []byte("good header"), got)
}

func TestNoValidHeader(t *testing.T) {
	f := newTestFile(t)
	_, _, err := f.AppendBinary([]byte("data only"))
	require.Nil(t, err)

	_, err = f.ReadHeader()
	assert.ErrorIs(t, err, ErrNoValidHeader)
}

func TestCorruptChunkDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.couch")
	f, err := Create(path)
	require.Nil(t, err)
	ptr, _, err := f.AppendBinary([]byte("checksummed payload"))
	require.Nil(t, err)
	require.Nil(t, f.Close())

	raw, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.Nil(t, err)
	// the payload starts 8 logical bytes after ptr; flip one byte
	_, err = raw.WriteAt([]byte{0x00}, ptr+10)
	require.Nil(t, err)
	require.Nil(t, raw.Close())

	f2, err := Open(path)
	require.Nil(t, err)
	defer f2.Close()
	_, err = f2.PreadBinary(ptr)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCopyChunk(t *testing.T) {
	dir := t.TempDir()
	src, err := Create(filepath.Join(dir, "src.couch"))
	require.Nil(t, err)
	defer src.Close()
	dst, err := Create(filepath.Join(dir, "dst.couch"))
	require.Nil(t, err)
	defer dst.Close()

	payload := bytes.Repeat([]byte("att"), 4000)
	ptr, _, err := src.AppendBinary(payload)
	require.Nil(t, err)

	newPtr, n, err := CopyChunk(src, ptr, dst)
	require.Nil(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := dst.PreadBinary(newPtr)
	require.Nil(t, err)
	assert.Equal(t, payload, got)
}

func TestRenameKeepsHandleValid(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(filepath.Join(dir, "a.couch"))
	require.Nil(t, err)
	defer f.Close()

	ptr, _, err := f.AppendBinary([]byte("payload"))
	require.Nil(t, err)
	require.Nil(t, f.Rename(filepath.Join(dir, "b.couch")))

	got, err := f.PreadBinary(ptr)
	require.Nil(t, err)
	assert.Equal(t, []byte("payload"), got)
	_, err = os.Stat(filepath.Join(dir, "a.couch"))
	assert.True(t, os.IsNotExist(err))
}
