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

package db

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chinnucsk/libcouch/btree"
)

// Disk versions 1-3 predate the current tree layout and are rejected.
// Version 4 lacks the security pointer, version 5 lacks the instance
// UUID; both are upgraded in memory by padding defaults.
const (
	diskVersionCurrent = 6
	diskVersionOldest  = 4
)

// ErrDiskVersion is returned at open when the header carries an
// unsupported disk version.
var ErrDiskVersion = errors.New("db: unsupported database disk version")

// DefaultRevsLimit caps the depth of every revision tree.
const DefaultRevsLimit = 1000

const ptrNone = int64(-1)

// header mirrors the on-disk pointer-to-head record. It is encoded as a
// fixed-order array so older, shorter records upgrade by padding.
type header struct {
	DiskVersion   int
	UpdateSeq     uint64
	PurgeSeq      uint64
	PurgedDocsPtr int64
	IDState       *btree.NodeState
	SeqState      *btree.NodeState
	LocalState    *btree.NodeState
	SecurityPtr   int64
	RevsLimit     int
	UUID          string
}

func newHeader() header {
	return header{
		DiskVersion:   diskVersionCurrent,
		PurgedDocsPtr: ptrNone,
		SecurityPtr:   ptrNone,
		RevsLimit:     DefaultRevsLimit,
		UUID:          uuid.NewString(),
	}
}

func (h *header) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(10); err != nil {
		return nil, err
	}
	steps := []func() error{
		func() error { return enc.EncodeInt(int64(h.DiskVersion)) },
		func() error { return enc.EncodeUint64(h.UpdateSeq) },
		func() error { return enc.EncodeUint64(h.PurgeSeq) },
		func() error { return enc.EncodeInt64(h.PurgedDocsPtr) },
		func() error { return enc.Encode(h.IDState) },
		func() error { return enc.Encode(h.SeqState) },
		func() error { return enc.Encode(h.LocalState) },
		func() error { return enc.EncodeInt64(h.SecurityPtr) },
		func() error { return enc.EncodeInt(int64(h.RevsLimit)) },
		func() error { return enc.EncodeString(h.UUID) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, errors.Wrap(err, "encode header")
		}
	}
	return buf.Bytes(), nil
}

// decodeHeader parses a header record, upgrading legacy widths in memory.
// The caller persists the upgraded form on the next commit.
func decodeHeader(data []byte) (header, error) {
	h := header{PurgedDocsPtr: ptrNone, SecurityPtr: ptrNone, RevsLimit: DefaultRevsLimit}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return h, errors.Wrap(err, "decode header")
	}
	fields := []func() error{
		func() error {
			v, err := dec.DecodeInt()
			h.DiskVersion = v
			return err
		},
		func() error {
			v, err := dec.DecodeUint64()
			h.UpdateSeq = v
			return err
		},
		func() error {
			v, err := dec.DecodeUint64()
			h.PurgeSeq = v
			return err
		},
		func() error {
			v, err := dec.DecodeInt64()
			h.PurgedDocsPtr = v
			return err
		},
		func() error { return dec.Decode(&h.IDState) },
		func() error { return dec.Decode(&h.SeqState) },
		func() error { return dec.Decode(&h.LocalState) },
		func() error {
			v, err := dec.DecodeInt64()
			h.SecurityPtr = v
			return err
		},
		func() error {
			v, err := dec.DecodeInt()
			h.RevsLimit = v
			return err
		},
		func() error {
			v, err := dec.DecodeString()
			h.UUID = v
			return err
		},
	}
	if n > len(fields) {
		n = len(fields)
	}
	for i := 0; i < n; i++ {
		if err := fields[i](); err != nil {
			return h, errors.Wrapf(err, "decode header field %d", i)
		}
	}
	if h.DiskVersion < diskVersionOldest || h.DiskVersion > diskVersionCurrent {
		return h, errors.Wrapf(ErrDiskVersion, "disk version %d", h.DiskVersion)
	}
	// the upgraded record is current-width from here on
	h.DiskVersion = diskVersionCurrent
	if h.UUID == "" {
		h.UUID = uuid.NewString()
	}
	return h, nil
}
