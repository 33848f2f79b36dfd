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
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/couchfile"
)

// FsyncOptions selects which fsync points are honored. The zero value
// disables all of them; DefaultFsyncOptions enables all three.
type FsyncOptions struct {
	BeforeHeader bool
	AfterHeader  bool
	OnFileOpen   bool
}

// DefaultFsyncOptions mirrors the shipped configuration default.
var DefaultFsyncOptions = FsyncOptions{BeforeHeader: true, AfterHeader: true, OnFileOpen: true}

// CompactionConfig sizes the compactor's copy batches.
type CompactionConfig struct {
	// DocBufferSize is the number of buffered by-seq entry bytes that
	// triggers a copy flush.
	DocBufferSize int
	// CheckpointAfter is the number of copied bytes after which the
	// target header is committed.
	CheckpointAfter int
}

// DefaultCompactionConfig mirrors the shipped configuration defaults.
var DefaultCompactionConfig = CompactionConfig{
	DocBufferSize:   524288,
	CheckpointAfter: 524288 * 10,
}

// Database is the state owned by the updater actor. Snapshots handed to
// readers share the file handle and pin the tree roots of the moment they
// were taken; the actor never mutates a snapshot.
type Database struct {
	name string
	path string
	file *couchfile.File

	hdr       header
	idTree    *btree.Tree
	seqTree   *btree.Tree
	localTree *btree.Tree

	updateSeq          uint64
	committedUpdateSeq uint64
	purgeSeq           uint64
	revsLimit          int

	security    []byte
	securityPtr int64

	instanceStartTime int64
	fsync             FsyncOptions
}

// initDB assembles a Database from a file and a decoded header.
func initDB(name, path string, file *couchfile.File, hdr header, fsync FsyncOptions) (*Database, error) {
	d := &Database{
		name:               name,
		path:               path,
		file:               file,
		hdr:                hdr,
		updateSeq:          hdr.UpdateSeq,
		committedUpdateSeq: hdr.UpdateSeq,
		purgeSeq:           hdr.PurgeSeq,
		revsLimit:          hdr.RevsLimit,
		securityPtr:        hdr.SecurityPtr,
		instanceStartTime:  time.Now().UnixMicro(),
		fsync:              fsync,
	}
	d.idTree = btree.Open(file, hdr.IDState, btree.WithReduce(byIDReduce))
	d.seqTree = btree.Open(file, hdr.SeqState, btree.WithReduce(bySeqReduce))
	d.localTree = btree.Open(file, hdr.LocalState)
	if hdr.SecurityPtr != ptrNone {
		if err := file.PreadTerm(hdr.SecurityPtr, &d.security); err != nil {
			return nil, errors.Wrap(err, "read security blob")
		}
	}
	return d, nil
}

// makeHeader derives the would-be header from the current state.
func (d *Database) makeHeader() header {
	h := d.hdr
	h.DiskVersion = diskVersionCurrent
	h.UpdateSeq = d.updateSeq
	h.PurgeSeq = d.purgeSeq
	h.IDState = d.idTree.State()
	h.SeqState = d.seqTree.State()
	h.LocalState = d.localTree.State()
	h.SecurityPtr = d.securityPtr
	h.RevsLimit = d.revsLimit
	return h
}

// snapshot returns a read-only copy pinned to the current tree roots.
func (d *Database) snapshot() *Database {
	cp := *d
	cp.idTree = d.idTree.Snapshot()
	cp.seqTree = d.seqTree.Snapshot()
	cp.localTree = d.localTree.Snapshot()
	return &cp
}

// Name returns the database name the updater was opened with.
func (d *Database) Name() string { return d.name }

// UpdateSeq returns the in-memory update sequence.
func (d *Database) UpdateSeq() uint64 { return d.updateSeq }

// CommittedUpdateSeq returns the largest sequence durably recorded in the
// last written header.
func (d *Database) CommittedUpdateSeq() uint64 { return d.committedUpdateSeq }

// PurgeSeq returns the purge sequence.
func (d *Database) PurgeSeq() uint64 { return d.purgeSeq }

// RevsLimit returns the maximum retained revision-tree depth.
func (d *Database) RevsLimit() int { return d.revsLimit }

// InstanceStartTime returns the microsecond timestamp taken when this
// database instance was opened. Clients compare it across calls to detect
// restarts.
func (d *Database) InstanceStartTime() int64 { return d.instanceStartTime }

// UUID returns the identity carried in the header.
func (d *Database) UUID() string { return d.hdr.UUID }

// Security returns the opaque security blob.
func (d *Database) Security() []byte { return d.security }

// DocCounts returns the number of live and deleted documents, and the
// total leaf size (sizeKnown false while legacy entries remain).
func (d *Database) DocCounts() (notDeleted, deleted uint64, size int64, sizeKnown bool, err error) {
	red, err := d.idTree.FullReduce()
	if err != nil {
		return 0, 0, 0, false, err
	}
	r, err := decodeByIDReduction(red)
	if err != nil {
		return 0, 0, 0, false, err
	}
	return r.NotDeleted, r.Deleted, r.Size, r.Size >= 0, nil
}

// SeqCount returns the number of by-seq entries.
func (d *Database) SeqCount() (uint64, error) {
	red, err := d.seqTree.FullReduce()
	if err != nil {
		return 0, err
	}
	return decodeBySeqReduction(red)
}

// OpenDoc returns the full-doc-info for id, or found=false.
func (d *Database) OpenDoc(id string) (*FullDocInfo, bool, error) {
	res, err := d.idTree.Lookup([][]byte{[]byte(id)})
	if err != nil {
		return nil, false, err
	}
	if !res[0].Found {
		return nil, false, nil
	}
	fdi, err := byIDJoin(res[0].Key, res[0].Value)
	return fdi, err == nil, err
}

// ReadBody reads back the body stored for a revision leaf pointer.
func (d *Database) ReadBody(ptr int64) ([]byte, error) {
	body, _, err := d.OpenDocBody(ptr)
	return body, err
}

// OpenDocBody reads the body and attachment references stored for a
// revision leaf pointer.
func (d *Database) OpenDocBody(ptr int64) ([]byte, []Attachment, error) {
	var s summary
	if err := d.file.PreadTerm(ptr, &s); err != nil {
		return nil, nil, errors.Wrap(err, "read document summary")
	}
	atts := make([]Attachment, len(s.Atts))
	for i, a := range s.Atts {
		atts[i] = Attachment{Name: a.Name, Ptr: a.Ptr, Len: a.Len, File: d.file}
	}
	return s.Body, atts, nil
}

// Changes folds the by-seq index starting after since. Returning stop=true
// ends the fold.
func (d *Database) Changes(since uint64, fn func(*DocInfo) (stop bool, err error)) error {
	return d.seqTree.Foldl(func(kv btree.KV) (bool, error) {
		di, err := bySeqJoin(kv.Key, kv.Value)
		if err != nil {
			return false, err
		}
		return fn(di)
	}, btree.WithStartKey(seqKey(since+1)))
}

// OpenLocalDoc returns a local document's revision number and body.
func (d *Database) OpenLocalDoc(id string) (rev uint64, body []byte, found bool, err error) {
	res, err := d.localTree.Lookup([][]byte{[]byte(id)})
	if err != nil || !res[0].Found {
		return 0, nil, false, err
	}
	var rec localRecord
	if err := decodeLocalRecord(res[0].Value, &rec); err != nil {
		return 0, nil, false, err
	}
	return rec.Rev, rec.Body, true, nil
}

// AddAttachment appends attachment data to this snapshot's file and
// returns the reference to embed in a Doc. The write pipeline verifies the
// file is still the live one at flush time.
func (d *Database) AddAttachment(name string, data []byte) (Attachment, error) {
	ptr, _, err := d.file.AppendBinary(data)
	if err != nil {
		return Attachment{}, errors.Wrap(err, "append attachment")
	}
	return Attachment{Name: name, Ptr: ptr, Len: int64(len(data)), File: d.file}, nil
}

// openDatabaseFile opens or creates the database file and loads (or
// writes) its header. The stale compaction sibling, if any, is removed.
func openDatabaseFile(path string, create bool, fsync FsyncOptions) (*couchfile.File, header, error) {
	_ = os.Remove(path + compactSuffix)

	var file *couchfile.File
	var err error
	if create {
		file, err = couchfile.Create(path)
	} else {
		file, err = couchfile.Open(path)
	}
	if err != nil {
		return nil, header{}, err
	}

	hdr, err := readOrCreateHeader(file, create)
	if err != nil {
		file.Close()
		return nil, header{}, err
	}
	if fsync.OnFileOpen {
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, header{}, err
		}
	}
	return file, hdr, nil
}

func readOrCreateHeader(file *couchfile.File, create bool) (header, error) {
	if !create {
		data, err := file.ReadHeader()
		if err == nil {
			return decodeHeader(data)
		}
		if !errors.Is(err, couchfile.ErrNoValidHeader) {
			return header{}, err
		}
	}
	hdr := newHeader()
	data, err := hdr.encode()
	if err != nil {
		return header{}, err
	}
	if err := file.WriteHeader(data); err != nil {
		return header{}, err
	}
	return hdr, nil
}

type localRecord struct {
	Rev  uint64 `msgpack:"r"`
	Body []byte `msgpack:"b"`
}

func encodeLocalRecord(rec *localRecord) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func decodeLocalRecord(data []byte, rec *localRecord) error {
	return errors.Wrap(msgpack.Unmarshal(data, rec), "decode local doc record")
}

func formatLocalRev(rev uint64) string {
	return strconv.FormatUint(rev, 10)
}

func parseLocalRev(s string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}
