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
	"github.com/pkg/errors"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/keytree"
)

// ErrPurgeDuringCompaction is the operational refusal returned while a
// compactor is running; the caller retries after hand-off.
var ErrPurgeDuringCompaction = errors.New("db: purge not allowed during compaction")

// PurgeRequest names the revisions to remove from one document.
type PurgeRequest struct {
	ID   string
	Revs []Rev
}

// purgedList is the term appended to the file recording what a purge
// removed; the compactor carries the latest one into its target.
type purgedList []purgedEntry

type purgedEntry struct {
	ID   string   `msgpack:"i"`
	Pos  []int    `msgpack:"p"`
	Revs []string `msgpack:"r"`
}

func toPurgedList(reqs []PurgeRequest) purgedList {
	out := make(purgedList, 0, len(reqs))
	for _, r := range reqs {
		e := purgedEntry{ID: r.ID}
		for _, rev := range r.Revs {
			e.Pos = append(e.Pos, rev.Pos)
			e.Revs = append(e.Revs, rev.ID)
		}
		out = append(out, e)
	}
	return out
}

func (pl purgedList) toRequests() []PurgeRequest {
	out := make([]PurgeRequest, 0, len(pl))
	for _, e := range pl {
		r := PurgeRequest{ID: e.ID}
		for i := range e.Revs {
			r.Revs = append(r.Revs, Rev{Pos: e.Pos[i], ID: e.Revs[i]})
		}
		out = append(out, r)
	}
	return out
}

// purgeDocs irrevocably removes the given (id, rev) pairs, remaps the
// surviving leaves onto fresh sequences, records the purge in the header
// and forces a commit.
func (u *Updater) purgeDocs(reqs []PurgeRequest) (uint64, []PurgeRequest, error) {
	if u.compactor != nil {
		return 0, nil, ErrPurgeDuringCompaction
	}
	d := u.db

	keys := make([][]byte, len(reqs))
	for i, r := range reqs {
		keys[i] = []byte(r.ID)
	}
	lookups, err := d.idTree.Lookup(keys)
	if err != nil {
		return 0, nil, errors.Wrap(err, "lookup purge targets")
	}

	seq := d.updateSeq
	var idInserts []btree.KV
	var idRemoves [][]byte
	var seqInserts []btree.KV
	var seqRemoves [][]byte
	var purged []PurgeRequest

	for i, req := range reqs {
		if !lookups[i].Found {
			continue
		}
		fdi, err := byIDJoin(lookups[i].Key, lookups[i].Value)
		if err != nil {
			return 0, nil, err
		}
		revKeys := make([]keytree.RevKey, len(req.Revs))
		for j, rev := range req.Revs {
			revKeys[j] = keytree.RevKey{Pos: rev.Pos, Rev: rev.ID}
		}
		newTree, removed := keytree.RemoveLeafs(fdi.RevTree, revKeys)
		if len(removed) == 0 {
			continue
		}
		removedRevs := make([]Rev, len(removed))
		for j, rk := range removed {
			removedRevs[j] = Rev{Pos: rk.Pos, ID: rk.Rev}
		}
		purged = append(purged, PurgeRequest{ID: req.ID, Revs: removedRevs})
		seqRemoves = append(seqRemoves, seqKey(fdi.UpdateSeq))

		if len(newTree) == 0 {
			idRemoves = append(idRemoves, []byte(req.ID))
			continue
		}

		// surviving leaves get fresh sequences, strictly increasing in
		// traversal order
		newTree = keytree.MapLeafs(newTree, func(pos int, rev string, val interface{}) interface{} {
			l, ok := val.(*leaf)
			if !ok {
				return val
			}
			seq++
			cp := *l
			cp.Seq = seq
			return &cp
		})
		fdi.RevTree = newTree
		fdi.UpdateSeq = seq
		if w := fdi.WinningRev(); w != nil {
			fdi.Deleted = w.Deleted
		}
		fdi.LeafsSize = fdi.leafsSize()

		idKV, err := byIDSplit(fdi)
		if err != nil {
			return 0, nil, err
		}
		seqKV, err := bySeqSplit(fdi.toDocInfo())
		if err != nil {
			return 0, nil, err
		}
		idInserts = append(idInserts, idKV)
		seqInserts = append(seqInserts, seqKV)
	}

	if len(purged) == 0 {
		return d.purgeSeq, nil, nil
	}

	if err := d.idTree.AddRemove(idInserts, idRemoves); err != nil {
		return 0, nil, errors.Wrap(err, "purge by-id tree")
	}
	if err := d.seqTree.AddRemove(seqInserts, seqRemoves); err != nil {
		return 0, nil, errors.Wrap(err, "purge by-seq tree")
	}
	d.updateSeq = seq

	ptr, _, err := d.file.AppendTerm(toPurgedList(purged))
	if err != nil {
		return 0, nil, errors.Wrap(err, "append purged list")
	}
	d.hdr.PurgedDocsPtr = ptr
	d.purgeSeq++

	if err := u.commitData(false); err != nil {
		return 0, nil, err
	}
	u.metrics.purged()
	u.sink.DBUpdated(d.snapshot())
	u.notifier.Notify(Event{Kind: EventUpdated, Name: d.name})
	return d.purgeSeq, purged, nil
}

// lastPurged reads back the most recent purged list, if any.
func (d *Database) lastPurged() (purgedList, error) {
	if d.hdr.PurgedDocsPtr == ptrNone {
		return nil, nil
	}
	var pl purgedList
	if err := d.file.PreadTerm(d.hdr.PurgedDocsPtr, &pl); err != nil {
		return nil, errors.Wrap(err, "read purged list")
	}
	return pl, nil
}
