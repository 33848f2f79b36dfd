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
	"reflect"

	"github.com/pkg/errors"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/keytree"
)

// errRetry signals that a flush raced a compaction swap: an attachment was
// written against the pre-swap file. The batch is bounced back to its
// clients untouched; they resubmit against the new live file.
var errRetry = errors.New("db: write raced a compaction swap")

// processBatch runs the write pipeline for one (possibly coalesced) batch.
func (u *Updater) processBatch(batch *updateBatch) error {
	d := u.db

	// old-state lookup; absent ids become empty infos
	keys := make([][]byte, len(batch.groups))
	for i, g := range batch.groups {
		keys[i] = []byte(g[0].doc.ID)
	}
	lookups, err := d.idTree.Lookup(keys)
	if err != nil {
		return errors.Wrap(err, "lookup old doc infos")
	}
	oldInfos := make([]*FullDocInfo, len(lookups))
	for i, res := range lookups {
		if res.Found {
			fdi, err := byIDJoin(res.Key, res.Value)
			if err != nil {
				return err
			}
			oldInfos[i] = fdi
		} else {
			oldInfos[i] = &FullDocInfo{ID: batch.groups[i][0].doc.ID}
		}
	}

	newInfos, removeSeqs, newSeq := u.mergeRevTrees(batch.mergeConflicts, batch.groups, oldInfos)

	// flush before any tree mutation, so a retry leaves no trace
	for _, info := range newInfos {
		if err := u.flushTree(info); err != nil {
			if errors.Is(err, errRetry) {
				u.logger.WithField("action", "db_write_retry").
					WithField("database", d.name).
					Debug("batch raced a compaction swap, bouncing to clients")
				u.metrics.writeRetried()
				batch.broadcast(writeRetry)
				return nil
			}
			return err
		}
	}

	if err := u.updateLocalDocs(batch.locals); err != nil {
		return err
	}

	// index entries
	var idKVs []btree.KV
	var seqKVs []btree.KV
	var removeSeqKeys [][]byte
	var ddocIDs []string
	for _, info := range newInfos {
		di := info.toDocInfo()
		if w := info.WinningRev(); w != nil {
			info.Deleted = w.Deleted
		}
		info.LeafsSize = info.leafsSize()
		idKV, err := byIDSplit(info)
		if err != nil {
			return err
		}
		seqKV, err := bySeqSplit(di)
		if err != nil {
			return err
		}
		idKVs = append(idKVs, idKV)
		seqKVs = append(seqKVs, seqKV)
		if len(info.ID) >= len(DesignDocPrefix) && info.ID[:len(DesignDocPrefix)] == DesignDocPrefix {
			ddocIDs = append(ddocIDs, info.ID)
		}
	}
	for _, seq := range removeSeqs {
		removeSeqKeys = append(removeSeqKeys, seqKey(seq))
	}

	if err := d.idTree.AddRemove(idKVs, nil); err != nil {
		return errors.Wrap(err, "update by-id tree")
	}
	if err := d.seqTree.AddRemove(seqKVs, removeSeqKeys); err != nil {
		return errors.Wrap(err, "update by-seq tree")
	}

	seqChanged := newSeq != d.updateSeq
	d.updateSeq = newSeq
	u.metrics.addDocsUpdated(len(newInfos))

	if err := u.commitData(!batch.fullCommit); err != nil {
		return err
	}

	u.sink.DBUpdated(d.snapshot())
	if seqChanged {
		u.notifier.Notify(Event{Kind: EventUpdated, Name: d.name})
	}
	batch.broadcast(writeDone)
	for _, id := range ddocIDs {
		u.notifier.Notify(Event{Kind: EventDDocUpdated, Name: d.name, DocID: id})
	}
	return nil
}

// mergeRevTrees folds every group into its old revision tree, sending
// per-doc replies as it classifies each update. Documents whose merge
// leaves the tree unchanged are skipped; every changed document gets the
// next update sequence.
func (u *Updater) mergeRevTrees(mergeConflicts bool, groups [][]docUpdate, oldInfos []*FullDocInfo) ([]*FullDocInfo, []uint64, uint64) {
	d := u.db
	seq := d.updateSeq
	var newInfos []*FullDocInfo
	var removeSeqs []uint64

	for i, group := range groups {
		old := oldInfos[i]
		tree := old.RevTree
		oldDeleted := old.Deleted
		for _, du := range group {
			tree, oldDeleted = u.mergeRevTree(mergeConflicts, du, old, tree, oldDeleted)
		}
		if reflect.DeepEqual(tree, old.RevTree) {
			continue
		}
		seq++
		if old.UpdateSeq > 0 {
			removeSeqs = append(removeSeqs, old.UpdateSeq)
		}
		newInfos = append(newInfos, &FullDocInfo{
			ID:        old.ID,
			UpdateSeq: seq,
			RevTree:   tree,
		})
	}
	return newInfos, removeSeqs, seq
}

func (u *Updater) mergeRevTree(mergeConflicts bool, du docUpdate, old *FullDocInfo,
	tree keytree.Tree, oldDeleted bool,
) (keytree.Tree, bool) {
	doc := du.doc
	limit := u.db.revsLimit
	pos, path := docToPath(doc)
	newTree, conflicts := keytree.Merge(tree, pos, path, limit)
	docRev := Rev{Pos: doc.Revs.Start, ID: doc.Revs.IDs[0]}

	if mergeConflicts {
		du.sendOK(docRev)
		return newTree, doc.Deleted
	}

	switch {
	case conflicts && !oldDeleted:
		du.sendConflict()
		return tree, oldDeleted

	case conflicts && len(doc.Revs.IDs) > 1:
		// the previous revision was specified; accept when it is an
		// actual leaf of the tree
		parentPos, parentRev := doc.Revs.Start-1, doc.Revs.IDs[1]
		if keytree.IsLeaf(tree, parentPos, parentRev) {
			du.sendOK(docRev)
			return newTree, doc.Deleted
		}
		du.sendConflict()
		return tree, oldDeleted

	case conflicts:
		// the old doc is deleted and no parent was specified: the new
		// edit starts a fresh branch beside the deletion
		du.sendOK(docRev)
		return newTree, doc.Deleted

	case reflect.DeepEqual(tree, newTree):
		// saving a rev that has already been edited again
		if doc.Revs.Start == 1 && oldDeleted {
			// recreating a document into a state that existed before:
			// graft the new edit onto the deletion
			w := old.WinningRev()
			recreated := *doc
			newRev := newRevID(&recreated, w.Rev.Pos, w.Rev.ID)
			recreated.Revs = RevPath{Start: w.Rev.Pos + 1, IDs: []string{newRev, w.Rev.ID}}
			rpos, rpath := docToPath(&recreated)
			merged, _ := keytree.Merge(tree, rpos, rpath, limit)
			du.sendOK(Rev{Pos: recreated.Revs.Start, ID: newRev})
			return merged, recreated.Deleted
		}
		du.sendConflict()
		return tree, oldDeleted

	default:
		du.sendOK(docRev)
		return newTree, doc.Deleted
	}
}

// flushTree writes every unflushed revision body of info to the file and
// replaces it with its on-disk leaf tuple.
func (u *Updater) flushTree(info *FullDocInfo) error {
	d := u.db
	var flushErr error
	info.RevTree = keytree.Map(info.RevTree, func(pos int, rev string, val interface{}, isLeaf bool) interface{} {
		if flushErr != nil {
			return val
		}
		doc, ok := val.(*Doc)
		if !ok {
			return val
		}
		var attLen int64
		s := summary{Body: doc.Body}
		for _, att := range doc.Atts {
			if att.File != d.file {
				flushErr = errRetry
				return val
			}
			s.Atts = append(s.Atts, attSpec{Name: att.Name, Ptr: att.Ptr, Len: att.Len})
			attLen += att.Len
		}
		ptr, n, err := d.file.AppendTerm(&s)
		if err != nil {
			flushErr = errors.Wrap(err, "flush document summary")
			return val
		}
		return &leaf{
			Deleted: doc.Deleted,
			Ptr:     ptr,
			Seq:     info.UpdateSeq,
			Size:    n + attLen,
		}
	})
	return flushErr
}

// updateLocalDocs applies non-replicated docs: a plain revision-number
// check, then set or delete by value.
func (u *Updater) updateLocalDocs(locals []docUpdate) error {
	if len(locals) == 0 {
		return nil
	}
	d := u.db
	keys := make([][]byte, len(locals))
	for i, du := range locals {
		keys[i] = []byte(du.doc.ID)
	}
	lookups, err := d.localTree.Lookup(keys)
	if err != nil {
		return errors.Wrap(err, "lookup local docs")
	}

	var inserts []btree.KV
	var removes [][]byte
	for i, du := range locals {
		doc := du.doc
		var storedRev uint64
		if lookups[i].Found {
			var rec localRecord
			if err := decodeLocalRecord(lookups[i].Value, &rec); err != nil {
				return err
			}
			storedRev = rec.Rev
		}
		var prevRev uint64
		okRev := true
		if len(doc.Revs.IDs) > 0 {
			prevRev, okRev = parseLocalRev(doc.Revs.IDs[0])
		}
		if !okRev || prevRev != storedRev {
			du.sendConflict()
			continue
		}
		nextRev := prevRev + 1
		if doc.Deleted {
			removes = append(removes, []byte(doc.ID))
		} else {
			value, err := encodeLocalRecord(&localRecord{Rev: nextRev, Body: doc.Body})
			if err != nil {
				return err
			}
			inserts = append(inserts, btree.KV{Key: []byte(doc.ID), Value: value})
		}
		du.sendOK(Rev{Pos: 0, ID: formatLocalRev(nextRev)})
	}
	return errors.Wrap(d.localTree.AddRemove(inserts, removes), "update local tree")
}
