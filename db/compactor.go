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
	"context"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/couchfile"
	"github.com/chinnucsk/libcouch/keytree"
)

const compactSuffix = ".compact"

// compactor is the handle the updater keeps on a running compaction task.
type compactor struct {
	cancel     context.CancelFunc
	done       chan struct{}
	targetPath string
}

// startCompactor spawns the copy task against a snapshot of the current
// state. The task communicates back with exactly one terminal message.
func (u *Updater) startCompactor() *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	c := &compactor{
		cancel:     cancel,
		done:       make(chan struct{}),
		targetPath: u.db.path + compactSuffix,
	}
	src := u.db.snapshot()
	cfg := u.compactionCfg

	u.metrics.compactionStarted()
	go func() {
		defer close(c.done)
		err := u.runCompact(ctx, src, c.targetPath, cfg)
		switch {
		case err == nil:
			u.enqueue(compactDoneMsg{from: c, path: c.targetPath})
		case errors.Is(err, context.Canceled):
			// cancelled by the updater, which owns the cleanup
		default:
			u.enqueue(compactErrMsg{from: c, err: err})
		}
	}()
	return c
}

// runCompact copies live state into the sibling file, checkpointing as it
// goes, then commits the target header at the sequence the fold started
// from.
func (u *Updater) runCompact(ctx context.Context, src *Database, targetPath string, cfg CompactionConfig) error {
	target, retry, err := u.openCompactTarget(src, targetPath)
	if err != nil {
		return err
	}
	defer target.file.Close()

	log := u.logger.WithField("action", "db_compact").
		WithField("database", src.name)
	log.WithField("retry", retry).
		WithField("start_seq", target.updateSeq).
		Info("compaction pass starting")

	// carry the purge marker so the target agrees about what was purged
	if src.purgeSeq > 0 {
		pl, err := src.lastPurged()
		if err != nil {
			return err
		}
		ptr, _, err := target.file.AppendTerm(pl)
		if err != nil {
			return errors.Wrap(err, "carry purged list")
		}
		target.hdr.PurgedDocsPtr = ptr
		target.purgeSeq = src.purgeSeq
	}

	srcSeqStart := src.updateSeq
	var buffered []*DocInfo
	bufSize := 0
	var sinceCheckpoint int64

	flushBuffer := func() error {
		if len(buffered) == 0 {
			return nil
		}
		n, err := u.copyDocs(src, target, buffered, retry)
		if err != nil {
			return err
		}
		target.updateSeq = buffered[len(buffered)-1].HighSeq
		buffered = nil
		bufSize = 0
		sinceCheckpoint += n
		u.metrics.compactionCopied(n)
		if sinceCheckpoint >= int64(cfg.CheckpointAfter) {
			sinceCheckpoint = 0
			return commitTarget(target)
		}
		return nil
	}

	err = src.seqTree.Foldl(func(kv btree.KV) (bool, error) {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		di, err := bySeqJoin(kv.Key, kv.Value)
		if err != nil {
			return false, err
		}
		buffered = append(buffered, di)
		bufSize += len(kv.Value)
		if bufSize >= cfg.DocBufferSize {
			return false, flushBuffer()
		}
		return false, nil
	}, btree.WithStartKey(seqKey(target.updateSeq+1)))
	if err != nil {
		return err
	}
	if err := flushBuffer(); err != nil {
		return err
	}

	if !bytes.Equal(target.security, src.security) {
		if len(src.security) > 0 {
			ptr, _, err := target.file.AppendTerm(src.security)
			if err != nil {
				return errors.Wrap(err, "copy security blob")
			}
			target.securityPtr = ptr
		} else {
			target.securityPtr = ptrNone
		}
		target.security = src.security
	}

	target.updateSeq = srcSeqStart
	if err := commitTarget(target); err != nil {
		return err
	}
	log.WithField("end_seq", srcSeqStart).Info("compaction pass finished")
	return nil
}

// openCompactTarget reuses a valid sibling file from an earlier pass
// (retry=true, the copy resumes past its update seq) or creates a fresh
// one.
func (u *Updater) openCompactTarget(src *Database, path string) (*Database, bool, error) {
	if file, err := couchfile.Open(path); err == nil {
		if data, err := file.ReadHeader(); err == nil {
			if hdr, err := decodeHeader(data); err == nil {
				target, err := initDB(src.name, path, file, hdr, src.fsync)
				if err == nil {
					return target, true, nil
				}
			}
		}
		file.Close()
		_ = os.Remove(path)
	}

	file, err := couchfile.Create(path)
	if err != nil {
		return nil, false, err
	}
	hdr := newHeader()
	data, err := hdr.encode()
	if err != nil {
		file.Close()
		return nil, false, err
	}
	if err := file.WriteHeader(data); err != nil {
		file.Close()
		return nil, false, err
	}
	target, err := initDB(src.name, path, file, hdr, src.fsync)
	if err != nil {
		file.Close()
		return nil, false, err
	}
	return target, false, nil
}

// copyDocs rewrites one buffer of documents into the target: bodies and
// attachments are copied chunk by chunk, interior revisions lose their
// bodies, and trees are stemmed to the current limit.
func (u *Updater) copyDocs(src, target *Database, infos []*DocInfo, retry bool) (int64, error) {
	// a doc edited twice since the last pass appears once per seq entry;
	// keep only one copy per id
	sorted := make([]*DocInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	deduped := sorted[:0]
	for _, di := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].ID == di.ID {
			continue
		}
		deduped = append(deduped, di)
	}

	keys := make([][]byte, len(deduped))
	for i, di := range deduped {
		keys[i] = []byte(di.ID)
	}
	lookups, err := src.idTree.Lookup(keys)
	if err != nil {
		return 0, errors.Wrap(err, "lookup full infos")
	}

	var removeSeqs [][]byte
	if retry {
		oldTarget, err := target.idTree.Lookup(keys)
		if err != nil {
			return 0, errors.Wrap(err, "lookup target infos")
		}
		for _, res := range oldTarget {
			if !res.Found {
				continue
			}
			fdi, err := byIDJoin(res.Key, res.Value)
			if err != nil {
				return 0, err
			}
			removeSeqs = append(removeSeqs, seqKey(fdi.UpdateSeq))
		}
	}

	var copied int64
	var idKVs, seqKVs []btree.KV
	for _, res := range lookups {
		if !res.Found {
			continue
		}
		fdi, err := byIDJoin(res.Key, res.Value)
		if err != nil {
			return 0, err
		}
		var copyErr error
		newTree := keytree.Map(fdi.RevTree, func(pos int, rev string, val interface{}, isLeaf bool) interface{} {
			if copyErr != nil {
				return val
			}
			l, ok := val.(*leaf)
			if !ok {
				return val
			}
			if !isLeaf {
				return keytree.Missing
			}
			newLeaf, n, err := copyLeaf(src, target, l)
			if err != nil {
				copyErr = err
				return val
			}
			copied += n
			return newLeaf
		})
		if copyErr != nil {
			return 0, copyErr
		}
		fdi.RevTree = keytree.Stem(newTree, src.revsLimit)
		fdi.LeafsSize = fdi.leafsSize()

		idKV, err := byIDSplit(fdi)
		if err != nil {
			return 0, err
		}
		seqKV, err := bySeqSplit(fdi.toDocInfo())
		if err != nil {
			return 0, err
		}
		idKVs = append(idKVs, idKV)
		seqKVs = append(seqKVs, seqKV)
	}

	if err := target.seqTree.AddRemove(seqKVs, removeSeqs); err != nil {
		return 0, errors.Wrap(err, "target by-seq tree")
	}
	if err := target.idTree.AddRemove(idKVs, nil); err != nil {
		return 0, errors.Wrap(err, "target by-id tree")
	}
	return copied, nil
}

// copyLeaf moves one revision body and its attachments into the target
// file, returning the rewritten leaf and the number of bytes copied.
func copyLeaf(src, target *Database, l *leaf) (*leaf, int64, error) {
	var s summary
	if err := src.file.PreadTerm(l.Ptr, &s); err != nil {
		return nil, 0, errors.Wrap(err, "read summary")
	}
	var copied int64
	var attLen int64
	for i, att := range s.Atts {
		newPtr, n, err := couchfile.CopyChunk(src.file, att.Ptr, target.file)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "copy attachment %q", att.Name)
		}
		s.Atts[i].Ptr = newPtr
		copied += n
		attLen += att.Len
	}
	ptr, n, err := target.file.AppendTerm(&s)
	if err != nil {
		return nil, 0, errors.Wrap(err, "append summary")
	}
	copied += n
	return &leaf{Deleted: l.Deleted, Ptr: ptr, Seq: l.Seq, Size: n + attLen}, copied, nil
}

// commitTarget writes the target header, syncing around it the same way
// live commits do.
func commitTarget(target *Database) error {
	hdr := target.makeHeader()
	data, err := hdr.encode()
	if err != nil {
		return err
	}
	if target.fsync.BeforeHeader {
		if err := target.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync target before header")
		}
	}
	if err := target.file.WriteHeader(data); err != nil {
		return err
	}
	if target.fsync.AfterHeader {
		if err := target.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync target after header")
		}
	}
	target.hdr = hdr
	target.committedUpdateSeq = target.updateSeq
	return nil
}
