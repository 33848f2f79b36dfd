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

import "github.com/pkg/errors"

// ErrWriteRetry is returned when a batch carrying attachments raced a
// compaction swap: the attachments were written against the replaced
// file and must be rewritten against the new one before resubmitting.
// Batches without attachments are resubmitted transparently.
var ErrWriteRetry = errors.New("db: write raced a compaction swap, rewrite attachments and resubmit")

// UpdateResult is the per-document outcome of an UpdateDocs call, in the
// order the documents were passed. A document rejected by the conflict
// policy has OK=false and a zero Rev.
type UpdateResult struct {
	OK  bool
	Rev Rev
}

// UpdateOption adjusts one UpdateDocs call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	mergeConflicts bool
	fullCommit     bool
}

// WithMergeConflicts accepts every merge outright, the way replication
// applies remote edits. Documents must carry their full revision paths.
func WithMergeConflicts() UpdateOption {
	return func(o *updateOptions) { o.mergeConflicts = true }
}

// WithFullCommit forces the header out with this batch instead of riding
// the delayed-commit timer.
func WithFullCommit() UpdateOption {
	return func(o *updateOptions) { o.fullCommit = true }
}

// UpdateDocs writes a batch of documents. Interactive updates (the
// default) get a fresh deterministic revision id derived from their stated
// parent; documents whose id carries the local prefix bypass revision
// trees entirely. The call transparently resubmits when the batch races a
// compaction swap.
func (u *Updater) UpdateDocs(docs []*Doc, opts ...UpdateOption) ([]UpdateResult, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	for {
		prepped, locals, err := u.prepDocs(docs, o.mergeConflicts)
		if err != nil {
			return nil, err
		}
		events := make(chan writeEvent, len(docs)+1)
		msg := updateDocsMsg{
			locals:         withEvents(locals, events),
			mergeConflicts: o.mergeConflicts,
			fullCommit:     o.fullCommit,
			events:         events,
		}
		msg.groups = groupAlikeDocs(withEvents(prepped, events))
		if err := u.send(msg); err != nil {
			return nil, err
		}

		results := make([]UpdateResult, len(docs))
		retry := false
	collect:
		for {
			select {
			case ev := <-events:
				switch ev.kind {
				case writeOK:
					results[ev.ref] = UpdateResult{OK: true, Rev: ev.rev}
				case writeConflict:
					results[ev.ref] = UpdateResult{}
				case writeRetry:
					retry = true
					break collect
				case writeDone:
					break collect
				}
			case <-u.loopDone:
				return nil, ErrClosed
			}
		}
		if !retry {
			return results, nil
		}
		for _, doc := range docs {
			if len(doc.Atts) > 0 {
				return nil, ErrWriteRetry
			}
		}
	}
}

type preppedDoc struct {
	doc *Doc
	ref int
}

func withEvents(docs []preppedDoc, events chan<- writeEvent) []docUpdate {
	out := make([]docUpdate, len(docs))
	for i, p := range docs {
		out[i] = docUpdate{doc: p.doc, ref: p.ref, events: events}
	}
	return out
}

// prepDocs splits local docs out and, for interactive updates, assigns
// each document its new revision id. A revisionless update of a document
// whose current state is deleted is grafted onto the deleted winner, so
// recreation extends the old edit history instead of forking beside it.
func (u *Updater) prepDocs(docs []*Doc, mergeConflicts bool) ([]preppedDoc, []preppedDoc, error) {
	var normal, locals []preppedDoc
	var snap *Database

	for i, doc := range docs {
		cp := *doc
		if cp.IsLocal() {
			locals = append(locals, preppedDoc{doc: &cp, ref: i})
			continue
		}
		if !mergeConflicts {
			prevPos := 0
			prevRevs := []string{}
			if len(cp.Revs.IDs) > 0 {
				prevPos = cp.Revs.Start
				prevRevs = cp.Revs.IDs
			} else {
				if snap == nil {
					var err error
					if snap, err = u.DB(); err != nil {
						return nil, nil, err
					}
				}
				old, found, err := snap.OpenDoc(cp.ID)
				if err != nil {
					return nil, nil, err
				}
				if found && old.Deleted {
					if w := old.WinningRev(); w != nil {
						prevPos = w.Rev.Pos
						prevRevs = []string{w.Rev.ID}
					}
				}
			}
			prevRev := ""
			if len(prevRevs) > 0 {
				prevRev = prevRevs[0]
			}
			newRev := newRevID(&cp, prevPos, prevRev)
			cp.Revs = RevPath{Start: prevPos + 1, IDs: append([]string{newRev}, prevRevs...)}
		}
		normal = append(normal, preppedDoc{doc: &cp, ref: i})
	}
	return normal, locals, nil
}
