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

// writeEvent is a per-batch message back to the submitting client.
type writeEvent struct {
	kind writeEventKind
	ref  int
	rev  Rev
}

type writeEventKind int

const (
	writeOK writeEventKind = iota
	writeConflict
	writeRetry
	writeDone
)

// docUpdate ties one incoming doc to its client and correlation ref.
type docUpdate struct {
	doc    *Doc
	ref    int
	events chan<- writeEvent
}

func (du docUpdate) sendOK(rev Rev) {
	du.events <- writeEvent{kind: writeOK, ref: du.ref, rev: rev}
}

func (du docUpdate) sendConflict() {
	du.events <- writeEvent{kind: writeConflict, ref: du.ref}
}

// updateBatch is one unit of work for the write pipeline: possibly several
// coalesced client batches.
type updateBatch struct {
	groups         [][]docUpdate
	locals         []docUpdate
	mergeConflicts bool
	fullCommit     bool
	clients        []chan<- writeEvent
}

// coalescible reports whether another incoming batch may be merged into
// this one: local docs force a batch of their own, and the conflict mode
// must match.
func (b *updateBatch) coalescible(other *updateBatch) bool {
	return len(b.locals) == 0 && len(other.locals) == 0 &&
		b.mergeConflicts == other.mergeConflicts
}

// merge folds another batch into this one. Grouped lists are id-sorted on
// both sides; runs with the same id are concatenated (this batch's docs
// first), otherwise the smaller id is emitted first. Full-commit flags are
// ORed. This is purely an optimization: outcomes must match processing the
// batches back to back.
func (b *updateBatch) merge(other *updateBatch) {
	b.groups = mergeDocGroups(b.groups, other.groups)
	b.fullCommit = b.fullCommit || other.fullCommit
	b.clients = append(b.clients, other.clients...)
}

func mergeDocGroups(a, b [][]docUpdate) [][]docUpdate {
	out := make([][]docUpdate, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		idA, idB := a[i][0].doc.ID, b[j][0].doc.ID
		switch {
		case idA == idB:
			out = append(out, append(a[i], b[j]...))
			i++
			j++
		case idA < idB:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// broadcast sends ev to every client in the batch.
func (b *updateBatch) broadcast(kind writeEventKind) {
	for _, c := range b.clients {
		c <- writeEvent{kind: kind}
	}
}
