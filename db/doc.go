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
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chinnucsk/libcouch/couchfile"
	"github.com/chinnucsk/libcouch/keytree"
)

// DesignDocPrefix marks documents that carry design metadata; updates to
// them are published on a dedicated notifier channel.
const DesignDocPrefix = "_design/"

// LocalDocPrefix marks non-replicated documents stored by value in the
// local tree.
const LocalDocPrefix = "_local/"

// Rev is one revision of a document: its position in the edit history and
// its id.
type Rev struct {
	Pos int
	ID  string
}

// RevPath is the revision ancestry a document update carries: the position
// of the first id, then ids newest first.
type RevPath struct {
	Start int
	IDs   []string
}

// Attachment references binary data already appended to a database file.
// The File field is checked against the live file during flush; a mismatch
// after a compaction swap bounces the batch back to the client.
type Attachment struct {
	Name string
	Ptr  int64
	Len  int64
	File *couchfile.File
}

// Doc is one incoming document update.
type Doc struct {
	ID      string
	Revs    RevPath
	Deleted bool
	Body    []byte
	Atts    []Attachment
}

// IsDesign reports whether the doc id carries the design prefix.
func (d *Doc) IsDesign() bool { return strings.HasPrefix(d.ID, DesignDocPrefix) }

// IsLocal reports whether the doc id carries the local prefix.
func (d *Doc) IsLocal() bool { return strings.HasPrefix(d.ID, LocalDocPrefix) }

// leaf is the on-disk value of a flushed revision. Size < 0 means the size
// was not recorded (entry predates size tracking).
type leaf struct {
	Deleted bool
	Ptr     int64
	Seq     uint64
	Size    int64
}

// PreferOver makes flushed leaves win the value merge against unflushed
// rewrites of the same revision, so re-applying an identical update does
// not change the tree.
func (l *leaf) PreferOver(other interface{}) bool { return true }

// summary is the chunk appended to the file for one revision body.
type summary struct {
	Body []byte    `msgpack:"b"`
	Atts []attSpec `msgpack:"a,omitempty"`
}

type attSpec struct {
	Name string `msgpack:"n"`
	Ptr  int64  `msgpack:"p"`
	Len  int64  `msgpack:"l"`
}

// FullDocInfo is the by-id record of one document: its revision tree plus
// aggregates.
type FullDocInfo struct {
	ID        string
	UpdateSeq uint64
	Deleted   bool
	RevTree   keytree.Tree
	LeafsSize int64 // < 0 when any leaf size is unknown
}

// RevInfo is one leaf's projection into the by-seq index.
type RevInfo struct {
	Rev     Rev
	Seq     uint64
	Ptr     int64
	Deleted bool
}

// DocInfo is the by-seq record of one document.
type DocInfo struct {
	ID      string
	HighSeq uint64
	Revs    []RevInfo
}

// WinningRev returns the leaf that represents the document: the
// non-deleted leaf with the highest position, falling back to the deepest
// deleted leaf.
func (fdi *FullDocInfo) WinningRev() *RevInfo {
	di := fdi.toDocInfo()
	if len(di.Revs) == 0 {
		return nil
	}
	return &di.Revs[0]
}

// toDocInfo projects the rev tree into the by-seq form, winner first.
func (fdi *FullDocInfo) toDocInfo() *DocInfo {
	leafs := keytree.GetAllLeafs(fdi.RevTree)
	revs := make([]RevInfo, 0, len(leafs))
	for _, lp := range leafs {
		ri := RevInfo{Rev: Rev{Pos: lp.Pos, ID: lp.Revs[0]}}
		if l, ok := lp.Val.(*leaf); ok {
			ri.Seq = l.Seq
			ri.Ptr = l.Ptr
			ri.Deleted = l.Deleted
		}
		revs = append(revs, ri)
	}
	sort.Slice(revs, func(i, j int) bool {
		if revs[i].Deleted != revs[j].Deleted {
			return !revs[i].Deleted
		}
		if revs[i].Rev.Pos != revs[j].Rev.Pos {
			return revs[i].Rev.Pos > revs[j].Rev.Pos
		}
		return revs[i].Rev.ID > revs[j].Rev.ID
	})
	return &DocInfo{ID: fdi.ID, HighSeq: fdi.UpdateSeq, Revs: revs}
}

// leafsSize sums the sizes of all leaves, returning -1 when any leaf
// predates size tracking.
func (fdi *FullDocInfo) leafsSize() int64 {
	var total int64
	for _, lp := range keytree.GetAllLeafs(fdi.RevTree) {
		l, ok := lp.Val.(*leaf)
		if !ok {
			continue
		}
		if l.Size < 0 {
			return -1
		}
		total += l.Size
	}
	return total
}

// docToPath converts a doc's revision ancestry into a linear keytree path:
// the branch starts at the oldest carried ancestor and ends at the new
// revision, which holds the unflushed doc as its value.
func docToPath(doc *Doc) (int, *keytree.Node) {
	var child *keytree.Node
	for i, rev := range doc.Revs.IDs {
		n := &keytree.Node{Rev: rev}
		if i == 0 {
			n.Val = doc
		} else {
			n.Val = keytree.Missing
		}
		if child != nil {
			n.Children = []*keytree.Node{child}
		}
		child = n
	}
	return doc.Revs.Start - len(doc.Revs.IDs) + 1, child
}

// newRevID derives a deterministic revision id for doc as a child of
// (prevPos, prevRev).
func newRevID(doc *Doc, prevPos int, prevRev string) string {
	names := make([]string, len(doc.Atts))
	for i, att := range doc.Atts {
		names[i] = att.Name
	}
	term, _ := msgpack.Marshal([]interface{}{doc.Deleted, prevPos, prevRev, doc.Body, names})
	sum := md5.Sum(term)
	return hex.EncodeToString(sum[:])
}

// groupAlikeDocs sorts docs by id (stable, so per-client order within an
// id survives) and groups runs of the same id.
func groupAlikeDocs(updates []docUpdate) [][]docUpdate {
	sorted := make([]docUpdate, len(updates))
	copy(sorted, updates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].doc.ID < sorted[j].doc.ID
	})
	var groups [][]docUpdate
	for _, du := range sorted {
		if n := len(groups); n > 0 && groups[n-1][0].doc.ID == du.doc.ID {
			groups[n-1] = append(groups[n-1], du)
			continue
		}
		groups = append(groups, []docUpdate{du})
	}
	return groups
}
