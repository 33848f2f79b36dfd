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
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/keytree"
)

// The index codec projects document metadata into the two B+-tree entry
// forms: by-id entries carry the whole revision tree (leaf values
// normalized to their on-disk tuple), by-seq entries carry only leaf
// metadata split into non-deleted and deleted lists.
//
// Two leaf tuple widths exist on disk. Entries written before size
// tracking hold three elements; everything written today holds four.
// The decoder accepts both and marks legacy sizes as unknown, which the
// reductions propagate as a null total until a compaction rewrites the
// entries.

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func decodeSeqKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// --- by-id entries ---

func byIDSplit(fdi *FullDocInfo) (btree.KV, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return btree.KV{}, err
	}
	if err := enc.EncodeUint64(fdi.UpdateSeq); err != nil {
		return btree.KV{}, err
	}
	if err := enc.EncodeBool(fdi.Deleted); err != nil {
		return btree.KV{}, err
	}
	if err := encodeDiskTree(enc, fdi.RevTree); err != nil {
		return btree.KV{}, err
	}
	return btree.KV{Key: []byte(fdi.ID), Value: buf.Bytes()}, nil
}

func byIDJoin(key, value []byte) (*FullDocInfo, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(value))
	n, err := dec.DecodeArrayLen()
	if err != nil || n != 3 {
		return nil, errors.Wrap(errOrShape(err, n, 3), "decode by-id entry")
	}
	fdi := &FullDocInfo{ID: string(key)}
	if fdi.UpdateSeq, err = dec.DecodeUint64(); err != nil {
		return nil, err
	}
	if fdi.Deleted, err = dec.DecodeBool(); err != nil {
		return nil, err
	}
	if fdi.RevTree, err = decodeDiskTree(dec); err != nil {
		return nil, err
	}
	fdi.LeafsSize = fdi.leafsSize()
	return fdi, nil
}

func errOrShape(err error, got, want int) error {
	if err != nil {
		return err
	}
	return errors.Errorf("array length %d, want %d", got, want)
}

// encodeDiskTree writes a revision tree with leaf values as four-element
// tuples, interior values as three-element tuples (size dropped), and
// missing bodies as nil.
func encodeDiskTree(enc *msgpack.Encoder, tree keytree.Tree) error {
	if err := enc.EncodeArrayLen(len(tree)); err != nil {
		return err
	}
	for _, b := range tree {
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(b.Pos)); err != nil {
			return err
		}
		if err := encodeDiskNode(enc, b.Node); err != nil {
			return err
		}
	}
	return nil
}

func encodeDiskNode(enc *msgpack.Encoder, n *keytree.Node) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(n.Rev); err != nil {
		return err
	}
	isLeaf := len(n.Children) == 0
	if err := encodeDiskValue(enc, n.Val, isLeaf); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(n.Children)); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := encodeDiskNode(enc, c); err != nil {
			return err
		}
	}
	return nil
}

func encodeDiskValue(enc *msgpack.Encoder, val interface{}, isLeaf bool) error {
	l, ok := val.(*leaf)
	if !ok {
		return enc.EncodeNil()
	}
	elems := 3
	if isLeaf {
		elems = 4
	}
	if err := enc.EncodeArrayLen(elems); err != nil {
		return err
	}
	delFlag := int64(0)
	if l.Deleted {
		delFlag = 1
	}
	if err := enc.EncodeInt(delFlag); err != nil {
		return err
	}
	if err := enc.EncodeInt64(l.Ptr); err != nil {
		return err
	}
	if err := enc.EncodeUint64(l.Seq); err != nil {
		return err
	}
	if isLeaf {
		return enc.EncodeInt64(l.Size)
	}
	return nil
}

func decodeDiskTree(dec *msgpack.Decoder) (keytree.Tree, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	tree := make(keytree.Tree, 0, n)
	for i := 0; i < n; i++ {
		pair, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if pair != 2 {
			return nil, errors.Errorf("branch tuple length %d", pair)
		}
		pos, err := dec.DecodeInt()
		if err != nil {
			return nil, err
		}
		node, err := decodeDiskNode(dec)
		if err != nil {
			return nil, err
		}
		tree = append(tree, keytree.Branch{Pos: pos, Node: node})
	}
	return tree, nil
}

func decodeDiskNode(dec *msgpack.Decoder) (*keytree.Node, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 3 {
		return nil, errors.Errorf("node tuple length %d", n)
	}
	node := &keytree.Node{}
	if node.Rev, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if node.Val, err = decodeDiskValue(dec); err != nil {
		return nil, err
	}
	kids, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	for i := 0; i < kids; i++ {
		c, err := decodeDiskNode(dec)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, c)
	}
	return node, nil
}

func decodeDiskValue(dec *msgpack.Decoder) (interface{}, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if code == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return nil, err
		}
		return keytree.Missing, nil
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 3 && n != 4 {
		return nil, errors.Errorf("leaf tuple length %d", n)
	}
	l := &leaf{Size: -1}
	delFlag, err := dec.DecodeInt64()
	if err != nil {
		return nil, err
	}
	l.Deleted = delFlag != 0
	if l.Ptr, err = dec.DecodeInt64(); err != nil {
		return nil, err
	}
	if l.Seq, err = dec.DecodeUint64(); err != nil {
		return nil, err
	}
	if n == 4 {
		if l.Size, err = dec.DecodeInt64(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// --- by-seq entries ---

type diskRevInfo struct {
	Pos int    `msgpack:"P"`
	Rev string `msgpack:"r"`
	Seq uint64 `msgpack:"s"`
	Ptr int64  `msgpack:"p"`
}

type diskDocInfo struct {
	ID         string        `msgpack:"i"`
	NotDeleted []diskRevInfo `msgpack:"n"`
	Deleted    []diskRevInfo `msgpack:"d"`
}

func bySeqSplit(di *DocInfo) (btree.KV, error) {
	var rec diskDocInfo
	rec.ID = di.ID
	// reversed so the join restores insertion order
	for i := len(di.Revs) - 1; i >= 0; i-- {
		ri := di.Revs[i]
		dri := diskRevInfo{Pos: ri.Rev.Pos, Rev: ri.Rev.ID, Seq: ri.Seq, Ptr: ri.Ptr}
		if ri.Deleted {
			rec.Deleted = append(rec.Deleted, dri)
		} else {
			rec.NotDeleted = append(rec.NotDeleted, dri)
		}
	}
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return btree.KV{}, errors.Wrap(err, "encode by-seq entry")
	}
	return btree.KV{Key: seqKey(di.HighSeq), Value: value}, nil
}

func bySeqJoin(key, value []byte) (*DocInfo, error) {
	var rec diskDocInfo
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return nil, errors.Wrap(err, "decode by-seq entry")
	}
	di := &DocInfo{ID: rec.ID, HighSeq: decodeSeqKey(key)}
	for i := len(rec.NotDeleted) - 1; i >= 0; i-- {
		d := rec.NotDeleted[i]
		di.Revs = append(di.Revs, RevInfo{Rev: Rev{Pos: d.Pos, ID: d.Rev}, Seq: d.Seq, Ptr: d.Ptr})
	}
	for i := len(rec.Deleted) - 1; i >= 0; i-- {
		d := rec.Deleted[i]
		di.Revs = append(di.Revs, RevInfo{Rev: Rev{Pos: d.Pos, ID: d.Rev}, Seq: d.Seq, Ptr: d.Ptr, Deleted: true})
	}
	return di, nil
}

// --- reductions ---

// byIDReduction is the by-id tree's aggregate: live and deleted document
// counts plus the total leaf size, which collapses to unknown (-1) while
// any legacy entry remains.
type byIDReduction struct {
	NotDeleted uint64 `msgpack:"n"`
	Deleted    uint64 `msgpack:"d"`
	Size       int64  `msgpack:"s"`
}

func byIDReduce(kvs []btree.KV, reds [][]byte, rereduce bool) ([]byte, error) {
	var acc byIDReduction
	if rereduce {
		for _, red := range reds {
			var r byIDReduction
			if err := msgpack.Unmarshal(red, &r); err != nil {
				return nil, errors.Wrap(err, "decode by-id reduction")
			}
			acc.NotDeleted += r.NotDeleted
			acc.Deleted += r.Deleted
			if r.Size < 0 || acc.Size < 0 {
				acc.Size = -1
			} else {
				acc.Size += r.Size
			}
		}
	} else {
		for _, kv := range kvs {
			fdi, err := byIDJoin(kv.Key, kv.Value)
			if err != nil {
				return nil, err
			}
			if fdi.Deleted {
				acc.Deleted++
			} else {
				acc.NotDeleted++
			}
			if fdi.LeafsSize < 0 || acc.Size < 0 {
				acc.Size = -1
			} else {
				acc.Size += fdi.LeafsSize
			}
		}
	}
	return msgpack.Marshal(&acc)
}

func decodeByIDReduction(red []byte) (byIDReduction, error) {
	var r byIDReduction
	if red == nil {
		return r, nil
	}
	err := msgpack.Unmarshal(red, &r)
	return r, errors.Wrap(err, "decode by-id reduction")
}

func bySeqReduce(kvs []btree.KV, reds [][]byte, rereduce bool) ([]byte, error) {
	var count uint64
	if rereduce {
		for _, red := range reds {
			var c uint64
			if err := msgpack.Unmarshal(red, &c); err != nil {
				return nil, errors.Wrap(err, "decode by-seq reduction")
			}
			count += c
		}
	} else {
		count = uint64(len(kvs))
	}
	return msgpack.Marshal(count)
}

func decodeBySeqReduction(red []byte) (uint64, error) {
	if red == nil {
		return 0, nil
	}
	var c uint64
	err := msgpack.Unmarshal(red, &c)
	return c, errors.Wrap(err, "decode by-seq reduction")
}
