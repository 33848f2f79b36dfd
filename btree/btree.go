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

// Package btree implements an append-only, copy-on-write B+-tree on top of
// a couchfile. Mutations never touch existing nodes; every modified path
// is rewritten towards a new root, whose pointer is the only state a
// caller must persist (typically inside the database header). Keys are
// ordered bytewise, so integer keys must be encoded big-endian.
package btree

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/chinnucsk/libcouch/couchfile"
)

// chunkThreshold is the encoded size at which a node is split during a
// rewrite.
const chunkThreshold = 1279

const (
	kindKV = 0
	kindKP = 1
)

// KV is one key/value pair stored in the tree.
type KV struct {
	Key   []byte
	Value []byte
}

// NodeState points at a node on disk together with its reduction and the
// total byte size of the subtree below it. A nil *NodeState is the empty
// tree.
type NodeState struct {
	Ptr       int64  `msgpack:"p"`
	Reduction []byte `msgpack:"r"`
	Size      int64  `msgpack:"s"`
}

// ReduceFunc folds either raw kvs (rereduce false) or previously computed
// reductions (rereduce true) into a single reduction value.
type ReduceFunc func(kvs []KV, reductions [][]byte, rereduce bool) ([]byte, error)

// LookupResult is the outcome of one key in a batched Lookup.
type LookupResult struct {
	Key   []byte
	Value []byte
	Found bool
}

// Tree is a handle onto one B+-tree within a database file. It is not
// goroutine-safe; the owning actor serializes mutations, and readers work
// on snapshots.
type Tree struct {
	file   *couchfile.File
	root   *NodeState
	reduce ReduceFunc
}

// Option configures a Tree handle at open time.
type Option func(*Tree)

// WithReduce installs the reduction callback.
func WithReduce(fn ReduceFunc) Option {
	return func(t *Tree) { t.reduce = fn }
}

// Open attaches a tree handle to a file at the given root state (nil for a
// fresh, empty tree).
func Open(f *couchfile.File, state *NodeState, opts ...Option) *Tree {
	t := &Tree{file: f, root: state}
	for _, o := range opts {
		o(t)
	}
	if t.reduce == nil {
		t.reduce = func([]KV, [][]byte, bool) ([]byte, error) { return nil, nil }
	}
	return t
}

// State returns the current root state for storing in a header.
func (t *Tree) State() *NodeState {
	return t.root
}

// Snapshot returns an independent handle pinned to the current root.
// Appends by the owner do not affect the snapshot.
func (t *Tree) Snapshot() *Tree {
	cp := *t
	return &cp
}

// SwitchFile rebinds the handle to a different file with a new root state.
func (t *Tree) SwitchFile(f *couchfile.File, state *NodeState) {
	t.file = f
	t.root = state
}

// Size returns the total on-disk byte size of the tree's nodes.
func (t *Tree) Size() int64 {
	if t.root == nil {
		return 0
	}
	return t.root.Size
}

// FullReduce returns the reduction over the whole tree.
func (t *Tree) FullReduce() ([]byte, error) {
	if t.root == nil {
		return t.reduce(nil, nil, false)
	}
	return t.root.Reduction, nil
}

type diskNode struct {
	Kind   uint8    `msgpack:"k"`
	Keys   [][]byte `msgpack:"K"`
	Values [][]byte `msgpack:"v,omitempty"`
	Ptrs   []int64  `msgpack:"p,omitempty"`
	Reds   [][]byte `msgpack:"r,omitempty"`
	Sizes  []int64  `msgpack:"z,omitempty"`
}

func (t *Tree) readNode(ptr int64) (*diskNode, error) {
	var n diskNode
	if err := t.file.PreadTerm(ptr, &n); err != nil {
		return nil, errors.Wrapf(err, "read btree node at %d", ptr)
	}
	return &n, nil
}

// kpEntry is an in-memory child reference inside a kp node.
type kpEntry struct {
	key   []byte // last key of the child subtree
	state *NodeState
}

const (
	opRemove = 1
	opInsert = 2
)

type action struct {
	op    int
	key   []byte
	value []byte
}

// AddRemove applies inserts and removals in one pass and installs the new
// root. A key present in both lists ends up inserted.
func (t *Tree) AddRemove(insert []KV, remove [][]byte) error {
	if len(insert) == 0 && len(remove) == 0 {
		return nil
	}
	actions := make([]action, 0, len(insert)+len(remove))
	for _, k := range remove {
		actions = append(actions, action{op: opRemove, key: k})
	}
	for _, kv := range insert {
		actions = append(actions, action{op: opInsert, key: kv.Key, value: kv.Value})
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if c := bytes.Compare(actions[i].key, actions[j].key); c != 0 {
			return c < 0
		}
		return actions[i].op < actions[j].op
	})

	entries, err := t.modifyNode(t.root, actions)
	if err != nil {
		return err
	}
	root, err := t.completeRoot(entries)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Add inserts kvs without removals.
func (t *Tree) Add(insert []KV) error {
	return t.AddRemove(insert, nil)
}

func (t *Tree) modifyNode(state *NodeState, actions []action) ([]kpEntry, error) {
	if len(actions) == 0 {
		if state == nil {
			return nil, nil
		}
		return []kpEntry{{key: nil, state: state}}, nil
	}
	if state == nil {
		kvs, err := modifyKVs(nil, actions)
		if err != nil {
			return nil, err
		}
		return t.writeKVNode(kvs)
	}
	node, err := t.readNode(state.Ptr)
	if err != nil {
		return nil, err
	}
	switch node.Kind {
	case kindKV:
		kvs := make([]KV, len(node.Keys))
		for i := range node.Keys {
			kvs[i] = KV{Key: node.Keys[i], Value: node.Values[i]}
		}
		newKVs, err := modifyKVs(kvs, actions)
		if err != nil {
			return nil, err
		}
		return t.writeKVNode(newKVs)
	case kindKP:
		children := make([]kpEntry, len(node.Keys))
		for i := range node.Keys {
			children[i] = kpEntry{
				key: node.Keys[i],
				state: &NodeState{
					Ptr:       node.Ptrs[i],
					Reduction: node.Reds[i],
					Size:      node.Sizes[i],
				},
			}
		}
		return t.modifyKPNode(children, actions)
	default:
		return nil, errors.Errorf("unknown btree node kind %d at %d", node.Kind, state.Ptr)
	}
}

// modifyKVs merges a sorted action list into a sorted kv list.
func modifyKVs(kvs []KV, actions []action) ([]KV, error) {
	out := make([]KV, 0, len(kvs)+len(actions))
	i := 0
	for _, a := range actions {
		for i < len(kvs) && bytes.Compare(kvs[i].Key, a.key) < 0 {
			out = append(out, kvs[i])
			i++
		}
		matches := i < len(kvs) && bytes.Equal(kvs[i].Key, a.key)
		switch a.op {
		case opRemove:
			if matches {
				i++
			}
		case opInsert:
			out = append(out, KV{Key: a.key, Value: a.value})
			if matches {
				i++
			}
		}
	}
	out = append(out, kvs[i:]...)
	return out, nil
}

func (t *Tree) modifyKPNode(children []kpEntry, actions []action) ([]kpEntry, error) {
	var result []kpEntry
	rest := actions
	for idx, child := range children {
		var mine []action
		if idx == len(children)-1 {
			// last child absorbs everything left, including keys beyond
			// its recorded last key
			mine, rest = rest, nil
		} else {
			split := sort.Search(len(rest), func(i int) bool {
				return bytes.Compare(rest[i].key, child.key) > 0
			})
			mine, rest = rest[:split], rest[split:]
		}
		if len(mine) == 0 {
			result = append(result, child)
			continue
		}
		sub, err := t.modifyNode(child.state, mine)
		if err != nil {
			return nil, err
		}
		result = append(result, sub...)
	}
	return result, nil
}

// completeRoot collapses an entry list into a single root, adding kp
// levels as long as more than one node remains.
func (t *Tree) completeRoot(entries []kpEntry) (*NodeState, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) == 1 {
		return entries[0].state, nil
	}
	parents, err := t.writeKPNode(entries)
	if err != nil {
		return nil, err
	}
	return t.completeRoot(parents)
}

// writeKVNode chunks kvs and appends one or more kv nodes, returning their
// parent entries.
func (t *Tree) writeKVNode(kvs []KV) ([]kpEntry, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	var out []kpEntry
	for _, chunk := range chunkifyKVs(kvs) {
		node := diskNode{Kind: kindKV}
		for _, kv := range chunk {
			node.Keys = append(node.Keys, kv.Key)
			node.Values = append(node.Values, kv.Value)
		}
		ptr, n, err := t.file.AppendTerm(&node)
		if err != nil {
			return nil, errors.Wrap(err, "append kv node")
		}
		red, err := t.reduce(chunk, nil, false)
		if err != nil {
			return nil, errors.Wrap(err, "reduce kv node")
		}
		out = append(out, kpEntry{
			key:   chunk[len(chunk)-1].Key,
			state: &NodeState{Ptr: ptr, Reduction: red, Size: n},
		})
	}
	return out, nil
}

// writeKPNode chunks child entries and appends one or more kp nodes.
func (t *Tree) writeKPNode(children []kpEntry) ([]kpEntry, error) {
	var out []kpEntry
	for _, chunk := range chunkifyKP(children) {
		node := diskNode{Kind: kindKP}
		var reds [][]byte
		var size int64
		for _, c := range chunk {
			node.Keys = append(node.Keys, c.key)
			node.Ptrs = append(node.Ptrs, c.state.Ptr)
			node.Reds = append(node.Reds, c.state.Reduction)
			node.Sizes = append(node.Sizes, c.state.Size)
			reds = append(reds, c.state.Reduction)
			size += c.state.Size
		}
		ptr, n, err := t.file.AppendTerm(&node)
		if err != nil {
			return nil, errors.Wrap(err, "append kp node")
		}
		red, err := t.reduce(nil, reds, true)
		if err != nil {
			return nil, errors.Wrap(err, "rereduce kp node")
		}
		out = append(out, kpEntry{
			key:   chunk[len(chunk)-1].key,
			state: &NodeState{Ptr: ptr, Reduction: red, Size: size + n},
		})
	}
	return out, nil
}

func chunkifyKVs(kvs []KV) [][]KV {
	total := 0
	for _, kv := range kvs {
		total += len(kv.Key) + len(kv.Value) + 8
	}
	if total <= chunkThreshold {
		return [][]KV{kvs}
	}
	var chunks [][]KV
	var cur []KV
	size := 0
	for _, kv := range kvs {
		sz := len(kv.Key) + len(kv.Value) + 8
		if size+sz > chunkThreshold && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, kv)
		size += sz
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func chunkifyKP(children []kpEntry) [][]kpEntry {
	total := 0
	for _, c := range children {
		total += len(c.key) + len(c.state.Reduction) + 24
	}
	if total <= chunkThreshold {
		return [][]kpEntry{children}
	}
	var chunks [][]kpEntry
	var cur []kpEntry
	size := 0
	for _, c := range children {
		sz := len(c.key) + len(c.state.Reduction) + 24
		if size+sz > chunkThreshold && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, c)
		size += sz
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// Lookup fetches the given keys in one batched descent. Results are
// returned in the order the keys were passed.
func (t *Tree) Lookup(keys [][]byte) ([]LookupResult, error) {
	results := make([]LookupResult, len(keys))
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
		results[i] = LookupResult{Key: keys[i]}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return bytes.Compare(keys[order[a]], keys[order[b]]) < 0
	})
	sorted := make([][]byte, len(keys))
	for i, idx := range order {
		sorted[i] = keys[idx]
	}
	if err := t.lookupNode(t.root, sorted, order, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (t *Tree) lookupNode(state *NodeState, keys [][]byte, order []int, results []LookupResult) error {
	if state == nil || len(keys) == 0 {
		return nil
	}
	node, err := t.readNode(state.Ptr)
	if err != nil {
		return err
	}
	if node.Kind == kindKV {
		for i, key := range keys {
			pos := sort.Search(len(node.Keys), func(j int) bool {
				return bytes.Compare(node.Keys[j], key) >= 0
			})
			if pos < len(node.Keys) && bytes.Equal(node.Keys[pos], key) {
				results[order[i]].Value = node.Values[pos]
				results[order[i]].Found = true
			}
		}
		return nil
	}
	i := 0
	for c := 0; c < len(node.Keys) && i < len(keys); c++ {
		last := c == len(node.Keys)-1
		j := i
		for j < len(keys) && (last || bytes.Compare(keys[j], node.Keys[c]) <= 0) {
			j++
		}
		if j > i {
			child := &NodeState{Ptr: node.Ptrs[c]}
			if err := t.lookupNode(child, keys[i:j], order[i:j], results); err != nil {
				return err
			}
			i = j
		}
	}
	return nil
}

// FoldOption adjusts a Foldl traversal.
type FoldOption func(*foldOpts)

type foldOpts struct {
	startKey []byte
}

// WithStartKey starts the fold at the first key >= start.
func WithStartKey(start []byte) FoldOption {
	return func(o *foldOpts) { o.startKey = start }
}

// Foldl applies fn to every kv in key order. Returning stop=true ends the
// traversal early.
func (t *Tree) Foldl(fn func(kv KV) (stop bool, err error), opts ...FoldOption) error {
	var o foldOpts
	for _, opt := range opts {
		opt(&o)
	}
	_, err := t.foldNode(t.root, o.startKey, fn)
	return err
}

func (t *Tree) foldNode(state *NodeState, startKey []byte, fn func(kv KV) (bool, error)) (bool, error) {
	if state == nil {
		return false, nil
	}
	node, err := t.readNode(state.Ptr)
	if err != nil {
		return false, err
	}
	if node.Kind == kindKV {
		for i := range node.Keys {
			if startKey != nil && bytes.Compare(node.Keys[i], startKey) < 0 {
				continue
			}
			stop, err := fn(KV{Key: node.Keys[i], Value: node.Values[i]})
			if err != nil {
				return false, err
			}
			if stop {
				return true, nil
			}
		}
		return false, nil
	}
	for i := range node.Keys {
		if startKey != nil && bytes.Compare(node.Keys[i], startKey) < 0 {
			continue
		}
		stop, err := t.foldNode(&NodeState{Ptr: node.Ptrs[i]}, startKey, fn)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
	return false, nil
}
