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

package keytree

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// path builds a linear branch from root-first revs; the leaf carries val.
func path(pos int, val interface{}, revsRootFirst ...string) (int, *Node) {
	var root *Node
	var cur *Node
	for i, rev := range revsRootFirst {
		n := &Node{Rev: rev, Val: Missing}
		if i == len(revsRootFirst)-1 {
			n.Val = val
		}
		if root == nil {
			root = n
		} else {
			cur.Children = []*Node{n}
		}
		cur = n
	}
	return pos, root
}

func TestMergeLinearEdits(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, conflicts := Merge(nil, pos, p, 1000)
	require.False(t, conflicts)
	require.Len(t, tree, 1)

	pos, p = path(1, "v2", "a", "b")
	tree, conflicts = Merge(tree, pos, p, 1000)
	require.False(t, conflicts)
	require.Len(t, tree, 1)

	leafs := GetAllLeafs(tree)
	require.Len(t, leafs, 1)
	assert.Equal(t, 2, leafs[0].Pos)
	assert.Equal(t, []string{"b", "a"}, leafs[0].Revs)
	assert.Equal(t, "v2", leafs[0].Val)
}

func TestMergeIdenticalPathLeavesTreeUnchanged(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)

	pos, p = path(1, "v1-again", "a")
	tree2, conflicts := Merge(tree, pos, p, 1000)
	require.False(t, conflicts)
	assert.True(t, reflect.DeepEqual(tree, tree2))
}

func TestMergeForkFlagsConflict(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)
	pos, p = path(1, "v2", "a", "b")
	tree, _ = Merge(tree, pos, p, 1000)

	// second child of "a", on either side of "b"
	for _, sibling := range []string{"a-smaller", "z-bigger"} {
		pos, p = path(1, "fork", "a", sibling)
		forked, conflicts := Merge(tree, pos, p, 1000)
		assert.True(t, conflicts, "sibling %q", sibling)
		assert.Equal(t, 2, CountLeafs(forked))
	}
}

func TestMergeNewRootBranchFlagsConflict(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)

	pos, p = path(1, "other", "x")
	merged, conflicts := Merge(tree, pos, p, 1000)
	assert.True(t, conflicts)
	require.Len(t, merged, 2)
}

func TestMergeIntoMultiBranchTreeKeepsCount(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)
	pos, p = path(1, "other", "x")
	tree, _ = Merge(tree, pos, p, 1000)
	require.Len(t, tree, 2)

	// extending one branch of an already-conflicted tree is clean: the
	// branch count stays put
	pos, p = path(1, "v2", "x", "y")
	merged, conflicts := Merge(tree, pos, p, 1000)
	assert.False(t, conflicts)
	require.Len(t, merged, 2)
	assert.Equal(t, 2, CountLeafs(merged))
	assert.True(t, IsLeaf(merged, 2, "y"))
}

func TestStem(t *testing.T) {
	pos, p := path(1, "v5", "a", "b", "c", "d", "e")
	tree, _ := Merge(nil, pos, p, 1000)
	require.Equal(t, 5, Depth(tree))

	stemmed := Stem(tree, 2)
	assert.Equal(t, 2, Depth(stemmed))
	leafs := GetAllLeafs(stemmed)
	require.Len(t, leafs, 1)
	assert.Equal(t, 5, leafs[0].Pos)
	assert.Equal(t, []string{"e", "d"}, leafs[0].Revs)
	// branch now starts at the oldest surviving ancestor
	assert.Equal(t, 4, stemmed[0].Pos)
}

func TestMergeAppliesLimit(t *testing.T) {
	pos, p := path(1, "v1", "a", "b", "c")
	tree, _ := Merge(nil, pos, p, 2)
	assert.Equal(t, 2, Depth(tree))
}

func TestRemoveLeafs(t *testing.T) {
	pos, p := path(1, "v2", "a", "b")
	tree, _ := Merge(nil, pos, p, 1000)
	pos, p = path(1, "fork", "a", "z")
	tree, _ = Merge(tree, pos, p, 1000)
	require.Equal(t, 2, CountLeafs(tree))

	pruned, removed := RemoveLeafs(tree, []RevKey{{Pos: 2, Rev: "z"}})
	require.Equal(t, []RevKey{{Pos: 2, Rev: "z"}}, removed)
	assert.Equal(t, 1, CountLeafs(pruned))
	assert.True(t, IsLeaf(pruned, 2, "b"))
	assert.False(t, IsLeaf(pruned, 2, "z"))
}

func TestRemoveLeafsExposesParent(t *testing.T) {
	pos, p := path(1, "v2", "a", "b")
	tree, _ := Merge(nil, pos, p, 1000)

	pruned, removed := RemoveLeafs(tree, []RevKey{{Pos: 2, Rev: "b"}})
	require.Len(t, removed, 1)
	assert.True(t, IsLeaf(pruned, 1, "a"))
}

func TestRemoveAllLeafsEmptiesTree(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)

	pruned, removed := RemoveLeafs(tree, []RevKey{{Pos: 1, Rev: "a"}})
	require.Len(t, removed, 1)
	assert.Len(t, pruned, 0)
}

func TestRemoveLeafsMissingKeyIsNoop(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)

	pruned, removed := RemoveLeafs(tree, []RevKey{{Pos: 9, Rev: "nope"}})
	assert.Len(t, removed, 0)
	assert.True(t, reflect.DeepEqual(tree, pruned))
}

func TestMapRewritesValues(t *testing.T) {
	pos, p := path(1, "v2", "a", "b")
	tree, _ := Merge(nil, pos, p, 1000)

	mapped := Map(tree, func(pos int, rev string, val interface{}, isLeaf bool) interface{} {
		if isLeaf {
			return "rewritten"
		}
		return val
	})
	leafs := GetAllLeafs(mapped)
	require.Len(t, leafs, 1)
	assert.Equal(t, "rewritten", leafs[0].Val)
	// the input tree is untouched
	assert.Equal(t, "v2", GetAllLeafs(tree)[0].Val)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	pos, p := path(1, "v1", "a")
	tree, _ := Merge(nil, pos, p, 1000)
	before := GetAllLeafs(tree)

	pos, p = path(1, "v2", "a", "b")
	_, _ = Merge(tree, pos, p, 1000)
	assert.True(t, reflect.DeepEqual(before, GetAllLeafs(tree)))
}
