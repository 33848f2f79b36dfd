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

package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chinnucsk/libcouch/couchfile"
)

// countReduce counts leaf entries; rereduce sums child counts.
func countReduce(kvs []KV, reds [][]byte, rereduce bool) ([]byte, error) {
	var count uint64
	if rereduce {
		for _, red := range reds {
			count += binary.BigEndian.Uint64(red)
		}
	} else {
		count = uint64(len(kvs))
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, count)
	return out, nil
}

func newTestTree(t *testing.T) (*Tree, *couchfile.File) {
	t.Helper()
	f, err := couchfile.Create(filepath.Join(t.TempDir(), "tree.couch"))
	require.Nil(t, err)
	t.Cleanup(func() { f.Close() })
	return Open(f, nil, WithReduce(countReduce)), f
}

func testKV(i int) KV {
	return KV{
		Key:   []byte(fmt.Sprintf("key-%06d", i)),
		Value: []byte(fmt.Sprintf("value-%d", i)),
	}
}

func fullCount(t *testing.T, tr *Tree) uint64 {
	t.Helper()
	red, err := tr.FullReduce()
	require.Nil(t, err)
	if red == nil {
		return 0
	}
	return binary.BigEndian.Uint64(red)
}

func TestAddLookup(t *testing.T) {
	tr, _ := newTestTree(t)

	const n = 2000
	var kvs []KV
	for i := 0; i < n; i++ {
		kvs = append(kvs, testKV(i))
	}
	// insert in two halves, second half first, to exercise merging
	require.Nil(t, tr.Add(kvs[n/2:]))
	require.Nil(t, tr.Add(kvs[:n/2]))

	keys := make([][]byte, n)
	for i := range kvs {
		keys[i] = kvs[i].Key
	}
	results, err := tr.Lookup(keys)
	require.Nil(t, err)
	for i, res := range results {
		require.True(t, res.Found, "key %s", keys[i])
		assert.Equal(t, kvs[i].Value, res.Value)
	}

	missing, err := tr.Lookup([][]byte{[]byte("nope")})
	require.Nil(t, err)
	assert.False(t, missing[0].Found)

	assert.Equal(t, uint64(n), fullCount(t, tr))
}

func TestFoldlOrderAndStartKey(t *testing.T) {
	tr, _ := newTestTree(t)
	const n = 500
	var kvs []KV
	for i := 0; i < n; i++ {
		kvs = append(kvs, testKV(i))
	}
	require.Nil(t, tr.Add(kvs))

	var seen [][]byte
	require.Nil(t, tr.Foldl(func(kv KV) (bool, error) {
		seen = append(seen, kv.Key)
		return false, nil
	}))
	require.Len(t, seen, n)
	for i := 1; i < len(seen); i++ {
		assert.True(t, bytes.Compare(seen[i-1], seen[i]) < 0)
	}

	var fromMiddle int
	require.Nil(t, tr.Foldl(func(kv KV) (bool, error) {
		fromMiddle++
		return false, nil
	}, WithStartKey(testKV(250).Key)))
	assert.Equal(t, n-250, fromMiddle)

	// early stop
	var count int
	require.Nil(t, tr.Foldl(func(kv KV) (bool, error) {
		count++
		return count == 10, nil
	}))
	assert.Equal(t, 10, count)
}

func TestAddRemove(t *testing.T) {
	tr, _ := newTestTree(t)
	const n = 1000
	var kvs []KV
	for i := 0; i < n; i++ {
		kvs = append(kvs, testKV(i))
	}
	require.Nil(t, tr.Add(kvs))

	// remove the odd keys, overwrite the first hundred even ones
	var removes [][]byte
	for i := 1; i < n; i += 2 {
		removes = append(removes, kvs[i].Key)
	}
	var updates []KV
	for i := 0; i < 200; i += 2 {
		updates = append(updates, KV{Key: kvs[i].Key, Value: []byte("updated")})
	}
	require.Nil(t, tr.AddRemove(updates, removes))

	assert.Equal(t, uint64(n/2), fullCount(t, tr))

	res, err := tr.Lookup([][]byte{kvs[0].Key, kvs[1].Key, kvs[2].Key})
	require.Nil(t, err)
	assert.True(t, res[0].Found)
	assert.Equal(t, []byte("updated"), res[0].Value)
	assert.False(t, res[1].Found)
	assert.True(t, res[2].Found)
}

func TestRemoveEverything(t *testing.T) {
	tr, _ := newTestTree(t)
	var kvs []KV
	for i := 0; i < 100; i++ {
		kvs = append(kvs, testKV(i))
	}
	require.Nil(t, tr.Add(kvs))

	var removes [][]byte
	for _, kv := range kvs {
		removes = append(removes, kv.Key)
	}
	require.Nil(t, tr.AddRemove(nil, removes))
	assert.Nil(t, tr.State())
	assert.Equal(t, uint64(0), fullCount(t, tr))
}

func TestReopenFromState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.couch")
	f, err := couchfile.Create(path)
	require.Nil(t, err)

	tr := Open(f, nil, WithReduce(countReduce))
	var kvs []KV
	for i := 0; i < 300; i++ {
		kvs = append(kvs, testKV(i))
	}
	require.Nil(t, tr.Add(kvs))
	state := tr.State()
	require.NotNil(t, state)
	require.Nil(t, f.Sync())
	require.Nil(t, f.Close())

	f2, err := couchfile.Open(path)
	require.Nil(t, err)
	defer f2.Close()
	tr2 := Open(f2, state, WithReduce(countReduce))
	assert.Equal(t, uint64(300), fullCount(t, tr2))

	res, err := tr2.Lookup([][]byte{testKV(123).Key})
	require.Nil(t, err)
	require.True(t, res[0].Found)
	assert.Equal(t, testKV(123).Value, res[0].Value)
}

func TestSnapshotIsolation(t *testing.T) {
	tr, _ := newTestTree(t)
	var kvs []KV
	for i := 0; i < 100; i++ {
		kvs = append(kvs, testKV(i))
	}
	require.Nil(t, tr.Add(kvs))

	snap := tr.Snapshot()
	require.Nil(t, tr.Add([]KV{testKV(1000)}))

	assert.Equal(t, uint64(100), fullCount(t, snap))
	assert.Equal(t, uint64(101), fullCount(t, tr))

	res, err := snap.Lookup([][]byte{testKV(1000).Key})
	require.Nil(t, err)
	assert.False(t, res[0].Found)
}
