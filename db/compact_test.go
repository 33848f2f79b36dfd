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
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chinnucsk/libcouch/keytree"
)

func seedDocs(t *testing.T, u *Updater, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i += 50 {
		end := i + 50
		if end > n {
			end = n
		}
		var docs []*Doc
		for j := i; j < end; j++ {
			docs = append(docs, &Doc{
				ID:   fmt.Sprintf("%s-%06d", prefix, j),
				Body: []byte(fmt.Sprintf("body of %s %d", prefix, j)),
			})
		}
		results, err := u.UpdateDocs(docs)
		require.Nil(t, err)
		for _, res := range results {
			require.True(t, res.OK)
		}
	}
}

func TestCompactionPreservesState(t *testing.T) {
	u, path := openTestDB(t)

	seedDocs(t, u, "doc", 400)

	// some deletions, a conflict, a local doc, a purge, and security
	fdi, _, err := snapshotOf(t, u).OpenDoc("doc-000001")
	require.Nil(t, err)
	w := fdi.WinningRev()
	putDoc(t, u, &Doc{
		ID:      "doc-000001",
		Revs:    RevPath{Start: w.Rev.Pos, IDs: []string{w.Rev.ID}},
		Deleted: true,
	})
	conflictRev := "ffffffffffffffffffffffffffffffff"
	_, err = u.UpdateDocs([]*Doc{{
		ID:   "doc-000002",
		Revs: RevPath{Start: 1, IDs: []string{conflictRev}},
		Body: []byte("conflict side"),
	}}, WithMergeConflicts())
	require.Nil(t, err)
	results, err := u.UpdateDocs([]*Doc{{ID: "_local/ckpt", Body: []byte("local state")}})
	require.Nil(t, err)
	require.True(t, results[0].OK)
	purgeRev := putDoc(t, u, &Doc{ID: "purge-me", Body: []byte("gone")})
	_, _, err = u.PurgeDocs([]PurgeRequest{{ID: "purge-me", Revs: []Rev{purgeRev}}})
	require.Nil(t, err)
	require.Nil(t, u.SetSecurity([]byte("policy")))
	_, err = u.FullCommit()
	require.Nil(t, err)

	before := snapshotOf(t, u)
	beforeNotDeleted, beforeDeleted, _, _, err := before.DocCounts()
	require.Nil(t, err)
	startTime := before.InstanceStartTime()

	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())

	after := snapshotOf(t, u)
	assert.Equal(t, before.UpdateSeq(), after.UpdateSeq())
	assert.Equal(t, before.PurgeSeq(), after.PurgeSeq())
	assert.Equal(t, before.RevsLimit(), after.RevsLimit())
	assert.Equal(t, []byte("policy"), after.Security())
	assert.Equal(t, startTime, after.InstanceStartTime())

	afterNotDeleted, afterDeleted, _, sizeKnown, err := after.DocCounts()
	require.Nil(t, err)
	assert.Equal(t, beforeNotDeleted, afterNotDeleted)
	assert.Equal(t, beforeDeleted, afterDeleted)
	assert.True(t, sizeKnown)

	// the conflict fork and bodies survive
	fdi, found, err := after.OpenDoc("doc-000002")
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, 2, keytree.CountLeafs(fdi.RevTree))
	w = fdi.WinningRev()
	body, err := after.ReadBody(w.Ptr)
	require.Nil(t, err)
	assert.NotEmpty(t, body)

	// purged doc stays purged, local doc survives
	_, found, err = after.OpenDoc("purge-me")
	require.Nil(t, err)
	assert.False(t, found)
	rev, local, found, err := after.OpenLocalDoc("_local/ckpt")
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), rev)
	assert.Equal(t, []byte("local state"), local)

	// the sibling file was consumed by the swap
	_, err = os.Stat(path + compactSuffix)
	assert.True(t, os.IsNotExist(err))

	// writes continue against the swapped file
	putDoc(t, u, &Doc{ID: "after-compact", Body: []byte("still writable")})
}

func TestCompactionWithConcurrentWrites(t *testing.T) {
	u, _ := openTestDB(t, WithCompactionConfig(CompactionConfig{
		DocBufferSize:   4096,
		CheckpointAfter: 16384,
	}))

	seedDocs(t, u, "base", 1200)
	require.Nil(t, u.StartCompact())

	var eg errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < 50; i++ {
				results, err := u.UpdateDocs([]*Doc{{
					ID:   fmt.Sprintf("during-%d-%d", w, i),
					Body: []byte("written mid-compaction"),
				}})
				if err != nil {
					return err
				}
				if !results[0].OK {
					return fmt.Errorf("conflict on during-%d-%d", w, i)
				}
			}
			return nil
		})
	}
	require.Nil(t, eg.Wait())
	require.Nil(t, u.WaitForCompaction())

	// no acknowledged write was lost across the swap
	d := snapshotOf(t, u)
	notDeleted, _, _, _, err := d.DocCounts()
	require.Nil(t, err)
	assert.Equal(t, uint64(1200+4*50), notDeleted)
	assert.Equal(t, uint64(1200+4*50), d.UpdateSeq())

	for w := 0; w < 4; w++ {
		for i := 0; i < 50; i++ {
			_, found, err := d.OpenDoc(fmt.Sprintf("during-%d-%d", w, i))
			require.Nil(t, err)
			require.True(t, found, "during-%d-%d lost in compaction", w, i)
		}
	}
}

func TestPurgeDuringCompactionRefused(t *testing.T) {
	u, _ := openTestDB(t, WithCompactionConfig(CompactionConfig{
		DocBufferSize:   1024,
		CheckpointAfter: 1024,
	}))

	seedDocs(t, u, "doc", 800)
	rev := putDoc(t, u, &Doc{ID: "target", Body: []byte("x")})

	require.Nil(t, u.StartCompact())
	_, _, err := u.PurgeDocs([]PurgeRequest{{ID: "target", Revs: []Rev{rev}}})
	assert.ErrorIs(t, err, ErrPurgeDuringCompaction)

	require.Nil(t, u.WaitForCompaction())

	// after hand-off the purge goes through
	_, purged, err := u.PurgeDocs([]PurgeRequest{{ID: "target", Revs: []Rev{rev}}})
	require.Nil(t, err)
	require.Len(t, purged, 1)
}

func TestCancelCompact(t *testing.T) {
	u, path := openTestDB(t, WithCompactionConfig(CompactionConfig{
		DocBufferSize:   1024,
		CheckpointAfter: 1024,
	}))

	seedDocs(t, u, "doc", 800)
	require.Nil(t, u.StartCompact())
	require.Nil(t, u.CancelCompact())

	_, err := os.Stat(path + compactSuffix)
	assert.True(t, os.IsNotExist(err))

	// the database keeps working, and a fresh compaction completes
	putDoc(t, u, &Doc{ID: "after-cancel", Body: []byte("x")})
	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())
	_, found, err := snapshotOf(t, u).OpenDoc("after-cancel")
	require.Nil(t, err)
	assert.True(t, found)
}

func TestCompactionCarriesPurgeRecord(t *testing.T) {
	u, _ := openTestDB(t)

	rev := putDoc(t, u, &Doc{ID: "a", Body: []byte("1")})
	putDoc(t, u, &Doc{ID: "b", Body: []byte("2")})
	purgeSeq, _, err := u.PurgeDocs([]PurgeRequest{{ID: "a", Revs: []Rev{rev}}})
	require.Nil(t, err)
	require.Equal(t, uint64(1), purgeSeq)

	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())

	d := snapshotOf(t, u)
	assert.Equal(t, uint64(1), d.PurgeSeq())
	pl, err := d.lastPurged()
	require.Nil(t, err)
	require.Len(t, pl, 1)
	assert.Equal(t, "a", pl[0].ID)
}

func TestAttachmentFlushAndCompaction(t *testing.T) {
	u, _ := openTestDB(t)

	snap := snapshotOf(t, u)
	att, err := snap.AddAttachment("data.bin", []byte("attachment payload"))
	require.Nil(t, err)

	putDoc(t, u, &Doc{ID: "with-att", Body: []byte("doc"), Atts: []Attachment{att}})

	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())

	d := snapshotOf(t, u)
	fdi, found, err := d.OpenDoc("with-att")
	require.Nil(t, err)
	require.True(t, found)
	w := fdi.WinningRev()
	body, atts, err := d.OpenDocBody(w.Ptr)
	require.Nil(t, err)
	assert.Equal(t, []byte("doc"), body)
	require.Len(t, atts, 1)
	assert.Equal(t, "data.bin", atts[0].Name)
	data, err := atts[0].File.PreadBinary(atts[0].Ptr)
	require.Nil(t, err)
	assert.Equal(t, []byte("attachment payload"), data)
}

func TestStaleAttachmentBouncesAfterSwap(t *testing.T) {
	u, _ := openTestDB(t)

	seedDocs(t, u, "doc", 100)
	snap := snapshotOf(t, u)
	att, err := snap.AddAttachment("stale.bin", []byte("written before the swap"))
	require.Nil(t, err)

	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())

	// the attachment references the replaced file; the batch bounces
	_, err = u.UpdateDocs([]*Doc{{ID: "late", Body: []byte("x"), Atts: []Attachment{att}}})
	assert.ErrorIs(t, err, ErrWriteRetry)

	// rewriting the attachment against the live file succeeds
	fresh := snapshotOf(t, u)
	att2, err := fresh.AddAttachment("stale.bin", []byte("written before the swap"))
	require.Nil(t, err)
	results, err := u.UpdateDocs([]*Doc{{ID: "late", Body: []byte("x"), Atts: []Attachment{att2}}})
	require.Nil(t, err)
	assert.True(t, results[0].OK)
}

func TestStartCompactIsIdempotent(t *testing.T) {
	u, _ := openTestDB(t, WithCompactionConfig(CompactionConfig{
		DocBufferSize:   1024,
		CheckpointAfter: 1024,
	}))
	seedDocs(t, u, "doc", 400)

	require.Nil(t, u.StartCompact())
	require.Nil(t, u.StartCompact())
	require.Nil(t, u.WaitForCompaction())

	d := snapshotOf(t, u)
	notDeleted, _, _, _, err := d.DocCounts()
	require.Nil(t, err)
	assert.Equal(t, uint64(400), notDeleted)
}
