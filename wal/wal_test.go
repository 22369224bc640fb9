package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, optFns ...func(*Options)) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := New(append([]func(*Options){func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	}}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestCommitRoundTrip(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(
		&Entry{Kind: KindBegin, TxID: 1, Version: 10},
		&Entry{Kind: KindAlloc, TxID: 1, Src: 2, ExtentOff: 4096, ObjOff: 64, Size: 32, Ptrs: 1, Class: 0, Payload: []byte("hello")},
		&Entry{Kind: KindPtrSet, TxID: 1, Src: 2, ExtentOff: 4096, ObjOff: 0, Field: 3, Target: 0xDEAD},
	))
	require.NoError(t, w.Commit(1, 11))

	txs, last, err := w.ReplayCommitted()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), last)
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(1), txs[0].TxID)
	assert.Equal(t, uint64(10), txs[0].ReadVersion)
	assert.Equal(t, uint64(11), txs[0].CommitVersion)
	require.Len(t, txs[0].Entries, 2)
	assert.Equal(t, KindAlloc, txs[0].Entries[0].Kind)
	assert.Equal(t, []byte("hello"), txs[0].Entries[0].Payload)
	assert.Equal(t, KindPtrSet, txs[0].Entries[1].Kind)
	assert.Equal(t, uint64(0xDEAD), txs[0].Entries[1].Target)
}

func TestUncommittedDropped(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(
		&Entry{Kind: KindBegin, TxID: 1, Version: 1},
		&Entry{Kind: KindAlloc, TxID: 1, Src: 1, Size: 8},
	))
	// No commit record for tx 1.
	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 2, Version: 1}))
	require.NoError(t, w.Commit(2, 5))

	txs, last, err := w.ReplayCommitted()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(2), txs[0].TxID)
}

func TestReplayOrderedByCommitVersion(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 7, Version: 0}))
	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 8, Version: 0}))
	require.NoError(t, w.Commit(8, 2))
	require.NoError(t, w.Commit(7, 1))

	txs, _, err := w.ReplayCommitted()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(1), txs[0].CommitVersion)
	assert.Equal(t, uint64(2), txs[1].CommitVersion)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := New(func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)
	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 1, Version: 0}))
	require.NoError(t, w.Commit(1, 3))
	require.NoError(t, w.Close())

	w2, err := New(func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)
	defer w2.Close()

	txs, last, err := w2.ReplayCommitted()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	assert.Len(t, txs, 1)

	// New records continue after the reopened sequence.
	require.NoError(t, w2.Append(&Entry{Kind: KindBegin, TxID: 2, Version: 3}))
	require.NoError(t, w2.Commit(2, 4))
	txs, last, err = w2.ReplayCommitted()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
	assert.Len(t, txs, 2)
}

func TestTornTailIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := New(func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)
	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 1, Version: 0}))
	require.NoError(t, w.Commit(1, 1))
	path := w.FilePath()
	require.NoError(t, w.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x09, 0x00, 0x00, 0x00, 0xAA, 0xBB})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w2.Close()

	txs, last, err := w2.ReplayCommitted()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
	assert.Len(t, txs, 1)
}

func TestCheckpointTruncates(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 1, Version: 0}))
	require.NoError(t, w.Commit(1, 1))
	require.NoError(t, w.Checkpoint())

	txs, last, err := w.ReplayCommitted()
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Zero(t, last)

	// The log stays usable after truncation.
	require.NoError(t, w.Append(&Entry{Kind: KindBegin, TxID: 2, Version: 1}))
	require.NoError(t, w.Commit(2, 2))
	txs, _, err = w.ReplayCommitted()
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCompressedLog(t *testing.T) {
	dir := t.TempDir()
	w, err := New(func(o *Options) {
		o.Path = dir
		o.Compress = true
		o.DurabilityMode = DurabilitySync
	})
	require.NoError(t, err)

	payload := make([]byte, 4096)
	require.NoError(t, w.Append(
		&Entry{Kind: KindBegin, TxID: 1, Version: 0},
		&Entry{Kind: KindAlloc, TxID: 1, Src: 1, Size: 4096, Payload: payload},
	))
	require.NoError(t, w.Commit(1, 1))
	require.NoError(t, w.Close())

	w2, err := New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w2.Close()

	txs, _, err := w2.ReplayCommitted()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, payload, txs[0].Entries[0].Payload)

	_, err = os.Stat(filepath.Join(dir, "tierheap.wal"))
	assert.NoError(t, err)
}

func TestMergeRecord(t *testing.T) {
	w := openTestWAL(t)
	require.NoError(t, w.Append(
		&Entry{Kind: KindBegin, TxID: 1, Version: 0},
		&Entry{Kind: KindMerge, TxID: 1, Src: 1, ExtentOff: 0, ObjOff: 32, Name: "sum", Payload: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
	))
	require.NoError(t, w.Commit(1, 1))

	txs, _, err := w.ReplayCommitted()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Entries, 1)
	assert.Equal(t, "sum", txs[0].Entries[0].Name)
}
