package store

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/keys"
)

// bumpAlloc is the watermark allocator the fs layer provides in production.
type bumpAlloc struct {
	mu   sync.Mutex
	next uint64
	bs   uint64
}

func (a *bumpAlloc) AllocBlocks(n uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := a.next
	a.next += n * a.bs
	return off, nil
}

func (a *bumpAlloc) Watermark() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *bumpAlloc) Ensure(w uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w > a.next {
		a.next = w
	}
}

type testEnv struct {
	dev   device.Device
	alloc *bumpAlloc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dev, err := device.CreateFileDevice(
		filepath.Join(t.TempDir(), "store.img"), 8192,
		device.FileDeviceConfig{BlockSize: 512})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return &testEnv{dev: dev, alloc: &bumpAlloc{bs: 512}}
}

const testJournalBlocks = 256

// newStore creates a fresh store with its journal extent allocated and the
// root directory committed, the way the fs layer does at store creation.
func (e *testEnv) newStore(t *testing.T) *ObjectStore {
	t.Helper()
	jrnlOff, err := e.alloc.AllocBlocks(testJournalBlocks)
	require.NoError(t, err)
	s, err := New(Params{
		StoreID:       1,
		RootDirID:     1,
		LastObjectID:  1,
		JournalOffset: jrnlOff,
		JournalBlocks: testJournalBlocks,
		JournalEpoch:  1,
		Device:        e.dev,
		Alloc:         e.alloc,
		Config:        DefaultConfig(),
	})
	require.NoError(t, err)

	txn := NewTransaction()
	require.NoError(t, txn.Stage(s, &keys.Item{
		Key:   keys.AttributeKey(1, keys.DefaultAttr),
		Value: keys.AttributeValue{Kind: keys.KindDirectory},
	}))
	require.NoError(t, txn.Commit())
	return s
}

// reopen rebuilds the store from its persisted layer set plus journal
// replay, simulating a crash (no checkpoint) or a clean reopen.
func (e *testEnv) reopen(t *testing.T, s *ObjectStore, layers bool) *ObjectStore {
	t.Helper()
	p := Params{
		StoreID:       s.storeID,
		RootDirID:     s.rootDirID,
		LastObjectID:  1,
		JournalOffset: s.JournalOffset(),
		JournalBlocks: testJournalBlocks,
		JournalEpoch:  s.JournalEpoch(),
		Device:        e.dev,
		Alloc:         e.alloc,
		Config:        DefaultConfig(),
	}
	if layers {
		// A checkpointed reopen carries the persisted layer set and object
		// id counter, the way store-info records do.
		p.Layers = s.Tree().LayerInfos()
		p.LastObjectID = s.LastObjectID()
	}
	fresh, err := New(p)
	require.NoError(t, err)
	require.NoError(t, fresh.Replay())
	return fresh
}

func TestObject_WriteReadRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	data := []byte("hello, extents")
	require.NoError(t, h.WriteAt(nil, 0, data))
	require.Equal(t, uint64(len(data)), h.Size())

	got := make([]byte, len(data))
	n, err := h.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)
}

func TestObject_OverwriteMiddle(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	base := bytes.Repeat([]byte("a"), 100)
	require.NoError(t, h.WriteAt(nil, 0, base))
	require.NoError(t, h.WriteAt(nil, 30, bytes.Repeat([]byte("b"), 20)))

	want := append([]byte(nil), base...)
	copy(want[30:], bytes.Repeat([]byte("b"), 20))
	got := make([]byte, 100)
	_, err = h.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestObject_SparseWriteReadsZeros(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	// A small write far into the object leaves a hole before it.
	require.NoError(t, h.WriteAt(nil, 10000, []byte("bar")))
	require.Equal(t, uint64(10003), h.Size())

	got := make([]byte, 10003)
	_, err = h.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0}, 10000), got[:10000])
	require.Equal(t, []byte("bar"), got[10000:])
}

func TestObject_ReadBeyondSize(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, h.WriteAt(nil, 0, []byte("short")))

	_, err = h.ReadAt(3, make([]byte, 10))
	require.ErrorIs(t, err, ErrRange)
}

func TestObject_TruncateShrinkHidesOldBytes(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.NoError(t, h.WriteAt(nil, 0, []byte("0123456789")))
	require.NoError(t, h.Truncate(nil, 4))
	require.Equal(t, uint64(4), h.Size())

	// Growing again exposes zeros, not the old tail.
	require.NoError(t, h.Truncate(nil, 10))
	got := make([]byte, 10)
	_, err = h.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, []byte{'0', '1', '2', '3', 0, 0, 0, 0, 0, 0}, got)
}

func TestObject_VisibleOnlyAfterCommit(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.CreateObject(txn, CreateOptions{})
	require.NoError(t, err)

	// Uncommitted handles accept writes, but other openers see nothing.
	require.NoError(t, h.WriteAt(txn, 0, []byte("staged")))
	_, err = s.OpenObject(h.ObjectID())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())
	reopened, err := s.OpenObject(h.ObjectID())
	require.NoError(t, err)
	require.Equal(t, uint64(6), reopened.Size())

	got := make([]byte, 6)
	_, err = reopened.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), got)
}

func TestTransaction_DropDiscardsStagedMutations(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.RootDirectory().CreateChildFile(txn, "doomed")
	require.NoError(t, err)
	txn.Drop()

	_, _, found, err := s.RootDirectory().Lookup("doomed")
	require.NoError(t, err)
	require.False(t, found)
	_, err = s.OpenObject(h.ObjectID())
	require.ErrorIs(t, err, ErrNotFound)

	// The locks are free again.
	txn2 := NewTransaction()
	_, err = s.RootDirectory().CreateChildFile(txn2, "doomed")
	require.NoError(t, err)
	require.NoError(t, txn2.Commit())
}

func TestTransaction_Consumed(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	_, err := s.RootDirectory().CreateChildFile(txn, "f")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.ErrorIs(t, txn.Commit(), ErrCommitted)
	require.ErrorIs(t, txn.Stage(s, &keys.Item{Key: keys.AttributeKey(99, 0)}), ErrCommitted)
}

func TestTransaction_ObjectLockSerializes(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn1 := NewTransaction()
	require.NoError(t, txn1.Lock(s, 42))

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		txn2 := NewTransaction()
		close(entered)
		_ = txn2.Lock(s, 42) // blocks until txn1 commits
		txn2.Drop()
		close(done)
	}()

	<-entered
	select {
	case <-done:
		t.Fatal("second transaction acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, txn1.Commit())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released by commit")
	}
}

func TestDirectory_LookupAbsentIsNotError(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)
	root := s.RootDirectory()

	txn := NewTransaction()
	_, err := root.CreateChildFile(txn, "foo")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	_, _, found, err := root.Lookup("bar")
	require.NoError(t, err)
	require.False(t, found)

	id, kind, found, err := root.Lookup("foo")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.KindFile, kind)
	require.NotZero(t, id)
}

func TestDirectory_DuplicateName(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)
	root := s.RootDirectory()

	txn := NewTransaction()
	_, err := root.CreateChildFile(txn, "foo")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2 := NewTransaction()
	defer txn2.Drop()
	_, err = root.CreateChildFile(txn2, "foo")
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDirectory_EntriesSorted(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)
	root := s.RootDirectory()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		txn := NewTransaction()
		_, err := root.CreateChildFile(txn, name)
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
	}
	txn := NewTransaction()
	_, err := root.CreateChildDir(txn, "delta")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	entries, err := root.Entries()
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, ent := range entries {
		names[i] = ent.Name
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, names)
	require.Equal(t, keys.KindDirectory, entries[3].Kind)
}

func TestStore_JournalReplayRestoresCommits(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.RootDirectory().CreateChildFile(txn, "foo")
	require.NoError(t, err)
	require.NoError(t, h.WriteAt(txn, 0, []byte("payload")))
	require.NoError(t, txn.Commit())
	require.NoError(t, e.dev.Flush())

	// Crash before any checkpoint: no layers, journal only.
	fresh := e.reopen(t, s, false)
	require.True(t, fresh.Dirty())
	require.Equal(t, h.ObjectID(), fresh.LastObjectID())

	id, kind, found, err := fresh.RootDirectory().Lookup("foo")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.KindFile, kind)

	got := make([]byte, 7)
	reopened, err := fresh.OpenObject(id)
	require.NoError(t, err)
	_, err = reopened.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestStore_CheckpointCleansAndSurvives(t *testing.T) {
	e := newTestEnv(t)
	s := e.newStore(t)

	txn := NewTransaction()
	h, err := s.RootDirectory().CreateChildFile(txn, "foo")
	require.NoError(t, err)
	require.NoError(t, h.WriteAt(txn, 0, []byte("durable")))
	require.NoError(t, txn.Commit())

	layers, err := s.BeginCheckpoint()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.NoError(t, e.dev.Flush())
	s.EndCheckpoint(2)
	require.False(t, s.Dirty())

	// Reopen from layers with the advanced epoch: stale journal frames are
	// ignored, the layer set carries everything.
	fresh := e.reopen(t, s, true)
	require.False(t, fresh.Dirty())

	id, _, found, err := fresh.RootDirectory().Lookup("foo")
	require.NoError(t, err)
	require.True(t, found)
	reopened, err := fresh.OpenObject(id)
	require.NoError(t, err)
	got := make([]byte, 7)
	_, err = reopened.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)
}
