package store

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/journal"
	"github.com/keelfs/keelfs/internal/keys"
	"github.com/keelfs/keelfs/internal/metrics"
	"github.com/keelfs/keelfs/internal/tree"
)

// Allocator is the device-space allocator shared by every store on one
// filesystem. Implemented by the fs layer as a persisted watermark.
type Allocator interface {
	// AllocBlocks reserves n contiguous blocks, returning their device
	// byte offset.
	AllocBlocks(n uint64) (uint64, error)
	// Watermark returns the current high-water mark in device bytes.
	Watermark() uint64
	// Ensure raises the watermark to at least w. Used during journal
	// replay so blocks referenced by replayed records are never reissued.
	Ensure(w uint64)
}

// Config configures an object store.
type Config struct {
	// Tree configures the store's merge tree.
	Tree tree.Config
	// JournalBlocks is the journal extent length, in device blocks.
	JournalBlocks uint32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tree:          tree.DefaultConfig(),
		JournalBlocks: 1024,
	}
}

// Params wires up an ObjectStore. The fs layer builds these from the
// superblock (root store) or from store-info records (volumes).
type Params struct {
	StoreID       uint64
	RootDirID     uint64
	LastObjectID  uint64
	JournalOffset uint64
	JournalBlocks uint32
	JournalEpoch  uint64
	Layers        []tree.LayerInfo
	Device        device.Device
	Alloc         Allocator
	Config        Config
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// ObjectStore owns one merge tree plus one journal and manages the objects
// living in them.
type ObjectStore struct {
	storeID   uint64
	rootDirID uint64

	dev   device.Device
	tr    *tree.Tree
	jrnl  *journal.Journal
	alloc Allocator
	locks *lockManager

	// commitMu serializes journal appends with mutable-layer application,
	// making each committed batch indivisible to readers.
	commitMu sync.Mutex

	lastObjectID atomic.Uint64
	dirty        atomic.Bool

	log *zap.Logger
	met *metrics.Metrics
}

// New assembles a store from params; the caller replays the journal before
// use via Replay.
func New(p Params) (*ObjectStore, error) {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	tr := tree.New(p.Device, p.Config.Tree, p.Logger, p.Metrics)
	if err := tr.AttachLayers(p.Layers); err != nil {
		return nil, fmt.Errorf("store %d: attach layers: %w", p.StoreID, err)
	}
	s := &ObjectStore{
		storeID:   p.StoreID,
		rootDirID: p.RootDirID,
		dev:       p.Device,
		tr:        tr,
		jrnl:      journal.New(p.Device, p.JournalOffset, p.JournalBlocks, p.JournalEpoch, p.Logger, p.Metrics),
		alloc:     p.Alloc,
		locks:     newLockManager(),
		log:       p.Logger.With(zap.Uint64("store", p.StoreID)),
		met:       p.Metrics,
	}
	s.lastObjectID.Store(p.LastObjectID)
	return s, nil
}

// StoreID returns the store's id within the root store's namespace.
func (s *ObjectStore) StoreID() uint64 { return s.storeID }

// RootDirectoryID returns the store's well-known root directory object id.
func (s *ObjectStore) RootDirectoryID() uint64 { return s.rootDirID }

// LastObjectID returns the highest object id assigned so far.
func (s *ObjectStore) LastObjectID() uint64 { return s.lastObjectID.Load() }

// Tree exposes the store's merge tree, used by the fs layer and tooling.
func (s *ObjectStore) Tree() *tree.Tree { return s.tr }

// JournalEpoch returns the journal's current epoch for checkpointing.
func (s *ObjectStore) JournalEpoch() uint64 { return s.jrnl.Epoch() }

// JournalOffset returns the journal extent's device byte offset.
func (s *ObjectStore) JournalOffset() uint64 { return s.jrnl.Offset() }

// JournalBlocks returns the journal extent's length in device blocks.
func (s *ObjectStore) JournalBlocks() uint32 { return s.jrnl.Blocks() }

// Dirty reports whether the store holds records not yet checkpointed.
func (s *ObjectStore) Dirty() bool { return s.dirty.Load() }

// AllocObjectID assigns a fresh object id. Ids consumed by abandoned
// transactions are not reused; monotonicity is the only guarantee.
func (s *ObjectStore) AllocObjectID() uint64 {
	return s.lastObjectID.Add(1)
}

// Replay rebuilds the mutable layer from journal entries written after the
// last checkpoint. Replayed records mark the store dirty: they still need a
// checkpoint to be anchored by a superblock.
func (s *ObjectStore) Replay() error {
	return s.jrnl.Replay(func(payload []byte) error {
		if len(payload) < 8 {
			return fmt.Errorf("store %d: short journal payload: %w", s.storeID, ErrInconsistent)
		}
		watermark := binary.LittleEndian.Uint64(payload)
		items, _, err := keys.DecodeBatch(payload[8:])
		if err != nil {
			return fmt.Errorf("store %d: journal batch: %w", s.storeID, err)
		}
		s.alloc.Ensure(watermark)
		s.tr.ApplyBatch(items)
		for _, it := range items {
			if it.Key.ObjectID > s.lastObjectID.Load() {
				s.lastObjectID.Store(it.Key.ObjectID)
			}
		}
		s.dirty.Store(true)
		return nil
	})
}

// commitShare applies one transaction's batch for this store: journal
// append first, then the mutable layer, under the commit lock so no reader
// observes a partial batch.
func (s *ObjectStore) commitShare(items []*keys.Item) error {
	if len(items) == 0 {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	payload := binary.LittleEndian.AppendUint64(nil, s.alloc.Watermark())
	payload = keys.AppendBatch(payload, items)
	if err := s.jrnl.Append(payload); err != nil {
		return fmt.Errorf("store %d: commit: %w", s.storeID, err)
	}
	s.tr.ApplyBatch(items)
	s.dirty.Store(true)
	s.met.RecordCommit()
	return nil
}

// BeginCheckpoint freezes commits, seals the mutable layer and folds the
// layer set when it has outgrown the compaction threshold. Returns the
// resulting layer set, newest first. The store stays frozen (commits
// block) until EndCheckpoint or AbortCheckpoint, so no commit can slip
// between the seal and the journal epoch advance and be stamped with an
// epoch the next replay would discard.
//
// Safe to call with a clean store: sealing an empty mutable layer writes
// nothing.
func (s *ObjectStore) BeginCheckpoint() ([]tree.LayerInfo, error) {
	s.commitMu.Lock()
	if _, err := s.tr.Seal(s.allocBlocks); err != nil {
		s.commitMu.Unlock()
		return nil, fmt.Errorf("store %d: seal: %w", s.storeID, err)
	}
	if s.tr.NeedsCompaction() {
		if err := s.tr.Compact(s.allocBlocks); err != nil {
			s.commitMu.Unlock()
			return nil, fmt.Errorf("store %d: compact: %w", s.storeID, err)
		}
	}
	return s.tr.LayerInfos(), nil
}

// EndCheckpoint is called after a new superblock anchoring this store's
// layer set is durable: the journal rewinds under the fresh epoch, the
// store is clean, and commits unfreeze.
func (s *ObjectStore) EndCheckpoint(epoch uint64) {
	s.jrnl.Advance(epoch)
	s.dirty.Store(false)
	s.commitMu.Unlock()
}

// AbortCheckpoint unfreezes commits without advancing the journal. Layers
// sealed by BeginCheckpoint stay attached; the journal still covers their
// records, so replay double-applies them, which is idempotent.
func (s *ObjectStore) AbortCheckpoint() {
	s.commitMu.Unlock()
}

// Compact folds the store's immutable layers regardless of threshold, the
// memory-pressure escape hatch. The store comes out dirty: the folded
// layer set still needs a checkpoint to be anchored by a superblock.
func (s *ObjectStore) Compact() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := s.tr.Compact(s.allocBlocks); err != nil {
		return fmt.Errorf("store %d: compact: %w", s.storeID, err)
	}
	s.dirty.Store(true)
	return nil
}

func (s *ObjectStore) allocBlocks(n uint64) (uint64, error) {
	return s.alloc.AllocBlocks(n)
}

// CreateOptions selects what kind of object to create.
type CreateOptions struct {
	// Kind defaults to KindFile.
	Kind keys.ObjectKind
}

// CreateObject allocates a fresh object id and stages its metadata record
// into txn. The returned handle is usable for I/O immediately, but nothing
// is visible to other openers until the transaction commits.
func (s *ObjectStore) CreateObject(txn *Transaction, opts CreateOptions) (*ObjectHandle, error) {
	kind := opts.Kind
	if kind == 0 {
		kind = keys.KindFile
	}
	id := s.AllocObjectID()
	if err := txn.Lock(s, id); err != nil {
		return nil, err
	}
	if err := txn.Stage(s, &keys.Item{
		Key:   keys.AttributeKey(id, keys.DefaultAttr),
		Value: keys.AttributeValue{Kind: kind},
	}); err != nil {
		return nil, err
	}
	return &ObjectHandle{store: s, objectID: id, kind: kind}, nil
}

// OpenObject resolves an existing object id through the tree.
func (s *ObjectStore) OpenObject(id uint64) (*ObjectHandle, error) {
	it, found, err := s.tr.Lookup(keys.AttributeKey(id, keys.DefaultAttr))
	if err != nil {
		return nil, fmt.Errorf("store %d: open object %d: %w", s.storeID, id, err)
	}
	if !found {
		return nil, fmt.Errorf("store %d: object %d: %w", s.storeID, id, ErrNotFound)
	}
	attr, ok := it.Value.(keys.AttributeValue)
	if !ok {
		return nil, fmt.Errorf("store %d: object %d metadata has wrong value type: %w",
			s.storeID, id, ErrInconsistent)
	}
	return &ObjectHandle{store: s, objectID: id, kind: attr.Kind, size: attr.Size}, nil
}
