package fs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/keys"
	"github.com/keelfs/keelfs/internal/metrics"
	"github.com/keelfs/keelfs/internal/store"
)

const (
	rootStoreID = 1
	rootDirID   = 1

	// volumesDirName is the catalog directory under the root store's root
	// directory holding one entry per volume.
	volumesDirName = "volumes"
)

// Config configures a filesystem.
type Config struct {
	// Store configures every object store on the filesystem. Journal
	// geometry applies only to stores created under this config; existing
	// stores keep the geometry they were created with.
	Store store.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Store: store.DefaultConfig()}
}

// Volume is one mounted child store plus its name in the root namespace.
type Volume struct {
	name string
	st   *store.ObjectStore
}

// Name returns the volume's name.
func (v *Volume) Name() string { return v.name }

// Store returns the volume's object store.
func (v *Volume) Store() *store.ObjectStore { return v.st }

// RootDirectory returns the volume's root directory.
func (v *Volume) RootDirectory() *store.Directory { return v.st.RootDirectory() }

// Filesystem is the assembled engine: the device, the allocator, the root
// store and every volume, opened eagerly so allocator state and descriptor
// records are always in memory.
type Filesystem struct {
	dev   device.Device
	cfg   Config
	alloc *blockAlloc
	guid  uuid.UUID

	// mu guards the volume registry and serializes Sync. Store commits do
	// not take it; they synchronize with Sync through each store's own
	// checkpoint freeze.
	mu          sync.Mutex
	generation  uint64
	root        *store.ObjectStore
	catalog     *store.Directory
	volumes     map[uint64]*Volume
	byName      map[string]*Volume
	lastStoreID uint64

	log *zap.Logger
	met *metrics.Metrics
}

// Mkfs formats dev and returns the mounted filesystem. Everything on the
// device is considered free space; the previous contents, if any, are
// unreachable after the first superblock write.
func Mkfs(dev device.Device, cfg Config, log *zap.Logger, met *metrics.Metrics) (*Filesystem, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dev.ReadOnly() {
		return nil, fmt.Errorf("mkfs: %w", device.ErrReadOnly)
	}
	minBlocks := uint64(1 + cfg.Store.JournalBlocks + 16)
	if dev.BlockCount() < minBlocks {
		return nil, fmt.Errorf("mkfs: device has %d blocks, need at least %d: %w",
			dev.BlockCount(), minBlocks, ErrNoSpace)
	}

	f := &Filesystem{
		dev:         dev,
		cfg:         cfg,
		alloc:       newBlockAlloc(dev.BlockSize(), dev.BlockCount(), uint64(dev.BlockSize())),
		guid:        uuid.New(),
		generation:  1,
		volumes:     make(map[uint64]*Volume),
		byName:      make(map[string]*Volume),
		lastStoreID: rootStoreID,
		log:         log.Named("fs"),
		met:         met,
	}

	jrnlOff, err := f.alloc.AllocBlocks(uint64(cfg.Store.JournalBlocks))
	if err != nil {
		return nil, fmt.Errorf("mkfs: root journal: %w", err)
	}
	f.root, err = store.New(store.Params{
		StoreID:       rootStoreID,
		RootDirID:     rootDirID,
		LastObjectID:  rootDirID,
		JournalOffset: jrnlOff,
		JournalBlocks: cfg.Store.JournalBlocks,
		JournalEpoch:  f.generation,
		Device:        dev,
		Alloc:         f.alloc,
		Config:        cfg.Store,
		Logger:        f.log,
		Metrics:       met,
	})
	if err != nil {
		return nil, fmt.Errorf("mkfs: root store: %w", err)
	}

	txn := store.NewTransaction()
	if err := txn.Stage(f.root, &keys.Item{
		Key:   keys.AttributeKey(rootDirID, keys.DefaultAttr),
		Value: keys.AttributeValue{Kind: keys.KindDirectory},
	}); err != nil {
		return nil, err
	}
	catalog, err := f.root.RootDirectory().CreateChildDir(txn, volumesDirName)
	if err != nil {
		return nil, fmt.Errorf("mkfs: volume catalog: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("mkfs: root directory: %w", err)
	}
	f.catalog = catalog

	if err := f.Sync(SyncOptions{NewSuperBlock: true}); err != nil {
		return nil, fmt.Errorf("mkfs: initial sync: %w", err)
	}
	f.met.SetOpenStores(1)
	f.log.Info("formatted",
		zap.String("guid", f.guid.String()),
		zap.Uint64("blocks", dev.BlockCount()),
		zap.Uint32("blockSize", dev.BlockSize()))
	return f, nil
}

// Open mounts the filesystem on dev. Every volume opens eagerly: the
// allocator watermark from the superblock only bounds the root store's
// replay, and each volume's replay raises it further, so all journals must
// be replayed before the first allocation.
func Open(dev device.Device, cfg Config, log *zap.Logger, met *metrics.Metrics) (*Filesystem, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sb, err := readSuperBlock(dev)
	if err != nil {
		return nil, err
	}

	f := &Filesystem{
		dev:         dev,
		cfg:         cfg,
		alloc:       newBlockAlloc(dev.BlockSize(), dev.BlockCount(), sb.Watermark),
		guid:        sb.GUID,
		generation:  sb.Generation,
		volumes:     make(map[uint64]*Volume),
		byName:      make(map[string]*Volume),
		lastStoreID: rootStoreID,
		log:         log.Named("fs"),
		met:         met,
	}

	f.root, err = f.openStore(sb.Root)
	if err != nil {
		return nil, fmt.Errorf("open root store: %w", err)
	}
	catalogID, kind, found, err := f.root.RootDirectory().Lookup(volumesDirName)
	if err != nil {
		return nil, fmt.Errorf("open volume catalog: %w", err)
	}
	if !found || kind != keys.KindDirectory {
		return nil, fmt.Errorf("volume catalog missing or not a directory: %w", store.ErrInconsistent)
	}
	f.catalog, err = f.root.OpenDirectory(catalogID)
	if err != nil {
		return nil, fmt.Errorf("open volume catalog: %w", err)
	}

	if err := f.openVolumes(); err != nil {
		return nil, err
	}
	f.met.SetOpenStores(1 + len(f.volumes))
	f.log.Info("mounted",
		zap.String("guid", f.guid.String()),
		zap.Uint64("generation", f.generation),
		zap.Int("volumes", len(f.volumes)))
	return f, nil
}

func (f *Filesystem) openStore(info StoreInfo) (*store.ObjectStore, error) {
	s, err := store.New(store.Params{
		StoreID:       info.StoreID,
		RootDirID:     info.RootDirID,
		LastObjectID:  info.LastObjectID,
		JournalOffset: info.JournalOffset,
		JournalBlocks: info.JournalBlocks,
		JournalEpoch:  info.JournalEpoch,
		Layers:        info.Layers,
		Device:        f.dev,
		Alloc:         f.alloc,
		Config:        f.cfg.Store,
		Logger:        f.log,
		Metrics:       f.met,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Replay(); err != nil {
		return nil, fmt.Errorf("store %d: replay: %w", info.StoreID, err)
	}
	return s, nil
}

// openVolumes walks the root store for descriptor records and the root
// directory for names, mounting every volume.
func (f *Filesystem) openVolumes() error {
	infos := make(map[uint64]StoreInfo)
	iter := f.root.Tree().Iter()
	for {
		it, err := iter.Next()
		if err != nil {
			return fmt.Errorf("scan store descriptors: %w", err)
		}
		if it == nil {
			break
		}
		if it.Key.Family != keys.FamilyStoreInfo {
			continue
		}
		v, ok := it.Value.(keys.StoreInfoValue)
		if !ok {
			return fmt.Errorf("descriptor for store %d has wrong value type: %w",
				it.Key.ObjectID, store.ErrInconsistent)
		}
		info, _, err := DecodeStoreInfo(v.Data)
		if err != nil {
			return fmt.Errorf("descriptor for store %d: %w", it.Key.ObjectID, err)
		}
		infos[info.StoreID] = info
		if info.StoreID > f.lastStoreID {
			f.lastStoreID = info.StoreID
		}
	}

	entries, err := f.catalog.Entries()
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	for _, ent := range entries {
		if ent.Kind != keys.KindVolume {
			continue
		}
		info, ok := infos[ent.ObjectID]
		if !ok {
			return fmt.Errorf("volume %q points at store %d with no descriptor: %w",
				ent.Name, ent.ObjectID, store.ErrInconsistent)
		}
		s, err := f.openStore(info)
		if err != nil {
			return fmt.Errorf("open volume %q: %w", ent.Name, err)
		}
		v := &Volume{name: ent.Name, st: s}
		f.volumes[info.StoreID] = v
		f.byName[ent.Name] = v
	}
	return nil
}

// GUID returns the filesystem's identity, assigned at mkfs.
func (f *Filesystem) GUID() uuid.UUID { return f.guid }

// Generation returns the generation of the last durable superblock.
func (f *Filesystem) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// Root returns the root store.
func (f *Filesystem) Root() *store.ObjectStore { return f.root }

// NewVolume creates a volume: a fresh store plus its descriptor record and
// name entry in the root store, committed in one transaction so the volume
// is never visible without its descriptor.
func (f *Filesystem) NewVolume(name string) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byName[name]; exists {
		return nil, fmt.Errorf("volume %q: %w", name, store.ErrAlreadyExists)
	}

	storeID := f.lastStoreID + 1
	jrnlOff, err := f.alloc.AllocBlocks(uint64(f.cfg.Store.JournalBlocks))
	if err != nil {
		return nil, fmt.Errorf("volume %q: journal: %w", name, err)
	}
	s, err := store.New(store.Params{
		StoreID:       storeID,
		RootDirID:     rootDirID,
		LastObjectID:  rootDirID,
		JournalOffset: jrnlOff,
		JournalBlocks: f.cfg.Store.JournalBlocks,
		JournalEpoch:  f.generation,
		Device:        f.dev,
		Alloc:         f.alloc,
		Config:        f.cfg.Store,
		Logger:        f.log,
		Metrics:       f.met,
	})
	if err != nil {
		return nil, fmt.Errorf("volume %q: %w", name, err)
	}

	info := StoreInfo{
		StoreID:       storeID,
		RootDirID:     rootDirID,
		LastObjectID:  rootDirID,
		JournalOffset: jrnlOff,
		JournalBlocks: f.cfg.Store.JournalBlocks,
		JournalEpoch:  f.generation,
	}
	txn := store.NewTransaction()
	err = txn.Stage(s, &keys.Item{
		Key:   keys.AttributeKey(rootDirID, keys.DefaultAttr),
		Value: keys.AttributeValue{Kind: keys.KindDirectory},
	})
	if err == nil {
		err = txn.Stage(f.root, &keys.Item{
			Key:   keys.StoreInfoKey(storeID),
			Value: keys.StoreInfoValue{Data: AppendStoreInfo(nil, info)},
		})
	}
	if err == nil {
		err = f.catalog.AddChildVolume(txn, name, storeID)
	}
	if err != nil {
		txn.Drop()
		return nil, fmt.Errorf("volume %q: %w", name, err)
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("volume %q: %w", name, err)
	}

	v := &Volume{name: name, st: s}
	f.lastStoreID = storeID
	f.volumes[storeID] = v
	f.byName[name] = v
	f.met.SetOpenStores(1 + len(f.volumes))
	f.log.Info("volume created", zap.String("name", name), zap.Uint64("store", storeID))
	return v, nil
}

// Volume returns the named volume. An absent name is store.ErrNotFound; a
// catalog entry of the wrong kind is store.ErrInconsistent, as is a Volume
// entry the mount registry does not carry (volumes open eagerly, so the
// registry and the catalog must agree).
func (f *Filesystem) Volume(name string) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.byName[name]; ok {
		return v, nil
	}
	_, kind, found, err := f.catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("volume %q: %w", name, store.ErrNotFound)
	}
	if kind != keys.KindVolume {
		return nil, fmt.Errorf("volume %q: catalog entry is a %v: %w", name, kind, store.ErrInconsistent)
	}
	return nil, fmt.Errorf("volume %q: cataloged but not mounted: %w", name, store.ErrInconsistent)
}

// OpenOrCreateVolume returns the named volume, creating it if absent. Only
// a clean miss is remediated by creation; any other failure (a catalog
// entry of the wrong kind, I/O errors) surfaces unchanged.
func (f *Filesystem) OpenOrCreateVolume(name string) (*Volume, error) {
	v, err := f.Volume(name)
	if errors.Is(err, store.ErrNotFound) {
		return f.NewVolume(name)
	}
	return v, err
}

// Volumes lists the mounted volumes in name order.
func (f *Filesystem) Volumes() []*Volume {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Volume, 0, len(f.volumes))
	for _, v := range f.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SyncOptions controls a Sync.
type SyncOptions struct {
	// NewSuperBlock forces a superblock rewrite even when no store is
	// dirty. Mkfs uses it to publish the initial state.
	NewSuperBlock bool
}

// Sync is the durability barrier: every transaction committed before the
// call is anchored by a new superblock when it returns. With nothing dirty
// and no forced rewrite it is a no-op, touching the device not at all, so
// a clean filesystem can be synced repeatedly for free.
func (f *Filesystem) Sync(opts SyncOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dirty := f.root.Dirty()
	ids := make([]uint64, 0, len(f.volumes))
	for id, v := range f.volumes {
		ids = append(ids, id)
		dirty = dirty || v.st.Dirty()
	}
	if !dirty && !opts.NewSuperBlock {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	newGen := f.generation + 1

	// Phase 1: freeze and seal dirty volumes; their new layers must be
	// durable before the root store references them.
	var frozen []*store.ObjectStore
	abort := func() {
		for _, s := range frozen {
			s.AbortCheckpoint()
		}
	}
	var descriptors []*keys.Item
	for _, id := range ids {
		st := f.volumes[id].st
		if !st.Dirty() {
			continue
		}
		layers, err := st.BeginCheckpoint()
		if err != nil {
			abort()
			return fmt.Errorf("sync: %w", err)
		}
		frozen = append(frozen, st)
		descriptors = append(descriptors, &keys.Item{
			Key: keys.StoreInfoKey(id),
			Value: keys.StoreInfoValue{Data: AppendStoreInfo(nil, StoreInfo{
				StoreID:       id,
				RootDirID:     st.RootDirectoryID(),
				LastObjectID:  st.LastObjectID(),
				JournalOffset: st.JournalOffset(),
				JournalBlocks: st.JournalBlocks(),
				JournalEpoch:  newGen,
				Layers:        layers,
			})},
		})
	}
	if len(frozen) > 0 {
		if err := f.dev.Flush(); err != nil {
			abort()
			return fmt.Errorf("sync: flush volume layers: %w", err)
		}
	}

	// Phase 2: record the volumes' descriptors in the root store and seal
	// it too.
	if len(descriptors) > 0 {
		txn := store.NewTransaction()
		for _, it := range descriptors {
			if err := txn.Stage(f.root, it); err != nil {
				abort()
				return fmt.Errorf("sync: %w", err)
			}
		}
		if err := txn.Commit(); err != nil {
			abort()
			return fmt.Errorf("sync: record descriptors: %w", err)
		}
	}
	rootLayers, err := f.root.BeginCheckpoint()
	if err != nil {
		abort()
		return fmt.Errorf("sync: %w", err)
	}
	frozen = append(frozen, f.root)
	if err := f.dev.Flush(); err != nil {
		abort()
		return fmt.Errorf("sync: flush root layers: %w", err)
	}

	// Phase 3: the superblock write is the commit point.
	sb := &superBlock{
		Generation: newGen,
		GUID:       f.guid,
		Watermark:  f.alloc.Watermark(),
		Root: StoreInfo{
			StoreID:       rootStoreID,
			RootDirID:     f.root.RootDirectoryID(),
			LastObjectID:  f.root.LastObjectID(),
			JournalOffset: f.root.JournalOffset(),
			JournalBlocks: f.root.JournalBlocks(),
			JournalEpoch:  newGen,
			Layers:        rootLayers,
		},
	}
	if err := writeSuperBlock(f.dev, sb); err != nil {
		abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.dev.Flush(); err != nil {
		abort()
		return fmt.Errorf("sync: flush superblock: %w", err)
	}

	for _, s := range frozen {
		s.EndCheckpoint(newGen)
	}
	f.generation = newGen
	f.met.RecordFlush()
	f.log.Info("sync",
		zap.Uint64("generation", newGen),
		zap.Uint64("watermark", f.alloc.Watermark()))
	return nil
}

// PressureLevel is the host's memory-pressure signal.
type PressureLevel int

const (
	// PressureNormal asks for nothing.
	PressureNormal PressureLevel = iota
	// PressureWarning asks the engine to shed its mutable layers.
	PressureWarning
	// PressureCritical additionally folds every layer set, trading I/O
	// for the smallest possible footprint.
	PressureCritical
)

// SetPressure reacts to a memory-pressure signal. Warning syncs, which
// seals every mutable layer to disk; Critical also compacts every store
// first so the block caches and layer indexes shrink to one layer each.
func (f *Filesystem) SetPressure(level PressureLevel) error {
	switch level {
	case PressureNormal:
		return nil
	case PressureWarning:
		return f.Sync(SyncOptions{})
	case PressureCritical:
		f.mu.Lock()
		stores := []*store.ObjectStore{f.root}
		for _, v := range f.volumes {
			stores = append(stores, v.st)
		}
		f.mu.Unlock()
		for _, s := range stores {
			if err := s.Compact(); err != nil {
				return fmt.Errorf("pressure: %w", err)
			}
		}
		return f.Sync(SyncOptions{})
	default:
		return fmt.Errorf("pressure: unknown level %d", level)
	}
}

// Close syncs and releases the device. A read-only mount skips the sync;
// whatever replay reconstructed stays reconstructable.
func (f *Filesystem) Close() error {
	if !f.dev.ReadOnly() {
		if err := f.Sync(SyncOptions{}); err != nil {
			return err
		}
	}
	return f.dev.Close()
}
