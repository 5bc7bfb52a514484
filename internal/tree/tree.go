package tree

import (
	"math"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/keys"
	"github.com/keelfs/keelfs/internal/metrics"
)

const mutableDegree = 16

// Config configures merge-tree behavior.
type Config struct {
	// CompactThreshold is the immutable-layer count that triggers a fold
	// into a single layer.
	CompactThreshold int
	// CacheBlocks is the shared data-block cache capacity, in blocks.
	CacheBlocks int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CompactThreshold: 4,
		CacheBlocks:      256,
	}
}

// Tree is one merge tree: a mutable btree layer over immutable on-disk
// layers, newest first.
type Tree struct {
	mu      sync.RWMutex
	mutable *btree.BTreeG[*keys.Item]
	layers  []*Layer
	dev     device.Device
	config  Config
	cache   *blockCache
	log     *zap.Logger
	met     *metrics.Metrics
}

// New creates an empty tree over the device.
func New(dev device.Device, config Config, log *zap.Logger, met *metrics.Metrics) *Tree {
	if config.CompactThreshold <= 0 {
		config.CompactThreshold = DefaultConfig().CompactThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tree{
		mutable: btree.NewG[*keys.Item](mutableDegree, keys.ItemLess),
		dev:     dev,
		config:  config,
		cache:   newBlockCache(config.CacheBlocks, met),
		log:     log,
		met:     met,
	}
}

// AttachLayers opens the persisted layer set referenced by a checkpoint.
// infos must be ordered newest first, matching how they are recorded.
func (t *Tree) AttachLayers(infos []LayerInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	layers := make([]*Layer, 0, len(infos))
	for _, info := range infos {
		l, err := OpenLayer(t.dev, info, t.cache)
		if err != nil {
			return err
		}
		layers = append(layers, l)
	}
	t.layers = layers
	return nil
}

// LayerInfos returns the current immutable layer set, newest first.
func (t *Tree) LayerInfos() []LayerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := make([]LayerInfo, len(t.layers))
	for i, l := range t.layers {
		infos[i] = l.info
	}
	return infos
}

// MutableLen returns the record count of the mutable layer.
func (t *Tree) MutableLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mutable.Len()
}

// Apply inserts one record into the mutable layer. Extent records go
// through ReplaceRange; point records replace any prior record of the same
// key.
func (t *Tree) Apply(it *keys.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apply(it)
}

// ApplyBatch inserts records in order under a single lock acquisition, the
// unit used by transaction commit and journal replay.
func (t *Tree) ApplyBatch(items []*keys.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range items {
		t.apply(it)
	}
}

func (t *Tree) apply(it *keys.Item) {
	if it.Key.Family == keys.FamilyExtent {
		t.replaceRange(it)
		return
	}
	t.mutable.ReplaceOrInsert(it)
}

// replaceRange inserts an extent record, splitting the mutable records it
// overlaps so the layer keeps a non-overlapping cover with the new range
// taking precedence. One prior record yields at most a before-piece and an
// after-piece around the new range.
func (t *Tree) replaceRange(it *keys.Item) {
	newK := it.Key

	var overlapping []*keys.Item
	// An extent starting at or before the new range: only the nearest can
	// overlap, since records within one layer never overlap each other.
	pivot := &keys.Item{Key: keys.ExtentKey(newK.ObjectID, newK.Attr, newK.Start, math.MaxUint64)}
	t.mutable.DescendLessOrEqual(pivot, func(e *keys.Item) bool {
		if sameExtentAttr(e.Key, newK) && e.Key.Overlaps(newK) {
			overlapping = append(overlapping, e)
		}
		return false
	})
	// Extents starting inside the new range.
	t.mutable.AscendGreaterOrEqual(pivot, func(e *keys.Item) bool {
		if !sameExtentAttr(e.Key, newK) || e.Key.Start >= newK.End {
			return false
		}
		if e.Key.Overlaps(newK) {
			overlapping = append(overlapping, e)
		}
		return true
	})

	for _, old := range overlapping {
		t.mutable.Delete(old)
		if old.Key.Start < newK.Start {
			t.mutable.ReplaceOrInsert(keys.SliceExtent(old, old.Key.Start, newK.Start))
		}
		if old.Key.End > newK.End {
			t.mutable.ReplaceOrInsert(keys.SliceExtent(old, newK.End, old.Key.End))
		}
	}
	t.mutable.ReplaceOrInsert(it)
}

func sameExtentAttr(k, o keys.Key) bool {
	return k.Family == keys.FamilyExtent && k.ObjectID == o.ObjectID && k.Attr == o.Attr
}

// Lookup resolves a point key across all layers, newest first. A tombstone
// in a newer layer hides older records. ok is false when the key is absent.
func (t *Tree) Lookup(k keys.Key) (*keys.Item, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if it, found := t.mutable.Get(&keys.Item{Key: k}); found {
		if _, dead := it.Value.(keys.Tombstone); dead {
			return nil, false, nil
		}
		return it, true, nil
	}
	for _, l := range t.layers {
		it, found, err := l.find(k)
		if err != nil {
			return nil, false, err
		}
		if found {
			if _, dead := it.Value.(keys.Tombstone); dead {
				return nil, false, nil
			}
			return it, true, nil
		}
	}
	return nil, false, nil
}

// LookupExtents resolves the extent cover of [start, end) for one object
// attribute across all layers: the newest layer wins for the bytes it
// covers, clipped results come back sorted by start. Uncovered gaps are
// holes the caller reads as zeros.
func (t *Tree) LookupExtents(objectID uint64, attr uint32, start, end uint64) ([]*keys.Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	groups := make([][]*keys.Item, 0, 1+len(t.layers))
	groups = append(groups, t.mutableExtentsIn(objectID, attr, start, end))
	for _, l := range t.layers {
		g, err := l.extentsIn(objectID, attr, start, end)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return resolveExtents(groups), nil
}

func (t *Tree) mutableExtentsIn(objectID uint64, attr uint32, start, end uint64) []*keys.Item {
	var out []*keys.Item
	pivot := &keys.Item{Key: keys.ExtentKey(objectID, attr, start, math.MaxUint64)}
	t.mutable.DescendLessOrEqual(pivot, func(e *keys.Item) bool {
		if sameExtentAttr(e.Key, pivot.Key) && e.Key.End > start && e.Key.Start < end {
			out = append(out, keys.SliceExtent(e, max(e.Key.Start, start), min(e.Key.End, end)))
		}
		return false
	})
	t.mutable.AscendGreaterOrEqual(pivot, func(e *keys.Item) bool {
		if !sameExtentAttr(e.Key, pivot.Key) || e.Key.Start >= end {
			return false
		}
		if e.Key.End > start {
			out = append(out, keys.SliceExtent(e, max(e.Key.Start, start), min(e.Key.End, end)))
		}
		return true
	})
	return out
}

// resolveExtents applies newest-wins interval clipping to per-layer extent
// groups (ordered newest first) and returns the surviving pieces sorted by
// start.
func resolveExtents(groups [][]*keys.Item) []*keys.Item {
	var claimed intervals
	var out []*keys.Item
	for _, g := range groups {
		for _, e := range g {
			for _, s := range claimed.subtract(e.Key.Start, e.Key.End) {
				out = append(out, keys.SliceExtent(e, s.start, s.end))
			}
			claimed.add(e.Key.Start, e.Key.End)
		}
	}
	sortItems(out)
	return out
}

func sortItems(items []*keys.Item) {
	// Insertion sort: groups arrive nearly sorted and stay small.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && keys.Compare(items[j].Key, items[j-1].Key) < 0; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Seal freezes the mutable layer into a new immutable layer and replaces it
// with an empty one. An empty mutable layer seals to nothing, which keeps
// repeated checkpoints from growing the layer set.
func (t *Tree) Seal(alloc AllocFunc) (*LayerInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mutable.Len() == 0 {
		return nil, nil
	}
	items := make([]*keys.Item, 0, t.mutable.Len())
	t.mutable.Ascend(func(it *keys.Item) bool {
		items = append(items, it)
		return true
	})

	layer, err := WriteLayer(t.dev, alloc, items, t.cache)
	if err != nil {
		return nil, err
	}
	t.layers = append([]*Layer{layer}, t.layers...)
	t.mutable = btree.NewG[*keys.Item](mutableDegree, keys.ItemLess)
	t.met.RecordFlush()
	t.log.Debug("mutable layer sealed",
		zap.Uint64("offset", layer.info.Offset),
		zap.Uint64("items", layer.info.Items),
		zap.Int("layers", len(t.layers)))
	info := layer.info
	return &info, nil
}

// NeedsCompaction reports whether the layer set has grown past the
// configured threshold.
func (t *Tree) NeedsCompaction() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.layers) > t.config.CompactThreshold
}

// Compact folds all immutable layers into a single new layer. Tombstones
// and unmapped extents drop out: with nothing older left to shadow, they
// carry no information. Old layer extents are left behind on the device
// for the allocator's accounting (space is reclaimed only by rewriting the
// image).
func (t *Tree) Compact(alloc AllocFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.layers) <= 1 {
		return nil
	}

	sources := make([]iterSource, len(t.layers))
	for i, l := range t.layers {
		sources[i] = &layerSource{it: l.iter()}
	}
	merged := newMergedIter(sources, true)

	var items []*keys.Item
	for {
		it, err := merged.Next()
		if err != nil {
			return err
		}
		if it == nil {
			break
		}
		items = append(items, it)
	}

	old := len(t.layers)
	if len(items) == 0 {
		t.layers = nil
	} else {
		layer, err := WriteLayer(t.dev, alloc, items, t.cache)
		if err != nil {
			return err
		}
		t.layers = []*Layer{layer}
	}
	t.met.RecordCompaction()
	t.log.Info("layers compacted",
		zap.Int("before", old),
		zap.Int("after", len(t.layers)))
	return nil
}

// Iter returns a restartable snapshot iterator over the merged record
// sequence in key order. The mutable layer is snapshotted at creation, so
// later mutations do not disturb an in-flight iteration.
func (t *Tree) Iter() *Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make([]*keys.Item, 0, t.mutable.Len())
	t.mutable.Ascend(func(it *keys.Item) bool {
		snapshot = append(snapshot, it)
		return true
	})
	layers := append([]*Layer(nil), t.layers...)
	return &Iterator{snapshot: snapshot, layers: layers}
}

// DumpMutableLayer returns the raw mutable-layer records in key order, a
// debugging aid only.
func (t *Tree) DumpMutableLayer() []*keys.Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*keys.Item, 0, t.mutable.Len())
	t.mutable.Ascend(func(it *keys.Item) bool {
		out = append(out, it)
		return true
	})
	return out
}
