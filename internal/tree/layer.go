package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/keys"
	"github.com/keelfs/keelfs/internal/metrics"
)

const (
	layerMagic   = 0x4b45454c // "KEEL"
	layerVersion = 1

	// header block: magic u32, version u32, items u64, dataBlocks u32,
	// indexLen u32, bloomLen u32.
	layerHeaderLen = 28

	bloomFalsePositive = 0.01
)

// LayerInfo locates a persisted immutable layer on the device.
type LayerInfo struct {
	// Offset is the device byte offset of the layer's header block.
	Offset uint64
	// Blocks is the layer's total length in blocks, header included.
	Blocks uint32
	// Items is the record count, kept for tooling.
	Items uint64
}

// AllocFunc allocates n contiguous device blocks and returns their device
// byte offset.
type AllocFunc func(blocks uint64) (uint64, error)

type blockKey struct {
	layer uint64
	block uint32
}

// blockCache is the LRU over immutable-layer data blocks, shared by all
// layers of one tree.
type blockCache struct {
	c   *lru.Cache[blockKey, []byte]
	met *metrics.Metrics
}

func newBlockCache(blocks int, met *metrics.Metrics) *blockCache {
	if blocks <= 0 {
		blocks = DefaultConfig().CacheBlocks
	}
	c, err := lru.New[blockKey, []byte](blocks)
	if err != nil {
		// Only a non-positive size errors, which the guard above excludes.
		panic(err)
	}
	return &blockCache{c: c, met: met}
}

// Layer is an immutable, on-disk, read-only set of sorted records.
type Layer struct {
	dev        device.Device
	info       LayerInfo
	bs         uint32
	dataBlocks uint32
	index      []layerIndexEntry
	filter     *bloom.BloomFilter
	cache      *blockCache
}

type layerIndexEntry struct {
	firstKey keys.Key
	block    uint32 // data block number, zero-based
}

// Info returns the layer's device location.
func (l *Layer) Info() LayerInfo { return l.info }

// WriteLayer seals items (already in key order) into a new immutable layer
// on the device and returns it ready for reads.
func WriteLayer(dev device.Device, alloc AllocFunc, items []*keys.Item, cache *blockCache) (*Layer, error) {
	bs := int(dev.BlockSize())

	// Pack records into data blocks, remembering each block's first key.
	var (
		dataBlocks [][]byte
		indexRaw   []byte
		cur        []byte
		curCount   uint32
	)
	finish := func() {
		if curCount == 0 {
			return
		}
		block := make([]byte, bs)
		binary.LittleEndian.PutUint32(block, curCount)
		copy(block[4:], cur)
		dataBlocks = append(dataBlocks, block)
		cur = cur[:0]
		curCount = 0
	}
	var pointKeys [][]byte
	for _, it := range items {
		enc := keys.AppendItem(nil, it)
		if 4+len(enc) > bs {
			return nil, fmt.Errorf("%v: %w", it.Key, ErrItemTooLarge)
		}
		if 4+len(cur)+len(enc) > bs {
			finish()
		}
		if curCount == 0 {
			indexRaw = binary.LittleEndian.AppendUint32(indexRaw, uint32(len(dataBlocks)))
			kb := keys.AppendKey(nil, it.Key)
			indexRaw = binary.LittleEndian.AppendUint16(indexRaw, uint16(len(kb)))
			indexRaw = append(indexRaw, kb...)
		}
		cur = append(cur, enc...)
		curCount++
		if it.Key.Family != keys.FamilyExtent {
			pointKeys = append(pointKeys, keys.AppendKey(nil, it.Key))
		}
	}
	finish()

	// Bloom filter over point-lookup keys only; extent resolution walks the
	// index instead.
	var bloomRaw []byte
	if len(pointKeys) > 0 {
		filter := bloom.NewWithEstimates(uint(len(pointKeys)), bloomFalsePositive)
		for _, kb := range pointKeys {
			filter.Add(kb)
		}
		var buf bytes.Buffer
		if _, err := filter.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("encode bloom filter: %w", err)
		}
		bloomRaw = buf.Bytes()
	}

	indexBlocks := blocksFor(len(indexRaw), bs)
	bloomBlocks := blocksFor(len(bloomRaw), bs)
	total := uint64(1 + len(dataBlocks) + indexBlocks + bloomBlocks)

	offset, err := alloc(total)
	if err != nil {
		return nil, fmt.Errorf("allocate layer extent: %w", err)
	}

	// Header.
	header := make([]byte, bs)
	binary.LittleEndian.PutUint32(header, layerMagic)
	binary.LittleEndian.PutUint32(header[4:], layerVersion)
	binary.LittleEndian.PutUint64(header[8:], uint64(len(items)))
	binary.LittleEndian.PutUint32(header[16:], uint32(len(dataBlocks)))
	binary.LittleEndian.PutUint32(header[20:], uint32(len(indexRaw)))
	binary.LittleEndian.PutUint32(header[24:], uint32(len(bloomRaw)))

	pos := offset
	write := func(raw []byte) error {
		buf := dev.AllocateBuffer(bs)
		defer buf.Release()
		copy(buf.Bytes(), raw)
		if err := dev.WriteAt(pos, buf); err != nil {
			return err
		}
		pos += uint64(bs)
		return nil
	}
	if err := write(header); err != nil {
		return nil, err
	}
	for _, b := range dataBlocks {
		if err := write(b); err != nil {
			return nil, err
		}
	}
	for _, region := range [][]byte{indexRaw, bloomRaw} {
		for off := 0; off < len(region); off += bs {
			end := min(off+bs, len(region))
			if err := write(region[off:end]); err != nil {
				return nil, err
			}
		}
	}

	info := LayerInfo{Offset: offset, Blocks: uint32(total), Items: uint64(len(items))}
	layer := &Layer{
		dev:        dev,
		info:       info,
		bs:         uint32(bs),
		dataBlocks: uint32(len(dataBlocks)),
		cache:      cache,
	}
	if layer.index, err = parseLayerIndex(indexRaw); err != nil {
		return nil, err
	}
	if len(bloomRaw) > 0 {
		layer.filter = &bloom.BloomFilter{}
		if _, err := layer.filter.ReadFrom(bytes.NewReader(bloomRaw)); err != nil {
			return nil, fmt.Errorf("decode bloom filter: %w", err)
		}
	}
	return layer, nil
}

// OpenLayer loads a persisted layer's header, index and bloom filter. Data
// blocks are fetched lazily through the shared cache.
func OpenLayer(dev device.Device, info LayerInfo, cache *blockCache) (*Layer, error) {
	bs := int(dev.BlockSize())

	header, err := readRegion(dev, info.Offset, 1)
	if err != nil {
		return nil, err
	}
	if len(header) < layerHeaderLen {
		return nil, fmt.Errorf("layer at %d: block smaller than header: %w", info.Offset, ErrLayerCorrupt)
	}
	if binary.LittleEndian.Uint32(header) != layerMagic {
		return nil, fmt.Errorf("layer at %d: bad magic: %w", info.Offset, ErrLayerCorrupt)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != layerVersion {
		return nil, fmt.Errorf("layer at %d: unsupported version %d: %w", info.Offset, v, ErrLayerCorrupt)
	}
	items := binary.LittleEndian.Uint64(header[8:])
	dataBlocks := binary.LittleEndian.Uint32(header[16:])
	indexLen := int(binary.LittleEndian.Uint32(header[20:]))
	bloomLen := int(binary.LittleEndian.Uint32(header[24:]))

	indexBlocks := blocksFor(indexLen, bs)
	bloomBlocks := blocksFor(bloomLen, bs)
	if uint64(1+dataBlocks)+uint64(indexBlocks+bloomBlocks) != uint64(info.Blocks) {
		return nil, fmt.Errorf("layer at %d: region sizes disagree with extent: %w", info.Offset, ErrLayerCorrupt)
	}

	layer := &Layer{
		dev:        dev,
		info:       LayerInfo{Offset: info.Offset, Blocks: info.Blocks, Items: items},
		bs:         uint32(bs),
		dataBlocks: dataBlocks,
		cache:      cache,
	}

	indexOff := info.Offset + uint64(bs)*uint64(1+dataBlocks)
	if indexLen > 0 {
		raw, err := readRegion(dev, indexOff, indexBlocks)
		if err != nil {
			return nil, err
		}
		if layer.index, err = parseLayerIndex(raw[:indexLen]); err != nil {
			return nil, err
		}
	}
	if bloomLen > 0 {
		bloomOff := indexOff + uint64(bs)*uint64(indexBlocks)
		raw, err := readRegion(dev, bloomOff, bloomBlocks)
		if err != nil {
			return nil, err
		}
		layer.filter = &bloom.BloomFilter{}
		if _, err := layer.filter.ReadFrom(bytes.NewReader(raw[:bloomLen])); err != nil {
			return nil, fmt.Errorf("layer at %d: decode bloom filter: %w", info.Offset, ErrLayerCorrupt)
		}
	}
	return layer, nil
}

func readRegion(dev device.Device, offset uint64, blocks int) ([]byte, error) {
	buf := dev.AllocateBuffer(blocks * int(dev.BlockSize()))
	defer buf.Release()
	if err := dev.ReadAt(offset, buf); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func parseLayerIndex(raw []byte) ([]layerIndexEntry, error) {
	var out []layerIndexEntry
	for len(raw) > 0 {
		if len(raw) < 6 {
			return nil, fmt.Errorf("truncated layer index: %w", ErrLayerCorrupt)
		}
		block := binary.LittleEndian.Uint32(raw)
		kl := int(binary.LittleEndian.Uint16(raw[4:]))
		raw = raw[6:]
		if len(raw) < kl {
			return nil, fmt.Errorf("truncated layer index key: %w", ErrLayerCorrupt)
		}
		k, _, err := keys.DecodeKey(raw[:kl])
		if err != nil {
			return nil, fmt.Errorf("layer index key: %w", ErrLayerCorrupt)
		}
		out = append(out, layerIndexEntry{firstKey: k, block: block})
		raw = raw[kl:]
	}
	return out, nil
}

func blocksFor(n, bs int) int {
	return (n + bs - 1) / bs
}

// mayContain is the bloom-filter gate for point lookups.
func (l *Layer) mayContain(k keys.Key) bool {
	if l.filter == nil {
		return false
	}
	return l.filter.Test(keys.AppendKey(nil, k))
}

// readDataBlock returns the decoded records of one data block, consulting
// the shared cache first.
func (l *Layer) readDataBlock(n uint32) ([]*keys.Item, error) {
	ck := blockKey{layer: l.info.Offset, block: n}
	raw, ok := l.cache.c.Get(ck)
	if ok {
		l.cache.met.RecordCacheHit()
	} else {
		l.cache.met.RecordCacheMiss()
		var err error
		raw, err = readRegion(l.dev, l.info.Offset+uint64(l.bs)*uint64(1+n), 1)
		if err != nil {
			return nil, err
		}
		l.cache.c.Add(ck, raw)
	}

	count := binary.LittleEndian.Uint32(raw)
	data := raw[4:]
	items := make([]*keys.Item, 0, count)
	for i := uint32(0); i < count; i++ {
		it, rest, err := keys.DecodeItem(data)
		if err != nil {
			return nil, fmt.Errorf("layer at %d block %d: %w", l.info.Offset, n, ErrLayerCorrupt)
		}
		items = append(items, it)
		data = rest
	}
	return items, nil
}

// blockFor returns the data block that would hold k: the last block whose
// first key is <= k. ok is false when k precedes the layer entirely.
func (l *Layer) blockFor(k keys.Key) (int, bool) {
	lo, hi, found := 0, len(l.index)-1, -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if keys.Compare(l.index[mid].firstKey, k) <= 0 {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return 0, false
	}
	return found, true
}

// find resolves an exact point key within this layer.
func (l *Layer) find(k keys.Key) (*keys.Item, bool, error) {
	if !l.mayContain(k) {
		return nil, false, nil
	}
	idx, ok := l.blockFor(k)
	if !ok {
		return nil, false, nil
	}
	items, err := l.readDataBlock(l.index[idx].block)
	if err != nil {
		return nil, false, err
	}
	for _, it := range items {
		if c := keys.Compare(it.Key, k); c == 0 {
			return it, true, nil
		} else if c > 0 {
			break
		}
	}
	return nil, false, nil
}

// layerIter is a forward iterator over one layer's records.
type layerIter struct {
	layer *Layer
	block int // index into layer.index
	items []*keys.Item
	pos   int
	err   error
}

func (l *Layer) iter() *layerIter {
	it := &layerIter{layer: l, block: -1}
	it.advanceBlock()
	return it
}

// iterAt returns an iterator positioned at the first record >= k.
func (l *Layer) iterAt(k keys.Key) *layerIter {
	idx, ok := l.blockFor(k)
	if !ok {
		return l.iter()
	}
	it := &layerIter{layer: l, block: idx - 1}
	it.advanceBlock()
	for p := it.peek(); p != nil && keys.Compare(p.Key, k) < 0; p = it.peek() {
		it.next()
	}
	return it
}

func (it *layerIter) advanceBlock() {
	it.block++
	it.items = nil
	it.pos = 0
	if it.block >= len(it.layer.index) {
		return
	}
	items, err := it.layer.readDataBlock(it.layer.index[it.block].block)
	if err != nil {
		it.err = err
		return
	}
	it.items = items
}

// peek returns the current record without advancing, nil when exhausted or
// on error (check Err).
func (it *layerIter) peek() *keys.Item {
	for it.err == nil && it.block < len(it.layer.index) && it.pos >= len(it.items) {
		it.advanceBlock()
	}
	if it.err != nil || it.block >= len(it.layer.index) {
		return nil
	}
	return it.items[it.pos]
}

func (it *layerIter) next() {
	if it.peek() != nil {
		it.pos++
	}
}

func (it *layerIter) Err() error { return it.err }

// extentsIn collects this layer's extents of (objectID, attr) overlapping
// [start, end), clipped to it.
func (l *Layer) extentsIn(objectID uint64, attr uint32, start, end uint64) ([]*keys.Item, error) {
	seek := keys.ExtentKey(objectID, attr, 0, 0)
	iter := l.iterAt(seek)
	var out []*keys.Item
	for {
		it := iter.peek()
		if it == nil {
			break
		}
		k := it.Key
		if k.ObjectID != objectID || k.Family != keys.FamilyExtent || k.Attr != attr || k.Start >= end {
			break
		}
		if k.End > start {
			out = append(out, keys.SliceExtent(it, max(k.Start, start), min(k.End, end)))
		}
		iter.next()
	}
	return out, iter.Err()
}
