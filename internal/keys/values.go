package keys

import "fmt"

// valueTag discriminates the closed set of value variants on disk.
type valueTag uint8

const (
	tagTombstone valueTag = 0
	tagAttribute valueTag = 1
	tagExtent    valueTag = 2
	tagChild     valueTag = 3
	tagStoreInfo valueTag = 4
)

// Value is the closed union of record values. Each key family pairs with
// exactly one value variant (plus Tombstone, which deletes a point key in a
// newer layer).
type Value interface {
	tag() valueTag
}

// Tombstone marks a point key as deleted, shadowing older layers.
type Tombstone struct{}

func (Tombstone) tag() valueTag { return tagTombstone }

// AttributeValue is the metadata of one object attribute.
type AttributeValue struct {
	// Kind is what the owning object is.
	Kind ObjectKind
	// Size is the attribute's logical size in bytes.
	Size uint64
}

func (AttributeValue) tag() valueTag { return tagAttribute }

// ExtentValue maps an extent key's logical range onto the device.
// When Allocated is false the range is explicitly unmapped and reads as
// zeros while still shadowing older mappings of the same bytes.
type ExtentValue struct {
	// DeviceOffset is the device byte offset backing Key.Start. Byte i of
	// the logical range lives at DeviceOffset + (i - Key.Start).
	DeviceOffset uint64
	Allocated    bool
}

func (ExtentValue) tag() valueTag { return tagExtent }

// ChildValue is a directory entry's target.
type ChildValue struct {
	ObjectID uint64
	Kind     ObjectKind
}

func (ChildValue) tag() valueTag { return tagChild }

// StoreInfoValue carries a child store's serialized description. The root
// store is the only holder of these records; the fs layer owns the payload
// format.
type StoreInfoValue struct {
	Data []byte
}

func (StoreInfoValue) tag() valueTag { return tagStoreInfo }

// Item is one (key, value) record.
type Item struct {
	Key   Key
	Value Value
}

// ItemLess orders items by key for the mutable layer's btree.
func ItemLess(a, b *Item) bool {
	return Compare(a.Key, b.Key) < 0
}

func (it *Item) String() string {
	return fmt.Sprintf("%v -> %#v", it.Key, it.Value)
}

// SliceExtent returns a copy of an extent item narrowed to [start, end),
// which must lie within the item's range. The device offset shifts with the
// front clip so the byte mapping is preserved.
func SliceExtent(it *Item, start, end uint64) *Item {
	if it.Key.Family != FamilyExtent {
		panic("keys: SliceExtent on non-extent item")
	}
	if start < it.Key.Start || end > it.Key.End || start > end {
		panic(fmt.Sprintf("keys: slice [%d,%d) outside extent %v", start, end, it.Key))
	}
	ev := it.Value.(ExtentValue)
	if ev.Allocated {
		ev.DeviceOffset += start - it.Key.Start
	}
	return &Item{
		Key:   ExtentKey(it.Key.ObjectID, it.Key.Attr, start, end),
		Value: ev,
	}
}
