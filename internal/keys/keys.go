package keys

import (
	"fmt"
	"strings"
)

// ObjectKind classifies what an object (or directory entry target) is.
type ObjectKind uint8

const (
	// KindFile is a plain byte-stream object.
	KindFile ObjectKind = 1
	// KindDirectory is an object whose records are directory entries.
	KindDirectory ObjectKind = 2
	// KindVolume marks a directory entry that references a child store.
	KindVolume ObjectKind = 3
)

func (k ObjectKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindVolume:
		return "volume"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Family discriminates the key families within one object id.
type Family uint8

const (
	// FamilyAttribute holds object metadata.
	FamilyAttribute Family = 1
	// FamilyExtent holds byte-range mappings.
	FamilyExtent Family = 2
	// FamilyChild holds directory entries.
	FamilyChild Family = 3
	// FamilyStoreInfo holds child-store descriptions (root store only).
	FamilyStoreInfo Family = 4
)

// DefaultAttr is the conventional default data stream of an object.
const DefaultAttr uint32 = 0

// Key identifies one record. Only the fields of the key's family are
// meaningful; the rest stay zero.
type Key struct {
	ObjectID uint64
	Family   Family

	// Attr is set for attribute and extent keys.
	Attr uint32
	// Start/End bound an extent key's logical byte range, End exclusive.
	Start uint64
	End   uint64
	// Name is set for child keys.
	Name string
}

// AttributeKey returns the metadata key for an object attribute.
func AttributeKey(objectID uint64, attr uint32) Key {
	return Key{ObjectID: objectID, Family: FamilyAttribute, Attr: attr}
}

// ExtentKey returns the key for logical range [start, end) of an attribute.
func ExtentKey(objectID uint64, attr uint32, start, end uint64) Key {
	if end < start {
		panic(fmt.Sprintf("keys: inverted extent [%d, %d)", start, end))
	}
	return Key{ObjectID: objectID, Family: FamilyExtent, Attr: attr, Start: start, End: end}
}

// ChildKey returns the directory-entry key for name under a parent object.
func ChildKey(parentID uint64, name string) Key {
	return Key{ObjectID: parentID, Family: FamilyChild, Name: name}
}

// StoreInfoKey returns the root-store key describing a child store.
func StoreInfoKey(storeID uint64) Key {
	return Key{ObjectID: storeID, Family: FamilyStoreInfo}
}

// Compare returns -1, 0 or 1 ordering a before/equal/after b.
func Compare(a, b Key) int {
	if a.ObjectID != b.ObjectID {
		if a.ObjectID < b.ObjectID {
			return -1
		}
		return 1
	}
	if a.Family != b.Family {
		if a.Family < b.Family {
			return -1
		}
		return 1
	}
	switch a.Family {
	case FamilyAttribute:
		return cmpU64(uint64(a.Attr), uint64(b.Attr))
	case FamilyExtent:
		if c := cmpU64(uint64(a.Attr), uint64(b.Attr)); c != 0 {
			return c
		}
		if c := cmpU64(a.Start, b.Start); c != 0 {
			return c
		}
		return cmpU64(a.End, b.End)
	case FamilyChild:
		return strings.Compare(a.Name, b.Name)
	case FamilyStoreInfo:
		return 0
	default:
		panic(fmt.Sprintf("keys: unknown family %d", a.Family))
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Overlaps reports whether two extent keys of the same object attribute
// cover any common byte.
func (k Key) Overlaps(o Key) bool {
	if k.Family != FamilyExtent || o.Family != FamilyExtent {
		return false
	}
	if k.ObjectID != o.ObjectID || k.Attr != o.Attr {
		return false
	}
	return k.Start < o.End && k.End > o.Start
}

// RangeLen returns the length of an extent key's logical range.
func (k Key) RangeLen() uint64 {
	return k.End - k.Start
}

func (k Key) String() string {
	switch k.Family {
	case FamilyAttribute:
		return fmt.Sprintf("attr{obj=%d attr=%d}", k.ObjectID, k.Attr)
	case FamilyExtent:
		return fmt.Sprintf("extent{obj=%d attr=%d [%d,%d)}", k.ObjectID, k.Attr, k.Start, k.End)
	case FamilyChild:
		return fmt.Sprintf("child{dir=%d name=%q}", k.ObjectID, k.Name)
	case FamilyStoreInfo:
		return fmt.Sprintf("storeinfo{store=%d}", k.ObjectID)
	default:
		return fmt.Sprintf("key{obj=%d family=%d}", k.ObjectID, k.Family)
	}
}
