package keys

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt is returned when a record's encoding does not decode.
var ErrCorrupt = errors.New("corrupt record encoding")

// AppendKey appends the canonical binary form of k to dst. The same bytes
// index the per-layer bloom filters, so the encoding must stay deterministic.
func AppendKey(dst []byte, k Key) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, k.ObjectID)
	dst = append(dst, byte(k.Family))
	switch k.Family {
	case FamilyAttribute:
		dst = binary.LittleEndian.AppendUint32(dst, k.Attr)
	case FamilyExtent:
		dst = binary.LittleEndian.AppendUint32(dst, k.Attr)
		dst = binary.LittleEndian.AppendUint64(dst, k.Start)
		dst = binary.LittleEndian.AppendUint64(dst, k.End)
	case FamilyChild:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(k.Name)))
		dst = append(dst, k.Name...)
	case FamilyStoreInfo:
		// No payload beyond the object id.
	default:
		panic(fmt.Sprintf("keys: encode unknown family %d", k.Family))
	}
	return dst
}

// DecodeKey decodes one canonical key from the front of data, returning the
// key and the remaining bytes.
func DecodeKey(data []byte) (Key, []byte, error) {
	return decodeKey(data)
}

func decodeKey(data []byte) (Key, []byte, error) {
	if len(data) < 9 {
		return Key{}, nil, ErrCorrupt
	}
	k := Key{
		ObjectID: binary.LittleEndian.Uint64(data),
		Family:   Family(data[8]),
	}
	data = data[9:]
	switch k.Family {
	case FamilyAttribute:
		if len(data) < 4 {
			return Key{}, nil, ErrCorrupt
		}
		k.Attr = binary.LittleEndian.Uint32(data)
		data = data[4:]
	case FamilyExtent:
		if len(data) < 20 {
			return Key{}, nil, ErrCorrupt
		}
		k.Attr = binary.LittleEndian.Uint32(data)
		k.Start = binary.LittleEndian.Uint64(data[4:])
		k.End = binary.LittleEndian.Uint64(data[12:])
		if k.End < k.Start {
			return Key{}, nil, ErrCorrupt
		}
		data = data[20:]
	case FamilyChild:
		if len(data) < 2 {
			return Key{}, nil, ErrCorrupt
		}
		n := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return Key{}, nil, ErrCorrupt
		}
		k.Name = string(data[:n])
		data = data[n:]
	case FamilyStoreInfo:
	default:
		return Key{}, nil, ErrCorrupt
	}
	return k, data, nil
}

// AppendItem appends the binary form of it to dst.
func AppendItem(dst []byte, it *Item) []byte {
	dst = AppendKey(dst, it.Key)
	switch v := it.Value.(type) {
	case Tombstone:
		dst = append(dst, byte(tagTombstone))
	case AttributeValue:
		dst = append(dst, byte(tagAttribute), byte(v.Kind))
		dst = binary.LittleEndian.AppendUint64(dst, v.Size)
	case ExtentValue:
		dst = append(dst, byte(tagExtent))
		dst = binary.LittleEndian.AppendUint64(dst, v.DeviceOffset)
		if v.Allocated {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case ChildValue:
		dst = append(dst, byte(tagChild))
		dst = binary.LittleEndian.AppendUint64(dst, v.ObjectID)
		dst = append(dst, byte(v.Kind))
	case StoreInfoValue:
		dst = append(dst, byte(tagStoreInfo))
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Data)))
		dst = append(dst, v.Data...)
	default:
		panic(fmt.Sprintf("keys: encode unknown value %T", it.Value))
	}
	return dst
}

// DecodeItem decodes one item from the front of data, returning the item and
// the remaining bytes.
func DecodeItem(data []byte) (*Item, []byte, error) {
	k, rest, err := decodeKey(data)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < 1 {
		return nil, nil, ErrCorrupt
	}
	tag := valueTag(rest[0])
	rest = rest[1:]

	var v Value
	switch tag {
	case tagTombstone:
		v = Tombstone{}
	case tagAttribute:
		if len(rest) < 9 {
			return nil, nil, ErrCorrupt
		}
		v = AttributeValue{
			Kind: ObjectKind(rest[0]),
			Size: binary.LittleEndian.Uint64(rest[1:]),
		}
		rest = rest[9:]
	case tagExtent:
		if len(rest) < 9 {
			return nil, nil, ErrCorrupt
		}
		v = ExtentValue{
			DeviceOffset: binary.LittleEndian.Uint64(rest),
			Allocated:    rest[8] == 1,
		}
		rest = rest[9:]
	case tagChild:
		if len(rest) < 9 {
			return nil, nil, ErrCorrupt
		}
		v = ChildValue{
			ObjectID: binary.LittleEndian.Uint64(rest),
			Kind:     ObjectKind(rest[8]),
		}
		rest = rest[9:]
	case tagStoreInfo:
		if len(rest) < 4 {
			return nil, nil, ErrCorrupt
		}
		n := int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < n {
			return nil, nil, ErrCorrupt
		}
		v = StoreInfoValue{Data: append([]byte(nil), rest[:n]...)}
		rest = rest[n:]
	default:
		return nil, nil, ErrCorrupt
	}
	return &Item{Key: k, Value: v}, rest, nil
}

// AppendBatch appends a length-prefixed batch of items to dst. Batches are
// the journal's commit unit.
func AppendBatch(dst []byte, items []*Item) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(items)))
	for _, it := range items {
		dst = AppendItem(dst, it)
	}
	return dst
}

// DecodeBatch decodes a batch written by AppendBatch.
func DecodeBatch(data []byte) ([]*Item, []byte, error) {
	if len(data) < 4 {
		return nil, nil, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	items := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		it, rest, err := DecodeItem(data)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, it)
		data = rest
	}
	return items, data, nil
}
