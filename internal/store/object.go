package store

import (
	"fmt"

	"github.com/keelfs/keelfs/internal/keys"
)

// ObjectHandle is an open object attribute (the default data stream).
// Handles returned from CreateObject may be written before the owning
// transaction commits; those records ride in the transaction and only
// become visible to other openers at commit.
type ObjectHandle struct {
	store    *ObjectStore
	objectID uint64
	kind     keys.ObjectKind
	size     uint64
}

// ObjectID returns the handle's object id.
func (h *ObjectHandle) ObjectID() uint64 { return h.objectID }

// Kind returns the object's kind.
func (h *ObjectHandle) Kind() keys.ObjectKind { return h.kind }

// Size returns the attribute's logical size in bytes.
func (h *ObjectHandle) Size() uint64 { return h.size }

// WriteAt writes data at the given logical offset. Data lands in freshly
// allocated device blocks, never read-modify-write of existing extents,
// and the covering extent record replaces whatever it overlaps.
//
// With a nil txn the write commits on its own under the object's lock (the
// single-object fast path); otherwise the records stage into txn and become
// visible at its commit.
func (h *ObjectHandle) WriteAt(txn *Transaction, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s := h.store
	bs := uint64(s.dev.BlockSize())
	blocks := (uint64(len(data)) + bs - 1) / bs

	devOff, err := s.alloc.AllocBlocks(blocks)
	if err != nil {
		return fmt.Errorf("object %d: allocate %d blocks: %w", h.objectID, blocks, err)
	}
	buf := s.dev.AllocateBuffer(int(blocks * bs))
	copy(buf.Bytes(), data)
	err = s.dev.WriteAt(devOff, buf)
	buf.Release()
	if err != nil {
		return fmt.Errorf("object %d: write data: %w", h.objectID, err)
	}

	end := offset + uint64(len(data))
	items := []*keys.Item{
		{
			Key:   keys.ExtentKey(h.objectID, keys.DefaultAttr, offset, end),
			Value: keys.ExtentValue{DeviceOffset: devOff, Allocated: true},
		},
	}
	newSize := max(h.size, end)
	if newSize != h.size {
		items = append(items, h.attrItem(newSize))
	}
	if err := h.stageOrCommit(txn, items); err != nil {
		return err
	}
	h.size = newSize
	return nil
}

// ReadAt fills p from the attribute starting at offset, synthesizing zeros
// for unmapped holes. Reading past the recorded logical size fails with
// ErrRange.
func (h *ObjectHandle) ReadAt(offset uint64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := offset + uint64(len(p))
	if end > h.size {
		return 0, fmt.Errorf("object %d: read [%d,%d) beyond size %d: %w",
			h.objectID, offset, end, h.size, ErrRange)
	}

	s := h.store
	exts, err := s.tr.LookupExtents(h.objectID, keys.DefaultAttr, offset, end)
	if err != nil {
		return 0, fmt.Errorf("object %d: resolve extents: %w", h.objectID, err)
	}

	// Holes read as zeros; only mapped pieces touch the device.
	clear(p)
	bs := uint64(s.dev.BlockSize())
	for _, e := range exts {
		ev := e.Value.(keys.ExtentValue)
		if !ev.Allocated {
			continue
		}
		pieceLen := e.Key.RangeLen()
		readStart := ev.DeviceOffset / bs * bs
		readEnd := (ev.DeviceOffset + pieceLen + bs - 1) / bs * bs

		buf := s.dev.AllocateBuffer(int(readEnd - readStart))
		if err := s.dev.ReadAt(readStart, buf); err != nil {
			buf.Release()
			return 0, fmt.Errorf("object %d: read extent %v: %w", h.objectID, e.Key, err)
		}
		skew := ev.DeviceOffset - readStart
		copy(p[e.Key.Start-offset:], buf.Bytes()[skew:skew+pieceLen])
		buf.Release()
	}
	return len(p), nil
}

// Truncate sets the attribute's logical size. Shrinking unmaps the cut-off
// range with an explicit zero extent so older layers cannot resurface
// stale bytes; growing just extends the zero-filled tail.
func (h *ObjectHandle) Truncate(txn *Transaction, size uint64) error {
	if size == h.size {
		return nil
	}
	items := []*keys.Item{h.attrItem(size)}
	if size < h.size {
		items = append(items, &keys.Item{
			Key:   keys.ExtentKey(h.objectID, keys.DefaultAttr, size, h.size),
			Value: keys.ExtentValue{},
		})
	}
	if err := h.stageOrCommit(txn, items); err != nil {
		return err
	}
	h.size = size
	return nil
}

func (h *ObjectHandle) attrItem(size uint64) *keys.Item {
	return &keys.Item{
		Key:   keys.AttributeKey(h.objectID, keys.DefaultAttr),
		Value: keys.AttributeValue{Kind: h.kind, Size: size},
	}
}

// stageOrCommit routes records into the caller's transaction, or commits
// them immediately under the object's own lock when there is none.
func (h *ObjectHandle) stageOrCommit(txn *Transaction, items []*keys.Item) error {
	if txn != nil {
		if err := txn.Lock(h.store, h.objectID); err != nil {
			return err
		}
		for _, it := range items {
			if err := txn.Stage(h.store, it); err != nil {
				return err
			}
		}
		return nil
	}
	h.store.locks.acquire(h.objectID)
	defer h.store.locks.release(h.objectID)
	return h.store.commitShare(items)
}
