package store

import (
	"fmt"

	"github.com/keelfs/keelfs/internal/keys"
)

// Directory is a view over an object whose records are directory entries.
type Directory struct {
	store    *ObjectStore
	objectID uint64
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name     string
	ObjectID uint64
	Kind     keys.ObjectKind
}

// RootDirectory returns the store's well-known root directory.
func (s *ObjectStore) RootDirectory() *Directory {
	return &Directory{store: s, objectID: s.rootDirID}
}

// OpenDirectory opens an existing directory object, failing with
// ErrInconsistent when the id resolves to a non-directory.
func (s *ObjectStore) OpenDirectory(id uint64) (*Directory, error) {
	h, err := s.OpenObject(id)
	if err != nil {
		return nil, err
	}
	if h.Kind() != keys.KindDirectory {
		return nil, fmt.Errorf("object %d is a %v, not a directory: %w", id, h.Kind(), ErrInconsistent)
	}
	return &Directory{store: s, objectID: id}, nil
}

// ObjectID returns the directory's object id.
func (d *Directory) ObjectID() uint64 { return d.objectID }

// Lookup resolves one entry by name. An absent name returns ok=false with
// a nil error, so callers can distinguish "no such name" from I/O failure.
func (d *Directory) Lookup(name string) (uint64, keys.ObjectKind, bool, error) {
	it, found, err := d.store.tr.Lookup(keys.ChildKey(d.objectID, name))
	if err != nil {
		return 0, 0, false, fmt.Errorf("dir %d: lookup %q: %w", d.objectID, name, err)
	}
	if !found {
		return 0, 0, false, nil
	}
	child, ok := it.Value.(keys.ChildValue)
	if !ok {
		return 0, 0, false, fmt.Errorf("dir %d: entry %q has wrong value type: %w",
			d.objectID, name, ErrInconsistent)
	}
	return child.ObjectID, child.Kind, true, nil
}

// CreateChildFile creates a new file object and its directory entry in the
// same transaction, so the two commit atomically: the child is never
// visible without its entry, nor the entry without its child.
func (d *Directory) CreateChildFile(txn *Transaction, name string) (*ObjectHandle, error) {
	h, err := d.addChildObject(txn, name, keys.KindFile)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CreateChildDir creates a new directory object plus its entry, in one
// transaction like CreateChildFile.
func (d *Directory) CreateChildDir(txn *Transaction, name string) (*Directory, error) {
	h, err := d.addChildObject(txn, name, keys.KindDirectory)
	if err != nil {
		return nil, err
	}
	return &Directory{store: d.store, objectID: h.ObjectID()}, nil
}

func (d *Directory) addChildObject(txn *Transaction, name string, kind keys.ObjectKind) (*ObjectHandle, error) {
	if err := d.checkAbsent(txn, name); err != nil {
		return nil, err
	}
	h, err := d.store.CreateObject(txn, CreateOptions{Kind: kind})
	if err != nil {
		return nil, err
	}
	if err := txn.Stage(d.store, &keys.Item{
		Key:   keys.ChildKey(d.objectID, name),
		Value: keys.ChildValue{ObjectID: h.ObjectID(), Kind: kind},
	}); err != nil {
		return nil, err
	}
	return h, nil
}

// AddChildVolume stages an entry of kind Volume pointing at a child store.
// The volume layer pairs this with the store's own creation records in the
// same transaction.
func (d *Directory) AddChildVolume(txn *Transaction, name string, storeID uint64) error {
	if err := d.checkAbsent(txn, name); err != nil {
		return err
	}
	return txn.Stage(d.store, &keys.Item{
		Key:   keys.ChildKey(d.objectID, name),
		Value: keys.ChildValue{ObjectID: storeID, Kind: keys.KindVolume},
	})
}

func (d *Directory) checkAbsent(txn *Transaction, name string) error {
	if err := txn.Lock(d.store, d.objectID); err != nil {
		return err
	}
	_, _, exists, err := d.Lookup(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("dir %d: %q: %w", d.objectID, name, ErrAlreadyExists)
	}
	return nil
}

// Entries lists the directory in name order.
func (d *Directory) Entries() ([]DirEntry, error) {
	iter := d.store.tr.Iter()
	var out []DirEntry
	for {
		it, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("dir %d: list: %w", d.objectID, err)
		}
		if it == nil {
			return out, nil
		}
		if it.Key.ObjectID != d.objectID || it.Key.Family != keys.FamilyChild {
			continue
		}
		child, ok := it.Value.(keys.ChildValue)
		if !ok {
			return nil, fmt.Errorf("dir %d: entry %q has wrong value type: %w",
				d.objectID, it.Key.Name, ErrInconsistent)
		}
		out = append(out, DirEntry{Name: it.Key.Name, ObjectID: child.ObjectID, Kind: child.Kind})
	}
}
