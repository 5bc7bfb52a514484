// Package tree implements the merge tree: the ordered, mergeable record
// index the object store resolves content and metadata through.
//
// A tree is one mutable in-memory layer plus zero or more immutable on-disk
// layers, age-ordered newest first:
//
//	┌───────────────────────────────────────────────────────────┐
//	│                       Merge Tree                          │
//	├───────────────────────────────────────────────────────────┤
//	│  Write Path:  journal → mutable layer → (seal) → layer 0  │
//	│  Read Path:   mutable → layer 0 → layer 1 → ... → layer n │
//	├───────────────────────────────────────────────────────────┤
//	│  Compaction:  fold all immutable layers into one          │
//	└───────────────────────────────────────────────────────────┘
//
// The mutable layer is a btree of records. Inserting an extent record splits
// any overlapping records already present so the layer always holds a
// non-overlapping cover: at most a before-piece, the new range, and an
// after-piece per prior record, chained across several priors.
//
// Immutable layers are sealed mutable layers written to an allocated device
// extent: a header block, packed data blocks, a first-key index, and a bloom
// filter over point-lookup keys. Data blocks are fetched through a shared
// LRU cache.
//
// Reads merge all layers. Point keys resolve by exact-key shadowing (the
// newest layer wins, tombstones delete). Extent keys resolve by interval
// clipping: the newest layer wins for the bytes it covers, older mappings
// survive outside them. Compaction folds layers into one and is a read-cost
// optimization only, never required for correctness.
package tree
