// Package keys defines the typed records stored in a merge tree: keys with
// a total order, their closed value unions, and the binary codec shared by
// the journal, immutable layers, and the superblock.
//
// Every key is tagged with the owning object id and a family:
//
//   - Attribute: per-object metadata (kind, logical size). One per object.
//   - Extent: a logical byte range [Start, End) of an object attribute,
//     mapped to a device byte range or explicitly unmapped.
//   - Child: a directory entry (parent object, name) -> (child id, kind).
//   - StoreInfo: a child store's persistent description, keyed by store id.
//     Only the root store holds these.
//
// Keys order by (object id, family, family payload); extents order by
// (attribute, start). For a fixed object and attribute the extents stored in
// one layer are non-overlapping; overlap across layers is resolved at read
// time, newest layer winning for the bytes it covers.
package keys
