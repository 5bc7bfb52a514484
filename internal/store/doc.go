// Package store implements object stores: the layer that turns "read/write
// bytes at object X, offset O" into merge-tree records.
//
// An ObjectStore owns exactly one merge tree and one journal. Objects are
// identified by monotonically assigned 64-bit ids; each object has
// attributes (byte streams) represented purely as extent records plus one
// metadata record holding kind and logical size. Attribute 0 is the default
// data stream. Directories are not a separate structure: a directory is an
// object whose child records map names to (child id, kind).
//
// Mutations stage in a Transaction and land in one atomic commit: the batch
// is appended to the store's journal and applied to the mutable tree layer
// under the commit lock, so readers observe all of a transaction's records
// or none. A transaction takes a per-object lock on first touch of each
// object id; two transactions contending for an object serialize. Writes
// that only touch a handle's own extents may skip the explicit transaction
// and commit through the same path on their own.
package store
