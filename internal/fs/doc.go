// Package fs assembles object stores into a filesystem on one block device.
//
// Device layout:
//
//	+-------------+----------------+------------------------------------+
//	| block 0     | root journal   | allocation space                   |
//	| superblock  | (fixed extent) | (journals, layers, object data)    |
//	+-------------+----------------+------------------------------------+
//
// The superblock is a single block rewritten atomically on every
// checkpoint. It anchors the whole tree of stores: it embeds the root
// store's descriptor, and the root store's merge tree holds a descriptor
// record per volume. Space past the root journal is handed out by a
// watermark allocator whose high-water mark is persisted in the superblock
// and carried in every journal frame, so a crash can never reissue blocks
// that surviving records still reference.
//
// Sync is the only durability barrier. It seals every dirty store's
// mutable layer, records the volumes' new descriptors in the root store,
// seals the root, and then publishes everything with one superblock write:
//
//	freeze volumes, seal        (volume layers on disk)
//	flush
//	descriptor records -> root  (journaled like any commit)
//	freeze root, seal           (root layer on disk)
//	flush
//	write superblock            (the commit point)
//	flush
//	advance epochs, thaw        (journals logically empty)
//
// A crash anywhere before the superblock write leaves the old superblock
// in charge: replaying the old-epoch journals reconstructs every committed
// transaction, and blocks the aborted checkpoint wrote are above the old
// watermark, so they are simply reused.
package fs
