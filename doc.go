/*
Package bucketdb implements a synchronous, file-backed, schema-flexible
key-value store with structured-record support.

We implement:

1. Buckets, top-level handles owning a root directory of tables.

2. Tables, named key-value collections, each backed by exactly one
append-only file.

3. Records, self-describing tagged values: msgpack (default), JSON, or raw
bytes, optionally gzip-compressed on disk.

# Technical Details

**Execution model.**
Everything is synchronous and single-writer: every operation blocks until the
underlying filesystem call completes, there are no background goroutines, and
no locking is provided. Callers needing concurrent access wrap each table in
their own mutual-exclusion discipline.

**Table files.**
A table file is a sequence of checksummed frames (see package recfile). A put
appends a frame; a delete appends a tombstone frame; both leave the previous
entry behind as garbage. An in-memory key directory maps each key to the file
offset of its current live frame, so reads are a single ReadAt.

**Compaction.**
Compact rewrites the file retaining only the most recent live frame per key,
through a temp file that is synced and atomically renamed over the original.
A crash mid-compaction leaves the original file untouched. Tables can also
compact automatically once the dead-byte fraction passes a configured
threshold.

**Crash safety.**
Frames carry an xxhash checksum. A write interrupted partway leaves a torn
trailing frame, which replay detects and trims on the next open, restoring
the table to its last valid state.

## Binary encoding

**Record tag**: low nibble is the record kind (tombstone, msgpack, json,
raw); high nibble holds flags, currently just the gzip bit.

**Frame**: tag, key length (uvarint), key bytes, payload length (uvarint),
payload bytes, xxhash checksum.
*/
package bucketdb
