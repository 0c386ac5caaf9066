// Package cache implements the disk-backed response cache used by the proxy.
// Every entry is persisted as two files under the storage directory: a JSON
// metadata record (<prefix>.meta) and the raw payload (<prefix>.data), where
// the prefix is a filesystem-safe encoding of the cache key. A size-bounded
// LRU index keeps only {size, generation} per key in memory; entries evicted
// from it are queued to a background disposer that removes their files.
// The payload is always committed before the metadata, so a crash can leave
// an orphaned data file but never a record without its payload; the recovery
// scan at Init relies on that ordering to rebuild the index after a restart.
package cache
