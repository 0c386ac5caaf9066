// Package diskfs is the thin filesystem layer consumed by the cache engine:
// directory creation, streaming file handles, atomic small-file writes,
// recursive deletion and flat directory listing. The FS interface exists so
// tests can inject failures; production code uses Real, a passthrough to the
// os package plus natefinch/atomic for replace-by-rename writes.
package diskfs
