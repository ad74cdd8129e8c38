// Package cache defines the persistent, origin-scoped key→payload store that
// backs the offline asset cache. Keys are normalized asset paths (or absolute
// URLs for cross-origin assets) plus one reserved non-path key owned by the
// engine. Drivers share the Store contract: fs (one digest-named file per
// entry, a JSON header line then the body, replaced by temp file + rename),
// sqlite/postgres (one cache_entries table) and memory. Single-key operations
// are atomic; AddAll layers an all-or-nothing bulk fetch-and-store on top and
// restores overwritten entries when a write fails. Higher layers never lock
// around the store and must tolerate read-during-write interleavings.
package cache
