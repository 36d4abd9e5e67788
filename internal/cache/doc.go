// Package cache defines the partitioned response store behind the cache
// manager. A partition is a named key-value space (for example
// "portfolio-static-v2025.11") mapping a request identity ("GET /path?query")
// to a stored response. Partitions are never expired entry by entry; the only
// removal path is deleting a whole partition when a newer version activates.
//
// Four backends share the Store contract: an in-memory map, the filesystem
// (one directory per partition, temp file + rename writes), LevelDB (atomic
// batches) and Redis (one hash per partition, MULTI/EXEC for batches).
package cache
