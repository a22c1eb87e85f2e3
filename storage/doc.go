// Package storage provides the server's keyspace: a sharded, in-memory
// store of string and stream values.
//
// Basic usage:
//
//	ks := storage.NewKeyspace()
//	err := ks.Set("key", []byte("value"), nil)
//	value, exists := ks.Get("key")
//
// The package supports:
//   - Thread-safe, sharded access with per-shard locking
//   - Lazy and background sampling-based expiration
//   - Append-only streams with monotonic ID arbitration
//   - Glob-pattern key enumeration
//   - A blocking coordinator for XREAD BLOCK
package storage
