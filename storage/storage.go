package storage

import (
	"time"
)

// Storage defines the interface for keyspace operations. Keyspace is the
// sole implementation; the interface exists so server and replication code
// depend on behavior, not the concrete sharding strategy.
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expiry *time.Time) error
	Del(keys ...string) int64
	Exists(keys ...string) int64

	// Expiration operations
	Expire(key string, expiry time.Time) bool
	TTL(key string) time.Duration
	PTTL(key string) time.Duration

	// Key operations
	Keys(pattern string) []string
	KeyCount() int64
	FlushAll() error

	// Type operations
	Type(key string) ValueType

	// Stream operations
	XAdd(key string, id StreamID, autoSeq bool, fields []FieldValue) (StreamID, error)
	XRange(key string, start, end StreamID) []StreamEntry
	XReadAfter(key string, after StreamID) []StreamEntry
	StreamLastID(key string) StreamID

	// Info and stats
	Info() map[string]interface{}

	// Shutdown
	Close() error
}

// StorageObserver provides hooks for storage events, used to wake blocked
// XREAD BLOCK waiters when a stream they're watching is appended to.
type StorageObserver interface {
	OnKeyAppended(key string)
}

// CleanupConfig holds configuration for incremental background expiration
// sweeps.
type CleanupConfig struct {
	// SampleSize is the number of keys to sample per round
	SampleSize int
	// MaxRounds is the maximum number of rounds per cleanup cycle
	MaxRounds int
	// BatchSize is the number of keys to delete in each batch
	BatchSize int
	// ExpiredThreshold continues cleanup if this percentage of sampled keys are expired
	ExpiredThreshold float64
}

// CleanupConfigDefault provides balanced performance for most use cases,
// similar to Redis's own active-expiration cycle.
var CleanupConfigDefault = CleanupConfig{
	SampleSize:       20,   // Sample 20 keys per round
	MaxRounds:        4,    // Maximum 4 rounds per cleanup cycle
	BatchSize:        10,   // Delete up to 10 keys per batch
	ExpiredThreshold: 0.25, // Continue if >=25% of sampled keys are expired
}
