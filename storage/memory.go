package storage

import (
	randv2 "math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard is one partition of the keyspace, with its own lock so unrelated
// keys never contend.
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// Keyspace is the sharded in-memory key/value store. It holds exactly one
// database (SELECT is out of scope: this server speaks RESP2 to a single
// logical dataset per process) and only the String and Stream value types.
type Keyspace struct {
	shards    []shard
	shardMask uint64

	mu        sync.RWMutex
	observers []StorageObserver

	cleanupStop chan struct{}
	cleanupDone chan struct{}

	cleanupMu     sync.RWMutex
	cleanupConfig CleanupConfig

	rng *randv2.Rand
}

// KeyspaceOption configures a Keyspace at construction time.
type KeyspaceOption func(*Keyspace)

// WithShardCount sets the number of shards, rounded up to the next power of
// two so keyHash can mask instead of mod.
func WithShardCount(count int) KeyspaceOption {
	return func(k *Keyspace) {
		if count > 0 {
			n := nextPowerOf2(count)
			k.shards = make([]shard, n)
			k.shardMask = uint64(n - 1)
		}
	}
}

// NewKeyspace creates a keyspace with 64 shards by default and starts its
// background sampling expiration sweep.
func NewKeyspace(opts ...KeyspaceOption) *Keyspace {
	k := &Keyspace{
		shards:        make([]shard, 64),
		shardMask:     63,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		cleanupConfig: CleanupConfigDefault,
		rng:           randv2.New(randv2.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(k)
	}
	for i := range k.shards {
		k.shards[i].data = make(map[string]*Value)
	}

	go k.cleanupExpiredKeys()

	return k
}

// nextPowerOf2 returns the next power of 2 >= n.
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func (k *Keyspace) keyHash(key string) uint64 {
	return xxhash.Sum64String(key) & k.shardMask
}

func (k *Keyspace) shardFor(key string) *shard {
	return &k.shards[k.keyHash(key)]
}

// Get retrieves a string value by key.
func (k *Keyspace) Get(key string) ([]byte, bool) {
	sh := k.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}
	if value.IsExpired() {
		sh.mu.RUnlock()
		k.deleteExpiredKey(key)
		return nil, false
	}
	if value.Type != ValueTypeString {
		sh.mu.RUnlock()
		return nil, false
	}

	var result []byte
	if stringVal, ok := value.Data.(*StringValue); ok {
		result = make([]byte, len(stringVal.Data))
		copy(result, stringVal.Data)
	}
	sh.mu.RUnlock()

	if result == nil {
		return nil, false
	}
	return result, true
}

// Set stores a string value, replacing whatever was there before —
// including a stream, per SET's unconditional-overwrite semantics.
func (k *Keyspace) Set(key string, value []byte, expiry *time.Time) error {
	sh := k.shardFor(key)

	newValue := &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), value...)},
		Expiry: expiry,
	}

	sh.mu.Lock()
	sh.data[key] = newValue
	sh.mu.Unlock()

	return nil
}

// Del deletes one or more keys, returning the number actually removed.
func (k *Keyspace) Del(keys ...string) int64 {
	deleted := int64(0)
	for _, key := range keys {
		sh := k.shardFor(key)
		sh.mu.Lock()
		if _, exists := sh.data[key]; exists {
			delete(sh.data, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// Exists counts how many of the given keys are present and unexpired.
func (k *Keyspace) Exists(keys ...string) int64 {
	count := int64(0)
	for _, key := range keys {
		sh := k.shardFor(key)
		sh.mu.RLock()
		if value, exists := sh.data[key]; exists && !value.IsExpired() {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// Expire sets a key's absolute expiry, returning false if the key is
// missing or already expired.
func (k *Keyspace) Expire(key string, expiry time.Time) bool {
	sh := k.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return false
	}
	value.Expiry = &expiry
	return true
}

// TTL returns the remaining time to live, or -1 for no expiry and -2 for a
// missing/expired key, matching Redis's TTL sentinel conventions.
func (k *Keyspace) TTL(key string) time.Duration {
	return k.remaining(key, time.Second)
}

// PTTL is TTL's millisecond-resolution sibling.
func (k *Keyspace) PTTL(key string) time.Duration {
	return k.remaining(key, time.Millisecond)
}

func (k *Keyspace) remaining(key string, noExpirySentinelUnit time.Duration) time.Duration {
	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return -2 * noExpirySentinelUnit
	}
	if value.Expiry == nil {
		return -1 * noExpirySentinelUnit
	}
	return time.Until(*value.Expiry)
}

// Keys returns all unexpired keys matching a glob pattern.
func (k *Keyspace) Keys(pattern string) []string {
	keys := make([]string, 0)
	matchAll := pattern == "" || pattern == "*"

	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired() {
				continue
			}
			if matchAll || matchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// KeyCount returns the total number of keys, including not-yet-swept
// expired ones.
func (k *Keyspace) KeyCount() int64 {
	count := int64(0)
	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// FlushAll removes every key.
func (k *Keyspace) FlushAll() error {
	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// Type returns the type tag of a key, or ValueTypeString (Redis reports
// "none") for a missing or expired key; callers distinguish absence via
// Exists/Get before trusting this for TYPE's "none" reply.
func (k *Keyspace) Type(key string) ValueType {
	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return ValueTypeString
	}
	return value.Type
}

// Info reports keyspace-level statistics for the INFO command.
func (k *Keyspace) Info() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"keys":      k.KeyCount(),
		"go_memory": m.Alloc,
		"shards":    len(k.shards),
	}
}

// Close stops the background expiration sweep.
func (k *Keyspace) Close() error {
	close(k.cleanupStop)
	<-k.cleanupDone
	return nil
}

// AddObserver registers a hook invoked on every successful XAdd, used by
// the blocking XREAD BLOCK coordinator to wake waiters.
func (k *Keyspace) AddObserver(observer StorageObserver) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.observers = append(k.observers, observer)
}

func (k *Keyspace) notifyAppended(key string) {
	k.mu.RLock()
	observers := k.observers
	k.mu.RUnlock()
	for _, observer := range observers {
		observer.OnKeyAppended(key)
	}
}

// SetCleanupConfig updates the background expiration sweep's sampling
// parameters.
func (k *Keyspace) SetCleanupConfig(config CleanupConfig) {
	k.cleanupMu.Lock()
	defer k.cleanupMu.Unlock()
	k.cleanupConfig = config
}

// GetCleanupConfig returns the active sweep configuration.
func (k *Keyspace) GetCleanupConfig() CleanupConfig {
	k.cleanupMu.RLock()
	defer k.cleanupMu.RUnlock()
	return k.cleanupConfig
}

func (k *Keyspace) deleteExpiredKey(key string) {
	sh := k.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if exists && value.IsExpired() {
		delete(sh.data, key)
	}
}

// cleanupExpiredKeys runs for the lifetime of the keyspace, periodically
// sampling each shard for expired keys — Redis's own active-expiration
// cycle, not a sweep of the whole keyspace at once.
func (k *Keyspace) cleanupExpiredKeys() {
	defer close(k.cleanupDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-k.cleanupStop:
			return
		case <-ticker.C:
			k.performCleanup()
		}
	}
}

func (k *Keyspace) performCleanup() {
	config := k.GetCleanupConfig()
	for i := range k.shards {
		k.cleanupShard(&k.shards[i], config)
	}
}

func (k *Keyspace) cleanupShard(sh *shard, config CleanupConfig) {
	for round := 0; round < config.MaxRounds; round++ {
		expiredKeys := k.sampleAndFindExpiredInShard(sh, config.SampleSize)
		if len(expiredKeys) == 0 {
			break
		}

		k.deleteExpiredKeysInShardBatched(sh, expiredKeys, config.BatchSize)

		expiredRatio := float64(len(expiredKeys)) / float64(config.SampleSize)
		if expiredRatio < config.ExpiredThreshold {
			break
		}
		runtime.Gosched()
	}
}

func (k *Keyspace) sampleAndFindExpiredInShard(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	actualSampleSize := sampleSize
	if len(sh.data) < sampleSize {
		actualSampleSize = len(sh.data)
	}

	sampledKeys := make([]string, 0, actualSampleSize)
	if len(sh.data) <= actualSampleSize {
		for key := range sh.data {
			sampledKeys = append(sampledKeys, key)
		}
	} else {
		i := 0
		for key := range sh.data {
			if i < actualSampleSize {
				sampledKeys = append(sampledKeys, key)
			} else {
				j := k.rng.Intn(i + 1)
				if j < actualSampleSize {
					sampledKeys[j] = key
				}
			}
			i++
		}
	}

	expiredKeys := make([]string, 0, len(sampledKeys))
	for _, key := range sampledKeys {
		if value, exists := sh.data[key]; exists && value.IsExpired() {
			expiredKeys = append(expiredKeys, key)
		}
	}
	return expiredKeys
}

func (k *Keyspace) deleteExpiredKeysInShardBatched(sh *shard, expiredKeys []string, batchSize int) {
	for i := 0; i < len(expiredKeys); i += batchSize {
		end := i + batchSize
		if end > len(expiredKeys) {
			end = len(expiredKeys)
		}
		k.deleteKeyBatchInShard(sh, expiredKeys[i:end])
		if end < len(expiredKeys) {
			runtime.Gosched()
		}
	}
}

func (k *Keyspace) deleteKeyBatchInShard(sh *shard, keys []string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, key := range keys {
		if value, exists := sh.data[key]; exists && value.IsExpired() {
			delete(sh.data, key)
		}
	}
}

// matchPattern performs pattern matching using the configured strategy.
func matchPattern(str, pattern string) bool {
	return MatchPatternWithStrategy(str, pattern, GetMatchingStrategy())
}
