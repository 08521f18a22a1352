package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLStore is an in-process stand-in for the Redis counters the circuit
// breaker leans on in a multi-process deployment: INCR, INCRBYFLOAT and
// SET NX with a TTL over sharded maps, with passive expiry checked on
// read. A single process owns every bot's state here, so there is no need
// for a real out-of-process store (see the design notes on this choice).
type TTLStore struct {
	shards [numShards]*ttlShard
}

type ttlShard struct {
	mu    sync.Mutex
	items map[string]ttlEntry
}

type ttlEntry struct {
	value     float64
	expiresAt time.Time // zero means no expiry
}

// NewTTLStore creates a new sharded TTL counter store.
func NewTTLStore() *TTLStore {
	s := &TTLStore{}
	for i := 0; i < numShards; i++ {
		s.shards[i] = &ttlShard{items: make(map[string]ttlEntry)}
	}
	return s
}

func (s *TTLStore) shardFor(key string) *ttlShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

// Incr increments an integer counter by 1, initializing it with ttl if it
// did not exist or had already expired. Mirrors INCR+EXPIRE pipelined as
// one round trip in the original Redis-backed implementation.
func (s *TTLStore) Incr(key string, ttl time.Duration) int64 {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok || isExpired(entry) {
		entry = ttlEntry{value: 0, expiresAt: time.Now().Add(ttl)}
	}
	entry.value++
	shard.items[key] = entry
	return int64(entry.value)
}

// IncrByFloat adds delta to a float counter, initializing it with ttl on
// first write or after expiry. Used for the rolling-loss-window counter,
// which receives the magnitude of each loss as a positive delta.
func (s *TTLStore) IncrByFloat(key string, delta float64, ttl time.Duration) float64 {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok || isExpired(entry) {
		entry = ttlEntry{value: 0, expiresAt: time.Now().Add(ttl)}
	}
	entry.value += delta
	shard.items[key] = entry
	return entry.value
}

// Get returns the current value of a key, or (0, false) if absent/expired.
func (s *TTLStore) Get(key string) (float64, bool) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok || isExpired(entry) {
		return 0, false
	}
	return entry.value, true
}

// TTL returns the remaining time-to-live for a key, or 0 if absent/expired.
func (s *TTLStore) TTL(key string) time.Duration {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok || isExpired(entry) || entry.expiresAt.IsZero() {
		return 0
	}
	return time.Until(entry.expiresAt)
}

// SetNX sets key to value with ttl only if it is not already present
// (and unexpired); returns true if the set took effect. The circuit
// breaker calls it right after a Delete to write its state, reason and
// cooldown keys.
func (s *TTLStore) SetNX(key string, value float64, ttl time.Duration) bool {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.items[key]; ok && !isExpired(entry) {
		return false
	}
	shard.items[key] = ttlEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true
}

// Delete removes a key immediately, regardless of its ttl.
func (s *TTLStore) Delete(key string) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

// Exists reports whether key is present and unexpired.
func (s *TTLStore) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func isExpired(e ttlEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}
