package maps

import "sync"

// shardCount must stay a power of two; shardFor masks with it.
const shardCount = 64

type shard[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// ShardedMap spreads keys over shardCount plain maps, each behind its own
// RWMutex. Goroutine ids are handed out sequentially, so the low bits of the
// key already spread bindings evenly and no hashing is needed.
type ShardedMap[K Integer, V any] struct {
	shards [shardCount]shard[K, V]
}

// NewShardedMap returns an empty ShardedMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	sm := &ShardedMap[K, V]{}
	for i := range sm.shards {
		sm.shards[i].m = make(map[K]V)
	}
	return sm
}

func (sm *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	return &sm.shards[uint64(key)&(shardCount-1)]
}

func (sm *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := sm.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

func (sm *ShardedMap[K, V]) Store(key K, value V) {
	s := sm.shardFor(key)
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
}

func (sm *ShardedMap[K, V]) Delete(key K) {
	s := sm.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

func (sm *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	delete(s.m, key)
	return v, ok
}

// LoadOrStore tries a read lock first; the factory runs under the write lock
// after a second lookup, so it is called at most once per missing key.
func (sm *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if v, ok := sm.Load(key); ok {
		return v, true
	}
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	v := valueFactory()
	s.m[key] = v
	return v, false
}

// Update runs updateFunc under the shard's write lock.
func (sm *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.m[key]
	if next, keep := updateFunc(old, exists); keep {
		s.m[key] = next
	} else {
		delete(s.m, key)
	}
}

// Range visits a copy of each shard, so f may call back into the map.
func (sm *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	type entry struct {
		k K
		v V
	}
	var buf []entry
	for i := range sm.shards {
		s := &sm.shards[i]
		buf = buf[:0]
		s.mu.RLock()
		for k, v := range s.m {
			buf = append(buf, entry{k, v})
		}
		s.mu.RUnlock()
		for _, e := range buf {
			if !f(e.k, e.v) {
				return
			}
		}
	}
}

func (sm *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
