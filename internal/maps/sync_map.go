package maps

import "sync"

// StdSyncMap adapts sync.Map. Len walks the whole map.
type StdSyncMap[K Integer, V any] struct {
	m sync.Map
}

// NewStdSyncMap returns an empty StdSyncMap.
func NewStdSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{}
}

// typed converts an untyped sync.Map result.
func typed[V any](v any, ok bool) (V, bool) {
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *StdSyncMap[K, V]) Load(key K) (V, bool) { return typed[V](s.m.Load(key)) }
func (s *StdSyncMap[K, V]) Store(key K, value V) { s.m.Store(key, value) }
func (s *StdSyncMap[K, V]) Delete(key K)         { s.m.Delete(key) }

func (s *StdSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	return typed[V](s.m.LoadAndDelete(key))
}

func (s *StdSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if v, ok := s.m.Load(key); ok {
		return v.(V), true
	}
	v, loaded := s.m.LoadOrStore(key, valueFactory())
	return v.(V), loaded
}

// Update reads and writes in two steps; see CornelkMap.
func (s *StdSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	old, exists := typed[V](s.m.Load(key))
	switch next, keep := updateFunc(old, exists); {
	case keep:
		s.m.Store(key, next)
	case exists:
		s.m.Delete(key)
	}
}

func (s *StdSyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(k, v any) bool { return f(k.(K), v.(V)) })
}

func (s *StdSyncMap[K, V]) Len() int {
	n := 0
	s.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
