package maps

import "github.com/cornelk/hashmap"

// CornelkMap adapts the lock-free cornelk/hashmap. LoadAndDelete and Update
// are two separate steps; that is enough for keys with a single writer, such
// as a goroutine's own binding.
type CornelkMap[K Integer, V any] struct {
	m *hashmap.Map[K, V]
}

// NewCornelkMap returns an empty CornelkMap.
func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (c *CornelkMap[K, V]) Load(key K) (V, bool) { return c.m.Get(key) }
func (c *CornelkMap[K, V]) Store(key K, value V) { c.m.Set(key, value) }
func (c *CornelkMap[K, V]) Delete(key K)         { c.m.Del(key) }
func (c *CornelkMap[K, V]) Len() int             { return c.m.Len() }

func (c *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := c.m.Get(key)
	if ok {
		c.m.Del(key)
	}
	return v, ok
}

func (c *CornelkMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if v, ok := c.m.Get(key); ok {
		return v, true
	}
	return c.m.GetOrInsert(key, valueFactory())
}

func (c *CornelkMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	old, exists := c.m.Get(key)
	switch next, keep := updateFunc(old, exists); {
	case keep:
		c.m.Set(key, next)
	case exists:
		c.m.Del(key)
	}
}

func (c *CornelkMap[K, V]) Range(f func(key K, value V) bool) { c.m.Range(f) }
