package maps

import "github.com/puzpuzpuz/xsync/v4"

// XSyncMap adapts xsync.Map. Every operation, Update included, is atomic per
// key, which makes it the default for the current-thread binding.
type XSyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
}

// NewXSyncMap returns an empty XSyncMap.
func NewXSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &XSyncMap[K, V]{m: xsync.NewMap[K, V]()}
}

func (x *XSyncMap[K, V]) Load(key K) (V, bool)          { return x.m.Load(key) }
func (x *XSyncMap[K, V]) Store(key K, value V)          { x.m.Store(key, value) }
func (x *XSyncMap[K, V]) Delete(key K)                  { x.m.Delete(key) }
func (x *XSyncMap[K, V]) LoadAndDelete(key K) (V, bool) { return x.m.LoadAndDelete(key) }
func (x *XSyncMap[K, V]) Len() int                      { return x.m.Size() }

// LoadOrStore calls valueFactory at most once, and only when key is absent.
func (x *XSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	return x.m.LoadOrCompute(key, func() (V, bool) {
		return valueFactory(), false // never cancel
	})
}

func (x *XSyncMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	x.m.Compute(key, func(old V, loaded bool) (V, xsync.ComputeOp) {
		next, keep := updateFunc(old, loaded)
		if !keep {
			var zero V
			return zero, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}

func (x *XSyncMap[K, V]) Range(f func(key K, value V) bool) { x.m.Range(f) }
