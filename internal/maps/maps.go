package maps

import "fmt"

// DefaultImplementation is the concurrent map used when the configuration does not name one.
// Valid options: "xsync", "sharded", "cornelk", "sync".
const DefaultImplementation = "xsync"

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// The current-thread binding stores one entry per registered goroutine, written
// only by that goroutine, so every implementation below is safe for it; the
// non-atomic Update of some of them only matters for shared keys.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// Implementations lists the names accepted by NewConcurrentMapOf.
func Implementations() []string {
	return []string{"xsync", "sharded", "cornelk", "sync"}
}

// NewConcurrentMapOf returns the implementation registered under name.
// An empty name selects DefaultImplementation.
func NewConcurrentMapOf[K Integer, V any](name string) (ConcurrentMap[K, V], error) {
	switch name {
	case "", DefaultImplementation:
		return NewXSyncMap[K, V](), nil
	case "sharded":
		return NewShardedMap[K, V](), nil
	case "cornelk":
		return NewCornelkMap[K, V](), nil
	case "sync":
		return NewStdSyncMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map implementation %q", name)
	}
}
