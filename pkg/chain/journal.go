package chain

import "sort"

// Map is a journaled map. Writes made inside a call are undone if the call fails.
// Values should be plain data; pointers stored here are not deep-copied.
type Map[K comparable, V any] struct {
	s *State
	m map[K]V
}

func NewMap[K comparable, V any](s *State) *Map[K, V] {
	return &Map[K, V]{s: s, m: make(map[K]V)}
}

// Get returns the value for k or the zero value.
func (m *Map[K, V]) Get(k K) V {
	return m.m[k]
}

func (m *Map[K, V]) Lookup(k K) (V, bool) {
	v, ok := m.m[k]
	return v, ok
}

func (m *Map[K, V]) Set(k K, v V) {
	old, had := m.m[k]
	m.s.record(func() {
		if had {
			m.m[k] = old
		} else {
			delete(m.m, k)
		}
	})
	m.m[k] = v
}

// Update replaces the value for k with fn(current).
func (m *Map[K, V]) Update(k K, fn func(V) V) V {
	v := fn(m.m[k])
	m.Set(k, v)
	return v
}

func (m *Map[K, V]) Delete(k K) {
	old, had := m.m[k]
	if !had {
		return
	}
	m.s.record(func() { m.m[k] = old })
	delete(m.m, k)
}

func (m *Map[K, V]) Len() int { return len(m.m) }

// Range calls fn for every entry until it returns false. Iteration order is
// unspecified; use Keys with a comparator when order matters.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// Keys returns the keys sorted by less.
func (m *Map[K, V]) Keys(less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

// Value is a journaled single value.
type Value[T any] struct {
	s *State
	v T
}

func NewValue[T any](s *State, initial T) *Value[T] {
	return &Value[T]{s: s, v: initial}
}

func (v *Value[T]) Get() T { return v.v }

func (v *Value[T]) Set(x T) {
	old := v.v
	v.s.record(func() { v.v = old })
	v.v = x
}
