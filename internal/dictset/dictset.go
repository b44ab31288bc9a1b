// Package dictset provides a case-sensitive string-keyed dictionary and
// the string set built on top of it. Both are used by the expression
// engine, the attribute map, and the request handlers to collect and
// look up small sets of names without pulling in a third-party
// collections library.
package dictset

// Dict is a case-sensitive mapping from string key to an opaque value.
// At most one entry exists per key; Put with a nil value deletes the
// key. Dict is not safe for concurrent use without external locking.
type Dict struct {
	m map[string]any
}

// New returns an empty Dict.
func New() *Dict {
	return &Dict{m: make(map[string]any)}
}

// Put inserts or replaces the value for key. Passing a nil value
// removes the key, mirroring the dictionary's put-or-delete semantics.
func (d *Dict) Put(key string, value any) {
	if value == nil {
		delete(d.m, key)
		return
	}
	d.m[key] = value
}

// Get returns the value stored for key and whether it was present.
func (d *Dict) Get(key string) (any, bool) {
	v, ok := d.m[key]
	return v, ok
}

// Len returns the number of entries currently stored.
func (d *Dict) Len() int {
	return len(d.m)
}

// Keys returns every key currently stored, in unspecified order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, len(d.m))
	for k := range d.m {
		keys = append(keys, k)
	}
	return keys
}

// sentinel is the value stored for every member of a Set.
var sentinel = struct{}{}

// Set is a case-sensitive string set, implemented on top of Dict with
// the value field fixed to a sentinel.
type Set struct {
	d *Dict
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{d: New()}
}

// Add inserts name into the set. A no-op if name is already present.
func (s *Set) Add(name string) {
	s.d.Put(name, sentinel)
}

// Contains reports whether name is a member of the set.
func (s *Set) Contains(name string) bool {
	_, ok := s.d.Get(name)
	return ok
}

// Remove deletes name from the set, if present.
func (s *Set) Remove(name string) {
	s.d.Put(name, nil)
}

// Len returns the number of members currently in the set.
func (s *Set) Len() int {
	return s.d.Len()
}

// Keys returns every member currently in the set, in unspecified order.
func (s *Set) Keys() []string {
	return s.d.Keys()
}

// Pop removes and returns an arbitrary element of the set. The second
// return value is false if the set was empty.
func (s *Set) Pop() (string, bool) {
	for k := range s.d.m {
		delete(s.d.m, k)
		return k, true
	}
	return "", false
}
