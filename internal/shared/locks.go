package shared

import "sync"

// KeyedMutex serializes work per key. Write operations on the same
// obligation must not interleave; different obligations proceed freely.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns the matching unlock func.
// Entries are dropped once the last holder releases, so the map stays
// bounded by the number of in-flight operations.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
