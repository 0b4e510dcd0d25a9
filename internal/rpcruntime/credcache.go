package rpcruntime

import "sync"

// Entry is anything an auth flavor's credential cache can store: it must
// know how to tear itself down when evicted.
type Entry interface {
	// Close releases any resources (security contexts, file handles)
	// the entry holds. Called exactly once, when the entry is removed
	// from the cache.
	Close()
}

// CredCache is a generic, concurrency-safe cache of auth-flavor entries
// keyed by any comparable type the flavor defines (rpcgss uses a
// (uid, target, service) struct key). It does not know what an entry
// represents; it only sequences creation and teardown.
type CredCache[K comparable, V Entry] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// NewCredCache returns an empty cache.
func NewCredCache[K comparable, V Entry]() *CredCache[K, V] {
	return &CredCache[K, V]{entries: make(map[K]V)}
}

// Lookup returns the cached entry for key, if present.
func (c *CredCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// LookupOrCreate returns the cached entry for key, calling create to
// build and insert one if absent. create runs under the write lock, after
// the key has been re-checked, so for concurrent callers of the same key
// it runs at most once and its result is always the entry inserted.
func (c *CredCache[K, V]) LookupOrCreate(key K, create func() V) V {
	c.mu.RLock()
	if v, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return v
	}
	v := create()
	c.entries[key] = v
	return v
}

// Replace installs v for key unconditionally, returning whatever entry
// previously occupied it. The caller is responsible for closing the
// returned entry; Replace itself never calls Close, since some flavors
// (rpcgss's credential rebind) need the new entry visible to lookups
// before the old one is torn down.
func (c *CredCache[K, V]) Replace(key K, v V) (old V, hadOld bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, hadOld = c.entries[key]
	c.entries[key] = v
	return old, hadOld
}

// Remove evicts and closes the entry for key, if present.
func (c *CredCache[K, V]) Remove(key K) {
	c.mu.Lock()
	v, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Flush evicts and closes every entry matching keep (or all entries if
// keep is nil).
func (c *CredCache[K, V]) Flush(keep func(K) bool) {
	c.mu.Lock()
	var toClose []V
	for k, v := range c.entries {
		if keep == nil || keep(k) {
			toClose = append(toClose, v)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	for _, v := range toClose {
		v.Close()
	}
}

// List returns a snapshot of every cached entry.
func (c *CredCache[K, V]) List() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.entries))
	for _, v := range c.entries {
		out = append(out, v)
	}
	return out
}

// Len returns the number of cached entries.
func (c *CredCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
