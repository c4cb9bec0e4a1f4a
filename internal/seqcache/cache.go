package seqcache

import "sync"

const (
	// FormatVersion is bumped when the stored entry format changes. A
	// store carrying any other version is wiped on first touch, so a
	// previous release's entries can never be misinterpreted.
	FormatVersion int64 = 2

	DefaultBlockSize int64 = 10

	// MaxScopes bounds how many distinct scopes the cache retains.
	MaxScopes = 100
)

// Cache hands out per-scope sequence numbers. Every operation degrades
// to a no-op (or a safe default) when the backing store is nil or
// failing; callers must treat an absent value as "assign ID 1", never
// as an error.
type Cache struct {
	mu    sync.Mutex
	store Store
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

// ensure verifies the store format version on every entry point,
// wiping all entries on mismatch. Returns false when the store is
// unusable.
func (c *Cache) ensure() bool {
	if c.store == nil {
		return false
	}
	version, err := c.store.Version()
	if err != nil {
		return false
	}
	if version != FormatVersion {
		if err := c.store.Clear(); err != nil {
			return false
		}
		if err := c.store.SetVersion(FormatVersion); err != nil {
			return false
		}
	}
	return true
}

// Seed raises the cached next for scope to candidateNext, never
// lowering it, and records blockSize. Non-positive candidates are
// ignored.
func (c *Cache) Seed(scope string, candidateNext, blockSize int64) {
	if candidateNext <= 0 {
		return
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ensure() {
		return
	}

	entry, ok, err := c.store.Get(scope)
	if err != nil {
		return
	}
	if ok && entry.Next >= candidateNext {
		// Never lower the cache, but still record the block size.
		entry.BlockSize = blockSize
		_ = c.store.Put(scope, entry)
		return
	}
	_ = c.store.Put(scope, Entry{Next: candidateNext, BlockSize: blockSize})
}

// Peek returns the cached next for scope without advancing it.
func (c *Cache) Peek(scope string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ensure() {
		return 0, false
	}

	entry, ok, err := c.store.Get(scope)
	if err != nil || !ok {
		return 0, false
	}
	return entry.Next, true
}

// TakeNext returns the cached next for scope and advances it by one.
// An unseeded scope starts at 1 with the default block size.
func (c *Cache) TakeNext(scope string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ensure() {
		return 1
	}

	entry, ok, err := c.store.Get(scope)
	if err != nil {
		return 1
	}
	if !ok {
		entry = Entry{Next: 1, BlockSize: DefaultBlockSize}
	}

	handed := entry.Next
	entry.Next++
	if err := c.store.Put(scope, entry); err != nil {
		return handed
	}
	return handed
}

// Clear removes the cached entry for one scope.
func (c *Cache) Clear(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ensure() {
		return
	}
	_ = c.store.Delete(scope)
}

// EnforceCapacity evicts the oldest-inserted scopes until the cache is
// back under MaxScopes. Insertion order, not access order.
func (c *Cache) EnforceCapacity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ensure() {
		return
	}

	scopes, err := c.store.Scopes()
	if err != nil {
		return
	}
	for len(scopes) > MaxScopes {
		if err := c.store.Delete(scopes[0]); err != nil {
			return
		}
		scopes = scopes[1:]
	}
}
