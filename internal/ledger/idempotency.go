package ledger

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// IdempotencyChecker implements two-tier deduplication of event keys: an
// in-memory LRU for the hot path and an optional durable checker (Postgres)
// for keys that have aged out of the cache.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the durable dedup lookup, implemented against the
// events table. A nil checker disables the cold tier.
type DBIdempotencyChecker interface {
	IsDuplicate(ownerID uuid.UUID, eventKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether an owner-scoped event key was already applied.
// A durable-tier error is treated as not-duplicate: the event log's own key
// uniqueness is the final guard, and a store hiccup must not block ingestion.
func (ic *IdempotencyChecker) IsDuplicate(ownerID uuid.UUID, eventKey string) bool {
	if eventKey == "" {
		return false
	}
	composite := ownerScopedKey(ownerID, eventKey)

	if ic.lru.contains(composite) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ownerID, eventKey)
		if err != nil {
			return false
		}
		if isDup {
			ic.lru.add(composite)
			return true
		}
	}

	return false
}

// MarkProcessed records a key after successful application.
func (ic *IdempotencyChecker) MarkProcessed(ownerID uuid.UUID, eventKey string) {
	if eventKey == "" {
		return
	}
	ic.lru.add(ownerScopedKey(ownerID, eventKey))
}

// WarmFromKeys preloads composite keys (e.g. recent keys read from Postgres
// on startup) so recently processed events skip the cold-tier lookup.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Size returns the current LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

// --- LRU ---

// idempotencyLRU is a mutex-guarded LRU of composite keys. Unlike a single
// writer core, the engine applies events from concurrent request goroutines,
// so the cache carries its own lock.
type idempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

func (lru *idempotencyLRU) add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (lru *idempotencyLRU) size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}
