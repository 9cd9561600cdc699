package escrow

import (
	"strconv"
	"sync"
)

// keyedMutex serialises work per key while letting unrelated keys proceed in
// parallel. Entries are reference counted and dropped once idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func escrowKey(id uint64) string  { return "escrow/" + strconv.FormatUint(id, 10) }
func offerKey(id uint64) string   { return "offer/" + strconv.FormatUint(id, 10) }
func listingKey(id uint64) string { return "listing/" + strconv.FormatUint(id, 10) }
