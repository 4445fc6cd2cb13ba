// ABOUTME: Keyed mutex serializing writers per conversation id inside one process
// ABOUTME: Entries are reference counted and removed when the last holder unlocks

package conversation

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key without growing forever.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyedEntry{}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.keys, key)
		}
		k.mu.Unlock()
	}
}

// size reports how many keys are held or waited on.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
