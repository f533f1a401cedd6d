// FILE: keylock.go
// Package main – Per-pair lock for the scanner.
//
// KeyedLock gives mutual exclusion per string key ("account|instrument").
// Worker slots come from errgroup.SetLimit in scanner.go.
package main

import "sync"

// KeyedLock hands out one mutex per key; entries are dropped when the last
// holder or waiter leaves.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyedEntry)}
}

// TryLock takes key without waiting. The returned func releases it.
func (k *KeyedLock) TryLock(key string) (func(), bool) {
	e := k.ref(key)
	if !e.mu.TryLock() {
		k.unref(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		k.unref(key, e)
	}, true
}

func (k *KeyedLock) ref(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedLock) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func pairKey(accountID, instrument string) string { return accountID + "|" + instrument }
