package kms

import "sync"

// LiveKeys is the set of ephemeral keys held by operations running in this
// process. Sweeps skip keys in the set.
type LiveKeys struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewLiveKeys() *LiveKeys {
	return &LiveKeys{ids: make(map[string]struct{})}
}

// Contains reports whether keyID is held. A nil set holds nothing.
func (l *LiveKeys) Contains(keyID string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[keyID]
	return ok
}

// Len returns the number of held keys.
func (l *LiveKeys) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *LiveKeys) add(keyID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.ids[keyID] = struct{}{}
	l.mu.Unlock()
}

func (l *LiveKeys) remove(keyIDs ...string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	for _, id := range keyIDs {
		delete(l.ids, id)
	}
	l.mu.Unlock()
}
