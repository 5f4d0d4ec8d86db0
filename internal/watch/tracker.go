// Package watch keeps a client's view of balances current by polling, and
// reconciles polled reads with pushed updates.
package watch

import "sync"

// Tracker remembers the newest version seen per entity. Poll results and
// pushed events both pass through Accept, so a stale read can never
// overwrite a newer one.
type Tracker struct {
	mu       sync.Mutex
	versions map[string]int64
}

func NewTracker() *Tracker {
	return &Tracker{versions: make(map[string]int64)}
}

// Accept reports whether version is newer than anything seen for entity,
// and records it if so. The first version seen is always accepted.
func (t *Tracker) Accept(entity string, version int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.versions[entity]
	if ok && version <= last {
		return false
	}
	t.versions[entity] = version
	return true
}
