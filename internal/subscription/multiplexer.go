// Package subscription aggregates per-owner coin interest into the single
// subscription set carried by the shared price socket.
//
// Every screen (owner) declares the coins it wants. A coin stays on the wire
// while at least one owner wants it. Add and Remove report only the coins
// whose aggregate interest crossed zero, so callers send the minimal
// subscribe/unsubscribe requests.
package subscription

import (
	"sort"
	"sync"
)

// Multiplexer tracks coin interest per owner.
type Multiplexer struct {
	mu     sync.RWMutex
	owners map[string]map[string]struct{} // owner → coin ids
	refs   map[string]int                 // coin id → number of owners
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		owners: make(map[string]map[string]struct{}),
		refs:   make(map[string]int),
	}
}

// Add records owner's interest in coinIDs and returns the coins that had no
// interest before, in sorted order. Duplicate and empty ids are ignored.
func (m *Multiplexer) Add(owner string, coinIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.owners[owner]
	if !ok {
		set = make(map[string]struct{})
		m.owners[owner] = set
	}

	var added []string
	for _, id := range coinIDs {
		if id == "" {
			continue
		}
		if _, held := set[id]; held {
			continue
		}
		set[id] = struct{}{}
		m.refs[id]++
		if m.refs[id] == 1 {
			added = append(added, id)
		}
	}

	if len(set) == 0 {
		delete(m.owners, owner)
	}

	sort.Strings(added)
	return added
}

// Remove drops owner's interest in coinIDs and returns the coins nobody is
// interested in anymore, in sorted order. Ids the owner does not hold are
// ignored.
func (m *Multiplexer) Remove(owner string, coinIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.owners[owner]
	if !ok {
		return nil
	}

	var removed []string
	for _, id := range coinIDs {
		if _, held := set[id]; !held {
			continue
		}
		delete(set, id)
		if m.release(id) {
			removed = append(removed, id)
		}
	}

	if len(set) == 0 {
		delete(m.owners, owner)
	}

	sort.Strings(removed)
	return removed
}

// RemoveOwner drops everything owner holds. Returns the coins nobody is
// interested in anymore, in sorted order.
func (m *Multiplexer) RemoveOwner(owner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.owners[owner]
	if !ok {
		return nil
	}
	delete(m.owners, owner)

	var removed []string
	for id := range set {
		if m.release(id) {
			removed = append(removed, id)
		}
	}

	sort.Strings(removed)
	return removed
}

// release decrements a coin's refcount. Must be called with lock held.
func (m *Multiplexer) release(id string) bool {
	m.refs[id]--
	if m.refs[id] <= 0 {
		delete(m.refs, id)
		return true
	}
	return false
}

// Active returns every coin with at least one interested owner, sorted.
func (m *Multiplexer) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.refs))
	for id := range m.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsActive reports whether anyone is interested in coinID.
func (m *Multiplexer) IsActive(coinID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[coinID] > 0
}

// Holdings returns the coins owner is interested in, sorted.
func (m *Multiplexer) Holdings(owner string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.owners[owner]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns aggregate counts.
func (m *Multiplexer) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Owners:      len(m.owners),
		ActiveCoins: len(m.refs),
	}
}

// Stats contains multiplexer statistics.
type Stats struct {
	Owners      int
	ActiveCoins int
}
