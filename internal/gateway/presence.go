package gateway

import (
	"sort"
	"sync"

	"github.com/nhoel/portcullis/internal/protocol"
)

// Presence is the live table of authenticated connections. Every mutation
// bumps a monotonic version counter, which is stamped onto the changed entry
// so clients can order updates that arrive out of band.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]protocol.PresenceEntry // keyed by ConnID
	version uint64
}

// NewPresence creates an empty presence table.
func NewPresence() *Presence {
	return &Presence{entries: make(map[string]protocol.PresenceEntry)}
}

// Upsert adds or replaces the entry for its ConnID and returns the new table
// version.
func (p *Presence) Upsert(entry protocol.PresenceEntry) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version++
	entry.Version = p.version
	p.entries[entry.ConnID] = entry
	return p.version
}

// Remove drops the entry for connID. Removing an unknown connID does not
// bump the version.
func (p *Presence) Remove(connID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[connID]; !ok {
		return p.version
	}
	delete(p.entries, connID)
	p.version++
	return p.version
}

// Snapshot returns all entries ordered by ConnID.
func (p *Presence) Snapshot() []protocol.PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Version returns the current table version.
func (p *Presence) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Count returns the number of present connections.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
