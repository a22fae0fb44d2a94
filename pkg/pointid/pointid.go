// Package pointid implements the bidirectional user-string ↔ internal-id
// mapping GigaVector exposes at its API boundary, backed by an
// open-addressed hash table with linear probing. UUIDv4 generation is
// delegated to google/uuid, the same dependency sqvect already carries for
// id generation.
package pointid

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gigavector/gigavector/pkg/errs"
)

const maxLoadFactor = 0.7

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFilled
	slotTombstoned
)

type slot struct {
	key   string
	id    uint64
	state slotState
}

// Map is a bidirectional string↔uint64 mapping, open-addressed with linear
// probing and a load factor capped at 0.7.
type Map struct {
	mu      sync.RWMutex
	slots   []slot
	byID    map[uint64]string
	count   int // filled, excludes tombstones
	filled  int // filled+tombstoned, drives resize decisions
}

// New creates an empty PointIDMap.
func New() *Map {
	m := &Map{byID: make(map[uint64]string)}
	m.slots = make([]slot, 16)
	return m
}

func hashString(s string) uint64 {
	// FNV-1a, matching the hash family used elsewhere in GigaVector (query
	// cache keys also use FNV-1a) for a consistent, dependency-free hash.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (m *Map) indexFor(key string) int {
	return int(hashString(key) % uint64(len(m.slots)))
}

// Set associates key with id, copying key into the table. Overwrites any
// prior association for key.
func (m *Map) Set(key string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.growIfNeededLocked()
	m.setLocked(key, id)
}

func (m *Map) setLocked(key string, id uint64) {
	idx := m.indexFor(key)
	firstTombstone := -1
	for {
		s := m.slots[idx]
		switch s.state {
		case slotEmpty:
			pos := idx
			if firstTombstone >= 0 {
				pos = firstTombstone
			}
			m.slots[pos] = slot{key: key, id: id, state: slotFilled}
			if firstTombstone < 0 {
				m.filled++
			}
			m.count++
			m.byID[id] = key
			return
		case slotTombstoned:
			if firstTombstone < 0 {
				firstTombstone = idx
			}
		case slotFilled:
			if s.key == key {
				delete(m.byID, m.slots[idx].id)
				m.slots[idx].id = id
				m.byID[id] = key
				return
			}
		}
		idx = (idx + 1) % len(m.slots)
	}
}

func (m *Map) growIfNeededLocked() {
	if float64(m.filled+1)/float64(len(m.slots)) <= maxLoadFactor {
		return
	}
	old := m.slots
	m.slots = make([]slot, len(old)*2)
	m.filled = 0
	m.count = 0
	m.byID = make(map[uint64]string, len(m.byID))
	for _, s := range old {
		if s.state == slotFilled {
			m.setLocked(s.key, s.id)
		}
	}
}

// Get returns the internal id for key.
func (m *Map) Get(key string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexFor(key)
	for i := 0; i < len(m.slots); i++ {
		s := m.slots[idx]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFilled:
			if s.key == key {
				return s.id, true
			}
		}
		idx = (idx + 1) % len(m.slots)
	}
	return 0, false
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// ReverseLookup returns the user string associated with an internal id.
func (m *Map) ReverseLookup(id uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byID[id]
	return key, ok
}

// Remove deletes key's association. The internal id becomes reusable but is
// not recycled automatically; the caller coordinates reuse externally.
func (m *Map) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexFor(key)
	for i := 0; i < len(m.slots); i++ {
		s := m.slots[idx]
		switch s.state {
		case slotEmpty:
			return errs.New(errs.KindNotFound, "pointid.Remove", "key not found")
		case slotFilled:
			if s.key == key {
				delete(m.byID, s.id)
				m.slots[idx].state = slotTombstoned
				m.slots[idx].key = ""
				m.count--
				return nil
			}
		}
		idx = (idx + 1) % len(m.slots)
	}
	return errs.New(errs.KindNotFound, "pointid.Remove", "key not found")
}

// Count returns the number of live associations.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Iterate calls fn for every live (key, id) pair in unspecified order.
func (m *Map) Iterate(fn func(key string, id uint64)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.slots {
		if s.state == slotFilled {
			fn(s.key, s.id)
		}
	}
}

// NewID generates a fresh, collision-free RFC 4122 UUIDv4 string suitable
// for use as a user-facing key. It draws entropy from google/uuid's CSPRNG
// reader, which falls back to a seeded PRNG if the platform source is
// unavailable.
func NewID() string {
	return uuid.NewString()
}
