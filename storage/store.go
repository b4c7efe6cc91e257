package storage

import (
	"sort"
	"sync"
)

// Store owns one GuildState per guild. The map lock is only held for lookups;
// all mutation of a guild happens inside that guild's own lock.
type Store struct {
	mu     sync.RWMutex
	guilds map[string]*GuildState
}

func NewStore() *Store {
	return &Store{guilds: make(map[string]*GuildState)}
}

// Get returns the state for guildID, creating it if absent.
func (s *Store) Get(guildID string) *GuildState {
	s.mu.RLock()
	gs, ok := s.guilds[guildID]
	s.mu.RUnlock()
	if ok {
		return gs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gs, ok = s.guilds[guildID]; ok {
		return gs
	}
	gs = &GuildState{GuildID: guildID}
	s.guilds[guildID] = gs
	return gs
}

// With runs fn with exclusive access to the guild. It never holds more than one
// guild lock. If the record is removed while With waits for it, a fresh record
// is fetched.
func (s *Store) With(guildID string, fn func(gs *GuildState) error) error {
	for {
		gs := s.Get(guildID)
		gs.mu.Lock()
		if gs.removed {
			gs.mu.Unlock()
			continue
		}
		err := fn(gs)
		gs.mu.Unlock()
		return err
	}
}

// View runs fn under the guild lock without creating a record. It reports
// whether the guild exists.
func (s *Store) View(guildID string, fn func(gs *GuildState)) bool {
	s.mu.RLock()
	gs, ok := s.guilds[guildID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.removed {
		return false
	}
	fn(gs)
	return true
}

// Update is With for records that must already exist: it never creates a
// guild and reports false when the guild is absent or was removed.
func (s *Store) Update(guildID string, fn func(gs *GuildState) error) (bool, error) {
	s.mu.RLock()
	gs, ok := s.guilds[guildID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.removed {
		return false, nil
	}
	return true, fn(gs)
}

// Remove drops the guild. Operations already holding its lock finish first.
func (s *Store) Remove(guildID string) bool {
	s.mu.Lock()
	gs, ok := s.guilds[guildID]
	delete(s.guilds, guildID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	gs.mu.Lock()
	gs.removed = true
	gs.mu.Unlock()
	return true
}

func (s *Store) Guilds() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
