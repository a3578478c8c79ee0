// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package absstorage

import (
	"fmt"
	"sort"
	"sync"
)

// cell is one stored value together with its location.
type cell struct {
	loc   Location
	value Element
}

// overlay is a named speculative layer. Undef values are stored explicitly
// so they can shadow lower layers.
type overlay struct {
	tag    string
	values map[string]cell
}

// MemoryStorage is an in-memory Storage.
//
// Universes are modelled as boolean membership functions: e is a member of
// universe U iff U(e) is true. A universe must be declared before
// GetUniverse returns it; undeclared names read as Undef.
//
// Thread Safety: Safe for concurrent use. Reads take a read lock; Apply,
// PushState, PopState and the seeding methods take the write lock.
type MemoryStorage struct {
	mu         sync.RWMutex
	base       map[string]cell
	overlays   []overlay
	universes  map[string]struct{}
	lastFailed []Update
	generation int64
}

// NewMemoryStorage creates an empty storage with the Agents universe
// declared.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		base:      make(map[string]cell),
		universes: make(map[string]struct{}),
	}
	s.universes[AgentsUniverseName] = struct{}{}
	return s
}

// DeclareUniverse makes name readable through GetUniverse.
func (s *MemoryStorage) DeclareUniverse(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.universes[name] = struct{}{}
}

// AddToUniverse declares the universe if needed and marks e as a member.
func (s *MemoryStorage) AddToUniverse(name string, e Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.universes[name] = struct{}{}
	s.writeLocked(NewLocation(name, e), BooleanElement(true))
}

// SetValue writes v at loc, bypassing the consistency check. It is meant for
// establishing an initial state.
func (s *MemoryStorage) SetValue(loc Location, v Element) error {
	if loc.Name == "" {
		return fmt.Errorf("%w: empty function name", ErrInvalidLocation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(loc, v)
	return nil
}

// GetUniverse returns a snapshot of the named universe.
func (s *MemoryStorage) GetUniverse(name string) Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.universes[name]; !ok {
		return Undef
	}
	var members []Element
	for _, c := range s.visibleLocked() {
		if c.loc.Name != name || len(c.loc.Args) != 1 {
			continue
		}
		if b, ok := c.value.(BooleanElement); ok && bool(b) {
			members = append(members, c.loc.Args[0])
		}
	}
	return NewUniverseElement(name, members)
}

// GetValue returns the value at loc, or Undef.
func (s *MemoryStorage) GetValue(loc Location) (Element, error) {
	if loc.Name == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrInvalidLocation)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(loc), nil
}

// ChosenProgram returns the value of program(agent).
func (s *MemoryStorage) ChosenProgram(agent Element) (Element, error) {
	return s.GetValue(ProgramLocation(agent))
}

// Apply folds updates into the state.
//
// Description:
//
//	All location groups are validated by Aggregate before anything is
//	written. On conflict the state is untouched and the conflicting group is
//	retained for LastInconsistentUpdates. Writes go to the top overlay when
//	one is active; such applies leave LastInconsistentUpdates and
//	Generation unchanged.
//
// Outputs:
//
//	error - *InconsistentUpdatesError on conflict, nil otherwise.
func (s *MemoryStorage) Apply(updates *UpdateMultiset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	speculative := len(s.overlays) > 0
	resolved, conflict := Aggregate(updates, s.readLocked)
	if conflict != nil {
		if !speculative {
			s.lastFailed = conflict.Updates
		}
		return conflict
	}
	for _, r := range resolved {
		s.writeLocked(r.Loc, r.Value)
	}
	if !speculative {
		s.lastFailed = nil
		s.generation++
	}
	return nil
}

// LastInconsistentUpdates returns the conflict set of the last rejected
// Apply, or nil.
func (s *MemoryStorage) LastInconsistentUpdates() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastFailed == nil {
		return nil
	}
	out := make([]Update, len(s.lastFailed))
	copy(out, s.lastFailed)
	return out
}

// PushState opens an overlay named tag.
func (s *MemoryStorage) PushState(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays = append(s.overlays, overlay{tag: tag, values: make(map[string]cell)})
}

// PopState discards the top overlay, which must be named tag.
func (s *MemoryStorage) PopState(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overlays) == 0 {
		return fmt.Errorf("pop %q: %w", tag, ErrNoOverlay)
	}
	top := s.overlays[len(s.overlays)-1]
	if top.tag != tag {
		return fmt.Errorf("pop %q, top is %q: %w", tag, top.tag, ErrStateTagMismatch)
	}
	s.overlays = s.overlays[:len(s.overlays)-1]
	return nil
}

// Depth returns the number of active overlays.
func (s *MemoryStorage) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlays)
}

// Generation returns the number of successful applies to the base state.
func (s *MemoryStorage) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Dump returns every defined location with its value, sorted by location key.
func (s *MemoryStorage) Dump() []Resolved {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visible := s.visibleLocked()
	keys := make([]string, 0, len(visible))
	for k := range visible {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Resolved, 0, len(keys))
	for _, k := range keys {
		c := visible[k]
		out = append(out, Resolved{Loc: c.loc, Value: c.value})
	}
	return out
}

func (s *MemoryStorage) readLocked(loc Location) Element {
	k := loc.Key()
	for i := len(s.overlays) - 1; i >= 0; i-- {
		if c, ok := s.overlays[i].values[k]; ok {
			return c.value
		}
	}
	if c, ok := s.base[k]; ok {
		return c.value
	}
	return Undef
}

func (s *MemoryStorage) writeLocked(loc Location, v Element) {
	if v == nil {
		v = Undef
	}
	k := loc.Key()
	if n := len(s.overlays); n > 0 {
		s.overlays[n-1].values[k] = cell{loc: loc, value: v}
		return
	}
	if IsUndef(v) {
		delete(s.base, k)
		return
	}
	s.base[k] = cell{loc: loc, value: v}
}

// visibleLocked merges all layers, dropping locations that read as Undef.
func (s *MemoryStorage) visibleLocked() map[string]cell {
	out := make(map[string]cell, len(s.base))
	for k, c := range s.base {
		out[k] = c
	}
	for _, o := range s.overlays {
		for k, c := range o.values {
			if IsUndef(c.value) {
				delete(out, k)
				continue
			}
			out[k] = c
		}
	}
	return out
}

var _ Storage = (*MemoryStorage)(nil)
