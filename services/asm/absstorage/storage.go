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
	"errors"
	"fmt"
	"strings"
)

const (
	// AgentsUniverseName is the universe holding every agent.
	AgentsUniverseName = "Agents"

	// ProgramFunctionName maps an agent to its program.
	ProgramFunctionName = "program"
)

var (
	// ErrInvalidLocation is returned when a location cannot be read.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInconsistentUpdates is returned by Apply when the multiset holds
	// updates that cannot be reconciled.
	ErrInconsistentUpdates = errors.New("inconsistent updates")

	// ErrNoOverlay is returned by PopState when no overlay is active.
	ErrNoOverlay = errors.New("no state overlay to pop")

	// ErrStateTagMismatch is returned by PopState when the tag does not name
	// the top overlay.
	ErrStateTagMismatch = errors.New("state overlay tag mismatch")
)

// InconsistentUpdatesError carries the conflicting subset of a rejected
// apply. It matches ErrInconsistentUpdates with errors.Is.
type InconsistentUpdatesError struct {
	Location Location
	Updates  []Update
}

func (e *InconsistentUpdatesError) Error() string {
	parts := make([]string, len(e.Updates))
	for i, u := range e.Updates {
		parts[i] = u.String()
	}
	return fmt.Sprintf("inconsistent updates at %s: %s", e.Location, strings.Join(parts, ", "))
}

// Is matches ErrInconsistentUpdates.
func (e *InconsistentUpdatesError) Is(target error) bool {
	return target == ErrInconsistentUpdates
}

// Reader is the read side of a storage. Evaluators only ever read.
type Reader interface {
	// GetUniverse returns the named universe, or Undef if it does not exist.
	GetUniverse(name string) Element

	// GetValue returns the value at loc. Undefined locations read as Undef.
	GetValue(loc Location) (Element, error)

	// ChosenProgram returns the program of agent.
	ChosenProgram(agent Element) (Element, error)
}

// Storage holds the current state and folds consistent update multisets
// into it.
type Storage interface {
	Reader

	// Apply folds updates into the state atomically. On conflict nothing is
	// written and an *InconsistentUpdatesError is returned.
	Apply(updates *UpdateMultiset) error

	// LastInconsistentUpdates returns the conflicting subset of the most
	// recent rejected Apply, or nil if the last Apply succeeded.
	LastInconsistentUpdates() []Update

	// PushState opens a named speculative overlay.
	PushState(tag string)

	// PopState discards the overlay opened by the matching PushState.
	PopState(tag string) error
}

// ProgramLocation returns the location of agent's program.
func ProgramLocation(agent Element) Location {
	return NewLocation(ProgramFunctionName, agent)
}
