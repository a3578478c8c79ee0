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
	"strings"
)

// Action tags the kind of change an Update proposes.
type Action string

const (
	// ActionUpdate sets the location to the value.
	ActionUpdate Action = "updateAction"

	// ActionIncrement adds a numeric value to the location. Increments to the
	// same location combine commutatively.
	ActionIncrement Action = "incrementAction"
)

// Update is a single proposed change to one location.
//
// Updates are immutable once created; the agent list is private and sorted.
type Update struct {
	Loc    Location
	Value  Element
	Action Action
	agents []Element
}

// NewUpdate creates an update attributed to the given agents.
// Duplicate agents are removed.
func NewUpdate(loc Location, value Element, action Action, agents ...Element) Update {
	if value == nil {
		value = Undef
	}
	set := make([]Element, 0, len(agents))
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		if a == nil {
			continue
		}
		k := KeyOf(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		set = append(set, a)
	}
	SortElements(set)
	return Update{Loc: loc, Value: value, Action: action, agents: set}
}

// Agents returns the agents that produced the update.
func (u Update) Agents() []Element {
	out := make([]Element, len(u.agents))
	copy(out, u.agents)
	return out
}

// Key identifies the update for multiset counting.
func (u Update) Key() string {
	var b strings.Builder
	b.WriteString(u.Loc.Key())
	b.WriteByte('=')
	b.WriteString(KeyOf(u.Value))
	b.WriteByte('|')
	b.WriteString(string(u.Action))
	b.WriteByte('|')
	for i, a := range u.agents {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(KeyOf(a))
	}
	return b.String()
}

// Equal compares location, value, action and the agent set.
func (u Update) Equal(other Update) bool {
	return u.Key() == other.Key()
}

// String renders the update as (loc, action, value).
func (u Update) String() string {
	return fmt.Sprintf("(%s, %s, %s)", u.Loc, u.Action, u.Value.Denotation())
}
