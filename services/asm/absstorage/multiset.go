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
	"sort"
	"strings"
)

// UpdateMultiset is a duplicate-preserving, order-irrelevant collection of
// updates produced by one evaluation round.
//
// AddAll is the merge operator across agents: it is commutative and
// associative with respect to Equal.
//
// Thread Safety: NOT safe for concurrent mutation. Each evaluator owns its
// multiset until it is handed to the scheduler for merging.
type UpdateMultiset struct {
	updates []Update
}

// NewUpdateMultiset creates a multiset holding the given updates.
func NewUpdateMultiset(updates ...Update) *UpdateMultiset {
	ms := &UpdateMultiset{updates: make([]Update, 0, len(updates))}
	ms.updates = append(ms.updates, updates...)
	return ms
}

// Add appends one update.
func (m *UpdateMultiset) Add(u Update) {
	m.updates = append(m.updates, u)
}

// AddAll merges other into m. A nil other is a no-op.
func (m *UpdateMultiset) AddAll(other *UpdateMultiset) {
	if other == nil {
		return
	}
	m.updates = append(m.updates, other.updates...)
}

// Len returns the number of updates, counting duplicates.
func (m *UpdateMultiset) Len() int {
	if m == nil {
		return 0
	}
	return len(m.updates)
}

// IsEmpty reports whether the multiset holds no updates.
func (m *UpdateMultiset) IsEmpty() bool {
	return m.Len() == 0
}

// Updates returns a copy of the updates.
func (m *UpdateMultiset) Updates() []Update {
	if m == nil {
		return nil
	}
	out := make([]Update, len(m.updates))
	copy(out, m.updates)
	return out
}

// Agents returns every agent that contributed an update, sorted by key.
func (m *UpdateMultiset) Agents() []Element {
	if m == nil {
		return nil
	}
	seen := make(map[string]Element)
	for _, u := range m.updates {
		for _, a := range u.agents {
			seen[KeyOf(a)] = a
		}
	}
	out := make([]Element, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	SortElements(out)
	return out
}

// counts returns the multiplicity of each distinct update.
func (m *UpdateMultiset) counts() map[string]int {
	c := make(map[string]int, m.Len())
	if m == nil {
		return c
	}
	for _, u := range m.updates {
		c[u.Key()]++
	}
	return c
}

// Equal reports multiset equality: same size and the same multiplicity for
// every distinct update. Position is never compared.
func (m *UpdateMultiset) Equal(other *UpdateMultiset) bool {
	if m.Len() != other.Len() {
		return false
	}
	a, b := m.counts(), other.counts()
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}

// String renders the updates sorted by key.
func (m *UpdateMultiset) String() string {
	ups := m.Updates()
	sort.Slice(ups, func(i, j int) bool { return ups[i].Key() < ups[j].Key() })
	parts := make([]string, len(ups))
	for i, u := range ups {
		parts[i] = u.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// UpdateList is an ordered list of updates. Equality is positional, which
// is only meaningful when a single deterministic agent produced both lists.
type UpdateList []Update

// Equal compares element by element.
func (l UpdateList) Equal(other UpdateList) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if !l[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Multiset converts the list into an unordered multiset.
func (l UpdateList) Multiset() *UpdateMultiset {
	return NewUpdateMultiset(l...)
}
