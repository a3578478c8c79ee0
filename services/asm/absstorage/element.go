// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package absstorage holds the abstract state of a machine: elements,
// locations, updates, update multisets and the storage that folds a
// consistent multiset into the next state.
//
// # Consistency
//
// Updates produced by independent agents are merged into one
// UpdateMultiset. Storage.Apply either folds the whole multiset into the
// state or rejects it and retains the conflicting subset, which is
// available through LastInconsistentUpdates until the next successful
// apply.
//
// # Thread Safety
//
// Elements, Locations and Updates are immutable. MemoryStorage is safe for
// concurrent reads; Apply, PushState and PopState serialize.
package absstorage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Element is an opaque, immutable value of the machine state.
//
// Elements are compared by value. Concrete element types are comparable so
// an Element may be used directly as a map key when its dynamic type is one
// of the types in this package; use KeyOf for a stable string key.
type Element interface {
	// Denotation returns a human-readable representation.
	Denotation() string
}

// undefElement is the type of Undef.
type undefElement struct{}

func (undefElement) Denotation() string { return "undef" }

// Undef is the distinguished undefined value.
var Undef Element = undefElement{}

// BooleanElement is a truth value.
type BooleanElement bool

// Denotation returns "true" or "false".
func (b BooleanElement) Denotation() string { return strconv.FormatBool(bool(b)) }

// NumberElement is a numeric value.
type NumberElement float64

// Denotation formats the number in its shortest form.
func (n NumberElement) Denotation() string {
	return strconv.FormatFloat(float64(n), 'g', -1, 64)
}

// StringElement is a string value.
type StringElement string

// Denotation returns the quoted string.
func (s StringElement) Denotation() string { return strconv.Quote(string(s)) }

// AgentElement identifies an agent by name.
type AgentElement string

// Denotation returns the agent name.
func (a AgentElement) Denotation() string { return string(a) }

// Enumerable is implemented by elements whose members can be listed.
type Enumerable interface {
	Element
	Enumerate() []Element
}

// UniverseElement is a read-only snapshot of a universe's members.
//
// The snapshot is taken when the universe is read from storage; later
// state changes are not reflected.
type UniverseElement struct {
	name    string
	members []Element
}

// NewUniverseElement creates a universe snapshot. Members are copied and
// sorted by key.
func NewUniverseElement(name string, members []Element) *UniverseElement {
	cp := make([]Element, len(members))
	copy(cp, members)
	SortElements(cp)
	return &UniverseElement{name: name, members: cp}
}

// Name returns the universe name.
func (u *UniverseElement) Name() string { return u.name }

// Denotation returns the universe name.
func (u *UniverseElement) Denotation() string { return "universe " + u.name }

// Enumerate returns the members in key order.
func (u *UniverseElement) Enumerate() []Element {
	out := make([]Element, len(u.members))
	copy(out, u.members)
	return out
}

// Contains reports membership.
func (u *UniverseElement) Contains(e Element) bool {
	for _, m := range u.members {
		if Equal(m, e) {
			return true
		}
	}
	return false
}

// Equal reports value equality of two elements.
func Equal(a, b Element) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return KeyOf(a) == KeyOf(b)
}

// IsUndef reports whether e is nil or Undef.
func IsUndef(e Element) bool {
	return e == nil || e == Undef
}

// KeyOf returns a type-tagged key for e. Two elements have the same key if
// and only if they are equal.
func KeyOf(e Element) string {
	switch v := e.(type) {
	case nil:
		return "nil"
	case undefElement:
		return "u:"
	case BooleanElement:
		return "b:" + v.Denotation()
	case NumberElement:
		return "n:" + v.Denotation()
	case StringElement:
		return "s:" + string(v)
	case AgentElement:
		return "a:" + string(v)
	case *UniverseElement:
		return fmt.Sprintf("U:%s@%p", v.name, v)
	case interface{ Key() string }:
		return fmt.Sprintf("%T:%s", e, v.Key())
	default:
		return fmt.Sprintf("%T:%s", e, e.Denotation())
	}
}

// SortElements sorts elements in place by key.
func SortElements(elems []Element) {
	sort.Slice(elems, func(i, j int) bool {
		return KeyOf(elems[i]) < KeyOf(elems[j])
	})
}

// Denotations renders elements as "{a, b, c}".
func Denotations(elems []Element) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = e.Denotation()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
