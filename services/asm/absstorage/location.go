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

import "strings"

// ElementList is an ordered list of function arguments.
type ElementList []Element

// NewElementList copies elems into a new list.
func NewElementList(elems ...Element) ElementList {
	out := make(ElementList, len(elems))
	copy(out, elems)
	return out
}

// Equal compares element-wise.
func (l ElementList) Equal(other ElementList) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if !Equal(l[i], other[i]) {
			return false
		}
	}
	return true
}

// Location identifies a storage cell: a function name and its arguments.
type Location struct {
	Name string
	Args ElementList
}

// NewLocation creates a location. The argument list is copied.
func NewLocation(name string, args ...Element) Location {
	return Location{Name: name, Args: NewElementList(args...)}
}

// Equal reports whether both the name and the arguments match.
func (l Location) Equal(other Location) bool {
	return l.Name == other.Name && l.Args.Equal(other.Args)
}

// Key returns a string usable as a map key. Equal locations have equal keys.
func (l Location) Key() string {
	var b strings.Builder
	b.WriteString(l.Name)
	b.WriteByte('(')
	for i, a := range l.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(KeyOf(a))
	}
	b.WriteByte(')')
	return b.String()
}

// String renders the location as name(a1, a2).
func (l Location) String() string {
	parts := make([]string, len(l.Args))
	for i, a := range l.Args {
		parts[i] = a.Denotation()
	}
	return l.Name + "(" + strings.Join(parts, ", ") + ")"
}
