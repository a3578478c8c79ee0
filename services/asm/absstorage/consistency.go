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

import "sort"

// Resolved is the single value a consistent location group folds into.
type Resolved struct {
	Loc   Location
	Value Element
}

// Aggregate classifies the updates of ms by location and folds every
// consistent group into one value.
//
// Description:
//
//	Groups are visited in location-key order. A group of ActionUpdate
//	updates is consistent iff all values are equal. A group of
//	ActionIncrement updates is consistent iff every value is a number; it
//	folds to current(loc) + sum, where an undefined current value counts as
//	zero. Any group mixing actions is inconsistent.
//
// Inputs:
//
//	ms - The merged multiset of one round.
//	current - Reads the pre-round value of a location (for increments).
//
// Outputs:
//
//	[]Resolved - One entry per location, in key order. Nil on conflict.
//	*InconsistentUpdatesError - The first conflicting group, or nil.
func Aggregate(ms *UpdateMultiset, current func(Location) Element) ([]Resolved, *InconsistentUpdatesError) {
	groups := make(map[string][]Update)
	for _, u := range ms.Updates() {
		k := u.Loc.Key()
		groups[k] = append(groups[k], u)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resolved := make([]Resolved, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		value, ok := foldGroup(group, current)
		if !ok {
			sort.Slice(group, func(i, j int) bool { return group[i].Key() < group[j].Key() })
			return nil, &InconsistentUpdatesError{Location: group[0].Loc, Updates: group}
		}
		resolved = append(resolved, Resolved{Loc: group[0].Loc, Value: value})
	}
	return resolved, nil
}

// foldGroup folds the updates of one location.
func foldGroup(group []Update, current func(Location) Element) (Element, bool) {
	action := group[0].Action
	for _, u := range group[1:] {
		if u.Action != action {
			return nil, false
		}
	}

	switch action {
	case ActionUpdate:
		v := group[0].Value
		for _, u := range group[1:] {
			if !Equal(u.Value, v) {
				return nil, false
			}
		}
		return v, true

	case ActionIncrement:
		var sum float64
		for _, u := range group {
			n, ok := u.Value.(NumberElement)
			if !ok {
				return nil, false
			}
			sum += float64(n)
		}
		base := current(group[0].Loc)
		if IsUndef(base) {
			return NumberElement(sum), true
		}
		n, ok := base.(NumberElement)
		if !ok {
			return nil, false
		}
		return NumberElement(float64(n) + sum), true

	default:
		return nil, false
	}
}
