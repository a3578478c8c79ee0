// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
)

// MaxExhaustiveAgents is the largest eligible set for which DefaultPolicy
// enumerates every subset.
const MaxExhaustiveAgents = 10

// Policy names accepted by PolicyByName.
const (
	PolicyNameDefault   = "default"
	PolicyNameSingleton = "singleton"
)

// Schedule is a single-use iterator over candidate agent subsets. It may be
// infinite.
type Schedule interface {
	HasNext() bool
	Next() []absstorage.Element
}

// SchedulingPolicy produces schedules.
//
// group is a handle that stays the same across every step of a run, so a
// policy may keep search state across steps. Policies must be safe for
// concurrent NewSchedule calls.
type SchedulingPolicy interface {
	Name() string
	NewSchedule(group any, agents []absstorage.Element) Schedule
}

// PolicyProvider is a component that may contribute a scheduling policy.
type PolicyProvider interface {
	// Name identifies the provider in diagnostics.
	Name() string

	// SchedulingPolicy returns the contributed policy, or nil.
	SchedulingPolicy() SchedulingPolicy
}

// StaticProvider contributes a fixed policy under a source name. A nil
// Policy contributes nothing.
type StaticProvider struct {
	Source string
	Policy SchedulingPolicy
}

// Name implements PolicyProvider.
func (p StaticProvider) Name() string { return p.Source }

// SchedulingPolicy implements PolicyProvider.
func (p StaticProvider) SchedulingPolicy() SchedulingPolicy { return p.Policy }

// ConflictingPoliciesError is returned when more than one provider supplies
// a policy.
type ConflictingPoliciesError struct {
	Providers []string
}

func (e *ConflictingPoliciesError) Error() string {
	return "conflicting scheduling policies provided by " + strings.Join(e.Providers, ", ")
}

// ResolvePolicy selects the run's policy: DefaultPolicy when no provider
// supplies one, the single supplied policy, or a *ConflictingPoliciesError.
func ResolvePolicy(providers ...PolicyProvider) (SchedulingPolicy, error) {
	var (
		chosen SchedulingPolicy
		names  []string
	)
	for _, p := range providers {
		if p == nil {
			continue
		}
		if pol := p.SchedulingPolicy(); pol != nil {
			chosen = pol
			names = append(names, p.Name())
		}
	}
	switch len(names) {
	case 0:
		return DefaultPolicy{}, nil
	case 1:
		return chosen, nil
	default:
		return nil, &ConflictingPoliciesError{Providers: names}
	}
}

// PolicyByName maps a configured name to a policy.
func PolicyByName(name string) (SchedulingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyNameDefault:
		return DefaultPolicy{}, nil
	case PolicyNameSingleton:
		return NewSingletonPolicy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// DefaultPolicy tries the full eligible set first, then every proper
// non-empty subset in decreasing size. Above MaxExhaustiveAgents agents it
// tries the full set followed by each single agent.
type DefaultPolicy struct{}

// Name implements SchedulingPolicy.
func (DefaultPolicy) Name() string { return PolicyNameDefault }

// NewSchedule implements SchedulingPolicy.
func (DefaultPolicy) NewSchedule(_ any, agents []absstorage.Element) Schedule {
	set := copyElements(agents)
	if len(set) > MaxExhaustiveAgents {
		candidates := make([][]absstorage.Element, 0, len(set)+1)
		candidates = append(candidates, set)
		for _, a := range set {
			candidates = append(candidates, []absstorage.Element{a})
		}
		return newListSchedule(candidates)
	}
	return newSubsetSchedule(set)
}

// subsetSchedule walks combinations of decreasing size in lexicographic
// index order.
type subsetSchedule struct {
	set  []absstorage.Element
	size int
	idx  []int
}

func newSubsetSchedule(set []absstorage.Element) *subsetSchedule {
	s := &subsetSchedule{set: set, size: len(set)}
	s.reset()
	return s
}

func (s *subsetSchedule) reset() {
	s.idx = make([]int, s.size)
	for i := range s.idx {
		s.idx[i] = i
	}
}

func (s *subsetSchedule) HasNext() bool { return s.size > 0 }

func (s *subsetSchedule) Next() []absstorage.Element {
	if s.size == 0 {
		return nil
	}
	out := make([]absstorage.Element, s.size)
	for i, j := range s.idx {
		out[i] = s.set[j]
	}
	s.advance()
	return out
}

// advance moves to the next combination of the current size, or to the
// first combination of the next smaller size.
func (s *subsetSchedule) advance() {
	n, k := len(s.set), s.size
	i := k - 1
	for i >= 0 && s.idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		s.size--
		s.reset()
		return
	}
	s.idx[i]++
	for j := i + 1; j < k; j++ {
		s.idx[j] = s.idx[j-1] + 1
	}
}

// SingletonPolicy runs one agent per candidate. Within a group, consecutive
// schedules start at successive agents so that every agent gets a turn.
//
// Thread Safety: Safe for concurrent use. Group handles must be comparable.
type SingletonPolicy struct {
	mu     sync.Mutex
	cursor map[any]int
}

// NewSingletonPolicy creates a singleton policy.
func NewSingletonPolicy() *SingletonPolicy {
	return &SingletonPolicy{cursor: make(map[any]int)}
}

// Name implements SchedulingPolicy.
func (p *SingletonPolicy) Name() string { return PolicyNameSingleton }

// NewSchedule implements SchedulingPolicy.
func (p *SingletonPolicy) NewSchedule(group any, agents []absstorage.Element) Schedule {
	n := len(agents)
	if n == 0 {
		return newListSchedule(nil)
	}
	p.mu.Lock()
	start := p.cursor[group] % n
	p.cursor[group] = start + 1
	p.mu.Unlock()

	candidates := make([][]absstorage.Element, n)
	for i := 0; i < n; i++ {
		candidates[i] = []absstorage.Element{agents[(start+i)%n]}
	}
	return newListSchedule(candidates)
}

// FixedPolicy yields the same explicit candidate list for every schedule.
type FixedPolicy struct {
	Candidates [][]absstorage.Element
}

// Name implements SchedulingPolicy.
func (FixedPolicy) Name() string { return "fixed" }

// NewSchedule implements SchedulingPolicy. The eligible set is ignored.
func (p FixedPolicy) NewSchedule(_ any, _ []absstorage.Element) Schedule {
	candidates := make([][]absstorage.Element, len(p.Candidates))
	for i, c := range p.Candidates {
		candidates[i] = copyElements(c)
	}
	return newListSchedule(candidates)
}

type listSchedule struct {
	candidates [][]absstorage.Element
	pos        int
}

func newListSchedule(candidates [][]absstorage.Element) *listSchedule {
	return &listSchedule{candidates: candidates}
}

func (s *listSchedule) HasNext() bool { return s.pos < len(s.candidates) }

func (s *listSchedule) Next() []absstorage.Element {
	if !s.HasNext() {
		return nil
	}
	c := s.candidates[s.pos]
	s.pos++
	return copyElements(c)
}

func copyElements(in []absstorage.Element) []absstorage.Element {
	out := make([]absstorage.Element, len(in))
	copy(out, in)
	return out
}
