// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package machine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/ast"
	"github.com/AleutianAI/AleutianASM/services/asm/scheduler"
)

// ErrUnseedableStorage is returned when the storage passed to InitialState
// cannot be written outside of a step.
var ErrUnseedableStorage = errors.New("storage does not support seeding")

// Seeder is a storage that can be written directly during initialization.
type Seeder interface {
	DeclareUniverse(name string)
	AddToUniverse(name string, e absstorage.Element)
	SetValue(loc absstorage.Location, v absstorage.Element) error
}

// Machine is a built definition.
//
// Thread Safety: Immutable after Build. InitialState may be called on any
// number of storages.
type Machine struct {
	name      string
	arena     *ast.Arena
	rules     map[string]ast.RuleElement
	initAgent absstorage.AgentElement
	initRule  string
	policy    scheduler.SchedulingPolicy
	agents    map[string]string
	universes map[string][]absstorage.Element
	functions []absstorage.Resolved
}

// Build validates def and builds its rules into a fresh arena.
//
// Description:
//
//	Every rule first gets a reserved root so that rule literals can refer to
//	any rule, including themselves. Bodies are then built and all problems
//	are reported together.
//
// Outputs:
//
//	*Machine - The machine.
//	error - Wraps ErrInvalidDefinition and lists every problem found.
func Build(def Definition) (*Machine, error) {
	if def.InitAgent == "" {
		def.InitAgent = DefaultInitAgent
	}
	b := &builder{arena: ast.NewArena(), rules: make(map[string]ast.RuleElement, len(def.Rules))}

	names := sortedKeys(def.Rules)
	roots := make(map[string]ast.NodeID, len(names))
	for _, name := range names {
		roots[name] = b.arena.Reserve()
		b.rules[name] = ast.NewRule(name, b.arena, roots[name])
	}
	for _, name := range names {
		body := b.rule(def.Rules[name], "rules."+name)
		if body == ast.NoNode {
			continue
		}
		if err := b.arena.Fill(roots[name], body); err != nil {
			b.fail("rules.%s: %v", name, err)
		}
	}

	m := &Machine{
		name:      def.Name,
		arena:     b.arena,
		rules:     b.rules,
		initAgent: absstorage.AgentElement(def.InitAgent),
		initRule:  def.InitRule,
		agents:    make(map[string]string, len(def.Agents)),
		universes: make(map[string][]absstorage.Element, len(def.Universes)),
	}

	if def.InitRule == "" {
		b.fail("init_rule: required")
	} else if _, ok := b.rules[def.InitRule]; !ok {
		b.fail("init_rule: unknown rule %q", def.InitRule)
	}
	if def.Policy != "" {
		policy, err := scheduler.PolicyByName(def.Policy)
		if err != nil {
			b.fail("policy: %v", err)
		}
		m.policy = policy
	}
	for agent, rule := range def.Agents {
		switch {
		case agent == "":
			b.fail("agents: empty agent name")
		case agent == def.InitAgent:
			b.fail("agents.%s: the initial agent's program is init_rule", agent)
		}
		if _, ok := b.rules[rule]; !ok {
			b.fail("agents.%s: unknown rule %q", agent, rule)
		}
		m.agents[agent] = rule
	}
	for name, members := range def.Universes {
		if name == "" {
			b.fail("universes: empty universe name")
			continue
		}
		for i, v := range members {
			if e, ok := b.literal(v, fmt.Sprintf("universes.%s[%d]", name, i)); ok {
				m.universes[name] = append(m.universes[name], e)
			}
		}
	}
	for i, fv := range def.Functions {
		path := fmt.Sprintf("functions[%d]", i)
		if fv.Name == "" {
			b.fail("%s: name required", path)
			continue
		}
		args := make([]absstorage.Element, 0, len(fv.Args))
		for j, a := range fv.Args {
			if e, ok := b.literal(a, fmt.Sprintf("%s.args[%d]", path, j)); ok {
				args = append(args, e)
			}
		}
		if v, ok := b.literal(fv.Value, path+".value"); ok {
			m.functions = append(m.functions, absstorage.Resolved{Loc: absstorage.NewLocation(fv.Name, args...), Value: v})
		}
	}

	if len(b.problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(b.problems...))
	}
	return m, nil
}

// Name returns the machine's name.
func (m *Machine) Name() string { return m.name }

// Arena returns the arena holding every rule body.
func (m *Machine) Arena() *ast.Arena { return m.arena }

// Rule returns the rule element named name.
func (m *Machine) Rule(name string) (ast.RuleElement, bool) {
	r, ok := m.rules[name]
	return r, ok
}

// RuleNames returns the rule names in sorted order.
func (m *Machine) RuleNames() []string { return sortedKeys(m.rules) }

// Literal converts a literal written against this machine's rules.
func (m *Machine) Literal(v Value) (absstorage.Element, error) {
	b := &builder{arena: m.arena, rules: m.rules}
	e, ok := b.literal(v, "literal")
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(b.problems...))
	}
	return e, nil
}

// AgentNames returns the listed agents, without the initial agent, in
// sorted order.
func (m *Machine) AgentNames() []string { return sortedKeys(m.agents) }

// InitAgent returns the initial agent.
func (m *Machine) InitAgent() absstorage.Element { return m.initAgent }

// PolicyProvider contributes the machine's policy, if it names one.
func (m *Machine) PolicyProvider() scheduler.PolicyProvider {
	return scheduler.StaticProvider{Source: "machine " + m.name, Policy: m.policy}
}

// InitialState seeds storage and returns the initial agent. It implements
// scheduler.Initializer.
//
// The Agents universe receives the initial agent and every listed agent,
// and each gets its program. Extra universes and function values follow.
func (m *Machine) InitialState(_ context.Context, storage absstorage.Storage) (absstorage.Element, error) {
	seeder, ok := storage.(Seeder)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnseedableStorage, storage)
	}

	seeder.DeclareUniverse(absstorage.AgentsUniverseName)
	if err := m.install(seeder, m.initAgent, m.initRule); err != nil {
		return nil, err
	}
	for _, agent := range sortedKeys(m.agents) {
		if err := m.install(seeder, absstorage.AgentElement(agent), m.agents[agent]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(m.universes) {
		seeder.DeclareUniverse(name)
		for _, e := range m.universes[name] {
			seeder.AddToUniverse(name, e)
		}
	}
	for _, fv := range m.functions {
		if err := seeder.SetValue(fv.Loc, fv.Value); err != nil {
			return nil, fmt.Errorf("seed %s: %w", fv.Loc, err)
		}
	}
	return m.initAgent, nil
}

func (m *Machine) install(seeder Seeder, agent absstorage.AgentElement, rule string) error {
	seeder.AddToUniverse(absstorage.AgentsUniverseName, agent)
	if err := seeder.SetValue(absstorage.ProgramLocation(agent), m.rules[rule]); err != nil {
		return fmt.Errorf("install program of %s: %w", agent, err)
	}
	return nil
}

type builder struct {
	arena    *ast.Arena
	rules    map[string]ast.RuleElement
	problems []error
}

func (b *builder) fail(format string, args ...any) {
	b.problems = append(b.problems, fmt.Errorf(format, args...))
}

// literal converts v. It reports false after recording a problem.
func (b *builder) literal(v Value, path string) (absstorage.Element, bool) {
	if n := v.fields(); n != 1 {
		b.fail("%s: a literal needs exactly one of num, str, bool, agent, undef, rule (got %d)", path, n)
		return nil, false
	}
	switch {
	case v.Num != nil:
		return absstorage.NumberElement(*v.Num), true
	case v.Str != nil:
		return absstorage.StringElement(*v.Str), true
	case v.Bool != nil:
		return absstorage.BooleanElement(*v.Bool), true
	case v.Agent != nil:
		if *v.Agent == "" {
			b.fail("%s: empty agent name", path)
			return nil, false
		}
		return absstorage.AgentElement(*v.Agent), true
	case v.Undef:
		return absstorage.Undef, true
	default:
		r, ok := b.rules[*v.Rule]
		if !ok {
			b.fail("%s: unknown rule %q", path, *v.Rule)
			return nil, false
		}
		return r, true
	}
}

// rule builds a node that must produce updates.
func (b *builder) rule(n Node, path string) ast.NodeID {
	id := b.node(n, path)
	if id == ast.NoNode {
		return id
	}
	if node, _ := b.arena.Node(id); !node.Kind.IsRule() {
		b.fail("%s: %s is not a rule", path, node.Kind)
		return ast.NoNode
	}
	return id
}

// term builds a node that must produce a value.
func (b *builder) term(n Node, path string) ast.NodeID {
	id := b.node(n, path)
	if id == ast.NoNode {
		return id
	}
	if node, _ := b.arena.Node(id); node.Kind.IsRule() {
		b.fail("%s: %s is not a term", path, node.Kind)
		return ast.NoNode
	}
	return id
}

func (b *builder) terms(ns []Node, path string) ([]ast.NodeID, bool) {
	ids := make([]ast.NodeID, 0, len(ns))
	ok := true
	for i, n := range ns {
		id := b.term(n, fmt.Sprintf("%s[%d]", path, i))
		if id == ast.NoNode {
			ok = false
			continue
		}
		ids = append(ids, id)
	}
	return ids, ok
}

func (b *builder) node(n Node, path string) ast.NodeID {
	if c := n.fields(); c != 1 {
		b.fail("%s: a node needs exactly one kind (got %d)", path, c)
		return ast.NoNode
	}
	switch {
	case n.Skip:
		return b.arena.Skip()

	case n.Par != nil:
		ids := make([]ast.NodeID, 0, len(n.Par))
		for i, child := range n.Par {
			if id := b.rule(child, fmt.Sprintf("%s.par[%d]", path, i)); id != ast.NoNode {
				ids = append(ids, id)
			}
		}
		if len(ids) != len(n.Par) {
			return ast.NoNode
		}
		return b.arena.Par(ids...)

	case n.If != nil:
		cond := b.term(n.If.Cond, path+".if.cond")
		then := b.rule(n.If.Then, path+".if.then")
		els := ast.NoNode
		if n.If.Else != nil {
			els = b.rule(*n.If.Else, path+".if.else")
			if els == ast.NoNode {
				return ast.NoNode
			}
		}
		if cond == ast.NoNode || then == ast.NoNode {
			return ast.NoNode
		}
		return b.arena.If(cond, then, els)

	case n.Update != nil, n.Increment != nil:
		u, kind := n.Update, "update"
		if u == nil {
			u, kind = n.Increment, "increment"
		}
		p := path + "." + kind
		if u.Name == "" {
			b.fail("%s: name required", p)
			return ast.NoNode
		}
		args, ok := b.terms(u.Args, p+".args")
		value := b.term(u.Value, p+".value")
		if !ok || value == ast.NoNode {
			return ast.NoNode
		}
		if kind == "update" {
			return b.arena.Update(u.Name, value, args...)
		}
		return b.arena.Increment(u.Name, value, args...)

	case n.Self:
		return b.arena.Self()

	case n.Read != nil:
		if n.Read.Name == "" {
			b.fail("%s.read: name required", path)
			return ast.NoNode
		}
		args, ok := b.terms(n.Read.Args, path+".read.args")
		if !ok {
			return ast.NoNode
		}
		return b.arena.Read(n.Read.Name, args...)

	case n.Eq != nil, n.Add != nil:
		operands, kind := n.Eq, "eq"
		if operands == nil {
			operands, kind = n.Add, "add"
		}
		if len(operands) != 2 {
			b.fail("%s.%s: needs 2 operands, got %d", path, kind, len(operands))
			return ast.NoNode
		}
		ids, ok := b.terms(operands, path+"."+kind)
		if !ok {
			return ast.NoNode
		}
		if kind == "eq" {
			return b.arena.Equal(ids[0], ids[1])
		}
		return b.arena.Add(ids[0], ids[1])

	default:
		v, ok := b.literal(n.Value, path)
		if !ok {
			return ast.NoNode
		}
		return b.arena.Literal(v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
