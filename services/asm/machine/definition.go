// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package machine loads structured machine definitions.
//
// A definition names its rules, the initial function values and universes,
// the agents with their programs and the initial agent with its init rule.
// Rules are written as structured syntax trees, for example:
//
//	name: counter
//	init_rule: setup
//	agents:
//	  A: count
//	functions:
//	  - name: n
//	    value: {num: 0}
//	rules:
//	  setup:
//	    update: {name: program, args: [{self: true}], value: {undef: true}}
//	  count:
//	    if:
//	      cond: {eq: [{read: {name: n}}, {num: 3}]}
//	      then: {update: {name: program, args: [{self: true}], value: {undef: true}}}
//	      else: {increment: {name: n, value: {num: 1}}}
//
// Build turns a definition into a Machine, which seeds a storage as the
// scheduler's initializer.
package machine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultInitAgent is the initial agent's name when none is given.
const DefaultInitAgent = "init"

// ErrInvalidDefinition wraps every structural problem in a definition.
var ErrInvalidDefinition = errors.New("invalid machine definition")

// Definition is the file form of a machine.
type Definition struct {
	// Name identifies the machine in logs.
	Name string `yaml:"name"`

	// InitAgent is the agent that runs alone at step 0.
	InitAgent string `yaml:"init_agent"`

	// InitRule names the program of the initial agent.
	InitRule string `yaml:"init_rule"`

	// Policy optionally names the scheduling policy the machine needs.
	Policy string `yaml:"policy"`

	// Agents maps agent names to the rule installed as their program.
	Agents map[string]string `yaml:"agents"`

	// Universes lists extra universe members by universe name.
	Universes map[string][]Value `yaml:"universes"`

	// Functions lists initial function values.
	Functions []FunctionValue `yaml:"functions"`

	// Rules maps rule names to rule bodies.
	Rules map[string]Node `yaml:"rules"`
}

// FunctionValue is one initial location value.
type FunctionValue struct {
	Name  string  `yaml:"name"`
	Args  []Value `yaml:"args"`
	Value Value   `yaml:"value"`
}

// Value is a literal. Exactly one field is set. The same form is used in
// JSON requests.
type Value struct {
	Num   *float64 `yaml:"num,omitempty" json:"num,omitempty"`
	Str   *string  `yaml:"str,omitempty" json:"str,omitempty"`
	Bool  *bool    `yaml:"bool,omitempty" json:"bool,omitempty"`
	Agent *string  `yaml:"agent,omitempty" json:"agent,omitempty"`
	Undef bool     `yaml:"undef,omitempty" json:"undef,omitempty"`
	Rule  *string  `yaml:"rule,omitempty" json:"rule,omitempty"`
}

func (v Value) fields() int {
	n := 0
	for _, set := range []bool{v.Num != nil, v.Str != nil, v.Bool != nil, v.Agent != nil, v.Undef, v.Rule != nil} {
		if set {
			n++
		}
	}
	return n
}

// Node is a syntax tree node. Exactly one field (or one literal field) is
// set.
type Node struct {
	Value `yaml:",inline"`

	Skip      bool        `yaml:"skip,omitempty"`
	Par       []Node      `yaml:"par,omitempty"`
	If        *IfNode     `yaml:"if,omitempty"`
	Update    *UpdateNode `yaml:"update,omitempty"`
	Increment *UpdateNode `yaml:"increment,omitempty"`
	Self      bool        `yaml:"self,omitempty"`
	Read      *ReadNode   `yaml:"read,omitempty"`
	Eq        []Node      `yaml:"eq,omitempty"`
	Add       []Node      `yaml:"add,omitempty"`
}

func (n Node) fields() int {
	c := n.Value.fields()
	for _, set := range []bool{n.Skip, n.Par != nil, n.If != nil, n.Update != nil, n.Increment != nil, n.Self, n.Read != nil, n.Eq != nil, n.Add != nil} {
		if set {
			c++
		}
	}
	return c
}

// IfNode is a conditional rule. Else is optional.
type IfNode struct {
	Cond Node  `yaml:"cond"`
	Then Node  `yaml:"then"`
	Else *Node `yaml:"else,omitempty"`
}

// UpdateNode is name(args) := value, or += for increments.
type UpdateNode struct {
	Name  string `yaml:"name"`
	Args  []Node `yaml:"args,omitempty"`
	Value Node   `yaml:"value"`
}

// ReadNode is a read of name(args).
type ReadNode struct {
	Name string `yaml:"name"`
	Args []Node `yaml:"args,omitempty"`
}

// Parse decodes a definition. Unknown fields are rejected. JSON input is
// accepted as YAML.
func Parse(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return def, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return def, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if def.InitAgent == "" {
		def.InitAgent = DefaultInitAgent
	}
	return def, nil
}

// Load reads and parses the definition at path.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read machine definition: %w", err)
	}
	def, err := Parse(bytes.NewReader(data))
	if err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
