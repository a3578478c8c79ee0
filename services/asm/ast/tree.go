// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
)

var (
	// ErrUnknownNode is returned when an id does not index the arena.
	ErrUnknownNode = errors.New("unknown node")

	// ErrMalformedTree is returned when a body is not a tree.
	ErrMalformedTree = errors.New("malformed tree")
)

// TreeKey identifies an original, unmodified rule body.
type TreeKey struct {
	Arena *Arena
	Root  NodeID
}

// String renders the key for diagnostics.
func (k TreeKey) String() string {
	return fmt.Sprintf("%p#%d", k.Arena, k.Root)
}

// RuleElement is a callable program: a named rule body in an arena.
// It is an absstorage.Element and may be stored as an agent's program.
type RuleElement struct {
	Name  string
	Arena *Arena
	Body  NodeID
}

// NewRule creates a rule element.
func NewRule(name string, arena *Arena, body NodeID) RuleElement {
	return RuleElement{Name: name, Arena: arena, Body: body}
}

// Denotation returns "rule <name>".
func (r RuleElement) Denotation() string { return "rule " + r.Name }

// Key identifies the rule body for element equality.
func (r RuleElement) Key() string { return r.TreeKey().String() }

// TreeKey returns the body identity.
func (r RuleElement) TreeKey() TreeKey { return TreeKey{Arena: r.Arena, Root: r.Body} }

// NodeState is the per-node evaluation state of a working copy.
type NodeState struct {
	// Evaluated is set once the node has produced its result.
	Evaluated bool

	// Value is the result of an expression node.
	Value absstorage.Element

	// Updates is the result of a rule node.
	Updates *absstorage.UpdateMultiset

	// Cursor counts the children already scheduled for evaluation.
	Cursor int
}

// Tree is a working copy of one rule body.
//
// Thread Safety: NOT safe for concurrent use. A tree is owned by exactly one
// interpreter cache.
type Tree struct {
	key   TreeKey
	ids   []NodeID
	index map[NodeID]int
	state []NodeState
}

// NewTree copies the body rooted at key into a fresh working tree.
func NewTree(key TreeKey) (*Tree, error) {
	if key.Arena == nil {
		return nil, fmt.Errorf("%w: nil arena", ErrMalformedTree)
	}
	ids, err := key.Arena.Subtree(key.Root)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		key:   key,
		ids:   ids,
		index: make(map[NodeID]int, len(ids)),
		state: make([]NodeState, len(ids)),
	}
	for i, id := range ids {
		t.index[id] = i
	}
	return t, nil
}

// Key returns the identity of the original body.
func (t *Tree) Key() TreeKey { return t.key }

// Root returns the root node id.
func (t *Tree) Root() NodeID { return t.key.Root }

// Arena returns the arena holding the syntax.
func (t *Tree) Arena() *Arena { return t.key.Arena }

// Size returns the number of nodes in the tree.
func (t *Tree) Size() int { return len(t.ids) }

// Node returns the syntax of id.
func (t *Tree) Node(id NodeID) (Node, bool) {
	if _, ok := t.index[id]; !ok {
		return Node{}, false
	}
	return t.key.Arena.Node(id)
}

// State returns the mutable state of id, or nil if id is not in the tree.
func (t *Tree) State(id NodeID) *NodeState {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return &t.state[i]
}

// Clear resets every node's evaluation state for reuse.
func (t *Tree) Clear() {
	for i := range t.state {
		t.state[i] = NodeState{}
	}
}

// RootEvaluated reports whether the root has produced its result.
func (t *Tree) RootEvaluated() bool {
	return t.State(t.key.Root).Evaluated
}
