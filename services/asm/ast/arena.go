// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast stores rule bodies in an append-only node arena.
//
// Nodes are addressed by NodeID, a small integer index into the arena. A
// rule body is identified by its (arena, root) pair, which replaces pointer
// identity when caching working copies. A Tree is the per-evaluation working
// copy of one body: it holds evaluation state indexed by node and is reset
// with Clear instead of being reallocated.
//
// An Arena must not be extended once rules referencing it are installed in a
// storage that is being evaluated.
package ast

import (
	"fmt"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
)

// NodeID indexes a node in its Arena.
type NodeID int32

// NoNode marks an absent child, e.g. a missing else branch.
const NoNode NodeID = -1

// Kind is the syntactic kind of a node.
type Kind uint8

const (
	KindSkip Kind = iota
	KindPar
	KindIf
	KindUpdate
	KindIncrement
	KindLiteral
	KindSelf
	KindRead
	KindEqual
	KindAdd
)

var kindNames = [...]string{
	KindSkip:      "skip",
	KindPar:       "par",
	KindIf:        "if",
	KindUpdate:    "update",
	KindIncrement: "increment",
	KindLiteral:   "literal",
	KindSelf:      "self",
	KindRead:      "read",
	KindEqual:     "eq",
	KindAdd:       "add",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsRule reports whether nodes of this kind produce updates rather than a
// value.
func (k Kind) IsRule() bool {
	switch k {
	case KindSkip, KindPar, KindIf, KindUpdate, KindIncrement:
		return true
	}
	return false
}

// Node is one immutable syntax node.
//
// For Update, Increment and Read nodes Name is the function name; the
// argument expressions are the leading children and, for Update and
// Increment, the value expression is the last child. If nodes have
// children [cond, then] or [cond, then, else].
type Node struct {
	Kind     Kind
	Name     string
	Value    absstorage.Element
	Children []NodeID
}

// Arena is an append-only node store.
//
// Thread Safety: Reads are safe for concurrent use once building is done.
// Building is not safe for concurrent use.
type Arena struct {
	nodes    []Node
	reserved map[NodeID]bool
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Len returns the number of nodes.
func (a *Arena) Len() int { return len(a.nodes) }

// Node returns the node at id.
func (a *Arena) Node(id NodeID) (Node, bool) {
	if id < 0 || int(id) >= len(a.nodes) {
		return Node{}, false
	}
	return a.nodes[id], true
}

func (a *Arena) add(n Node) NodeID {
	a.nodes = append(a.nodes, n)
	return NodeID(len(a.nodes) - 1)
}

// Skip adds a rule that does nothing.
func (a *Arena) Skip() NodeID { return a.add(Node{Kind: KindSkip}) }

// Par adds a block whose rules run in parallel.
func (a *Arena) Par(rules ...NodeID) NodeID {
	return a.add(Node{Kind: KindPar, Children: append([]NodeID(nil), rules...)})
}

// If adds a conditional rule. elseRule may be NoNode.
func (a *Arena) If(cond, thenRule, elseRule NodeID) NodeID {
	children := []NodeID{cond, thenRule}
	if elseRule != NoNode {
		children = append(children, elseRule)
	}
	return a.add(Node{Kind: KindIf, Children: children})
}

// Update adds name(args) := value.
func (a *Arena) Update(name string, value NodeID, args ...NodeID) NodeID {
	return a.add(Node{Kind: KindUpdate, Name: name, Children: withLast(args, value)})
}

// Increment adds name(args) += value.
func (a *Arena) Increment(name string, value NodeID, args ...NodeID) NodeID {
	return a.add(Node{Kind: KindIncrement, Name: name, Children: withLast(args, value)})
}

// Literal adds a constant.
func (a *Arena) Literal(v absstorage.Element) NodeID {
	if v == nil {
		v = absstorage.Undef
	}
	return a.add(Node{Kind: KindLiteral, Value: v})
}

// Self adds a reference to the evaluating agent.
func (a *Arena) Self() NodeID { return a.add(Node{Kind: KindSelf}) }

// Read adds a read of name(args).
func (a *Arena) Read(name string, args ...NodeID) NodeID {
	return a.add(Node{Kind: KindRead, Name: name, Children: append([]NodeID(nil), args...)})
}

// Equal adds an equality test.
func (a *Arena) Equal(l, r NodeID) NodeID {
	return a.add(Node{Kind: KindEqual, Children: []NodeID{l, r}})
}

// Add adds a numeric sum.
func (a *Arena) Add(l, r NodeID) NodeID {
	return a.add(Node{Kind: KindAdd, Children: []NodeID{l, r}})
}

// Reserve adds an empty block to be completed later with Fill. It lets a
// rule element be created before its body, so that bodies can refer to
// rules defined after them.
func (a *Arena) Reserve() NodeID {
	id := a.add(Node{Kind: KindPar})
	if a.reserved == nil {
		a.reserved = make(map[NodeID]bool)
	}
	a.reserved[id] = true
	return id
}

// Fill sets the rules of a block created by Reserve. Each reserved block
// can be filled once.
func (a *Arena) Fill(id NodeID, rules ...NodeID) error {
	if !a.reserved[id] {
		return fmt.Errorf("%w: node %d is not a reserved block", ErrUnknownNode, id)
	}
	delete(a.reserved, id)
	a.nodes[id].Children = append([]NodeID(nil), rules...)
	return nil
}

// Subtree returns the ids reachable from root in pre-order.
func (a *Arena) Subtree(root NodeID) ([]NodeID, error) {
	var out []NodeID
	seen := make(map[NodeID]bool)
	stack := []NodeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := a.Node(id)
		if !ok {
			return nil, fmt.Errorf("%w: node %d", ErrUnknownNode, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: node %d is shared", ErrMalformedTree, id)
		}
		seen[id] = true
		out = append(out, id)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out, nil
}

func withLast(args []NodeID, last NodeID) []NodeID {
	out := make([]NodeID, 0, len(args)+1)
	out = append(out, args...)
	return append(out, last)
}
