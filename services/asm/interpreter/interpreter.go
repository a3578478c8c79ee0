// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interpreter executes working trees one advance at a time.
//
// The Interpreter contract is what program evaluators drive: position the
// interpreter at a working copy, initialise, then call ExecuteTree until
// IsExecutionComplete or until the engine signal is raised. Interp is the
// reference implementation over ast trees.
package interpreter

import (
	"fmt"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/ast"
	"github.com/AleutianAI/AleutianASM/services/asm/cancel"
)

// Interpreter evaluates working trees for one agent at a time.
//
// Thread Safety: Implementations are NOT safe for concurrent use. Each
// interpreter is owned by exactly one cache slot.
type Interpreter interface {
	// CleanUp drops all transient state. It must tolerate repeated calls.
	CleanUp()

	// SetSelf binds the evaluating agent.
	SetSelf(agent absstorage.Element)

	// CopyTree deep-copies the body identified by key.
	CopyTree(key ast.TreeKey) (*ast.Tree, error)

	// ClearTree resets the evaluation state of a working copy.
	ClearTree(t *ast.Tree)

	// SetPosition positions the interpreter at the root of t.
	SetPosition(t *ast.Tree)

	// InitProgramExecution performs one-time setup for the positioned tree.
	InitProgramExecution()

	// ExecuteTree advances evaluation by one step.
	ExecuteTree()

	// IsExecutionComplete reports whether the positioned tree is done.
	IsExecutionComplete() bool

	// Position returns the positioned tree, or nil.
	Position() *ast.Tree
}

// Interp is a stack-based Interpreter. Each ExecuteTree call either
// schedules one child of the top node or completes the top node.
//
// Evaluation failures raise the shared signal; ExecuteTree then makes no
// further progress until CleanUp.
type Interp struct {
	reader absstorage.Reader
	sig    *cancel.Signal

	self  absstorage.Element
	tree  *ast.Tree
	stack []ast.NodeID
	steps int
}

// New creates an interpreter reading from reader and raising sig on error.
// A nil sig gets a private signal.
func New(reader absstorage.Reader, sig *cancel.Signal) *Interp {
	if sig == nil {
		sig = cancel.New()
	}
	return &Interp{reader: reader, sig: sig}
}

// CleanUp implements Interpreter.
func (i *Interp) CleanUp() {
	i.self = nil
	i.tree = nil
	i.stack = i.stack[:0]
	i.steps = 0
}

// SetSelf implements Interpreter.
func (i *Interp) SetSelf(agent absstorage.Element) { i.self = agent }

// CopyTree implements Interpreter.
func (i *Interp) CopyTree(key ast.TreeKey) (*ast.Tree, error) { return ast.NewTree(key) }

// ClearTree implements Interpreter.
func (i *Interp) ClearTree(t *ast.Tree) { t.Clear() }

// SetPosition implements Interpreter.
func (i *Interp) SetPosition(t *ast.Tree) {
	i.tree = t
	i.stack = i.stack[:0]
}

// InitProgramExecution implements Interpreter.
func (i *Interp) InitProgramExecution() {
	if i.tree == nil {
		return
	}
	i.stack = append(i.stack[:0], i.tree.Root())
	i.steps = 0
}

// IsExecutionComplete implements Interpreter.
func (i *Interp) IsExecutionComplete() bool { return len(i.stack) == 0 }

// Position implements Interpreter.
func (i *Interp) Position() *ast.Tree { return i.tree }

// Steps returns the number of advances since InitProgramExecution.
func (i *Interp) Steps() int { return i.steps }

// ExecuteTree implements Interpreter.
func (i *Interp) ExecuteTree() {
	if len(i.stack) == 0 || i.sig.Raised() {
		return
	}
	i.steps++

	id := i.stack[len(i.stack)-1]
	node, ok := i.tree.Node(id)
	if !ok {
		i.fail(fmt.Errorf("%w: node %d", ast.ErrUnknownNode, id))
		return
	}
	st := i.tree.State(id)

	switch node.Kind {
	case ast.KindSkip:
		i.complete(st, absstorage.NewUpdateMultiset())

	case ast.KindLiteral:
		i.value(st, node.Value)

	case ast.KindSelf:
		if i.self == nil {
			i.fail(fmt.Errorf("self is not bound"))
			return
		}
		i.value(st, i.self)

	case ast.KindIf:
		i.stepIf(node, st)

	default:
		if st.Cursor < len(node.Children) {
			i.push(st, node.Children[st.Cursor])
			return
		}
		i.finish(node, st)
	}
}

// stepIf evaluates the condition, then exactly one branch.
func (i *Interp) stepIf(node ast.Node, st *ast.NodeState) {
	switch st.Cursor {
	case 0:
		i.push(st, node.Children[0])
	case 1:
		cond := i.tree.State(node.Children[0]).Value
		b, ok := cond.(absstorage.BooleanElement)
		if !ok {
			i.fail(fmt.Errorf("if condition is %s, not a boolean", cond.Denotation()))
			return
		}
		switch {
		case bool(b):
			i.push(st, node.Children[1])
		case len(node.Children) > 2:
			st.Cursor = 2
			i.push(st, node.Children[2])
		default:
			i.complete(st, absstorage.NewUpdateMultiset())
		}
	default:
		branch := node.Children[st.Cursor-1]
		i.complete(st, i.tree.State(branch).Updates)
	}
}

// finish completes a node whose children have all been evaluated.
func (i *Interp) finish(node ast.Node, st *ast.NodeState) {
	args := make([]absstorage.Element, len(node.Children))
	for k, c := range node.Children {
		args[k] = i.tree.State(c).Value
	}

	switch node.Kind {
	case ast.KindPar:
		ms := absstorage.NewUpdateMultiset()
		for _, c := range node.Children {
			ms.AddAll(i.tree.State(c).Updates)
		}
		i.complete(st, ms)

	case ast.KindUpdate, ast.KindIncrement:
		action := absstorage.ActionUpdate
		if node.Kind == ast.KindIncrement {
			action = absstorage.ActionIncrement
		}
		last := len(args) - 1
		loc := absstorage.NewLocation(node.Name, args[:last]...)
		u := absstorage.NewUpdate(loc, args[last], action, i.self)
		i.complete(st, absstorage.NewUpdateMultiset(u))

	case ast.KindRead:
		v, err := i.reader.GetValue(absstorage.NewLocation(node.Name, args...))
		if err != nil {
			i.fail(fmt.Errorf("read %s: %w", node.Name, err))
			return
		}
		i.value(st, v)

	case ast.KindEqual:
		i.value(st, absstorage.BooleanElement(absstorage.Equal(args[0], args[1])))

	case ast.KindAdd:
		l, lok := args[0].(absstorage.NumberElement)
		r, rok := args[1].(absstorage.NumberElement)
		if !lok || !rok {
			i.fail(fmt.Errorf("cannot add %s and %s", args[0].Denotation(), args[1].Denotation()))
			return
		}
		i.value(st, l+r)

	default:
		i.fail(fmt.Errorf("unsupported node kind %s", node.Kind))
	}
}

func (i *Interp) push(st *ast.NodeState, child ast.NodeID) {
	st.Cursor++
	i.stack = append(i.stack, child)
}

func (i *Interp) value(st *ast.NodeState, v absstorage.Element) {
	st.Value = v
	st.Evaluated = true
	i.pop()
}

func (i *Interp) complete(st *ast.NodeState, ms *absstorage.UpdateMultiset) {
	if ms == nil {
		ms = absstorage.NewUpdateMultiset()
	}
	st.Updates = ms
	st.Evaluated = true
	i.pop()
}

func (i *Interp) pop() { i.stack = i.stack[:len(i.stack)-1] }

func (i *Interp) fail(err error) {
	i.sig.Raise(fmt.Errorf("agent %s: %w", denote(i.self), err))
}

func denote(e absstorage.Element) string {
	if e == nil {
		return "<none>"
	}
	return e.Denotation()
}

var _ Interpreter = (*Interp)(nil)
