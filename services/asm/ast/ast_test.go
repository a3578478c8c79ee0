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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
)

func TestArena_Subtree(t *testing.T) {
	a := NewArena()
	one := a.Literal(absstorage.NumberElement(1))
	upd := a.Update("x", one)
	skip := a.Skip()
	body := a.Par(upd, skip)

	ids, err := a.Subtree(body)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{body, upd, one, skip}, ids)

	n, ok := a.Node(upd)
	require.True(t, ok)
	assert.Equal(t, KindUpdate, n.Kind)
	assert.Equal(t, "x", n.Name)
	assert.Equal(t, []NodeID{one}, n.Children)
}

func TestArena_Errors(t *testing.T) {
	a := NewArena()
	_, err := a.Subtree(3)
	assert.ErrorIs(t, err, ErrUnknownNode)

	shared := a.Skip()
	par := a.Par(shared, shared)
	_, err = a.Subtree(par)
	assert.ErrorIs(t, err, ErrMalformedTree)

	_, err = NewTree(TreeKey{})
	assert.ErrorIs(t, err, ErrMalformedTree)
}

func TestIfWithoutElse(t *testing.T) {
	a := NewArena()
	id := a.If(a.Literal(absstorage.BooleanElement(true)), a.Skip(), NoNode)
	n, _ := a.Node(id)
	assert.Len(t, n.Children, 2)
	assert.True(t, KindIf.IsRule())
	assert.False(t, KindAdd.IsRule())
	assert.Equal(t, "if", KindIf.String())
}

func TestRuleElement(t *testing.T) {
	a := NewArena()
	body := a.Skip()
	r1 := NewRule("main", a, body)
	r2 := NewRule("alias", a, body)
	other := NewRule("main", NewArena(), 0)

	assert.Equal(t, "rule main", r1.Denotation())
	assert.True(t, absstorage.Equal(r1, r2), "same body is the same program")
	assert.False(t, absstorage.Equal(r1, other))
	assert.Equal(t, TreeKey{Arena: a, Root: body}, r1.TreeKey())
}

func TestTree_ClearResetsState(t *testing.T) {
	a := NewArena()
	lit := a.Literal(absstorage.NumberElement(2))
	body := a.Update("x", lit)

	tree, err := NewTree(TreeKey{Arena: a, Root: body})
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Size())
	assert.False(t, tree.RootEvaluated())

	st := tree.State(body)
	st.Evaluated = true
	st.Cursor = 1
	st.Updates = absstorage.NewUpdateMultiset()
	assert.True(t, tree.RootEvaluated())

	tree.Clear()
	assert.False(t, tree.RootEvaluated())
	assert.Equal(t, NodeState{}, *tree.State(body))
	assert.Nil(t, tree.State(NodeID(99)))

	_, ok := tree.Node(lit)
	assert.True(t, ok)
}

func TestArena_ReserveAndFill(t *testing.T) {
	a := NewArena()
	root := a.Reserve()
	rule := NewRule("later", a, root)

	body := a.Update("x", a.Literal(rule))
	require.NoError(t, a.Fill(root, body))
	assert.ErrorIs(t, a.Fill(root, body), ErrUnknownNode, "filled once")
	assert.ErrorIs(t, a.Fill(body), ErrUnknownNode)

	n, ok := a.Node(root)
	require.True(t, ok)
	assert.Equal(t, KindPar, n.Kind)
	assert.Equal(t, []NodeID{body}, n.Children)

	ids, err := a.Subtree(root)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}
