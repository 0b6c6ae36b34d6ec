// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpvalSharing(t *testing.T) {
	L := newTestState(t)
	p := L.NewProto("test", []UpvalDesc{{InStack: true, Index: 0}}, nil)
	L.Push(mkObject(p))

	L.Push(Int(7)) // the local x
	level := L.top - 1

	c1 := L.NewScriptClosure(p, 1)
	L.Push(mkObject(c1))
	uv1 := L.CaptureUpval(c1, 1, level)

	c2 := L.NewScriptClosure(p, 1)
	L.Push(mkObject(c2))
	uv2 := L.CaptureUpval(c2, 1, level)

	if uv1 != uv2 {
		t.Fatalf("two captures of one slot produced distinct upvalues")
	}
	require.Equal(t, 2, uv1.refcount, "capture count")
	require.True(t, uv1.IsOpen())
	require.Equal(t, int64(7), uv1.Get().AsInt())

	// a write through one closure is seen through the other
	uv1.Set(Int(9))
	require.Equal(t, int64(9), uv2.Get().AsInt())

	// scope exit: the value moves into the upvalue
	L.stack[level] = Int(42) // last store before the scope dies
	L.CloseUpvals(level)
	require.False(t, uv1.IsOpen())
	require.Equal(t, int64(42), uv1.Get().AsInt())
	require.Equal(t, int64(42), uv2.Get().AsInt())
	if L.openupval != nil {
		t.Fatalf("open list not empty after close")
	}
}

func TestUpvalUniquenessAndOrder(t *testing.T) {
	L := newTestState(t)
	for i := 0; i < 10; i++ {
		L.Push(Int(int64(i)))
	}
	base := L.top - 10
	// create out of order; the list must come out level-descending
	for _, off := range []int{3, 7, 1, 9, 0, 5, 7, 3} {
		L.FindUpval(base + off)
	}
	seen := make(map[int]bool)
	prev := int(^uint(0) >> 1)
	for uv := L.openupval; uv != nil; uv = uv.next {
		if seen[uv.level] {
			t.Fatalf("level %d appears twice in the open list", uv.level)
		}
		seen[uv.level] = true
		if uv.level > prev {
			t.Fatalf("open list not sorted by descending level")
		}
		prev = uv.level
	}
	if len(seen) != 6 {
		t.Fatalf("open list has %d entries, want 6", len(seen))
	}
}

func TestCloseUpvalsPartial(t *testing.T) {
	L := newTestState(t)
	for i := 0; i < 5; i++ {
		L.Push(Int(int64(i * 10)))
	}
	base := L.top - 5
	var uvs []*UpVal
	for i := 0; i < 5; i++ {
		uv := L.FindUpval(base + i)
		uv.refcount++ // pretend a closure captured it
		uvs = append(uvs, uv)
	}
	L.CloseUpvals(base + 3)
	for i, uv := range uvs {
		if i < 3 {
			if !uv.IsOpen() {
				t.Fatalf("upvalue below the close level was closed")
			}
		} else {
			if uv.IsOpen() {
				t.Fatalf("upvalue at level >= close level still open")
			}
			require.Equal(t, int64(i*10), uv.Get().AsInt())
		}
	}
	if got := L.OpenUpvalCount(); got != 3 {
		t.Fatalf("open count after partial close = %d, want 3", got)
	}
}

func TestInitUpvals(t *testing.T) {
	L := newTestState(t)
	p := L.NewProto("init", make([]UpvalDesc, 3), nil)
	L.Push(mkObject(p))
	c := L.NewScriptClosure(p, 3)
	L.Push(mkObject(c))
	L.InitUpvals(c)
	for i := 1; i <= 3; i++ {
		uv := c.Upval(i)
		if uv.IsOpen() {
			t.Fatalf("fresh upvalue %d is open", i)
		}
		if !uv.Get().IsNil() {
			t.Fatalf("fresh upvalue %d not nil", i)
		}
		require.Equal(t, 1, uv.refcount)
	}
}

func TestGoClosureCapturesByValue(t *testing.T) {
	L := newTestState(t)
	c := L.NewGoClosure(func(L *Thread) int {
		return 0
	}, 2)
	L.Push(mkObject(c))
	*c.Upval(1) = Int(10)
	*c.Upval(2) = Int(20)
	require.Equal(t, int64(10), c.Upval(1).AsInt())
	require.Equal(t, int64(20), c.Upval(2).AsInt())
}

// TestUpvalAcrossDeadCoroutine: a closure keeps a value reachable through
// the open upvalue of a coroutine that is otherwise garbage.
func TestUpvalAcrossDeadCoroutine(t *testing.T) {
	L := newTestState(t)
	g := L.g
	co := L.NewThread()
	L.Push(mkObject(co)) // root the coroutine for now

	co.Push(mkObject(co.NewTable())) // the captured local
	level := co.top - 1

	p := L.NewProto("co", []UpvalDesc{{InStack: true, Index: 0}}, nil)
	L.Push(mkObject(p))
	c := L.NewScriptClosure(p, 1)
	L.Push(mkObject(c)) // the closure stays rooted from the main stack
	co.CaptureUpval(c, 1, level)

	g.FullGC(L, false)
	if !g.contains(Object(co)) {
		t.Fatalf("rooted coroutine was collected")
	}
	captured := c.Upval(1).Get()
	if captured.IsNil() || !g.contains(captured.o) {
		t.Fatalf("captured table was collected while reachable")
	}

	// drop the coroutine; the closure still holds the upvalue
	dropFromStack(L, Object(co))
	g.FullGC(L, false)
	g.FullGC(L, false)
	if g.contains(Object(co)) {
		t.Fatalf("dead coroutine survived two cycles")
	}
	captured = c.Upval(1).Get()
	if !g.contains(captured.o) {
		t.Fatalf("value captured through dead coroutine was collected")
	}
}

// contains reports whether o is still on some GC list.
func (g *Global) contains(o Object) bool {
	found := false
	g.ForEachObject(func(x Object, _ string) bool {
		if x == o {
			found = true
			return false
		}
		return true
	})
	return found
}

// dropFromStack nils out every stack slot holding o.
func dropFromStack(L *Thread, o Object) {
	for i := 0; i < L.top; i++ {
		if L.stack[i].o == o {
			L.stack[i] = Nil()
		}
	}
}
