// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewStateShape(t *testing.T) {
	L := newTestState(t)
	g := L.Global()
	if g.MainThread() != L {
		t.Fatalf("MainThread mismatch")
	}
	reg := g.Registry()
	if !reg.IsTable() {
		t.Fatalf("registry is not a table")
	}
	mainv := reg.AsTable().Get(Int(RegistryIndexMainThread))
	if !mainv.IsThread() || mainv.AsThread() != L {
		t.Fatalf("registry main-thread slot wrong")
	}
	if !reg.AsTable().Get(Int(RegistryIndexGlobals)).IsTable() {
		t.Fatalf("registry globals slot wrong")
	}
}

func TestCloseReturnsAllBytes(t *testing.T) {
	var live int64
	L, err := NewState(Config{
		Alloc: func(ud any, osize, nsize int) bool {
			live += int64(nsize) - int64(osize)
			return true
		},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	tab := L.NewTable()
	L.Push(mkObject(tab))
	for i := int64(1); i <= 100; i++ {
		tab.SetInt(L, i, mkObject(L.NewString("v")))
	}
	co := L.NewThread()
	L.Push(mkObject(co))
	co.Push(Int(1))
	co.FindUpval(co.top - 1)

	L.Close()
	// only the two root structures stay with the closed state
	want := int64(sizeofGlobal + sizeofThread)
	if live != want {
		t.Fatalf("after Close the hook ledger holds %d bytes, want %d", live, want)
	}
}

func TestFinalizersRunAtClose(t *testing.T) {
	L, err := NewState(Config{})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	runs := 0
	mt := L.NewTable()
	L.Push(mkObject(mt))
	mt.Set(L, mkObject(L.NewString("__gc")), LightGoFunc(func(L *Thread) int {
		runs++
		return 0
	}))
	for i := 0; i < 3; i++ {
		u := L.NewUserData(i)
		L.SetMetatable(mkObject(u), mt)
	}
	L.Close()
	if runs != 3 {
		t.Fatalf("%d finalizers ran at close, want 3", runs)
	}
}

func TestBasicTypeMetatable(t *testing.T) {
	L := newTestState(t)
	g := L.Global()
	mt := L.NewTable()
	L.Push(mkObject(mt))
	g.SetBasicMetatable(TypeNumber, mt)
	if g.Metatable(Int(1)) != mt {
		t.Fatalf("number metatable not shared")
	}
	if g.Metatable(Float(1.5)) != mt {
		t.Fatalf("float variant does not share the number metatable")
	}
	if g.Metatable(Bool(true)) != nil {
		t.Fatalf("boolean got a metatable from nowhere")
	}
}

func TestTagMethodAbsenceCache(t *testing.T) {
	L := newTestState(t)
	g := L.Global()
	mt := L.NewTable()
	L.Push(mkObject(mt))
	// first probe records the absence
	if !g.fastTM(mt, TMIndex).IsNil() {
		t.Fatalf("empty metatable has an index method")
	}
	if mt.flags&(1<<uint(TMIndex)) == 0 {
		t.Fatalf("absence not cached")
	}
	// installing the method invalidates the cache
	mt.Set(L, mkObject(L.NewString("__index")), LightGoFunc(func(L *Thread) int { return 0 }))
	if g.fastTM(mt, TMIndex).IsNil() {
		t.Fatalf("index method invisible after cache invalidation")
	}
}

func TestUserDataCarriesPayloadAndUserValue(t *testing.T) {
	L := newTestState(t)
	type payload struct{ n int }
	u := L.NewUserData(&payload{n: 5})
	L.Push(mkObject(u))
	if u.Data().(*payload).n != 5 {
		t.Fatalf("payload lost")
	}
	held := L.NewTable()
	L.SetUserValue(u, mkObject(held))
	L.Global().FullGC(L, false)
	if !L.Global().contains(Object(held)) {
		t.Fatalf("user value not kept alive by its userdata")
	}
}

func TestObjectCountsSnapshot(t *testing.T) {
	L := newTestState(t)
	g := L.Global()
	g.FullGC(L, false)
	before := g.ObjectCounts()
	t1 := L.NewTable()
	L.Push(mkObject(t1))
	u := L.NewUserData(nil)
	L.Push(mkObject(u))
	co := L.NewThread()
	L.Push(mkObject(co))
	after := g.ObjectCounts()
	want := map[string]int{}
	for k, v := range before {
		want[k] = v
	}
	want["table"]++
	want["userdata"]++
	want["thread"]++
	if diff := cmp.Diff(want, after); diff != "" {
		t.Fatalf("object counts after allocations (-want +got):\n%s", diff)
	}
}

func TestGrowthPolicy(t *testing.T) {
	L := newTestState(t)
	if got := grownSize(L, 0, 1000, "items"); got != minSizeArray {
		t.Fatalf("grow from 0 = %d, want the floor %d", got, minSizeArray)
	}
	if got := grownSize(L, 16, 1000, "items"); got != 32 {
		t.Fatalf("grow from 16 = %d, want 32", got)
	}
	if got := grownSize(L, 600, 1000, "items"); got != 1000 {
		t.Fatalf("grow past half the limit = %d, want the limit", got)
	}
	st := protect(L, func() {
		grownSize(L, 1000, 1000, "items")
	})
	if st != StatusErrRun {
		t.Fatalf("growth at the limit: status %v, want runtime error", st)
	}
}

func TestIndependentStates(t *testing.T) {
	L1 := newTestState(t)
	L2 := newTestState(t)
	s1 := L1.NewString("shared-content")
	s2 := L2.NewString("shared-content")
	if s1 == s2 {
		t.Fatalf("states share an intern table")
	}
	t1 := L1.NewTable()
	L1.Push(mkObject(t1))
	L1.Global().FullGC(L1, false)
	if L2.Global().GCState() != "pause" {
		t.Fatalf("collection in one state touched another")
	}
}
