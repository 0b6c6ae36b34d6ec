// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// setWeakMode installs a metatable with the given weakness mode on t.
func setWeakMode(L *Thread, t *Table, mode string) {
	mt := L.NewTable()
	mt.Set(L, mkObject(L.NewString("__mode")), mkObject(L.NewString(mode)))
	L.SetMetatable(mkObject(t), mt)
}

func TestCycleIsCollected(t *testing.T) {
	L := newTestState(t)
	g := L.g
	g.Stop()
	t1 := L.NewTable()
	t2 := L.NewTable()
	t1.Set(L, mkObject(L.NewString("other")), mkObject(t2))
	t2.Set(L, mkObject(L.NewString("other")), mkObject(t1))
	g.Restart()
	g.FullGC(L, false)
	if g.contains(Object(t1)) || g.contains(Object(t2)) {
		t.Fatalf("unreferenced cycle survived a full collection")
	}
}

func TestRootedCycleSurvives(t *testing.T) {
	L := newTestState(t)
	g := L.g
	t1 := L.NewTable()
	L.Push(mkObject(t1))
	t2 := L.NewTable()
	t1.Set(L, Int(1), mkObject(t2))
	t2.Set(L, Int(1), mkObject(t1))
	g.FullGC(L, false)
	if !g.contains(Object(t1)) || !g.contains(Object(t2)) {
		t.Fatalf("rooted cycle was collected")
	}
}

func TestFinalizerRunsOnceThenCycleFreed(t *testing.T) {
	L := newTestState(t)
	g := L.g
	g.Stop()
	runs := 0
	fin := LightGoFunc(func(L *Thread) int {
		runs++
		return 0
	})
	t1 := L.NewTable()
	t2 := L.NewTable()
	t1.Set(L, Int(1), mkObject(t2))
	t2.Set(L, Int(1), mkObject(t1))
	mt := L.NewTable()
	mt.Set(L, mkObject(L.NewString("__gc")), fin)
	L.SetMetatable(mkObject(t1), mt)
	g.Restart()

	g.FullGC(L, false) // finalizer runs, object resurrected for the call
	require.Equal(t, 1, runs, "finalizer runs in the first cycle")
	g.FullGC(L, false) // the cycle goes away for good
	require.Equal(t, 1, runs, "finalizer must run exactly once")
	if g.contains(Object(t1)) || g.contains(Object(t2)) {
		t.Fatalf("finalized cycle survived the second collection")
	}
}

func TestFinalizerOrderIsReverseAttachment(t *testing.T) {
	L := newTestState(t)
	g := L.g
	g.Stop()
	var order []int
	mt := L.NewTable()
	L.Push(mkObject(mt))
	mt.Set(L, mkObject(L.NewString("__gc")), LightGoFunc(func(L *Thread) int {
		u := L.Get(1).AsUserData()
		order = append(order, u.Data().(int))
		return 0
	}))
	for i := 1; i <= 3; i++ {
		u := L.NewUserData(i)
		L.SetMetatable(mkObject(u), mt)
	}
	g.Restart()
	g.FullGC(L, false)
	require.Equal(t, []int{3, 2, 1}, order, "reverse of attachment order")
}

func TestWeakValuesCleared(t *testing.T) {
	L := newTestState(t)
	g := L.g
	weak := L.NewTable()
	L.Push(mkObject(weak))
	setWeakMode(L, weak, "v")

	g.Stop()
	dead := L.NewTable()
	weak.Set(L, mkObject(L.NewString("dead")), mkObject(dead))
	live := L.NewTable()
	L.Push(mkObject(live))
	weak.Set(L, mkObject(L.NewString("live")), mkObject(live))
	weak.SetInt(L, 1, mkObject(L.NewTable())) // array-part value, also dead
	g.Restart()

	g.FullGC(L, false)
	if !weak.Get(mkObject(L.NewString("dead"))).IsNil() {
		t.Fatalf("dead value not cleared from value-weak table")
	}
	if weak.Get(mkObject(L.NewString("live"))).IsNil() {
		t.Fatalf("live value cleared from value-weak table")
	}
	if !weak.Get(Int(1)).IsNil() {
		t.Fatalf("dead array value not cleared")
	}
	// strings are values, never cleared
	weak.Set(L, Int(2), mkObject(L.NewString("transient string value")))
	g.FullGC(L, false)
	if weak.Get(Int(2)).IsNil() {
		t.Fatalf("string value cleared from weak table")
	}
}

func TestWeakKeysCleared(t *testing.T) {
	L := newTestState(t)
	g := L.g
	weak := L.NewTable()
	L.Push(mkObject(weak))
	setWeakMode(L, weak, "k")

	g.Stop()
	deadKey := L.NewTable()
	weak.Set(L, mkObject(deadKey), Int(1))
	liveKey := L.NewTable()
	L.Push(mkObject(liveKey))
	weak.Set(L, mkObject(liveKey), Int(2))
	g.Restart()

	g.FullGC(L, false)
	count := 0
	k := Nil()
	for {
		var ok bool
		k, _, ok = weak.Next(L, k)
		if !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("key-weak table has %d entries after collection, want 1", count)
	}
	if weak.Get(mkObject(liveKey)).AsInt() != 2 {
		t.Fatalf("live-key entry lost")
	}
}

// TestEphemeronChain is the S6 scenario: k1 -> v1 and v1 -> k1 in an
// ephemeron table survive exactly as long as k1 is externally reachable.
func TestEphemeronChain(t *testing.T) {
	L := newTestState(t)
	g := L.g
	eph := L.NewTable()
	L.Push(mkObject(eph))
	setWeakMode(L, eph, "k")

	g.Stop()
	k1 := L.NewTable()
	v1 := L.NewTable()
	eph.Set(L, mkObject(k1), mkObject(v1))
	eph.Set(L, mkObject(v1), mkObject(k1))
	L.Push(mkObject(k1)) // external reference to k1 only
	g.Restart()

	g.FullGC(L, false)
	if !g.contains(Object(k1)) || !g.contains(Object(v1)) {
		t.Fatalf("ephemeron chain reachable through k1 was collected")
	}

	dropFromStack(L, Object(k1))
	g.FullGC(L, false)
	if g.contains(Object(k1)) || g.contains(Object(v1)) {
		t.Fatalf("ephemeron chain survived after k1 became unreachable")
	}
}

func TestIncrementalStepsCompleteACycle(t *testing.T) {
	L := newTestState(t)
	g := L.g
	if g.GCState() != "pause" {
		g.runUntilState(L, 1<<gcsPause)
	}
	g.Step(L) // leaves pause
	steps := 0
	for g.GCState() != "pause" {
		g.Step(L)
		if steps++; steps > 10000 {
			t.Fatalf("collector did not finish a cycle in 10000 steps")
		}
	}
}

func TestStopAndRestart(t *testing.T) {
	L := newTestState(t)
	g := L.g
	g.Stop()
	if g.Running() {
		t.Fatalf("Running() after Stop")
	}
	before := g.GCState()
	for i := 0; i < 1000; i++ {
		L.NewString(fmt.Sprintf("junk-%d", i))
	}
	if g.GCState() != before {
		t.Fatalf("collector advanced while stopped")
	}
	g.Restart()
	g.FullGC(L, false)
}

// TestAllocatorAccounting is the ledger invariant: TotalBytes always
// equals the live sum observed by the hook.
func TestAllocatorAccounting(t *testing.T) {
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
	check := func(when string) {
		if got := L.Global().TotalBytes(); got != live {
			t.Fatalf("%s: TotalBytes() = %d, hook ledger = %d", when, got, live)
		}
	}
	check("after NewState")
	tab := L.NewTable()
	L.Push(mkObject(tab))
	for i := int64(1); i <= 1000; i++ {
		tab.SetInt(L, i, Int(i))
		tab.Set(L, mkObject(L.NewString(fmt.Sprintf("key-%d", i))), Int(i))
	}
	check("after building")
	L.Global().FullGC(L, false)
	check("after full collection")
	L.Pop(1)
	L.Global().FullGC(L, false)
	check("after collecting the table")
}

// TestEmergencyCollectionRetry: a refused growth forces a full emergency
// collection and a retry; persistent refusal surfaces as a memory error.
func TestEmergencyCollectionRetry(t *testing.T) {
	mode := "" // "", "once", "always"
	L, err := NewState(Config{
		Alloc: func(ud any, osize, nsize int) bool {
			if nsize <= osize {
				return true // shrinks and frees never fail
			}
			switch mode {
			case "once":
				mode = ""
				return false
			case "always":
				return false
			}
			return true
		},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer func() {
		mode = ""
		L.Close()
	}()
	g := L.Global()

	// garbage for the emergency collection to reclaim
	g.Stop()
	for i := 0; i < 100; i++ {
		L.NewTable()
	}
	g.Restart()

	// one refusal recovers: the emergency collection runs, the retry is
	// accepted, and the garbage above is gone
	mode = "once"
	tab := L.NewTable()
	L.Push(mkObject(tab))
	counts := g.ObjectCounts()
	if counts["table"] > 10 {
		t.Fatalf("emergency collection did not reclaim garbage (%d tables)", counts["table"])
	}

	// persistent refusal is a memory error at the protected boundary
	mode = "always"
	st := protect(L, func() {
		tab.Resize(L, 4096, 0)
	})
	mode = ""
	if st != StatusErrMem {
		t.Fatalf("status %v after persistent refusal, want memory error", st)
	}
}

func TestHardMemTestsMode(t *testing.T) {
	L, err := NewState(Config{HardMemTests: true})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer L.Close()
	g := L.Global()
	g.Stop()
	junk := L.NewTable()
	g.Restart()
	// the growth below must force a full collection first; the unrooted
	// table cannot survive it
	tab := L.NewTable()
	L.Push(mkObject(tab))
	tab.Resize(L, 64, 0)
	if g.contains(Object(junk)) {
		t.Fatalf("hardened mode did not collect before growth")
	}
}

func TestTwoWhites(t *testing.T) {
	L := newTestState(t)
	g := L.g
	g.runUntilState(L, 1<<gcsPause)
	w0 := g.currentwhite
	g.runUntilState(L, 1<<gcsSwpAllGC) // past atomic: white flipped
	if g.currentwhite == w0 {
		t.Fatalf("current white did not flip at the atomic phase")
	}
	// an object born mid-sweep carries the new white and survives
	born := L.NewTable()
	L.Push(mkObject(born))
	g.runUntilState(L, 1<<gcsPause)
	if !g.contains(Object(born)) {
		t.Fatalf("object allocated during sweep was collected")
	}
}

func TestBackBarrierRevertsBlackTable(t *testing.T) {
	L := newTestState(t)
	g := L.g
	// make the key first: NewString may run a collector step, which would
	// sweep a table not yet stored anywhere
	key := L.NewString("barrier-target")
	L.Push(mkObject(key))
	tab := L.NewTable()
	// reach the table through the registry so it blackens mid-propagation
	globals := g.Registry().AsTable().Get(Int(RegistryIndexGlobals)).AsTable()
	globals.Set(L, mkObject(key), mkObject(tab))
	g.runUntilState(L, 1<<gcsPause)
	g.singleStep(L) // start the cycle: roots are gray now
	for g.gcstate == gcsPropagate && ColorOf(tab) != "black" {
		g.singleStep(L)
	}
	if ColorOf(tab) != "black" {
		t.Fatalf("reachable table never blackened during propagation")
	}
	// a write into the black table reverts it for an atomic revisit
	tab.Set(L, Int(1), mkObject(L.NewTable()))
	if ColorOf(tab) != "gray" {
		t.Fatalf("black table not reverted to gray by the back barrier")
	}
	g.runUntilState(L, 1<<gcsPause)
	if !g.contains(Object(tab)) || tab.Get(Int(1)).IsNil() {
		t.Fatalf("barrier-protected entry lost over the cycle")
	}
}
