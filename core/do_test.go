// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallNativeFunction(t *testing.T) {
	L := newTestState(t)
	add := LightGoFunc(func(L *Thread) int {
		a := L.Get(1).AsInt()
		b := L.Get(2).AsInt()
		L.Push(Int(a + b))
		return 1
	})
	L.Push(add)
	L.Push(Int(2))
	L.Push(Int(40))
	L.Call(2, 1)
	if got := L.Get(-1); got.AsInt() != 42 {
		t.Fatalf("call result = %v, want 42", got)
	}
	L.Pop(1)
}

func TestCallGoClosure(t *testing.T) {
	L := newTestState(t)
	counter := L.NewGoClosure(func(L *Thread) int {
		cl := L.stack[L.ci.funcIdx].o.(*GoClosure)
		n := cl.Upval(1).AsInt() + 1
		*cl.Upval(1) = Int(n)
		L.Push(Int(n))
		return 1
	}, 1)
	*counter.Upval(1) = Int(0)
	L.Push(mkObject(counter))
	for want := int64(1); want <= 3; want++ {
		L.Push(L.Get(1)) // the closure
		L.Call(0, 1)
		if got := L.Get(-1).AsInt(); got != want {
			t.Fatalf("closure call %d returned %d", want, got)
		}
		L.Pop(1)
	}
}

func TestCallNonFunctionUsesCallMethod(t *testing.T) {
	L := newTestState(t)
	mt := L.NewTable()
	mt.Set(L, mkObject(L.NewString("__call")), LightGoFunc(func(L *Thread) int {
		// first argument is the called value itself
		if !L.Get(1).IsTable() {
			L.runtimeError("self not passed to call method")
		}
		L.Push(Int(L.Get(2).AsInt() * 2))
		return 1
	}))
	obj := L.NewTable()
	L.SetMetatable(mkObject(obj), mt)
	L.Push(mkObject(obj))
	L.Push(Int(21))
	L.Call(1, 1)
	if got := L.Get(-1).AsInt(); got != 42 {
		t.Fatalf("callable table returned %d, want 42", got)
	}
	L.Pop(1)
}

func TestCallNonCallableErrors(t *testing.T) {
	L := newTestState(t)
	L.Push(Int(5))
	err := L.PCall(0, 0)
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("PCall error = %v, want *RuntimeError", err)
	}
	if !strings.Contains(re.Error(), "attempt to call a number value") {
		t.Fatalf("error message = %q", re.Error())
	}
	L.Pop(1) // the error value
}

func TestPCallRestoresState(t *testing.T) {
	L := newTestState(t)
	depth := L.CallDepth()
	top := L.Top()
	L.Push(LightGoFunc(func(L *Thread) int {
		L.Push(Int(1))
		L.Push(Int(2))
		L.runtimeError("deliberate failure")
		return 0
	}))
	err := L.PCall(0, MultRet)
	if err == nil {
		t.Fatalf("PCall succeeded, want error")
	}
	if !strings.Contains(err.Error(), "deliberate failure") {
		t.Fatalf("error = %q", err)
	}
	L.Pop(1) // the error value
	if L.CallDepth() != depth || L.Top() != top {
		t.Fatalf("frame not restored: depth %d/%d top %d/%d",
			L.CallDepth(), depth, L.Top(), top)
	}
}

func TestPCallClosesUpvalues(t *testing.T) {
	L := newTestState(t)
	var uv *UpVal
	L.Push(LightGoFunc(func(L *Thread) int {
		L.Push(Int(99))
		uv = L.FindUpval(L.top - 1)
		uv.refcount++
		L.runtimeError("unwind")
		return 0
	}))
	if err := L.PCall(0, 0); err == nil {
		t.Fatalf("PCall succeeded, want error")
	}
	L.Pop(1)
	if uv.IsOpen() {
		t.Fatalf("upvalue above the protected frame not closed by unwinding")
	}
	if uv.Get().AsInt() != 99 {
		t.Fatalf("closed upvalue lost its value: %v", uv.Get())
	}
}

func TestNativeCallDepthOverflow(t *testing.T) {
	L := newTestState(t)
	var recurse GoFunc
	recurse = func(L *Thread) int {
		L.Push(LightGoFunc(recurse))
		L.Call(0, 0)
		return 0
	}
	L.Push(LightGoFunc(recurse))
	err := L.PCall(0, 0)
	if err == nil || !strings.Contains(err.Error(), "native call depth overflow") {
		t.Fatalf("unbounded recursion: err = %v", err)
	}
	L.Pop(1)
}

func TestStackGrowth(t *testing.T) {
	L := newTestState(t)
	L.Push(LightGoFunc(func(L *Thread) int {
		for i := 0; i < 5000; i++ {
			L.Push(Int(int64(i)))
		}
		for i := 0; i < 5000; i++ {
			if L.Get(-1).AsInt() != int64(5000-1-i) {
				L.runtimeError("stack content corrupted at %d", i)
			}
			L.Pop(1)
		}
		return 0
	}))
	if err := L.PCall(0, 0); err != nil {
		t.Fatalf("deep push/pop failed: %v", err)
	}
}

func TestStackGrowthKeepsUpvaluesOpen(t *testing.T) {
	L := newTestState(t)
	L.Push(Int(123))
	uv := L.FindUpval(L.top - 1)
	uv.refcount++
	for i := 0; i < 5000; i++ { // force several stack reallocations
		L.Push(Int(int64(i)))
	}
	if !uv.IsOpen() {
		t.Fatalf("upvalue closed by stack growth")
	}
	if uv.Get().AsInt() != 123 {
		t.Fatalf("open upvalue reads %v after stack growth", uv.Get())
	}
	L.Pop(5000)
}

func TestYieldResumeWithContinuation(t *testing.T) {
	L := newTestState(t)
	co := L.NewThread()
	L.Push(mkObject(co))

	body := LightGoFunc(func(co *Thread) int {
		co.Push(Int(co.Get(1).AsInt() + 1))
		return co.Yield(1, 1000, func(co *Thread, st Status, ctx int64) int {
			if st != StatusYield {
				co.runtimeError("continuation status %v", st)
			}
			// resume arguments are on the stack
			co.Push(Int(ctx + co.Get(-1).AsInt()))
			return 1
		})
	})

	co.Push(body)
	co.Push(Int(5))
	st, err := co.Resume(L, 1)
	require.NoError(t, err)
	require.Equal(t, StatusYield, st)
	require.Equal(t, int64(6), co.stack[co.top-1].AsInt(), "yielded value")
	require.Equal(t, StatusYield, co.Status())

	co.Push(Int(7)) // value passed back in
	st, err = co.Resume(L, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOK, st)
	require.Equal(t, int64(1007), co.stack[co.top-1].AsInt(), "continuation result")
}

func TestResumeDeadCoroutine(t *testing.T) {
	L := newTestState(t)
	co := L.NewThread()
	L.Push(mkObject(co))
	co.Push(LightGoFunc(func(co *Thread) int { return 0 }))
	st, err := co.Resume(L, 0)
	require.NoError(t, err)
	require.Equal(t, StatusOK, st)

	// finished without yielding: resuming with nothing callable on the
	// stack fails and marks the coroutine dead for good
	st, err = co.Resume(L, 0)
	if st != StatusErrRun || err == nil {
		t.Fatalf("resuming a finished coroutine: st=%v err=%v", st, err)
	}
	st, _ = co.Resume(L, 0)
	if st != StatusErrRun {
		t.Fatalf("dead coroutine accepted a resume")
	}
}

func TestYieldFromOutsideCoroutine(t *testing.T) {
	L := newTestState(t)
	st := protect(L, func() {
		L.Push(LightGoFunc(func(L *Thread) int {
			return L.Yield(0, 0, nil)
		}))
		L.Call(0, 0)
	})
	if st != StatusErrRun {
		t.Fatalf("yield on the main thread: status %v, want runtime error", st)
	}
}

func TestErrorInCoroutineMarksItDead(t *testing.T) {
	L := newTestState(t)
	co := L.NewThread()
	L.Push(mkObject(co))
	co.Push(LightGoFunc(func(co *Thread) int {
		co.runtimeError("inner failure")
		return 0
	}))
	st, err := co.Resume(L, 0)
	require.Equal(t, StatusErrRun, st)
	require.ErrorContains(t, err, "inner failure")
	require.Equal(t, StatusErrRun, co.Status())

	co.Push(LightGoFunc(func(co *Thread) int { return 0 }))
	st, _ = co.Resume(L, 0)
	if st != StatusErrRun {
		t.Fatalf("dead coroutine resumed")
	}
}

func TestScriptedFrameNeedsInterpreter(t *testing.T) {
	L := newTestState(t)
	p := L.NewProto("chunk", nil, nil)
	L.Push(mkObject(p))
	c := L.NewScriptClosure(p, 0)
	L.Push(mkObject(c))
	err := L.PCall(0, 0)
	if err == nil || !strings.Contains(err.Error(), "no interpreter bound") {
		t.Fatalf("scripted call without interpreter: %v", err)
	}
	L.Pop(1)
}

func TestExecuteHookRunsScriptedFrames(t *testing.T) {
	ran := false
	L, err := NewState(Config{
		Execute: func(L *Thread) {
			// a one-instruction interpreter: return the constant 7
			ran = true
			L.Push(Int(7))
			L.Return(1)
		},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer L.Close()
	p := L.NewProto("chunk", nil, []Value{Int(7)})
	L.Push(mkObject(p))
	c := L.NewScriptClosure(p, 0)
	L.Push(mkObject(c))
	if err := L.PCall(0, 1); err != nil {
		t.Fatalf("scripted call: %v", err)
	}
	if !ran {
		t.Fatalf("execute hook never ran")
	}
	if got := L.Get(-1).AsInt(); got != 7 {
		t.Fatalf("scripted result = %d, want 7", got)
	}
	L.Pop(1)
}

func TestPanicHandlerOnUnprotectedError(t *testing.T) {
	panicked := false
	L, err := NewState(Config{
		Panic: func(L *Thread) int {
			panicked = true
			return 0
		},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	defer L.Close()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("unprotected error did not abort")
			}
		}()
		tab := L.NewTable()
		tab.Set(L, Nil(), Int(1)) // unprotected runtime error
	}()
	if !panicked {
		t.Fatalf("panic handler not invoked")
	}
}
