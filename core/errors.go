// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"errors"
	"fmt"
)

// A Status is the outcome of a call or resume.
type Status int

const (
	StatusOK Status = iota
	StatusYield
	StatusErrRun // runtime error
	StatusErrMem // allocation refused after retry
	StatusErrErr // error while handling an error
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusYield:
		return "yield"
	case StatusErrRun:
		return "runtime error"
	case StatusErrMem:
		return "memory error"
	case StatusErrErr:
		return "error in error handling"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrMem is returned (or wrapped) when the allocator refuses an allocation
// even after a full emergency collection.
var ErrMem = errors.New("not enough memory")

// A RuntimeError is an error raised by the runtime and captured at a
// protected boundary. Value is the language-level error object, usually a
// string.
type RuntimeError struct {
	Status Status
	Value  Value
}

func (e *RuntimeError) Error() string {
	if e.Value.IsString() {
		return e.Value.Str()
	}
	return fmt.Sprintf("%s (error object is a %s value)", e.Status, e.Value.Type())
}

func (e *RuntimeError) Unwrap() error {
	if e.Status == StatusErrMem {
		return ErrMem
	}
	return nil
}

// stateError is the panic payload used to unwind to the nearest protected
// frame; it never escapes a protected call. The error object itself
// travels on the thread's stack, as all values do.
type stateError struct {
	status Status
}

// throw unwinds the current computation with the given status. Inside a
// protected frame this lands at the matching recover; on an unprotected
// thread the error moves to the main thread's protection if it has one,
// and otherwise the panic handler runs and the state aborts.
func (L *Thread) throw(status Status) {
	if L.nprotected > 0 {
		panic(&stateError{status: status})
	}
	g := L.g
	L.status = status
	if g.mainthread != L && g.mainthread.nprotected > 0 {
		// main thread is protected: continue the error there
		g.mainthread.push(L.stack[L.top-1])
		g.mainthread.throw(status)
	}
	if g.panicFn != nil {
		g.panicFn(L)
	}
	panic(fmt.Errorf("lunar: unprotected error in call to runtime API (%s)", statusErrString(L, status)))
}

func statusErrString(L *Thread, status Status) string {
	if status == StatusErrMem {
		return ErrMem.Error()
	}
	if L.top > 0 && L.stack[L.top-1].IsString() {
		return L.stack[L.top-1].Str()
	}
	return status.String()
}

// runtimeError raises a formatted runtime error on L.
func (L *Thread) runtimeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	L.push(mkObject(L.g.intern(L, msg)))
	L.throw(StatusErrRun)
}

// memError raises the out-of-memory error using the preallocated message,
// so the error path itself allocates nothing.
func memError(L *Thread) {
	if L == nil {
		panic(ErrMem) // state not built yet; NewState recovers this
	}
	L.push(mkObject(L.g.memerrmsg))
	L.throw(StatusErrMem)
}

// rawRunProtected runs f under a recovery point for this thread and
// returns the status it finished with.
func rawRunProtected(L *Thread, f func()) (st Status) {
	oldCalls := L.nGoCalls
	L.nprotected++
	defer func() {
		L.nprotected--
		if r := recover(); r != nil {
			se, ok := r.(*stateError)
			if !ok {
				panic(r) // not ours: a Go panic from embedder code
			}
			L.nGoCalls = oldCalls
			st = se.status
		}
	}()
	f()
	return StatusOK
}
