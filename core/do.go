// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Call, protected call, and coroutine transfer. Unwinding runs on
// panic/recover strictly confined behind rawRunProtected; the runtime's
// panics never escape a protected boundary.

// MultRet as a result count accepts everything the callee returns.
const MultRet = -1

// maxGoCalls bounds native call nesting, standing in for the unbounded C
// stack of the classic design.
const maxGoCalls = 200

// setErrorObj materializes the error value for a failed protected call at
// oldtop.
func (L *Thread) setErrorObj(status Status, oldtop int) {
	switch status {
	case StatusErrMem:
		L.stack[oldtop] = mkObject(L.g.memerrmsg)
	case StatusErrErr:
		L.stack[oldtop] = mkObject(L.g.intern(L, "error in error handling"))
	default: // the error value sits on top of the stack
		L.stack[oldtop] = L.stack[L.top-1]
	}
	L.top = oldtop + 1
}

// precall prepares the frame for the function at funcIdx. Native
// functions run to completion here and true is returned; scripted
// functions leave a ready frame for the interpreter and return false.
func (L *Thread) precall(funcIdx, nresults int) bool {
	v := L.stack[funcIdx]
	switch v.tt {
	case tagLightGoFunc, tagGoClosure:
		var fn GoFunc
		if v.tt == tagLightGoFunc {
			fn = v.fn
		} else {
			fn = v.o.(*GoClosure).fn
		}
		L.checkStack(minStack)
		ci := L.nextCI()
		ci.nresults = nresults
		ci.funcIdx = funcIdx
		ci.top = L.top + minStack
		ci.callstatus = 0
		ci.k = nil
		n := fn(L)
		L.posCall(ci, L.top-n, n)
		return true
	case tagScriptClosure:
		cl := v.o.(*ScriptClosure)
		frame := cl.proto.maxStack
		if frame < minStack {
			frame = minStack
		}
		L.checkStack(frame)
		ci := L.nextCI()
		ci.nresults = nresults
		ci.funcIdx = funcIdx
		ci.base = funcIdx + 1
		ci.top = ci.base + frame
		ci.savedpc = 0
		ci.callstatus = cistScript
		return false
	default:
		// not a function: try the call metamethod, shifting the stack to
		// make the original value its first argument
		tm := L.g.fastTM(L.g.Metatable(v), TMCall)
		if !tm.IsFunction() {
			L.runtimeError("attempt to call a %s value", v.Type())
		}
		L.checkStack(1)
		for i := L.top; i > funcIdx; i-- {
			L.stack[i] = L.stack[i-1]
		}
		L.top++
		L.stack[funcIdx] = tm
		return L.precall(funcIdx, nresults)
	}
}

// posCall closes the frame and moves nres results starting at firstResult
// down to where the function was.
func (L *Thread) posCall(ci *CallInfo, firstResult, nres int) {
	res := ci.funcIdx
	wanted := ci.nresults
	L.ci = ci.previous
	switch wanted {
	case 0:
		L.top = res
	case 1:
		if nres == 0 {
			L.stack[res] = Nil()
		} else {
			L.stack[res] = L.stack[firstResult]
		}
		L.top = res + 1
	case MultRet:
		for i := 0; i < nres; i++ {
			L.stack[res+i] = L.stack[firstResult+i]
		}
		L.top = res + nres
	default:
		i := 0
		for ; i < nres && i < wanted; i++ {
			L.stack[res+i] = L.stack[firstResult+i]
		}
		for ; i < wanted; i++ {
			L.stack[res+i] = Nil()
		}
		L.top = res + wanted
	}
}

// call runs the function at funcIdx. Scripted frames are handed to the
// external interpreter.
func (L *Thread) call(funcIdx, nresults int) {
	L.nGoCalls++
	if L.nGoCalls >= maxGoCalls {
		if L.nGoCalls == maxGoCalls {
			L.runtimeError("native call depth overflow")
		} else { // error while handling the overflow error
			L.throw(StatusErrErr)
		}
	}
	if !L.precall(funcIdx, nresults) {
		L.execute()
	}
	L.nGoCalls--
}

// callNoYield runs a call during which yields are forbidden.
func (L *Thread) callNoYield(funcIdx, nresults int) {
	L.nny++
	L.call(funcIdx, nresults)
	L.nny--
}

// execute hands the prepared scripted frame to the embedder's
// interpreter.
func (L *Thread) execute() {
	if L.g.executeFn == nil {
		L.runtimeError("no interpreter bound for scripted function")
	}
	L.ci.callstatus |= cistFresh
	L.g.executeFn(L)
}

// Return finishes the current scripted frame with its last n stack values
// as results; the interpreter calls this for a return instruction. Open
// upvalues of the dying frame close first, so none survives below the
// caller's restored top.
func (L *Thread) Return(n int) {
	if L.ci.isScript() && L.openupval != nil {
		L.CloseUpvals(L.ci.base)
	}
	L.posCall(L.ci, L.top-n, n)
}

// Call invokes the function previously pushed below its nargs arguments.
// Yields cannot cross this call.
func (L *Thread) Call(nargs, nresults int) {
	funcIdx := L.top - nargs - 1
	L.callNoYield(funcIdx, nresults)
}

// pcallBody runs f with full frame restoration on error: upvalues above
// the call close, the call-info chain and stack return to their state at
// entry, and the error value lands at oldtop.
func (L *Thread) pcallBody(f func(), oldtop int) Status {
	oldCI := L.ci
	oldnny := L.nny
	oldErrfunc := L.errfunc
	status := rawRunProtected(L, f)
	if status != StatusOK {
		L.CloseUpvals(oldtop)
		L.setErrorObj(status, oldtop)
		L.ci = oldCI
		L.nny = oldnny
		L.shrinkStack()
	}
	L.errfunc = oldErrfunc
	return status
}

// PCall invokes like Call but catches errors: on failure the error value
// replaces the function and arguments on the stack, and a *RuntimeError
// carrying it is returned.
func (L *Thread) PCall(nargs, nresults int) error {
	funcIdx := L.top - nargs - 1
	status := L.pcallBody(func() {
		L.callNoYield(funcIdx, nresults)
	}, funcIdx)
	if status == StatusOK {
		return nil
	}
	return &RuntimeError{Status: status, Value: L.stack[L.top-1]}
}

// Yield suspends the current coroutine with the top nresults values as
// the resume's results. A native caller that must run again after the
// resume passes a continuation k with its context; the native frame
// itself is abandoned.
func (L *Thread) Yield(nresults int, ctx int64, k GoCont) int {
	ci := L.ci
	if L.nny > 0 {
		if L != L.g.mainthread {
			L.runtimeError("attempt to yield across a native call boundary")
		}
		L.runtimeError("attempt to yield from outside a coroutine")
	}
	L.status = StatusYield
	ci.extra = ci.funcIdx // save current function
	if !ci.isScript() {
		ci.k = k
		if k != nil {
			ci.ctx = ctx
		}
		ci.funcIdx = L.top - nresults - 1 // protect stack below results
		L.throw(StatusYield)
	}
	// scripted frame: the interpreter observes the yield and returns
	return 0
}

// finishGoCall completes a native frame interrupted by a yield, through
// its continuation.
func (L *Thread) finishGoCall(status Status) {
	ci := L.ci
	if ci.k == nil {
		L.runtimeError("attempt to resume across a native frame with no continuation")
	}
	n := ci.k(L, status, ci.ctx)
	L.posCall(ci, L.top-n, n)
}

// unroll continues every frame left suspended by a yield, innermost
// first.
func (L *Thread) unroll(status Status) {
	for L.ci != &L.baseCI {
		if !L.ci.isScript() {
			L.finishGoCall(status)
			status = StatusYield
		} else {
			L.execute()
		}
	}
}

func (L *Thread) resumeError(msg string, nargs int) (Status, error) {
	L.top -= nargs // remove the arguments
	errVal := mkObject(L.g.intern(L, msg))
	L.push(errVal)
	return StatusErrRun, &RuntimeError{Status: StatusErrRun, Value: errVal}
}

// Resume starts or continues a coroutine with nargs values on its stack
// (plus the function itself when starting). It returns the status the
// coroutine stopped with; errors mark the coroutine dead and also come
// back as a *RuntimeError.
func (L *Thread) Resume(from *Thread, nargs int) (Status, error) {
	if L.status == StatusOK { // may be starting a coroutine
		if L.ci != &L.baseCI {
			return L.resumeError("cannot resume non-suspended coroutine", nargs)
		}
	} else if L.status != StatusYield {
		return L.resumeError("cannot resume dead coroutine", nargs)
	}
	if from != nil {
		L.nGoCalls = from.nGoCalls + 1
	} else {
		L.nGoCalls = 1
	}
	if L.nGoCalls >= maxGoCalls {
		return L.resumeError("native call depth overflow", nargs)
	}
	oldnny := L.nny
	L.nny = 0 // allow yields
	status := rawRunProtected(L, func() {
		L.resumeBody(nargs)
	})
	if status > StatusYield { // unrecoverable error
		L.status = status // mark thread as dead
		L.setErrorObj(status, L.top)
		L.ci.top = L.top
	}
	L.nny = oldnny
	L.nGoCalls--
	if status > StatusYield {
		return status, &RuntimeError{Status: status, Value: L.stack[L.top-1]}
	}
	return status, nil
}

func (L *Thread) resumeBody(nargs int) {
	firstArg := L.top - nargs
	ci := L.ci
	if L.status == StatusOK { // starting the coroutine
		if !L.precall(firstArg-1, MultRet) {
			L.execute()
		}
	} else { // resuming from a previous yield
		L.status = StatusOK
		ci.funcIdx = ci.extra // restore the saved function slot
		if ci.isScript() {    // yielded inside a scripted frame
			L.execute()
		} else { // common case: finish the interrupted native call
			if ci.k != nil {
				n := ci.k(L, StatusYield, ci.ctx)
				firstArg = L.top - n
				L.posCall(ci, firstArg, n)
			} else {
				L.posCall(ci, firstArg, nargs)
			}
		}
		L.unroll(StatusYield)
	}
}

// IsYieldable reports whether the thread may yield right now.
func (L *Thread) IsYieldable() bool { return L.nny == 0 }
