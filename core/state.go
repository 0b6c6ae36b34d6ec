// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Stack sizing. A stack always keeps extraStack slots past its nominal
// last slot for the error machinery, so raising an error never grows it.
const (
	minStack       = 20
	basicStackSize = 2 * minStack
	extraStack     = 5
	maxStackSize   = 1000000
	errorStackSize = maxStackSize + 200
)

// A CallInfo describes one active call. Frames form a doubly-linked chain
// per thread; the first frame is embedded in the thread and never freed.
type CallInfo struct {
	funcIdx        int // stack index of the function being run
	top            int // frame ceiling
	previous, next *CallInfo

	// scripted frames
	base    int // frame base
	savedpc int

	// native frames
	k          GoCont // continuation after a yield
	ctx        int64  // context for k
	oldErrfunc int

	extra      int
	nresults   int
	callstatus uint16
}

// CallInfo status bits.
const (
	cistOAH       uint16 = 1 << iota // original value of allow-hook
	cistScript                       // frame is running a scripted function
	cistHooked                       // frame is running a hook
	cistFresh                        // frame entered the interpreter afresh
	cistYPCall                       // frame is a yieldable protected call
	cistTail                         // frame was tail-called
	cistHookYield                    // last hook yielded
	cistLeq                          // using less-than for less-equal
	cistFin                          // frame is running a finalizer
)

func (ci *CallInfo) isScript() bool { return ci.callstatus&cistScript != 0 }

// IsTail reports whether this frame replaced its caller.
func (ci *CallInfo) IsTail() bool { return ci.callstatus&cistTail != 0 }

// A Thread is one cooperative fiber: a value stack and a call-info chain
// rooted in a shared global state. Threads are collectable objects.
type Thread struct {
	gcHeader
	g      *Global
	status Status

	stack     []Value // len(stack) == stacksize; last extraStack slots reserved
	top       int     // first free slot
	stackLast int     // last usable slot for ordinary pushes

	ci     *CallInfo
	baseCI CallInfo
	nci    int

	openupval *UpVal
	twups     *Thread // next thread with upvalues; self when not in list
	gclist    Object

	errfunc    int // stack index of the current message handler, 0 = none
	nprotected int // depth of active protected frames
	nny        int // depth of non-yieldable calls
	nGoCalls   int // depth of nested native calls

	allowhook bool
}

func (L *Thread) inTwups() bool { return L.twups != L }

// Global returns the owning global state.
func (L *Thread) Global() *Global { return L.g }

// Status returns the thread's run status.
func (L *Thread) Status() Status { return L.status }

// GC kinds.
const (
	gcKindNormal byte = iota
	gcKindEmergency
)

// A Global is the per-state root structure shared by all its threads.
// Distinct Global states are fully independent and may run on distinct OS
// threads; within one state there is a single logical mutator.
type Global struct {
	frealloc Alloc
	ud       any

	totalbytes int64 // bytes allocated - gcdebt
	gcdebt     int64 // bytes allocated, not yet compensated by the collector
	gcmemtrav  int64 // memory traversed by the collector this cycle
	gcestimate int64 // estimate of non-garbage memory in use

	strt     stringtable
	registry Value
	seed     uint32

	currentwhite byte
	gcstate      byte
	gckind       byte
	gcrunning    bool

	allgc   Object  // all collectable objects without finalizers
	sweepgc *Object // current position of the sweep
	finobj  Object  // collectable objects with finalizers
	tobefnz Object  // unreachable objects pending finalization
	fixedgc Object  // objects never collected

	gray      Object // pending traversal
	grayagain Object // pending atomic revisit
	weak      Object // value-weak tables
	ephemeron Object // key-weak tables
	allweak   Object // all-weak tables

	twups    *Thread // threads with open upvalues
	gcfinnum int     // finalizers to run per GC step

	gcpause   int
	gcstepmul int

	panicFn    GoFunc
	executeFn  ExecuteFunc
	mainthread *Thread

	memerrmsg *TString
	tmname    [numTMs]*TString
	mt        [numTypes]*Table
	strcache  [strCacheN][strCacheM]*TString

	shortLimit   int
	hardMemTests bool
	built        bool
}

// An ExecuteFunc is the external interpreter: it runs the scripted frame
// at L.ci until it returns or yields. The runtime treats it as an opaque
// collaborator.
type ExecuteFunc func(L *Thread)

// Config carries the construction-time parameters of a state.
type Config struct {
	Alloc     Alloc // allocation hook; nil accepts everything
	AllocData any   // opaque data passed back to the hook
	Panic     GoFunc
	Execute   ExecuteFunc

	GCPause          int    // pause between cycles, percent of estimate (default 200)
	GCStepMul        int    // collector granularity, percent (default 200)
	ShortStringLimit int    // interning threshold in bytes (default 40)
	HashSeed         uint32 // 0 derives a seed from the environment
	HardMemTests     bool   // force a full collection before every growth
}

const (
	defaultGCPause    = 200
	defaultGCStepMul  = 200
	defaultShortLimit = 40
)

// NewState builds a fresh global state and returns its main thread.
// It fails only if the allocation hook refuses the initial build.
func NewState(cfg Config) (L *Thread, err error) {
	if cfg.Alloc == nil {
		cfg.Alloc = defaultAlloc
	}
	if cfg.GCPause == 0 {
		cfg.GCPause = defaultGCPause
	}
	if cfg.GCStepMul == 0 {
		cfg.GCStepMul = defaultGCStepMul
	}
	if cfg.ShortStringLimit == 0 {
		cfg.ShortStringLimit = defaultShortLimit
	}
	if !cfg.Alloc(cfg.AllocData, 0, sizeofGlobal+sizeofThread) {
		return nil, ErrMem
	}
	g := &Global{
		frealloc:     cfg.Alloc,
		ud:           cfg.AllocData,
		totalbytes:   int64(sizeofGlobal + sizeofThread),
		currentwhite: 1 << white0Bit,
		gcstate:      gcsPause,
		gckind:       gcKindNormal,
		gcpause:      cfg.GCPause,
		gcstepmul:    cfg.GCStepMul,
		gcfinnum:     1,
		panicFn:      cfg.Panic,
		executeFn:    cfg.Execute,
		shortLimit:   cfg.ShortStringLimit,
		hardMemTests: cfg.HardMemTests,
	}
	L = &Thread{g: g, allowhook: true}
	L.gcHeader.tt = tagThread
	L.gcHeader.marked = g.currentwhite
	L.twups = L
	g.mainthread = L
	if cfg.HashSeed != 0 {
		g.seed = cfg.HashSeed
	} else {
		g.seed = makeSeed(g)
	}

	defer func() {
		if r := recover(); r != nil {
			if r == ErrMem { // initial build ran out of memory
				L, err = nil, ErrMem
				return
			}
			panic(r)
		}
	}()
	// open the state: order matters, the error machinery needs the stack
	// and the memory-error message before anything can fail gracefully
	L.stackInit()
	g.initStringTable(nil)
	g.memerrmsg = g.internShort(nil, "not enough memory")
	g.fix(g.memerrmsg)
	g.initTagMethods(L)
	reg := L.NewTable()
	g.registry = mkObject(reg)
	reg.SetInt(L, RegistryIndexMainThread, mkObject(L))
	reg.SetInt(L, RegistryIndexGlobals, mkObject(L.NewTable()))
	g.built = true
	g.gcrunning = true
	g.setDebt(0) // the state's own bones are not collectable debt
	return L, nil
}

// Well-known registry slots.
const (
	RegistryIndexMainThread = 1
	RegistryIndexGlobals    = 2
)

// Registry returns the state-wide registry table.
func (g *Global) Registry() Value { return g.registry }

// MainThread returns the thread created with the state.
func (g *Global) MainThread() *Thread { return g.mainthread }

func (L *Thread) stackInit() {
	g := L.g
	g.allocBytes(L, 0, basicStackSize*sizeofValue)
	L.stack = make([]Value, basicStackSize)
	L.stackLast = basicStackSize - extraStack
	L.top = 0
	// initialize the first call frame
	ci := &L.baseCI
	ci.callstatus = 0
	ci.funcIdx = L.top
	L.stack[L.top] = Nil() // function entry for this frame
	L.top++
	ci.top = L.top + minStack
	L.ci = ci
	L.nci = 1
}

func (L *Thread) freeStack(g *Global) {
	if L.stack == nil {
		return
	}
	L.ci = &L.baseCI
	L.freeCI()
	g.freeBytes(len(L.stack) * sizeofValue)
	L.stack = nil
}

// NewThread creates a coroutine sharing this state.
func (L *Thread) NewThread() *Thread {
	L.checkGC()
	g := L.g
	co := &Thread{g: g, allowhook: true}
	g.newObject(L, &co.gcHeader, tagThread, co)
	co.twups = co
	co.stackInit()
	return co
}

// Close tears the state down: pending finalizers run, every object is
// freed, and the byte ledger must return to the two root structures.
func (L *Thread) Close() {
	g := L.g
	L = g.mainthread
	L.CloseUpvals(0)
	g.freeAllObjects(L)
	ptrSize := int(sizeofPtr)
	g.freeBytes(len(g.strt.hash) * ptrSize)
	g.strt.hash = nil
	L.freeStack(g)
	g.built = false
}

// Stack and frame plumbing.

// push stores v at top. Internal pushes rely on the extraStack reserve;
// the public Push checks for room first.
func (L *Thread) push(v Value) {
	L.stack[L.top] = v
	L.top++
}

// Push pushes v, growing the stack if needed.
func (L *Thread) Push(v Value) {
	L.checkStack(1)
	L.push(v)
	L.checkGC()
}

// Pop removes the top n values.
func (L *Thread) Pop(n int) {
	L.top -= n
	for i := 0; i < n; i++ {
		L.stack[L.top+i] = Nil()
	}
}

// Top returns the number of values above the current frame's function.
func (L *Thread) Top() int { return L.top - (L.ci.funcIdx + 1) }

// SetTop grows or shrinks the current frame to n values, filling with nil.
func (L *Thread) SetTop(n int) {
	base := L.ci.funcIdx + 1
	newtop := base + n
	for i := L.top; i < newtop; i++ {
		L.stack[i] = Nil()
	}
	L.top = newtop
}

// Get addresses the stack relative to the current frame: positive indexes
// count from the frame base (1 is the first argument), negative from the
// top (-1 is the last value).
func (L *Thread) Get(idx int) Value {
	i := L.absIndex(idx)
	if i < 0 {
		return Nil()
	}
	return L.stack[i]
}

// Set writes the slot addressed like Get.
func (L *Thread) Set(idx int, v Value) {
	i := L.absIndex(idx)
	if i >= 0 {
		L.stack[i] = v
	}
}

func (L *Thread) absIndex(idx int) int {
	var i int
	if idx > 0 {
		i = L.ci.funcIdx + idx
	} else {
		i = L.top + idx
	}
	if i <= L.ci.funcIdx || i >= L.top {
		return -1
	}
	return i
}

// checkStack ensures room for n more values.
func (L *Thread) checkStack(n int) {
	if L.stackLast-L.top <= n {
		L.growStack(n)
	}
}

// growStack doubles the stack (at least to the needed size). Past the
// hard limit the stack briefly grows to an emergency size so the overflow
// error itself has room to unwind.
func (L *Thread) growStack(n int) {
	size := len(L.stack)
	if size > maxStackSize { // error already pending
		L.throw(StatusErrErr)
	}
	needed := L.top + n + extraStack
	newsize := 2 * size
	if newsize > maxStackSize {
		newsize = maxStackSize
	}
	if newsize < needed {
		newsize = needed
	}
	if newsize > maxStackSize { // stack overflow
		L.reallocStack(errorStackSize)
		L.runtimeError("stack overflow")
	}
	L.reallocStack(newsize)
}

// reallocStack moves the stack to a vector of the new size. Open upvalues
// and call frames address the stack by index, so nothing needs
// relocating.
func (L *Thread) reallocStack(newsize int) {
	L.g.allocBytes(L, len(L.stack)*sizeofValue, newsize*sizeofValue)
	ns := make([]Value, newsize)
	copy(ns, L.stack[:min(len(L.stack), newsize)])
	L.stack = ns
	L.stackLast = newsize - extraStack
}

// shrinkStack reclaims an oversized stack between cycles.
func (L *Thread) shrinkStack() {
	inuse := L.stackInUse()
	goodsize := inuse + inuse/8 + 2*extraStack
	if goodsize > maxStackSize {
		goodsize = maxStackSize
	}
	if inuse <= maxStackSize-extraStack {
		L.shrinkCI()
	}
	if goodsize < len(L.stack) && inuse+extraStack < goodsize {
		L.reallocStack(goodsize)
	}
}

func (L *Thread) stackInUse() int {
	res := L.top
	for ci := L.ci; ci != nil; ci = ci.previous {
		if res < ci.top {
			res = ci.top
		}
	}
	return res
}

// extendCI appends a frame to the chain.
func (L *Thread) extendCI() *CallInfo {
	g := L.g
	g.allocBytes(L, 0, sizeofCallInfo)
	ci := &CallInfo{}
	ci.previous = L.ci
	L.ci.next = ci
	L.nci++
	return ci
}

// nextCI returns the next frame, reusing a spare one when present.
func (L *Thread) nextCI() *CallInfo {
	if L.ci.next != nil {
		L.ci = L.ci.next
		return L.ci
	}
	L.ci = L.extendCI()
	return L.ci
}

// freeCI drops every frame after the current one.
func (L *Thread) freeCI() {
	ci := L.ci
	next := ci.next
	ci.next = nil
	for ci = next; ci != nil; ci = next {
		next = ci.next
		L.g.freeBytes(sizeofCallInfo)
		L.nci--
	}
}

// shrinkCI frees every other spare frame.
func (L *Thread) shrinkCI() {
	ci := L.ci
	for ci.next != nil && ci.next.next != nil {
		next2 := ci.next.next
		ci.next = next2
		next2.previous = ci
		L.g.freeBytes(sizeofCallInfo)
		L.nci--
		ci = next2
	}
}

// CallDepth returns the number of active frames, from the current one
// back to the base frame; spare frames after the current one are not
// counted.
func (L *Thread) CallDepth() int {
	n := 0
	for ci := L.ci; ci != nil; ci = ci.previous {
		n++
	}
	return n
}
