// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Incremental tri-color mark/sweep. Collection advances as a state
// machine interleaved with mutator operations; each state below is one
// bounded step, except the root marking at a cycle start and the atomic
// phase, which run to completion in one go.

import "strings"

// Collector states, in cycle order.
const (
	gcsPropagate byte = iota
	gcsAtomic
	gcsSwpAllGC
	gcsSwpFinObj
	gcsSwpToBeFnz
	gcsSwpEnd
	gcsCallFin
	gcsPause

	// pseudo-state while the atomic phase runs; distinguishes the
	// traversal behavior of threads and upvalues
	gcsInsideAtomic = gcsPause + 1
)

func (g *Global) keepInvariant() bool { return g.gcstate <= gcsAtomic }

func (g *Global) inSweepPhase() bool {
	return gcsSwpAllGC <= g.gcstate && g.gcstate <= gcsSwpEnd
}

// Work accounting constants.
var (
	gcStepSize     = 100 * sizeofThread // allocation between steps
	gcSweepCost    = (sizeofTString + 4) / 4
	gcSweepMax     = (gcStepSize / gcSweepCost) / 4
	gcFinalizeCost = gcSweepCost
)

const (
	stepMulAdj = 200 // divisor converting bytes of debt to work units
	pauseAdj   = 100
	gcFinMax   = 10 // not applied: runAFewFinalizers doubles gcfinnum with no cap
)

// newObject births a collectable object: current white, linked at the
// head of allgc.
func (g *Global) newObject(L *Thread, h *gcHeader, tt tag, o Object) {
	g.allocBytes(L, 0, baseSize(o))
	h.tt = tt
	h.marked = g.currentwhite & whiteBits
	h.next = g.allgc
	g.allgc = o
}

// fix pins an object forever: it must have just been allocated (head of
// allgc). Fixed objects stay gray and move to their own list.
func (g *Global) fix(o Object) {
	h := o.header()
	white2gray(o)
	h.marked |= 1 << fixedBit
	g.allgc = h.next
	h.next = g.fixedgc
	g.fixedgc = o
}

// gclistOf returns the address of the gray-list link of an object that
// can become gray.
func gclistOf(o Object) *Object {
	switch o := o.(type) {
	case *Table:
		return &o.gclist
	case *Thread:
		return &o.gclist
	case *Proto:
		return &o.gclist
	case *GoClosure:
		return &o.gclist
	case *ScriptClosure:
		return &o.gclist
	}
	panic("object cannot be gray")
}

func linkGCList(o Object, list *Object) {
	*gclistOf(o) = *list
	*list = o
}

// Marking.

func (g *Global) markValue(v Value) {
	if v.isCollectable() && isWhite(v.o) {
		g.reallyMark(v.o)
	}
}

func (g *Global) markObject(o Object) {
	if isWhite(o) {
		g.reallyMark(o)
	}
}

func (g *Global) markObjectN(o Object) { // o may be nil
	if o != nil && !isNilObject(o) && isWhite(o) {
		g.reallyMark(o)
	}
}

// isNilObject guards against typed-nil interface values from nilable
// object fields.
func isNilObject(o Object) bool {
	switch o := o.(type) {
	case *Table:
		return o == nil
	case *TString:
		return o == nil
	case *Proto:
		return o == nil
	case *Thread:
		return o == nil
	}
	return false
}

// reallyMark colors a white object. Leaves (strings, userdata payloads)
// go straight to black; anything with children turns gray and queues for
// traversal.
func (g *Global) reallyMark(o Object) {
	white2gray(o)
	switch o := o.(type) {
	case *TString:
		gray2black(o)
		g.gcmemtrav += int64(baseSize(o))
	case *UserData:
		g.markTableN(o.metatable)
		gray2black(o)
		g.gcmemtrav += int64(baseSize(o))
		g.markValue(o.user)
	default:
		linkGCList(o, &g.gray)
	}
}

func (g *Global) markTableN(t *Table) {
	if t != nil && isWhite(t) {
		g.reallyMark(t)
	}
}

// markBasicMetatables marks the shared metatables of the basic types.
func (g *Global) markBasicMetatables() {
	for i := range g.mt {
		g.markTableN(g.mt[i])
	}
}

// markBeingFnz marks every object queued for finalization.
func (g *Global) markBeingFnz() {
	for o := g.tobefnz; o != nil; o = o.header().next {
		g.markObject(o)
	}
}

// remarkUpvals visits the threads-with-upvalues list: dead or upvalue-less
// threads drop out, and the values of their still-open upvalues that were
// touched this cycle are remarked so a closure capturing through a dead
// coroutine keeps its value alive. An untouched, uncaptured upvalue is
// left for its close to reclaim.
func (g *Global) remarkUpvals() {
	p := &g.twups
	for *p != nil {
		thread := *p
		if isGray(thread) && thread.openupval != nil {
			p = &thread.twups // keep marked thread with upvalues in the list
			continue
		}
		*p = thread.twups // remove thread from the list
		thread.twups = thread
		for uv := thread.openupval; uv != nil; uv = uv.next {
			if uv.touched {
				g.markValue(uv.Get()) // remark upvalue's value
				uv.touched = false
			}
		}
	}
}

// restartCollection begins a cycle: clear the transient lists and mark
// the roots.
func (g *Global) restartCollection() {
	g.gray, g.grayagain = nil, nil
	g.weak, g.allweak, g.ephemeron = nil, nil, nil
	g.markObject(g.mainthread)
	g.markValue(g.registry)
	g.markBasicMetatables()
	g.markBeingFnz() // mark any finalizing object left from previous cycle
}

// Traversal.

// removeEntry disposes a node whose value is (or became) nil: a
// collectable key degrades to a dead key so traversals in flight can
// still find their place.
func removeEntry(n *node) {
	if n.key.isCollectable() {
		n.key = deadKey(n.key.o)
	}
}

// isCleared reports whether a weak-table slot refers to an unreached
// object. Strings count as values: they are marked on sight and never
// cleared.
func (g *Global) isCleared(v Value) bool {
	if !v.isCollectable() {
		return false
	}
	if v.IsString() {
		g.markObject(v.o)
		return false
	}
	return isWhite(v.o)
}

func (g *Global) traverseStrongTable(t *Table) {
	for i := range t.array {
		g.markValue(t.array[i])
	}
	for i := 0; i < t.realNodeSize(); i++ {
		n := &t.node[i]
		if n.val.IsNil() {
			removeEntry(n)
		} else {
			g.markValue(n.key)
			g.markValue(n.val)
		}
	}
}

// traverseWeakValue marks the keys of a value-weak table and schedules
// the table for clearing if any value may die.
func (g *Global) traverseWeakValue(t *Table) {
	hasClears := len(t.array) > 0 // array values are cleared blindly
	for i := 0; i < t.realNodeSize(); i++ {
		n := &t.node[i]
		if n.val.IsNil() {
			removeEntry(n)
			continue
		}
		g.markValue(n.key)
		if !hasClears && g.isCleared(n.val) {
			hasClears = true
		}
	}
	if g.gcstate == gcsPropagate {
		linkGCList(t, &g.grayagain) // must retraverse it in the atomic phase
	} else if hasClears {
		linkGCList(t, &g.weak)
	}
}

// traverseEphemeron propagates through an ephemeron table: a value is
// marked only once its key is. It reports whether it marked anything, so
// convergence can iterate to a fixed point.
func (g *Global) traverseEphemeron(t *Table) bool {
	marked := false
	hasClears := false // table has a white key
	hasWW := false     // table has a white key with a white value
	for i := range t.array { // array slots have implicit live keys
		if t.array[i].isCollectable() && isWhite(t.array[i].o) {
			marked = true
			g.reallyMark(t.array[i].o)
		}
	}
	for i := 0; i < t.realNodeSize(); i++ {
		n := &t.node[i]
		switch {
		case n.val.IsNil():
			removeEntry(n)
		case g.isCleared(n.key): // key is not marked (yet)?
			hasClears = true
			if n.val.isCollectable() && isWhite(n.val.o) {
				hasWW = true
			}
		case n.val.isCollectable() && isWhite(n.val.o): // key marked, value pending
			marked = true
			g.reallyMark(n.val.o)
		}
	}
	switch {
	case g.gcstate == gcsPropagate:
		linkGCList(t, &g.grayagain) // have to propagate again
	case hasWW:
		linkGCList(t, &g.ephemeron) // may mark more values yet
	case hasClears:
		linkGCList(t, &g.allweak) // may have to clear white keys
	}
	return marked
}

func (g *Global) traverseTable(t *Table) int {
	g.markTableN(t.metatable)
	mode := g.fastTM(t.metatable, TMMode)
	weakKey, weakValue := false, false
	if mode.IsString() {
		weakKey = strings.ContainsRune(mode.Str(), 'k')
		weakValue = strings.ContainsRune(mode.Str(), 'v')
	}
	if weakKey || weakValue {
		black2gray(t) // keep table gray
		switch {
		case !weakKey:
			g.traverseWeakValue(t)
		case !weakValue:
			g.traverseEphemeron(t)
		default:
			linkGCList(t, &g.allweak) // nothing to traverse now
		}
	} else {
		g.traverseStrongTable(t)
	}
	return sizeofTable + sizeofValue*len(t.array) + sizeofNode*t.realNodeSize()
}

func (g *Global) traverseProto(p *Proto) int {
	g.markObjectN(p.source)
	for i := range p.constants {
		g.markValue(p.constants[i])
	}
	for i := range p.upvals {
		g.markObjectN(p.upvals[i].Name)
	}
	return baseSize(p)
}

func (g *Global) traverseGoClosure(c *GoClosure) int {
	for i := range c.upvals {
		g.markValue(c.upvals[i])
	}
	return baseSize(c)
}

func (g *Global) traverseScriptClosure(c *ScriptClosure) int {
	g.markObjectN(c.proto)
	for _, uv := range c.upvals {
		if uv == nil {
			continue
		}
		if uv.IsOpen() && g.gcstate != gcsInsideAtomic {
			uv.touched = true // will be picked up by remarkUpvals
		} else {
			g.markValue(uv.Get())
		}
	}
	return baseSize(c)
}

func (g *Global) traverseThread(th *Thread) int {
	if th.stack == nil {
		return 1 // stack not completely built yet
	}
	o := 0
	for ; o < th.top; o++ {
		g.markValue(th.stack[o])
	}
	if g.gcstate == gcsInsideAtomic {
		for ; o < len(th.stack); o++ { // clear the dead part of the stack
			th.stack[o] = Nil()
		}
		if !th.inTwups() && th.openupval != nil {
			th.twups = g.twups // link it back into the upvalue-thread list
			g.twups = th
		}
	} else if g.gckind != gcKindEmergency {
		th.shrinkStack() // do not change anything in emergency collections
	}
	return sizeofThread + sizeofValue*len(th.stack) + sizeofCallInfo*th.nci
}

// propagateMark traverses one gray object, blackening it (threads and
// mid-propagation weak tables stay gray and queue for the atomic phase).
func (g *Global) propagateMark() {
	o := g.gray
	gray2black(o)
	g.gray = *gclistOf(o)
	var size int
	switch o := o.(type) {
	case *Table:
		size = g.traverseTable(o)
	case *ScriptClosure:
		size = g.traverseScriptClosure(o)
	case *GoClosure:
		size = g.traverseGoClosure(o)
	case *Thread:
		linkGCList(o, &g.grayagain) // threads are revisited atomically
		black2gray(o)
		size = g.traverseThread(o)
	case *Proto:
		size = g.traverseProto(o)
	}
	g.gcmemtrav += int64(size)
}

func (g *Global) propagateAll() {
	for g.gray != nil {
		g.propagateMark()
	}
}

// convergeEphemerons iterates the ephemeron tables to a fixed point: a
// newly live key can make its value live, which can reach further
// ephemeron keys.
func (g *Global) convergeEphemerons() {
	for changed := true; changed; {
		changed = false
		next := g.ephemeron
		g.ephemeron = nil // tables may return to this list when traversed
		for next != nil {
			t := next.(*Table)
			next = t.gclist
			if g.traverseEphemeron(t) { // marked some value?
				g.propagateAll()
				changed = true // may have to revisit all ephemeron tables
			}
		}
	}
}

// Weak clearing.

// clearKeys removes entries with unreached keys from the tables in l
// (ephemeron and all-weak lists), up to but excluding f.
func (g *Global) clearKeys(l, f Object) {
	for ; l != nil && l != f; l = l.(*Table).gclist {
		t := l.(*Table)
		for i := 0; i < t.realNodeSize(); i++ {
			n := &t.node[i]
			if !n.val.IsNil() && g.isCleared(n.key) {
				n.val = Nil()
				removeEntry(n)
			}
		}
	}
}

// clearValues removes entries with unreached values from the tables in l,
// up to but excluding f.
func (g *Global) clearValues(l, f Object) {
	for ; l != nil && l != f; l = l.(*Table).gclist {
		t := l.(*Table)
		for i := range t.array {
			if g.isCleared(t.array[i]) {
				t.array[i] = Nil()
			}
		}
		for i := 0; i < t.realNodeSize(); i++ {
			n := &t.node[i]
			if !n.val.IsNil() && g.isCleared(n.val) {
				n.val = Nil()
				removeEntry(n)
			}
		}
	}
}

// Write barriers.

// objBarrier is the forward barrier: a black object now references a
// white one, so during propagation the sink is marked at once; during a
// sweep the source goes back to white instead.
func (g *Global) objBarrier(L *Thread, o, v Object) {
	if isBlack(o) && isWhite(v) {
		if g.keepInvariant() {
			g.reallyMark(v)
		} else {
			makeWhite(g, o)
		}
	}
}

func (g *Global) objBarrierValue(L *Thread, o Object, v Value) {
	if v.isCollectable() {
		g.objBarrier(L, o, v.o)
	}
}

// barrierBack is the back barrier used for tables: the black container
// reverts to gray and queues for an atomic revisit, so a big mutated
// table is rescanned once instead of once per write.
func (g *Global) barrierBack(L *Thread, t *Table, v Value) {
	if v.isCollectable() && isBlack(t) && isWhite(v.o) {
		black2gray(t)
		linkGCList(t, &g.grayagain)
	}
}

// upvalBarrier keeps a value alive when it is being closed into an
// upvalue while the collector is still propagating.
func (g *Global) upvalBarrier(uv *UpVal) {
	if uv.IsOpen() {
		return
	}
	v := uv.value
	if v.isCollectable() && g.keepInvariant() {
		g.markObject(v.o)
	}
}

// Finalizers.

// checkFinalizer moves an object with a fresh finalizer method from
// allgc to finobj. Mid-sweep the object is whitened first, and the sweep
// position steps over it if needed.
func (g *Global) checkFinalizer(L *Thread, o Object, mt *Table) {
	h := o.header()
	if tofinalize(o) || g.fastTM(mt, TMGC).IsNil() {
		return // nothing to be done
	}
	if g.inSweepPhase() {
		makeWhite(g, o) // "sweep" the object
		if g.sweepgc == &h.next {
			g.sweepgc = g.sweepToLive(L, g.sweepgc)
		}
	}
	p := &g.allgc
	for *p != o {
		p = &(*p).header().next
	}
	*p = h.next
	h.next = g.finobj
	g.finobj = o
	h.marked |= 1 << finalizedBit
}

// RegisterFinalizable queues v's object for finalization if its
// metatable carries a finalizer method.
func (L *Thread) RegisterFinalizable(v Value) {
	if !v.isCollectable() {
		return
	}
	L.g.checkFinalizer(L, v.o, L.g.Metatable(v))
}

// separateToBeFnz moves the unreached finalizable objects (all of them,
// when closing the state) to the end of tobefnz in finobj order. Objects
// are prepended to finobj when attached, so finalizers run in reverse
// attachment order.
func (g *Global) separateToBeFnz(all bool) {
	p := &g.finobj
	lastnext := &g.tobefnz
	for *lastnext != nil {
		lastnext = &(*lastnext).header().next
	}
	for *p != nil {
		curr := *p
		h := curr.header()
		if !(isWhite(curr) || all) {
			p = &h.next // still reachable: keep it
			continue
		}
		*p = h.next
		h.next = *lastnext // link at the end of tobefnz
		*lastnext = curr
		lastnext = &h.next
	}
}

// popToFinalize resurrects the first queued object back into allgc so
// its finalizer runs against a live value.
func (g *Global) popToFinalize() Object {
	o := g.tobefnz
	h := o.header()
	g.tobefnz = h.next
	h.next = g.allgc
	g.allgc = o
	h.marked &^= 1 << finalizedBit
	if g.inSweepPhase() {
		makeWhite(g, o)
	}
	return o
}

// callGCTM runs one pending finalizer as a protected call; a failing
// finalizer surfaces as a runtime error on L when propagateErrors is
// set.
func (g *Global) callGCTM(L *Thread, propagateErrors bool) {
	o := g.popToFinalize()
	v := mkObject(o)
	tm := g.fastTM(g.Metatable(v), TMGC)
	if !tm.IsFunction() {
		return
	}
	running := g.gcrunning
	oldah := L.allowhook
	L.allowhook = false
	g.gcrunning = false // avoid GC steps inside the finalizer
	L.checkStack(2)
	L.push(tm)
	L.push(v)
	L.ci.callstatus |= cistFin
	status := L.pcallBody(func() {
		L.callNoYield(L.top-2, 0)
	}, L.top-2)
	L.ci.callstatus &^= cistFin
	L.allowhook = oldah
	g.gcrunning = running
	if status != StatusOK && propagateErrors {
		if status == StatusErrRun { // wrap the error object
			msg := "no message"
			if L.stack[L.top-1].IsString() {
				msg = L.stack[L.top-1].Str()
			}
			L.Pop(1)
			L.runtimeError("error in finalizer (%s)", msg)
		}
		L.throw(status)
	}
	if status != StatusOK {
		L.Pop(1)
	}
}

// runAFewFinalizers runs up to gcfinnum finalizers, doubling the budget
// while the queue stays long.
func (g *Global) runAFewFinalizers(L *Thread) int {
	var i int
	for i = 0; i < g.gcfinnum && g.tobefnz != nil; i++ {
		g.callGCTM(L, true)
	}
	if g.tobefnz != nil {
		g.gcfinnum *= 2
	} else {
		g.gcfinnum = 1
	}
	return i
}

func (g *Global) callAllPendingFinalizers(L *Thread) {
	for g.tobefnz != nil {
		g.callGCTM(L, false)
	}
}

// Sweeping.

// freeObj releases an object's storage to the ledger.
func (g *Global) freeObj(o Object) {
	switch o := o.(type) {
	case *TString:
		if o.isShort() {
			g.removeShort(o)
		}
	case *Table:
		o.free(g)
	case *Thread:
		o.CloseUpvals(0)
		o.freeStack(g)
	case *ScriptClosure:
		releaseUpvals(g, o)
	}
	g.freeBytes(baseSize(o))
}

// sweepList sweeps up to count objects at *p: objects in the old white
// are freed, survivors flip to the current white. It returns the new
// sweep position, or nil when the list is finished.
func (g *Global) sweepList(p *Object, count int) *Object {
	ow := otherWhite(g)
	white := g.currentwhite & whiteBits
	for *p != nil && count > 0 {
		count--
		curr := *p
		h := curr.header()
		if isDeadMarked(ow, h.marked) {
			*p = h.next
			g.freeObj(curr)
		} else {
			h.marked = h.marked&^maskCols | white
			p = &h.next
		}
	}
	if *p == nil {
		return nil
	}
	return p
}

// sweepToLive advances the sweep position until it moves: dead objects
// at the position are freed along the way.
func (g *Global) sweepToLive(L *Thread, p *Object) *Object {
	old := p
	for p == old {
		p = g.sweepList(p, 1)
	}
	return p
}

func (g *Global) sweepWholeList(p *Object) {
	g.sweepList(p, maxInt)
}

func (g *Global) enterSweep() {
	g.gcstate = gcsSwpAllGC
	g.sweepgc = g.sweepToLive(nil, &g.allgc)
}

// sweepStep sweeps one bounded slice, moving to the next list when the
// current one is done.
func (g *Global) sweepStep(L *Thread, nextState byte, nextList *Object) int64 {
	if g.sweepgc != nil && *g.sweepgc != nil {
		oldDebt := g.gcdebt
		g.sweepgc = g.sweepList(g.sweepgc, gcSweepMax)
		g.gcestimate += g.gcdebt - oldDebt // freed bytes lower the estimate
		if g.sweepgc != nil {
			return int64(gcSweepMax * gcSweepCost)
		}
	}
	g.gcstate = nextState
	g.sweepgc = nextList
	return 0
}

// The atomic phase.

func (g *Global) atomic(L *Thread) int64 {
	grayagain := g.grayagain // save original list
	g.grayagain = nil
	g.gcstate = gcsInsideAtomic
	g.gcmemtrav = 0
	g.markObject(L) // mark running thread
	// the registry and global metatables may have changed since the start
	g.markValue(g.registry)
	g.markBasicMetatables()
	g.remarkUpvals() // remark occasional upvalues of (maybe) dead threads
	g.propagateAll()
	work := g.gcmemtrav // do not recount grayagain below
	g.gray = grayagain
	g.propagateAll() // traverse grayagain: threads, barrier-dirtied blacks
	g.gcmemtrav = 0
	g.convergeEphemerons()
	// all strongly accessible objects are marked; clear weak values
	// before separating finalizable objects
	g.clearValues(g.weak, nil)
	g.clearValues(g.allweak, nil)
	origWeak, origAll := g.weak, g.allweak
	work += g.gcmemtrav
	g.separateToBeFnz(false)
	g.markBeingFnz()  // resurrect the objects about to be finalized
	g.propagateAll()  // propagate the resurrection
	g.gcmemtrav = 0
	g.convergeEphemerons()
	// remove dead entries from weak structures
	g.clearKeys(g.ephemeron, nil)
	g.clearKeys(g.allweak, nil)
	// clear values from resurrected weak tables
	g.clearValues(g.weak, origWeak)
	g.clearValues(g.allweak, origAll)
	g.clearStringCache()
	g.currentwhite = otherWhite(g) // flip current white
	work += g.gcmemtrav
	return work
}

// singleStep advances the machine by one state transition and returns
// the work done, in bytes traversed or swept.
func (g *Global) singleStep(L *Thread) int64 {
	switch g.gcstate {
	case gcsPause:
		g.gcmemtrav = int64(len(g.strt.hash)) * int64(sizeofPtr)
		g.restartCollection()
		g.gcstate = gcsPropagate
		return g.gcmemtrav
	case gcsPropagate:
		g.gcmemtrav = 0
		g.propagateMark()
		if g.gray == nil {
			g.gcstate = gcsAtomic
		}
		return g.gcmemtrav
	case gcsAtomic:
		g.propagateAll() // make sure gray list is empty
		work := g.atomic(L)
		g.enterSweep()
		g.gcestimate = g.TotalBytes() // first estimate
		return work
	case gcsSwpAllGC:
		return g.sweepStep(L, gcsSwpFinObj, &g.finobj)
	case gcsSwpFinObj:
		return g.sweepStep(L, gcsSwpToBeFnz, &g.tobefnz)
	case gcsSwpToBeFnz:
		return g.sweepStep(L, gcsSwpEnd, nil)
	case gcsSwpEnd:
		makeWhite(g, g.mainthread) // sweep main thread
		g.shrinkStringTable(L)
		g.gcstate = gcsCallFin
		return 0
	case gcsCallFin:
		if g.tobefnz != nil && g.gckind != gcKindEmergency {
			n := g.runAFewFinalizers(L)
			return int64(n * gcFinalizeCost)
		}
		g.gcstate = gcsPause // finish collection
		return 0
	default:
		panic("unknown collector state")
	}
}

// runUntilState drives the machine until it reaches one of the states in
// the mask.
func (g *Global) runUntilState(L *Thread, states uint16) {
	for states&(1<<uint(g.gcstate)) == 0 {
		g.singleStep(L)
	}
}

// getDebt converts the byte debt into work units scaled by the step
// multiplier.
func (g *Global) getDebt() int64 {
	debt := g.gcdebt
	if debt <= 0 {
		return 0
	}
	debt = debt/stepMulAdj + 1
	if debt < maxMem/int64(g.gcstepmul) {
		return debt * int64(g.gcstepmul)
	}
	return maxMem
}

// setPause schedules the next cycle: the collector sleeps until the
// total grows past gcpause percent of the live estimate.
func (g *Global) setPause() {
	estimate := g.gcestimate / pauseAdj
	if estimate <= 0 {
		estimate = 1
	}
	var threshold int64
	if int64(g.gcpause) < maxMem/estimate {
		threshold = estimate * int64(g.gcpause)
	} else {
		threshold = maxMem
	}
	g.setDebt(g.TotalBytes() - threshold)
}

// step advances the collector until the debt is paid or the cycle ends.
func (g *Global) step(L *Thread) {
	debt := g.getDebt()
	if !g.gcrunning {
		g.setDebt(int64(-gcStepSize) * 10) // avoid being called too often
		return
	}
	for { // repeat until pause or enough credit
		work := g.singleStep(L)
		debt -= work
		if debt <= int64(-gcStepSize) || g.gcstate == gcsPause {
			break
		}
	}
	if g.gcstate == gcsPause {
		g.setPause()
	} else {
		debt = debt / int64(g.gcstepmul) * stepMulAdj // convert back to bytes
		g.setDebt(debt)
		g.runAFewFinalizers(L)
	}
}

// checkGC advances the collector if there is debt to pay. Mutator entry
// points call this; the collector never runs mid-operation.
func (L *Thread) checkGC() {
	if L.g.gcdebt > 0 {
		L.g.step(L)
	}
}

// fullGC runs a complete cycle. From mid-cycle it finishes the cycle in
// flight first. Emergency collections (allocation failure) skip
// finalizer calls and anything that would move memory.
func (g *Global) fullGC(L *Thread, emergency bool) {
	kind := g.gckind
	if emergency {
		g.gckind = gcKindEmergency
	}
	if g.keepInvariant() { // black objects around?
		g.enterSweep() // sweep everything to turn them back to white
	}
	// finish any pending sweep phase to start a new cycle
	g.runUntilState(L, 1<<gcsPause)
	g.runUntilState(L, ^uint16(1<<gcsPause))
	g.runUntilState(L, 1<<gcsCallFin)
	g.runUntilState(L, 1<<gcsPause) // finish collection
	g.gckind = kind
	g.setPause()
}

// Public collector controls.

// Step forces one small collection step.
func (g *Global) Step(L *Thread) {
	running := g.gcrunning
	g.gcrunning = true
	g.setDebt(int64(-gcStepSize))
	g.step(L)
	g.gcrunning = running
}

// FullGC forces an entire collection cycle.
func (g *Global) FullGC(L *Thread, emergency bool) {
	g.fullGC(L, emergency)
}

// Stop pauses the collector until Restart.
func (g *Global) Stop() { g.gcrunning = false }

// Restart re-arms a stopped collector.
func (g *Global) Restart() {
	g.setDebt(0)
	g.gcrunning = true
}

// Running reports whether the collector is armed.
func (g *Global) Running() bool { return g.gcrunning }

// SetPause sets the inter-cycle pause as a percentage of the live
// estimate, returning the previous value.
func (g *Global) SetPause(pct int) int {
	old := g.gcpause
	g.gcpause = pct
	return old
}

// SetStepMul sets the collector granularity, returning the previous
// value.
func (g *Global) SetStepMul(mul int) int {
	old := g.gcstepmul
	g.gcstepmul = mul
	return old
}

// freeAllObjects tears down every object at state close. All finalizers
// run first; then a white that matches every object sweeps the lists,
// fixed objects included.
func (g *Global) freeAllObjects(L *Thread) {
	g.separateToBeFnz(true)
	g.callAllPendingFinalizers(L)
	g.currentwhite = whiteBits // this white makes every object look dead
	g.gckind = gcKindNormal
	g.sweepWholeList(&g.finobj)
	g.sweepWholeList(&g.tobefnz)
	g.sweepWholeList(&g.allgc)
	g.sweepWholeList(&g.fixedgc)
	g.gcstate = gcsPause
	g.sweepgc = nil
}
