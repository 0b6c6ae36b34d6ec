// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// An UpVal bridges a stack-allocated local and the closures that capture
// it. Open, it designates a live slot of a thread's stack and is threaded
// into that thread's open list, kept sorted by descending stack level.
// Closed, the value lives in the upvalue's own slot. Upvalues are not
// collectable objects; a reference count of capturing closures governs
// their lifetime, and the touched mark breaks cycles through dead threads.
type UpVal struct {
	refcount int
	th       *Thread // owning thread while open; nil once closed
	level    int     // stack slot while open
	next     *UpVal  // open-list link
	touched  bool    // seen by the collector this cycle
	value    Value   // the value, while closed
}

// IsOpen reports whether the upvalue still designates a stack slot. It is
// the index-form rendition of the classic v != &self.value predicate.
func (uv *UpVal) IsOpen() bool { return uv.th != nil }

// Get reads through the upvalue.
func (uv *UpVal) Get() Value {
	if uv.th != nil {
		return uv.th.stack[uv.level]
	}
	return uv.value
}

// Set writes through the upvalue.
func (uv *UpVal) Set(v Value) {
	if uv.th != nil {
		uv.th.stack[uv.level] = v
		return
	}
	uv.value = v
}

// FindUpval returns the open upvalue for a stack slot, creating and
// splicing one in descending-level order if none exists. The thread joins
// the global threads-with-upvalues list on its first open upvalue.
func (L *Thread) FindUpval(level int) *UpVal {
	g := L.g
	pp := &L.openupval
	for *pp != nil && (*pp).level >= level {
		p := *pp
		if p.level == level {
			return p
		}
		pp = &p.next
	}
	// not found: create a new upvalue
	g.allocBytes(L, 0, sizeofUpVal)
	uv := &UpVal{th: L, level: level, touched: true}
	uv.next = *pp // link it in the proper slot
	*pp = uv
	if !L.inTwups() { // thread not yet in the list of threads with upvalues?
		L.twups = g.twups
		g.twups = L
	}
	return uv
}

// CloseUpvals closes every open upvalue at or above the given stack
// level: detach it from the open list and move the stack value into the
// upvalue. A closed upvalue nobody captured is released on the spot.
func (L *Thread) CloseUpvals(level int) {
	g := L.g
	for L.openupval != nil && L.openupval.level >= level {
		uv := L.openupval
		L.openupval = uv.next
		if uv.refcount == 0 {
			g.freeBytes(sizeofUpVal)
			continue
		}
		uv.value = L.stack[uv.level]
		uv.th = nil
		uv.next = nil
		g.upvalBarrier(uv)
	}
}

// A Proto is the prototype shared by the closures of one scripted
// function: upvalue descriptors, a constant vector, and a source name.
// Instruction decoding belongs to the interpreter, not the runtime.
type Proto struct {
	gcHeader
	upvals    []UpvalDesc
	constants []Value
	source    *TString
	maxStack  int // frame slots the interpreter needs for this function
	gclist    Object
}

// An UpvalDesc describes where a closure finds one captured variable:
// either a slot of the enclosing frame (InStack) or an upvalue of the
// enclosing closure.
type UpvalDesc struct {
	Name    *TString
	InStack bool
	Index   int
}

// NewProto allocates a prototype holding the given upvalue descriptors and
// constants.
func (L *Thread) NewProto(source string, upvals []UpvalDesc, constants []Value) *Proto {
	L.checkGC()
	p := &Proto{upvals: upvals, constants: constants, maxStack: basicStackSize / 2}
	if source != "" {
		p.source = L.g.intern(L, source)
	}
	L.g.newObject(L, &p.gcHeader, tagProto, p)
	return p
}

// maxUpvals bounds the number of upvalues in a closure of either flavor.
const maxUpvals = 255

// A GoClosure is a native function with captured value slots.
type GoClosure struct {
	gcHeader
	fn     GoFunc
	upvals []Value
	gclist Object
}

// A ScriptClosure is a scripted function: a prototype plus the upvalue
// references it captured.
type ScriptClosure struct {
	gcHeader
	proto  *Proto
	upvals []*UpVal
	gclist Object
}

// Upval returns the i-th captured slot (1-based, as the language counts).
func (c *GoClosure) Upval(i int) *Value { return &c.upvals[i-1] }

// Upval returns the i-th upvalue reference (1-based).
func (c *ScriptClosure) Upval(i int) *UpVal { return c.upvals[i-1] }

func (c *ScriptClosure) Proto() *Proto { return c.proto }

// NewGoClosure allocates a native closure with n empty capture slots.
func (L *Thread) NewGoClosure(fn GoFunc, n int) *GoClosure {
	if n > maxUpvals {
		L.runtimeError("too many upvalues (limit is %d)", maxUpvals)
	}
	L.checkGC()
	c := &GoClosure{fn: fn, upvals: make([]Value, n)}
	L.g.newObject(L, &c.gcHeader, tagGoClosure, c)
	return c
}

// NewScriptClosure allocates a scripted closure with n unset upvalue
// references; InitUpvals or the interpreter's capture loop fills them.
func (L *Thread) NewScriptClosure(p *Proto, n int) *ScriptClosure {
	if n > maxUpvals {
		L.runtimeError("too many upvalues (limit is %d)", maxUpvals)
	}
	L.checkGC()
	c := &ScriptClosure{proto: p, upvals: make([]*UpVal, n)}
	L.g.newObject(L, &c.gcHeader, tagScriptClosure, c)
	return c
}

// InitUpvals fills a closure's upvalue slots with fresh closed upvalues
// holding nil, each captured once.
func (L *Thread) InitUpvals(c *ScriptClosure) {
	g := L.g
	for i := range c.upvals {
		g.allocBytes(L, 0, sizeofUpVal)
		uv := &UpVal{refcount: 1}
		c.upvals[i] = uv
	}
}

// CaptureUpval makes slot i of the closure share the upvalue for a stack
// level of L, bumping its capture count.
func (L *Thread) CaptureUpval(c *ScriptClosure, i int, level int) *UpVal {
	uv := L.FindUpval(level)
	uv.refcount++
	c.upvals[i-1] = uv
	L.g.objBarrierValue(L, c, uv.Get())
	return uv
}

// releaseUpvals drops a dying closure's references; a closed upvalue with
// no captures left goes with it.
func releaseUpvals(g *Global, c *ScriptClosure) {
	for _, uv := range c.upvals {
		if uv == nil {
			continue
		}
		uv.refcount--
		if uv.refcount == 0 && !uv.IsOpen() {
			g.freeBytes(sizeofUpVal)
		}
	}
}
