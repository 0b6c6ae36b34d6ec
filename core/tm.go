// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// A TM names a tag method (metamethod). The first tmCached entries are
// covered by the per-table absence cache in Table.flags: a set bit means
// "known absent", so hot lookups skip the metatable probe entirely.
type TM int

const (
	TMIndex TM = iota
	TMNewIndex
	TMGC
	TMMode
	TMLen
	TMEq // last cached method
	TMCall
	numTMs

	tmCached = TMEq + 1
)

var tmNames = [numTMs]string{
	"__index", "__newindex", "__gc", "__mode", "__len", "__eq", "__call",
}

// initTagMethods interns the method names as fixed strings so metatable
// probes never allocate and the names survive every collection.
func (g *Global) initTagMethods(L *Thread) {
	for i := TM(0); i < numTMs; i++ {
		ts := g.internShort(L, tmNames[i])
		g.fix(ts)
		g.tmname[i] = ts
	}
}

// rawTM probes a metatable for a method and records a miss of a cached
// method in the absence cache.
func (g *Global) rawTM(mt *Table, e TM) Value {
	if mt == nil {
		return Nil()
	}
	tm := mt.getShortStr(g.tmname[e])
	if tm.IsNil() && e < tmCached {
		mt.flags |= 1 << uint(e)
	}
	return tm
}

// fastTM is rawTM behind the absence cache.
func (g *Global) fastTM(mt *Table, e TM) Value {
	if mt == nil || e < tmCached && mt.flags&(1<<uint(e)) != 0 {
		return Nil()
	}
	return g.rawTM(mt, e)
}

// Metatable returns the metatable of a value: the object's own for tables
// and userdata, the basic-type metatable otherwise.
func (g *Global) Metatable(v Value) *Table {
	switch v.tt {
	case tagTable:
		return v.AsTable().metatable
	case tagUserData:
		return v.AsUserData().metatable
	default:
		if v.Type() < 0 || v.Type() >= numTypes {
			return nil
		}
		return g.mt[v.Type()]
	}
}

// SetBasicMetatable installs the shared metatable for every value of a
// primary type that has no per-object metatable slot.
func (g *Global) SetBasicMetatable(t Type, mt *Table) {
	g.mt[t] = mt
}

// SetMetatable installs mt on a table or userdata. Installing a metatable
// with a finalizer method registers the object for finalization.
func (L *Thread) SetMetatable(v Value, mt *Table) {
	g := L.g
	switch v.tt {
	case tagTable:
		t := v.AsTable()
		t.metatable = mt
		t.invalidateTMCache()
		if mt != nil {
			g.objBarrier(L, t, mt)
			g.checkFinalizer(L, v.o, mt)
		}
	case tagUserData:
		u := v.AsUserData()
		u.metatable = mt
		if mt != nil {
			g.objBarrier(L, u, mt)
			g.checkFinalizer(L, v.o, mt)
		}
	default:
		L.runtimeError("cannot set metatable for a %s value", v.Type())
	}
}
