// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Read-only views of a live state for inspection tools and tests. None
// of these mutate GC state; they may be interleaved freely with mutator
// operations under the single-mutator rule.

var gcStateNames = map[byte]string{
	gcsPropagate:    "propagate",
	gcsAtomic:       "atomic",
	gcsSwpAllGC:     "sweep-allgc",
	gcsSwpFinObj:    "sweep-finobj",
	gcsSwpToBeFnz:   "sweep-tobefnz",
	gcsSwpEnd:       "sweep-end",
	gcsCallFin:      "call-finalizers",
	gcsPause:        "pause",
	gcsInsideAtomic: "inside-atomic",
}

// GCState names the collector's current phase.
func (g *Global) GCState() string { return gcStateNames[g.gcstate] }

// GCDebt returns the allocation debt pending collector work.
func (g *Global) GCDebt() int64 { return g.gcdebt }

// GCEstimate returns the live-memory estimate from the last cycle.
func (g *Global) GCEstimate() int64 { return g.gcestimate }

// StringTableStats returns occupancy of the intern table.
func (g *Global) StringTableStats() (nuse, size int) {
	return g.strt.nuse, len(g.strt.hash)
}

// KindOf returns the primary type of a heap object.
func KindOf(o Object) Type { return o.header().tt.noVariant() }

// KindName names an object's kind, distinguishing prototypes.
func KindName(o Object) string {
	t := o.header().tt.noVariant()
	return typeNames[t]
}

// ColorOf names an object's mark color.
func ColorOf(o Object) string {
	h := o.header()
	switch {
	case testbit(h.marked, fixedBit):
		return "fixed"
	case testbit(h.marked, blackBit):
		return "black"
	case h.marked&whiteBits != 0:
		return "white"
	default:
		return "gray"
	}
}

// SizeOf estimates the accounted bytes of one object, variable parts
// included.
func SizeOf(o Object) int {
	size := baseSize(o)
	switch o := o.(type) {
	case *Table:
		size += sizeofValue*len(o.array) + sizeofNode*o.realNodeSize()
	case *Thread:
		size += sizeofValue*len(o.stack) + sizeofCallInfo*(o.nci-1)
	}
	return size
}

// GC list names as reported by ForEachObject.
const (
	ListAllGC   = "allgc"
	ListFinObj  = "finobj"
	ListToBeFnz = "tobefnz"
	ListFixed   = "fixedgc"
)

// ForEachObject visits every heap object with the name of the list
// holding it; returning false stops the walk.
func (g *Global) ForEachObject(fn func(o Object, list string) bool) {
	for _, l := range []struct {
		head Object
		name string
	}{
		{g.allgc, ListAllGC},
		{g.finobj, ListFinObj},
		{g.tobefnz, ListToBeFnz},
		{g.fixedgc, ListFixed},
	} {
		for o := l.head; o != nil; o = o.header().next {
			if !fn(o, l.name) {
				return
			}
		}
	}
}

// ObjectCounts tallies live objects by kind across all lists.
func (g *Global) ObjectCounts() map[string]int {
	counts := make(map[string]int)
	g.ForEachObject(func(o Object, _ string) bool {
		counts[KindName(o)]++
		return true
	})
	return counts
}

// OpenUpvalCount returns the number of open upvalues of a thread.
func (L *Thread) OpenUpvalCount() int {
	n := 0
	for uv := L.openupval; uv != nil; uv = uv.next {
		n++
	}
	return n
}
