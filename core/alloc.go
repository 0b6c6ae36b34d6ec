// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// An Alloc is the single allocation primitive of a state. The runtime
// reports every size transition of every block it manages: osize == 0 is a
// fresh allocation, nsize == 0 a free, anything else a resize. Returning
// false refuses the transition, which the runtime treats like a NULL from
// realloc. A shrink or free is never refused; the hook's verdict is ignored
// for nsize <= osize.
//
// The backing memory itself comes from the Go allocator; the hook owns the
// byte ledger and the out-of-memory policy, not the bytes.
type Alloc func(ud any, osize, nsize int) bool

// defaultAlloc accepts everything.
func defaultAlloc(ud any, osize, nsize int) bool { return true }

const maxMem = int64(^uint64(0) >> 1)

// setDebt sets the collector's debt, keeping totalbytes+GCdebt constant
// (that sum is the real allocated total).
func (g *Global) setDebt(debt int64) {
	tot := g.totalbytes + g.gcdebt
	if debt < tot-maxMem {
		debt = tot - maxMem // will make totalbytes == maxMem
	}
	g.totalbytes = tot - debt
	g.gcdebt = debt
}

// TotalBytes returns the number of bytes currently accounted to the state.
func (g *Global) TotalBytes() int64 { return g.totalbytes + g.gcdebt }

// rawAlloc reports the transition to the hook and updates the debt.
// It returns false only for a refused growth.
func (g *Global) rawAlloc(osize, nsize int) bool {
	ok := g.frealloc(g.ud, osize, nsize)
	if !ok && nsize > osize {
		return false
	}
	g.gcdebt += int64(nsize) - int64(osize)
	return true
}

// allocBytes accounts a size transition. A refused growth forces a full
// emergency collection and one retry before the out-of-memory error is
// raised on L. Under hardened memory tests every growth runs a full
// collection first.
func (g *Global) allocBytes(L *Thread, osize, nsize int) {
	if g.hardMemTests && nsize > osize && g.gcrunning {
		g.fullGC(L, true)
	}
	if g.rawAlloc(osize, nsize) {
		return
	}
	if g.built { // state fully built: try to free some memory and retry
		g.fullGC(L, true)
		if g.rawAlloc(osize, nsize) {
			return
		}
	}
	memError(L)
}

// freeBytes releases accounted bytes; it cannot fail.
func (g *Global) freeBytes(size int) {
	g.rawAlloc(size, 0)
}

const minSizeArray = 4

// grownSize is the dynamic-array growth policy: double, with a floor of
// minSizeArray elements; past half the limit clamp to the limit, and error
// once the limit itself is reached.
func grownSize(L *Thread, size, limit int, what string) int {
	if size >= limit/2 { // cannot double it?
		if size >= limit {
			L.runtimeError("too many %s (limit is %d)", what, limit)
		}
		return limit
	}
	n := size * 2
	if n < minSizeArray {
		n = minSizeArray
	}
	return n
}
