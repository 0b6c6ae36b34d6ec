// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"time"
	"unsafe"
)

// A TString is an immutable string object. Strings no longer than the
// state's short limit are interned in the global string table, so equality
// for them is pointer equality; long strings live on their own and hash
// lazily. The intern chain runs through hnext, not the GC link.
type TString struct {
	gcHeader
	hnext *TString
	hash  uint32
	extra byte // long strings: hash already computed
	str   string
}

// Str returns the byte content.
func (ts *TString) Str() string { return ts.str }

func (ts *TString) isShort() bool { return ts.tt == tagShortStr }

// longHash memoizes the hash of a long string on first use. Until then
// the hash field holds the state's seed, planted at creation.
func (ts *TString) longHash() uint32 {
	if ts.extra == 0 {
		ts.hash = strHash(ts.str, ts.hash)
		ts.extra = 1
	}
	return ts.hash
}

// hashLimit bounds the work of hashing huge strings: at most 2^hashLimit
// evenly spaced bytes participate.
const hashLimit = 5

func strHash(s string, seed uint32) uint32 {
	h := seed ^ uint32(len(s))
	step := (len(s) >> hashLimit) + 1
	for i := len(s) - 1; i >= 0; i -= step {
		h ^= (h << 5) + (h >> 2) + uint32(s[i])
	}
	return h
}

// makeSeed derives the per-state hash seed from address and clock entropy.
func makeSeed(g *Global) uint32 {
	h := strHash("lunar", uint32(time.Now().UnixNano()))
	h ^= uint32(uintptr(unsafe.Pointer(g)) >> 3)
	return h
}

const minStrTabSize = 128

// stringtable is the intern table for short strings: open hashing with
// chains through TString.hnext. It doubles when full and shrinks at the
// end of a GC cycle when occupancy drops below a quarter.
type stringtable struct {
	hash []*TString
	nuse int
}

func (g *Global) initStringTable(L *Thread) {
	g.allocBytes(L, 0, minStrTabSize*int(unsafe.Sizeof((*TString)(nil))))
	g.strt.hash = make([]*TString, minStrTabSize)
	g.strt.nuse = 0
}

// resizeStringTable rehashes every chain into a vector of the new size,
// which must be a power of two.
func (g *Global) resizeStringTable(L *Thread, newsize int) {
	tb := &g.strt
	oldsize := len(tb.hash)
	ptrSize := int(unsafe.Sizeof((*TString)(nil)))
	if newsize > oldsize { // grow before rehashing
		g.allocBytes(L, oldsize*ptrSize, newsize*ptrSize)
	}
	nhash := make([]*TString, newsize)
	for i := 0; i < oldsize; i++ {
		ts := tb.hash[i]
		for ts != nil {
			next := ts.hnext
			nh := ts.hash & uint32(newsize-1)
			ts.hnext = nhash[nh]
			nhash[nh] = ts
			ts = next
		}
	}
	if newsize < oldsize { // shrink accounting after rehashing
		g.allocBytes(L, oldsize*ptrSize, newsize*ptrSize)
	}
	tb.hash = nhash
}

// shrinkStringTable halves the table while occupancy stays below a
// quarter; called at the end of a sweep.
func (g *Global) shrinkStringTable(L *Thread) {
	if g.gckind == gcKindEmergency {
		return // cannot move things around in emergency collections
	}
	if g.strt.nuse < len(g.strt.hash)/4 && len(g.strt.hash) > minStrTabSize {
		g.resizeStringTable(L, len(g.strt.hash)/2)
	}
}

// internShort returns the unique interned object for s, resurrecting a
// dead entry found mid-sweep rather than duplicating it.
func (g *Global) internShort(L *Thread, s string) *TString {
	h := strHash(s, g.seed)
	i := h & uint32(len(g.strt.hash)-1)
	for ts := g.strt.hash[i]; ts != nil; ts = ts.hnext {
		if ts.str == s {
			if isDead(g, ts) {
				changeWhite(ts)
			}
			return ts
		}
	}
	if g.strt.nuse >= len(g.strt.hash) && len(g.strt.hash) <= maxInt/2 {
		g.resizeStringTable(L, len(g.strt.hash)*2)
		i = h & uint32(len(g.strt.hash)-1)
	}
	ts := g.newStringObj(L, s, tagShortStr)
	ts.hash = h
	ts.hnext = g.strt.hash[i]
	g.strt.hash[i] = ts
	g.strt.nuse++
	return ts
}

// removeShort unlinks a short string being swept from the intern table.
func (g *Global) removeShort(ts *TString) {
	p := &g.strt.hash[ts.hash&uint32(len(g.strt.hash)-1)]
	for *p != ts {
		p = &(*p).hnext
	}
	*p = ts.hnext
	g.strt.nuse--
}

func (g *Global) newStringObj(L *Thread, s string, tt tag) *TString {
	ts := &TString{str: s}
	g.newObject(L, &ts.gcHeader, tt, ts)
	return ts
}

// newLongString creates an uninterned string object with a lazy hash.
func (g *Global) newLongString(L *Thread, s string) *TString {
	ts := g.newStringObj(L, s, tagLongStr)
	ts.hash = g.seed // seed for the lazy hash
	return ts
}

// String cache for the embedding API: maps Go string identity (data
// pointer) to its interned object, so repeated pushes of the same constant
// skip hashing. White entries are evicted once per GC cycle.
const (
	strCacheN = 53
	strCacheM = 2
)

// intern returns the runtime string for a Go string, through the cache.
func (g *Global) intern(L *Thread, s string) *TString {
	if len(s) == 0 || len(s) > g.shortLimit {
		return g.newString(L, s)
	}
	i := uintptr(unsafe.Pointer(unsafe.StringData(s))) % strCacheN
	line := &g.strcache[i]
	for j := 0; j < strCacheM; j++ {
		if line[j] != nil && line[j].str == s {
			return line[j]
		}
	}
	for j := strCacheM - 1; j > 0; j-- {
		line[j] = line[j-1]
	}
	line[0] = g.internShort(L, s)
	return line[0]
}

// clearStringCache drops cache entries about to be collected, replacing
// them with a fixed string.
func (g *Global) clearStringCache() {
	for i := 0; i < strCacheN; i++ {
		for j := 0; j < strCacheM; j++ {
			if g.strcache[i][j] != nil && isWhite(g.strcache[i][j]) {
				g.strcache[i][j] = g.memerrmsg
			}
		}
	}
}

// newString picks the representation by length.
func (g *Global) newString(L *Thread, s string) *TString {
	if len(s) <= g.shortLimit {
		return g.internShort(L, s)
	}
	return g.newLongString(L, s)
}

// NewString pushes nothing; it creates (or finds) the string object for s.
func (L *Thread) NewString(s string) *TString {
	L.checkGC()
	return L.g.intern(L, s)
}

const maxInt = int(^uint(0) >> 1)
