// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Tables keep their elements in two parts: an array part and a hash part.
// Positive integer keys are all candidates for the array part. The
// actual size of the array is the largest n such that more than half the
// slots between 1 and n are in use. The hash part is a chained scatter
// table with Brent's variation: if an element is not in its main position,
// the colliding element is in its own main position, so performance stays
// good even at 100% load.

import (
	"math"
	"math/bits"
)

const (
	// maxABits is the largest integer such that 2^maxABits fits in a
	// 32-bit unsigned count of array slots.
	maxABits = 31
	maxASize = int64(1) << maxABits
	// maxHBits bounds the hash part to 2^31 slots.
	maxHBits = maxABits
)

// A node is one slot of the hash part: a key, a value, and a signed
// relative offset to the next node of its chain (0 terminates). Relative
// offsets keep the whole vector bit-copyable on resize.
type node struct {
	val  Value
	key  Value
	next int
}

// A Table is the hybrid associative container.
type Table struct {
	gcHeader
	flags     byte // 1<<tm means tag method tm is known absent
	lsizenode byte // log2 of the hash-part size
	metatable *Table
	array     []Value
	node      []node
	lastfree  int // one past the last free slot handed out; -1 when dummy
	gclist    Object
}

// dummyNode is the shared read-only hash part of every empty table. It is
// never written: lookups see a nil key and value with a terminated chain,
// and insertion treats a dummy table as full.
var dummyNode = make([]node, 1)

func (t *Table) isDummy() bool { return t.lastfree < 0 }

// realNodeSize is the allocated size of the hash part (0 for the dummy).
func (t *Table) realNodeSize() int {
	if t.isDummy() {
		return 0
	}
	return len(t.node)
}

func (t *Table) invalidateTMCache() { t.flags = 0 }

// NewTable allocates an empty table with the shared dummy hash part.
func (L *Thread) NewTable() *Table {
	L.checkGC()
	t := &Table{flags: ^byte(0), lastfree: -1}
	L.g.newObject(L, &t.gcHeader, tagTable, t)
	t.node = dummyNode
	return t
}

func ceilLog2(x int) int {
	return bits.Len(uint(x - 1))
}

// hashFloat hashes a float by splitting mantissa and exponent with Frexp
// and folding both into a bounded non-negative int. Infinities and NaN
// hash to 0 (NaN is rejected as a key before this matters).
func hashFloat(n float64) int {
	f, e := math.Frexp(n)
	f *= -float64(math.MinInt32)
	if !(f >= -9223372036854775808.0 && f < 9223372036854775808.0) {
		return 0 // inf or NaN
	}
	u := uint32(e) + uint32(int64(f))
	if u <= uint32(math.MaxInt32) {
		return int(u)
	}
	return int(^u)
}

// mainPosition is the slot a key hashes to before collision resolution.
// Hashes rich in factors of two take a modulo by an odd divisor instead of
// the power-of-two mask.
func (t *Table) mainPosition(key Value) int {
	size := len(t.node)
	mask := uint64(size - 1)
	odd := uint64(size-1) | 1
	switch key.tt {
	case tagInt:
		return int(uint64(key.i) & mask)
	case tagFloat:
		return int(uint64(hashFloat(key.n)) % odd)
	case tagShortStr:
		return int(uint64(key.AsString().hash) & mask)
	case tagLongStr:
		return int(uint64(key.AsString().longHash()) & mask)
	case tagBoolean:
		return int(uint64(key.i) & mask)
	case tagLightUserData:
		return int(uint64(uintptr(key.p)) % odd)
	case tagLightGoFunc:
		return int(uint64(funcPC(key.fn)) % odd)
	default:
		return int(identityHash(key.o) % odd)
	}
}

// arrayIndex returns k when the key is an integer fit for the array part,
// 0 otherwise.
func arrayIndex(key Value) int64 {
	if key.tt == tagInt {
		if k := key.i; 0 < k && k <= maxASize {
			return k
		}
	}
	return 0
}

// Lookups. The get* family returns a pointer into the table (nil when the
// key is absent) so Set can reuse the search.

func (t *Table) getIntAddr(k int64) *Value {
	if uint64(k)-1 < uint64(len(t.array)) {
		return &t.array[k-1]
	}
	i := int(uint64(k) & uint64(len(t.node)-1))
	for {
		n := &t.node[i]
		if n.key.tt == tagInt && n.key.i == k {
			return &n.val
		}
		if n.next == 0 {
			return nil
		}
		i += n.next
	}
}

// getShortStrAddr walks the chain comparing by identity; short strings
// are interned, so identity is equality.
func (t *Table) getShortStrAddr(key *TString) *Value {
	i := int(uint64(key.hash) & uint64(len(t.node)-1))
	for {
		n := &t.node[i]
		if n.key.tt == tagShortStr && n.key.o == Object(key) {
			return &n.val
		}
		if n.next == 0 {
			return nil
		}
		i += n.next
	}
}

func (t *Table) getGenericAddr(key Value) *Value {
	i := t.mainPosition(key)
	for {
		n := &t.node[i]
		if rawEqual(n.key, key) {
			return &n.val
		}
		if n.next == 0 {
			return nil
		}
		i += n.next
	}
}

func (t *Table) getAddr(key Value) *Value {
	switch key.tt {
	case tagShortStr:
		return t.getShortStrAddr(key.AsString())
	case tagInt:
		return t.getIntAddr(key.i)
	case tagNil:
		return nil
	case tagFloat:
		if k, ok := key.numToInt(); ok {
			return t.getIntAddr(k)
		}
		return t.getGenericAddr(key)
	default:
		return t.getGenericAddr(key)
	}
}

// Get is the primitive lookup: no metamethods.
func (t *Table) Get(key Value) Value {
	if p := t.getAddr(key); p != nil {
		return *p
	}
	return Nil()
}

// getShortStr is Get specialized for interned strings (metatable probes).
func (t *Table) getShortStr(key *TString) Value {
	if p := t.getShortStrAddr(key); p != nil {
		return *p
	}
	return Nil()
}

// getFreePos hands out free slots from the top of the node vector down.
func (t *Table) getFreePos() int {
	if !t.isDummy() {
		for t.lastfree > 0 {
			t.lastfree--
			if t.node[t.lastfree].key.IsNil() {
				return t.lastfree
			}
		}
	}
	return -1
}

// newKey inserts a new key and returns the address of its value cell.
// If the key's main position is taken by a displaced entry, that entry
// moves to a free slot and the key claims its main position; if the
// occupant owns the position, the new key goes to a free slot chained
// after it. With no free slot left the table rehashes and retries.
func (t *Table) newKey(L *Thread, key Value) *Value {
	g := L.g
	switch {
	case key.IsNil():
		L.runtimeError("table index is nil")
	case key.tt == tagFloat:
		if k, ok := key.numToInt(); ok {
			key = Int(k) // index is representable: insert as integer
		} else if math.IsNaN(key.n) {
			L.runtimeError("table index is NaN")
		}
	}
	mp := t.mainPosition(key)
	if !t.node[mp].val.IsNil() || t.isDummy() { // main position taken?
		f := t.getFreePos()
		if f < 0 {
			t.rehash(L, key)
			return t.set(L, key) // insert key into grown table
		}
		othern := t.mainPosition(t.node[mp].key)
		if othern != mp { // colliding node out of its main position?
			// find the predecessor of mp in othern's chain and move the
			// colliding node into the free slot
			prev := othern
			for prev+t.node[prev].next != mp {
				prev += t.node[prev].next
			}
			t.node[prev].next = f - prev
			t.node[f] = t.node[mp] // copies key, value and chain link
			if t.node[mp].next != 0 {
				t.node[f].next += mp - f
				t.node[mp].next = 0
			}
			t.node[mp].val = Nil()
		} else { // colliding node is in its own main position
			if t.node[mp].next != 0 {
				t.node[f].next = (mp + t.node[mp].next) - f
			}
			t.node[mp].next = f - mp
			mp = f
		}
	}
	t.node[mp].key = key
	g.barrierBack(L, t, key)
	return &t.node[mp].val
}

// set returns the value cell for key, creating it if needed.
func (t *Table) set(L *Thread, key Value) *Value {
	if p := t.getAddr(key); p != nil {
		return p
	}
	return t.newKey(L, key)
}

// Set stores v at key, creating the slot if needed. Storing nil does not
// remove the node; the entry just becomes invisible to traversal.
func (t *Table) Set(L *Thread, key, v Value) {
	cell := t.set(L, key)
	*cell = v
	t.invalidateTMCache()
	L.g.barrierBack(L, t, v)
}

// SetInt stores v at an integer key.
func (t *Table) SetInt(L *Thread, key int64, v Value) {
	cell := t.getIntAddr(key)
	if cell == nil {
		cell = t.newKey(L, Int(key))
	}
	*cell = v
	t.invalidateTMCache()
	L.g.barrierBack(L, t, v)
}

// Rehash.

// computeSizes picks the optimal array size: the largest 2^i such that
// more than half of the slots 1..2^i would be in use. nums[i] counts the
// integer keys in (2^(i-1), 2^i]. na enters with the number of integer
// keys and leaves with the number going to the array part.
func computeSizes(nums *[maxABits + 1]int, na *int) int {
	a := 0       // elements smaller than 2^i
	toArray := 0 // elements that will go to the array part
	optimal := 0
	for i, twotoi := 0, 1; twotoi > 0 && *na > twotoi/2; i, twotoi = i+1, twotoi*2 {
		if nums[i] > 0 {
			a += nums[i]
			if a > twotoi/2 {
				optimal = twotoi
				toArray = a
			}
		}
	}
	*na = toArray
	return optimal
}

func countInt(key Value, nums *[maxABits + 1]int) int {
	if k := arrayIndex(key); k != 0 {
		nums[ceilLog2(int(k))]++
		return 1
	}
	return 0
}

// numUseArray fills nums from the array part and returns the number of
// non-nil array entries.
func (t *Table) numUseArray(nums *[maxABits + 1]int) int {
	ause := 0
	i := int64(1)
	for lg, ttlg := 0, int64(1); lg <= maxABits; lg, ttlg = lg+1, ttlg*2 {
		lc := 0
		lim := ttlg
		if lim > int64(len(t.array)) {
			lim = int64(len(t.array))
			if i > lim {
				break
			}
		}
		for ; i <= lim; i++ { // count elements in (2^(lg-1), 2^lg]
			if !t.array[i-1].IsNil() {
				lc++
			}
		}
		nums[lg] += lc
		ause += lc
	}
	return ause
}

func (t *Table) numUseHash(nums *[maxABits + 1]int, na *int) int {
	totaluse := 0
	for i := t.realNodeSize() - 1; i >= 0; i-- {
		n := &t.node[i]
		if !n.val.IsNil() {
			*na += countInt(n.key, nums)
			totaluse++
		}
	}
	return totaluse
}

func (t *Table) setArrayVector(L *Thread, size int) {
	L.g.allocBytes(L, len(t.array)*sizeofValue, size*sizeofValue)
	na := make([]Value, size)
	copy(na, t.array)
	t.array = na
}

func (t *Table) setNodeVector(L *Thread, size int) {
	if size == 0 { // no elements to hash part?
		t.node = dummyNode
		t.lsizenode = 0
		t.lastfree = -1
		return
	}
	lsize := ceilLog2(size)
	if lsize > maxHBits {
		L.runtimeError("table overflow")
	}
	size = 1 << lsize
	L.g.allocBytes(L, 0, size*sizeofNode)
	t.node = make([]node, size)
	t.lsizenode = byte(lsize)
	t.lastfree = size // all positions are free
}

// Resize sets the array part to nasize slots and the hash part to the
// power of two covering nhsize entries. Entries evicted from a shrinking
// array re-insert into the hash part; the array length is updated first
// so they cannot land back in it.
func (t *Table) Resize(L *Thread, nasize, nhsize int) {
	g := L.g
	oldasize := len(t.array)
	oldhsize := t.realNodeSize()
	nold := t.node // save old hash
	if nasize > oldasize {
		t.setArrayVector(L, nasize)
	}
	st := rawRunProtected(L, func() {
		t.setNodeVector(L, nhsize)
	})
	if st != StatusOK { // memory error: restore the array and rethrow
		t.setArrayVector(L, oldasize)
		L.throw(st)
	}
	if nasize < oldasize { // array part must shrink?
		full := t.array
		t.array = full[:nasize]
		// re-insert elements from the vanishing slice
		for i := nasize; i < oldasize; i++ {
			if !full[i].IsNil() {
				t.SetInt(L, int64(i)+1, full[i])
			}
		}
		g.allocBytes(L, oldasize*sizeofValue, nasize*sizeofValue)
		na := make([]Value, nasize)
		copy(na, full[:nasize])
		t.array = na
	}
	// re-insert elements from the old hash part
	for j := oldhsize - 1; j >= 0; j-- {
		old := &nold[j]
		if !old.val.IsNil() {
			// no barrier nor cache invalidation: the entry was already here
			*t.set(L, old.key) = old.val
		}
	}
	if oldhsize > 0 {
		g.freeBytes(oldhsize * sizeofNode)
	}
}

// rehash grows (or shrinks) the table for one more key: histogram the
// integer keys, pick the optimal array size, and resize.
func (t *Table) rehash(L *Thread, extra Value) {
	var nums [maxABits + 1]int
	na := t.numUseArray(&nums)    // count keys in array part
	totaluse := na                // all those keys are integer keys
	totaluse += t.numUseHash(&nums, &na)
	na += countInt(extra, &nums)  // count extra key
	totaluse++
	asize := computeSizes(&nums, &na)
	t.Resize(L, asize, totaluse-na)
}

// free releases the table's vectors (the struct itself is accounted by
// the sweep).
func (t *Table) free(g *Global) {
	if !t.isDummy() {
		g.freeBytes(len(t.node) * sizeofNode)
	}
	g.freeBytes(len(t.array) * sizeofValue)
}

// Length.

// unboundSearch finds a boundary in the hash part by doubling the probe
// until a nil is seen, then binary-searching the gap.
func (t *Table) unboundSearch(j uint64) int64 {
	i := j // i is zero or a present index
	j++
	for !t.getInt(int64(j)).IsNil() {
		i = j
		if j > uint64(math.MaxInt64)/2 { // overflow?
			// table was built with bad purposes: resort to linear search
			i = 1
			for !t.getInt(int64(i)).IsNil() {
				i++
			}
			return int64(i - 1)
		}
		j *= 2
	}
	for j-i > 1 {
		m := (i + j) / 2
		if t.getInt(int64(m)).IsNil() {
			j = m
		} else {
			i = m
		}
	}
	return int64(i)
}

func (t *Table) getInt(k int64) Value {
	if p := t.getIntAddr(k); p != nil {
		return *p
	}
	return Nil()
}

// Len returns a boundary: an i with t[i] non-nil and t[i+1] nil (0 when
// t[1] is nil). With interior nils any boundary may be returned.
func (t *Table) Len() int64 {
	j := len(t.array)
	if j > 0 && t.array[j-1].IsNil() {
		// there is a boundary in the array part: binary-search it
		i := 0
		for j-i > 1 {
			m := (i + j) / 2
			if t.array[m-1].IsNil() {
				j = m
			} else {
				i = m
			}
		}
		return int64(i)
	}
	if t.isDummy() {
		return int64(j)
	}
	return t.unboundSearch(uint64(j))
}

// Traversal.

// findIndex maps a key to its position in the traversal order: array
// slots first, then hash slots, 1-based; 0 restarts. A dead key is still
// valid here, matched by identity.
func (t *Table) findIndex(L *Thread, key Value) int64 {
	if key.IsNil() {
		return 0 // first iteration
	}
	i := arrayIndex(key)
	if i != 0 && i <= int64(len(t.array)) {
		return i
	}
	n := t.mainPosition(key)
	for {
		nd := &t.node[n]
		if rawEqual(nd.key, key) ||
			(nd.key.tt == tagDeadKey && key.isCollectable() && nd.key.o == key.o) {
			// hash elements are numbered after array ones
			return int64(n) + 1 + int64(len(t.array))
		}
		if nd.next == 0 {
			L.runtimeError("invalid key to 'next'")
		}
		n += nd.next
	}
}

// Next returns the entry following key in traversal order (nil key starts
// a traversal). Entries whose value is nil are skipped.
func (t *Table) Next(L *Thread, key Value) (Value, Value, bool) {
	i := t.findIndex(L, key)
	for ; i < int64(len(t.array)); i++ { // try first array part
		if !t.array[i].IsNil() {
			return Int(i + 1), t.array[i], true
		}
	}
	for i -= int64(len(t.array)); i < int64(len(t.node)); i++ { // then hash part
		n := &t.node[i]
		if !n.val.IsNil() {
			return n.key, n.val, true
		}
	}
	return Nil(), Nil(), false
}
