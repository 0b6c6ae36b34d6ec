// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "unsafe"

// An Object is a collectable heap object. Every implementation embeds a
// gcHeader and lives on exactly one of the global object lists (allgc,
// finobj, tobefnz or fixedgc), linked through the header.
type Object interface {
	header() *gcHeader
}

// gcHeader is the common prefix of every collectable object: the list
// link, the type tag, and the mark byte.
type gcHeader struct {
	next   Object
	tt     tag
	marked byte
}

func (h *gcHeader) header() *gcHeader { return h }

// Layout of the mark byte. An object is gray when neither a white bit nor
// the black bit is set. The two whites alternate between cycles so objects
// born during a sweep are distinguishable from last cycle's leftovers.
const (
	white0Bit    = 0 // object is white (type 0)
	white1Bit    = 1 // object is white (type 1)
	blackBit     = 2 // object is black
	finalizedBit = 3 // object has been marked for finalization
	fixedBit     = 4 // object is root-pinned, never collected

	whiteBits = 1<<white0Bit | 1<<white1Bit
	maskCols  = whiteBits | 1<<blackBit
)

func testbit(b byte, bit uint) bool { return b&(1<<bit) != 0 }

func isWhite(o Object) bool { return o.header().marked&whiteBits != 0 }
func isBlack(o Object) bool { return testbit(o.header().marked, blackBit) }
func isGray(o Object) bool  { return o.header().marked&maskCols == 0 }
func isFixed(o Object) bool { return testbit(o.header().marked, fixedBit) }

func tofinalize(o Object) bool { return testbit(o.header().marked, finalizedBit) }

func otherWhite(g *Global) byte { return g.currentwhite ^ whiteBits }

// isDeadMarked reports whether a mark byte carries the non-current white.
// With both whites current (ow == 0, as when the state closes) every mark
// counts as dead.
func isDeadMarked(ow, marked byte) bool { return (marked^whiteBits)&ow == 0 }

func isDead(g *Global, o Object) bool {
	return isDeadMarked(otherWhite(g), o.header().marked)
}

func changeWhite(o Object) { o.header().marked ^= whiteBits }

func white2gray(o Object) { o.header().marked &^= whiteBits }
func black2gray(o Object) { o.header().marked &^= 1 << blackBit }
func gray2black(o Object) { o.header().marked |= 1 << blackBit }

func makeWhite(g *Global, o Object) {
	h := o.header()
	h.marked = h.marked&^maskCols | g.currentwhite
}

// Struct sizes used for allocator accounting. The variable parts of an
// object (string bytes, table vectors, stacks, upvalue slots) are accounted
// where they are allocated.
var (
	sizeofTString  = int(unsafe.Sizeof(TString{}))
	sizeofTable    = int(unsafe.Sizeof(Table{}))
	sizeofNode     = int(unsafe.Sizeof(node{}))
	sizeofValue    = int(unsafe.Sizeof(Value{}))
	sizeofUpVal    = int(unsafe.Sizeof(UpVal{}))
	sizeofThread   = int(unsafe.Sizeof(Thread{}))
	sizeofProto    = int(unsafe.Sizeof(Proto{}))
	sizeofUserData = int(unsafe.Sizeof(UserData{}))
	sizeofGoCl     = int(unsafe.Sizeof(GoClosure{}))
	sizeofScriptCl = int(unsafe.Sizeof(ScriptClosure{}))
	sizeofCallInfo = int(unsafe.Sizeof(CallInfo{}))
	sizeofGlobal   = int(unsafe.Sizeof(Global{}))
	sizeofPtr      = int(unsafe.Sizeof(uintptr(0)))
)

// baseSize is the fixed allocation size of an object's struct.
func baseSize(o Object) int {
	switch o := o.(type) {
	case *TString:
		return sizeofTString + len(o.str)
	case *Table:
		return sizeofTable
	case *Thread:
		return sizeofThread
	case *Proto:
		return sizeofProto + sizeofValue*cap(o.constants) +
			int(unsafe.Sizeof(UpvalDesc{}))*cap(o.upvals)
	case *UserData:
		return sizeofUserData
	case *GoClosure:
		return sizeofGoCl + sizeofValue*cap(o.upvals)
	case *ScriptClosure:
		return sizeofScriptCl + int(unsafe.Sizeof(uintptr(0)))*cap(o.upvals)
	default:
		return 0
	}
}

// identityHash derives a hash from an object's identity, for keys with no
// better hash (tables, threads, closures, full userdata).
func identityHash(o Object) uint64 {
	return uint64(uintptr(unsafe.Pointer(o.header())))
}
