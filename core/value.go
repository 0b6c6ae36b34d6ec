// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"unsafe"
)

// A Type is the primary type of a value, as visible to the embedder.
type Type int8

const (
	TypeNone Type = iota - 1
	TypeNil
	TypeBoolean
	TypeLightUserData
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeUserData
	TypeThread

	numTypes
	typeProto   = numTypes     // only on heap objects, never in a Value
	typeDeadKey = numTypes + 1 // only in table keys, see deadKey
)

var typeNames = [...]string{
	"nil", "boolean", "userdata", "number", "string", "table",
	"function", "userdata", "thread", "proto", "deadkey",
}

func (t Type) String() string {
	if t == TypeNone {
		return "no value"
	}
	return typeNames[t]
}

// A tag is a primary type plus a variant in the upper bits. The variant
// distinguishes representations that share one primary type: integer vs
// float numbers, short vs long strings, the three function flavors.
type tag uint8

const variantShift = 4

func makeVariant(t Type, v int) tag { return tag(t) | tag(v)<<variantShift }

const (
	tagNil           = tag(TypeNil)
	tagBoolean       = tag(TypeBoolean)
	tagLightUserData = tag(TypeLightUserData)
	tagFloat         = tag(TypeNumber)                    // variant 0
	tagInt           = tag(TypeNumber) | 1<<variantShift  // variant 1
	tagShortStr      = tag(TypeString)                    // variant 0
	tagLongStr       = tag(TypeString) | 1<<variantShift  // variant 1
	tagScriptClosure = tag(TypeFunction)                  // variant 0
	tagLightGoFunc   = tag(TypeFunction) | 1<<variantShift
	tagGoClosure     = tag(TypeFunction) | 2<<variantShift
	tagTable         = tag(TypeTable)
	tagUserData      = tag(TypeUserData)
	tagThread        = tag(TypeThread)
	tagProto         = tag(typeProto)
	tagDeadKey       = tag(typeDeadKey)
)

func (t tag) noVariant() Type { return Type(t & ((1 << variantShift) - 1)) }

// A GoFunc is a native function callable by the runtime. It receives the
// calling thread with its arguments on the stack and returns the number of
// results it pushed.
type GoFunc func(*Thread) int

// A GoCont is the continuation of a native call across a yield. It is
// invoked on resume with the resume status and the context the function
// yielded with.
type GoCont func(L *Thread, status Status, ctx int64) int

// A Value is the tagged union over everything the runtime can store in a
// table slot or on a value stack. The zero Value is nil.
type Value struct {
	tt tag
	i  int64          // integer and boolean payload
	n  float64        // float payload
	p  unsafe.Pointer // light userdata payload
	fn GoFunc         // light native function payload
	o  Object         // collectable payload
}

// Constructors.

func Nil() Value { return Value{} }

func Bool(b bool) Value {
	v := Value{tt: tagBoolean}
	if b {
		v.i = 1
	}
	return v
}

func Int(i int64) Value     { return Value{tt: tagInt, i: i} }
func Float(n float64) Value { return Value{tt: tagFloat, n: n} }

func LightUserData(p unsafe.Pointer) Value { return Value{tt: tagLightUserData, p: p} }
func LightGoFunc(fn GoFunc) Value          { return Value{tt: tagLightGoFunc, fn: fn} }

// mkObject wraps a collectable object, taking the tag from its header.
func mkObject(o Object) Value {
	return Value{tt: o.header().tt, o: o}
}

// ObjectValue wraps a collectable object as a Value.
func ObjectValue(o Object) Value { return mkObject(o) }

// deadKey preserves the identity of a collected key so that in-flight
// traversals can still locate their position. See (*Table).Next.
func deadKey(o Object) Value { return Value{tt: tagDeadKey, o: o} }

// Inspectors.

func (v Value) Type() Type {
	if v.tt == tagDeadKey {
		return TypeNone
	}
	return v.tt.noVariant()
}

func (v Value) IsNil() bool       { return v.tt == tagNil }
func (v Value) IsBoolean() bool   { return v.tt == tagBoolean }
func (v Value) IsInt() bool       { return v.tt == tagInt }
func (v Value) IsFloat() bool     { return v.tt == tagFloat }
func (v Value) IsNumber() bool    { return v.tt.noVariant() == TypeNumber }
func (v Value) IsString() bool    { return v.tt.noVariant() == TypeString }
func (v Value) IsTable() bool     { return v.tt == tagTable }
func (v Value) IsFunction() bool  { return v.tt.noVariant() == TypeFunction }
func (v Value) IsThread() bool    { return v.tt == tagThread }
func (v Value) IsUserData() bool  { return v.tt == tagUserData }
func (v Value) isCollectable() bool { return v.o != nil && v.tt != tagDeadKey }

// IsFalse reports whether v is false under the language's truth rule:
// only nil and false are false.
func (v Value) IsFalse() bool {
	return v.tt == tagNil || (v.tt == tagBoolean && v.i == 0)
}

func (v Value) AsBool() bool    { return v.i != 0 }
func (v Value) AsInt() int64    { return v.i }
func (v Value) AsFloat() float64 { return v.n }
func (v Value) AsGoFunc() GoFunc { return v.fn }
func (v Value) AsPointer() unsafe.Pointer { return v.p }

func (v Value) AsString() *TString {
	return v.o.(*TString)
}

func (v Value) AsTable() *Table {
	return v.o.(*Table)
}

func (v Value) AsThread() *Thread {
	return v.o.(*Thread)
}

func (v Value) AsUserData() *UserData {
	return v.o.(*UserData)
}

// Str returns the byte content of a string value.
func (v Value) Str() string { return v.AsString().str }

// numToInt converts a number value to an integer if the conversion is
// exact; floats with integral values alias their integer counterpart.
func (v Value) numToInt() (int64, bool) {
	switch v.tt {
	case tagInt:
		return v.i, true
	case tagFloat:
		// 2^63 is exactly representable; 2^63-1 is not.
		if v.n >= -9223372036854775808.0 && v.n < 9223372036854775808.0 {
			if i := int64(v.n); float64(i) == v.n {
				return i, true
			}
		}
	}
	return 0, false
}

// rawEqual is primitive equality: no metamethods. Numbers compare across
// the integer/float variants, short strings by identity, long strings by
// content, everything else by object identity.
func rawEqual(a, b Value) bool {
	if a.tt.noVariant() != b.tt.noVariant() {
		return false
	}
	switch a.tt.noVariant() {
	case TypeNil:
		return true
	case TypeBoolean:
		return (a.i != 0) == (b.i != 0)
	case TypeNumber:
		if a.tt == b.tt {
			if a.tt == tagInt {
				return a.i == b.i
			}
			return a.n == b.n
		}
		// mixed int/float: equal only when both convert exactly to the
		// same integer
		ai, aok := a.numToInt()
		bi, bok := b.numToInt()
		if aok && bok {
			return ai == bi
		}
		return false
	case TypeLightUserData:
		return a.p == b.p
	case TypeFunction:
		if a.tt == tagLightGoFunc || b.tt == tagLightGoFunc {
			return a.tt == b.tt && funcPC(a.fn) == funcPC(b.fn)
		}
		return a.o == b.o
	case TypeString:
		if a.tt != b.tt {
			return false
		}
		if a.tt == tagShortStr {
			return a.o == b.o
		}
		return a.AsString().str == b.AsString().str
	default:
		return a.o == b.o
	}
}

// funcPC derives a comparable identity for a light native function: the
// code pointer inside the func value.
func funcPC(fn GoFunc) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
