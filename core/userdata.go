// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// A UserData is a collectable cell owned by the embedder: an opaque Go
// payload, one embedded user value, and a metatable slot, which is what
// gives finalizers and weak-table semantics a non-table object to act on.
type UserData struct {
	gcHeader
	metatable *Table
	user      Value
	data      any
}

// NewUserData allocates a userdata holding the embedder's payload.
func (L *Thread) NewUserData(data any) *UserData {
	L.checkGC()
	u := &UserData{data: data}
	L.g.newObject(L, &u.gcHeader, tagUserData, u)
	return u
}

// Data returns the embedder's payload.
func (u *UserData) Data() any { return u.data }

// UserValue returns the embedded user value.
func (u *UserData) UserValue() Value { return u.user }

// SetUserValue stores the embedded user value.
func (L *Thread) SetUserValue(u *UserData, v Value) {
	u.user = v
	L.g.objBarrierValue(L, u, v)
}

// Metatable returns the userdata's own metatable.
func (u *UserData) Metatable() *Table { return u.metatable }
