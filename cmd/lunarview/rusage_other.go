// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import "io"

func printRusage(w io.Writer) {}
