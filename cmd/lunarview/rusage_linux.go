// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// printRusage adds process-level memory numbers next to the state's own
// ledger, so the two can be eyeballed against each other.
func printRusage(w io.Writer) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return
	}
	fmt.Fprintf(w, "process max rss\t%d kB\n", ru.Maxrss)
}
