// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/Ranper/lunar/core"
)

// replCommand is an interactive shell over one live state: set and get
// table fields, make garbage, step the collector, and watch the lists.
func replCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "interactive shell driving mutator operations",
		Run: func(cmd *cobra.Command, args []string) {
			L := buildState(cmd)
			defer L.Close()
			runREPL(L)
		},
	}
}

const replHelp = `commands:
  set <key> <value>   store in the scratch table (int or string operands)
  get <key>           read back from the scratch table
  del <key>           store nil
  len                 report the scratch table boundary
  garbage <n>         allocate n unreachable tables
  step                advance the collector one step
  full                run a full collection cycle
  stats               byte counters and GC phase
  dump <key>          spew the value stored under key
  quit`

func runREPL(L *core.Thread) {
	rl, err := readline.New("lunar> ")
	if err != nil {
		exitf("readline: %v\n", err)
	}
	defer rl.Close()

	g := L.Global()
	scratch := L.NewTable()
	L.Push(core.ObjectValue(scratch))
	fmt.Println(replHelp)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return
		}
		if err != nil {
			exitf("readline: %v\n", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			fmt.Println(replHelp)
		case "set":
			if len(fields) != 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			scratch.Set(L, replValue(L, fields[1]), replValue(L, fields[2]))
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			printValue(scratch.Get(replValue(L, fields[1])))
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			scratch.Set(L, replValue(L, fields[1]), core.Nil())
		case "len":
			fmt.Println(scratch.Len())
		case "garbage":
			n := 100
			if len(fields) == 2 {
				n, _ = strconv.Atoi(fields[1])
			}
			for i := 0; i < n; i++ {
				junk := L.NewTable()
				junk.SetInt(L, 1, core.Int(int64(i)))
			}
			fmt.Printf("made %d unreachable tables\n", n)
		case "step":
			g.Step(L)
			fmt.Printf("phase %s, debt %d\n", g.GCState(), g.GCDebt())
		case "full":
			g.FullGC(L, false)
			fmt.Printf("%d bytes live\n", g.TotalBytes())
		case "stats":
			fmt.Printf("total %d bytes, debt %d, estimate %d, phase %s\n",
				g.TotalBytes(), g.GCDebt(), g.GCEstimate(), g.GCState())
		case "dump":
			if len(fields) != 2 {
				fmt.Println("usage: dump <key>")
				continue
			}
			spew.Dump(scratch.Get(replValue(L, fields[1])))
		default:
			fmt.Printf("unknown command %q (try help)\n", fields[0])
		}
	}
}

// replValue reads an operand: an integer if it parses, a string
// otherwise.
func replValue(L *core.Thread, s string) core.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return core.Int(n)
	}
	return core.ObjectValue(L.NewString(s))
}

func printValue(v core.Value) {
	switch {
	case v.IsNil():
		fmt.Println("nil")
	case v.IsInt():
		fmt.Println(v.AsInt())
	case v.IsFloat():
		fmt.Println(v.AsFloat())
	case v.IsString():
		fmt.Printf("%q\n", v.Str())
	default:
		fmt.Printf("%s value\n", v.Type())
	}
}
