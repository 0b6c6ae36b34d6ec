// Copyright 2023 The Lunar Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The lunarview tool explores a live lunar runtime heap: object
// histograms, GC phase and counters, and an interactive shell that
// drives mutator operations while the collector works incrementally.
// Run "lunarview help" for a list of commands.
package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ranper/lunar/core"
)

func main() {
	root := &cobra.Command{
		Use:   "lunarview",
		Short: "explore a live lunar runtime heap",
		Long: `lunarview builds a lunar state, seeds it with a demo workload, and
lets you inspect the heap the collector manages: object histograms,
GC lists, byte counters, and an interactive shell.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Int("pause", 0, "GC pause percent (0 = default)")
	root.PersistentFlags().Int("stepmul", 0, "GC step multiplier (0 = default)")
	root.PersistentFlags().Int("seed-objects", 2000, "objects in the demo workload")

	root.AddCommand(
		&cobra.Command{
			Use:   "overview",
			Short: "print a few overall statistics",
			Run:   runOverview,
		},
		&cobra.Command{
			Use:   "histogram",
			Short: "print a histogram of heap objects by kind",
			Run:   runHistogram,
		},
		&cobra.Command{
			Use:   "objects",
			Short: "list heap objects with list, color and size",
			Run:   runObjects,
		},
		&cobra.Command{
			Use:   "gc",
			Short: "drive the collector through one full cycle, reporting phases",
			Run:   runGC,
		},
		replCommand(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// buildState makes the state every subcommand inspects and seeds it with
// a workload that exercises tables, strings, closures and coroutines.
func buildState(cmd *cobra.Command) *core.Thread {
	pause, _ := cmd.Flags().GetInt("pause")
	stepmul, _ := cmd.Flags().GetInt("stepmul")
	n, _ := cmd.Flags().GetInt("seed-objects")
	L, err := core.NewState(core.Config{GCPause: pause, GCStepMul: stepmul})
	if err != nil {
		exitf("cannot build state: %v\n", err)
	}
	seedWorkload(L, n)
	return L
}

func seedWorkload(L *core.Thread, n int) {
	root := L.NewTable()
	L.Push(mkTable(root))
	for i := 0; i < n; i++ {
		switch i % 4 {
		case 0:
			root.SetInt(L, int64(i)+1, core.Int(int64(i)))
		case 1:
			key := L.NewString(fmt.Sprintf("name-%d", i))
			root.Set(L, mkString(key), core.Int(int64(i)))
		case 2:
			inner := L.NewTable()
			inner.SetInt(L, 1, core.Int(int64(i)))
			root.SetInt(L, int64(i)+1, mkTable(inner))
		case 3:
			c := L.NewGoClosure(func(L *core.Thread) int { return 0 }, 1)
			*c.Upval(1) = core.Int(int64(i))
			root.SetInt(L, int64(i)+1, mkClosure(c))
		}
	}
	// a suspended coroutine keeps a stack and an open upvalue alive
	co := L.NewThread()
	L.Push(mkThread(co))
	co.Push(core.LightGoFunc(func(co *core.Thread) int {
		co.Push(core.Int(1))
		co.FindUpval(0)
		return co.Yield(1, 0, func(co *core.Thread, st core.Status, ctx int64) int {
			return 0
		})
	}))
	co.Resume(L, 0)
}

func runOverview(cmd *cobra.Command, args []string) {
	L := buildState(cmd)
	defer L.Close()
	g := L.Global()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "total bytes\t%d\n", g.TotalBytes())
	fmt.Fprintf(w, "gc debt\t%d\n", g.GCDebt())
	fmt.Fprintf(w, "gc estimate\t%d\n", g.GCEstimate())
	fmt.Fprintf(w, "gc phase\t%s\n", g.GCState())
	nuse, size := g.StringTableStats()
	fmt.Fprintf(w, "interned strings\t%d in %d buckets\n", nuse, size)
	objects := 0
	g.ForEachObject(func(o core.Object, _ string) bool {
		objects++
		return true
	})
	fmt.Fprintf(w, "heap objects\t%d\n", objects)
	printRusage(w)
	w.Flush()
}

func runHistogram(cmd *cobra.Command, args []string) {
	L := buildState(cmd)
	defer L.Close()
	g := L.Global()
	type bucket struct {
		kind  string
		count int
		bytes int64
	}
	buckets := map[string]*bucket{}
	g.ForEachObject(func(o core.Object, _ string) bool {
		b := buckets[core.KindName(o)]
		if b == nil {
			b = &bucket{kind: core.KindName(o)}
			buckets[core.KindName(o)] = b
		}
		b.count++
		b.bytes += int64(core.SizeOf(o))
		return true
	})
	var all []*bucket
	for _, b := range buckets {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].bytes > all[j].bytes })
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "%s\t%s\t%s\t\n", "count", "bytes", "kind")
	for _, b := range all {
		fmt.Fprintf(w, "%d\t%d\t%s\t\n", b.count, b.bytes, b.kind)
	}
	w.Flush()
}

func runObjects(cmd *cobra.Command, args []string) {
	L := buildState(cmd)
	defer L.Close()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "list\tkind\tcolor\tbytes\n")
	L.Global().ForEachObject(func(o core.Object, list string) bool {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", list, core.KindName(o), core.ColorOf(o), core.SizeOf(o))
		return true
	})
	w.Flush()
}

func runGC(cmd *cobra.Command, args []string) {
	L := buildState(cmd)
	defer L.Close()
	g := L.Global()
	fmt.Printf("start: %s, %d bytes\n", g.GCState(), g.TotalBytes())
	last := g.GCState()
	steps := 0
	g.Step(L) // leave the pause
	for g.GCState() != "pause" {
		if s := g.GCState(); s != last {
			fmt.Printf("  %4d steps -> %s\n", steps, s)
			last = s
		}
		g.Step(L)
		steps++
	}
	fmt.Printf("cycle done in %d steps: %d bytes live (estimate %d)\n",
		steps, g.TotalBytes(), g.GCEstimate())
}

// Constructors around core values so the seed code reads naturally.

func mkTable(t *core.Table) core.Value     { return core.ObjectValue(t) }
func mkString(s *core.TString) core.Value  { return core.ObjectValue(s) }
func mkClosure(c *core.GoClosure) core.Value { return core.ObjectValue(c) }
func mkThread(t *core.Thread) core.Value   { return core.ObjectValue(t) }
