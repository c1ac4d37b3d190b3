// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/internal/logutil"
	"github.com/maetin0324/kokia/internal/target"
	kokiaprom "github.com/maetin0324/kokia/observability/prometheus"
	"github.com/maetin0324/kokia/track"
)

func runAttach(pid int, pollSpecs []string, byScope bool, metricAddr string) error {
	polls, err := parsePollSpecs(pollSpecs)
	if err != nil {
		return err
	}
	proc, err := target.Attach(pid)
	if err != nil {
		return err
	}
	defer proc.Detach()

	opts := track.Options{Logger: logutil.NewDefaultLogger()}
	if byScope {
		opts.ParentInference = track.ParentByScope
	}
	session := track.NewSession(opts, track.Collaborators{
		Memory:      proc,
		Threads:     proc,
		Breakpoints: proc,
		Source:      polls,
		Generators:  polls,
	})

	// Entry breakpoints on every registered poll function; exit
	// breakpoints follow from the first entry event.
	for _, f := range polls.funcs {
		if err := proc.InstallBreakpoint(f.lo); err != nil {
			return fmt.Errorf("poll entry breakpoint %s: %w", f.name, err)
		}
	}

	if metricAddr != "" {
		reg := prom.NewRegistry()
		reg.MustRegister(kokiaprom.NewMetricsExporter(session, kokiaprom.ExporterOptions{}))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricAddr, mux); err != nil {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
	}

	fmt.Printf("attached to pid %d, tracking %d poll function(s)\n", pid, len(polls.funcs))
	return repl(session, proc, polls)
}

func repl(session *track.Session, proc *target.Process, polls *pollTable) error {
	rl, err := readline.New("(kokia) ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "q", "exit":
			return nil
		case "help", "h":
			printHelp()
		case "tasks":
			printTasks(session)
		case "edges":
			printEdges(session)
		case "bt":
			thread := 0
			if len(fields) > 1 {
				thread, _ = strconv.Atoi(fields[1])
			}
			for i, id := range session.LogicalBacktrace(thread) {
				fmt.Printf("#%d task %#x\n", i, uint64(id))
			}
		case "locals":
			thread := 0
			if len(fields) > 1 {
				thread, _ = strconv.Atoi(fields[1])
			}
			printLocals(session, thread)
		case "where", "w":
			if len(fields) < 2 {
				fmt.Println("usage: where <task-addr>")
				continue
			}
			printWhere(session, fields[1])
		case "cont", "c":
			exited, err := resumeTracking(session, proc, polls)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if exited {
				return nil
			}
		default:
			fmt.Printf("unknown command %q; try help\n", fields[0])
		}
	}
}

// resumeTracking resumes the target and services poll breakpoints
// transparently: entry and exit stops feed the session and execution
// continues, while any other stop is surfaced to the user. Returns
// true when the target exited.
func resumeTracking(session *track.Session, proc *target.Process, polls *pollTable) (bool, error) {
	for {
		stop, err := proc.Resume()
		if err != nil {
			return false, err
		}
		switch stop.Reason {
		case target.StopExited:
			fmt.Println("target exited")
			return true, nil
		case target.StopBreakpoint:
			regs, err := proc.Registers(stop.Thread)
			if err != nil {
				return false, err
			}
			_, _, inPoll := polls.FunctionRange(stop.PC)
			switch {
			case polls.isEntry(stop.PC):
				session.OnPollEntry(stop.Thread, stop.PC, regs)
			case inPoll:
				// A return site inside a poll function: the poll
				// result is in the return register.
				var ret [8]byte
				binary.LittleEndian.PutUint64(ret[:], regs.Get(arch.AMD64.RetReg))
				session.OnPollExit(stop.Thread, stop.PC, regs, 0, ret[:])
			default:
				// Not ours; hand the stop to the user.
				session.OnThreadStop(stop.Thread)
				fmt.Printf("stopped: breakpoint at %#x\n", stop.PC)
				return false, nil
			}
			if err := proc.StepOver(stop.PC); err != nil {
				return false, err
			}
		default:
			session.OnThreadStop(stop.Thread)
			fmt.Printf("stopped: %s at %#x\n", stop.Reason, stop.PC)
			return false, nil
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  tasks             list observed tasks
  edges             list await edges
  bt [thread]       logical backtrace, innermost first
  locals [thread]   variables at the current stop
  where <task-addr> source position of a task's last entry
  cont              resume until the next non-poll stop
  quit
`)
}

func printTasks(session *track.Session) {
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(t, "task\ttype\tstate\troot\tsuspend")
	for _, task := range session.Tasks() {
		state := "active"
		if task.Completed {
			state = "completed"
		}
		suspend := "-"
		if task.Discriminant != nil {
			suspend = strconv.FormatUint(*task.Discriminant, 10)
		}
		fmt.Fprintf(t, "%#x\t%s\t%s\t%t\t%s\n",
			uint64(task.Key.ID), task.TypeName, state, task.Root, suspend)
	}
	t.Flush()
}

func printEdges(session *track.Session) {
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(t, "parent\tchild\tcallsite\tcompleted")
	for _, e := range session.Edges(track.EdgeFilter{}) {
		site := fmt.Sprintf("%#x", uint64(e.Callsite))
		if c, ok := session.Callsite(e.Callsite); ok && c.File != "" {
			site = fmt.Sprintf("%s:%d", c.File, c.Line)
		}
		fmt.Fprintf(t, "%#x\t%#x\t%s\t%t\n",
			uint64(e.Parent.ID), uint64(e.Child.ID), site, e.Completed)
	}
	t.Flush()
}

func printWhere(session *track.Session, arg string) {
	addr, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		fmt.Printf("bad task address %q\n", arg)
		return
	}
	// The latest record at an address is its current lifetime.
	var key track.TaskKey
	found := false
	for _, task := range session.Tasks() {
		if uint64(task.Key.ID) == addr {
			key = task.Key
			found = true
		}
	}
	if !found {
		fmt.Printf("no task at %#x\n", addr)
		return
	}
	file, line, suspend, ok := session.Where(key)
	if !ok {
		fmt.Printf("no task at %#x\n", addr)
		return
	}
	pos := "source position unknown"
	if file != "" {
		pos = fmt.Sprintf("%s:%d", file, line)
	}
	if suspend != nil {
		fmt.Printf("task %#x at %s, suspend point %d\n", addr, pos, *suspend)
	} else {
		fmt.Printf("task %#x at %s\n", addr, pos)
	}
}

func printLocals(session *track.Session, thread int) {
	locals, err := session.LocalsHere(thread)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if len(locals) == 0 {
		fmt.Println("no variables")
		return
	}
	for _, l := range locals {
		name := l.Name
		if l.RawName != "" {
			name = fmt.Sprintf("%s (%s)", l.Name, l.RawName)
		}
		fmt.Printf("  %s = %s\n", name, l.Value)
	}
}
