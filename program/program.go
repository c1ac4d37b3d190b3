// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package program provides the portable interface to a program being
// debugged. The async core consumes the process, debug-info and unwind
// capabilities defined here; it never owns them. The method groups are
// deliberately small so that test doubles stay small.
package program

import (
	"github.com/maetin0324/kokia/arch"
)

// TypeRef identifies a type in the debug information. It doubles as the
// type-hash used for caching and for task identity.
type TypeRef uint64

// Memory reads the debugged process's address space. Implementations
// must never assume the target shares this process's address space.
type Memory interface {
	// ReadMemory fills buf from the target's memory at addr.
	// A read that crosses into an unmapped region returns
	// ErrUnreadableMemory.
	ReadMemory(addr uint64, buf []byte) error
}

// Threads reads per-thread execution state.
type Threads interface {
	// Registers returns a register snapshot for a stopped thread.
	Registers(thread int) (arch.Regs, error)
	// PC returns the current instruction pointer of a stopped thread.
	PC(thread int) (uint64, error)
}

// Breakpoints installs breakpoints and enumerates return sites.
// The async core asks for exit breakpoints once per poll function; the
// backend owns the actual instruction patching.
type Breakpoints interface {
	InstallBreakpoint(addr uint64) error
	// ReturnSites lists the addresses of return instructions within
	// the function body [lo, hi).
	ReturnSites(lo, hi uint64) ([]uint64, error)
}

// Source answers address-level questions from the debug information.
type Source interface {
	// FunctionRange returns the [lo, hi) PC range of the function
	// containing pc.
	FunctionRange(pc uint64) (lo, hi uint64, ok bool)
	// PCToSource maps a PC to a file and line.
	PCToSource(pc uint64) (file string, line int, ok bool)
	// VariablesAt lists the variables in scope at pc, each with the
	// location expression selected for that pc.
	VariablesAt(pc uint64) []Variable
}

// Variable is a debug-info variable visible at some PC.
type Variable struct {
	Name string
	// LocExpr is the DWARF location expression valid at the PC the
	// variable was listed for.
	LocExpr []byte
	Type    TypeRef
}

// Frame is one physical stack frame as reported by the unwinder.
type Frame struct {
	PC        uint64
	FrameBase uint64
	// FirstArg is the frame's saved first-argument register per the
	// ABI. For a generator-poll frame this recovers the TaskId.
	FirstArg uint64
}

// Unwinder enumerates the physical stack of a stopped thread,
// innermost frame first.
type Unwinder interface {
	Frames(thread int) ([]Frame, error)
	// IsGeneratorPoll reports whether pc lies within a generator-poll
	// function. Implementations may answer from a symbol-table scan.
	IsGeneratorPoll(pc uint64) bool
}
