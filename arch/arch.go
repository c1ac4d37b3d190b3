// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions.
package arch

import (
	"encoding/binary"
)

const MaxBreakpointSize = 4

// MaxRegs is the number of DWARF-numbered registers a snapshot carries.
// 0..16 covers the integer registers plus the instruction pointer on
// every ABI kokia documents.
const MaxRegs = 17

// Architecture defines the architecture-specific details for a given machine.
type Architecture struct {
	// BreakpointSize is the size of a breakpoint instruction, in bytes.
	BreakpointSize int
	// IntSize is the size of the int type, in bytes.
	IntSize int
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder       binary.ByteOrder
	BreakpointInstr [MaxBreakpointSize]byte

	// DWARF register numbers for the roles the async core needs.
	PCReg int // instruction pointer
	SPReg int // stack pointer
	FPReg int // frame pointer
	// FirstArgReg holds the first integer argument at function entry.
	// For a generator's poll routine this is the self pointer.
	FirstArgReg int
	// RetReg holds the (register-sized) return value at function exit.
	RetReg int
}

// Regs is a register snapshot indexed by DWARF register number.
type Regs [MaxRegs]uint64

// Get returns the value of DWARF register n, or 0 if n is out of range.
func (r *Regs) Get(n int) uint64 {
	if n < 0 || n >= MaxRegs {
		return 0
	}
	return r[n]
}

// PC returns the instruction pointer from the snapshot.
func (r *Regs) PC(a *Architecture) uint64 { return r.Get(a.PCReg) }

// SP returns the stack pointer from the snapshot.
func (r *Regs) SP(a *Architecture) uint64 { return r.Get(a.SPReg) }

// FirstArg returns the first-argument register from the snapshot.
func (r *Regs) FirstArg(a *Architecture) uint64 { return r.Get(a.FirstArgReg) }

func (a *Architecture) Int(buf []byte) int64 {
	return int64(a.Uint(buf))
}

func (a *Architecture) Uint(buf []byte) uint64 {
	if len(buf) != a.IntSize {
		panic("bad IntSize")
	}
	switch a.IntSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no IntSize")
}

func (a *Architecture) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no PointerSize")
}

// UintN decodes an unsigned integer of 1, 2, 4 or 8 bytes.
func (a *Architecture) UintN(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(a.ByteOrder.Uint16(buf))
	case 4:
		return uint64(a.ByteOrder.Uint32(buf))
	case 8:
		return a.ByteOrder.Uint64(buf)
	}
	panic("bad UintN size")
}

// IntN decodes a signed integer of 1, 2, 4 or 8 bytes, sign-extending.
func (a *Architecture) IntN(buf []byte) int64 {
	switch len(buf) {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(a.ByteOrder.Uint16(buf)))
	case 4:
		return int64(int32(a.ByteOrder.Uint32(buf)))
	case 8:
		return int64(a.ByteOrder.Uint64(buf))
	}
	panic("bad IntN size")
}

// AMD64 describes the System V x86-64 ABI. DWARF register numbering:
// 0=RAX 1=RDX 2=RCX 3=RBX 4=RSI 5=RDI 6=RBP 7=RSP 8-15=R8-R15 16=RIP.
var AMD64 = Architecture{
	BreakpointSize:  1,
	IntSize:         8,
	PointerSize:     8,
	ByteOrder:       binary.LittleEndian,
	BreakpointInstr: [MaxBreakpointSize]byte{0xCC}, // INT 3
	PCReg:           16,
	SPReg:           7,
	FPReg:           6,
	FirstArgReg:     5, // RDI
	RetReg:          0, // RAX
}
