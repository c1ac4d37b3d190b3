// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package location

import (
	"errors"
	"fmt"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/program"
)

// DWARF expression opcodes, figure 24 of DWARF v4.
const (
	opAddr         = 0x03
	opDeref        = 0x06
	opConst1u      = 0x08
	opConst1s      = 0x09
	opConst2u      = 0x0a
	opConst2s      = 0x0b
	opConst4u      = 0x0c
	opConst4s      = 0x0d
	opConst8u      = 0x0e
	opConst8s      = 0x0f
	opConstu       = 0x10
	opConsts       = 0x11
	opDup          = 0x12
	opDrop         = 0x13
	opSwap         = 0x16
	opMinus        = 0x1c
	opPlus         = 0x22
	opPlusUconst   = 0x23
	opLit0         = 0x30
	opLit31        = 0x4f
	opReg0         = 0x50
	opReg31        = 0x6f
	opBreg0        = 0x70
	opBreg31       = 0x8f
	opRegx         = 0x90
	opFbreg        = 0x91
	opBregx        = 0x92
	opPiece        = 0x93
	opBitPiece     = 0x9d
	opCallFrameCFA = 0x9c
	opStackValue   = 0x9f
)

// Context supplies the machine state an expression evaluates against.
// The program counter is carried because location lists vary by
// instruction range; the expression handed in must already be the one
// selected for PC.
type Context struct {
	PC        uint64
	Regs      *arch.Regs
	FrameBase uint64
	Memory    program.Memory
	Arch      *arch.Architecture
}

// Eval interprets a DWARF location expression. size is the byte size
// of the variable the expression locates; it sizes the resulting
// memory location. An empty expression yields the Empty location.
//
// Unsupported opcodes are reported via program.ErrUnsupportedOpcode;
// the caller degrades the variable, never the command.
func Eval(expr []byte, size uint64, ctx *Context) (Location, error) {
	if len(expr) == 0 {
		return Location{Kind: Empty}, nil
	}
	e := evaluator{expr: expr, size: size, ctx: ctx}
	return e.run()
}

type evaluator struct {
	expr  []byte
	pos   int
	size  uint64
	ctx   *Context
	stack []uint64

	// set when the top of stack is a register name rather than an
	// address (DW_OP_regN); only valid as the whole result or as a
	// piece.
	topIsReg bool
	reg      int

	stackValue bool
	pieces     []Piece
}

func (e *evaluator) run() (Location, error) {
	for e.pos < len(e.expr) {
		op := e.expr[e.pos]
		e.pos++
		if err := e.step(op); err != nil {
			return Location{Kind: Empty}, err
		}
	}
	return e.result()
}

func (e *evaluator) step(op byte) error {
	switch {
	case op >= opLit0 && op <= opLit31:
		e.push(uint64(op - opLit0))
	case op >= opReg0 && op <= opReg31:
		e.topIsReg = true
		e.reg = int(op - opReg0)
	case op >= opBreg0 && op <= opBreg31:
		off, err := e.sleb()
		if err != nil {
			return err
		}
		e.push(e.ctx.Regs.Get(int(op-opBreg0)) + uint64(off))
	default:
		return e.stepNamed(op)
	}
	return nil
}

func (e *evaluator) stepNamed(op byte) error {
	switch op {
	case opAddr:
		n := e.ctx.Arch.PointerSize
		b, err := e.take(n)
		if err != nil {
			return err
		}
		e.push(e.ctx.Arch.Uintptr(b))
	case opFbreg:
		off, err := e.sleb()
		if err != nil {
			return err
		}
		e.push(e.ctx.FrameBase + uint64(off))
	case opCallFrameCFA:
		e.push(e.ctx.FrameBase)
	case opBregx:
		reg, err := e.uleb()
		if err != nil {
			return err
		}
		off, err := e.sleb()
		if err != nil {
			return err
		}
		e.push(e.ctx.Regs.Get(int(reg)) + uint64(off))
	case opRegx:
		reg, err := e.uleb()
		if err != nil {
			return err
		}
		e.topIsReg = true
		e.reg = int(reg)
	case opConst1u, opConst2u, opConst4u, opConst8u:
		n := 1 << ((op - opConst1u) / 2)
		b, err := e.take(n)
		if err != nil {
			return err
		}
		e.push(e.ctx.Arch.UintN(b))
	case opConst1s, opConst2s, opConst4s, opConst8s:
		n := 1 << ((op - opConst1s) / 2)
		b, err := e.take(n)
		if err != nil {
			return err
		}
		e.push(uint64(e.ctx.Arch.IntN(b)))
	case opConstu:
		v, err := e.uleb()
		if err != nil {
			return err
		}
		e.push(v)
	case opConsts:
		v, err := e.sleb()
		if err != nil {
			return err
		}
		e.push(uint64(v))
	case opDup:
		v, err := e.top()
		if err != nil {
			return err
		}
		e.push(v)
	case opDrop:
		_, err := e.pop()
		return err
	case opSwap:
		if len(e.stack) < 2 {
			return errors.New("location stack underflow")
		}
		n := len(e.stack)
		e.stack[n-1], e.stack[n-2] = e.stack[n-2], e.stack[n-1]
	case opPlus:
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a + b)
	case opMinus:
		b, err := e.pop()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a - b)
	case opPlusUconst:
		c, err := e.uleb()
		if err != nil {
			return err
		}
		a, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a + c)
	case opDeref:
		a, err := e.pop()
		if err != nil {
			return err
		}
		buf := make([]byte, e.ctx.Arch.PointerSize)
		if err := e.ctx.Memory.ReadMemory(a, buf); err != nil {
			return fmt.Errorf("deref at %#x: %w", a, err)
		}
		e.push(e.ctx.Arch.Uintptr(buf))
	case opStackValue:
		e.stackValue = true
	case opPiece:
		n, err := e.uleb()
		if err != nil {
			return err
		}
		e.endPiece(n * 8)
	case opBitPiece:
		n, err := e.uleb()
		if err != nil {
			return err
		}
		if _, err := e.uleb(); err != nil { // bit offset, unused
			return err
		}
		e.endPiece(n)
	default:
		return fmt.Errorf("opcode %#x: %w", op, program.ErrUnsupportedOpcode)
	}
	return nil
}

// endPiece closes the current simple location as one piece of a
// composite and resets the machine for the next piece.
func (e *evaluator) endPiece(sizeBits uint64) {
	p := Piece{Kind: PieceEmpty, SizeBits: sizeBits}
	switch {
	case e.topIsReg:
		p.Kind = PieceInReg
		p.Reg = e.reg
	case e.stackValue && len(e.stack) > 0:
		v, _ := e.pop()
		b := make([]byte, 8)
		e.ctx.Arch.ByteOrder.PutUint64(b, v)
		n := (sizeBits + 7) / 8
		if n > 8 {
			n = 8
		}
		p.Kind = PieceLiteral
		p.Bytes = b[:n]
	case len(e.stack) > 0:
		v, _ := e.pop()
		p.Kind = PieceInMem
		p.Addr = v
	}
	e.pieces = append(e.pieces, p)
	e.stack = e.stack[:0]
	e.topIsReg = false
	e.stackValue = false
}

func (e *evaluator) result() (Location, error) {
	if len(e.pieces) > 0 {
		return Location{Kind: Pieces, List: e.pieces}, nil
	}
	if e.topIsReg {
		return Location{Kind: Register, Reg: e.reg}, nil
	}
	if len(e.stack) == 0 {
		return Location{Kind: Empty}, nil
	}
	v, _ := e.pop()
	if e.stackValue {
		b := make([]byte, 8)
		e.ctx.Arch.ByteOrder.PutUint64(b, v)
		n := e.size
		if n == 0 || n > 8 {
			n = 8
		}
		return Location{Kind: Value, Bytes: b[:n]}, nil
	}
	return Location{Kind: Address, Addr: v, Size: e.size}, nil
}

func (e *evaluator) push(v uint64) { e.stack = append(e.stack, v) }

func (e *evaluator) pop() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, errors.New("location stack underflow")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *evaluator) top() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, errors.New("location stack underflow")
	}
	return e.stack[len(e.stack)-1], nil
}

func (e *evaluator) take(n int) ([]byte, error) {
	if e.pos+n > len(e.expr) {
		return nil, errors.New("truncated location expression")
	}
	b := e.expr[e.pos : e.pos+n]
	e.pos += n
	return b, nil
}

func (e *evaluator) uleb() (uint64, error) {
	var u uint64
	var shift uint
	for e.pos < len(e.expr) {
		x := e.expr[e.pos]
		e.pos++
		u |= (uint64(x) & 0x7F) << shift
		shift += 7
		if x&0x80 == 0 {
			return u, nil
		}
	}
	return 0, errors.New("truncated uleb128")
}

func (e *evaluator) sleb() (int64, error) {
	var s int64
	var shift uint
	for e.pos < len(e.expr) {
		x := e.expr[e.pos]
		e.pos++
		s |= (int64(x) & 0x7F) << shift
		shift += 7
		if x&0x80 == 0 {
			if shift < 64 && x&0x40 != 0 {
				s |= -1 << shift
			}
			return s, nil
		}
	}
	return 0, errors.New("truncated sleb128")
}
