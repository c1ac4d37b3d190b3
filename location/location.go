// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package location evaluates DWARF location expressions against a live
// register and memory view, yielding the concrete storage of a
// variable: a register, a memory address, a composite of pieces, or
// the empty location when the variable is optimized out.
package location

// Kind discriminates the five evaluation outcomes.
type Kind int

const (
	// Empty means the variable has no storage at this PC (optimized
	// out). The evaluator never fabricates a value for it.
	Empty Kind = iota
	// Register means the value lives in a DWARF-numbered register.
	Register
	// Address means the value lives in target memory.
	Address
	// Pieces means the value is distributed over several locations.
	Pieces
	// Value means the expression computed the value itself
	// (DW_OP_stack_value); Bytes holds it.
	Value
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Register:
		return "register"
	case Address:
		return "address"
	case Pieces:
		return "pieces"
	case Value:
		return "value"
	}
	return "unknown"
}

// Location is the result of evaluating a location expression.
type Location struct {
	Kind Kind
	// Reg is the DWARF register number when Kind is Register.
	Reg int
	// Addr and Size describe target memory when Kind is Address.
	Addr uint64
	Size uint64
	// Bytes holds a literal value when Kind is Value.
	Bytes []byte
	// List holds the composition when Kind is Pieces.
	List []Piece
}

// PieceKind discriminates the storage of one piece.
type PieceKind int

const (
	PieceInReg PieceKind = iota
	PieceInMem
	PieceLiteral
	// PieceEmpty marks a piece with no storage; its bytes read as
	// optimized out.
	PieceEmpty
)

// Piece is one fragment of a composite variable.
type Piece struct {
	Kind PieceKind
	// SizeBits is the width of the piece.
	SizeBits uint64
	Reg      int
	Addr     uint64
	Bytes    []byte
}
