// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package value

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/location"
	"github.com/maetin0324/kokia/program"
)

// Limits caps a single decode command.
type Limits struct {
	// MaxDepth bounds recursion into nested values.
	MaxDepth int
	// MaxElems bounds elements rendered per sequence.
	MaxElems int
	// MaxPerRead bounds one memory read.
	MaxPerRead int
	// MaxTotal bounds total bytes read per command.
	MaxTotal int
}

// DefaultLimits are the caps applied when the caller passes none.
var DefaultLimits = Limits{
	MaxDepth:   3,
	MaxElems:   16,
	MaxPerRead: 4096,
	MaxTotal:   1 << 20,
}

func (l Limits) orDefault() Limits {
	if l.MaxDepth == 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	if l.MaxElems == 0 {
		l.MaxElems = DefaultLimits.MaxElems
	}
	if l.MaxPerRead == 0 {
		l.MaxPerRead = DefaultLimits.MaxPerRead
	}
	if l.MaxTotal == 0 {
		l.MaxTotal = DefaultLimits.MaxTotal
	}
	return l
}

type visitKey struct {
	addr uint64
	ref  program.TypeRef
}

// A Decoder pretty-prints values in the target address space. It can
// be reused between commands to avoid allocations; it is not safe for
// concurrent use.
type Decoder struct {
	mem    program.Memory
	arch   *arch.Architecture
	sym    Symbolizer // may be nil
	limits Limits

	err     error // sticky first error
	buf     bytes.Buffer
	tmp     []byte
	total   int
	spent   bool
	visited map[visitKey]bool
}

// NewDecoder returns a decoder reading through mem with the given
// caps. sym may be nil; pointers then render without names.
func NewDecoder(a *arch.Architecture, mem program.Memory, sym Symbolizer, limits Limits) *Decoder {
	return &Decoder{
		mem:     mem,
		arch:    a,
		sym:     sym,
		limits:  limits.orDefault(),
		visited: make(map[visitKey]bool),
		tmp:     make([]byte, 0, 256),
	}
}

// Err returns the sticky error of the last command, if any.
func (d *Decoder) Err() error { return d.err }

// reset must be called before each decode command.
func (d *Decoder) reset() {
	d.err = nil
	d.buf.Reset()
	d.total = 0
	d.spent = false
	for k := range d.visited {
		delete(d.visited, k)
	}
}

// Decode renders the value of type t stored at loc. regs supplies
// register contents for register and piece locations; it may be nil
// when loc is a plain address.
func (d *Decoder) Decode(t *Type, loc location.Location, regs *arch.Regs) string {
	d.reset()
	d.decodeLocation(t, loc, regs, 0)
	return d.buf.String()
}

// DecodeAt renders the value of type t at a known memory address.
func (d *Decoder) DecodeAt(t *Type, addr uint64) string {
	d.reset()
	d.valueAt(t, addr, 0)
	return d.buf.String()
}

func (d *Decoder) printf(format string, args ...interface{}) {
	fmt.Fprintf(&d.buf, format, args...)
}

// errorf prints the marker to the output, then sets the sticky error
// if not already set.
func (d *Decoder) errorf(format string, args ...interface{}) {
	fmt.Fprintf(&d.buf, "<"+format+">", args...)
	if d.err != nil {
		return
	}
	d.err = fmt.Errorf(format, args...)
}

func (d *Decoder) decodeLocation(t *Type, loc location.Location, regs *arch.Regs, depth int) {
	switch loc.Kind {
	case location.Empty:
		d.printf("<optimized out>")
		if d.err == nil {
			d.err = program.ErrOptimizedOut
		}
	case location.Address:
		d.valueAt(t, loc.Addr, depth)
	case location.Register:
		if regs == nil {
			d.errorf("register %d unavailable", loc.Reg)
			return
		}
		d.fromBytes(t, d.regBytes(regs, loc.Reg, t.Size))
	case location.Value:
		d.fromBytes(t, loc.Bytes)
	case location.Pieces:
		d.fromBytes(t, d.assemble(loc.List, regs))
	}
}

// regBytes returns the low size bytes of a register value.
func (d *Decoder) regBytes(regs *arch.Regs, reg int, size uint64) []byte {
	b := make([]byte, 8)
	d.arch.ByteOrder.PutUint64(b, regs.Get(reg))
	if size == 0 || size > 8 {
		size = 8
	}
	return b[:size]
}

// assemble concatenates the bytes of a composite location. A piece
// with no storage yields zero bytes and marks the result partial by
// setting the sticky error to program.ErrOptimizedOut.
func (d *Decoder) assemble(pieces []location.Piece, regs *arch.Regs) []byte {
	var out []byte
	for _, p := range pieces {
		n := int((p.SizeBits + 7) / 8)
		switch p.Kind {
		case location.PieceInReg:
			if regs == nil {
				out = append(out, make([]byte, n)...)
				continue
			}
			b := d.regBytes(regs, p.Reg, uint64(n))
			out = append(out, b...)
		case location.PieceInMem:
			buf := make([]byte, n)
			if !d.peek(p.Addr, buf) {
				return nil
			}
			out = append(out, buf...)
		case location.PieceLiteral:
			out = append(out, p.Bytes...)
		case location.PieceEmpty:
			out = append(out, make([]byte, n)...)
			if d.err == nil {
				d.err = program.ErrOptimizedOut
			}
		}
	}
	return out
}

// fromBytes decodes scalar-shaped values from an assembled byte image.
// Composite kinds that need target addresses fall back to a summary.
func (d *Decoder) fromBytes(t *Type, b []byte) {
	if b == nil {
		d.errorf("invalid-address")
		return
	}
	if t.Size > 0 && uint64(len(b)) > t.Size {
		b = b[:t.Size]
	}
	switch t.Kind {
	case KindBool:
		if len(b) < 1 {
			d.errorf("short value")
			return
		}
		d.printf("%t", b[0] != 0)
	case KindInt:
		d.printf("%d", d.arch.IntN(padTo(b, intWidth(len(b)))))
	case KindUint:
		d.printf("%d", d.arch.UintN(padTo(b, intWidth(len(b)))))
	case KindChar:
		d.printChar(d.arch.UintN(padTo(b, intWidth(len(b)))))
	case KindFloat:
		d.printFloat(b)
	case KindPointer, KindRc, KindTraitObject:
		if len(b) < d.arch.PointerSize {
			d.errorf("short value")
			return
		}
		d.printPointer(d.arch.Uintptr(b[:d.arch.PointerSize]))
	default:
		// A composite spread over registers cannot be walked further
		// without addresses; show its raw image.
		d.printf("%s(raw %x)", t.Name, b)
	}
}

// peek reads len(buf) bytes at addr, honoring the per-read and total
// byte budgets. Budget exhaustion is recorded once.
func (d *Decoder) peek(addr uint64, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	if d.total+len(buf) > d.limits.MaxTotal {
		d.spent = true
		if d.err == nil {
			d.err = program.ErrBudgetExceeded
		}
		return false
	}
	if err := d.mem.ReadMemory(addr, buf); err != nil {
		return false
	}
	d.total += len(buf)
	return true
}

func (d *Decoder) peekN(addr uint64, n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	if n > d.limits.MaxPerRead {
		n = d.limits.MaxPerRead
	}
	if cap(d.tmp) < n {
		d.tmp = make([]byte, n)
	}
	d.tmp = d.tmp[:n]
	if !d.peek(addr, d.tmp) {
		return nil, false
	}
	return d.tmp, true
}

func (d *Decoder) peekPtr(addr uint64) (uint64, bool) {
	b, ok := d.peekN(addr, d.arch.PointerSize)
	if !ok {
		return 0, false
	}
	return d.arch.Uintptr(b), true
}

func (d *Decoder) peekUint(addr uint64, size uint64) (uint64, bool) {
	if size == 0 || size > 8 {
		size = uint64(d.arch.IntSize)
	}
	b, ok := d.peekN(addr, int(size))
	if !ok {
		return 0, false
	}
	return d.arch.UintN(b), true
}

// valueAt pretty-prints the value of type t at addr.
func (d *Decoder) valueAt(t *Type, addr uint64, depth int) {
	if t == nil {
		d.errorf("no type")
		return
	}
	if d.spent {
		d.printf("…(truncated)")
		return
	}
	if depth > d.limits.MaxDepth {
		d.printf("…")
		return
	}
	if addr != 0 {
		k := visitKey{addr, t.Ref}
		if d.visited[k] {
			d.printf("…(cycle)")
			return
		}
		d.visited[k] = true
		defer delete(d.visited, k)
	}
	switch t.Kind {
	case KindBool:
		if v, ok := d.peekUint(addr, 1); ok {
			d.printf("%t", v != 0)
		} else {
			d.errorf("invalid-address")
		}
	case KindInt:
		if b, ok := d.peekN(addr, int(sizeOr(t.Size, uint64(d.arch.IntSize)))); ok {
			d.printf("%d", d.arch.IntN(b))
		} else {
			d.errorf("invalid-address")
		}
	case KindUint:
		if v, ok := d.peekUint(addr, t.Size); ok {
			d.printf("%d", v)
		} else {
			d.errorf("invalid-address")
		}
	case KindChar:
		if v, ok := d.peekUint(addr, sizeOr(t.Size, 4)); ok {
			d.printChar(v)
		} else {
			d.errorf("invalid-address")
		}
	case KindFloat:
		if b, ok := d.peekN(addr, int(sizeOr(t.Size, 8))); ok {
			d.printFloat(b)
		} else {
			d.errorf("invalid-address")
		}
	case KindPointer:
		if p, ok := d.peekPtr(addr); ok {
			d.printPointer(p)
		} else {
			d.errorf("invalid-address")
		}
	case KindRef:
		d.refAt(t, addr, depth)
	case KindSlice:
		d.sliceAt(t, addr, depth)
	case KindStr:
		d.strAt(addr, false)
	case KindString:
		d.strAt(addr, true)
	case KindVec:
		d.vecAt(t, addr, depth)
	case KindOsString:
		d.osStringAt(addr)
	case KindStruct:
		d.structAt(t, addr, depth)
	case KindEnum:
		d.enumAt(t, addr, depth)
	case KindRc:
		d.rcAt(t, addr)
	case KindTraitObject:
		d.traitObjectAt(addr)
	default:
		d.errorf("unimplemented type %s", t.Name)
	}
}

func sizeOr(s, def uint64) uint64 {
	if s == 0 {
		return def
	}
	return s
}

func intWidth(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 2:
		return 2
	case n <= 4:
		return 4
	default:
		return 8
	}
}

func padTo(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) printChar(v uint64) {
	if v <= 0x10FFFF {
		d.printf("%q", rune(v))
	} else {
		d.printf("%#x", v)
	}
}

func (d *Decoder) printFloat(b []byte) {
	switch len(b) {
	case 4:
		d.printf("%g", math.Float32frombits(uint32(d.arch.UintN(b))))
	case 8:
		d.printf("%g", math.Float64frombits(d.arch.UintN(b)))
	default:
		d.errorf("unrecognized float size %d", len(b))
	}
}

func (d *Decoder) printPointer(p uint64) {
	d.printf("%#x", p)
	if d.sym != nil {
		if name, ok := d.sym.Symbolize(p); ok {
			d.printf(" <%s>", name)
		}
	}
}

// refAt unwraps one layer of reference or box and recurses.
func (d *Decoder) refAt(t *Type, addr uint64, depth int) {
	p, ok := d.peekPtr(addr)
	if !ok {
		d.errorf("invalid-address")
		return
	}
	if p == 0 {
		d.printf("<nil>")
		return
	}
	if t.Elem == nil {
		d.printf("&%#x", p)
		return
	}
	d.printf("&")
	d.valueAt(t.Elem, p, depth+1)
}

// sliceAt renders a pointer+length pair as a sequence.
func (d *Decoder) sliceAt(t *Type, addr uint64, depth int) {
	ptr, ok1 := d.peekPtr(addr)
	length, ok2 := d.peekUint(addr+uint64(d.arch.PointerSize), uint64(d.arch.IntSize))
	if !ok1 || !ok2 {
		d.errorf("invalid-address")
		return
	}
	d.sequence(t.Elem, ptr, length, depth)
}

// vecAt renders a pointer+length+capacity triple as a sequence.
func (d *Decoder) vecAt(t *Type, addr uint64, depth int) {
	ps := uint64(d.arch.PointerSize)
	ptr, ok1 := d.peekPtr(addr)
	length, ok2 := d.peekUint(addr+ps, uint64(d.arch.IntSize))
	if !ok1 || !ok2 {
		d.errorf("invalid-address")
		return
	}
	d.sequence(t.Elem, ptr, length, depth)
}

func (d *Decoder) sequence(elem *Type, ptr, length uint64, depth int) {
	if elem == nil || elem.Size == 0 {
		d.printf("[…] (len %d)", length)
		return
	}
	n := length
	if n > uint64(d.limits.MaxElems) {
		n = uint64(d.limits.MaxElems)
	}
	d.printf("[")
	for i := uint64(0); i < n; i++ {
		if i != 0 {
			d.printf(", ")
		}
		d.valueAt(elem, ptr+i*elem.Size, depth+1)
		if d.spent {
			break
		}
	}
	if n < length {
		d.printf(", … %d more", length-n)
	}
	d.printf("]")
}

// strAt renders a UTF-8 view (ptr, len) or owned string
// (ptr, len, capacity). Invalid UTF-8 falls back to hex with the
// length shown.
func (d *Decoder) strAt(addr uint64, owned bool) {
	ps := uint64(d.arch.PointerSize)
	ptr, ok1 := d.peekPtr(addr)
	length, ok2 := d.peekUint(addr+ps, uint64(d.arch.IntSize))
	if !ok1 || !ok2 {
		d.errorf("invalid-address")
		return
	}
	var capacity uint64
	if owned {
		capacity, _ = d.peekUint(addr+2*ps, uint64(d.arch.IntSize))
	}
	n := length
	if n > uint64(d.limits.MaxPerRead) {
		n = uint64(d.limits.MaxPerRead)
	}
	b, ok := d.peekN(ptr, int(n))
	if !ok {
		d.errorf("invalid-address")
		return
	}
	if !utf8.Valid(b) {
		d.printf("<invalid UTF-8, len %d: % x>", length, truncBytes(b, 32))
		return
	}
	if n < length {
		d.printf("%q… (len %d)", b, length)
	} else {
		d.printf("%q", b)
	}
	if owned && capacity != 0 {
		d.printf(" (cap %d)", capacity)
	}
}

// osStringAt renders a path-like container as opaque escaped bytes.
func (d *Decoder) osStringAt(addr uint64) {
	ps := uint64(d.arch.PointerSize)
	ptr, ok1 := d.peekPtr(addr)
	length, ok2 := d.peekUint(addr+ps, uint64(d.arch.IntSize))
	if !ok1 || !ok2 {
		d.errorf("invalid-address")
		return
	}
	n := length
	if n > uint64(d.limits.MaxPerRead) {
		n = uint64(d.limits.MaxPerRead)
	}
	b, ok := d.peekN(ptr, int(n))
	if !ok {
		d.errorf("invalid-address")
		return
	}
	d.printf("%q (len %d)", b, length)
}

func (d *Decoder) structAt(t *Type, addr uint64, depth int) {
	d.printf("%s {", t.Name)
	d.fields(t.Fields, addr, depth)
	d.printf("}")
}

func (d *Decoder) fields(fields []Field, addr uint64, depth int) {
	for i, f := range fields {
		if i != 0 {
			d.printf(", ")
		}
		d.printf("%s: ", f.Name)
		d.valueAt(f.Type, addr+f.Offset, depth+1)
		if d.spent {
			return
		}
	}
}

// enumAt reads the discriminant and recurses into the active variant.
func (d *Decoder) enumAt(t *Type, addr uint64, depth int) {
	if t.Discr == nil {
		d.errorf("%s has no discriminant", t.Name)
		return
	}
	v, ok := d.peekUint(addr+t.Discr.Offset, t.Discr.Size)
	if !ok {
		d.errorf("invalid-address")
		return
	}
	variant := t.variantFor(v)
	if variant == nil {
		d.printf("%s(discriminant %d)", t.Name, v)
		return
	}
	d.printf("%s", variant.Name)
	if len(variant.Fields) > 0 {
		d.printf("(")
		d.fields(variant.Fields, addr, depth)
		d.printf(")")
	}
}

// rcAt renders a reference-counted pointer: the target address, and
// the strong/weak counts when the layout is recoverable.
func (d *Decoder) rcAt(t *Type, addr uint64) {
	p, ok := d.peekPtr(addr)
	if !ok {
		d.errorf("invalid-address")
		return
	}
	d.printf("%#x", p)
	if t.Rc == nil || p == 0 {
		return
	}
	strong, ok1 := d.peekUint(p+t.Rc.StrongOffset, t.Rc.CountSize)
	weak, ok2 := d.peekUint(p+t.Rc.WeakOffset, t.Rc.CountSize)
	if ok1 && ok2 {
		d.printf(" (strong %d, weak %d)", strong, weak)
	}
}

// traitObjectAt renders a (data, vtable) pair, symbolizing the vtable
// when possible.
func (d *Decoder) traitObjectAt(addr uint64) {
	data, ok1 := d.peekPtr(addr)
	vtable, ok2 := d.peekPtr(addr + uint64(d.arch.PointerSize))
	if !ok1 || !ok2 {
		d.errorf("invalid-address")
		return
	}
	d.printf("dyn %#x", data)
	if d.sym != nil {
		if name, ok := d.sym.Symbolize(vtable); ok {
			d.printf(" <%s>", name)
			return
		}
	}
	d.printf(" (vtable %#x)", vtable)
}

func truncBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
