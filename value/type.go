// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package value reads bytes for a typed location in the target address
// space and renders a display value. Reads are always out of process,
// bounded per operation and per command, depth- and element-capped,
// and cycle-checked.
package value

import "github.com/maetin0324/kokia/program"

// TypeKind is the closed set of shapes the decoder dispatches on.
// Debug-info constructs are modeled as tagged data, not a hierarchy.
type TypeKind int

const (
	KindUnknown TypeKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindChar
	// KindPointer is a raw or function pointer, rendered as hex with
	// best-effort symbolization.
	KindPointer
	// KindRef is a reference or single-owner box: unwrap one layer.
	KindRef
	// KindSlice is a pointer+length pair.
	KindSlice
	// KindStr is a UTF-8 string view (ptr, len).
	KindStr
	// KindString is an owned string (ptr, len, capacity).
	KindString
	// KindVec is a growable vector (ptr, len, capacity).
	KindVec
	// KindOsString is a path-like container rendered as opaque bytes.
	KindOsString
	// KindStruct is a user-defined product type.
	KindStruct
	// KindEnum is a sum type with a known discriminant.
	KindEnum
	// KindRc is a reference-counted pointer.
	KindRc
	// KindTraitObject is a dynamic-dispatch (data, vtable) pair.
	KindTraitObject
)

// Type describes one type to the decoder.
type Type struct {
	Ref  program.TypeRef
	Kind TypeKind
	Name string
	Size uint64

	// Signed applies to KindInt (always true) vs KindUint; kept for
	// the discriminant of enums too.
	Signed bool

	// Elem is the pointee or element type for pointer-like and
	// sequence kinds.
	Elem *Type

	// Fields applies to KindStruct and to enum variant payloads.
	Fields []Field

	// Discr and Variants apply to KindEnum.
	Discr    *Discr
	Variants []VariantType

	// Rc applies to KindRc when the count layout is recoverable.
	Rc *RcLayout
}

// Field is one member of a product type.
type Field struct {
	Name   string
	Offset uint64
	Type   *Type
}

// Discr locates an enum's discriminant within the value.
type Discr struct {
	Offset uint64
	Size   uint64
	Signed bool
}

// VariantType is one alternative of a sum type.
type VariantType struct {
	Name       string
	DiscrValue uint64
	Fields     []Field
}

// RcLayout locates the strong and weak counts behind a
// reference-counted pointer.
type RcLayout struct {
	StrongOffset uint64
	WeakOffset   uint64
	CountSize    uint64
}

// Types resolves type references for the decoder.
type Types interface {
	Type(ref program.TypeRef) (*Type, error)
}

// Symbolizer turns code or vtable addresses into names, best effort.
type Symbolizer interface {
	Symbolize(addr uint64) (string, bool)
}

func (t *Type) variantFor(v uint64) *VariantType {
	for i := range t.Variants {
		if t.Variants[i].DiscrValue == v {
			return &t.Variants[i]
		}
	}
	return nil
}
