// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package generator resolves the runtime layout of generator objects,
// the state machines an async function is lowered into, from debug
// information alone. The analyzer turns the tagged-union shape the
// debug info describes (one discriminator member, N variants) into a
// descriptor the event handler and the locals query can use directly.
package generator

import (
	"fmt"
	"strings"

	"github.com/maetin0324/kokia/program"
)

// Discriminant describes the integer field selecting the active variant.
type Discriminant struct {
	Offset uint64
	Size   uint64
	Signed bool
}

// Field is one member of a variant.
type Field struct {
	// RawName is the name exactly as the debug info spells it,
	// including compiler-generated suffixes.
	RawName string
	// Name is the normalized, source-visible form of RawName.
	Name   string
	Offset uint64
	Size   uint64
	Type   program.TypeRef
}

// Variant is one of the alternative field sets a generator can hold.
type Variant struct {
	Index      int
	DiscrValue uint64
	Name       string
	Fields     []Field
}

// Descriptor is the runtime-friendly layout of one generator type.
type Descriptor struct {
	TypeHash program.TypeRef
	Name     string
	Discr    Discriminant
	Variants []Variant

	byValue map[uint64]*Variant
}

// VariantFor returns the variant selected by discriminant value v,
// or nil if v maps to no variant.
func (d *Descriptor) VariantFor(v uint64) *Variant {
	return d.byValue[v]
}

// RawMember is a member as the debug info describes it.
type RawMember struct {
	Name   string
	Offset uint64
	Size   uint64
	Signed bool
	Type   program.TypeRef
}

// RawVariant is a variant as the debug info describes it: a
// discriminant value and the members in declared order.
type RawVariant struct {
	Name       string
	DiscrValue uint64
	Members    []RawMember
}

// RawShape is the tagged-union shape of a candidate generator type.
// The debug-info oracle produces it; the analyzer consumes it.
type RawShape struct {
	Name     string
	ByteSize uint64
	// Discr is the variant-discriminator member, or nil when the type
	// carries none (then it is not a generator).
	Discr    *RawMember
	Variants []RawVariant
}

// TypeOracle is the debug-info capability the analyzer consumes.
type TypeOracle interface {
	// GeneratorShape returns the tagged-union shape of t, or
	// program.ErrNotAGenerator / program.ErrMissingDebugInfo.
	GeneratorShape(t program.TypeRef) (*RawShape, error)
	// GeneratorAt maps a PC inside a generator-poll function to the
	// generator type that function polls.
	GeneratorAt(pc uint64) (program.TypeRef, bool)
}

// Analyzer resolves and caches generator descriptors by type-hash.
// The cache is invalidated only by a debug-info reload (Reset).
type Analyzer struct {
	oracle TypeOracle
	cache  map[program.TypeRef]*Descriptor
}

// NewAnalyzer returns an analyzer backed by the given oracle.
func NewAnalyzer(oracle TypeOracle) *Analyzer {
	return &Analyzer{
		oracle: oracle,
		cache:  make(map[program.TypeRef]*Descriptor),
	}
}

// Reset drops every cached descriptor. Call after a debug-info reload.
func (a *Analyzer) Reset() {
	a.cache = make(map[program.TypeRef]*Descriptor)
}

// GeneratorAt exposes the oracle's poll-function-to-type mapping.
func (a *Analyzer) GeneratorAt(pc uint64) (program.TypeRef, bool) {
	if a.oracle == nil {
		return 0, false
	}
	return a.oracle.GeneratorAt(pc)
}

// Resolve returns the descriptor for t, consulting the cache first.
func (a *Analyzer) Resolve(t program.TypeRef) (*Descriptor, error) {
	if d, ok := a.cache[t]; ok {
		return d, nil
	}
	if a.oracle == nil {
		return nil, program.ErrMissingDebugInfo
	}
	shape, err := a.oracle.GeneratorShape(t)
	if err != nil {
		return nil, err
	}
	d, err := analyze(t, shape)
	if err != nil {
		return nil, err
	}
	a.cache[t] = d
	return d, nil
}

func analyze(t program.TypeRef, shape *RawShape) (*Descriptor, error) {
	if shape.Discr == nil {
		return nil, fmt.Errorf("%s: %w", shape.Name, program.ErrNotAGenerator)
	}
	d := &Descriptor{
		TypeHash: t,
		Name:     shape.Name,
		Discr: Discriminant{
			Offset: shape.Discr.Offset,
			Size:   shape.Discr.Size,
			Signed: shape.Discr.Signed,
		},
		byValue: make(map[uint64]*Variant, len(shape.Variants)),
	}
	if d.Discr.Size == 0 {
		d.Discr.Size = 4
	}
	for i, rv := range shape.Variants {
		v := Variant{
			Index:      i,
			DiscrValue: rv.DiscrValue,
			Name:       rv.Name,
			Fields:     normalizeFields(rv.Members),
		}
		d.Variants = append(d.Variants, v)
	}
	for i := range d.Variants {
		d.byValue[d.Variants[i].DiscrValue] = &d.Variants[i]
	}
	return d, nil
}

// normalizeFields keeps the raw member names and derives the
// source-visible forms, disambiguating collisions within the variant.
func normalizeFields(members []RawMember) []Field {
	fields := make([]Field, len(members))
	seen := make(map[string]int, len(members))
	for i, m := range members {
		n := NormalizeName(m.Name)
		seen[n]++
		fields[i] = Field{
			RawName: m.Name,
			Name:    n,
			Offset:  m.Offset,
			Size:    m.Size,
			Type:    m.Type,
		}
	}
	// A normalized name that collides within the variant keeps its raw
	// spelling as the disambiguator.
	for i := range fields {
		if seen[fields[i].Name] > 1 {
			fields[i].Name = fields[i].RawName
		}
	}
	return fields
}

// NormalizeName strips the decorations the compiler attaches to
// generator members: trailing suspend-index suffixes ("#3"), tuple
// indices (".0"), and the synthesized-upvalue prefix. The raw name is
// returned unchanged when stripping would leave nothing.
func NormalizeName(raw string) string {
	n := raw
	if i := strings.LastIndexByte(n, '#'); i > 0 && allDigits(n[i+1:]) {
		n = n[:i]
	}
	if i := strings.LastIndexByte(n, '.'); i > 0 && allDigits(n[i+1:]) {
		n = n[:i]
	}
	n = strings.TrimPrefix(n, "__")
	if n == "" {
		return raw
	}
	return n
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
