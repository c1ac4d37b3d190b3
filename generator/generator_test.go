// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import (
	"errors"
	"testing"

	"github.com/maetin0324/kokia/program"
)

type fakeOracle struct {
	shapes map[program.TypeRef]*RawShape
	at     map[uint64]program.TypeRef
	calls  int
}

func (o *fakeOracle) GeneratorShape(t program.TypeRef) (*RawShape, error) {
	o.calls++
	s, ok := o.shapes[t]
	if !ok {
		return nil, program.ErrMissingDebugInfo
	}
	return s, nil
}

func (o *fakeOracle) GeneratorAt(pc uint64) (program.TypeRef, bool) {
	r, ok := o.at[pc]
	return r, ok
}

func twoVariantShape() *RawShape {
	return &RawShape{
		Name:  "compute::{async_fn_env#0}",
		Discr: &RawMember{Name: "__state", Offset: 0, Size: 4},
		Variants: []RawVariant{
			{Name: "Unresumed", DiscrValue: 0},
			{Name: "Suspend0", DiscrValue: 3, Members: []RawMember{
				{Name: "count#1", Offset: 8, Size: 8, Type: 10},
				{Name: "__awaitee", Offset: 16, Size: 16, Type: 11},
			}},
		},
	}
}

func TestResolve(t *testing.T) {
	oracle := &fakeOracle{shapes: map[program.TypeRef]*RawShape{42: twoVariantShape()}}
	a := NewAnalyzer(oracle)

	d, err := a.Resolve(42)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Discr.Offset != 0 || d.Discr.Size != 4 {
		t.Errorf("discriminant = %+v, want offset 0 size 4", d.Discr)
	}
	v := d.VariantFor(3)
	if v == nil {
		t.Fatal("VariantFor(3) = nil")
	}
	if len(v.Fields) != 2 {
		t.Fatalf("variant fields = %d, want 2", len(v.Fields))
	}
	if v.Fields[0].Name != "count" || v.Fields[0].RawName != "count#1" {
		t.Errorf("field 0 = %q (raw %q), want count (count#1)", v.Fields[0].Name, v.Fields[0].RawName)
	}
	if v.Fields[1].Name != "awaitee" {
		t.Errorf("field 1 = %q, want awaitee", v.Fields[1].Name)
	}
	if d.VariantFor(99) != nil {
		t.Error("VariantFor(99) should be nil")
	}
}

func TestResolveCaches(t *testing.T) {
	oracle := &fakeOracle{shapes: map[program.TypeRef]*RawShape{42: twoVariantShape()}}
	a := NewAnalyzer(oracle)
	if _, err := a.Resolve(42); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Resolve(42); err != nil {
		t.Fatal(err)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle consulted %d times, want 1", oracle.calls)
	}
	a.Reset()
	if _, err := a.Resolve(42); err != nil {
		t.Fatal(err)
	}
	if oracle.calls != 2 {
		t.Errorf("oracle consulted %d times after Reset, want 2", oracle.calls)
	}
}

func TestResolveNotAGenerator(t *testing.T) {
	oracle := &fakeOracle{shapes: map[program.TypeRef]*RawShape{
		7: {Name: "plain_struct"},
	}}
	a := NewAnalyzer(oracle)
	_, err := a.Resolve(7)
	if !errors.Is(err, program.ErrNotAGenerator) {
		t.Errorf("err = %v, want ErrNotAGenerator", err)
	}
	_, err = a.Resolve(8)
	if !errors.Is(err, program.ErrMissingDebugInfo) {
		t.Errorf("err = %v, want ErrMissingDebugInfo", err)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"count#1", "count"},
		{"value.0", "value"},
		{"__awaitee", "awaitee"},
		{"plain", "plain"},
		{"x#12", "x"},
		{"#0", "#0"},   // stripping would leave nothing
		{"a.b", "a.b"}, // not a tuple index
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.raw); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeCollision(t *testing.T) {
	shape := &RawShape{
		Name:  "g",
		Discr: &RawMember{Offset: 0, Size: 1},
		Variants: []RawVariant{
			{Name: "S0", DiscrValue: 0, Members: []RawMember{
				{Name: "x#1", Offset: 8, Size: 8},
				{Name: "x#2", Offset: 16, Size: 8},
			}},
		},
	}
	d, err := analyze(1, shape)
	if err != nil {
		t.Fatal(err)
	}
	f := d.Variants[0].Fields
	// Both normalize to "x"; the raw spellings disambiguate.
	if f[0].Name != "x#1" || f[1].Name != "x#2" {
		t.Errorf("collision fields = %q, %q; want raw names kept", f[0].Name, f[1].Name)
	}
}
