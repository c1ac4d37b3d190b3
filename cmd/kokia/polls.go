// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maetin0324/kokia/generator"
	"github.com/maetin0324/kokia/program"
)

// pollFunc is one generator-poll function registered for tracking.
type pollFunc struct {
	name string
	lo   uint64 // entry address
	hi   uint64
}

// pollTable is the CLI's poll-function registry. It stands in for the
// debug-info oracle: it answers which PCs lie in a poll function and
// assigns each function a stable type reference (its entry address),
// so tasks keep distinct identities. Layout and variable questions
// degrade, since no debug information is attached.
type pollTable struct {
	funcs []pollFunc
}

// parsePollSpecs parses --poll values of the form [name=]lo-hi with
// addresses in any base strconv accepts (0x... for hex).
func parsePollSpecs(specs []string) (*pollTable, error) {
	t := &pollTable{}
	for _, spec := range specs {
		name := ""
		rng := spec
		if i := strings.IndexByte(spec, '='); i >= 0 {
			name = spec[:i]
			rng = spec[i+1:]
		}
		lohi := strings.SplitN(rng, "-", 2)
		if len(lohi) != 2 {
			return nil, fmt.Errorf("poll spec %q: want [name=]lo-hi", spec)
		}
		lo, err := strconv.ParseUint(lohi[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("poll spec %q: %v", spec, err)
		}
		hi, err := strconv.ParseUint(lohi[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("poll spec %q: %v", spec, err)
		}
		if hi <= lo {
			return nil, fmt.Errorf("poll spec %q: empty range", spec)
		}
		if name == "" {
			name = fmt.Sprintf("poll@%#x", lo)
		}
		t.funcs = append(t.funcs, pollFunc{name: name, lo: lo, hi: hi})
	}
	return t, nil
}

func (t *pollTable) find(pc uint64) *pollFunc {
	for i := range t.funcs {
		if pc >= t.funcs[i].lo && pc < t.funcs[i].hi {
			return &t.funcs[i]
		}
	}
	return nil
}

// isEntry reports whether pc is the entry address of a registered
// poll function.
func (t *pollTable) isEntry(pc uint64) bool {
	f := t.find(pc)
	return f != nil && f.lo == pc
}

// GeneratorAt implements generator.TypeOracle. The entry address
// serves as the type reference.
func (t *pollTable) GeneratorAt(pc uint64) (program.TypeRef, bool) {
	if f := t.find(pc); f != nil {
		return program.TypeRef(f.lo), true
	}
	return 0, false
}

// GeneratorShape implements generator.TypeOracle. Without debug
// information the layout is unknown.
func (t *pollTable) GeneratorShape(program.TypeRef) (*generator.RawShape, error) {
	return nil, program.ErrMissingDebugInfo
}

// FunctionRange implements program.Source for the registered polls.
func (t *pollTable) FunctionRange(pc uint64) (uint64, uint64, bool) {
	if f := t.find(pc); f != nil {
		return f.lo, f.hi, true
	}
	return 0, 0, false
}

// PCToSource implements program.Source; no line table is attached.
func (t *pollTable) PCToSource(uint64) (string, int, bool) { return "", 0, false }

// VariablesAt implements program.Source; no variable info is attached.
func (t *pollTable) VariablesAt(uint64) []program.Variable { return nil }

var _ generator.TypeOracle = (*pollTable)(nil)
var _ program.Source = (*pollTable)(nil)
