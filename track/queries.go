// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package track

import (
	"errors"
	"fmt"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/internal/logutil"
	"github.com/maetin0324/kokia/location"
	"github.com/maetin0324/kokia/program"
)

// LogicalBacktrace returns the await chain on a thread, innermost
// first; empty when the thread has no active poll.
func (s *Session) LogicalBacktrace(thread int) []TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.scope(thread).Stack()
	out := make([]TaskID, len(stack))
	for i, id := range stack {
		out[len(stack)-1-i] = id
	}
	return out
}

// Tasks returns a snapshot of every known task record.
func (s *Session) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.registry.All()
	out := make([]TaskInfo, len(recs))
	for i, t := range recs {
		out[i] = *t
	}
	return out
}

// Edges returns the edges matching f.
func (s *Session) Edges(f EdgeFilter) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.edges.Query(f)
	out := make([]Edge, len(matched))
	for i, e := range matched {
		out[i] = *e
	}
	return out
}

// Callsite returns the source coordinates behind a CallsiteID.
func (s *Session) Callsite(id CallsiteID) (Callsite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges.CallsiteInfo(id)
}

// Where locates a task at its last observed entry: source file, line
// and suspend index, as far as each is known.
func (s *Session) Where(key TaskKey) (file string, line int, suspend *uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.registry.Get(key)
	if info == nil {
		return "", 0, nil, false
	}
	suspend = info.Discriminant
	if s.col.Source != nil {
		file, line, _ = s.col.Source.PCToSource(info.LastEntryPC)
	}
	return file, line, suspend, true
}

// Local is one variable reported by LocalsHere.
type Local struct {
	// Name is the user-facing identifier. When the same storage is
	// visible both as a debug-info variable and as a generator field,
	// the debug-info name wins.
	Name string
	// RawName is the generator field's raw spelling, attached as a
	// secondary label when it differs from Name.
	RawName string
	// Addr is the variable's storage address when it has one.
	Addr  uint64
	Value string
	// OptimizedOut marks a variable with no storage at this stop.
	OptimizedOut bool
	// FromGenerator marks values recovered from the generator's
	// active variant rather than frame location evaluation.
	FromGenerator bool
}

// LocalsHere describes the variables at the thread's current stop
// point. Variables confined between awaits come from frame location
// evaluation; variables spanning an await come from the generator's
// active variant. The two sources are merged by address and the
// debug-info name takes precedence, because the same storage can
// appear in both views.
func (s *Session) LocalsHere(thread int) ([]Local, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col.Threads == nil {
		return nil, errors.New("no thread capability attached")
	}
	regs, err := s.col.Threads.Registers(thread)
	if err != nil {
		return nil, fmt.Errorf("registers for thread %d: %w", thread, err)
	}
	pc := regs.PC(s.opts.Arch)

	frameBase := regs.Get(s.opts.Arch.FPReg)
	if s.col.Unwinder != nil {
		if frames, err := s.col.Unwinder.Frames(thread); err == nil && len(frames) > 0 {
			frameBase = frames[0].FrameBase
		}
	}

	var out []Local
	byAddr := make(map[uint64]int)

	if s.col.Source != nil && s.decoder != nil && s.col.Types != nil {
		for _, v := range s.col.Source.VariablesAt(pc) {
			out = append(out, s.frameLocal(v, pc, frameBase, &regs))
		}
	}

	s.generatorLocals(thread, &out, byAddr)
	return out, nil
}

// frameLocal evaluates one debug-info variable in the current frame.
func (s *Session) frameLocal(v program.Variable, pc, frameBase uint64, regs *arch.Regs) Local {
	l := Local{Name: v.Name}
	t, err := s.col.Types.Type(v.Type)
	if err != nil {
		l.Value = "<missing debug info>"
		return l
	}
	var size uint64
	if t != nil {
		size = t.Size
	}
	ctx := &location.Context{
		PC:        pc,
		Regs:      regs,
		FrameBase: frameBase,
		Memory:    s.col.Memory,
		Arch:      s.opts.Arch,
	}
	loc, err := location.Eval(v.LocExpr, size, ctx)
	if err != nil {
		s.log.Debug("location evaluation failed",
			logutil.F("var", v.Name), logutil.F("err", err))
		l.Value = "<unsupported location>"
		return l
	}
	if loc.Kind == location.Empty {
		l.OptimizedOut = true
		l.Value = "<optimized out>"
		return l
	}
	l.Value = s.decoder.Decode(t, loc, regs)
	if loc.Kind == location.Address {
		l.Addr = loc.Addr
	}
	return l
}

// generatorLocals merges the active variant's fields into out. A
// field whose address is already reported keeps the debug-info name
// and gains the raw generator name as a secondary label when it
// differs.
func (s *Session) generatorLocals(thread int, out *[]Local, byAddr map[uint64]int) {
	top, ok := s.scope(thread).Top()
	if !ok {
		return
	}
	info := s.registry.Live(top)
	if info == nil || info.Key.TypeHash == 0 {
		return
	}
	desc, err := s.analyzer.Resolve(info.Key.TypeHash)
	if err != nil {
		return
	}
	discr := s.readDiscriminant(uint64(top), desc)
	if discr == nil {
		return
	}
	variant := desc.VariantFor(*discr)
	if variant == nil {
		return
	}
	// Index the frame-evaluated locals by address, and the optimized-
	// out ones by name: a dead frame variable has no address to match
	// on, but the variant may still hold its live copy.
	byName := make(map[string]int)
	for i := range *out {
		if (*out)[i].Addr != 0 {
			byAddr[(*out)[i].Addr] = i
		} else if (*out)[i].OptimizedOut {
			byName[(*out)[i].Name] = i
		}
	}
	for _, f := range variant.Fields {
		addr := uint64(top) + f.Offset
		if i, seen := byAddr[addr]; seen {
			existing := &(*out)[i]
			if existing.Name != f.RawName {
				existing.RawName = f.RawName
			}
			continue
		}
		if i, seen := byName[f.Name]; seen {
			// Show the variant's value under the debug-info name.
			existing := &(*out)[i]
			existing.OptimizedOut = false
			existing.Addr = addr
			existing.Value = s.decodeField(f.Type, addr)
			if f.RawName != existing.Name {
				existing.RawName = f.RawName
			}
			byAddr[addr] = i
			delete(byName, f.Name)
			continue
		}
		l := Local{
			Name:          f.Name,
			Addr:          addr,
			Value:         s.decodeField(f.Type, addr),
			FromGenerator: true,
		}
		if f.RawName != f.Name {
			l.RawName = f.RawName
		}
		*out = append(*out, l)
		byAddr[addr] = len(*out) - 1
	}
}

func (s *Session) decodeField(ref program.TypeRef, addr uint64) string {
	if s.decoder == nil || s.col.Types == nil {
		return fmt.Sprintf("%#x", addr)
	}
	t, err := s.col.Types.Type(ref)
	if err != nil || t == nil {
		return fmt.Sprintf("%#x", addr)
	}
	return s.decoder.DecodeAt(t, addr)
}
