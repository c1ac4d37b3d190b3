// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package track

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/generator"
	"github.com/maetin0324/kokia/program"
	"github.com/maetin0324/kokia/value"
)

// --- collaborator fakes -------------------------------------------------

type fakeMemory struct {
	data map[uint64][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{data: make(map[uint64][]byte)} }

func (m *fakeMemory) put(addr uint64, b []byte) { m.data[addr] = b }

func (m *fakeMemory) ReadMemory(addr uint64, buf []byte) error {
	for base, b := range m.data {
		if addr >= base && addr+uint64(len(buf)) <= base+uint64(len(b)) {
			copy(buf, b[addr-base:])
			return nil
		}
	}
	return program.ErrUnreadableMemory
}

type fakeUnwinder struct {
	frames map[int][]program.Frame
	poll   map[uint64]bool
}

func (u *fakeUnwinder) Frames(thread int) ([]program.Frame, error) {
	return u.frames[thread], nil
}

func (u *fakeUnwinder) IsGeneratorPoll(pc uint64) bool { return u.poll[pc] }

type fakeGenOracle struct {
	shapes map[program.TypeRef]*generator.RawShape
	at     map[uint64]program.TypeRef
}

func (o *fakeGenOracle) GeneratorShape(t program.TypeRef) (*generator.RawShape, error) {
	s, ok := o.shapes[t]
	if !ok {
		return nil, program.ErrMissingDebugInfo
	}
	return s, nil
}

func (o *fakeGenOracle) GeneratorAt(pc uint64) (program.TypeRef, bool) {
	r, ok := o.at[pc]
	return r, ok
}

type srcLine struct {
	file string
	line int
}

type fakeSource struct {
	lines map[uint64]srcLine
	vars  map[uint64][]program.Variable
}

func (s *fakeSource) FunctionRange(pc uint64) (uint64, uint64, bool) { return 0, 0, false }

func (s *fakeSource) PCToSource(pc uint64) (string, int, bool) {
	l, ok := s.lines[pc]
	return l.file, l.line, ok
}

func (s *fakeSource) VariablesAt(pc uint64) []program.Variable { return s.vars[pc] }

type fakeThreads struct {
	regs map[int]arch.Regs
}

func (t *fakeThreads) Registers(thread int) (arch.Regs, error) {
	r, ok := t.regs[thread]
	if !ok {
		return arch.Regs{}, errors.New("no such thread")
	}
	return r, nil
}

func (t *fakeThreads) PC(thread int) (uint64, error) {
	r, err := t.Registers(thread)
	return r.PC(&arch.AMD64), err
}

type fakeTypes map[program.TypeRef]*value.Type

func (f fakeTypes) Type(ref program.TypeRef) (*value.Type, error) {
	t, ok := f[ref]
	if !ok {
		return nil, program.ErrMissingDebugInfo
	}
	return t, nil
}

// --- helpers ------------------------------------------------------------

func entryRegs(pc, firstArg uint64) arch.Regs {
	var r arch.Regs
	r[arch.AMD64.PCReg] = pc
	r[arch.AMD64.FirstArgReg] = firstArg
	return r
}

var (
	ready   = []byte{1}
	pending = []byte{0}
)

func scopeSession() *Session {
	return NewSession(Options{ParentInference: ParentByScope}, Collaborators{})
}

func taskByID(ts []TaskInfo, id TaskID) *TaskInfo {
	for i := range ts {
		if ts[i].Key.ID == id {
			return &ts[i]
		}
	}
	return nil
}

// --- scenarios ----------------------------------------------------------

// Serial await chain: a awaits b awaits c.
func TestSerialAwaitChain(t *testing.T) {
	s := scopeSession()
	const a, b, c = 0x1000, 0x2000, 0x3000

	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, a))
	s.OnPollEntry(1, 0x400020, entryRegs(0x400020, b))
	s.OnPollEntry(1, 0x400030, entryRegs(0x400030, c))

	if got := s.LogicalBacktrace(1); !reflect.DeepEqual(got, []TaskID{c, b, a}) {
		t.Fatalf("backtrace = %v, want [c b a]", got)
	}
	tasks := s.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	if !taskByID(tasks, a).Root {
		t.Error("a should be root")
	}
	if taskByID(tasks, b).Root || taskByID(tasks, c).Root {
		t.Error("b and c should not be root")
	}

	edges := s.Edges(EdgeFilter{})
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2 (a→b, b→c)", len(edges))
	}
	for _, e := range edges {
		if e.Completed {
			t.Errorf("edge %v completed before any ready", e)
		}
		if !s.registryContains(e.Parent) || !s.registryContains(e.Child) {
			t.Errorf("edge endpoints missing from registry: %+v", e)
		}
	}

	// Resume to completion, innermost out.
	s.OnPollExit(1, 0x400031, arch.Regs{}, c, ready)
	s.OnPollExit(1, 0x400021, arch.Regs{}, b, ready)
	s.OnPollExit(1, 0x400011, arch.Regs{}, a, ready)

	for _, task := range s.Tasks() {
		if !task.Completed {
			t.Errorf("task %#x not completed", uint64(task.Key.ID))
		}
	}
	for _, e := range s.Edges(EdgeFilter{}) {
		if !e.Completed {
			t.Errorf("edge %#x→%#x not completed", uint64(e.Parent.ID), uint64(e.Child.ID))
		}
	}
	if got := s.LogicalBacktrace(1); len(got) != 0 {
		t.Errorf("backtrace after completion = %v, want empty", got)
	}
}

// registryContains checks that an edge endpoint has a registry record.
func (s *Session) registryContains(key TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Contains(key)
}

// Concurrent select: parent polls x and y alternately until x wins.
func TestConcurrentSelect(t *testing.T) {
	s := scopeSession()
	const p, x, y = 0x1000, 0x2000, 0x3000

	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, p))
	s.OnPollEntry(1, 0x400020, entryRegs(0x400020, x))
	s.OnPollExit(1, 0x400021, arch.Regs{}, x, pending)
	s.OnPollEntry(1, 0x400030, entryRegs(0x400030, y))
	s.OnPollExit(1, 0x400031, arch.Regs{}, y, pending)
	s.OnPollEntry(1, 0x400020, entryRegs(0x400020, x))
	s.OnPollExit(1, 0x400021, arch.Regs{}, x, ready)

	edges := s.Edges(EdgeFilter{})
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2 (p→x, p→y)", len(edges))
	}
	done := true
	completed := s.Edges(EdgeFilter{Completed: &done})
	if len(completed) != 1 {
		t.Fatalf("completed edges = %d, want exactly 1", len(completed))
	}
	if completed[0].Child.ID != x {
		t.Errorf("completed edge child = %#x, want x", uint64(completed[0].Child.ID))
	}
	if taskByID(s.Tasks(), y).Completed {
		t.Error("y marked completed without a ready")
	}
}

// Concurrent join: parent completes only after both children did.
func TestConcurrentJoin(t *testing.T) {
	s := scopeSession()
	const p, x, y = 0x1000, 0x2000, 0x3000

	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, p))
	s.OnPollEntry(1, 0x400020, entryRegs(0x400020, x))
	s.OnPollExit(1, 0x400021, arch.Regs{}, x, ready)
	s.OnPollEntry(1, 0x400030, entryRegs(0x400030, y))

	if taskByID(s.Tasks(), p).Completed {
		t.Fatal("parent completed before both children")
	}
	s.OnPollExit(1, 0x400031, arch.Regs{}, y, ready)
	s.OnPollExit(1, 0x400011, arch.Regs{}, p, ready)

	tasks := s.Tasks()
	for _, id := range []TaskID{p, x, y} {
		if !taskByID(tasks, id).Completed {
			t.Errorf("task %#x not completed", uint64(id))
		}
	}
	edges := s.Edges(EdgeFilter{})
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}
	for _, e := range edges {
		if !e.Completed {
			t.Errorf("edge to %#x not completed", uint64(e.Child.ID))
		}
	}
}

// Spawn + handle await: the spawned child is a root; awaiting the
// join handle yields a distinct edge from the parent.
func TestSpawnAndHandleAwait(t *testing.T) {
	s := scopeSession()
	const p, h, child = 0x1000, 0x2000, 0x5000

	// The executor polls the spawned task on its own thread.
	s.OnPollEntry(2, 0x400050, entryRegs(0x400050, child))
	// The parent awaits the join handle on thread 1.
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, p))
	s.OnPollEntry(1, 0x400040, entryRegs(0x400040, h))

	tasks := s.Tasks()
	if !taskByID(tasks, child).Root {
		t.Error("spawned child should be root")
	}
	if taskByID(tasks, h).Root {
		t.Error("join handle should have a parent")
	}
	edges := s.Edges(EdgeFilter{})
	if len(edges) != 1 || edges[0].Parent.ID != p || edges[0].Child.ID != h {
		t.Fatalf("edges = %+v, want exactly p→h", edges)
	}
}

// Panic from child: the exit breakpoint is bypassed; the next
// thread-stop resyncs the scope without inventing a completion.
func TestPanicResync(t *testing.T) {
	const a, b = 0x1000, 0x2000
	const pcA, pcB = 0x400010, 0x400020
	unwinder := &fakeUnwinder{
		frames: map[int][]program.Frame{},
		poll:   map[uint64]bool{pcA: true, pcB: true},
	}
	s := NewSession(Options{ParentInference: ParentByScope}, Collaborators{Unwinder: unwinder})

	s.OnPollEntry(1, pcA, entryRegs(pcA, a))
	s.OnPollEntry(1, pcB, entryRegs(pcB, b))

	// b panicked and unwound; the OS stack shows only a's frame.
	unwinder.frames[1] = []program.Frame{{PC: pcA, FirstArg: a}}
	s.OnThreadStop(1)

	if got := s.LogicalBacktrace(1); !reflect.DeepEqual(got, []TaskID{a}) {
		t.Fatalf("backtrace = %v, want [a]", got)
	}
	if taskByID(s.Tasks(), b).Completed {
		t.Error("unwound child marked completed")
	}
	done := true
	if got := s.Edges(EdgeFilter{Completed: &done}); len(got) != 0 {
		t.Errorf("completed edges = %d, want 0", len(got))
	}
}

// Address reuse: a completed task's address reallocated for a
// different generator type yields a distinct TaskKey.
func TestAddressReuse(t *testing.T) {
	const addr = 0x1000
	const pcT1, pcT2 = 0x400010, 0x400020
	oracle := &fakeGenOracle{
		at: map[uint64]program.TypeRef{pcT1: 71, pcT2: 72},
	}
	s := NewSession(Options{ParentInference: ParentByScope}, Collaborators{Generators: oracle})

	s.OnPollEntry(1, pcT1, entryRegs(pcT1, addr))
	s.OnPollExit(1, pcT1+1, arch.Regs{}, addr, ready)
	s.OnPollEntry(1, pcT2, entryRegs(pcT2, addr))

	tasks := s.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 distinct lifetimes", len(tasks))
	}
	if tasks[0].Key == tasks[1].Key {
		t.Fatal("reused address produced identical keys")
	}
	if !tasks[0].Completed || tasks[1].Completed {
		t.Error("completion leaked across lifetimes")
	}
	if got := s.Edges(EdgeFilter{}); len(got) != 0 {
		t.Errorf("edges = %+v, want none across lifetimes", got)
	}
}

// Unwinder-based parent inference sees through non-generator
// intermediates and ignores a stale scope.
func TestParentByUnwinder(t *testing.T) {
	const a, b = 0x1000, 0x2000
	const pcA, pcB, pcMid = 0x400010, 0x400020, 0x400F00
	unwinder := &fakeUnwinder{
		frames: map[int][]program.Frame{},
		poll:   map[uint64]bool{pcA: true, pcB: true},
	}
	source := &fakeSource{lines: map[uint64]srcLine{pcA: {"main.rs", 14}}}
	s := NewSession(Options{}, Collaborators{Unwinder: unwinder, Source: source})

	unwinder.frames[1] = []program.Frame{{PC: pcA, FirstArg: a}}
	s.OnPollEntry(1, pcA, entryRegs(pcA, a))

	// b's entry: a combinator frame sits between the two generators.
	unwinder.frames[1] = []program.Frame{
		{PC: pcB, FirstArg: b},
		{PC: pcMid},
		{PC: pcA, FirstArg: a},
	}
	s.OnPollEntry(1, pcB, entryRegs(pcB, b))

	edges := s.Edges(EdgeFilter{})
	if len(edges) != 1 || edges[0].Parent.ID != a || edges[0].Child.ID != b {
		t.Fatalf("edges = %+v, want a→b", edges)
	}
	site, ok := s.Callsite(edges[0].Callsite)
	if !ok || site.File != "main.rs" || site.Line != 14 {
		t.Errorf("callsite = %+v, want main.rs:14", site)
	}

	// A scan that finds no generator ancestor wins over a stale
	// scope: the new task is a root.
	unwinder.frames[1] = []program.Frame{{PC: 0x400099, FirstArg: 0x9999}}
	s.OnPollEntry(1, 0x400030, entryRegs(0x400030, 0x3000))
	if !taskByID(s.Tasks(), 0x3000).Root {
		t.Error("task with no generator ancestor should be root")
	}
}

// An undecodable poll result records the exit without a verdict.
func TestAbiMismatchExit(t *testing.T) {
	s := scopeSession()
	const a = 0x1000
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, a))
	s.OnPollExit(1, 0x400011, arch.Regs{}, a, []byte{5})

	if taskByID(s.Tasks(), a).Completed {
		t.Error("completion marked despite ABI mismatch")
	}
	if st := s.Stats(); st.ExitsWithoutVerdict != 1 {
		t.Errorf("ExitsWithoutVerdict = %d, want 1", st.ExitsWithoutVerdict)
	}
}

// A resolved two-variant descriptor decides readiness by name.
func TestPollResultByDescriptor(t *testing.T) {
	oracle := &fakeGenOracle{
		shapes: map[program.TypeRef]*generator.RawShape{
			50: {
				Name:  "Poll<()>",
				Discr: &generator.RawMember{Offset: 0, Size: 1},
				Variants: []generator.RawVariant{
					{Name: "Ready", DiscrValue: 0},
					{Name: "Pending", DiscrValue: 1},
				},
			},
		},
	}
	s := NewSession(Options{ParentInference: ParentByScope, PollType: 50},
		Collaborators{Generators: oracle})
	const a = 0x1000
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, a))
	// Discriminant 0 is Ready under this layout.
	s.OnPollExit(1, 0x400011, arch.Regs{}, a, []byte{0})
	if !taskByID(s.Tasks(), a).Completed {
		t.Error("Ready variant not recognized through descriptor")
	}
}

// Inverse events undo what forward events did.
func TestInverseEvents(t *testing.T) {
	s := scopeSession()
	const a = 0x1000
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, a))
	s.OnPollExit(1, 0x400011, arch.Regs{}, a, ready)
	if !taskByID(s.Tasks(), a).Completed {
		t.Fatal("forward completion missing")
	}

	s.OnInverseExit(1, a, true)
	if taskByID(s.Tasks(), a).Completed {
		t.Error("completion not restored by inverse exit")
	}
	if got := s.LogicalBacktrace(1); !reflect.DeepEqual(got, []TaskID{a}) {
		t.Errorf("backtrace = %v, want [a]", got)
	}
	s.OnInverseEntry(1)
	if got := s.LogicalBacktrace(1); len(got) != 0 {
		t.Errorf("backtrace = %v, want empty after inverse entry", got)
	}
}

// An entry without a readable self pointer aborts that event only.
func TestEntryWithoutSelfAborts(t *testing.T) {
	s := scopeSession()
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, 0))
	if len(s.Tasks()) != 0 {
		t.Error("aborted event registered a task")
	}
	if st := s.Stats(); st.AbortedEvents != 1 {
		t.Errorf("AbortedEvents = %d, want 1", st.AbortedEvents)
	}
}

// GC drops completed tasks past the grace window and their edges.
func TestSessionGC(t *testing.T) {
	now := t0
	s := NewSession(Options{
		ParentInference: ParentByScope,
		GCGrace:         time.Minute,
		Now:             func() time.Time { return now },
	}, Collaborators{})
	const p, c = 0x1000, 0x2000
	s.OnPollEntry(1, 0x400010, entryRegs(0x400010, p))
	s.OnPollEntry(1, 0x400020, entryRegs(0x400020, c))
	s.OnPollExit(1, 0x400021, arch.Regs{}, c, ready)
	s.OnPollExit(1, 0x400011, arch.Regs{}, p, ready)

	now = t0.Add(2 * time.Minute)
	s.GC()
	if got := len(s.Tasks()); got != 0 {
		t.Errorf("tasks after GC = %d, want 0", got)
	}
	if got := len(s.Edges(EdgeFilter{})); got != 0 {
		t.Errorf("edges after GC = %d, want 0", got)
	}
}

// Optimized-out local: the frame view lost it, the generator's
// active variant still holds it; debug-info names win on merge.
func TestLocalsHereMerge(t *testing.T) {
	const g = 0x1000
	const pcG, pcStop = 0x400100, 0x400150
	const u64Ref = program.TypeRef(100)

	mem := newFakeMemory()
	block := make([]byte, 64)
	// discr = 0 at offset 0; x = 7 at +16; count = 9 at +24; dead = 5 at +32.
	block[16] = 7
	block[24] = 9
	block[32] = 5
	mem.put(g, block)

	oracle := &fakeGenOracle{
		at: map[uint64]program.TypeRef{pcG: 42},
		shapes: map[program.TypeRef]*generator.RawShape{
			42: {
				Name:  "app::work::{async_fn_env#0}",
				Discr: &generator.RawMember{Offset: 0, Size: 4},
				Variants: []generator.RawVariant{
					{Name: "Suspend0", DiscrValue: 0, Members: []generator.RawMember{
						{Name: "x#1", Offset: 16, Size: 8, Type: u64Ref},
						{Name: "count", Offset: 24, Size: 8, Type: u64Ref},
						{Name: "dead#2", Offset: 32, Size: 8, Type: u64Ref},
					}},
				},
			},
		},
	}
	addrExpr := func(a uint64) []byte {
		e := []byte{0x03, 0, 0, 0, 0, 0, 0, 0, 0}
		for i := 0; i < 8; i++ {
			e[1+i] = byte(a >> (8 * i))
		}
		return e
	}
	source := &fakeSource{
		lines: map[uint64]srcLine{},
		vars: map[uint64][]program.Variable{
			pcStop: {
				{Name: "x", LocExpr: addrExpr(g + 16), Type: u64Ref},
				{Name: "dead", LocExpr: nil, Type: u64Ref},
			},
		},
	}
	var stopRegs arch.Regs
	stopRegs[arch.AMD64.PCReg] = pcStop
	threads := &fakeThreads{regs: map[int]arch.Regs{1: stopRegs}}
	types := fakeTypes{u64Ref: &value.Type{Ref: u64Ref, Kind: value.KindUint, Name: "u64", Size: 8}}

	s := NewSession(Options{ParentInference: ParentByScope}, Collaborators{
		Memory:     mem,
		Threads:    threads,
		Source:     source,
		Generators: oracle,
		Types:      types,
	})
	s.OnPollEntry(1, pcG, entryRegs(pcG, g))

	locals, err := s.LocalsHere(1)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]Local{}
	for _, l := range locals {
		byName[l.Name] = l
	}

	// Same storage in both views: the debug-info name wins and the
	// raw generator name is the secondary label.
	x, ok := byName["x"]
	if !ok {
		t.Fatalf("locals = %+v, missing x", locals)
	}
	if x.Value != "7" || x.RawName != "x#1" || x.FromGenerator {
		t.Errorf("x = %+v, want value 7 with raw label x#1 from the frame view", x)
	}

	// Dead in the frame view but live in the variant: shown with the
	// debug-info name.
	dead, ok := byName["dead"]
	if !ok {
		t.Fatalf("locals = %+v, missing dead", locals)
	}
	if dead.OptimizedOut || dead.Value != "5" || dead.RawName != "dead#2" {
		t.Errorf("dead = %+v, want recovered value 5", dead)
	}

	// Variant-only variable appears under its normalized name.
	count, ok := byName["count"]
	if !ok {
		t.Fatalf("locals = %+v, missing count", locals)
	}
	if count.Value != "9" || !count.FromGenerator {
		t.Errorf("count = %+v, want value 9 from the generator view", count)
	}
}

// A truly dead local stays optimized out when neither view has it.
func TestLocalsHereOptimizedOut(t *testing.T) {
	const pcStop = 0x400150
	source := &fakeSource{
		vars: map[uint64][]program.Variable{
			pcStop: {{Name: "gone", LocExpr: nil, Type: 100}},
		},
	}
	var stopRegs arch.Regs
	stopRegs[arch.AMD64.PCReg] = pcStop
	threads := &fakeThreads{regs: map[int]arch.Regs{1: stopRegs}}
	types := fakeTypes{100: &value.Type{Ref: 100, Kind: value.KindUint, Name: "u64", Size: 8}}

	s := NewSession(Options{}, Collaborators{
		Memory:  newFakeMemory(),
		Threads: threads,
		Source:  source,
		Types:   types,
	})
	locals, err := s.LocalsHere(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(locals) != 1 || !locals[0].OptimizedOut || locals[0].Value != "<optimized out>" {
		t.Errorf("locals = %+v, want a single <optimized out> entry", locals)
	}
}
