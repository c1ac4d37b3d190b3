// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package track

import (
	"sync"
	"time"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/generator"
	"github.com/maetin0324/kokia/internal/logutil"
	"github.com/maetin0324/kokia/program"
	"github.com/maetin0324/kokia/value"
)

// ParentInference selects how the handler infers a poll's parent.
type ParentInference int

const (
	// ParentByUnwinder scans the OS stack for the nearest ancestor
	// generator-poll frame. Authoritative and immune to scope desync;
	// the scope top is the fallback only when no unwinder is attached
	// or the unwind fails. A scan that finds no generator ancestor
	// yields no parent.
	ParentByUnwinder ParentInference = iota
	// ParentByScope uses only the thread's poll-scope top. Cheaper;
	// used when unwinding is disabled or unavailable.
	ParentByScope
)

// Options configures a session.
type Options struct {
	Arch *arch.Architecture
	// ParentInference defaults to ParentByUnwinder.
	ParentInference ParentInference
	// GCGrace is how long a completed task survives before GC.
	GCGrace time.Duration
	// Limits caps locals decoding.
	Limits value.Limits
	// PollType identifies the two-variant poll result type when the
	// debug info names one; zero means the low-byte fallback.
	PollType program.TypeRef
	Logger   logutil.Logger
	// Now is a clock hook for tests.
	Now func() time.Time
}

// Collaborators are the external capabilities a session consults but
// never owns. Any of them may be nil; the dependent attribute then
// degrades.
type Collaborators struct {
	Memory      program.Memory
	Threads     program.Threads
	Breakpoints program.Breakpoints
	Source      program.Source
	Unwinder    program.Unwinder
	Generators  generator.TypeOracle
	Types       value.Types
	Symbols     value.Symbolizer
}

// Stats is a snapshot of session counters for observability.
type Stats struct {
	Entries             uint64
	Exits               uint64
	ThreadStops         uint64
	Resyncs             uint64
	AbortedEvents       uint64
	ExitsWithoutVerdict uint64
	TasksTotal          int
	TasksCompleted      int
	Edges               int
	EdgesCompleted      int
}

// Session is the session-scoped container for the whole async core:
// registry, edge store, per-thread poll scopes and the layout cache.
// It is created at session start and destroyed at session end; there
// are no process-wide singletons, so concurrent debug sessions get
// independent containers. One mutex guards all state: events and
// queries are both bursty and short.
type Session struct {
	mu   sync.Mutex
	opts Options
	col  Collaborators

	analyzer *generator.Analyzer
	registry *Registry
	edges    *EdgeStore
	scopes   map[int]*Scope

	// exit breakpoints already requested, by function low-PC.
	exitBPs map[uint64]bool

	decoder *value.Decoder

	log logutil.Logger
	now func() time.Time

	entries             uint64
	exits               uint64
	threadStops         uint64
	resyncs             uint64
	abortedEvents       uint64
	exitsWithoutVerdict uint64
}

// NewSession creates an empty session. opts.Arch defaults to AMD64.
func NewSession(opts Options, col Collaborators) *Session {
	if opts.Arch == nil {
		opts.Arch = &arch.AMD64
	}
	if opts.Logger == nil {
		opts.Logger = logutil.NopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GCGrace == 0 {
		opts.GCGrace = 5 * time.Minute
	}
	s := &Session{
		opts:     opts,
		col:      col,
		analyzer: generator.NewAnalyzer(col.Generators),
		registry: NewRegistry(),
		edges:    NewEdgeStore(),
		scopes:   make(map[int]*Scope),
		exitBPs:  make(map[uint64]bool),
		log:      opts.Logger,
		now:      opts.Now,
	}
	if col.Memory != nil {
		s.decoder = value.NewDecoder(opts.Arch, col.Memory, col.Symbols, opts.Limits)
	}
	return s
}

// Analyzer exposes the layout cache, e.g. for a debug-info reload.
func (s *Session) Analyzer() *generator.Analyzer { return s.analyzer }

func (s *Session) scope(thread int) *Scope {
	sc := s.scopes[thread]
	if sc == nil {
		sc = &Scope{}
		s.scopes[thread] = sc
	}
	return sc
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Entries:             s.entries,
		Exits:               s.exits,
		ThreadStops:         s.threadStops,
		Resyncs:             s.resyncs,
		AbortedEvents:       s.abortedEvents,
		ExitsWithoutVerdict: s.exitsWithoutVerdict,
		Edges:               s.edges.Len(),
	}
	for _, t := range s.registry.all {
		st.TasksTotal++
		if t.Completed {
			st.TasksCompleted++
		}
	}
	for _, id := range s.edges.order {
		if s.edges.byID[id].Completed {
			st.EdgesCompleted++
		}
	}
	return st
}

// GC drops tasks completed longer than the grace window ago and
// prunes their edges.
func (s *Session) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.opts.GCGrace)
	dropped := s.registry.GC(cutoff)
	s.edges.Prune(dropped)
}
