// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package track

import (
	"hash/fnv"
	"strings"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/generator"
	"github.com/maetin0324/kokia/internal/logutil"
	"github.com/maetin0324/kokia/program"
)

// snapshotLen is how many leading bytes of a generator object feed
// its initial-snapshot hash.
const snapshotLen = 32

// OnPollEntry handles an entry breakpoint on a generator-poll
// function. Every step degrades individually; only a missing child
// self-address aborts the event.
func (s *Session) OnPollEntry(thread int, pc uint64, regs arch.Regs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries++

	child := TaskID(regs.FirstArg(s.opts.Arch))
	if child == 0 {
		s.abortedEvents++
		s.log.Warn("poll entry without self pointer", logutil.F("pc", pc))
		return
	}

	now := s.now()
	typeRef, _ := s.analyzer.GeneratorAt(pc)
	snap := s.snapshotHash(uint64(child))

	var desc *generator.Descriptor
	var discr *uint64
	if typeRef != 0 {
		var err error
		desc, err = s.analyzer.Resolve(typeRef)
		if err != nil {
			s.log.Debug("generator layout unavailable",
				logutil.F("type", typeRef), logutil.F("err", err))
		} else {
			discr = s.readDiscriminant(uint64(child), desc)
		}
	}

	parentID, parentPC, hasParent := s.inferParent(thread)

	info := s.registry.Upsert(child, typeRef, snap, now, func(t *TaskInfo) {
		t.LastEntryPC = pc
		t.LastThread = thread
		if discr != nil {
			t.Discriminant = discr
		}
		if t.TypeName == "" && desc != nil {
			t.TypeName = desc.Name
		}
	})

	if hasParent {
		pInfo := s.registry.Live(parentID)
		if pInfo == nil {
			// Unwinder saw a parent frame we never got an entry
			// event for (e.g. attach mid-flight). Register it so
			// every edge endpoint is in the registry.
			pType, _ := s.analyzer.GeneratorAt(parentPC)
			pInfo = s.registry.Upsert(parentID, pType, s.snapshotHash(uint64(parentID)), now, func(t *TaskInfo) {
				t.LastEntryPC = parentPC
				t.LastThread = thread
			})
		}
		site := Callsite{
			Parent:     pInfo.Key,
			SuspendIdx: pInfo.Discriminant,
		}
		if s.col.Source != nil {
			if file, line, ok := s.col.Source.PCToSource(parentPC); ok {
				site.File = file
				site.Line = line
			}
		}
		id := s.edges.Upsert(pInfo.Key, info.Key, site, now)
		info.currentEdge = id
		info.hasEdge = true
	} else {
		s.registry.MarkRoot(info.Key)
	}

	s.scope(thread).Push(child)
	s.ensureExitBreakpoints(pc)
}

// OnPollExit handles an exit breakpoint. child is the exiting task
// when the backend can identify it (zero otherwise); ret carries the
// raw poll return value.
func (s *Session) OnPollExit(thread int, pc uint64, regs arch.Regs, child TaskID, ret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits++

	sc := s.scope(thread)
	if top, ok := sc.Top(); !ok || (child != 0 && top != child) {
		s.resyncLocked(thread)
	}
	popped, ok := sc.Pop()
	if !ok && child == 0 {
		return
	}
	if child == 0 {
		child = popped
	}

	ready, err := s.decodePollResult(ret)
	if err != nil {
		// Record the exit without a readiness verdict; completion is
		// not marked.
		s.exitsWithoutVerdict++
		s.log.Debug("poll result undecodable", logutil.F("err", err))
		if info := s.registry.Live(child); info != nil {
			info.LastSeen = s.now()
		}
		return
	}
	info := s.registry.Live(child)
	if info == nil {
		return
	}
	info.LastSeen = s.now()
	if ready {
		s.registry.MarkCompleted(info.Key, s.now())
		if info.hasEdge {
			s.edges.MarkCompleted(info.currentEdge)
		}
	}
}

// OnThreadStop reconciles the thread's scope against the true OS
// stack. Signals, panics and optimizer shortcuts bypass instrumented
// return sites; this keeps them from silently corrupting the scope.
func (s *Session) OnThreadStop(thread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadStops++
	s.resyncLocked(thread)
}

// OnInverseEntry undoes the scope effect of the most recent entry on
// the thread during time-travel rewind.
func (s *Session) OnInverseEntry(thread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope(thread).Pop()
}

// OnInverseExit re-enters the state before an exit event during
// rewind: the child is running again, and a Ready verdict is undone.
// Completion is monotonic only under forward execution.
func (s *Session) OnInverseExit(thread int, child TaskID, wasReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope(thread).Push(child)
	if !wasReady {
		return
	}
	if info := s.registry.Live(child); info != nil {
		s.registry.Uncomplete(info.Key)
		if info.hasEdge {
			s.edges.Uncomplete(info.currentEdge)
		}
	}
}

// inferParent finds the task awaiting the one now being polled.
// Priority: nearest-ancestor generator-poll frame via the unwinder,
// then the scope top, else none (detached spawn entry).
func (s *Session) inferParent(thread int) (TaskID, uint64, bool) {
	if s.opts.ParentInference == ParentByUnwinder && s.col.Unwinder != nil {
		frames, err := s.col.Unwinder.Frames(thread)
		if err != nil {
			s.log.Debug("unwind failed", logutil.F("err", err))
		} else {
			// Frame 0 is the poll being entered; scan outward.
			for _, f := range frames[min(1, len(frames)):] {
				if s.col.Unwinder.IsGeneratorPoll(f.PC) && f.FirstArg != 0 {
					return TaskID(f.FirstArg), f.PC, true
				}
			}
			// An authoritative scan that saw no generator frame
			// means there is no parent; don't let a stale scope
			// invent one.
			return 0, 0, false
		}
	}
	if top, ok := s.scope(thread).Top(); ok {
		var pc uint64
		if info := s.registry.Live(top); info != nil {
			pc = info.LastEntryPC
		}
		return top, pc, true
	}
	return 0, 0, false
}

// snapshotHash fingerprints the leading bytes of a generator object.
// Unreadable memory yields zero, which still participates in reuse
// detection.
func (s *Session) snapshotHash(addr uint64) uint64 {
	if s.col.Memory == nil {
		return 0
	}
	var buf [snapshotLen]byte
	if err := s.col.Memory.ReadMemory(addr, buf[:]); err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

// readDiscriminant reads the child's current suspend index through
// the resolved layout. Failure degrades the attribute to nil.
func (s *Session) readDiscriminant(addr uint64, desc *generator.Descriptor) *uint64 {
	if s.col.Memory == nil {
		return nil
	}
	size := desc.Discr.Size
	if size == 0 || size > 8 {
		size = 4
	}
	buf := make([]byte, size)
	if err := s.col.Memory.ReadMemory(addr+desc.Discr.Offset, buf); err != nil {
		s.log.Debug("discriminant unreadable", logutil.F("addr", addr), logutil.F("err", err))
		return nil
	}
	v := s.opts.Arch.UintN(buf)
	return &v
}

// decodePollResult classifies a poll return value as ready or
// pending. With a resolved two-variant descriptor the discriminant
// decides; otherwise the documented low-byte convention applies.
// Anything else is an ABI mismatch.
func (s *Session) decodePollResult(ret []byte) (bool, error) {
	if len(ret) == 0 {
		return false, program.ErrAbiMismatch
	}
	if s.opts.PollType != 0 {
		desc, err := s.analyzer.Resolve(s.opts.PollType)
		if err == nil && len(desc.Variants) == 2 {
			off := desc.Discr.Offset
			size := desc.Discr.Size
			if size == 0 {
				size = 1
			}
			if off+size <= uint64(len(ret)) {
				v := s.opts.Arch.UintN(ret[off : off+size])
				variant := desc.VariantFor(v)
				if variant != nil {
					switch {
					case strings.Contains(variant.Name, "Ready"):
						return true, nil
					case strings.Contains(variant.Name, "Pending"):
						return false, nil
					}
				}
				return false, program.ErrAbiMismatch
			}
		}
	}
	switch ret[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, program.ErrAbiMismatch
}

// resyncLocked reconciles the thread's scope against the unwinder's
// view of the OS stack. Requires s.mu held.
func (s *Session) resyncLocked(thread int) {
	if s.col.Unwinder == nil {
		return
	}
	frames, err := s.col.Unwinder.Frames(thread)
	if err != nil {
		s.log.Warn("resync unwind failed", logutil.F("thread", thread), logutil.F("err", err))
		return
	}
	// Project the physical stack to generator-poll frames, outermost
	// first, recovering each frame's TaskId from its saved first
	// argument.
	var actual []TaskID
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if s.col.Unwinder.IsGeneratorPoll(f.PC) && f.FirstArg != 0 {
			actual = append(actual, TaskID(f.FirstArg))
		}
	}
	popped, pushed := s.scope(thread).Resync(actual)
	s.resyncs++
	if popped > 0 || pushed > 0 {
		s.log.Debug("scope resynced",
			logutil.F("thread", thread),
			logutil.F("popped", popped),
			logutil.F("pushed", pushed))
	}
}

// ensureExitBreakpoints asks the backend for exit breakpoints at the
// return sites of the poll function containing pc, once per function.
func (s *Session) ensureExitBreakpoints(pc uint64) {
	if s.col.Breakpoints == nil || s.col.Source == nil {
		return
	}
	lo, hi, ok := s.col.Source.FunctionRange(pc)
	if !ok || s.exitBPs[lo] {
		return
	}
	sites, err := s.col.Breakpoints.ReturnSites(lo, hi)
	if err != nil {
		s.log.Debug("return sites unavailable", logutil.F("pc", pc), logutil.F("err", err))
		return
	}
	for _, site := range sites {
		if err := s.col.Breakpoints.InstallBreakpoint(site); err != nil {
			s.log.Warn("exit breakpoint failed", logutil.F("addr", site), logutil.F("err", err))
		}
	}
	s.exitBPs[lo] = true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
