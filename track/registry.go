// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package track builds and serves the async task graph: the observed
// population of tasks, the await edges between them, and the
// per-thread nesting of running polls, all reconstructed from bare
// entry/exit events on the generator-poll symbol.
package track

import (
	"time"

	"github.com/maetin0324/kokia/program"
)

// TaskID is the runtime identity of a polled generator: the address
// of the generator object.
type TaskID uint64

// TaskKey augments TaskID with type and snapshot hashes so that a
// reused address yields a distinct identity. Keys are comparable and
// used directly as map keys.
type TaskKey struct {
	ID       TaskID
	TypeHash program.TypeRef
	SnapHash uint64
	// Gen numbers the lifetimes seen at the same address, so a later
	// lifetime whose hashes repeat those of an earlier one still gets
	// its own key. A new lifetime starts only when a hash differs from
	// the completed prior record (see Registry.Upsert).
	Gen uint32
}

// TaskInfo is everything the registry knows about one task lifetime.
type TaskInfo struct {
	Key      TaskKey
	TypeName string

	FirstSeen time.Time
	LastSeen  time.Time

	// Discriminant is the last observed suspend-point index; nil
	// until one has been read successfully.
	Discriminant *uint64

	// LastEntryPC is the instruction pointer observed at the most
	// recent poll entry, for source correlation.
	LastEntryPC uint64
	// LastThread is the OS thread the task was last polled on.
	LastThread int

	// Root is set when the task was first observed without an
	// inferable parent.
	Root bool
	// Completed is set when a Ready exit was observed.
	Completed bool
	// CompletedAt is valid when Completed is set.
	CompletedAt time.Time

	// currentEdge is the edge used at the most recent entry, so a
	// Ready exit can complete exactly the callsite it resolved.
	currentEdge EdgeID
	hasEdge     bool
}

// Registry owns the observed population of tasks.
type Registry struct {
	live  map[TaskID]*TaskInfo // current lifetime per address
	all   []*TaskInfo
	byKey map[TaskKey]*TaskInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[TaskID]*TaskInfo),
		byKey: make(map[TaskKey]*TaskInfo),
	}
}

// Upsert finds or creates the record for the task at id and applies
// mutate to it. A completed prior record at the same address whose
// type or snapshot hash differs produces a new TaskKey; otherwise the
// prior record is reused. This keeps allocator reuse from merging two
// distinct tasks while surviving benign re-entry.
func (r *Registry) Upsert(id TaskID, typeHash program.TypeRef, snapHash uint64, now time.Time, mutate func(*TaskInfo)) *TaskInfo {
	cur := r.live[id]
	if cur != nil {
		reincarnated := cur.Completed &&
			(cur.Key.TypeHash != typeHash || cur.Key.SnapHash != snapHash)
		if !reincarnated {
			cur.LastSeen = now
			if mutate != nil {
				mutate(cur)
			}
			return cur
		}
	}
	gen := uint32(0)
	if cur != nil {
		gen = cur.Key.Gen + 1
	}
	t := &TaskInfo{
		Key:       TaskKey{ID: id, TypeHash: typeHash, SnapHash: snapHash, Gen: gen},
		FirstSeen: now,
		LastSeen:  now,
	}
	r.live[id] = t
	r.all = append(r.all, t)
	r.byKey[t.Key] = t
	if mutate != nil {
		mutate(t)
	}
	return t
}

// Live returns the current lifetime at address id, or nil.
func (r *Registry) Live(id TaskID) *TaskInfo {
	return r.live[id]
}

// Get returns the record for key, or nil.
func (r *Registry) Get(key TaskKey) *TaskInfo {
	return r.byKey[key]
}

// Contains reports whether key has a record.
func (r *Registry) Contains(key TaskKey) bool {
	_, ok := r.byKey[key]
	return ok
}

// MarkRoot flags key as observed without an inferable parent.
func (r *Registry) MarkRoot(key TaskKey) {
	if t := r.byKey[key]; t != nil {
		t.Root = true
	}
}

// MarkCompleted finalizes key. Completion is monotonic in forward
// execution; Uncomplete exists only for time-travel rewind.
func (r *Registry) MarkCompleted(key TaskKey, now time.Time) {
	if t := r.byKey[key]; t != nil && !t.Completed {
		t.Completed = true
		t.CompletedAt = now
	}
}

// Uncomplete restores a pre-completion state during rewind.
func (r *Registry) Uncomplete(key TaskKey) {
	if t := r.byKey[key]; t != nil {
		t.Completed = false
		t.CompletedAt = time.Time{}
	}
}

// All returns a snapshot of every known record, oldest first.
func (r *Registry) All() []*TaskInfo {
	out := make([]*TaskInfo, len(r.all))
	copy(out, r.all)
	return out
}

// GC drops records completed before cutoff and returns their keys so
// the edge store can prune with them.
func (r *Registry) GC(cutoff time.Time) []TaskKey {
	var dropped []TaskKey
	kept := r.all[:0]
	for _, t := range r.all {
		if t.Completed && t.CompletedAt.Before(cutoff) {
			dropped = append(dropped, t.Key)
			delete(r.byKey, t.Key)
			if r.live[t.Key.ID] == t {
				delete(r.live, t.Key.ID)
			}
			continue
		}
		kept = append(kept, t)
	}
	r.all = kept
	return dropped
}
