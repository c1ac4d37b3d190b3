// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package track

import (
	"hash/fnv"
	"time"
)

// CallsiteID is the stable hash of one `.await` in a parent's source:
// (parent key, parent suspend index at entry, file, line).
type CallsiteID uint64

// Callsite records the source coordinates behind a CallsiteID.
type Callsite struct {
	Parent     TaskKey
	SuspendIdx *uint64
	File       string
	Line       int
}

// ID computes the stable hash of the callsite.
func (c Callsite) ID() CallsiteID {
	h := fnv.New64a()
	var b [8]byte
	put := func(v uint64) {
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		h.Write(b[:])
	}
	put(uint64(c.Parent.ID))
	put(uint64(c.Parent.TypeHash))
	put(c.Parent.SnapHash)
	put(uint64(c.Parent.Gen))
	if c.SuspendIdx != nil {
		put(*c.SuspendIdx)
	} else {
		put(^uint64(0))
	}
	h.Write([]byte(c.File))
	put(uint64(c.Line))
	return CallsiteID(h.Sum64())
}

// EdgeID identifies one (parent, child, callsite) triple in the store.
type EdgeID uint64

type edgeKey struct {
	parent   TaskKey
	child    TaskKey
	callsite CallsiteID
}

// Edge is a first-class record of "parent has awaited child at
// callsite".
type Edge struct {
	ID        EdgeID
	Parent    TaskKey
	Child     TaskKey
	Callsite  CallsiteID
	FirstSeen time.Time
	LastSeen  time.Time
	// Completed is monotonic under forward execution; only a rewind
	// may clear it.
	Completed bool
}

// EdgeFilter selects edges in Query. Nil fields match everything.
type EdgeFilter struct {
	Parent    *TaskKey
	Child     *TaskKey
	Completed *bool
}

// EdgeStore indexes await edges by their triple and deduplicates
// re-observations.
type EdgeStore struct {
	byTriple map[edgeKey]EdgeID
	byID     map[EdgeID]*Edge
	order    []EdgeID
	nextID   EdgeID

	callsites map[CallsiteID]Callsite
}

// NewEdgeStore returns an empty store.
func NewEdgeStore() *EdgeStore {
	return &EdgeStore{
		byTriple:  make(map[edgeKey]EdgeID),
		byID:      make(map[EdgeID]*Edge),
		callsites: make(map[CallsiteID]Callsite),
		nextID:    1,
	}
}

// Upsert records an observation of the triple. A repeated triple only
// advances LastSeen.
func (s *EdgeStore) Upsert(parent, child TaskKey, site Callsite, now time.Time) EdgeID {
	cid := site.ID()
	if _, ok := s.callsites[cid]; !ok {
		s.callsites[cid] = site
	}
	k := edgeKey{parent, child, cid}
	if id, ok := s.byTriple[k]; ok {
		s.byID[id].LastSeen = now
		return id
	}
	id := s.nextID
	s.nextID++
	e := &Edge{
		ID:        id,
		Parent:    parent,
		Child:     child,
		Callsite:  cid,
		FirstSeen: now,
		LastSeen:  now,
	}
	s.byTriple[k] = id
	s.byID[id] = e
	s.order = append(s.order, id)
	return id
}

// Get returns the edge with the given id, or nil.
func (s *EdgeStore) Get(id EdgeID) *Edge {
	return s.byID[id]
}

// CallsiteInfo returns the source coordinates behind a CallsiteID.
func (s *EdgeStore) CallsiteInfo(id CallsiteID) (Callsite, bool) {
	c, ok := s.callsites[id]
	return c, ok
}

// MarkCompleted flags the edge; completion never reverts under
// forward execution.
func (s *EdgeStore) MarkCompleted(id EdgeID) {
	if e := s.byID[id]; e != nil {
		e.Completed = true
	}
}

// Uncomplete restores a pre-completion state during rewind.
func (s *EdgeStore) Uncomplete(id EdgeID) {
	if e := s.byID[id]; e != nil {
		e.Completed = false
	}
}

// Query returns the edges matching f, in first-seen order.
func (s *EdgeStore) Query(f EdgeFilter) []*Edge {
	var out []*Edge
	for _, id := range s.order {
		e := s.byID[id]
		if e == nil {
			continue
		}
		if f.Parent != nil && e.Parent != *f.Parent {
			continue
		}
		if f.Child != nil && e.Child != *f.Child {
			continue
		}
		if f.Completed != nil && e.Completed != *f.Completed {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Prune drops every edge touching one of the given task keys. It is
// called alongside registry GC so every edge keeps live endpoints.
func (s *EdgeStore) Prune(keys []TaskKey) {
	if len(keys) == 0 {
		return
	}
	gone := make(map[TaskKey]bool, len(keys))
	for _, k := range keys {
		gone[k] = true
	}
	kept := s.order[:0]
	for _, id := range s.order {
		e := s.byID[id]
		if gone[e.Parent] || gone[e.Child] {
			delete(s.byTriple, edgeKey{e.Parent, e.Child, e.Callsite})
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Len returns the number of stored edges.
func (s *EdgeStore) Len() int { return len(s.order) }
