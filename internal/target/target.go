// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package target provides a concrete process backend for the async
// core: attach, detach, memory reads, register snapshots and
// breakpoint patching over ptrace. Only linux/amd64 is implemented;
// on other platforms Attach and every Process method return an error.
package target

// StopReason classifies why the target stopped.
type StopReason int

const (
	StopUnknown StopReason = iota
	StopBreakpoint
	StopSignal
	StopExited
)

func (r StopReason) String() string {
	switch r {
	case StopBreakpoint:
		return "breakpoint"
	case StopSignal:
		return "signal"
	case StopExited:
		return "exited"
	}
	return "unknown"
}

// Stop describes one stop event delivered by Process.Resume.
type Stop struct {
	Reason StopReason
	Thread int
	PC     uint64
}
