// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package program

import "errors"

// Kind-level errors for the async core. Everything here is recovered
// locally: a failed attribute degrades to its zero value and the event
// handler always completes.
var (
	// ErrUnreadableMemory reports a read that crossed into an
	// unmapped or protected region of the target.
	ErrUnreadableMemory = errors.New("unreadable memory")

	// ErrMissingDebugInfo reports that a needed descriptor is absent
	// from the debug information.
	ErrMissingDebugInfo = errors.New("missing debug info")

	// ErrNotAGenerator reports that a type is not a state-machine
	// generator.
	ErrNotAGenerator = errors.New("not a generator type")

	// ErrOptimizedOut reports a location expression that evaluated to
	// the empty location.
	ErrOptimizedOut = errors.New("optimized out")

	// ErrAbiMismatch reports that a poll return value could not be
	// identified as the expected two-variant sum.
	ErrAbiMismatch = errors.New("abi mismatch decoding poll result")

	// ErrUnsupportedOpcode reports a location-expression opcode the
	// evaluator does not interpret.
	ErrUnsupportedOpcode = errors.New("unsupported location opcode")

	// ErrBudgetExceeded reports that a decode hit its byte or depth
	// budget; output is truncated with an explicit marker.
	ErrBudgetExceeded = errors.New("decode budget exceeded")
)
