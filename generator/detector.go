// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generator

import "strings"

// Detector classifies symbol names, separating user-written async
// state machines from runtime and library internals. It is runtime
// independent and works on names alone. The kokia command does not
// consult it: its breakpoints follow the --poll ranges it is given.
type Detector struct {
	excludedPrefixes []string
	excludedContains []string
}

// NewDetector returns a detector preloaded with the prefixes and
// patterns of the common async runtimes and support libraries.
func NewDetector() *Detector {
	return &Detector{
		excludedPrefixes: []string{
			// runtime internals
			"tokio::",
			"async_std::",
			"futures::",
			"mio::",
			// language support libraries
			"std::",
			"core::",
			"alloc::",
			// frequent dependencies
			"parking_lot",
			"hashbrown::",
			"tracing::",
			"serde::",
			"log::",
			"bytes::",
			"hyper::",
			"h2::",
		},
		excludedContains: []string{
			"{{constant}}",
			"::runtime::",
			"::executor::",
			"::task::",
			"drop_in_place",
			"::fmt::",
			"::clone::",
			"::drop::",
		},
	}
}

// IsUserAsync reports whether a demangled symbol names a user-written
// async state machine.
func (d *Detector) IsUserAsync(name string) bool {
	if !strings.Contains(name, "{{closure}}") {
		return false
	}
	for _, p := range d.excludedPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	for _, c := range d.excludedContains {
		if strings.Contains(name, c) {
			return false
		}
	}
	return true
}

// IsPollSymbol reports whether a demangled symbol names a generator
// poll routine, user-written or not.
func (d *Detector) IsPollSymbol(name string) bool {
	if strings.Contains(name, "GenFuture") && strings.Contains(name, "poll") {
		return true
	}
	if strings.Contains(name, "Future") && strings.Contains(name, "poll") {
		return true
	}
	return strings.Contains(name, "{{closure}}")
}

// ExcludePrefix adds a symbol prefix to skip during detection.
func (d *Detector) ExcludePrefix(prefix string) {
	d.excludedPrefixes = append(d.excludedPrefixes, prefix)
}

// ExcludePattern adds a substring pattern to skip during detection.
func (d *Detector) ExcludePattern(pattern string) {
	d.excludedContains = append(d.excludedContains, pattern)
}
