// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(linux && amd64)

package target

import (
	"errors"

	"github.com/maetin0324/kokia/arch"
)

// Process is unavailable on this platform.
type Process struct{}

var errUnsupported = errors.New("ptrace backend requires linux/amd64")

// Attach is unavailable on this platform.
func Attach(int) (*Process, error) { return nil, errUnsupported }

func (p *Process) Detach() error                    { return errUnsupported }
func (p *Process) Pid() int                         { return 0 }
func (p *Process) ReadMemory(uint64, []byte) error  { return errUnsupported }
func (p *Process) Registers(int) (arch.Regs, error) { return arch.Regs{}, errUnsupported }
func (p *Process) PC(int) (uint64, error)           { return 0, errUnsupported }
func (p *Process) InstallBreakpoint(uint64) error   { return errUnsupported }
func (p *Process) ReturnSites(uint64, uint64) ([]uint64, error) {
	return nil, errUnsupported
}
func (p *Process) RemoveBreakpoint(uint64) error { return errUnsupported }
func (p *Process) Resume() (Stop, error)         { return Stop{}, errUnsupported }
func (p *Process) StepOver(uint64) error         { return errUnsupported }
