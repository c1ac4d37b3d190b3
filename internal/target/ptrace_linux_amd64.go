// Copyright 2026 The Kokia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/maetin0324/kokia/arch"
	"github.com/maetin0324/kokia/program"
)

type breakpoint struct {
	pc        uint64
	origInstr [arch.MaxBreakpointSize]byte
}

// Process is an attached target. It implements program.Memory,
// program.Threads and program.Breakpoints.
type Process struct {
	pid  int
	arch *arch.Architecture

	// All ptrace requests run on one dedicated OS thread; the kernel
	// rejects them from any other.
	fc chan func() error
	ec chan error

	breakpoints map[uint64]breakpoint
}

// Attach attaches to a running process and waits for it to stop.
func Attach(pid int) (*Process, error) {
	p := &Process{
		pid:         pid,
		arch:        &arch.AMD64,
		fc:          make(chan func() error),
		ec:          make(chan error),
		breakpoints: make(map[uint64]breakpoint),
	}
	go ptraceRun(p.fc, p.ec)
	err := p.do(func() error {
		if err := unix.PtraceAttach(pid); err != nil {
			return fmt.Errorf("attach pid %d: %w", pid, err)
		}
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		return err
	})
	if err != nil {
		close(p.fc)
		return nil, err
	}
	return p, nil
}

// ptraceRun runs all the closures from fc on a dedicated OS thread.
// Both channels are unbuffered so each error returns to the goroutine
// that sent the closure.
func ptraceRun(fc chan func() error, ec chan error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for f := range fc {
		ec <- f()
	}
}

func (p *Process) do(f func() error) error {
	p.fc <- f
	return <-p.ec
}

// Detach removes installed breakpoints and releases the target.
func (p *Process) Detach() error {
	err := p.do(func() error {
		for pc, bp := range p.breakpoints {
			_, _ = unix.PtracePokeData(p.pid, uintptr(pc), bp.origInstr[:p.arch.BreakpointSize])
		}
		return unix.PtraceDetach(p.pid)
	})
	close(p.fc)
	return err
}

// Pid returns the attached process id.
func (p *Process) Pid() int { return p.pid }

// ReadMemory implements program.Memory.
func (p *Process) ReadMemory(addr uint64, buf []byte) error {
	return p.do(func() error {
		n, err := unix.PtracePeekData(p.pid, uintptr(addr), buf)
		if err != nil {
			return fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, program.ErrUnreadableMemory)
		}
		if n != len(buf) {
			return fmt.Errorf("read %d of %d bytes at %#x: %w", n, len(buf), addr, program.ErrUnreadableMemory)
		}
		// Undo breakpoint patches that overlap the read.
		for pc, bp := range p.breakpoints {
			for i := 0; i < p.arch.BreakpointSize; i++ {
				off := pc + uint64(i)
				if off >= addr && off < addr+uint64(len(buf)) {
					buf[off-addr] = bp.origInstr[i]
				}
			}
		}
		return nil
	})
}

// Registers implements program.Threads, mapping the kernel register
// file to DWARF numbering.
func (p *Process) Registers(thread int) (arch.Regs, error) {
	var out arch.Regs
	err := p.do(func() error {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(p.tid(thread), &regs); err != nil {
			return fmt.Errorf("registers of thread %d: %w", thread, err)
		}
		out[0] = regs.Rax
		out[1] = regs.Rdx
		out[2] = regs.Rcx
		out[3] = regs.Rbx
		out[4] = regs.Rsi
		out[5] = regs.Rdi
		out[6] = regs.Rbp
		out[7] = regs.Rsp
		out[8] = regs.R8
		out[9] = regs.R9
		out[10] = regs.R10
		out[11] = regs.R11
		out[12] = regs.R12
		out[13] = regs.R13
		out[14] = regs.R14
		out[15] = regs.R15
		out[16] = regs.Rip
		return nil
	})
	return out, err
}

// PC implements program.Threads.
func (p *Process) PC(thread int) (uint64, error) {
	regs, err := p.Registers(thread)
	if err != nil {
		return 0, err
	}
	return regs.PC(p.arch), nil
}

func (p *Process) tid(thread int) int {
	if thread == 0 {
		return p.pid
	}
	return thread
}

// InstallBreakpoint patches a breakpoint instruction at addr, saving
// the original bytes. Installing twice is a no-op.
func (p *Process) InstallBreakpoint(addr uint64) error {
	return p.do(func() error {
		if _, ok := p.breakpoints[addr]; ok {
			return nil
		}
		var bp breakpoint
		bp.pc = addr
		if _, err := unix.PtracePeekData(p.pid, uintptr(addr), bp.origInstr[:p.arch.BreakpointSize]); err != nil {
			return fmt.Errorf("save instruction at %#x: %w", addr, err)
		}
		if _, err := unix.PtracePokeData(p.pid, uintptr(addr), p.arch.BreakpointInstr[:p.arch.BreakpointSize]); err != nil {
			return fmt.Errorf("patch breakpoint at %#x: %w", addr, err)
		}
		p.breakpoints[addr] = bp
		return nil
	})
}

// RemoveBreakpoint restores the original bytes at addr.
func (p *Process) RemoveBreakpoint(addr uint64) error {
	return p.do(func() error {
		bp, ok := p.breakpoints[addr]
		if !ok {
			return nil
		}
		if _, err := unix.PtracePokeData(p.pid, uintptr(addr), bp.origInstr[:p.arch.BreakpointSize]); err != nil {
			return fmt.Errorf("restore instruction at %#x: %w", addr, err)
		}
		delete(p.breakpoints, addr)
		return nil
	})
}

// ReturnSites scans the function body [lo, hi) for return
// instructions (ret and ret-imm16), completing program.Breakpoints.
// The scan is linear over code bytes; an opcode byte inside a longer
// instruction yields a site that never fires as a poll exit.
func (p *Process) ReturnSites(lo, hi uint64) ([]uint64, error) {
	if hi <= lo {
		return nil, nil
	}
	buf := make([]byte, hi-lo)
	if err := p.ReadMemory(lo, buf); err != nil {
		return nil, err
	}
	var sites []uint64
	for i, b := range buf {
		switch b {
		case 0xC3, 0xC2: // ret, ret imm16
			sites = append(sites, lo+uint64(i))
		}
	}
	return sites, nil
}

// Resume continues the target and blocks until the next stop.
// On a breakpoint stop the PC is rewound over the trap instruction.
func (p *Process) Resume() (Stop, error) {
	var stop Stop
	err := p.do(func() error {
		if err := unix.PtraceCont(p.pid, 0); err != nil {
			return fmt.Errorf("continue pid %d: %w", p.pid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(p.pid, &ws, 0, nil); err != nil {
			return err
		}
		if ws.Exited() {
			stop = Stop{Reason: StopExited}
			return nil
		}
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(p.pid, &regs); err != nil {
			return err
		}
		stop = Stop{Reason: StopSignal, Thread: p.pid, PC: regs.Rip}
		if ws.Stopped() && ws.StopSignal() == unix.SIGTRAP {
			pc := regs.Rip - uint64(p.arch.BreakpointSize)
			if _, ok := p.breakpoints[pc]; ok {
				regs.Rip = pc
				if err := unix.PtraceSetRegs(p.pid, &regs); err != nil {
					return err
				}
				stop = Stop{Reason: StopBreakpoint, Thread: p.pid, PC: pc}
			}
		}
		return nil
	})
	return stop, err
}

// StepOver executes one instruction past the breakpoint at the
// current PC, then reinstalls it.
func (p *Process) StepOver(addr uint64) error {
	return p.do(func() error {
		bp, ok := p.breakpoints[addr]
		if !ok {
			return unix.PtraceSingleStep(p.pid)
		}
		if _, err := unix.PtracePokeData(p.pid, uintptr(addr), bp.origInstr[:p.arch.BreakpointSize]); err != nil {
			return err
		}
		if err := unix.PtraceSingleStep(p.pid); err != nil {
			return err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(p.pid, &ws, 0, nil); err != nil {
			return err
		}
		_, err := unix.PtracePokeData(p.pid, uintptr(addr), p.arch.BreakpointInstr[:p.arch.BreakpointSize])
		return err
	})
}
