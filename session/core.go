// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/cortexm"
	"github.com/cesanta/mcudbg/arm/memap"
	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/riscv/dm"
	"github.com/cesanta/mcudbg/riscv/rvcore"
)

// RunState is the Core's poll-based halt state (spec §3 "Core"): there is
// no event stream, so RunState is only ever as fresh as the last status()
// call.
type RunState int

const (
	StateUnknown RunState = iota
	StateRunning
	StateHalted
	StateSleeping
	StateLockedUp
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateSleeping:
		return "sleeping"
	case StateLockedUp:
		return "locked up"
	default:
		return "unknown"
	}
}

// HaltReason further qualifies StateHalted.
type HaltReason int

const (
	HaltReasonUnknown HaltReason = iota
	HaltReasonRequest
	HaltReasonBreakpoint
	HaltReasonStep
	HaltReasonException
)

// Status is the result of Core.Status().
type Status struct {
	State  RunState
	Reason HaltReason
}

// Core is a view onto one CPU owned by a Session (spec §3 "Core", §6.1).
// Exactly one architecture-specific driver is non-nil.
type Core struct {
	s    *Session
	name string

	mem memap.Client
	arm *cortexm.Core

	dm    dm.Client
	riscv *rvcore.Core
}

func (c *Core) Name() string { return c.name }

// Halt stops the core (spec §6.1 halt(dur); the timeout is carried inside
// the driver's bounded poll rather than threaded through here, since both
// arm/cortexm and riscv/rvcore already enforce one per spec §5).
func (c *Core) Halt(ctx context.Context) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.Halt(ctx))
	}
	return errors.Trace(c.riscv.Halt(ctx))
}

// Run resumes the core.
func (c *Core) Run(ctx context.Context) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.Resume(ctx))
	}
	return errors.Trace(c.riscv.Resume(ctx))
}

// Step executes a single instruction and returns the resulting status.
func (c *Core) Step(ctx context.Context) (Status, error) {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		if err := c.arm.Step(ctx); err != nil {
			return Status{}, errors.Trace(err)
		}
	} else {
		if err := c.riscv.Step(ctx); err != nil {
			return Status{}, errors.Trace(err)
		}
	}
	return Status{State: StateHalted, Reason: HaltReasonStep}, nil
}

// Reset resets the core and lets it run without debug (spec §6.1 reset()).
// On a RISC-V core it resets nothing and returns an ArchitectureError.
func (c *Core) Reset(ctx context.Context) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.ResetAndRun(ctx))
	}
	return errors.Trace(&errs.ArchitectureError{Message: "RISC-V run-after-reset is driven by the DM's haltreq/resumereq, not a separate reset-and-run path"})
}

// ResetAndHalt resets the core and stops it at the reset vector (spec
// §6.1 reset_and_halt(dur)).
func (c *Core) ResetAndHalt(ctx context.Context) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.ResetAndHalt(ctx))
	}
	if err := c.dm.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(&errs.ArchitectureError{Message: "not yet implemented: RISC-V reset-and-halt needs a target-specific reset line, unlike ARM's AIRCR.SYSRESETREQ"})
}

// Status reports the core's current run state by polling once (spec §3:
// "state is poll-based (no event stream)").
func (c *Core) Status(ctx context.Context) (Status, error) {
	c.s.lock()
	defer c.s.unlock()
	var halted bool
	var err error
	if c.arm != nil {
		halted, err = c.arm.Halted(ctx)
	} else {
		halted, err = c.riscv.Halted(ctx)
	}
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	if halted {
		return Status{State: StateHalted, Reason: HaltReasonUnknown}, nil
	}
	return Status{State: StateRunning}, nil
}

// RegIndex is the architecture-specific register index passed straight
// through to the underlying core driver (DCRSR select index for ARM, x0-31
// plus rvcore.PCIndex for RISC-V); session.Core does not renumber it, so
// callers needing architecture independence should go through a register
// file descriptor supplied by the target description, not this method.
type RegIndex int

// ReadCoreReg reads one core register (spec §6.1 read_core_reg).
func (c *Core) ReadCoreReg(ctx context.Context, reg RegIndex) (uint32, error) {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return c.arm.GetReg(ctx, int(reg))
	}
	return c.riscv.GetReg(ctx, int(reg))
}

// WriteCoreReg writes one core register (spec §6.1 write_core_reg).
func (c *Core) WriteCoreReg(ctx context.Context, reg RegIndex, value uint32) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.SetReg(ctx, int(reg), value))
	}
	return errors.Trace(c.riscv.SetReg(ctx, int(reg), value))
}

// SetHWBreakpoint allocates a hardware breakpoint at addr (spec §6.1).
func (c *Core) SetHWBreakpoint(ctx context.Context, addr uint64) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.SetHWBreakpoint(ctx, uint32(addr)))
	}
	return errors.Trace(c.riscv.SetHWBreakpoint(ctx, uint32(addr)))
}

// ClearHWBreakpoint frees the breakpoint at addr, if any.
func (c *Core) ClearHWBreakpoint(ctx context.Context, addr uint64) error {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return errors.Trace(c.arm.ClearHWBreakpoint(ctx, uint32(addr)))
	}
	return errors.Trace(c.riscv.ClearHWBreakpoint(ctx, uint32(addr)))
}

// AvailableBreakpoints reports how many hardware breakpoint slots remain
// free.
func (c *Core) AvailableBreakpoints() int {
	c.s.lock()
	defer c.s.unlock()
	if c.arm != nil {
		return c.arm.AvailableBreakpoints()
	}
	return c.riscv.AvailableBreakpoints()
}

// ARMMemory returns the MEM-AP memory interface backing this core, for
// callers (flash.NewExecutor) that need direct memory access alongside
// the register API. Only valid for an ARM core.
func (c *Core) ARMMemory() (memap.Client, bool) { return c.mem, c.arm != nil }
