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

// Package rvcore is the RISC-V core driver: it wraps riscv/dm to satisfy
// the same halt/resume/step/register/breakpoint contract arm/cortexm
// exposes for ARM, so session.Core can host either architecture behind
// one API (spec §4.4, §6.1).
package rvcore

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/riscv/dm"
)

// GPR regno base for x0..x31, per the RISC-V Debug Spec's regno map
// (0x1000 + architectural register number).
const gprBase = 0x1000

// csr regnos used here.
const (
	csrDPC     = 0x7b1 // dpc: the hart's PC at halt
	csrMStatus = 0x300
)

// RegFile is the RV32 integer register snapshot.
type RegFile struct {
	X  [32]uint32
	PC uint32
}

func (r RegFile) String() string {
	return "RV32 regs"
}

// triggerCapacity bounds how many Trigger Module slots rvcore will probe
// for at attach; tselect is write-then-read-back until it stops changing,
// but real implementations rarely exceed a handful.
const triggerCapacity = 8

// mcontrolExecute|U|S|M matches on instruction fetch in every privilege
// mode, per the Trigger Module's mcontrol type-2 fields.
const mcontrolMatchExec = (2 << 28) | (1 << 6) | (1 << 4) | (1 << 3) | (1 << 2) // type=2|M|S|U|EXECUTE

// Core is the per-hart RISC-V debug session.
type Core struct {
	dm dm.Client

	numTriggers int
	bkptSlots   []uint32
}

// New works on whichever hart is already selected on dmc (it selects none
// itself) and probes the Trigger Module's slot count by scanning tselect.
func New(ctx context.Context, dmc dm.Client) (*Core, error) {
	c := &Core{dm: dmc}
	n, err := c.probeTriggerCount(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to probe trigger module")
	}
	c.numTriggers = n
	c.bkptSlots = make([]uint32, n)
	return c, nil
}

const tselectRegno = 0x7a0
const tdata1Regno = 0x7a1
const tdata2Regno = 0x7a2

func (c *Core) probeTriggerCount(ctx context.Context) (int, error) {
	n := 0
	for i := 0; i < triggerCapacity; i++ {
		if err := c.dm.WriteGPR(ctx, tselectRegno, uint32(i)); err != nil {
			return n, errors.Trace(err)
		}
		got, err := c.dm.ReadGPR(ctx, tselectRegno)
		if err != nil {
			return n, errors.Trace(err)
		}
		if got != uint32(i) {
			break
		}
		n++
	}
	return n, nil
}

func (c *Core) Halt(ctx context.Context) error {
	return errors.Trace(c.dm.Halt(ctx))
}

func (c *Core) Resume(ctx context.Context) error {
	return errors.Trace(c.dm.Resume(ctx))
}

// Step single-steps by setting dcsr.step, resuming, and waiting for the
// re-halt dcsr.step triggers automatically.
func (c *Core) Step(ctx context.Context) error {
	const dcsrRegno = 0x7b0
	dcsr, err := c.dm.ReadGPR(ctx, dcsrRegno)
	if err != nil {
		return errors.Annotatef(err, "failed to read dcsr")
	}
	if err := c.dm.WriteGPR(ctx, dcsrRegno, dcsr|1 /* step */); err != nil {
		return errors.Annotatef(err, "failed to set dcsr.step")
	}
	if err := c.dm.Resume(ctx); err != nil {
		return errors.Annotatef(err, "failed to resume for step")
	}
	// Resume() already polls dmstatus for resume-ack; a single-step halts
	// almost immediately after, well inside the same poll's deadline, so a
	// second Halted() check is sufficient rather than a fresh poll loop.
	halted, err := c.dm.Halted(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted {
		return errors.Trace(&errs.ArchitectureError{Message: "core did not halt after single step"})
	}
	return errors.Trace(c.dm.WriteGPR(ctx, dcsrRegno, dcsr&^uint32(1)))
}

func (c *Core) Halted(ctx context.Context) (bool, error) {
	return c.dm.Halted(ctx)
}

func (c *Core) GetReg(ctx context.Context, reg int) (uint32, error) {
	if reg == PCIndex {
		return c.dm.ReadGPR(ctx, csrDPC)
	}
	v, err := c.dm.ReadGPR(ctx, gprBase+uint32(reg))
	return v, errors.Annotatef(err, "failed to get x%d", reg)
}

func (c *Core) SetReg(ctx context.Context, reg int, value uint32) error {
	if reg == PCIndex {
		return errors.Annotatef(c.dm.WriteGPR(ctx, csrDPC, value), "failed to set dpc")
	}
	return errors.Annotatef(c.dm.WriteGPR(ctx, gprBase+uint32(reg), value), "failed to set x%d", reg)
}

// PCIndex is the sentinel register index GetReg/SetReg use for the
// program counter, since RV32 has no architectural "R15" the way Cortex-M
// does; callers address it the same way they'd address any other special
// register.
const PCIndex = 32

func (c *Core) GetRegs(ctx context.Context) (RegFile, error) {
	var regs RegFile
	for i := 0; i < 32; i++ {
		v, err := c.dm.ReadGPR(ctx, gprBase+uint32(i))
		if err != nil {
			return RegFile{}, errors.Annotatef(err, "failed to get x%d", i)
		}
		regs.X[i] = v
	}
	pc, err := c.dm.ReadGPR(ctx, csrDPC)
	if err != nil {
		return RegFile{}, errors.Annotatef(err, "failed to get dpc")
	}
	regs.PC = pc
	glog.V(3).Infof("rvcore regs: pc=0x%x", pc)
	return regs, nil
}

func (c *Core) AvailableBreakpoints() int {
	n := 0
	for _, v := range c.bkptSlots {
		if v == 0 {
			n++
		}
	}
	return n
}

// SetHWBreakpoint programs a free Trigger Module slot for an
// instruction-fetch address match (spec §4.4: "configure mcontrol for
// instruction-fetch match").
func (c *Core) SetHWBreakpoint(ctx context.Context, addr uint32) error {
	for _, v := range c.bkptSlots {
		if v == addr {
			return nil
		}
	}
	slot := -1
	for i, v := range c.bkptSlots {
		if v == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.Trace(&errs.NoBreakpointAvailable{Capacity: c.numTriggers})
	}
	if err := c.dm.WriteGPR(ctx, tselectRegno, uint32(slot)); err != nil {
		return errors.Annotatef(err, "failed to select trigger %d", slot)
	}
	if err := c.dm.WriteGPR(ctx, tdata2Regno, addr); err != nil {
		return errors.Annotatef(err, "failed to set trigger address")
	}
	if err := c.dm.WriteGPR(ctx, tdata1Regno, mcontrolMatchExec); err != nil {
		return errors.Annotatef(err, "failed to arm trigger %d", slot)
	}
	c.bkptSlots[slot] = addr
	return nil
}

func (c *Core) ClearHWBreakpoint(ctx context.Context, addr uint32) error {
	for i, v := range c.bkptSlots {
		if v == addr {
			if err := c.dm.WriteGPR(ctx, tselectRegno, uint32(i)); err != nil {
				return errors.Annotatef(err, "failed to select trigger %d", i)
			}
			if err := c.dm.WriteGPR(ctx, tdata1Regno, 0); err != nil {
				return errors.Annotatef(err, "failed to disarm trigger %d", i)
			}
			c.bkptSlots[i] = 0
			return nil
		}
	}
	return nil
}
