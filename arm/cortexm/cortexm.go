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

// Package cortexm implements the Cortex-M core debug contract: halt,
// resume, step, reset-and-halt, register file access via DCRSR/DCRDR, and
// FPB-backed hardware breakpoints (spec §4.4). Grounded on
// mos/flash/common/cortex/{cortex_debug.go,cm4_debug.go}'s cm4Debug,
// generalized from one fixed CPUID check (M4-only) to a part table
// covering M0/M0+/M1/M3/M4/M7/M33, and from an unbounded busy-wait loop to
// retry.Poll's bounded, CPU-yielding discipline (spec §5).
package cortexm

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/memap"
	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe/retry"
)

const (
	regCPUID = 0xe000ed00
	regAIRCR = 0xe000ed0c
	aircrKey = 0x05fa0000

	regDHCSR = 0xe000edf0
	dhcsrKey = 0xa05f0000
	regDCRSR = 0xe000edf4
	regDCRDR = 0xe000edf8
	regDEMCR = 0xe000edfc

	dhcsrCDebugEn  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrCStep     = 1 << 2
	dhcsrSRegReady = 1 << 16
	dhcsrSHalt     = 1 << 17

	demcrVCCorereset = 1 << 0
	demcrVCHardErr   = 1 << 10

	// FPB (Flash Patch and Breakpoint Unit), ARMv7-M RM C1.11.
	regFPCTRL = 0xe0002000
	regFPCOMP = 0xe0002008 // FP_COMP0, stride 4

	// RegXPSR, RegMSP, RegPSP are the DCRSR "register select" indices for
	// the special registers beyond R0-R15.
	RegXPSR = 0x10
	RegMSP  = 0x11
	RegPSP  = 0x12
)

// Part names a decoded Cortex-M implementation, generalized from
// cortex_debug.go's TargetName switch over CPUID partno.
type Part struct {
	Name   string
	PartNo uint32
	HasFPU bool
	// IsV8M marks Armv8-M parts (M23/M33/...), which carry FPBv2's
	// direct-address comparators instead of FPBv1's REPLACE-bit encoding.
	IsV8M bool
}

var parts = []Part{
	{"Cortex-M0", 0xc20, false, false},
	{"Cortex-M0+", 0xc60, false, false},
	{"Cortex-M1", 0xc21, false, false},
	{"Cortex-M3", 0xc23, false, false},
	{"Cortex-M4", 0xc24, true, false},
	{"Cortex-M7", 0xc27, true, false},
	{"Cortex-M23", 0xd20, false, true},
	{"Cortex-M33", 0xd21, true, true},
}

// isFPBv2Part reports whether p's architecture implies FPBv2 comparators
// even when FP_CTRL's REV field itself reads 0.
func isFPBv2Part(p Part) bool { return p.IsV8M }

// DecodeCPUID identifies the core implementation from its CPUID register
// value. The FPU bit is informational only; actual FPU presence is read
// separately from MVFR0 where it matters.
func DecodeCPUID(cpuid uint32) (Part, bool) {
	partno := (cpuid >> 4) & 0xfff
	for _, p := range parts {
		if p.PartNo == partno {
			return p, true
		}
	}
	return Part{}, false
}

// RegFile is the Cortex-M core register snapshot used by GetRegs/SetRegs.
type RegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

const (
	SP = 13
	LR = 14
	PC = 15
)

func (r RegFile) String() string {
	return fmt.Sprintf("[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
		"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}

// haltTimeout bounds WaitHalt/reset-and-halt; a core that never asserts
// S_HALT is a target-side fault, not an infinite wait (spec §5).
const haltTimeout = 2 * time.Second

// Core is the per-target Cortex-M debug session.
type Core struct {
	mem memap.Client

	part      Part
	cpuid     uint32
	fpbRev    int
	numBkpt   int
	bkptSlots []uint32 // 0 == free; else FP_COMPn's programmed literal address
}

// New probes the CPUID register, identifies the part, and reads the FPB's
// breakpoint capacity out of FP_CTRL.
func New(ctx context.Context, mem memap.Client) (*Core, error) {
	c := &Core{mem: mem}
	cpuid, err := mem.ReadWord32(ctx, regCPUID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read CPUID")
	}
	c.cpuid = cpuid
	part, ok := DecodeCPUID(cpuid)
	if !ok {
		glog.Warningf("cortexm: unrecognized CPUID 0x%08x, proceeding generically", cpuid)
		part = Part{Name: fmt.Sprintf("unknown (CPUID 0x%08x)", cpuid)}
	}
	c.part = part

	fpctrl, err := mem.ReadWord32(ctx, regFPCTRL)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read FP_CTRL")
	}
	// NUM_CODE is split across bits [7:4] (low) and [14:12] (high) of FP_CTRL.
	numCodeLo := (fpctrl >> 4) & 0xf
	numCodeHi := (fpctrl >> 12) & 0x7
	c.numBkpt = int(numCodeLo | (numCodeHi << 4))
	c.bkptSlots = make([]uint32, c.numBkpt)
	// REV[31:28] distinguishes FPBv1 (REPLACE-bit comparators, ARMv7-M RM
	// C1.11.1) from FPBv2 (direct-address comparators, Armv8-M FPB); v8-M
	// parts like Cortex-M33 are FPBv2 regardless of what REV actually
	// reads on silicon that leaves it at 0, so fall back on the part table.
	c.fpbRev = int((fpctrl >> 28) & 0xf)
	if c.fpbRev == 0 && isFPBv2Part(c.part) {
		c.fpbRev = 1
	}
	if err := mem.WriteWord32(ctx, regFPCTRL, 0x3 /* KEY|ENABLE */); err != nil {
		return nil, errors.Annotatef(err, "failed to enable FPB")
	}
	return c, nil
}

func (c *Core) Part() Part { return c.part }

func (c *Core) setDebugState(ctx context.Context, dhcsr, demcr uint32) error {
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsr); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	return errors.Annotatef(c.mem.WriteWord32(ctx, regDEMCR, demcr), "failed to set DEMCR")
}

// Halt asserts C_DEBUGEN|C_HALT and waits for S_HALT.
func (c *Core) Halt(ctx context.Context) error {
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return errors.Annotatef(err, "failed to halt core")
	}
	return errors.Trace(c.WaitHalt(ctx))
}

// Resume clears C_HALT, letting the core run.
func (c *Core) Resume(ctx context.Context) error {
	return errors.Annotatef(c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn), "failed to resume core")
}

// Step executes a single instruction via C_STEP.
func (c *Core) Step(ctx context.Context) error {
	if err := c.mem.WriteWord32(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCStep); err != nil {
		return errors.Annotatef(err, "failed to step core")
	}
	return errors.Trace(c.WaitHalt(ctx))
}

// ResetAndHalt resets the core with VC_CORERESET armed, so the core stops
// at the reset vector before any application code runs.
func (c *Core) ResetAndHalt(ctx context.Context) error {
	if err := c.setDebugState(ctx, dhcsrKey|dhcsrCDebugEn, demcrVCCorereset|demcrVCHardErr); err != nil {
		return errors.Annotatef(err, "failed to arm reset-halt")
	}
	if err := c.mem.WriteWord32(ctx, regAIRCR, aircrKey|0x4 /* SYSRESETREQ */); err != nil {
		return errors.Annotatef(err, "failed to request system reset")
	}
	return errors.Trace(c.WaitHalt(ctx))
}

// ResetAndRun resets the core with debug disabled.
func (c *Core) ResetAndRun(ctx context.Context) error {
	if err := c.setDebugState(ctx, dhcsrKey, 0); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(c.mem.WriteWord32(ctx, regAIRCR, aircrKey|0x4), "failed to request system reset")
}

// WaitHalt polls DHCSR.S_HALT, bounded by haltTimeout (spec §5: no
// unbounded busy-wait).
func (c *Core) WaitHalt(ctx context.Context) error {
	return errors.Trace(retry.Poll(ctx, haltTimeout, "core halt", func() (bool, error) {
		dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
		if err != nil {
			return false, errors.Annotatef(err, "failed to read DHCSR")
		}
		glog.V(3).Infof("DHCSR 0x%08x", dhcsr)
		return dhcsr&dhcsrSHalt != 0, nil
	}))
}

// Halted reports whether the core is currently halted, without waiting.
func (c *Core) Halted(ctx context.Context) (bool, error) {
	dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
	if err != nil {
		return false, errors.Annotatef(err, "failed to read DHCSR")
	}
	return dhcsr&dhcsrSHalt != 0, nil
}

func (c *Core) waitRegReady(ctx context.Context) error {
	return errors.Trace(retry.Poll(ctx, haltTimeout, "DCRSR ready", func() (bool, error) {
		dhcsr, err := c.mem.ReadWord32(ctx, regDHCSR)
		if err != nil {
			return false, errors.Annotatef(err, "failed to read DHCSR")
		}
		return dhcsr&dhcsrSRegReady != 0, nil
	}))
}

// SetReg writes one core register by DCRSR select index (0-15 for R0-R15,
// RegXPSR/RegMSP/RegPSP for the rest).
func (c *Core) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := c.mem.WriteWord32(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.mem.WriteWord32(ctx, regDCRSR, (1<<16)|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitRegReady(ctx))
}

// GetReg reads one core register by DCRSR select index.
func (c *Core) GetReg(ctx context.Context, reg int) (uint32, error) {
	if err := c.mem.WriteWord32(ctx, regDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to wait for register read")
	}
	value, err := c.mem.ReadWord32(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

// SetRegs writes the full register file, in the order the teacher's
// cm4Debug.SetRegs uses: R0-R15 then xPSR, MSP, PSP.
func (c *Core) SetRegs(ctx context.Context, regs RegFile) error {
	glog.V(3).Infof("SetRegs(%s)", regs)
	for i := 0; i < 16; i++ {
		if err := c.SetReg(ctx, i, regs.R[i]); err != nil {
			return errors.Annotatef(err, "failed to set R%d", i)
		}
	}
	if err := c.SetReg(ctx, RegXPSR, regs.XPSR); err != nil {
		return errors.Annotatef(err, "failed to set xPSR")
	}
	if err := c.SetReg(ctx, RegMSP, regs.MSP); err != nil {
		return errors.Annotatef(err, "failed to set MSP")
	}
	return errors.Annotatef(c.SetReg(ctx, RegPSP, regs.PSP), "failed to set PSP")
}

// GetRegs reads the full register file.
func (c *Core) GetRegs(ctx context.Context) (RegFile, error) {
	var regs RegFile
	for i := 0; i < 16; i++ {
		v, err := c.GetReg(ctx, i)
		if err != nil {
			return RegFile{}, errors.Annotatef(err, "failed to get R%d", i)
		}
		regs.R[i] = v
	}
	var err error
	if regs.XPSR, err = c.GetReg(ctx, RegXPSR); err != nil {
		return RegFile{}, errors.Annotatef(err, "failed to get xPSR")
	}
	if regs.MSP, err = c.GetReg(ctx, RegMSP); err != nil {
		return RegFile{}, errors.Annotatef(err, "failed to get MSP")
	}
	if regs.PSP, err = c.GetReg(ctx, RegPSP); err != nil {
		return RegFile{}, errors.Annotatef(err, "failed to get PSP")
	}
	glog.V(3).Infof("Regs: %s", regs)
	return regs, nil
}

// AvailableBreakpoints returns how many of the FPB's hardware breakpoint
// comparators are currently unused.
func (c *Core) AvailableBreakpoints() int {
	n := 0
	for _, v := range c.bkptSlots {
		if v == 0 {
			n++
		}
	}
	return n
}

// SetHWBreakpoint programs a free FP_COMP slot to match addr. It returns
// errs.NoBreakpointAvailable when the fixed-capacity table (spec §4.4,
// "hardware breakpoint exhaustion") is full.
func (c *Core) SetHWBreakpoint(ctx context.Context, addr uint32) error {
	if addr%2 != 0 {
		return errors.Errorf("breakpoint address 0x%x must be halfword-aligned", addr)
	}
	for _, v := range c.bkptSlots {
		if v == addr {
			return nil // already set
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
		return errors.Trace(&errs.NoBreakpointAvailable{Capacity: c.numBkpt})
	}
	val := c.encodeComparator(addr)
	if err := c.mem.WriteWord32(ctx, regFPCOMP+uint32(slot*4), val); err != nil {
		return errors.Annotatef(err, "failed to program FP_COMP%d", slot)
	}
	c.bkptSlots[slot] = addr
	return nil
}

// encodeComparator builds the FP_COMPn value for addr, branching on the
// FPB revision read out of FP_CTRL in New (spec §4.4: "FPBv1 needs the
// 'replace' bits computed from the PC low bit; FPBv2 takes the address
// directly").
func (c *Core) encodeComparator(addr uint32) uint32 {
	if c.fpbRev == 0 {
		// FPBv1 COMP format (ARMv7-M RM C1.11.3): REPLACE[31:30]=01 (lower
		// halfword) or 10 (upper), COMP[28:2]=addr[28:2], ENABLE[0]=1.
		replace := uint32(1 << 30)
		if addr&0x2 != 0 {
			replace = 2 << 30
		}
		return replace | (addr & 0x1ffffffc) | 1
	}
	// FPBv2 COMP format (Armv8-M FPB): the full halfword-aligned address in
	// bits [31:1], ENABLE[0]=1. No REPLACE field.
	return (addr &^ 1) | 1
}

// ClearHWBreakpoint disables the comparator watching addr, if any.
func (c *Core) ClearHWBreakpoint(ctx context.Context, addr uint32) error {
	for i, v := range c.bkptSlots {
		if v == addr {
			if err := c.mem.WriteWord32(ctx, regFPCOMP+uint32(i*4), 0); err != nil {
				return errors.Annotatef(err, "failed to clear FP_COMP%d", i)
			}
			c.bkptSlots[i] = 0
			return nil
		}
	}
	return nil
}
