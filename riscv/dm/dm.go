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

// Package dm implements the RISC-V Debug Module transport: dmcontrol
// handshake, abstract-command register access and progbuf-based memory
// access (spec §4.4). The pack carried no RISC-V debug example, so this
// is built in the same idiom as arm/dp (probe.Prober-backed client,
// bounded retry.Poll waits, juju/errors chains) rather than copied from
// any one teacher file.
package dm

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/probe/retry"
)

// Reg is a Debug Module register address, per the RISC-V Debug
// Specification's "dm" address map.
type Reg uint8

const (
	RegDMControl  Reg = 0x10
	RegDMStatus   Reg = 0x11
	RegHartInfo   Reg = 0x12
	RegAbstractCS Reg = 0x16
	RegCommand    Reg = 0x17
	RegData0      Reg = 0x04 // Data0..Data11 are 0x04..0x0f
	RegProgBuf0   Reg = 0x20 // ProgBuf0..ProgBuf15 are 0x20..0x2f
)

const (
	dmcontrolDMActive  = 1 << 0
	dmcontrolHaltReq   = 1 << 31
	dmcontrolResumeReq = 1 << 30
	dmcontrolHartReset = 1 << 29
	dmcontrolAckHaveReset = 1 << 28

	dmstatusAllHalted   = 1 << 9
	dmstatusAnyHalted   = 1 << 8
	dmstatusAllRunning  = 1 << 11
	dmstatusAnyRunning  = 1 << 10
	dmstatusAllResumeAck = 1 << 17

	abstractcsBusy     = 1 << 12
	abstractcsCmdErrMask = 0x7 << 8
	abstractcsDataCountMask = 0xf
	abstractcsProgBufSizeShift = 24
	abstractcsProgBufSizeMask = 0x1f
)

// CommandType is the abstract-command "cmdtype" field.
type CommandType uint32

const (
	CommandAccessRegister CommandType = 0
	CommandQuickAccess    CommandType = 1
	CommandAccessMemory   CommandType = 2
)

const (
	arSizeShift  = 20
	arSize32     = 2
	arPostexec   = 1 << 18
	arTransfer   = 1 << 17
	arWrite      = 1 << 16
)

// dmTimeout bounds every bounded poll in this package (dmactive ack,
// halt/resume ack, abstract-command busy).
const dmTimeout = 2 * time.Second

// Client is the RISC-V Debug Module contract the rvcore driver is built
// against.
type Client interface {
	Init(ctx context.Context) error
	SelectHart(ctx context.Context, hart int) error

	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
	Halted(ctx context.Context) (bool, error)

	// ReadGPR/WriteGPR access integer registers by DWARF-ish regno (0x1000
	// + architectural register number, per the Debug Spec's regno map).
	ReadGPR(ctx context.Context, regno uint32) (uint32, error)
	WriteGPR(ctx context.Context, regno uint32, value uint32) error

	ReadMem32(ctx context.Context, addr uint32) (uint32, error)
	WriteMem32(ctx context.Context, addr uint32, value uint32) error

	ProgBufSize() int
	DataCount() int
}

type client struct {
	p    probe.Prober
	hart int

	progBufSize int
	dataCount   int
}

// New wires a Debug Module client on top of a probe.Prober (the DM's
// registers ride over the same DP/AP-style Transfer primitive used for
// ARM, addressed to a JTAG-DTM DMI bus instead of ADIv5; the abstraction
// at the Prober level is identical).
func New(p probe.Prober) Client {
	return &client{p: p}
}

func (c *client) readDM(ctx context.Context, reg Reg) (uint32, error) {
	res, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortDP, Dir: probe.DirRead, Reg: uint8(reg)}})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DM reg 0x%x", reg)
	}
	return res[0].Value, nil
}

func (c *client) writeDM(ctx context.Context, reg Reg, value uint32) error {
	_, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortDP, Dir: probe.DirWrite, Reg: uint8(reg), Data: value}})
	return errors.Annotatef(err, "failed to write DM reg 0x%x", reg)
}

// Init sets dmactive and polls for the module to come out of reset, then
// reads abstractcs once to cache the hart's programbuf/data capacity.
func (c *client) Init(ctx context.Context) error {
	if err := c.writeDM(ctx, RegDMControl, dmcontrolDMActive); err != nil {
		return errors.Trace(err)
	}
	if err := retry.Poll(ctx, dmTimeout, "dmactive", func() (bool, error) {
		v, err := c.readDM(ctx, RegDMControl)
		if err != nil {
			return false, errors.Trace(err)
		}
		return v&dmcontrolDMActive != 0, nil
	}); err != nil {
		return errors.Annotatef(err, "debug module never activated")
	}
	acs, err := c.readDM(ctx, RegAbstractCS)
	if err != nil {
		return errors.Annotatef(err, "failed to read abstractcs")
	}
	c.dataCount = int(acs & abstractcsDataCountMask)
	c.progBufSize = int((acs >> abstractcsProgBufSizeShift) & abstractcsProgBufSizeMask)
	glog.V(2).Infof("riscv dm: datacount=%d progbufsize=%d", c.dataCount, c.progBufSize)
	return errors.Trace(c.SelectHart(ctx, 0))
}

func (c *client) SelectHart(ctx context.Context, hart int) error {
	c.hart = hart
	hartsello := uint32(hart) & 0x3ff
	hartselhi := (uint32(hart) >> 10) & 0x3ff
	return errors.Trace(c.writeDM(ctx, RegDMControl, dmcontrolDMActive|(hartselhi<<6)|(hartsello<<16)))
}

func (c *client) dmcontrolBase() uint32 {
	hartsello := uint32(c.hart) & 0x3ff
	hartselhi := (uint32(c.hart) >> 10) & 0x3ff
	return dmcontrolDMActive | (hartselhi << 6) | (hartsello << 16)
}

func (c *client) Halt(ctx context.Context) error {
	if err := c.writeDM(ctx, RegDMControl, c.dmcontrolBase()|dmcontrolHaltReq); err != nil {
		return errors.Annotatef(err, "failed to request halt")
	}
	err := retry.Poll(ctx, dmTimeout, "hart halt", func() (bool, error) {
		st, err := c.readDM(ctx, RegDMStatus)
		if err != nil {
			return false, errors.Trace(err)
		}
		return st&dmstatusAllHalted != 0, nil
	})
	// Clear haltreq regardless of outcome: leaving it set would re-assert
	// on the next dmcontrol write.
	if werr := c.writeDM(ctx, RegDMControl, c.dmcontrolBase()); werr != nil && err == nil {
		err = werr
	}
	return errors.Trace(err)
}

func (c *client) Resume(ctx context.Context) error {
	if err := c.writeDM(ctx, RegDMControl, c.dmcontrolBase()|dmcontrolResumeReq); err != nil {
		return errors.Annotatef(err, "failed to request resume")
	}
	err := retry.Poll(ctx, dmTimeout, "hart resume", func() (bool, error) {
		st, err := c.readDM(ctx, RegDMStatus)
		if err != nil {
			return false, errors.Trace(err)
		}
		return st&dmstatusAllResumeAck != 0, nil
	})
	if werr := c.writeDM(ctx, RegDMControl, c.dmcontrolBase()); werr != nil && err == nil {
		err = werr
	}
	return errors.Trace(err)
}

func (c *client) Halted(ctx context.Context) (bool, error) {
	st, err := c.readDM(ctx, RegDMStatus)
	if err != nil {
		return false, errors.Trace(err)
	}
	return st&dmstatusAnyHalted != 0, nil
}

// runAbstractCommand writes command and waits for abstractcs.busy to
// clear, per spec §4.4: "wait for abstractcs.busy=0, check cmderr; on any
// non-zero cmderr, write abstractcs to clear and retry once."
func (c *client) runAbstractCommand(ctx context.Context, command uint32) error {
	run := func() error {
		if err := c.writeDM(ctx, RegCommand, command); err != nil {
			return errors.Annotatef(err, "failed to issue abstract command")
		}
		return errors.Trace(retry.Poll(ctx, dmTimeout, "abstract command", func() (bool, error) {
			acs, err := c.readDM(ctx, RegAbstractCS)
			if err != nil {
				return false, errors.Trace(err)
			}
			return acs&abstractcsBusy == 0, nil
		}))
	}
	if err := run(); err != nil {
		return errors.Trace(err)
	}
	acs, err := c.readDM(ctx, RegAbstractCS)
	if err != nil {
		return errors.Annotatef(err, "failed to read abstractcs after command")
	}
	if acs&abstractcsCmdErrMask == 0 {
		return nil
	}
	cmderr := (acs & abstractcsCmdErrMask) >> 8
	// Clear cmderr (write-1-to-clear) and retry exactly once.
	if err := c.writeDM(ctx, RegAbstractCS, abstractcsCmdErrMask); err != nil {
		return errors.Annotatef(err, "failed to clear abstractcs.cmderr")
	}
	if err := run(); err != nil {
		return errors.Trace(err)
	}
	acs, err = c.readDM(ctx, RegAbstractCS)
	if err != nil {
		return errors.Trace(err)
	}
	if acs&abstractcsCmdErrMask != 0 {
		return errors.Trace(&errs.ArchitectureError{Message: "abstract command failed twice, cmderr " + cmderrName((acs&abstractcsCmdErrMask)>>8)})
	}
	return nil
}

func cmderrName(code uint32) string {
	switch code {
	case 1:
		return "busy"
	case 2:
		return "not supported"
	case 3:
		return "exception"
	case 4:
		return "halt/resume"
	case 5:
		return "bus error"
	case 7:
		return "other"
	default:
		return "unknown"
	}
}

func (c *client) ReadGPR(ctx context.Context, regno uint32) (uint32, error) {
	cmd := uint32(CommandAccessRegister)<<24 | (arSize32 << arSizeShift) | arTransfer | regno
	if err := c.runAbstractCommand(ctx, cmd); err != nil {
		return 0, errors.Annotatef(err, "failed to read register 0x%x", regno)
	}
	return c.readDM(ctx, RegData0)
}

func (c *client) WriteGPR(ctx context.Context, regno uint32, value uint32) error {
	if err := c.writeDM(ctx, RegData0, value); err != nil {
		return errors.Trace(err)
	}
	cmd := uint32(CommandAccessRegister)<<24 | (arSize32 << arSizeShift) | arTransfer | arWrite | regno
	return errors.Annotatef(c.runAbstractCommand(ctx, cmd), "failed to write register 0x%x", regno)
}

// Program slots for the progbuf memory-access routine (spec §4.4: "a
// two-instruction program lw/sw + ebreak").
const (
	dscratchRegno = 0x7b2 // dscratch0; the routines below stage the address in x10 (a0) instead
)

func (c *client) ProgBufSize() int { return c.progBufSize }
func (c *client) DataCount() int   { return c.dataCount }

// ReadMem32 stages addr in GPR x10 (a0, regno 0x100a), runs a progbuf
// `lw x10, 0(x10); ebreak`, and reads the result back out of x10.
func (c *client) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	if c.progBufSize < 2 {
		return 0, errors.Trace(&errs.ArchitectureError{Message: "target has no usable progbuf"})
	}
	const a0 = 0x100a
	if err := c.WriteGPR(ctx, a0, addr); err != nil {
		return 0, errors.Annotatef(err, "failed to stage address")
	}
	const lwA0A0 = 0x00052503 // lw a0, 0(a0)
	const ebreak = 0x00100073
	if err := c.writeDM(ctx, RegProgBuf0, lwA0A0); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.writeDM(ctx, RegProgBuf0+1, ebreak); err != nil {
		return 0, errors.Trace(err)
	}
	cmd := uint32(CommandAccessRegister)<<24 | (arSize32 << arSizeShift) | arPostexec | arTransfer | a0
	if err := c.runAbstractCommand(ctx, cmd); err != nil {
		return 0, errors.Annotatef(err, "failed to execute progbuf read at 0x%x", addr)
	}
	return c.ReadGPR(ctx, a0)
}

// WriteMem32 stages addr in x10 and value in x11 (a1, regno 0x100b), runs
// `sw x11, 0(x10); ebreak`.
func (c *client) WriteMem32(ctx context.Context, addr uint32, value uint32) error {
	if c.progBufSize < 2 {
		return errors.Trace(&errs.ArchitectureError{Message: "target has no usable progbuf"})
	}
	const a0 = 0x100a
	const a1 = 0x100b
	if err := c.WriteGPR(ctx, a0, addr); err != nil {
		return errors.Annotatef(err, "failed to stage address")
	}
	if err := c.WriteGPR(ctx, a1, value); err != nil {
		return errors.Annotatef(err, "failed to stage value")
	}
	const swA1A0 = 0x00b52023 // sw a1, 0(a0)
	const ebreak = 0x00100073
	if err := c.writeDM(ctx, RegProgBuf0, swA1A0); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeDM(ctx, RegProgBuf0+1, ebreak); err != nil {
		return errors.Trace(err)
	}
	cmd := uint32(CommandAccessRegister)<<24 | (arSize32 << arSizeShift) | arPostexec
	return errors.Annotatef(c.runAbstractCommand(ctx, cmd), "failed to execute progbuf write at 0x%x", addr)
}
