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

package dm

import (
	"context"
	"testing"

	"github.com/cesanta/mcudbg/probe"
)

// fakeProbe backs a small Debug Module register file: dmcontrol/dmstatus
// track a halted flag the way real hardware's handshake does, and
// abstractcs reports a scripted sequence of cmderr values so
// runAbstractCommand's clear-and-retry-once path can be exercised.
type fakeProbe struct {
	regs map[uint8]uint32

	halted    bool
	cmdErrSeq []uint32
	cmdErrPos int
}

func newFakeProbe(progBufSize, dataCount int) *fakeProbe {
	acs := uint32(dataCount&abstractcsDataCountMask) | uint32(progBufSize&abstractcsProgBufSizeMask)<<abstractcsProgBufSizeShift
	return &fakeProbe{
		regs: map[uint8]uint32{uint8(RegAbstractCS): acs},
	}
}

func (f *fakeProbe) Kind() probe.Kind { return probe.KindDap }
func (f *fakeProbe) Info() probe.Info { return probe.Info{} }

func (f *fakeProbe) SelectProtocol(ctx context.Context, proto probe.WireProtocol) error { return nil }
func (f *fakeProbe) SetSpeed(ctx context.Context, khz uint32) (uint32, error)           { return khz, nil }
func (f *fakeProbe) Attach(ctx context.Context) error                                  { return nil }
func (f *fakeProbe) Detach(ctx context.Context) error                                  { return nil }
func (f *fakeProbe) TargetReset(ctx context.Context, assert bool) error                { return nil }

func (f *fakeProbe) RawSWDSequence(ctx context.Context, numBits int, tdi []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeProbe) Transfer(ctx context.Context, batch []probe.Transfer) ([]probe.TransferResult, error) {
	res := make([]probe.TransferResult, len(batch))
	for i, t := range batch {
		reg := t.Reg
		if t.Dir == probe.DirWrite {
			f.applyWrite(reg, t.Data)
		} else {
			res[i] = probe.TransferResult{Value: f.read(reg)}
		}
	}
	return res, nil
}

func (f *fakeProbe) applyWrite(reg uint8, value uint32) {
	switch reg {
	case uint8(RegDMControl):
		f.regs[reg] = value
		if value&dmcontrolHaltReq != 0 {
			f.halted = true
		}
		if value&dmcontrolResumeReq != 0 {
			f.halted = false
		}
	case uint8(RegCommand):
		f.regs[reg] = value
		var cmderr uint32
		if f.cmdErrPos < len(f.cmdErrSeq) {
			cmderr = f.cmdErrSeq[f.cmdErrPos]
		}
		f.cmdErrPos++
		acs := f.regs[uint8(RegAbstractCS)] &^ abstractcsCmdErrMask
		f.regs[uint8(RegAbstractCS)] = acs | (cmderr << 8)
	case uint8(RegAbstractCS):
		// Write-1-to-clear semantics for cmderr.
		f.regs[uint8(RegAbstractCS)] &^= (value & abstractcsCmdErrMask)
	default:
		f.regs[reg] = value
	}
}

func (f *fakeProbe) read(reg uint8) uint32 {
	switch reg {
	case uint8(RegDMControl):
		return f.regs[reg] | dmcontrolDMActive
	case uint8(RegDMStatus):
		var st uint32
		if f.halted {
			st |= dmstatusAllHalted | dmstatusAnyHalted
		} else {
			st |= dmstatusAllRunning | dmstatusAnyRunning | dmstatusAllResumeAck
		}
		return st
	default:
		return f.regs[reg]
	}
}

func (f *fakeProbe) MaxBlockTransferWords() int { return 1 }

func (f *fakeProbe) TransferBlock(ctx context.Context, p probe.Port, ap uint8, reg uint8, length int, data []uint32) ([]uint32, error) {
	if data != nil {
		for _, v := range data {
			f.applyWrite(reg, v)
		}
		return nil, nil
	}
	res := make([]uint32, length)
	for i := range res {
		res[i] = f.read(reg)
	}
	return res, nil
}

func (f *fakeProbe) Close(ctx context.Context) error { return nil }

func TestInitActivatesAndSelectsHart(t *testing.T) {
	fp := newFakeProbe(2, 1)
	c := New(fp)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if c.(*client).progBufSize != 2 {
		t.Errorf("progBufSize = %d, want 2", c.(*client).progBufSize)
	}
	if c.(*client).dataCount != 1 {
		t.Errorf("dataCount = %d, want 1", c.(*client).dataCount)
	}
}

func TestHaltSetsThenClearsHaltReq(t *testing.T) {
	fp := newFakeProbe(2, 1)
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	halted, err := c.Halted(ctx)
	if err != nil {
		t.Fatalf("Halted: %s", err)
	}
	if !halted {
		t.Errorf("expected hart to report halted after Halt")
	}
	if fp.regs[uint8(RegDMControl)]&dmcontrolHaltReq != 0 {
		t.Errorf("haltreq was not cleared after the halt completed")
	}
}

func TestResumeClearsHalted(t *testing.T) {
	fp := newFakeProbe(2, 1)
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %s", err)
	}
	halted, err := c.Halted(ctx)
	if err != nil {
		t.Fatalf("Halted: %s", err)
	}
	if halted {
		t.Errorf("expected hart to report running after Resume")
	}
}

func TestReadWriteGPRRoundTrip(t *testing.T) {
	fp := newFakeProbe(2, 1)
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.WriteGPR(ctx, 0x100a, 0x12345678); err != nil {
		t.Fatalf("WriteGPR: %s", err)
	}
	got, err := c.ReadGPR(ctx, 0x100a)
	if err != nil {
		t.Fatalf("ReadGPR: %s", err)
	}
	if got != 0x12345678 {
		t.Errorf("got 0x%x, want 0x12345678", got)
	}
}

func TestAbstractCommandRetriesOnceOnCmdErr(t *testing.T) {
	fp := newFakeProbe(2, 1)
	fp.cmdErrSeq = []uint32{3, 0} // first attempt: "exception", second: clean
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.WriteGPR(ctx, 0x100a, 42); err != nil {
		t.Fatalf("WriteGPR: expected the retry-once path to succeed, got %s", err)
	}
}

func TestAbstractCommandFailsAfterTwoAttempts(t *testing.T) {
	fp := newFakeProbe(2, 1)
	fp.cmdErrSeq = []uint32{3, 3, 3}
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.WriteGPR(ctx, 0x100a, 42); err == nil {
		t.Fatalf("expected an error when cmderr persists across the retry")
	}
}

func TestReadWriteMem32RequiresProgBuf(t *testing.T) {
	fp := newFakeProbe(1, 1) // progbuf size 1: too small for lw/sw + ebreak
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if _, err := c.ReadMem32(ctx, 0x20000000); err == nil {
		t.Fatalf("expected an error with an undersized progbuf")
	}
	if err := c.WriteMem32(ctx, 0x20000000, 1); err == nil {
		t.Fatalf("expected an error with an undersized progbuf")
	}
}

func TestWriteMem32ExecutesWithoutError(t *testing.T) {
	fp := newFakeProbe(2, 1)
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.WriteMem32(ctx, 0x20000000, 0xdeadbeef); err != nil {
		t.Fatalf("WriteMem32: %s", err)
	}
}
