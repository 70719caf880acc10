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

package flash

import (
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/memap"
	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe/retry"
	"github.com/cesanta/mcudbg/target"
)

// function codes for UnInit's argument, per spec §4.5.2 step 4 and the
// CMSIS flash-algo ABI (§6.4).
const (
	funcErase   = 1
	funcProgram = 2
	funcVerify  = 3
)

// Options controls one flash_image call (spec §6.1's FlashOptions).
type Options struct {
	Policy RestorePolicy
	// MinimizeWrites skips programming pages whose current contents
	// already match the image (digest pre-pass, grounded on
	// mos/flash/esp/flasher/flash.go's dedupImages).
	MinimizeWrites bool
}

// Executor drives a FlashAlgorithm on the target via the memory interface
// (spec §4.5.2).
type Executor struct {
	mem  memap.Client
	core Core
	algo *target.FlashAlgorithm
}

// NewExecutor binds an executor to one algorithm, memory interface and
// core driver. mem and core must address the same target core.
func NewExecutor(mem memap.Client, core Core, algo *target.FlashAlgorithm) *Executor {
	return &Executor{mem: mem, core: core, algo: algo}
}

// memReader adapts memap.Client to flash.PreReader for Plan's RestoreKeep
// pre-read step.
type memReader struct {
	mem memap.Client
	ctx context.Context
}

func (r memReader) ReadMem(addr uint32, length int) ([]byte, error) {
	return r.mem.ReadMem(r.ctx, addr, length)
}

// Image runs the full flash sequence: stage the algorithm, Init, plan the
// layout, erase + program, Verify, and last a deferred UnInit (spec §4.5.2
// steps 1-5).
func (e *Executor) Image(ctx context.Context, segments []Segment, opts Options) error {
	if err := e.stage(ctx); err != nil {
		return errors.Annotatef(err, "failed to stage flash algorithm")
	}

	if err := e.callInit(ctx); err != nil {
		return errors.Trace(err)
	}
	// Best-effort UnInit on any return path past Init. The core is not
	// halted first, so after an algorithm timeout it may still be running.
	defer func() {
		if err := e.callUninit(ctx, funcProgram); err != nil {
			glog.Warningf("flash: uninit failed: %s", err)
		}
	}()

	var pre PreReader
	if opts.Policy == RestoreKeep {
		pre = memReader{mem: e.mem, ctx: ctx}
	}
	layout, err := Plan(segments, e.algo, opts.Policy, pre)
	if err != nil {
		return errors.Annotatef(err, "failed to plan flash layout")
	}

	erased := map[uint64]bool{}
	for _, op := range layout.Erases {
		if erased[op.Addr] {
			continue // "sector erases issued at most once per sector per flash() call"
		}
		if err := e.callEraseSector(ctx, op.Addr); err != nil {
			return errors.Annotatef(err, "failed to erase sector 0x%x", op.Addr)
		}
		erased[op.Addr] = true
	}

	for _, op := range layout.Programs {
		if opts.MinimizeWrites {
			current, err := e.mem.ReadMem(ctx, uint32(op.Addr), len(op.Bytes))
			if err == nil && bytes.Equal(current, op.Bytes) {
				glog.V(2).Infof("flash: page 0x%x unchanged, skipping", op.Addr)
				continue
			}
		}
		if err := e.callProgramPage(ctx, op.Addr, op.Bytes); err != nil {
			return errors.Annotatef(err, "failed to program page 0x%x", op.Addr)
		}
	}

	return errors.Trace(e.verify(ctx, layout))
}

// stage writes the algorithm blob to LoadAddress, reads back the first and
// last word to confirm it landed, then plants the trampoline breakpoint
// instruction runToBreakpoint's LR will return to (spec §4.5.2 steps 1-2).
func (e *Executor) stage(ctx context.Context) error {
	if len(e.algo.Blob) == 0 {
		return errors.Trace(&errs.BadAlgorithm{Message: "empty algorithm blob"})
	}
	if err := e.mem.WriteMem(ctx, e.algo.LoadAddress, e.algo.Blob); err != nil {
		return errors.Trace(err)
	}
	first, err := e.mem.ReadMem(ctx, e.algo.LoadAddress, 4)
	if err != nil {
		return errors.Annotatef(err, "failed to read back first word")
	}
	lastOff := uint32(len(e.algo.Blob) - 4)
	last, err := e.mem.ReadMem(ctx, e.algo.LoadAddress+lastOff, 4)
	if err != nil {
		return errors.Annotatef(err, "failed to read back last word")
	}
	if !bytes.Equal(first, e.algo.Blob[:4]) || !bytes.Equal(last, e.algo.Blob[lastOff:]) {
		return errors.Trace(&errs.BadAlgorithm{Message: "staged blob readback mismatch"})
	}
	return errors.Annotatef(e.writeTrampoline(ctx), "failed to plant trampoline breakpoint")
}

// trampolineAddr is where the executor places a BKPT/ebreak instruction in
// the algorithm's RAM image for the algorithm's LR to return to (spec
// §4.5.2 step 2: "LR = a breakpoint trampoline address"). It defaults to
// immediately past the data-section page buffer, so the buffer staged by
// every callProgramPage/verify call can never overwrite it; algorithms
// that need a different layout set TrampolineOffset explicitly.
func (e *Executor) trampolineAddr() uint32 {
	off := e.algo.TrampolineOffset
	if off == 0 {
		off = e.algo.DataSectionOffset + e.algo.PageSize
	}
	return e.algo.LoadAddress + off
}

// writeTrampoline plants the one instruction runToBreakpoint relies on to
// turn "algorithm returns" into an observable debug halt. The opcode comes
// from the Core adapter itself (ARMCore: Thumb BKPT #0, RiscVCore:
// ebreak), so the executor never branches on architecture. It's written
// once, at stage time, never again, since callProgramPage/verify only
// ever touch the buffer slot below it.
func (e *Executor) writeTrampoline(ctx context.Context) error {
	return errors.Trace(e.mem.WriteMem(ctx, e.trampolineAddr(), e.core.TrampolineOpcode()))
}

// runToBreakpoint sets up R0-R3/SP/LR/PC, resumes, and polls for the core
// to halt back at the trampoline, bounded by timeout (spec §4.5.2,
// "resume; wait for halt up to <op>_timeout").
func (e *Executor) runToBreakpoint(ctx context.Context, op errs.FlashOp, pc uint32, r0, r1, r2, r3 uint32, timeout time.Duration) (uint32, error) {
	if err := e.core.SetReg(ctx, RegSP, e.algo.StackTop); err != nil {
		return 0, errors.Annotatef(err, "failed to set algorithm SP")
	}
	if err := e.core.SetReg(ctx, RegLR, e.trampolineAddr()); err != nil {
		return 0, errors.Annotatef(err, "failed to set algorithm LR")
	}
	if err := e.core.SetReg(ctx, RegPC, pc); err != nil {
		return 0, errors.Annotatef(err, "failed to set algorithm PC")
	}
	if err := e.core.SetReg(ctx, RegR0, r0); err != nil {
		return 0, errors.Annotatef(err, "failed to set R0")
	}
	if err := e.core.SetReg(ctx, RegR1, r1); err != nil {
		return 0, errors.Annotatef(err, "failed to set R1")
	}
	if err := e.core.SetReg(ctx, RegR2, r2); err != nil {
		return 0, errors.Annotatef(err, "failed to set R2")
	}
	if err := e.core.SetReg(ctx, RegR3, r3); err != nil {
		return 0, errors.Annotatef(err, "failed to set R3")
	}
	if err := e.core.Resume(ctx); err != nil {
		return 0, errors.Annotatef(err, "failed to resume algorithm")
	}
	err := retry.Poll(ctx, timeout, string(op), func() (bool, error) {
		return e.core.Halted(ctx)
	})
	if err != nil {
		// The core is not halted here; it may still be running the algorithm.
		return 0, errors.Trace(&errs.FlashError{Op: op, Message: err.Error()})
	}
	status, err := e.core.GetReg(ctx, RegR0)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read R0 status")
	}
	return status, nil
}

func (e *Executor) timeout(ms uint32, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Executor) callInit(ctx context.Context) error {
	status, err := e.runToBreakpoint(ctx, errs.FlashOpInit, e.algo.PCInit,
		uint32(e.algo.AddressRange.Start), 0 /* clock: target-default */, 0, /* function: init */
		0, e.timeout(e.algo.Timeouts.Init, 2*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	if status != 0 {
		return errors.Trace(&errs.FlashError{Op: errs.FlashOpInit, Code: status})
	}
	return nil
}

func (e *Executor) callUninit(ctx context.Context, function uint32) error {
	status, err := e.runToBreakpoint(ctx, errs.FlashOpUninit, e.algo.PCUninit, function, 0, 0, 0,
		e.timeout(e.algo.Timeouts.Uninit, 2*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	if status != 0 {
		return errors.Trace(&errs.FlashError{Op: errs.FlashOpUninit, Code: status})
	}
	return nil
}

func (e *Executor) callEraseSector(ctx context.Context, addr uint64) error {
	status, err := e.runToBreakpoint(ctx, errs.FlashOpEraseSector, e.algo.PCEraseSector, uint32(addr), 0, 0, 0,
		e.timeout(e.algo.Timeouts.Erase, 5*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	if status != 0 {
		return errors.Trace(&errs.FlashError{Op: errs.FlashOpEraseSector, Sector: addr, Code: status})
	}
	return nil
}

// callProgramPage writes buf to the algorithm's data-section buffer, then
// calls ProgramPage(addr, size, buffer_address) per the CMSIS ABI (spec
// §4.5.2 step 3).
func (e *Executor) callProgramPage(ctx context.Context, addr uint64, buf []byte) error {
	bufAddr := e.algo.LoadAddress + e.algo.DataSectionOffset
	if err := e.mem.WriteMem(ctx, bufAddr, buf); err != nil {
		return errors.Annotatef(err, "failed to stage page data")
	}
	status, err := e.runToBreakpoint(ctx, errs.FlashOpProgramPage, e.algo.PCProgramPage, uint32(addr), uint32(len(buf)), bufAddr, 0,
		e.timeout(e.algo.Timeouts.Program, 2*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	if status != 0 {
		return errors.Trace(&errs.FlashError{Op: errs.FlashOpProgramPage, Page: addr, Code: status})
	}
	return nil
}

// verify uses the algorithm's Verify entry point when present; otherwise
// it reads back every programmed page through the memory interface and
// compares (spec §4.5.2 step 5).
func (e *Executor) verify(ctx context.Context, layout *Layout) error {
	if e.algo.PCVerify != nil {
		for _, op := range layout.Programs {
			bufAddr := e.algo.LoadAddress + e.algo.DataSectionOffset
			if err := e.mem.WriteMem(ctx, bufAddr, op.Bytes); err != nil {
				return errors.Annotatef(err, "failed to stage verify data")
			}
			status, err := e.runToBreakpoint(ctx, errs.FlashOpVerify, *e.algo.PCVerify, uint32(op.Addr), uint32(len(op.Bytes)), bufAddr, 0,
				e.timeout(e.algo.Timeouts.Verify, 2*time.Second))
			if err != nil {
				return errors.Trace(err)
			}
			if status != 0 {
				return errors.Trace(&errs.FlashError{Op: errs.FlashOpVerify, Addr: op.Addr})
			}
		}
		return nil
	}
	for _, op := range layout.Programs {
		got, err := e.mem.ReadMem(ctx, uint32(op.Addr), len(op.Bytes))
		if err != nil {
			return errors.Annotatef(err, "failed to read back page 0x%x for verify", op.Addr)
		}
		if !bytes.Equal(got, op.Bytes) {
			return errors.Trace(&errs.FlashError{Op: errs.FlashOpVerify, Addr: op.Addr})
		}
	}
	return nil
}
