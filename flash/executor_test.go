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
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/memap"
	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/target"
)

// fakeMem is a byte-addressable memap.Client standing in for target RAM,
// enough to back stage/program/verify's WriteMem/ReadMem round trips.
type fakeMem struct {
	bytes map[uint32]byte
}

func newFakeMem() *fakeMem { return &fakeMem{bytes: map[uint32]byte{}} }

func (f *fakeMem) Init(ctx context.Context) error { return nil }

func (f *fakeMem) ReadReg(ctx context.Context, reg memap.Reg) (uint32, error)        { return 0, nil }
func (f *fakeMem) WriteReg(ctx context.Context, reg memap.Reg, value uint32) error   { return nil }

func (f *fakeMem) ReadWord32(ctx context.Context, addr uint32) (uint32, error) { return 0, nil }
func (f *fakeMem) WriteWord32(ctx context.Context, addr uint32, value uint32) error { return nil }
func (f *fakeMem) ReadWords32(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	return make([]uint32, length), nil
}
func (f *fakeMem) WriteWords32(ctx context.Context, addr uint32, data []uint32) error { return nil }

func (f *fakeMem) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	b := make([]byte, length)
	for i := range b {
		b[i] = f.bytes[addr+uint32(i)]
	}
	return b, nil
}

func (f *fakeMem) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	for i, b := range data {
		f.bytes[addr+uint32(i)] = b
	}
	return nil
}

func (f *fakeMem) BaseAddress(ctx context.Context) (uint32, error) { return 0, nil }

// fakeCore implements flash.Core against fakeMem: Resume doesn't just flip
// a flag, it actually "executes" by fetching the halfword at the current
// PC out of the backing memory and checking whether it's the BKPT #0
// opcode the executor is supposed to have planted at the trampoline
// address. Halted only reports true once that opcode has genuinely been
// fetched, so a missing/overwritten trampoline write surfaces as
// runToBreakpoint's retry.Poll timing out, exactly as it would on real
// hardware.
type fakeCore struct {
	mem  *fakeMem
	regs map[Reg]uint32

	halted bool

	r0Status  []uint32
	statusPos int

	// programPC, when set, is the ProgramPage entry point Resume emulates.
	programPC uint32
}

func newFakeCore(mem *fakeMem) *fakeCore { return &fakeCore{mem: mem, regs: map[Reg]uint32{}} }

func (c *fakeCore) SetReg(ctx context.Context, reg Reg, value uint32) error {
	c.regs[reg] = value
	return nil
}

func (c *fakeCore) GetReg(ctx context.Context, reg Reg) (uint32, error) {
	if reg != RegR0 {
		return c.regs[reg], nil
	}
	if c.statusPos < len(c.r0Status) {
		v := c.r0Status[c.statusPos]
		c.statusPos++
		return v, nil
	}
	return 0, nil
}

func (c *fakeCore) Resume(ctx context.Context) error {
	// A real core fetches and executes instructions from PC onward until it
	// hits the BKPT at LR; this fixture has no interpreter for the
	// algorithm blob itself. The one entry point it models is ProgramPage
	// (when programPC is set): it copies R1 bytes from the buffer at R2 to
	// the address in R0. It then jumps straight to "reached the return
	// address" and only halts if that address genuinely holds BKPT #0.
	if c.programPC != 0 && c.regs[RegPC] == c.programPC {
		buf, err := c.mem.ReadMem(ctx, c.regs[RegR2], int(c.regs[RegR1]))
		if err != nil {
			return err
		}
		if err := c.mem.WriteMem(ctx, c.regs[RegR0], buf); err != nil {
			return err
		}
	}
	lr := c.regs[RegLR]
	b, err := c.mem.ReadMem(ctx, lr, 2)
	if err != nil {
		return err
	}
	c.halted = b[0] == 0x00 && b[1] == 0xbe
	c.regs[RegPC] = lr
	return nil
}

func (c *fakeCore) Halted(ctx context.Context) (bool, error) { return c.halted, nil }

func (c *fakeCore) TrampolineOpcode() []byte { return []byte{0x00, 0xbe} }

func testExecutorAlgo() *target.FlashAlgorithm {
	return &target.FlashAlgorithm{
		Name:              "test-algo",
		LoadAddress:       0x20000000,
		DataSectionOffset: 0x1000,
		StackTop:          0x20002000,
		AddressRange:      target.AddressRange{Start: 0x08000000, End: 0x08004000},
		PageSize:          256,
		ErasedByteValue:   0xff,
		Blob:              []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04},
		PCInit:            0x20000001,
		PCUninit:          0x20000005,
		PCEraseSector:     0x20000009,
		PCProgramPage:     0x2000000d,
		Sectors: []target.SectorLayout{
			{Base: 0x08000000, Size: 0x1000},
		},
	}
}

func TestImageSucceedsEndToEnd(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	core.programPC = testExecutorAlgo().PCProgramPage
	exec := NewExecutor(mem, core, testExecutorAlgo())

	segs := []Segment{{Addr: 0x08000010, Bytes: []byte{1, 2, 3, 4}}}
	if err := exec.Image(context.Background(), segs, Options{Policy: RestoreErase}); err != nil {
		t.Fatalf("Image: %s", err)
	}
	if core.regs[RegSP] != 0x20002000 {
		t.Errorf("SP = 0x%x, want algorithm stack top", core.regs[RegSP])
	}
}

// TestImageTimesOutWhenTrampolineMissing exercises fakeCore's genuine
// Resume/Halted semantics (tied to what's actually sitting in target RAM
// at LR) rather than an always-true stub: if the executor never plants
// the trampoline breakpoint, runToBreakpoint's retry.Poll for Halted()
// must time out, since nothing in memory would ever cause a real core to
// report a debug halt.
func TestImageTimesOutWhenTrampolineMissing(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	algo := testExecutorAlgo()
	algo.Timeouts.Init = 1 // keep the inevitable timeout fast
	exec := NewExecutor(mem, core, algo)

	if err := exec.stage(context.Background()); err != nil {
		t.Fatalf("stage: %s", err)
	}
	// Clobber the trampoline the executor just planted, simulating a
	// regression where stage() forgets to write it.
	if err := mem.WriteMem(context.Background(), exec.trampolineAddr(), []byte{0, 0}); err != nil {
		t.Fatalf("clobber trampoline: %s", err)
	}

	if err := exec.callInit(context.Background()); err == nil {
		t.Fatalf("expected callInit to fail: the trampoline breakpoint is missing, so Halted() never observes a halt")
	}
}

// TestStagePlantsTrampolineOpcode confirms stage() writes the core
// adapter's breakpoint opcode at trampolineAddr(), distinct from the
// data-section page buffer address callProgramPage/verify stage into.
func TestStagePlantsTrampolineOpcode(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	algo := testExecutorAlgo()
	exec := NewExecutor(mem, core, algo)

	if err := exec.stage(context.Background()); err != nil {
		t.Fatalf("stage: %s", err)
	}

	trampoline := exec.trampolineAddr()
	bufAddr := algo.LoadAddress + algo.DataSectionOffset
	if trampoline == bufAddr {
		t.Fatalf("trampolineAddr() collides with the page buffer address 0x%x", bufAddr)
	}

	got, err := mem.ReadMem(context.Background(), trampoline, 2)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	want := core.TrampolineOpcode()
	if got[0] != want[0] || got[1] != want[1] {
		t.Errorf("trampoline bytes = %x, want %x", got, want)
	}
}

func TestImageFailsOnBadAlgorithmBlob(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	algo := testExecutorAlgo()
	algo.Blob = nil
	exec := NewExecutor(mem, core, algo)
	if err := exec.Image(context.Background(), nil, Options{Policy: RestoreErase}); err == nil {
		t.Fatalf("expected an error for an empty algorithm blob")
	}
}

func TestImageFailsWhenInitReportsNonzeroStatus(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	core.r0Status = []uint32{1} // Init's R0 status check fails
	exec := NewExecutor(mem, core, testExecutorAlgo())
	segs := []Segment{{Addr: 0x08000000, Bytes: []byte{1}}}
	err := exec.Image(context.Background(), segs, Options{Policy: RestoreErase})
	if err == nil {
		t.Fatalf("expected an error when Init reports a nonzero status")
	}
	if _, ok := errors.Cause(err).(*errs.FlashError); !ok {
		t.Errorf("expected the cause to be *errs.FlashError, got %T", errors.Cause(err))
	}
}

func TestImageSkipsProgramWhenMinimizeWritesMatches(t *testing.T) {
	mem := newFakeMem()
	core := newFakeCore(mem)
	exec := NewExecutor(mem, core, testExecutorAlgo())

	data := []byte{1, 2, 3, 4}
	segs := []Segment{{Addr: 0x08000000, Bytes: data}}
	// Pre-seed target RAM with exactly what the page would program, so the
	// digest pre-pass should skip the program step (the erased fill bytes
	// outside the segment still need to already read back as erased).
	page := make([]byte, 256)
	for i := range page {
		page[i] = 0xff
	}
	copy(page, data)
	if err := mem.WriteMem(context.Background(), 0x08000000, page); err != nil {
		t.Fatalf("seed: %s", err)
	}

	if err := exec.Image(context.Background(), segs, Options{Policy: RestoreErase, MinimizeWrites: true}); err != nil {
		t.Fatalf("Image: %s", err)
	}
}
