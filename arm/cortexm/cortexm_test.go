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

package cortexm

import (
	"context"
	"testing"

	"github.com/cesanta/mcudbg/arm/memap"
)

// fakeMem is a word-addressed register file standing in for a Cortex-M's
// debug register block. DHCSR always reads back as halted, so Halt/Step's
// WaitHalt resolves on the first poll.
type fakeMem struct {
	regs map[uint32]uint32
}

func newFakeMem(cpuid, fpctrl uint32) *fakeMem {
	return &fakeMem{regs: map[uint32]uint32{
		regCPUID: cpuid,
		regFPCTRL: fpctrl,
		regDHCSR:  dhcsrSHalt,
	}}
}

func (f *fakeMem) Init(ctx context.Context) error { return nil }
func (f *fakeMem) ReadReg(ctx context.Context, reg memap.Reg) (uint32, error)       { return 0, nil }
func (f *fakeMem) WriteReg(ctx context.Context, reg memap.Reg, value uint32) error  { return nil }

func (f *fakeMem) ReadWord32(ctx context.Context, addr uint32) (uint32, error) {
	if addr == regDHCSR {
		return f.regs[regDHCSR] | dhcsrSHalt, nil
	}
	return f.regs[addr], nil
}

func (f *fakeMem) WriteWord32(ctx context.Context, addr uint32, value uint32) error {
	f.regs[addr] = value
	return nil
}

func (f *fakeMem) ReadWords32(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	res := make([]uint32, length)
	for i := range res {
		res[i], _ = f.ReadWord32(ctx, addr+uint32(i*4))
	}
	return res, nil
}

func (f *fakeMem) WriteWords32(ctx context.Context, addr uint32, data []uint32) error {
	for i, v := range data {
		f.regs[addr+uint32(i*4)] = v
	}
	return nil
}

func (f *fakeMem) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	return nil, nil
}
func (f *fakeMem) WriteMem(ctx context.Context, addr uint32, data []byte) error { return nil }
func (f *fakeMem) BaseAddress(ctx context.Context) (uint32, error)              { return 0, nil }

func TestDecodeCPUIDKnownParts(t *testing.T) {
	cases := []struct {
		cpuid uint32
		want  string
	}{
		{0x410fc240, "Cortex-M4"},
		{0x410cc200, "Cortex-M0"},
		{0x410fc270, "Cortex-M7"},
		{0x410fd210, "Cortex-M33"},
	}
	for _, c := range cases {
		p, ok := DecodeCPUID(c.cpuid)
		if !ok {
			t.Errorf("CPUID 0x%08x: expected a known part", c.cpuid)
			continue
		}
		if p.Name != c.want {
			t.Errorf("CPUID 0x%08x: got %q, want %q", c.cpuid, p.Name, c.want)
		}
	}
}

func TestDecodeCPUIDUnknown(t *testing.T) {
	if _, ok := DecodeCPUID(0x410fffff); ok {
		t.Fatalf("expected an unrecognized part number to report ok=false")
	}
}

func TestNewProbesBreakpointCapacity(t *testing.T) {
	// FP_CTRL with NUM_CODE = 6: bits [7:4]=6, bits[14:12]=0.
	fpctrl := uint32(6 << 4)
	mem := newFakeMem(0x410fc240, fpctrl)
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if got := core.AvailableBreakpoints(); got != 6 {
		t.Errorf("AvailableBreakpoints() = %d, want 6", got)
	}
}

func TestSetHWBreakpointExhaustion(t *testing.T) {
	fpctrl := uint32(2 << 4) // NUM_CODE = 2
	mem := newFakeMem(0x410fc240, fpctrl)
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	ctx := context.Background()
	if err := core.SetHWBreakpoint(ctx, 0x1000); err != nil {
		t.Fatalf("SetHWBreakpoint(1): %s", err)
	}
	if err := core.SetHWBreakpoint(ctx, 0x2000); err != nil {
		t.Fatalf("SetHWBreakpoint(2): %s", err)
	}
	if err := core.SetHWBreakpoint(ctx, 0x3000); err == nil {
		t.Fatalf("expected NoBreakpointAvailable on the third slot")
	}
	if got := core.AvailableBreakpoints(); got != 0 {
		t.Errorf("AvailableBreakpoints() = %d, want 0", got)
	}

	if err := core.ClearHWBreakpoint(ctx, 0x1000); err != nil {
		t.Fatalf("ClearHWBreakpoint: %s", err)
	}
	if got := core.AvailableBreakpoints(); got != 1 {
		t.Errorf("AvailableBreakpoints() after clear = %d, want 1", got)
	}
	if err := core.SetHWBreakpoint(ctx, 0x3000); err != nil {
		t.Fatalf("SetHWBreakpoint after clear: %s", err)
	}
}

func TestSetHWBreakpointRejectsOddAddress(t *testing.T) {
	mem := newFakeMem(0x410fc240, uint32(2<<4))
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if err := core.SetHWBreakpoint(context.Background(), 0x1001); err == nil {
		t.Fatalf("expected an error for an odd breakpoint address")
	}
}

func TestSetHWBreakpointFPBv1EncodesReplaceBits(t *testing.T) {
	fpctrl := uint32(2 << 4) // REV=0 (FPBv1), NUM_CODE=2
	mem := newFakeMem(0x410fc240, fpctrl)
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	ctx := context.Background()
	if err := core.SetHWBreakpoint(ctx, 0x08000102); err != nil {
		t.Fatalf("SetHWBreakpoint: %s", err)
	}
	got := mem.regs[regFPCOMP]
	want := uint32(2<<30) | (uint32(0x08000102) & 0x1ffffffc) | 1
	if got != want {
		t.Errorf("FP_COMP0 = 0x%08x, want 0x%08x (FPBv1 REPLACE encoding)", got, want)
	}
}

// TestSetHWBreakpointFPBv2EncodesDirectAddress exercises Cortex-M33, an
// FPBv2-only part: FP_CTRL.REV must steer SetHWBreakpoint away from
// FPBv1's REPLACE-bit format to FPBv2's direct-address comparator, or the
// programmed breakpoint would never actually trigger on real M33 silicon.
func TestSetHWBreakpointFPBv2EncodesDirectAddress(t *testing.T) {
	fpctrl := uint32(1<<28) | uint32(2<<4) // REV=1 (FPBv2), NUM_CODE=2
	mem := newFakeMem(0x410fd210, fpctrl)  // Cortex-M33
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	ctx := context.Background()
	addr := uint32(0x08000102)
	if err := core.SetHWBreakpoint(ctx, addr); err != nil {
		t.Fatalf("SetHWBreakpoint: %s", err)
	}
	got := mem.regs[regFPCOMP]
	want := (addr &^ 1) | 1
	if got != want {
		t.Errorf("FP_COMP0 = 0x%08x, want 0x%08x (FPBv2 direct-address encoding)", got, want)
	}
	if got&(3<<30) != 0 {
		t.Errorf("FP_COMP0 = 0x%08x carries FPBv1 REPLACE bits on an FPBv2 part", got)
	}
}

// TestSetHWBreakpointFPBv2InferredWhenRevReadsZero covers silicon that
// leaves FP_CTRL.REV at its reset value of 0 despite being FPBv2 (the M33
// table entry's IsV8M flag is the fallback for exactly this case).
func TestSetHWBreakpointFPBv2InferredWhenRevReadsZero(t *testing.T) {
	fpctrl := uint32(2 << 4) // REV=0, NUM_CODE=2
	mem := newFakeMem(0x410fd210, fpctrl)
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	addr := uint32(0x08000102)
	if err := core.SetHWBreakpoint(context.Background(), addr); err != nil {
		t.Fatalf("SetHWBreakpoint: %s", err)
	}
	if got, want := mem.regs[regFPCOMP], (addr&^1)|1; got != want {
		t.Errorf("FP_COMP0 = 0x%08x, want 0x%08x (FPBv2 direct-address encoding)", got, want)
	}
}

func TestHaltAndStep(t *testing.T) {
	mem := newFakeMem(0x410fc240, uint32(2<<4))
	core, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	ctx := context.Background()
	if err := core.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	halted, err := core.Halted(ctx)
	if err != nil {
		t.Fatalf("Halted: %s", err)
	}
	if !halted {
		t.Errorf("expected core to report halted")
	}
	if err := core.Step(ctx); err != nil {
		t.Fatalf("Step: %s", err)
	}
}
