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
	"encoding/binary"

	"github.com/cesanta/mcudbg/arm/cortexm"
	"github.com/cesanta/mcudbg/riscv/rvcore"
)

// Trampoline opcodes the executor stages once at trampolineAddr() during
// stage(), so the algorithm's LR return actually hits a debug-halt event
// (spec §4.5.2 step 2).
const (
	thumbBKPT0  = 0xbe00     // ARMv7-M/v8-M Thumb `BKPT #0`, 16-bit
	riscvEbreak = 0x00100073 // RISC-V `ebreak`, 32-bit
)

// Reg names the CMSIS flash-algorithm ABI's argument/control registers in
// an architecture-neutral way (spec §4.5.2, §6.4).
type Reg int

const (
	RegR0 Reg = iota
	RegR1
	RegR2
	RegR3
	RegSP
	RegLR
	RegPC
)

// Core is the minimal register/run contract the executor needs from an
// architecture core driver. arm/cortexm.Core and riscv/rvcore.Core each
// satisfy it via the adapters below, so the executor in executor.go never
// branches on architecture.
type Core interface {
	SetReg(ctx context.Context, reg Reg, value uint32) error
	GetReg(ctx context.Context, reg Reg) (uint32, error)
	Resume(ctx context.Context) error
	Halted(ctx context.Context) (bool, error)

	// TrampolineOpcode returns the architecture's breakpoint instruction,
	// little-endian encoded, for the executor to plant at trampolineAddr()
	// (spec §4.5.2 step 2).
	TrampolineOpcode() []byte
}

// ARMCore adapts arm/cortexm.Core to the executor's Core contract; R0-R3
// and SP/LR/PC map directly onto Cortex-M's DCRSR select indices.
type ARMCore struct {
	*cortexm.Core
}

func (a ARMCore) regIndex(r Reg) int {
	switch r {
	case RegR0:
		return 0
	case RegR1:
		return 1
	case RegR2:
		return 2
	case RegR3:
		return 3
	case RegSP:
		return cortexm.SP
	case RegLR:
		return cortexm.LR
	case RegPC:
		return cortexm.PC
	}
	return 0
}

func (a ARMCore) SetReg(ctx context.Context, r Reg, value uint32) error {
	return a.Core.SetReg(ctx, a.regIndex(r), value)
}

func (a ARMCore) GetReg(ctx context.Context, r Reg) (uint32, error) {
	return a.Core.GetReg(ctx, a.regIndex(r))
}

// TrampolineOpcode returns a Thumb `BKPT #0`, the ARMv7-M/v8-M debug-halt
// instruction.
func (a ARMCore) TrampolineOpcode() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, thumbBKPT0)
	return b
}

// RiscVCore adapts riscv/rvcore.Core to the executor's Core contract. The
// CMSIS ABI's R0-R3 map onto RISC-V's a0-a3 (x10-x13) calling-convention
// registers, SP is x2, LR is x1 (ra), and PC is rvcore's dpc sentinel.
type RiscVCore struct {
	*rvcore.Core
}

func (r RiscVCore) regIndex(reg Reg) int {
	switch reg {
	case RegR0:
		return 10
	case RegR1:
		return 11
	case RegR2:
		return 12
	case RegR3:
		return 13
	case RegSP:
		return 2
	case RegLR:
		return 1
	case RegPC:
		return rvcore.PCIndex
	}
	return 0
}

func (r RiscVCore) SetReg(ctx context.Context, reg Reg, value uint32) error {
	return r.Core.SetReg(ctx, r.regIndex(reg), value)
}

func (r RiscVCore) GetReg(ctx context.Context, reg Reg) (uint32, error) {
	return r.Core.GetReg(ctx, r.regIndex(reg))
}

// TrampolineOpcode returns an `ebreak`, the RISC-V debug-halt instruction.
func (r RiscVCore) TrampolineOpcode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, riscvEbreak)
	return b
}
