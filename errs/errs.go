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

// Package errs defines the typed error values the core surfaces, so that
// callers can dispatch on error kind with errors.Cause() instead of
// string-matching. Construction and chain-building still goes through
// github.com/juju/errors (Trace/Annotatef) at call sites; these types are
// just the leaves of that chain.
package errs

import "fmt"

// UsbError covers USB-layer failures: enumeration, device-gone, timeouts.
type UsbError struct {
	Op  string
	Err error
}

func (e *UsbError) Error() string {
	return fmt.Sprintf("usb: %s: %s", e.Op, e.Err)
}

func (e *UsbError) Unwrap() error { return e.Err }

// ProbeKind identifies which driver a ProbeError came from.
type ProbeKind string

const (
	ProbeKindDap    ProbeKind = "cmsis-dap"
	ProbeKindStLink ProbeKind = "st-link"
	ProbeKindJLink  ProbeKind = "j-link"
	ProbeKindFtdi   ProbeKind = "ftdi"
)

// ProbeError covers per-probe-driver issues: unknown command, unsupported
// firmware, command rejected. Kind identifies which driver raised it.
type ProbeError struct {
	Kind    ProbeKind
	Message string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StLinkFirmwareTooOld is the dedicated error for §4.1.2's minimum firmware
// version gate: attaching to an older firmware fails with the observed
// version attached, not a generic ProbeError.
type StLinkFirmwareTooOld struct {
	Observed int
	Minimum  int
}

func (e *StLinkFirmwareTooOld) Error() string {
	return fmt.Sprintf("st-link: firmware too old (observed V%d, need >= V%d)", e.Observed, e.Minimum)
}

// ProtocolError covers SWD parity, DP FAULT after clear, JTAG tap mismatch,
// and DAP batch failures.
type ProtocolError struct {
	Message string
	// Index is set when a batch of transfers failed partway through; -1
	// when the driver cannot report which transfer failed (see
	// SPEC_FULL.md §7 on probe-dependent partial-batch reporting).
	Index int
}

func (e *ProtocolError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("protocol error at transfer %d: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// ArchitectureError covers DP power-up timeout, core did not halt/resume in
// time, register not ready.
type ArchitectureError struct {
	Message string
}

func (e *ArchitectureError) Error() string { return "architecture: " + e.Message }

// MemoryAccessError covers unaligned, out-of-range, or unsupported-width
// memory accesses.
type MemoryAccessError struct {
	Addr    uint64
	Len     int
	Message string
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access at 0x%x (%d bytes): %s", e.Addr, e.Len, e.Message)
}

// TargetError covers no-such-chip, ambiguous autodetect, memory-map
// violation.
type TargetError struct {
	Message string
}

func (e *TargetError) Error() string { return "target: " + e.Message }

// FlashOp names the flash-engine phase an error or timeout occurred in.
type FlashOp string

const (
	FlashOpInit         FlashOp = "init"
	FlashOpUninit       FlashOp = "uninit"
	FlashOpEraseSector  FlashOp = "erase_sector"
	FlashOpEraseChip    FlashOp = "erase_chip"
	FlashOpProgramPage  FlashOp = "program_page"
	FlashOpVerify       FlashOp = "verify"
)

// FlashError is the flash-engine error family from spec §7.
type FlashError struct {
	Op      FlashOp
	Code    uint32 // status register value, when applicable
	Sector  uint64
	Page    uint64
	Addr    uint64
	Message string
}

func (e *FlashError) Error() string {
	switch e.Op {
	case FlashOpInit:
		return fmt.Sprintf("flash: init failed (code 0x%x)", e.Code)
	case FlashOpEraseSector:
		return fmt.Sprintf("flash: erase of sector 0x%x failed (code 0x%x)", e.Sector, e.Code)
	case FlashOpProgramPage:
		return fmt.Sprintf("flash: program of page 0x%x failed (code 0x%x)", e.Page, e.Code)
	case FlashOpVerify:
		return fmt.Sprintf("flash: verify mismatch at 0x%x", e.Addr)
	default:
		return fmt.Sprintf("flash: %s: %s", e.Op, e.Message)
	}
}

// BadAlgorithm indicates a flash algorithm blob failed to stage or run.
type BadAlgorithm struct {
	Message string
}

func (e *BadAlgorithm) Error() string { return "flash: bad algorithm: " + e.Message }

// Timeout is the bounded-wait-exhaustion error shared across components:
// halt, flash step, power-up ack, abstract-command busy.
type Timeout struct {
	Op       string
	Duration string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timeout waiting for %s (after %s)", e.Op, e.Duration)
}

// NoBreakpointAvailable is returned when a breakpoint table of fixed
// capacity N is already full.
type NoBreakpointAvailable struct {
	Capacity int
}

func (e *NoBreakpointAvailable) Error() string {
	return fmt.Sprintf("no hardware breakpoint slot available (capacity %d)", e.Capacity)
}
