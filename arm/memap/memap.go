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

// Package memap implements the ARM MEM-AP memory transaction discipline:
// CSW/TAR/DRW register programming, 1 kB auto-increment windowing, and
// word-based read-modify-write for sub-word accesses (spec §4.2.3). Every
// access programs CSW.Size as 32-bit: 8- and 16-bit ranges are widened to
// whole words and merged, and CSW is never set to byte or halfword size.
// Grounded on mos/flash/common/cmsis-dap/memap/cmsis_dap_memap.go,
// generalized from dp.DPClient to arm/dp.Client (itself built on
// probe.Prober).
package memap

import (
	"encoding/binary"

	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/dp"
	"github.com/cesanta/mcudbg/errs"
)

// Reg is a MEM-AP register address.
type Reg uint8

const (
	RegCSW  Reg = 0x00
	RegTAR  Reg = 0x04
	RegDRW  Reg = 0x0c
	RegBASE Reg = 0xf8
	RegIDR  Reg = 0xfc
)

func (r Reg) String() string {
	switch r {
	case RegCSW:
		return "CSW"
	case RegTAR:
		return "TAR"
	case RegDRW:
		return "DRW"
	case RegBASE:
		return "BASE"
	case RegIDR:
		return "IDR"
	}
	return "MEM-AP reg"
}

const (
	cswDeviceEn = 1 << 6

	cswSizeByte     = 0
	cswSizeHalfword = 1
	cswSizeWord     = 2

	cswAddrIncSingle = 1 << 4
	cswAddrIncPacked = 2 << 4

	// autoIncWindow is the 10-LSB TAR auto-increment guarantee from ADIv5
	// (spec §4.2.2: "never assume more than the 10-LSB guarantee").
	autoIncWindow = 0x400
)

// Client is the MEM-AP memory access contract the ARM and (via a thin
// adapter) RISC-V core drivers are built against.
type Client interface {
	Init(ctx context.Context) error

	ReadReg(ctx context.Context, reg Reg) (uint32, error)
	WriteReg(ctx context.Context, reg Reg, value uint32) error

	ReadWord32(ctx context.Context, addr uint32) (uint32, error)
	WriteWord32(ctx context.Context, addr uint32, value uint32) error
	ReadWords32(ctx context.Context, addr uint32, length int) ([]uint32, error)
	WriteWords32(ctx context.Context, addr uint32, data []uint32) error

	// ReadMem/WriteMem accept any width and alignment, transparently
	// widening/narrowing via read-modify-write when the access doesn't
	// cover a whole word (spec §4.2.3). Writes never touch bytes outside
	// [addr, addr+len).
	ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMem(ctx context.Context, addr uint32, data []byte) error

	BaseAddress(ctx context.Context) (uint32, error)
}

type client struct {
	dpc   dp.Client
	apSel uint8

	// cachedCSW avoids redundant CSW writes across calls that use the
	// same access width, mirroring dp.Client's SELECT caching.
	cachedCSW uint32
	haveCSW   bool
}

// New builds a MEM-AP client bound to one AP index on the given DP.
func New(dpc dp.Client, apSel uint8) Client {
	return &client{dpc: dpc, apSel: apSel}
}

func (c *client) ReadReg(ctx context.Context, reg Reg) (uint32, error) {
	v, err := c.dpc.ReadAPReg(ctx, c.apSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, v)
	return v, errors.Trace(err)
}

func (c *client) WriteReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(c.dpc.WriteAPReg(ctx, c.apSel, uint8(reg), value))
}

func (c *client) Init(ctx context.Context) error {
	csw, err := c.ReadReg(ctx, RegCSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return errors.Trace(&errs.MemoryAccessError{Message: "MEM-AP is disabled"})
	}
	return errors.Trace(c.setCSW(ctx, cswSizeWord, cswAddrIncSingle))
}

func (c *client) setCSW(ctx context.Context, size uint32, addrInc uint32) error {
	csw := uint32(0x23000000) | addrInc | size
	if c.haveCSW && csw == c.cachedCSW {
		return nil
	}
	if err := c.WriteReg(ctx, RegCSW, csw); err != nil {
		return errors.Trace(err)
	}
	c.cachedCSW, c.haveCSW = csw, true
	return nil
}

func (c *client) BaseAddress(ctx context.Context) (uint32, error) {
	v, err := c.ReadReg(ctx, RegBASE)
	return v, errors.Trace(err)
}

func (c *client) ReadWord32(ctx context.Context, addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, errors.Trace(&errs.MemoryAccessError{Addr: uint64(addr), Len: 4, Message: "unaligned word read"})
	}
	if err := c.setCSW(ctx, cswSizeWord, cswAddrIncSingle); err != nil {
		return 0, errors.Trace(err)
	}
	if err := c.WriteReg(ctx, RegTAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.ReadReg(ctx, RegDRW)
	return v, errors.Trace(err)
}

func (c *client) WriteWord32(ctx context.Context, addr uint32, value uint32) error {
	if addr%4 != 0 {
		return errors.Trace(&errs.MemoryAccessError{Addr: uint64(addr), Len: 4, Message: "unaligned word write"})
	}
	if err := c.setCSW(ctx, cswSizeWord, cswAddrIncSingle); err != nil {
		return errors.Trace(err)
	}
	if err := c.WriteReg(ctx, RegTAR, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.WriteReg(ctx, RegDRW, value))
}

// windowRemaining returns how many words remain before the next 1 kB TAR
// auto-increment boundary (spec §4.2.2/§4.2.3, tested by §8's "1 kB
// boundary" property).
func windowRemaining(addr uint32) int {
	return int((autoIncWindow - addr&(autoIncWindow-1)) / 4)
}

func (c *client) ReadWords32(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	if addr%4 != 0 {
		return nil, errors.Trace(&errs.MemoryAccessError{Addr: uint64(addr), Len: length * 4, Message: "unaligned read"})
	}
	if err := c.setCSW(ctx, cswSizeWord, cswAddrIncSingle); err != nil {
		return nil, errors.Trace(err)
	}
	var res []uint32
	for i := 0; i < length; {
		if err := c.WriteReg(ctx, RegTAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		n := windowRemaining(addr)
		if n > length-i {
			n = length - i
		}
		// ReadAPRegMulti issues the posted-read sequence (dummy first
		// read, RDBUFF drain) internally via TransferBlock.
		values, err := c.dpc.ReadAPRegMulti(ctx, c.apSel, uint8(RegDRW), n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, values...)
		addr += uint32(n * 4)
		i += n
	}
	return res, nil
}

func (c *client) WriteWords32(ctx context.Context, addr uint32, data []uint32) error {
	if addr%4 != 0 {
		return errors.Trace(&errs.MemoryAccessError{Addr: uint64(addr), Len: len(data) * 4, Message: "unaligned write"})
	}
	if err := c.setCSW(ctx, cswSizeWord, cswAddrIncSingle); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < len(data); {
		if err := c.WriteReg(ctx, RegTAR, addr); err != nil {
			return errors.Trace(err)
		}
		n := windowRemaining(addr)
		if n > len(data)-i {
			n = len(data) - i
		}
		if err := c.dpc.WriteAPRegMulti(ctx, c.apSel, uint8(RegDRW), data[i:i+n]); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(n * 4)
		i += n
	}
	return nil
}

// ReadMem reads length bytes at any address/alignment. Whole words in the
// middle of the range go through ReadWords32; a partial word at either end
// is read as a full word and sliced, so callers never get a torn read.
func (c *client) ReadMem(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(length) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	words, err := c.ReadWords32(ctx, alignedStart, nWords)
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, nWords*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	off := int(addr - alignedStart)
	return buf[off : off+length], nil
}

// WriteMem writes data at any address/alignment. A sub-word edge is
// handled by read-modify-write so bytes outside [addr, addr+len) are never
// touched (spec §4.2.3, §8 "Round-trip memory" property).
func (c *client) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(len(data)) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	buf := make([]byte, nWords*4)

	needsRMW := addr != alignedStart || int(alignedEnd) != int(addr)+len(data)
	if needsRMW {
		existing, err := c.ReadWords32(ctx, alignedStart, nWords)
		if err != nil {
			return errors.Annotatef(err, "failed to read back for sub-word write")
		}
		for i, w := range existing {
			binary.LittleEndian.PutUint32(buf[i*4:], w)
		}
	}
	off := int(addr - alignedStart)
	copy(buf[off:off+len(data)], data)

	words := make([]uint32, nWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return errors.Trace(c.WriteWords32(ctx, alignedStart, words))
}
