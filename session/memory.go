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

package session

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
)

// Memory is the public target-memory contract (spec §6.1): every address
// is a uint64 so the same interface covers 32- and 64-bit targets, even
// though this core only implements 32-bit ones today.
type Memory interface {
	ReadWord32(ctx context.Context, addr uint64) (uint32, error)
	ReadWord16(ctx context.Context, addr uint64) (uint16, error)
	ReadWord8(ctx context.Context, addr uint64) (uint8, error)
	WriteWord32(ctx context.Context, addr uint64, value uint32) error
	WriteWord16(ctx context.Context, addr uint64, value uint16) error
	WriteWord8(ctx context.Context, addr uint64, value uint8) error
	Read(ctx context.Context, addr uint64, length int) ([]byte, error)
	Write(ctx context.Context, addr uint64, data []byte) error
	Flush(ctx context.Context) error
}

func checkAddr32(addr uint64) error {
	if addr > 0xffffffff {
		return errors.Trace(&errs.MemoryAccessError{Addr: addr, Message: "address exceeds 32-bit target address space"})
	}
	return nil
}

// Memory returns the Memory view for this core (spec §6.1's Session/Core
// surface exposing a uniform memory interface over heterogeneous probe
// hardware).
func (c *Core) Memory() Memory {
	return &coreMemory{c: c}
}

// coreMemory implements Memory by delegating byte-range access to the
// architecture's memory interface (arm/memap for Cortex-M, riscv/dm for
// RISC-V) and building 8/16-bit word accessors on top of the shared
// byte-range helpers, since both backing interfaces already widen/narrow
// internally (memap.Client) or operate one word at a time (riscv/dm).
type coreMemory struct {
	c *Core
}

func (m *coreMemory) Read(ctx context.Context, addr uint64, length int) ([]byte, error) {
	if err := checkAddr32(addr); err != nil {
		return nil, err
	}
	m.c.s.lock()
	defer m.c.s.unlock()
	if m.c.arm != nil {
		b, err := m.c.mem.ReadMem(ctx, uint32(addr), length)
		return b, errors.Trace(err)
	}
	return m.readRiscV(ctx, uint32(addr), length)
}

func (m *coreMemory) Write(ctx context.Context, addr uint64, data []byte) error {
	if err := checkAddr32(addr); err != nil {
		return err
	}
	m.c.s.lock()
	defer m.c.s.unlock()
	if m.c.arm != nil {
		return errors.Trace(m.c.mem.WriteMem(ctx, uint32(addr), data))
	}
	return m.writeRiscV(ctx, uint32(addr), data)
}

// readRiscV reads length bytes starting at addr, widening to whole words
// at either edge exactly like arm/memap.Client.ReadMem does, since
// riscv/dm.Client only offers word-granularity access.
func (m *coreMemory) readRiscV(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(length) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	buf := make([]byte, nWords*4)
	for i := 0; i < nWords; i++ {
		w, err := m.c.dm.ReadMem32(ctx, alignedStart+uint32(i*4))
		if err != nil {
			return nil, errors.Trace(err)
		}
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	off := int(addr - alignedStart)
	return buf[off : off+length], nil
}

func (m *coreMemory) writeRiscV(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(len(data)) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	buf := make([]byte, nWords*4)
	needsRMW := addr != alignedStart || int(alignedEnd) != int(addr)+len(data)
	if needsRMW {
		for i := 0; i < nWords; i++ {
			w, err := m.c.dm.ReadMem32(ctx, alignedStart+uint32(i*4))
			if err != nil {
				return errors.Annotatef(err, "failed to read back for sub-word write")
			}
			binary.LittleEndian.PutUint32(buf[i*4:], w)
		}
	}
	off := int(addr - alignedStart)
	copy(buf[off:off+len(data)], data)
	for i := 0; i < nWords; i++ {
		if err := m.c.dm.WriteMem32(ctx, alignedStart+uint32(i*4), binary.LittleEndian.Uint32(buf[i*4:])); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (m *coreMemory) ReadWord32(ctx context.Context, addr uint64) (uint32, error) {
	b, err := m.Read(ctx, addr, 4)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *coreMemory) ReadWord16(ctx context.Context, addr uint64) (uint16, error) {
	b, err := m.Read(ctx, addr, 2)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *coreMemory) ReadWord8(ctx context.Context, addr uint64) (uint8, error) {
	b, err := m.Read(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return b[0], nil
}

func (m *coreMemory) WriteWord32(ctx context.Context, addr uint64, value uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return errors.Trace(m.Write(ctx, addr, b))
}

func (m *coreMemory) WriteWord16(ctx context.Context, addr uint64, value uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return errors.Trace(m.Write(ctx, addr, b))
}

func (m *coreMemory) WriteWord8(ctx context.Context, addr uint64, value uint8) error {
	return errors.Trace(m.Write(ctx, addr, []byte{value}))
}

// Flush is a no-op at this layer: arm/dp.Client issues DP/AP writes
// synchronously per Transfer call, and probe.Batcher drivers flush
// internally before any read. It exists so callers have an explicit point
// to force completion before a timing-sensitive operation (spec §4.1's
// "Batching contract").
func (m *coreMemory) Flush(ctx context.Context) error { return nil }
