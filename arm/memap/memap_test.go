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

package memap

import (
	"bytes"
	"context"
	"testing"

	"github.com/cesanta/mcudbg/arm/dp"
)

// fakeDP emulates just enough ADIv5 AP-register behavior for memap's
// tests: CSW/TAR are plain registers, and DRW reads/writes act on a flat
// byte-addressable memory with TAR auto-increment, matching real MEM-AP
// hardware closely enough to exercise the client's windowing logic.
type fakeDP struct {
	csw uint32
	tar uint32
	mem map[uint32]byte
}

// newFakeDP reports CSW.DeviceEn set, as an enabled MEM-AP does, so that
// client.Init accepts it.
func newFakeDP() *fakeDP { return &fakeDP{csw: cswDeviceEn, mem: map[uint32]byte{}} }

func (f *fakeDP) Init(ctx context.Context) error               { return nil }
func (f *fakeDP) IDR(ctx context.Context) (dp.IDR, error)       { return dp.IDR(0), nil }
func (f *fakeDP) Abort(ctx context.Context) error               { return nil }

func (f *fakeDP) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	switch Reg(apReg) {
	case RegCSW:
		return f.csw, nil
	case RegTAR:
		return f.tar, nil
	case RegDRW:
		v := f.readWord(f.tar)
		f.tar += 4
		return v, nil
	}
	return 0, nil
}

func (f *fakeDP) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	switch Reg(apReg) {
	case RegCSW:
		f.csw = value
	case RegTAR:
		f.tar = value
	case RegDRW:
		f.writeWord(f.tar, value)
		f.tar += 4
	}
	return nil
}

func (f *fakeDP) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	res := make([]uint32, length)
	for i := range res {
		v, _ := f.ReadAPReg(ctx, apSel, apReg)
		res[i] = v
	}
	return res, nil
}

func (f *fakeDP) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	for _, v := range values {
		if err := f.WriteAPReg(ctx, apSel, apReg, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDP) readWord(addr uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(f.mem[addr+i]) << (8 * i)
	}
	return v
}

func (f *fakeDP) writeWord(addr uint32, v uint32) {
	for i := uint32(0); i < 4; i++ {
		f.mem[addr+i] = byte(v >> (8 * i))
	}
}

func TestReadWriteWord32RoundTrip(t *testing.T) {
	fd := newFakeDP()
	c := New(fd, 0)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}

	cases := []struct {
		addr uint32
		val  uint32
	}{
		{0x20000000, 0xdeadbeef},
		{0x20000004, 0x00000000},
		{0x20001000, 0xffffffff},
	}
	for _, c2 := range cases {
		if err := c.WriteWord32(ctx, c2.addr, c2.val); err != nil {
			t.Fatalf("WriteWord32(0x%x): %s", c2.addr, err)
		}
		got, err := c.ReadWord32(ctx, c2.addr)
		if err != nil {
			t.Fatalf("ReadWord32(0x%x): %s", c2.addr, err)
		}
		if got != c2.val {
			t.Errorf("addr 0x%x: got 0x%x, want 0x%x", c2.addr, got, c2.val)
		}
	}
}

func TestUnalignedWord32Rejected(t *testing.T) {
	c := New(newFakeDP(), 0)
	ctx := context.Background()
	if _, err := c.ReadWord32(ctx, 0x1001); err == nil {
		t.Fatalf("expected an error reading an unaligned word")
	}
	if err := c.WriteWord32(ctx, 0x1001, 1); err == nil {
		t.Fatalf("expected an error writing an unaligned word")
	}
}

// TestBlockCrossesWindowBoundary exercises a read that spans a 1 kB TAR
// auto-increment boundary, the property spec §8 calls out explicitly.
func TestBlockCrossesWindowBoundary(t *testing.T) {
	fd := newFakeDP()
	c := New(fd, 0)
	ctx := context.Background()

	base := uint32(0x20000000 + autoIncWindow - 8) // two words before the boundary
	want := make([]uint32, 8)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	if err := c.WriteWords32(ctx, base, want); err != nil {
		t.Fatalf("WriteWords32: %s", err)
	}
	got, err := c.ReadWords32(ctx, base, len(want))
	if err != nil {
		t.Fatalf("ReadWords32: %s", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d: got 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
}

// TestReadMemWriteMemSubWord exercises the read-modify-write path for
// ranges that don't cover whole words, and verifies bytes outside the
// written range are left untouched (spec §8 "round-trip memory" / "bytes
// outside the range are untouched").
func TestReadMemWriteMemSubWord(t *testing.T) {
	fd := newFakeDP()
	c := New(fd, 0)
	ctx := context.Background()

	base := uint32(0x20000000)
	sentinel := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}
	if err := c.WriteMem(ctx, base, sentinel); err != nil {
		t.Fatalf("seed WriteMem: %s", err)
	}

	// Overwrite 2 bytes straddling the middle, at an odd offset.
	if err := c.WriteMem(ctx, base+3, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("WriteMem: %s", err)
	}
	got, err := c.ReadMem(ctx, base, len(sentinel))
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	want := []byte{0xaa, 0xbb, 0xcc, 0x01, 0x02, 0xff, 0x11, 0x22}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestReadMemZeroLength(t *testing.T) {
	c := New(newFakeDP(), 0)
	got, err := c.ReadMem(context.Background(), 0x1000, 0)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("expected zero-length result, got %d bytes", len(got))
	}
}
