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

package dp

import (
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
)

// fakeProbe is a minimal probe.Prober backing a DP/AP register file, used
// to exercise SELECT-bank write-elision and Abort idempotence without a
// real probe attached.
type fakeProbe struct {
	dpRegs map[uint8]uint32
	apRegs map[uint16]uint32

	selectWrites int

	// ackAfterWrites, when nonzero, makes CTRL/STAT only report the
	// power-up ack bits starting with the Nth write to it, so powerUp's
	// retry.Poll loop has to actually iterate instead of resolving on the
	// first read.
	ackAfterWrites int
	ctrlStatWrites int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		dpRegs: map[uint8]uint32{uint8(RegIDR): 0x2ba01477},
		apRegs: map[uint16]uint32{},
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

func (f *fakeProbe) apKey(apSel, reg uint8) uint16 { return uint16(apSel)<<8 | uint16(reg) }

func (f *fakeProbe) Transfer(ctx context.Context, batch []probe.Transfer) ([]probe.TransferResult, error) {
	res := make([]probe.TransferResult, len(batch))
	for i, t := range batch {
		if t.Port == probe.PortDP {
			if t.Dir == probe.DirWrite {
				if t.Reg == uint8(RegSELECT) {
					f.selectWrites++
				}
				f.dpRegs[t.Reg] = t.Data
				if t.Reg == uint8(RegCTRLSTAT) {
					f.ctrlStatWrites++
					// CTRL/STAT power-up ack mirrors the request once the probe
					// has seen ackAfterWrites writes (0 means immediately), so
					// dp.powerUp's poll resolves without a real target.
					if f.ctrlStatWrites >= f.ackAfterWrites {
						f.dpRegs[t.Reg] = t.Data | cswCSYSPWRUPACK | cswCDBGPWRUPACK
					}
				}
			} else {
				res[i] = probe.TransferResult{Value: f.dpRegs[t.Reg]}
			}
			continue
		}
		key := f.apKey(t.AP, t.Reg)
		if t.Dir == probe.DirWrite {
			f.apRegs[key] = t.Data
		} else {
			res[i] = probe.TransferResult{Value: f.apRegs[key]}
		}
	}
	return res, nil
}

func (f *fakeProbe) MaxBlockTransferWords() int { return 64 }

func (f *fakeProbe) TransferBlock(ctx context.Context, p probe.Port, ap uint8, reg uint8, length int, data []uint32) ([]uint32, error) {
	key := f.apKey(ap, reg)
	if data != nil {
		for _, v := range data {
			f.apRegs[key] = v
		}
		return nil, nil
	}
	res := make([]uint32, length)
	for i := range res {
		res[i] = f.apRegs[key]
	}
	return res, nil
}

func (f *fakeProbe) Close(ctx context.Context) error { return nil }

func TestInitPowersUpAndClearsAbort(t *testing.T) {
	fp := newFakeProbe()
	c := New(fp)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %s", err)
	}
}

func TestAbortIsIdempotentInAnyState(t *testing.T) {
	fp := newFakeProbe()
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Abort(ctx); err != nil {
			t.Fatalf("Abort call %d: %s", i, err)
		}
	}
}

func TestSelectWriteElision(t *testing.T) {
	fp := newFakeProbe()
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	before := fp.selectWrites

	// Repeated access to the same AP/bank must not reissue SELECT.
	if _, err := c.ReadAPReg(ctx, 0, 0x00); err != nil {
		t.Fatalf("ReadAPReg: %s", err)
	}
	// Init already selected AP 0 bank 0, so the first access needs no
	// SELECT write either.
	afterFirst := fp.selectWrites
	if afterFirst != before {
		t.Fatalf("expected no SELECT write for the first access to AP 0 bank 0, got %d", afterFirst-before)
	}
	if _, err := c.ReadAPReg(ctx, 0, 0x04); err != nil {
		t.Fatalf("ReadAPReg: %s", err)
	}
	if fp.selectWrites != afterFirst {
		t.Errorf("expected no new SELECT write for the same AP/bank, got %d more", fp.selectWrites-afterFirst)
	}

	// A different bank must trigger exactly one new SELECT write.
	if _, err := c.ReadAPReg(ctx, 0, 0x10); err != nil {
		t.Fatalf("ReadAPReg: %s", err)
	}
	if fp.selectWrites != afterFirst+1 {
		t.Errorf("expected one new SELECT write for a new bank, got %d", fp.selectWrites-afterFirst)
	}
}

// TestPowerUpRetriesUntilAck exercises the bounded retry.Poll loop in
// powerUp: the fake probe only starts acking CTRL/STAT after a few writes,
// so Init only succeeds if powerUp actually loops instead of giving up (or
// spinning forever) on the first unacked read.
func TestPowerUpRetriesUntilAck(t *testing.T) {
	fp := newFakeProbe()
	fp.ackAfterWrites = 3
	c := New(fp)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if fp.ctrlStatWrites < 3 {
		t.Errorf("CTRL/STAT written %d times, want >= 3 (powerUp gave up too early)", fp.ctrlStatWrites)
	}
}

// TestPowerUpTimesOutWhenNeverAcks confirms powerUp is bounded: a probe
// that never acks CTRL/STAT must make Init return a timeout, not spin
// forever (spec §5's "must yield back to the OS" / no unbounded busy-spin).
func TestPowerUpTimesOutWhenNeverAcks(t *testing.T) {
	fp := newFakeProbe()
	fp.ackAfterWrites = 1 << 30 // never acks
	c := New(fp)
	err := c.Init(context.Background())
	if err == nil {
		t.Fatalf("expected Init to fail when CTRL/STAT never acks")
	}
	if _, ok := errors.Cause(err).(*errs.Timeout); !ok {
		t.Errorf("expected the cause to be *errs.Timeout, got %T", errors.Cause(err))
	}
}

func TestReadWriteAPRegRoundTrip(t *testing.T) {
	fp := newFakeProbe()
	c := New(fp)
	ctx := context.Background()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %s", err)
	}
	if err := c.WriteAPReg(ctx, 0, 0x0c, 0xcafef00d); err != nil {
		t.Fatalf("WriteAPReg: %s", err)
	}
	got, err := c.ReadAPReg(ctx, 0, 0x0c)
	if err != nil {
		t.Fatalf("ReadAPReg: %s", err)
	}
	if got != 0xcafef00d {
		t.Errorf("got 0x%x, want 0xcafef00d", got)
	}
}
