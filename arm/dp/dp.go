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

// Package dp implements the ARM ADIv5 Debug Port: connect, power-up,
// sticky-error handling and the SELECT-cached AP register access that
// every MEM-AP transaction rides on (spec.md §4.2.1-§4.2.2). It is written
// against probe.Prober, not any one driver's concrete client, so the same
// code drives CMSIS-DAP, ST-Link and J-Link probes alike.
package dp

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/probe/retry"
)

// powerUpTimeout bounds the CTRL/STAT power-up handshake (spec §4.2.1's
// 1s attach deadline).
const powerUpTimeout = 1 * time.Second

// Reg is a DP register address (already shifted to the 2-bit A[2:3] field
// DAP_Transfer expects).
type Reg uint8

const (
	RegIDR      Reg = 0x00
	RegABORT    Reg = 0x00 // write-only alias of IDR's address
	RegCTRLSTAT Reg = 0x04
	RegSELECT   Reg = 0x08
	RegRDBUFF   Reg = 0x0c
)

func (r Reg) String() string {
	switch r {
	case RegIDR:
		return "DPIDR/ABORT"
	case RegCTRLSTAT:
		return "CTRL/STAT"
	case RegSELECT:
		return "SELECT"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}

// IDR is the decoded DPIDR register.
type IDR uint32

func (v IDR) Designer() uint16 { return uint16(v & 0xfff) }
func (v IDR) Version() uint8   { return uint8((v >> 12) & 0xf) }
func (v IDR) Revision() uint8  { return uint8((v >> 28) & 0xf) }

func (v IDR) DesignerName() string {
	if v.Designer() == 0x477 {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", v.Designer())
}

// Client is the ADIv5 DP/AP register access contract consumed by arm/memap
// and arm/rom.
type Client interface {
	Init(ctx context.Context) error
	IDR(ctx context.Context) (IDR, error)
	Abort(ctx context.Context) error

	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
}

type client struct {
	p probe.Prober

	selectValue uint32
}

// New wraps a Prober in the ADIv5 DP protocol.
func New(p probe.Prober) Client {
	return &client{p: p}
}

func (c *client) readDP(ctx context.Context, reg Reg) (uint32, error) {
	res, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortDP, Dir: probe.DirRead, Reg: uint8(reg)}})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DP %s", reg)
	}
	glog.V(4).Infof("%s == 0x%08x", reg, res[0].Value)
	return res[0].Value, nil
}

func (c *client) writeDP(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	_, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortDP, Dir: probe.DirWrite, Reg: uint8(reg), Data: value}})
	return errors.Annotatef(err, "failed to write DP %s", reg)
}

func (c *client) Init(ctx context.Context) error {
	if _, err := c.IDR(ctx); err != nil {
		return errors.Annotatef(err, "failed to read DPIDR")
	}
	if err := c.writeDP(ctx, RegSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	c.selectValue = 0
	if err := c.powerUp(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.Abort(ctx))
}

func (c *client) IDR(ctx context.Context) (IDR, error) {
	v, err := c.readDP(ctx, RegIDR)
	if err != nil {
		return 0, errors.Annotatef(&errs.ProtocolError{Message: err.Error(), Index: -1}, "ProbeNoDevice")
	}
	return IDR(v), nil
}

// Abort clears all sticky error bits (spec §4.2.1 step 3, §4.2.4). It is
// idempotent in any DP state (spec §8 "DP abort idempotence").
func (c *client) Abort(ctx context.Context) error {
	// STKCMPCLR | STKERRCLR | WDERRCLR | ORUNERRCLR; DAPABORT (bit 0) is left clear.
	return errors.Trace(c.writeDP(ctx, RegABORT, 0x1e))
}

const (
	cswCSYSPWRUPREQ = 1 << 30
	cswCDBGPWRUPREQ = 1 << 28
	cswCSYSPWRUPACK = 1 << 31
	cswCDBGPWRUPACK = 1 << 29
)

func (c *client) powerUp(ctx context.Context) error {
	want := uint32(cswCSYSPWRUPREQ | cswCDBGPWRUPREQ)
	ack := uint32(cswCSYSPWRUPACK | cswCDBGPWRUPACK)
	return errors.Trace(retry.Poll(ctx, powerUpTimeout, "dp-powerup", func() (bool, error) {
		stat, err := c.readDP(ctx, RegCTRLSTAT)
		if err != nil {
			return false, errors.Annotatef(err, "failed to read CTRL/STAT")
		}
		if stat&ack == ack {
			return true, nil
		}
		if err := c.writeDP(ctx, RegCTRLSTAT, (stat&^uint32(ack))|want); err != nil {
			return false, errors.Annotatef(err, "failed to write CTRL/STAT")
		}
		return false, nil
	}))
}

func (c *client) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (c.selectValue & 0x00ffff0f) | (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
	if sv == c.selectValue {
		return nil
	}
	if err := c.writeDP(ctx, RegSELECT, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	c.selectValue = sv
	return nil
}

func (c *client) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := c.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	res, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortAP, Dir: probe.DirRead, Reg: apReg % 16, AP: apSel}})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return res[0].Value, nil
}

func (c *client) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := c.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	_, err := c.p.Transfer(ctx, []probe.Transfer{{Port: probe.PortAP, Dir: probe.DirWrite, Reg: apReg % 16, Data: value, AP: apSel}})
	return errors.Trace(err)
}

func (c *client) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := c.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	maxChunk := c.p.MaxBlockTransferWords()
	var res []uint32
	for length > 0 {
		n := length
		if n > maxChunk {
			n = maxChunk
		}
		chunk, err := c.p.TransferBlock(ctx, probe.PortAP, apSel, apReg%16, n, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, chunk...)
		length -= n
	}
	return res, nil
}

func (c *client) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := c.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	maxChunk := c.p.MaxBlockTransferWords()
	for off := 0; off < len(values); {
		n := len(values) - off
		if n > maxChunk {
			n = maxChunk
		}
		if _, err := c.p.TransferBlock(ctx, probe.PortAP, apSel, apReg%16, 0, values[off:off+n]); err != nil {
			return errors.Trace(err)
		}
		off += n
	}
	return nil
}
