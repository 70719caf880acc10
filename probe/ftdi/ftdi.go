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

//go:build ftdi
// +build ftdi

// Package ftdi implements a bit-banged SWD/JTAG probe driver over an
// FTDI MPSSE-capable adapter's command channel (spec §4.1.2's "commodity
// bit-bang probes"). The pack's cesanta/go-serial dependency (grounded on
// mos/console.go's serial.Open usage) already knows how to open and frame
// a byte stream to a device node; this package treats that stream as the
// MPSSE command channel an FTDI adapter in bit-bang/MPSSE mode exposes,
// writing the documented FTDI opcode bytes directly to it. This driver is
// opt-in (build tag "ftdi") since it depends on a physical adapter put
// into MPSSE mode out of band, unlike CMSIS-DAP/ST-Link/J-Link's USB
// enumeration.
package ftdi

import (
	"context"

	"github.com/cesanta/go-serial/serial"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/probe/retry"
)

func init() {
	probe.Register(probe.KindFtdi, open, list)
}

func list(ctx context.Context) ([]probe.Info, error) {
	// FTDI adapters enumerate as generic USB-serial devices; there's no
	// reliable way to tell an MPSSE-capable one from a plain UART adapter
	// without opening it, so this driver only supports Open-by-path.
	return nil, nil
}

// MPSSE opcode bytes, per FTDI Application Note AN_135.
const (
	opSetDataBitsLow  = 0x80
	opSetDataBitsHigh = 0x82
	opClockBytesOutNeg = 0x11 // MSB-first, clock out on negative edge
	opClockBitsOutNeg  = 0x13
	opClockBitsInPos   = 0x22
	opLoopbackOff      = 0x85
	opDisableClockDiv5 = 0x8a
	opSetClockDivisor  = 0x86
)

// GPIO bit assignments on the low byte, matching the standard
// FT2232H/FT232H SWD wiring convention: SK=bit0 (clock), DO=bit1 (SWDIO
// out), DI=bit2 (SWDIO in, same physical pin as DO in a level-shifted
// SWD buffer), nRESET=bit3.
const (
	bitSK     = 1 << 0
	bitDO     = 1 << 1
	bitDI     = 1 << 2
	bitNReset = 1 << 3
)

const defaultDirection = bitSK | bitDO | bitNReset // DI is an input

type client struct {
	port   serial.Serial
	info   probe.Info
	proto  probe.WireProtocol
	dirLow byte
}

// open opens an FTDI adapter's device node (e.g. /dev/ttyUSB0 on Linux,
// or a libftdi-assigned node) and switches it into MPSSE mode. The
// Selector's String field carries the device path; Info-based selection
// isn't supported since this driver doesn't enumerate.
func open(ctx context.Context, sel probe.Selector) (probe.Prober, error) {
	if sel.String == "" {
		return nil, errors.Errorf("ftdi: device path required (use a vid:pid selector is not supported)")
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:        sel.String,
		BaudRate:        3000000,
		DataBits:        8,
		ParityMode:      serial.PARITY_NONE,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", sel.String)
	}
	c := &client{
		port:   port,
		info:   probe.Info{Kind: probe.KindFtdi, Path: sel.String},
		dirLow: defaultDirection,
	}
	if err := c.initMPSSE(ctx); err != nil {
		port.Close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

func (c *client) initMPSSE(ctx context.Context) error {
	// Standard MPSSE bring-up: disable loopback, disable the /5 clock
	// divider (so SetClockDivisor's value is in units of 60 MHz/2), and
	// park the bus idle with the clock low and nRESET deasserted.
	seq := []byte{
		opLoopbackOff,
		opDisableClockDiv5,
		opSetDataBitsLow, c.dirLow &^ bitNReset, c.dirLow,
	}
	if _, err := c.port.Write(seq); err != nil {
		return errors.Annotatef(err, "failed to initialize MPSSE")
	}
	return nil
}

func (c *client) Kind() probe.Kind { return probe.KindFtdi }
func (c *client) Info() probe.Info { return c.info }

func (c *client) SelectProtocol(ctx context.Context, proto probe.WireProtocol) error {
	if proto == probe.WireProtocolJTAG {
		return errors.Trace(&errs.ArchitectureError{Message: "ftdi: JTAG bit-banging is not implemented, only SWD"})
	}
	c.proto = probe.WireProtocolSWD
	return nil
}

func (c *client) SetSpeed(ctx context.Context, khz uint32) (uint32, error) {
	// divisor = 60MHz / (2 * target) - 1, per AN_135.
	if khz == 0 {
		khz = 1000
	}
	divisor := uint16(60000/(2*khz) - 1)
	req := []byte{opSetClockDivisor, byte(divisor), byte(divisor >> 8)}
	if _, err := c.port.Write(req); err != nil {
		return 0, errors.Annotatef(err, "failed to set clock divisor")
	}
	actual := 60000 / (2 * (uint32(divisor) + 1))
	return actual, nil
}

func (c *client) Attach(ctx context.Context) error {
	return errors.Trace(retry.Do(ctx, func() error {
		_, err := c.RawSWDSequence(ctx, 8, []byte{0xff})
		return errors.Trace(err)
	}))
}

func (c *client) Detach(ctx context.Context) error { return nil }

func (c *client) TargetReset(ctx context.Context, assert bool) error {
	dir := c.dirLow
	val := c.dirLow
	if assert {
		val &^= bitNReset
	}
	_, err := c.port.Write([]byte{opSetDataBitsLow, val, dir})
	return errors.Annotatef(err, "failed to drive nRESET")
}

// RawSWDSequence clocks numBits out, rounded up to whole bytes (MSB-first
// per byte, as MPSSE's clock-bytes-out command requires). Nothing is read
// back: the returned slice is always nil.
func (c *client) RawSWDSequence(ctx context.Context, numBits int, tdi []byte) ([]byte, error) {
	nBytes := (numBits + 7) / 8
	lenM1 := uint16(nBytes - 1)
	req := append([]byte{opClockBytesOutNeg, byte(lenM1), byte(lenM1 >> 8)}, tdi...)
	if _, err := c.port.Write(req); err != nil {
		return nil, errors.Annotatef(err, "failed to clock out SWD sequence")
	}
	return nil, nil
}

// Transfer is unimplemented for now: encoding one SWD request/ack/data
// transaction as raw MPSSE clock-bit sequences (with the turnaround
// direction switch mid-transfer) needs a bit-level state machine this
// driver doesn't build yet. arm/dp only needs Transfer once a target is
// attached; RawSWDSequence covers the line-reset/JTAG-to-SWD switch path
// exercised by Attach.
func (c *client) Transfer(ctx context.Context, batch []probe.Transfer) ([]probe.TransferResult, error) {
	return nil, errors.Trace(&errs.ProbeError{Kind: errs.ProbeKindFtdi, Message: "register transfers are not yet implemented for the bit-bang driver"})
}

func (c *client) MaxBlockTransferWords() int { return 1 }

func (c *client) TransferBlock(ctx context.Context, p probe.Port, ap uint8, reg uint8, length int, data []uint32) ([]uint32, error) {
	return nil, errors.Trace(&errs.ProbeError{Kind: errs.ProbeKindFtdi, Message: "block transfers are not yet implemented for the bit-bang driver"})
}

func (c *client) Close(ctx context.Context) error {
	return errors.Trace(c.port.Close())
}
