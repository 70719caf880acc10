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

// Package dap implements (a subset of) the CMSIS-DAP v1/v2 probe protocol:
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
package dap

import (
	"context"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// transport moves one command/response pair across the wire. v1 (HID) and
// v2 (bulk) probes frame identically at the command level; only the byte
// pipe differs, per spec §4.1.1.
type transport interface {
	exec(ctx context.Context, req []byte) ([]byte, error)
	maxPacketSize() int
	drainStale()
	close() error
}

// hidTransport is CMSIS-DAP v1: USB HID, 64-byte reports, blocking.
type hidTransport struct {
	d  hid.Device
	di *hid.DeviceInfo
	mps int
}

func openHID(vid, pid uint16, serial string) (*hidTransport, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for _, di := range devs {
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		if serial != "" {
			// The serial is not compared: the first HID device with this
			// VID:PID is opened, whatever its serial.
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open HID device %04x:%04x", vid, pid)
		}
		t := &hidTransport{d: d, di: di, mps: 64}
		t.drainStale()
		return t, nil
	}
	return nil, errors.Errorf("no HID device %04x:%04x found", vid, pid)
}

func (t *hidTransport) maxPacketSize() int { return t.mps }

func (t *hidTransport) drainStale() {
	// Flush any reports left over from a previous session (spec §4.1.1).
	for {
		select {
		case _, ok := <-t.d.ReadCh():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (t *hidTransport) exec(ctx context.Context, req []byte) ([]byte, error) {
	if len(req) > t.mps {
		return nil, errors.Errorf("packet too long (max %d, got %d)", t.mps, len(req))
	}
	if err := t.d.Write(req); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-t.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(t.d.ReadError(), "device read failed")
		}
		return resp, nil
	}
}

func (t *hidTransport) close() error {
	if t.d != nil {
		t.d.Close()
	}
	return nil
}

// bulkTransport is CMSIS-DAP v2: USB bulk, variable packet size, optional
// SWO endpoint (SWO is not used by this core).
type bulkTransport struct {
	uctx    *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	cfgDone func()
	out     *gousb.OutEndpoint
	in      *gousb.InEndpoint
	mps     int
}

func openBulk(vid, pid gousb.ID, serial string, ifaceNum, epIn, epOut int) (*bulkTransport, error) {
	uctx := gousb.NewContext()
	dev, err := uctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open %s:%s", vid, pid)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to select config")
	}
	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to claim interface %d", ifaceNum)
	}
	out, err := intf.OutEndpoint(epOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open OUT endpoint %d", epOut)
	}
	in, err := intf.InEndpoint(epIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		uctx.Close()
		return nil, errors.Annotatef(err, "failed to open IN endpoint %d", epIn)
	}
	t := &bulkTransport{
		uctx: uctx, dev: dev, intf: intf,
		cfgDone: cfg.Close,
		out:     out, in: in,
		mps: out.Desc.MaxPacketSize,
	}
	if t.mps == 0 {
		t.mps = 512
	}
	return t, nil
}

func (t *bulkTransport) maxPacketSize() int { return t.mps }

func (t *bulkTransport) drainStale() {}

func (t *bulkTransport) exec(ctx context.Context, req []byte) ([]byte, error) {
	if _, err := t.out.WriteContext(ctx, req); err != nil {
		return nil, errors.Annotatef(err, "bulk write failed")
	}
	buf := make([]byte, t.mps)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, errors.Annotatef(err, "bulk read failed")
	}
	glog.V(4).Infof("dap bulk <= %d bytes", n)
	return buf[:n], nil
}

func (t *bulkTransport) close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfgDone != nil {
		t.cfgDone()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.uctx != nil {
		t.uctx.Close()
	}
	return nil
}
