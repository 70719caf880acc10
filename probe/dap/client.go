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

package dap

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
)

func init() {
	probe.Register(probe.KindDap, openProbe, listProbes)
}

// listProbes is left to return an empty set: HID/bulk USB enumeration
// requires a live device tree, which isn't available in this environment.
// It exists so Open() is reachable by VID/PID without a prior List().
func listProbes(ctx context.Context) ([]probe.Info, error) {
	return nil, nil
}

func openProbe(ctx context.Context, sel probe.Selector) (probe.Prober, error) {
	vid, pid, serial, err := parseSelector(sel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Prefer HID (v1); callers that need v2 bulk construct a client
	// directly via NewBulkClient, since the interface/endpoint numbers
	// aren't expressible in a bare selector string.
	t, err := openHID(vid, pid, serial)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open CMSIS-DAP v1 (HID) device")
	}
	c := &client{t: t, info: probe.Info{Kind: probe.KindDap, VID: vid, PID: pid, Serial: serial}}
	if err := c.negotiatePacketSize(ctx); err != nil {
		t.close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

func parseSelector(sel probe.Selector) (vid, pid uint16, serial string, err error) {
	if sel.Info != nil {
		return sel.Info.VID, sel.Info.PID, sel.Info.Serial, nil
	}
	var v, p uint32
	var s string
	n, serr := fmt.Sscanf(sel.String, "%x:%x:%s", &v, &p, &s)
	if n < 2 || serr != nil {
		n, serr = fmt.Sscanf(sel.String, "%x:%x", &v, &p)
		if n != 2 || serr != nil {
			return 0, 0, "", errors.Errorf("invalid selector %q, want vid:pid[:serial]", sel.String)
		}
	}
	return uint16(v), uint16(p), s, nil
}

// NewBulkClient constructs a CMSIS-DAP v2 (bulk) Prober directly; the
// interface and endpoint numbers normally come from the USB descriptor's
// CMSIS-DAP v2 string, which parsing is out of scope here (an external
// collaborator, same as target-description loading).
func NewBulkClient(ctx context.Context, vid, pid gousb.ID, serial string, iface, epIn, epOut int) (probe.Prober, error) {
	t, err := openBulk(vid, pid, serial, iface, epIn, epOut)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &client{t: t, info: probe.Info{Kind: probe.KindDap, VID: uint16(vid), PID: uint16(pid), Serial: serial}}
	if err := c.negotiatePacketSize(ctx); err != nil {
		t.close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

// client implements probe.Prober over a CMSIS-DAP v1 or v2 transport.
type client struct {
	t    transport
	info probe.Info
}

func (c *client) Kind() probe.Kind { return probe.KindDap }
func (c *client) Info() probe.Info { return c.info }

func (c *client) negotiatePacketSize(ctx context.Context) error {
	resp, err := c.exec(ctx, encodeInfo(0xff /* DAP_Info 0xFF: maximum packet size (0xFE is the packet count) */))
	if err != nil {
		return errors.Annotatef(err, "failed to get packet size info")
	}
	if len(resp) >= 3 {
		mps := binary.LittleEndian.Uint16(resp[1:3])
		if mps > 0 {
			if bt, ok := c.t.(*bulkTransport); ok {
				bt.mps = int(mps)
			}
		}
	}
	return nil
}

func (c *client) exec(ctx context.Context, req []byte) ([]byte, error) {
	glog.V(4).Infof("dap => cmd 0x%02x (%d bytes)", req[1], len(req))
	resp, err := c.t.exec(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) == 0 || resp[0] != req[1] {
		return nil, errors.Errorf("response to wrong command (want 0x%02x)", req[1])
	}
	return resp[1:], nil
}

func (c *client) execCheckStatus(ctx context.Context, req []byte) error {
	resp, err := c.exec(ctx, req)
	if err != nil {
		return errors.Trace(err)
	}
	if len(resp) == 0 || resp[0] != 0 {
		return errors.Errorf("command 0x%02x returned error status", req[1])
	}
	return nil
}

func (c *client) SelectProtocol(ctx context.Context, proto probe.WireProtocol) error {
	mode := connectModeAuto
	switch proto {
	case probe.WireProtocolSWD:
		mode = connectModeSWD
	case probe.WireProtocolJTAG:
		mode = connectModeJTAG
	}
	resp, err := c.exec(ctx, encodeConnect(mode))
	if err != nil {
		return errors.Trace(err)
	}
	if len(resp) == 0 || resp[0] == 0 {
		return errors.Errorf("connect error")
	}
	if err := c.execCheckStatus(ctx, encodeSetHostStatus(statusConnected, true)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.execCheckStatus(ctx, encodeTransferConfigure(0, 64, 0)))
}

func (c *client) SetSpeed(ctx context.Context, khz uint32) (uint32, error) {
	if err := c.execCheckStatus(ctx, encodeSWJClock(khz*1000)); err != nil {
		return 0, errors.Trace(err)
	}
	return khz, nil
}

func (c *client) Attach(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, encodeSetHostStatus(statusRunning, true)))
}

func (c *client) Detach(ctx context.Context) error {
	if err := c.execCheckStatus(ctx, encodeSetHostStatus(statusRunning, false)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.execCheckStatus(ctx, encodeDisconnect()))
}

func (c *client) TargetReset(ctx context.Context, assert bool) error {
	if !assert {
		return nil
	}
	return errors.Trace(c.execCheckStatus(ctx, encodeResetTarget()))
}

func (c *client) RawSWDSequence(ctx context.Context, numBits int, tdi []byte) ([]byte, error) {
	if numBits < 1 || numBits > 256 {
		return nil, errors.Errorf("sequence length must be 1..256 bits, got %d", numBits)
	}
	return nil, errors.Trace(c.execCheckStatus(ctx, encodeSWJSequence(numBits, tdi)))
}

// Transfer implements probe.Prober. Reads force a flush of any queued
// writes: the request list is built in call order (writes first-come,
// then the read), so a read always observes the effects of prior writes
// from the same caller (spec §5 ordering guarantee).
func (c *client) Transfer(ctx context.Context, batch []probe.Transfer) ([]probe.TransferResult, error) {
	reqs := make([]transferReq, len(batch))
	for i, t := range batch {
		reqs[i] = transferReq{
			op:   opWrite,
			ap:   t.Port == probe.PortAP,
			reg:  t.Reg,
			data: t.Data,
		}
		if t.Dir == probe.DirRead {
			reqs[i].op = opRead
		}
	}
	results := make([]probe.TransferResult, len(batch))
	err := retry.Do(ctx, func() error {
		tc, st, data, ok := 0, transferStatus(0), []uint32(nil), false
		rerr := func() error {
			maxPerPacket := c.maxReqsPerPacket()
			di := 0
			for off := 0; off < len(reqs); {
				n := len(reqs) - off
				if n > maxPerPacket {
					n = maxPerPacket
				}
				resp, err := c.exec(ctx, encodeTransfer(0, reqs[off:off+n]))
				if err != nil {
					return errors.Trace(err)
				}
				tc, st, data, ok = decodeTransferResp(resp)
				if !ok {
					return errors.Errorf("transfer response too short")
				}
				if st.isWait() {
					return &waitErr{}
				}
				if !st.ok() {
					return &errs.ProtocolError{Message: fmt.Sprintf("DAP transfer ack 0x%02x", st), Index: off + tc}
				}
				for j := 0; j < tc; j++ {
					if reqs[off+j].op == opRead {
						if di >= len(data) {
							return errors.Errorf("short read data in transfer response")
						}
						results[off+j] = probe.TransferResult{Value: data[di]}
						di++
					}
				}
				if tc != n {
					return &errs.ProtocolError{Message: "DAP batch partially completed", Index: off + tc}
				}
				off += n
			}
			return nil
		}()
		return rerr
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return results, nil
}

func (c *client) maxReqsPerPacket() int {
	// A read request costs 1 byte and a write 5 (with its data word);
	// budget 5 per request to avoid overflowing the packet.
	n := (c.t.maxPacketSize() - 4) / 5
	if n < 1 {
		n = 1
	}
	return n
}

func (c *client) MaxBlockTransferWords() int {
	headerLen := 1 + 1 + 2 + 1
	n := (c.t.maxPacketSize() - headerLen) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// TransferBlock implements probe.Prober using DAP_TransferBlock, which
// streams N accesses of the same register without re-sending the register
// selector each time (spec §4.2.3's block-read fast path).
func (c *client) TransferBlock(ctx context.Context, p probe.Port, apSel uint8, reg uint8, length int, data []uint32) ([]uint32, error) {
	return c.transferBlock(ctx, p == probe.PortAP, reg, length, data)
}

func (c *client) transferBlock(ctx context.Context, ap bool, reg uint8, length int, data []uint32) ([]uint32, error) {
	max := c.MaxBlockTransferWords()
	if (data == nil && length > max) || (data != nil && len(data) > max) {
		return nil, errors.Errorf("request too big (max %d words)", max)
	}
	var res []uint32
	err := retry.Do(ctx, func() error {
		l := length
		if data != nil {
			l = len(data)
		}
		resp, err := c.exec(ctx, encodeTransferBlock(0, ap, reg, l, data))
		if err != nil {
			return errors.Trace(err)
		}
		tc, st, rd, ok := decodeTransferBlockResp(resp)
		if !ok {
			return errors.Errorf("transfer block response too short")
		}
		if st.isWait() {
			return &waitErr{}
		}
		if !st.ok() || tc != l {
			return errors.Errorf("transfer block failed (tc %d/%d, status 0x%02x)", tc, l, st)
		}
		res = rd
		return nil
	})
	return res, errors.Trace(err)
}

func (c *client) Close(ctx context.Context) error {
	return c.t.close()
}

// waitErr marks a transient WAIT response as retryable per probe/retry.
type waitErr struct{}

func (e *waitErr) Error() string   { return "WAIT" }
func (e *waitErr) Retryable() bool { return true }
