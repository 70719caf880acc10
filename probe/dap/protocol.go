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
	"bytes"
	"encoding/binary"
)

type cmdID uint8

const (
	cmdInfo              cmdID = 0x00
	cmdSetHostStatus     cmdID = 0x01
	cmdConnect           cmdID = 0x02
	cmdDisconnect        cmdID = 0x03
	cmdTransferConfigure cmdID = 0x04
	cmdTransfer          cmdID = 0x05
	cmdTransferBlock     cmdID = 0x06
	cmdDelay             cmdID = 0x09
	cmdResetTarget       cmdID = 0x0a
	cmdSWJClock          cmdID = 0x11
	cmdSWJSequence       cmdID = 0x12
	cmdSWDConfigure      cmdID = 0x13
)

type statusType uint8

const (
	statusConnected statusType = 0x00
	statusRunning   statusType = 0x01
)

// connectMode selects the wire protocol at the DAP_Connect command level.
type connectMode uint8

const (
	connectModeAuto connectMode = 0x00
	connectModeSWD  connectMode = 0x01
	connectModeJTAG connectMode = 0x02
)

// transferOp is the operation field of a DAP_Transfer request.
type transferOp uint8

const (
	opRead       transferOp = 0
	opReadMatch  transferOp = 1
	opWrite      transferOp = 2
	opWriteMatch transferOp = 3
)

type transferReq struct {
	op   transferOp
	ap   bool
	reg  uint8 // pre-shifted register index (0, 4, 8, 0xc)
	data uint32
}

// transferStatus is the 1-byte ACK+flags field the probe returns per
// transfer.
type transferStatus uint8

const transferStatusWait transferStatus = 2

func (s transferStatus) ackValue() uint8     { return uint8(s & 7) }
func (s transferStatus) swdError() bool      { return s&8 != 0 }
func (s transferStatus) valueMismatch() bool { return s&0x10 != 0 }
func (s transferStatus) ok() bool {
	return s.ackValue() == 1 && !s.swdError() && !s.valueMismatch()
}
func (s transferStatus) isWait() bool { return s.ackValue() == uint8(transferStatusWait) }

func newCmd(id cmdID) *bytes.Buffer {
	return bytes.NewBuffer([]byte{0 /* HID report number, unused */, uint8(id)})
}

func encodeInfo(info uint8) []byte {
	b := newCmd(cmdInfo)
	binary.Write(b, binary.LittleEndian, info)
	return b.Bytes()
}

func encodeSetHostStatus(st statusType, value bool) []byte {
	b := newCmd(cmdSetHostStatus)
	binary.Write(b, binary.LittleEndian, uint8(st))
	v := uint8(0)
	if value {
		v = 1
	}
	binary.Write(b, binary.LittleEndian, v)
	return b.Bytes()
}

func encodeConnect(mode connectMode) []byte {
	b := newCmd(cmdConnect)
	binary.Write(b, binary.LittleEndian, uint8(mode))
	return b.Bytes()
}

func encodeDisconnect() []byte { return newCmd(cmdDisconnect).Bytes() }

func encodeTransferConfigure(idleCycles uint8, waitRetry, matchRetry uint16) []byte {
	b := newCmd(cmdTransferConfigure)
	binary.Write(b, binary.LittleEndian, idleCycles)
	binary.Write(b, binary.LittleEndian, waitRetry)
	binary.Write(b, binary.LittleEndian, matchRetry)
	return b.Bytes()
}

func encodeTransfer(dapIndex uint8, reqs []transferReq) []byte {
	b := newCmd(cmdTransfer)
	binary.Write(b, binary.LittleEndian, dapIndex)
	binary.Write(b, binary.LittleEndian, uint8(len(reqs)))
	for _, req := range reqs {
		treq := req.reg & 0xc
		haveData := true
		if req.ap {
			treq |= 1 << 0
		}
		switch req.op {
		case opRead:
			treq |= 1 << 1
			haveData = false
		case opReadMatch:
			treq |= 1<<1 | 1<<4
		case opWrite:
		case opWriteMatch:
			treq |= 1 << 5
		}
		binary.Write(b, binary.LittleEndian, treq)
		if haveData {
			binary.Write(b, binary.LittleEndian, req.data)
		}
	}
	return b.Bytes()
}

func decodeTransferResp(resp []byte) (completed int, st transferStatus, data []uint32, ok bool) {
	r := bytes.NewReader(resp)
	var tc uint8
	if binary.Read(r, binary.LittleEndian, &tc) != nil || binary.Read(r, binary.LittleEndian, &st) != nil {
		return 0, 0, nil, false
	}
	for {
		var d uint32
		if binary.Read(r, binary.LittleEndian, &d) != nil {
			break
		}
		data = append(data, d)
	}
	return int(tc), st, data, true
}

func encodeTransferBlock(dapIndex uint8, ap bool, reg uint8, length int, data []uint32) []byte {
	b := newCmd(cmdTransferBlock)
	binary.Write(b, binary.LittleEndian, dapIndex)
	binary.Write(b, binary.LittleEndian, uint16(length))
	treq := (reg & 0xc)
	if data == nil {
		treq |= 2 // read
	}
	if ap {
		treq |= 1 << 0
	}
	binary.Write(b, binary.LittleEndian, treq)
	for _, v := range data {
		binary.Write(b, binary.LittleEndian, v)
	}
	return b.Bytes()
}

func decodeTransferBlockResp(resp []byte) (completed int, st transferStatus, data []uint32, ok bool) {
	r := bytes.NewReader(resp)
	var tc uint16
	if binary.Read(r, binary.LittleEndian, &tc) != nil || binary.Read(r, binary.LittleEndian, &st) != nil {
		return 0, 0, nil, false
	}
	for {
		var d uint32
		if binary.Read(r, binary.LittleEndian, &d) != nil {
			break
		}
		data = append(data, d)
	}
	return int(tc), st, data, true
}

func encodeResetTarget() []byte { return newCmd(cmdResetTarget).Bytes() }

func encodeSWJClock(hz uint32) []byte {
	b := newCmd(cmdSWJClock)
	binary.Write(b, binary.LittleEndian, hz)
	return b.Bytes()
}

func encodeSWJSequence(numBits int, tdi []byte) []byte {
	b := newCmd(cmdSWJSequence)
	binary.Write(b, binary.LittleEndian, uint8(numBits))
	b.Write(tdi)
	return b.Bytes()
}

func encodeSWDConfigure(cfg uint8) []byte {
	b := newCmd(cmdSWDConfigure)
	binary.Write(b, binary.LittleEndian, cfg)
	return b.Bytes()
}

func encodeDelay(micros uint16) []byte {
	b := newCmd(cmdDelay)
	binary.Write(b, binary.LittleEndian, micros)
	return b.Bytes()
}
