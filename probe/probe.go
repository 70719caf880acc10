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

// Package probe defines the transport-layer contract every probe driver
// (CMSIS-DAP, ST-Link, J-Link, FTDI) implements, plus the sum-type registry
// that replaces the reflective-dispatch pattern the original design used
// (see spec.md §9, "Dynamic dispatch among probe kinds").
package probe

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// WireProtocol is the wire-level protocol negotiated at attach.
type WireProtocol int

const (
	WireProtocolAuto WireProtocol = iota
	WireProtocolSWD
	WireProtocolJTAG
)

func (p WireProtocol) String() string {
	switch p {
	case WireProtocolSWD:
		return "SWD"
	case WireProtocolJTAG:
		return "JTAG"
	default:
		return "auto"
	}
}

// ConnState is the probe's connection state machine: Closed -> Opened ->
// Attached.
type ConnState int

const (
	StateClosed ConnState = iota
	StateOpened
	StateAttached
)

// Kind identifies which concrete driver backs a Probe. Drivers register
// themselves in the package-level table at init time (see Register); there
// is no reflective discovery.
type Kind string

const (
	KindDap    Kind = "cmsis-dap"
	KindStLink Kind = "st-link"
	KindJLink  Kind = "j-link"
	KindFtdi   Kind = "ftdi"
)

// Info describes one enumerated probe, as returned by ListProbes.
type Info struct {
	Kind   Kind
	VID    uint16
	PID    uint16
	Serial string
	Path   string // OS-specific device path/bus location, for diagnostics
}

func (i Info) String() string {
	if i.Serial != "" {
		return string(i.Kind) + " " + i.Serial
	}
	return string(i.Kind)
}

// Direction of a single DP/AP register transfer.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Port selects whether a Transfer targets the DP or the currently selected
// AP.
type Port int

const (
	PortDP Port = iota
	PortAP
)

// Transfer is one DP/AP register access, per spec §4.1.
type Transfer struct {
	Port    Port
	Dir     Direction
	Reg     uint8 // register byte address with A[3:2] in place: 0x0, 0x4, 0x8 or 0xc
	Data    uint32
	AP      uint8 // selected AP index; only meaningful when Port == PortAP
}

// TransferResult is a single transfer's outcome. A failed transfer aborts
// the remainder of the batch (spec §4.1, "a failed transfer aborts the
// remainder of the batch and reports an index-tagged error").
type TransferResult struct {
	Value uint32
	Err   error
}

// Prober is the contract every probe driver implements (spec §4.1). It is
// the interface ARM's DP layer and RISC-V's DM layer are built against,
// instead of any one driver's concrete type — this is what lets the same
// arm/dp and riscv/dm code run unmodified over CMSIS-DAP, ST-Link or J-Link.
type Prober interface {
	Kind() Kind
	Info() Info

	SelectProtocol(ctx context.Context, proto WireProtocol) error
	SetSpeed(ctx context.Context, khz uint32) (actualKhz uint32, err error)
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	TargetReset(ctx context.Context, assert bool) error

	// RawSWDSequence clocks numBits of data out (and, if the caller reads
	// back the return slice, in) on the wire without DP/AP framing. Used
	// for the line-reset and JTAG-to-SWD switch sequences (spec §6.2).
	RawSWDSequence(ctx context.Context, numBits int, tdi []byte) ([]byte, error)

	// Transfer executes a batch of DP/AP register accesses. Writes may be
	// queued and deferred by the driver; see Batcher for the explicit
	// flush contract. Return order matches request order.
	Transfer(ctx context.Context, batch []Transfer) ([]TransferResult, error)

	// MaxBlockTransferWords bounds how many consecutive same-register
	// accesses the driver can pack in one packet; callers (arm/memap)
	// break transfers at this size as well as at 1 kB TAR-autoincrement
	// boundaries.
	MaxBlockTransferWords() int

	// TransferBlock issues length posted reads (data == nil) or len(data)
	// posted writes of the same DP/AP register, without re-specifying the
	// register or AP/DP selector per word. This is the "streamed DRW"
	// fast path spec §4.2.3 requires for block memory access; drivers
	// without native support for it still implement it (by repeating
	// single Transfer calls) so arm/memap never needs a fallback path.
	TransferBlock(ctx context.Context, p Port, ap uint8, reg uint8, length int, data []uint32) ([]uint32, error)

	Close(ctx context.Context) error
}

// Batcher is implemented by drivers whose wire protocol benefits from
// explicit write queuing (spec §4.1's "Batching contract"). Flush forces
// any queued writes out; it is implied by a Read but can also be called
// explicitly, e.g. before a timing-sensitive RawSWDSequence.
type Batcher interface {
	Flush(ctx context.Context) error
}

// Selector names a probe to Open: either a previously-enumerated Info, or a
// "vid:pid[:serial]" string.
type Selector struct {
	Info   *Info
	String string
}

// OpenFunc constructs a Prober for a given selector; each driver package
// registers one via Register.
type OpenFunc func(ctx context.Context, sel Selector) (Prober, error)

// ListFunc enumerates probes of one kind.
type ListFunc func(ctx context.Context) ([]Info, error)

type driverEntry struct {
	open OpenFunc
	list ListFunc
}

var registry = map[Kind]driverEntry{}

// Register adds a driver to the probe registry. Called from each driver
// package's init().
func Register(kind Kind, open OpenFunc, list ListFunc) {
	registry[kind] = driverEntry{open: open, list: list}
}

// ListProbes enumerates probes across all registered drivers.
func ListProbes(ctx context.Context) ([]Info, error) {
	var all []Info
	for kind, d := range registry {
		if d.list == nil {
			continue
		}
		infos, err := d.list(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to list %s probes", kind)
		}
		all = append(all, infos...)
	}
	return all, nil
}

// Open opens a probe of the given kind via its registered driver.
func Open(ctx context.Context, kind Kind, sel Selector) (Prober, error) {
	d, ok := registry[kind]
	if !ok {
		return nil, errors.Errorf("no driver registered for probe kind %q", kind)
	}
	p, err := d.open(ctx, sel)
	return p, errors.Annotatef(err, "failed to open %s probe", kind)
}

// DefaultAttachTimeout bounds DP power-up and similar bring-up polls.
const DefaultAttachTimeout = 1 * time.Second
