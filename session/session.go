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

// Package session implements the single-ownership Session/Core public API
// (spec §6.1) that replaces the original design's reference-counted,
// interior-mutable handle (spec §9, "shared mutable session state"):
// Session owns the Probe for its lifetime, and Core is a borrowed view
// that enforces the single-threaded-per-probe discipline (spec §5) with a
// plain sync.Mutex rather than at the type system level, matching how the
// teacher tree serializes access to one cesanta.com/mos/flash/common
// target through a single caller goroutine.
package session

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/cortexm"
	"github.com/cesanta/mcudbg/arm/dp"
	"github.com/cesanta/mcudbg/arm/memap"
	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/riscv/dm"
	"github.com/cesanta/mcudbg/riscv/rvcore"
	"github.com/cesanta/mcudbg/target"
)

// Session owns one Probe and hands out Core views for each core named in
// the target description. All access to the probe serializes on mu (spec
// §5: "strictly single-threaded per probe").
type Session struct {
	mu sync.Mutex

	p    probe.Prober
	desc *target.Description

	cores map[string]*Core
}

// Attach opens the wire protocol on an already-open Prober, walks the
// target description to build one Core per listed core, and returns the
// Session (spec §6.1's Probe::attach).
func Attach(ctx context.Context, p probe.Prober, desc *target.Description, proto probe.WireProtocol, speedKhz uint32) (*Session, error) {
	if err := p.SelectProtocol(ctx, proto); err != nil {
		return nil, errors.Annotatef(err, "failed to select wire protocol")
	}
	if speedKhz > 0 {
		if _, err := p.SetSpeed(ctx, speedKhz); err != nil {
			return nil, errors.Annotatef(err, "failed to set probe speed")
		}
	}
	if err := p.Attach(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to attach probe")
	}

	s := &Session{p: p, desc: desc, cores: map[string]*Core{}}
	for _, cd := range desc.Cores {
		c, err := s.buildCore(ctx, cd)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to bring up core %q", cd.Name)
		}
		s.cores[cd.Name] = c
	}
	return s, nil
}

func (s *Session) buildCore(ctx context.Context, cd target.CoreDescription) (*Core, error) {
	switch cd.Arch {
	case target.ArchCortexM:
		dpc := dp.New(s.p)
		if err := dpc.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "failed to init DP")
		}
		mem := memap.New(dpc, cd.APIndex)
		if err := mem.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "failed to init MEM-AP %d", cd.APIndex)
		}
		core, err := cortexm.New(ctx, mem)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Core{s: s, name: cd.Name, mem: mem, arm: core}, nil

	case target.ArchRiscV:
		dmc := dm.New(s.p)
		if err := dmc.Init(ctx); err != nil {
			return nil, errors.Annotatef(err, "failed to init debug module")
		}
		if err := dmc.SelectHart(ctx, cd.Hart); err != nil {
			return nil, errors.Annotatef(err, "failed to select hart %d", cd.Hart)
		}
		core, err := rvcore.New(ctx, dmc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Core{s: s, name: cd.Name, dm: dmc, riscv: core}, nil

	default:
		return nil, errors.Trace(&errs.TargetError{Message: "unsupported architecture " + string(cd.Arch)})
	}
}

// Cores returns the names of every core this session exposes.
func (s *Session) Cores() []string {
	names := make([]string, 0, len(s.cores))
	for name := range s.cores {
		names = append(names, name)
	}
	return names
}

// Core returns the named Core view (spec §6.1's Session::core(i)).
func (s *Session) Core(name string) (*Core, error) {
	c, ok := s.cores[name]
	if !ok {
		return nil, errors.Trace(&errs.TargetError{Message: "no such core " + name})
	}
	return c, nil
}

// Description returns the immutable target description this session was
// built from.
func (s *Session) Description() *target.Description { return s.desc }

// Close detaches and closes the underlying probe, leaving the target in
// its current run/halt state (spec §5: "no external cancellation
// primitive; shutting the Session down closes the probe").
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.p.Detach(ctx); err != nil {
		return errors.Annotatef(err, "failed to detach probe")
	}
	return errors.Trace(s.p.Close(ctx))
}

// lock and unlock serialize every Core/Memory operation on this session's
// single probe handle (spec §5).
func (s *Session) lock()   { s.mu.Lock() }
func (s *Session) unlock() { s.mu.Unlock() }
