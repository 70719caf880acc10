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

// Package flash implements the layout planner and algorithm executor of
// the flash programming engine (spec §4.5). The planner's sort-then-scan
// shape and the dedup-before-write pass are grounded on
// mos/flash/esp/flasher/flash.go's sanityCheckImages/dedupImages/Flash,
// generalized from ESP's fixed 4 kB sector size to the heterogeneous
// per-sector table a FlashAlgorithm declares.
package flash

import (
	"sort"

	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/errs"
	"github.com/cesanta/mcudbg/target"
)

// Segment is one (load_address, bytes) range from an image loader (spec
// §1 "image parsing... out of scope"; this is the contract it hands in).
type Segment struct {
	Addr  uint64
	Bytes []byte
}

// RestorePolicy controls how bytes inside a touched sector, but not
// covered by any image segment, are filled before programming (spec
// §4.5.1 step 3).
type RestorePolicy int

const (
	// RestoreErase fills uncovered bytes with the algorithm's
	// erased_byte_value.
	RestoreErase RestorePolicy = iota
	// RestoreKeep reads current flash contents via the memory interface
	// before erasing, and fills uncovered bytes with what was there.
	RestoreKeep
)

// SectorOp is one scheduled sector erase.
type SectorOp struct {
	Addr uint64
	Size uint64
	// RestoreBytes holds the pre-erase contents of this sector when
	// RestorePolicy is RestoreKeep; nil under RestoreErase.
	RestoreBytes []byte
}

// PageOp is one scheduled page program; Bytes is always exactly PageSize
// long (tail-padded per RestorePolicy).
type PageOp struct {
	Addr  uint64
	Bytes []byte
}

// Layout is the planner's output: erases first, then programs, grouped by
// sector for temporal locality (spec §4.5.1 step 4).
type Layout struct {
	Erases   []SectorOp
	Programs []PageOp
}

// PreReader reads current flash contents for the RestoreKeep policy; the
// executor satisfies this via the target's memory interface, read before
// any erase happens (spec §4.5.1 step 3: "requires a pre-read of current
// flash contents before erase").
type PreReader interface {
	ReadMem(addr uint32, length int) ([]byte, error)
}

// Plan decomposes segments into the minimal set of sector erases and
// page programs required to write them, honoring policy for bytes inside
// a touched sector that no segment supplies.
func Plan(segments []Segment, algo *target.FlashAlgorithm, policy RestorePolicy, pre PreReader) (*Layout, error) {
	segs := make([]Segment, len(segments))
	copy(segs, segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })

	for _, s := range segs {
		if !algo.AddressRange.Contains(s.Addr, len(s.Bytes)) {
			return nil, errors.Trace(&errs.FlashError{
				Op:      "plan",
				Addr:    s.Addr,
				Message: "segment not fully contained in flash region",
			})
		}
	}

	touchedSectors := map[uint64]target.SectorLayout{}
	for _, s := range segs {
		start, end := s.Addr, s.Addr+uint64(len(s.Bytes))
		for addr := start; addr < end; {
			sec, ok := algo.SectorAt(addr)
			if !ok {
				return nil, errors.Trace(&errs.FlashError{Op: "plan", Addr: addr, Message: "address not covered by any sector"})
			}
			touchedSectors[sec.Base] = sec
			addr = sec.Base + sec.Size
		}
	}

	var sectorBases []uint64
	for base := range touchedSectors {
		sectorBases = append(sectorBases, base)
	}
	sort.Slice(sectorBases, func(i, j int) bool { return sectorBases[i] < sectorBases[j] })

	layout := &Layout{}
	for _, base := range sectorBases {
		sec := touchedSectors[base]
		var restoreBytes []byte
		if policy == RestoreKeep {
			if pre == nil {
				return nil, errors.Errorf("RestoreKeep requires a PreReader")
			}
			b, err := pre.ReadMem(uint32(sec.Base), int(sec.Size))
			if err != nil {
				return nil, errors.Annotatef(err, "failed to pre-read sector 0x%x for restore", sec.Base)
			}
			restoreBytes = b
		}
		layout.Erases = append(layout.Erases, SectorOp{Addr: sec.Base, Size: sec.Size, RestoreBytes: restoreBytes})

		pageOps, err := planSectorPages(segs, sec, uint64(algo.PageSize), algo.ErasedByteValue, policy, restoreBytes)
		if err != nil {
			return nil, errors.Trace(err)
		}
		layout.Programs = append(layout.Programs, pageOps...)
	}
	return layout, nil
}

// planSectorPages builds the page-aligned program stream for one sector,
// filling any byte not supplied by a segment per policy (spec §4.5.1 step
// 3).
func planSectorPages(segs []Segment, sec target.SectorLayout, pageSize uint64, erasedByte byte, policy RestorePolicy, restoreBytes []byte) ([]PageOp, error) {
	if pageSize == 0 {
		return nil, errors.Errorf("algorithm page size is zero")
	}
	var ops []PageOp
	for pageAddr := sec.Base; pageAddr < sec.Base+sec.Size; pageAddr += pageSize {
		page := make([]byte, pageSize)
		covered := make([]bool, pageSize)
		for _, s := range segs {
			segStart, segEnd := s.Addr, s.Addr+uint64(len(s.Bytes))
			overlapStart := maxU64(segStart, pageAddr)
			overlapEnd := minU64(segEnd, pageAddr+pageSize)
			if overlapStart >= overlapEnd {
				continue
			}
			for addr := overlapStart; addr < overlapEnd; addr++ {
				off := addr - pageAddr
				page[off] = s.Bytes[addr-segStart]
				covered[off] = true
			}
		}
		anyCovered := false
		for i := range page {
			if covered[i] {
				anyCovered = true
				continue
			}
			if policy == RestoreKeep && restoreBytes != nil {
				srcOff := pageAddr + uint64(i) - sec.Base
				if int(srcOff) < len(restoreBytes) {
					page[i] = restoreBytes[srcOff]
					continue
				}
			}
			page[i] = erasedByte
		}
		if !anyCovered {
			continue // page untouched by any segment: no program op needed
		}
		ops = append(ops, PageOp{Addr: pageAddr, Bytes: page})
	}
	return ops, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
