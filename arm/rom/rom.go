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

// Package rom walks a CoreSight ROM table, decoding Component ID and
// Peripheral ID fields to identify debug components (spec §4.3). The
// decode-table style (numeric field -> name) is grounded on
// mos/flash/common/cortex/cortex_debug.go's TargetName CPUID decoder,
// generalized from a single fixed table to a recursive table walk with
// cycle detection.
package rom

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/mcudbg/arm/memap"
)

// Class is the CoreSight component class, decoded from Component ID byte 1
// bits [7:4].
type Class uint8

const (
	ClassGenericVerification Class = 0x0
	ClassRomTable            Class = 0x1
	ClassCoreSight           Class = 0x9
	ClassPrimeCell           Class = 0xb
	ClassGenericIP           Class = 0xe
)

func (c Class) String() string {
	switch c {
	case ClassRomTable:
		return "ROM table"
	case ClassCoreSight:
		return "CoreSight component"
	case ClassPrimeCell:
		return "PrimeCell peripheral"
	case ClassGenericIP:
		return "generic IP component"
	default:
		return fmt.Sprintf("class 0x%x", uint8(c))
	}
}

// Component is one decoded entry in the ROM table tree.
type Component struct {
	Address    uint32
	Class      Class
	PeripheralID uint64
	JEP106Cont   uint8
	JEP106ID     uint8
	PartNumber   uint16
	Designer     string

	// Children holds nested ROM tables discovered under this one; empty
	// for leaf (non-ROM-table) components.
	Children []Component
}

func (c Component) String() string {
	return fmt.Sprintf("0x%08x %s part 0x%03x designer %s", c.Address, c.Class, c.PartNumber, c.Designer)
}

var jep106Names = map[uint16]string{
	0x43b: "ARM",
	0x020: "STMicroelectronics",
	0x02a: "NXP",
	0x045: "Microchip",
	0x3eb: "Atmel",
}

func designerName(cont, id uint8) string {
	code := (uint16(cont&0xf) << 8) | uint16(id&0x7f)
	if name, ok := jep106Names[code]; ok {
		return name
	}
	return fmt.Sprintf("JEP-106 0x%03x", code)
}

// validPreamble checks the fixed byte pattern at offsets 0xFF0-0xFFC
// (bytes 0, 2, 3) every CoreSight component's Component ID register set
// must match (spec §4.3, "preamble validation").
func validPreamble(cidb0, cidb2, cidb3 uint32) bool {
	return cidb0&0xff == 0x0d && cidb2&0xff == 0x05 && cidb3&0xff == 0xb1
}

const maxDepth = 8

// Walk reads the ROM table rooted at base and returns the decoded
// component tree. It never recurses more than maxDepth levels and tracks
// visited addresses to break cycles (spec §4.3 "cycle detection" edge
// case); a malformed table degrades individual entries to "unknown"
// rather than aborting the whole walk.
func Walk(ctx context.Context, mem memap.Client, base uint32) ([]Component, error) {
	visited := map[uint32]bool{}
	return walk(ctx, mem, base, 0, visited)
}

func walk(ctx context.Context, mem memap.Client, base uint32, depth int, visited map[uint32]bool) ([]Component, error) {
	if depth > maxDepth {
		glog.Warningf("rom: table at 0x%08x exceeds max depth %d, stopping", base, maxDepth)
		return nil, nil
	}
	if visited[base] {
		glog.Warningf("rom: table at 0x%08x already visited, breaking cycle", base)
		return nil, nil
	}
	visited[base] = true

	var comps []Component
	for off := uint32(0); off < 0x1000-4; off += 4 {
		entry, err := mem.ReadWord32(ctx, base+off)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read ROM table entry at 0x%08x", base+off)
		}
		if entry == 0 {
			break // end-of-table marker
		}
		if entry&1 == 0 {
			continue // entry present bit clear: unpopulated slot, skip
		}
		addr := base + (entry &^ 0xfff)
		comp, err := decodeComponent(ctx, mem, addr)
		if err != nil {
			glog.Warningf("rom: failed to decode component at 0x%08x: %s", addr, err)
			continue
		}
		if comp.Class == ClassRomTable {
			children, err := walk(ctx, mem, addr, depth+1, visited)
			if err != nil {
				return nil, errors.Trace(err)
			}
			comp.Children = children
		}
		comps = append(comps, comp)
	}
	return comps, nil
}

// decodeComponent reads the Peripheral ID and Component ID register banks
// at the top of a 4 kB component address window and decodes them (spec
// §4.3). A preamble mismatch downgrades the result to class
// ClassGenericIP rather than erroring, matching "unknown" degrade behavior.
func decodeComponent(ctx context.Context, mem memap.Client, addr uint32) (Component, error) {
	cid0, err := mem.ReadWord32(ctx, addr+0xff0)
	if err != nil {
		return Component{}, errors.Trace(err)
	}
	cid2, err := mem.ReadWord32(ctx, addr+0xff8)
	if err != nil {
		return Component{}, errors.Trace(err)
	}
	cid3, err := mem.ReadWord32(ctx, addr+0xffc)
	if err != nil {
		return Component{}, errors.Trace(err)
	}
	cid1, err := mem.ReadWord32(ctx, addr+0xff4)
	if err != nil {
		return Component{}, errors.Trace(err)
	}

	comp := Component{Address: addr}
	if !validPreamble(cid0, cid2, cid3) {
		comp.Class = ClassGenericIP
		comp.Designer = "unknown"
		return comp, nil
	}
	comp.Class = Class((cid1 >> 4) & 0xf)

	var pid [8]uint32
	for i := range pid {
		v, err := mem.ReadWord32(ctx, addr+0xfe0+uint32(i*4))
		if err != nil {
			return Component{}, errors.Annotatef(err, "failed to read PID%d", i)
		}
		pid[i] = v
	}
	var pidBits uint64
	for i := 7; i >= 0; i-- {
		pidBits = (pidBits << 8) | uint64(pid[i]&0xff)
	}
	comp.PeripheralID = pidBits

	partLo := uint16(pid[0] & 0xff)
	partHi := uint16(pid[1] & 0xf)
	comp.PartNumber = partLo | (partHi << 8)
	comp.JEP106Cont = uint8(pid[4] & 0xf)
	jep106Present := pid[2]&0x8 != 0
	if jep106Present {
		comp.JEP106ID = uint8(((pid[1] >> 4) & 0xf) | ((pid[2] & 0x7) << 4))
		comp.Designer = designerName(comp.JEP106Cont, comp.JEP106ID)
	} else {
		comp.Designer = "none"
	}
	return comp, nil
}

// Find returns the first component in tree (searched depth-first) whose
// part number matches want.
func Find(tree []Component, want uint16) (Component, bool) {
	for _, c := range tree {
		if c.PartNumber == want {
			return c, true
		}
		if found, ok := Find(c.Children, want); ok {
			return found, true
		}
	}
	return Component{}, false
}
