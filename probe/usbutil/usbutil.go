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

// Package usbutil provides the bulk-transport USB device open helper
// shared by the ST-Link and J-Link drivers (CMSIS-DAP v1 uses HID instead,
// see probe/dap).
package usbutil

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// OpenDevice opens a USB device with the specified VID, PID and (optionally)
// serial number. If serial is empty it is not checked, and the open
// succeeds only when exactly one device matches VID/PID; several matches
// without a serial to pick one are an error.
func OpenDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return dd.Vendor == vid && dd.Product == pid
	})
	// OpenDevices may fail overall but still return results; only bail if
	// nothing came back.
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	if serial == "" && len(devs) > 1 {
		for _, dev := range devs {
			dev.Close()
		}
		uctx.Close()
		return nil, nil, errors.Errorf("%d devices match %s:%s; a serial number is needed to choose one", len(devs), vid, pid)
	}
	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		glog.V(1).Infof("candidate %s sn %q", dev, sn)
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}
	if res == nil {
		uctx.Close()
		return nil, nil, errors.Errorf("no device matching %s:%s (serial %q) found", vid, pid, serial)
	}
	return uctx, res, nil
}
