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

// Command mcudbg-probe-info enumerates attached debug probes, attaches to
// the first (or selected) one, halts the first core named by a target
// description, dumps its register file, and detaches. It exists to give
// the core library a minimal end-to-end smoke path, the way mos console
// gives the teacher's serial-codec stack one (grounded on
// mos/console.go's flag/glog/error-reporting conventions).
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/cesanta/mcudbg/errs"
	_ "github.com/cesanta/mcudbg/probe/dap"
	_ "github.com/cesanta/mcudbg/probe/ftdi"
	_ "github.com/cesanta/mcudbg/probe/jlink"
	_ "github.com/cesanta/mcudbg/probe/stlink"

	"github.com/cesanta/mcudbg/probe"
	"github.com/cesanta/mcudbg/session"
	"github.com/cesanta/mcudbg/target"
)

var (
	kind       = flag.String("probe", "cmsis-dap", "Probe kind: cmsis-dap, st-link, j-link, ftdi")
	selector   = flag.String("serial", "", "Probe serial number or device path (ftdi)")
	targetFile = flag.String("target", "", "Path to a target description YAML file")
	core       = flag.String("core", "", "Core name to halt and dump; defaults to the first core in the target file")
	speedKhz   = flag.Uint("speed-khz", 4000, "Wire protocol clock speed")
	timeout    = flag.Duration("timeout", 5*time.Second, "Overall attach/halt timeout")
)

func main() {
	flag.Parse()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		glog.Errorf("probe-info failed: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	infos, err := probe.ListProbes(ctx)
	if err != nil {
		return err
	}
	for _, i := range infos {
		fmt.Printf("found: %s\n", i)
	}

	if *targetFile == "" {
		fmt.Println("no -target given, stopping after enumeration")
		return nil
	}

	desc, err := loadTarget(*targetFile)
	if err != nil {
		return err
	}

	p, err := probe.Open(ctx, probe.Kind(*kind), probe.Selector{String: *selector})
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	sess, err := session.Attach(ctx, p, desc, probe.WireProtocolSWD, uint32(*speedKhz))
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	coreName := *core
	if coreName == "" {
		cores := sess.Cores()
		if len(cores) == 0 {
			return &errs.TargetError{Message: "target description has no cores"}
		}
		coreName = cores[0]
	}

	c, err := sess.Core(coreName)
	if err != nil {
		return err
	}

	if err := c.Halt(ctx); err != nil {
		return err
	}
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("core %q: %s\n", coreName, status.State)

	for i := 0; i < 16; i++ {
		v, err := c.ReadCoreReg(ctx, session.RegIndex(i))
		if err != nil {
			glog.Warningf("failed to read r%d: %s", i, err)
			continue
		}
		fmt.Printf("r%-2d = 0x%08x\n", i, v)
	}

	return c.Run(ctx)
}

func loadTarget(path string) (*target.Description, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc target.Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}
