// Copyright 2026 The Slate Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"slate.dev/slate/pkg/abi/slategpu"
	"slate.dev/slate/pkg/ccb"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "prints the shared-memory protocol geometry"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-config <file>]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.config, "config", "", "TOML bench configuration file")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(i.config)
	if err != nil {
		fatalf("%v", err)
	}
	kccbLog2 := cfg.Device.KCCBSizeLog2
	if kccbLog2 == 0 {
		kccbLog2 = 12
	}
	fwccbLog2 := cfg.Device.FWCCBSizeLog2
	if fwccbLog2 == 0 {
		fwccbLog2 = 11
	}
	cccbLog2 := cfg.Device.CCCBSizeLog2
	if cccbLog2 == 0 {
		cccbLog2 = 16
	}

	fmt.Printf("wire structures:\n")
	fmt.Printf("  ConnectionCtl    %3d bytes at %#x\n", slategpu.ConnectionCtlBytes, uint32(slategpu.ConnectionCtlOffset))
	fmt.Printf("  FWCommonContext  %3d bytes\n", slategpu.FWCommonContextBytes)
	fmt.Printf("  KCCBCmd          %3d bytes (%d payload)\n", slategpu.KCCBCmdBytes, slategpu.KCCBCmdPayloadBytes)
	fmt.Printf("  FWCCBCmd         %3d bytes (%d payload)\n", slategpu.FWCCBCmdBytes, slategpu.FWCCBCmdPayloadBytes)
	fmt.Printf("  CCB record hdr   %3d bytes\n", slategpu.CCBRecordHeaderBytes)
	fmt.Printf("  UFO              %3d bytes\n", slategpu.UFOBytes)
	fmt.Printf("command streams:  geom=%d frag=%d cdm=%d transfer=%d\n",
		slategpu.CmdGeomBytes, slategpu.CmdFragBytes, slategpu.CmdCDMBytes, slategpu.CmdTransferBytes)
	fmt.Printf("rings:\n")
	fmt.Printf("  kernel CCB   %6d bytes, %4d slots, %d return slots\n",
		uint32(1)<<kccbLog2, (uint32(1)<<kccbLog2)/slategpu.KCCBCmdBytes,
		(uint32(1)<<kccbLog2)/slategpu.KCCBCmdBytes)
	fmt.Printf("  firmware CCB %6d bytes, %4d slots\n",
		uint32(1)<<fwccbLog2, (uint32(1)<<fwccbLog2)/slategpu.FWCCBCmdBytes)
	fmt.Printf("  client CCB   %6d bytes data + %d dependency area\n",
		uint32(1)<<cccbLog2, ccb.BufBytes(cccbLog2)-(uint32(1)<<cccbLog2))
	return subcommands.ExitSuccess
}
