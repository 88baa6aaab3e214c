// Copyright 2018 Axel Wagner
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
	"log"
	"net"
	"time"

	"github.com/google/subcommands"
	"github.com/nbdserver/nbd"
)

func init() {
	commands = append(commands, &infoCmd{})
}

type infoCmd struct {
	export  string
	timeout time.Duration
}

func (cmd *infoCmd) Name() string { return "info" }

func (cmd *infoCmd) Synopsis() string { return "query a remote NBD server's export metadata" }

func (cmd *infoCmd) Usage() string {
	return `Usage: nbd-serve info [-export name] <addr>

Connect to addr, run NBD_OPT_INFO against the named export (or the default
export, if -export is omitted), and print what the server reports.
`
}

func (cmd *infoCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.export, "export", "", "Export to query; empty means the default export")
	fs.DurationVar(&cmd.timeout, "timeout", 10*time.Second, "Dial timeout")
}

func (cmd *infoCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	c, err := new(net.Dialer).DialContext(ctx, "tcp", fs.Arg(0))
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	cl, err := nbd.ClientHandshake(c)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	info, err := cl.Info(cmd.export)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if err := cl.Abort(); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}

	fmt.Printf("name: %s\n", info.Name)
	fmt.Printf("description: %s\n", info.Description)
	fmt.Printf("size: %d\n", info.Size)
	fmt.Printf("flags: 0x%04x\n", info.Flags)
	if info.BlockSizes != nil {
		fmt.Printf("block size: min=%d preferred=%d max=%d\n", info.BlockSizes.Min, info.BlockSizes.Preferred, info.BlockSizes.Max)
	}
	return subcommands.ExitSuccess
}
