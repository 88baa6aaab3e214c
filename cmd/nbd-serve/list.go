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
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/nbdserver/nbd"
)

func init() {
	commands = append(commands, &listCmd{})
}

type listCmd struct {
	timeout time.Duration
}

func (cmd *listCmd) Name() string { return "list" }

func (cmd *listCmd) Synopsis() string { return "list the exports a remote NBD server provides" }

func (cmd *listCmd) Usage() string {
	return `Usage: nbd-serve list <addr>

Connect to addr and print the names of the exports it advertises.
`
}

func (cmd *listCmd) SetFlags(fs *flag.FlagSet) {
	fs.DurationVar(&cmd.timeout, "timeout", 10*time.Second, "Dial timeout")
}

func (cmd *listCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
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
	names, err := cl.List()
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if err := cl.Abort(); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	for _, n := range names {
		fmt.Fprintln(os.Stdout, n)
	}
	return subcommands.ExitSuccess
}
