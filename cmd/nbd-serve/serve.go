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
	"log"

	"github.com/google/subcommands"
	"github.com/nbdserver/nbd"
	"github.com/nbdserver/nbd/blockdev"
)

func init() {
	commands = append(commands, &serveCmd{})
}

type serveCmd struct {
	addr      string
	chunkSize uint
	name      string
}

func (cmd *serveCmd) Name() string { return "serve" }

func (cmd *serveCmd) Synopsis() string { return "serve a file or block device over NBD" }

func (cmd *serveCmd) Usage() string {
	return `Usage: nbd-serve serve [-addr host:port] [-chunk-size n] [-name export-name] <path>

Serve path (a regular file or a block device) as a single NBD export.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.addr, "addr", nbd.DefaultBindAddress, "Address to listen on")
	fs.UintVar(&cmd.chunkSize, "chunk-size", 4096, "Upper bound on a structured reply chunk's payload")
	fs.StringVar(&cmd.name, "name", "", "Export name advertised to clients (default: base name of path)")
}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	store := blockdev.NewFileStore(fs.Arg(0), cmd.name)
	export := nbd.Export{Store: store}

	cfg := nbd.Config{
		ChunkSize:   uint32(cmd.chunkSize),
		BindAddress: cmd.addr,
	}
	log.Printf("serving %s as export %q on %s", fs.Arg(0), store.Name(), cmd.addr)
	if err := nbd.ListenAndServe(ctx, "tcp", cfg, export); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
