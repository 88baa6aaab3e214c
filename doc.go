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

// Package nbd implements the server side of the NBD network protocol.
//
// You can find a full description of the protocol at
// https://sourceforge.net/p/nbd/code/ci/master/tree/doc/proto.md
//
// The protocol has two phases: the handshake phase, which lets the client
// query the exports a server provides and negotiate capabilities, and the
// transmission phase, in which the client reads and writes blocks of an
// export it has selected. A ServerSession drives a single connection through
// both phases: fixed handshake, then option negotiation (negotiator), then
// transmission (transmissionLoop).
//
// Serve and ListenAndServe run a ServerSession against one or more Exports. An
// Export is backed by an ExportStore, which callers implement to expose a
// file or block device; see the blockdev subpackage for a file-backed
// implementation.
//
// A minimal Client is also provided for tooling that needs to talk to an NBD
// server without attaching a kernel block device (see cmd/nbd-serve's list
// and info subcommands).
package nbd

// BUG(1): BlockSizeConstraints are not yet enforced by the server.

// BUG(2): The server does not yet support FUA for direct IO.

// BUG(3): StartTLS is not supported yet.

// BUG(4): Server transmission flags beyond HAS_FLAGS|READ_ONLY are not yet set.

// BUG(5): CMD_WRITE, CMD_TRIM, CMD_FLUSH, CMD_CACHE, CMD_WRITE_ZEROES,
// CMD_BLOCK_STATUS and CMD_RESIZE acknowledge with ENOTSUP; only CMD_READ and
// CMD_DISC have real semantics.

// BUG(6): Lame-duck mode (ESHUTDOWN) is not yet implemented.

// BUG(7): Metadata querying is not supported: NBD_OPT_LIST_META_CONTEXT is
// parsed and NBD_OPT_SET_META_CONTEXT is accepted without decoding, and both
// are answered with ErrUnsup.

// BUG(8): FLAG_ROTATIONAL is not yet supported.
