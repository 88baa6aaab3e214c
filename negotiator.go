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

package nbd

import (
	"encoding/binary"
	"errors"
	"io"
)

// BlockSizeConstraints optionally describes the block sizes an export
// supports, reported in an NBD_INFO_BLOCK_SIZE reply.
type BlockSizeConstraints struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

// defaultBlockSizes is reported when an Export does not set BlockSizes.
var defaultBlockSizes = BlockSizeConstraints{512, 4096, 4096}

// Export pairs an ExportStore with the metadata the negotiator advertises
// about it: a human-readable description and (optionally) block size
// constraints. The store itself carries the export's name and size.
type Export struct {
	Store       ExportStore
	Description string
	BlockSizes  *BlockSizeConstraints
}

func (e Export) name() string { return e.Store.Name() }

// errAborted is the sentinel error returned by the negotiator when the client
// sent NBD_OPT_ABORT. Unlike other negotiator errors this is a clean,
// expected termination, not a protocol failure: ServerSession recognises it
// and ends the session without returning an error.
var errAborted = errors.New("nbd: client aborted negotiation")

// negotiationResult is what a successful handoff out of Negotiating carries
// into the transmission phase.
type negotiationResult struct {
	export                  Export
	structuredRepliesEnabled bool
	blockSizes              BlockSizeConstraints
}

// negotiator drives the option-haggling dialogue over rw until the client
// sends NBD_OPT_GO (success), NBD_OPT_ABORT (errAborted), or a fatal
// condition occurs (I/O error, bad magic).
type negotiator struct {
	rw      io.ReadWriter
	exports []Export
}

// run executes the negotiation loop. Each outer iteration reads one
// IHAVEOPT-prefixed option frame to completion, dispatches it, and (for
// Abort/Go) may return. The inner loop implements the partial-read protocol:
// it grows buf by exactly as many bytes as parseOption demands and retries
// without re-reading the magic.
func (n *negotiator) run() (negotiationResult, error) {
	var (
		structuredEnabled bool
		blockSizes        = defaultBlockSizes
	)
outer:
	for {
		var magic [8]byte
		if _, err := io.ReadFull(n.rw, magic[:]); err != nil {
			return negotiationResult{}, unexpectedEOF(err)
		}
		if binary.BigEndian.Uint64(magic[:]) != optMagic {
			return negotiationResult{}, errors.New("nbd: invalid option magic")
		}

		buf := make([]byte, 8)
		if _, err := io.ReadFull(n.rw, buf); err != nil {
			return negotiationResult{}, unexpectedEOF(err)
		}
		for {
			frame, _, err := parseOption(buf)
			if err == nil {
				res, done, abort, rerr := n.handle(frame, &structuredEnabled, &blockSizes)
				if rerr != nil {
					return negotiationResult{}, rerr
				}
				if abort {
					return negotiationResult{}, errAborted
				}
				if done {
					res.structuredRepliesEnabled = structuredEnabled
					res.blockSizes = blockSizes
					return res, nil
				}
				continue outer
			}
			switch e := err.(type) {
			case NeedMore:
				grown := make([]byte, len(buf)+int(e))
				copy(grown, buf)
				if _, rerr := io.ReadFull(n.rw, grown[len(buf):]); rerr != nil {
					return negotiationResult{}, unexpectedEOF(rerr)
				}
				buf = grown
			case *OptionTooBig:
				if drainErr := drain(n.rw, e.DataLen); drainErr != nil {
					return negotiationResult{}, drainErr
				}
				if werr := n.reply(e.ID, errTooBig); werr != nil {
					return negotiationResult{}, werr
				}
				continue outer
			case *UnknownOption:
				if werr := n.reply(e.ID, errUnsup); werr != nil {
					return negotiationResult{}, werr
				}
				continue outer
			case *ParseError:
				id := binary.BigEndian.Uint32(buf[0:4])
				if werr := n.reply(id, errInvalid); werr != nil {
					return negotiationResult{}, werr
				}
				continue outer
			default:
				return negotiationResult{}, err
			}
		}
	}
}

// handle dispatches one fully decoded option frame. It returns (result,
// done, abort, err): done means transition to Ready with result populated;
// abort means the client sent NBD_OPT_ABORT (after the Ack was already
// written); err is a fatal I/O error.
func (n *negotiator) handle(frame optionFrame, structuredEnabled *bool, blockSizes *BlockSizeConstraints) (negotiationResult, bool, bool, error) {
	switch o := frame.payload.(type) {
	case optExportName:
		_ = o
		return negotiationResult{}, false, false, n.reply(frame.id, errUnsup)

	case optAbort:
		if err := n.ack(frame.id); err != nil {
			return negotiationResult{}, false, false, err
		}
		return negotiationResult{}, false, true, nil

	case optList:
		for _, ex := range n.exports {
			if err := n.server(frame.id, ex.name(), ex.Description); err != nil {
				return negotiationResult{}, false, false, err
			}
		}
		return negotiationResult{}, false, false, n.ack(frame.id)

	case optInfo:
		ex, ok := findExport(o.name, n.exports)
		if !ok {
			return negotiationResult{}, false, false, n.reply(frame.id, errUnknown)
		}
		reqs := o.reqs
		if !containsInfo(reqs, cInfoExport) {
			reqs = append([]uint16{cInfoExport}, reqs...)
		}
		bs := *blockSizes
		if ex.BlockSizes != nil {
			bs = *ex.BlockSizes
		}
		for _, r := range reqs {
			switch r {
			case cInfoExport:
				if err := encodeWithErr(n.rw, func(e *encoder) {
					encodeInfoExport(e, frame.id, ex.Store.Size(), transmissionFlagDefaults)
				}); err != nil {
					return negotiationResult{}, false, false, err
				}
			case cInfoName:
				if err := encodeWithErr(n.rw, func(e *encoder) {
					encodeInfoName(e, frame.id, ex.name())
				}); err != nil {
					return negotiationResult{}, false, false, err
				}
			case cInfoDescription:
				if err := encodeWithErr(n.rw, func(e *encoder) {
					encodeInfoDescription(e, frame.id, ex.Description)
				}); err != nil {
					return negotiationResult{}, false, false, err
				}
			case cInfoBlockSize:
				if err := encodeWithErr(n.rw, func(e *encoder) {
					encodeInfoBlockSize(e, frame.id, bs.Min, bs.Preferred, bs.Max)
				}); err != nil {
					return negotiationResult{}, false, false, err
				}
			}
		}
		if err := n.ack(frame.id); err != nil {
			return negotiationResult{}, false, false, err
		}
		if o.done {
			*blockSizes = bs
			return negotiationResult{export: ex}, true, false, nil
		}
		return negotiationResult{}, false, false, nil

	case optStructuredReply:
		if o.nonEmpty {
			return negotiationResult{}, false, false, n.reply(frame.id, errInvalid)
		}
		*structuredEnabled = true
		return negotiationResult{}, false, false, n.ack(frame.id)

	case optListMetaContext:
		_ = o
		return negotiationResult{}, false, false, n.reply(frame.id, errUnsup)

	case optOpaque:
		return negotiationResult{}, false, false, n.reply(frame.id, errUnsup)

	default:
		return negotiationResult{}, false, false, n.reply(frame.id, errUnsup)
	}
}

func (n *negotiator) ack(option uint32) error {
	return encodeWithErr(n.rw, func(e *encoder) { encodeAck(e, option) })
}

func (n *negotiator) server(option uint32, name, details string) error {
	return encodeWithErr(n.rw, func(e *encoder) { encodeServer(e, option, name, details) })
}

func (n *negotiator) reply(option uint32, code errno) error {
	return encodeWithErr(n.rw, func(e *encoder) { encodeOptionError(e, option, code, "") })
}

func encodeWithErr(rw io.ReadWriter, f func(*encoder)) error {
	return do(rw, f)
}

func containsInfo(reqs []uint16, want uint16) bool {
	for _, r := range reqs {
		if r == want {
			return true
		}
	}
	return false
}

// findExport searches exports for one named name. An empty name selects the
// first configured export, matching the client's right to omit the export
// name only in deprecated oldstyle negotiation, which this core does not
// otherwise support; NBD_OPT_GO/NBD_OPT_INFO still allow an empty name to
// mean "the default export".
func findExport(name string, exports []Export) (Export, bool) {
	if name == "" && len(exports) > 0 {
		return exports[0], true
	}
	for _, e := range exports {
		if e.name() == name {
			return e, true
		}
	}
	return Export{}, false
}

func drain(r io.Reader, n uint32) error {
	buf := make([]byte, 512)
	for n > 0 {
		if uint32(len(buf)) > n {
			buf = buf[:n]
		}
		k, err := io.ReadFull(r, buf)
		n -= uint32(k)
		if err != nil {
			return unexpectedEOF(err)
		}
	}
	return nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

