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

// errProtocolMagic is returned by transmissionLoop.run when a request frame
// does not start with the expected magic. It is always fatal: the connection
// is no longer reliably framed, so the session closes without a reply.
var errProtocolMagic = errors.New("nbd: invalid request magic")

// errDisconnect is returned by transmissionLoop.dispatch for an NBD_CMD_DISC
// request. It is a clean termination: run stops and returns nil.
var errDisconnect = errors.New("nbd: client disconnected")

// transmissionLoop reads framed requests from rw, dispatches them against
// export, and writes simple or structured replies, until disconnect or a
// fatal error. It runs single-threaded: replies are written in the order
// their requests were read.
type transmissionLoop struct {
	rw                       io.ReadWriter
	export                   Export
	structuredRepliesEnabled bool
	chunkSize                uint32
}

func (t *transmissionLoop) run() error {
	for {
		var magic [4]byte
		if _, err := io.ReadFull(t.rw, magic[:]); err != nil {
			return unexpectedEOF(err)
		}
		if binary.BigEndian.Uint32(magic[:]) != reqMagic {
			return errProtocolMagic
		}

		var hdr [24]byte
		if _, err := io.ReadFull(t.rw, hdr[:]); err != nil {
			return unexpectedEOF(err)
		}
		req := parseRequestHeader(hdr)

		var body []byte
		if req.typ == cmdWrite || req.typ == cmdWriteZeroes {
			if req.length > maxRequestLen {
				if err := drain(t.rw, req.length); err != nil {
					return err
				}
				if err := t.respondErr(req.handle, EOVERFLOW); err != nil {
					return err
				}
				continue
			}
			body = make([]byte, req.length)
			if _, err := io.ReadFull(t.rw, body); err != nil {
				return unexpectedEOF(err)
			}
		}

		if err := t.dispatch(req, body); err != nil {
			if err == errDisconnect {
				return nil
			}
			return err
		}
	}
}

func (t *transmissionLoop) dispatch(req request, body []byte) error {
	switch req.typ {
	case cmdRead:
		return t.handleRead(req)
	case cmdDisc:
		return errDisconnect
	case cmdWrite, cmdFlush, cmdTrim, cmdCache, cmdWriteZeroes, cmdBlockStatus, cmdResize:
		_ = body
		return t.respondErr(req.handle, ENOTSUP)
	default:
		return t.respondErr(req.handle, EINVAL)
	}
}

func (t *transmissionLoop) handleRead(req request) error {
	if req.offset+uint64(req.length) > t.export.Store.Size() || req.length > maxRequestLen {
		return t.respondErr(req.handle, EINVAL)
	}
	if t.structuredRepliesEnabled {
		return t.respondStructured(req)
	}
	return t.respondSimpleRead(req)
}

func (t *transmissionLoop) respondSimpleRead(req request) error {
	var data []byte
	if req.length > 0 {
		var err error
		data, err = t.export.Store.ReadAt(req.offset, req.length)
		if err != nil {
			return t.respondErr(req.handle, errnoOf(err))
		}
	}
	rep := simpleReply{errno: 0, handle: req.handle, data: data}
	return do(t.rw, func(e *encoder) { rep.encode(e) })
}

func (t *transmissionLoop) respondStructured(req request) error {
	p := newStructuredReplyProducer(t.export.Store, req.handle, req.offset, req.length, t.chunkSize)
	for {
		chunk := p.Next()
		if chunk == nil {
			return nil
		}
		if err := do(t.rw, func(e *encoder) { chunk.encode(e) }); err != nil {
			return err
		}
		if chunk.flags&replyFlagDone != 0 {
			return nil
		}
	}
}

func (t *transmissionLoop) respondErr(handle uint64, code Errno) error {
	rep := simpleReply{errno: uint32(code), handle: handle}
	return do(t.rw, func(e *encoder) { rep.encode(e) })
}
