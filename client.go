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
	"errors"
	"fmt"
	"io"
)

// ExportInfo is what Client.Info/Go learn about a remote export.
type ExportInfo struct {
	Name        string
	Description string
	Size        uint64
	Flags       uint16
	BlockSizes  *BlockSizeConstraints
}

// Client performs the client side of the NBD handshake. It exists for
// tooling that needs to query or select an export on a running server (see
// cmd/nbd-serve's list/info subcommands) without attaching a kernel block
// device.
type Client struct {
	rw     io.ReadWriter
	closed bool
}

// ClientHandshake reads the fixed greeting from rw and replies with the
// client's handshake flags. It fails if the server doesn't advertise fixed
// newstyle negotiation with no zero padding, since that's the only dialect
// this package's negotiator speaks.
func ClientHandshake(rw io.ReadWriter) (*Client, error) {
	c := &Client{rw: rw}
	return c, do(rw, func(e *encoder) {
		if e.uint64() != nbdMagic {
			e.check(errors.New("nbd: invalid magic from server"))
		}
		if e.uint64() != optMagic {
			e.check(errors.New("nbd: invalid magic from server"))
		}
		serverFlags := e.uint16()
		if serverFlags&flagDefaults != flagDefaults {
			e.check(errors.New("nbd: server does not support fixed newstyle negotiation"))
		}
		e.writeUint32(flagDefaults)
	})
}

func (c *Client) checkClosed(e *encoder) {
	if c.closed {
		e.check(errors.New("nbd: use of closed client"))
	}
}

func (c *Client) sendOption(e *encoder, id uint32, payload func(*encoder)) {
	c.checkClosed(e)
	e.writeUint64(optMagic)
	e.writeUint32(id)
	saved := e.buf
	e.buf = []byte{}
	if payload != nil {
		payload(e)
	}
	buf := e.buf
	e.buf = saved
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

// clientReply is one decoded option reply: either a terminal Ack, a List
// entry (repServer), an Info reply (one of the info* values), or nil for an
// info kind the client does not know. An error reply is not returned as a
// clientReply: recvOption reports it as a *repError through the encoder's
// check.
type clientReply interface{}

type repAck struct{}

type repServer struct {
	name, details string
}

type infoExport struct {
	size  uint64
	flags uint16
}

type infoName struct {
	name string
}

type infoDescription struct {
	description string
}

type infoBlockSize struct {
	min, preferred, max uint32
}

type repError struct {
	errno errno
	msg   string
}

func (r *repError) Error() string {
	if r.msg != "" {
		return r.msg
	}
	return fmt.Sprintf("nbd: option error 0x%x", uint32(r.errno))
}

func (c *Client) recvOption(e *encoder, id uint32) clientReply {
	c.checkClosed(e)
	if e.uint64() != repMagic {
		e.check(errors.New("nbd: invalid reply magic from server"))
	}
	if e.uint32() != id {
		e.check(errors.New("nbd: server replied to the wrong option"))
	}
	code := e.uint32()
	length := e.uint32()
	switch code {
	case cRepAck:
		if length != 0 {
			e.check(errors.New("nbd: malformed ack reply"))
		}
		return &repAck{}
	case cRepServer:
		if length < 4 {
			e.check(errors.New("nbd: malformed server reply"))
		}
		nameLen := e.uint32()
		rest := make([]byte, length-4)
		e.read(rest)
		if uint32(len(rest)) < nameLen {
			e.check(errors.New("nbd: malformed server reply"))
		}
		return &repServer{string(rest[:nameLen]), string(rest[nameLen:])}
	case cRepInfo:
		return c.recvInfo(e, length)
	default:
		if code&(1<<31) != 0 {
			msg := make([]byte, length)
			e.read(msg)
			err := &repError{errno(code), string(msg)}
			e.check(err)
			return nil
		}
		e.check(fmt.Errorf("nbd: unknown option reply code 0x%x", code))
		return nil
	}
}

func (c *Client) recvInfo(e *encoder, length uint32) clientReply {
	if length < 2 {
		e.check(errors.New("nbd: malformed info reply"))
	}
	kind := e.uint16()
	rest := length - 2
	switch kind {
	case cInfoExport:
		if rest != 10 {
			e.check(errors.New("nbd: malformed export info reply"))
		}
		return &infoExport{e.uint64(), e.uint16()}
	case cInfoName:
		b := make([]byte, rest)
		e.read(b)
		return &infoName{string(b)}
	case cInfoDescription:
		b := make([]byte, rest)
		e.read(b)
		return &infoDescription{string(b)}
	case cInfoBlockSize:
		if rest != 12 {
			e.check(errors.New("nbd: malformed block size info reply"))
		}
		return &infoBlockSize{e.uint32(), e.uint32(), e.uint32()}
	default:
		e.discard(rest)
		return nil
	}
}

// Abort aborts the handshake. c must not be used afterward.
func (c *Client) Abort() error {
	return do(c.rw, func(e *encoder) {
		c.sendOption(e, cOptAbort, nil)
		rep := c.recvOption(e, cOptAbort)
		c.closed = true
		if _, ok := rep.(*repAck); !ok {
			e.check(errors.New("nbd: invalid response to abort"))
		}
	})
}

// List returns the names of the exports the server provides.
func (c *Client) List() ([]string, error) {
	var list []string
	err := do(c.rw, func(e *encoder) {
		c.sendOption(e, cOptList, nil)
		for {
			switch rep := c.recvOption(e, cOptList).(type) {
			case *repAck:
				return
			case *repServer:
				list = append(list, rep.name)
			default:
				e.check(errors.New("nbd: invalid response to list"))
			}
		}
	})
	return list, err
}

func (c *Client) info(name string, done bool) (ExportInfo, error) {
	var ex ExportInfo
	id := uint32(cOptInfo)
	if done {
		id = cOptGo
	}
	err := do(c.rw, func(e *encoder) {
		reqs := []uint16{cInfoExport, cInfoName, cInfoDescription, cInfoBlockSize}
		c.sendOption(e, id, func(e *encoder) {
			e.writeUint32(uint32(len(name)))
			e.writeString(name)
			e.writeUint16(uint16(len(reqs)))
			for _, r := range reqs {
				e.writeUint16(r)
			}
		})
		for {
			switch rep := c.recvOption(e, id).(type) {
			case *repAck:
				return
			case *infoExport:
				ex.Size, ex.Flags = rep.size, rep.flags
			case *infoName:
				ex.Name = rep.name
			case *infoDescription:
				ex.Description = rep.description
			case *infoBlockSize:
				ex.BlockSizes = &BlockSizeConstraints{rep.min, rep.preferred, rep.max}
			case nil:
				// unknown info kind, already discarded.
			default:
				e.check(errors.New("nbd: invalid response to info/go"))
			}
		}
	})
	return ex, err
}

// Info requests information about the export named name (the default export
// if name is empty), without entering transmission phase.
func (c *Client) Info(name string) (ExportInfo, error) {
	return c.info(name, false)
}

// Go requests information about the export named name and, on success,
// enters transmission phase. c must not be used afterward.
func (c *Client) Go(name string) (ExportInfo, error) {
	ex, err := c.info(name, true)
	c.closed = true
	return ex, err
}
