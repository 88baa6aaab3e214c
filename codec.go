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
	"fmt"
)

// This file holds the pure, buffer-oriented parsers for option frames and
// request headers. They never touch an io.Reader: a caller accumulates bytes
// from the wire into a buffer and calls parseOption repeatedly, growing the
// buffer by NeedMore's count each time it is returned. This lets the
// negotiator loop handle an option frame split into arbitrarily many reads
// identically to one delivered whole. parseRequestHeader takes a complete
// fixed-size header and cannot fail.

// NeedMore is returned by parseOption when buf does not yet hold a complete
// option frame. Its value is how many additional bytes the
// caller should read (at minimum) before retrying the same buf, unchanged and
// extended.
type NeedMore int

func (n NeedMore) Error() string {
	return fmt.Sprintf("nbd: need %d more bytes", int(n))
}

// UnknownOption is returned by parseOption when data_len is fully present but
// option_id names no option this core understands. Consumed still reports
// how many bytes of buf the (unparsed) option occupies, so the caller can
// skip over it before resuming parsing.
type UnknownOption struct {
	ID       uint32
	DataLen  uint32
	Consumed int
}

func (u *UnknownOption) Error() string {
	return fmt.Sprintf("nbd: unknown option %d", u.ID)
}

// OptionTooBig is returned by parseOption when data_len exceeds
// maxOptionLength. Consumed is 8 (the option header); the data_len bytes of
// payload remain on the wire and must be drained by the caller.
type OptionTooBig struct {
	ID       uint32
	DataLen  uint32
	Consumed int
}

func (e *OptionTooBig) Error() string {
	return fmt.Sprintf("nbd: option %d data_len %d exceeds limit", e.ID, e.DataLen)
}

// ParseError is returned by parseOption when a full option frame is present
// but its option-specific payload is malformed.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return "nbd: " + e.msg }

// optionFrame is a fully decoded option frame: its id, its declared length,
// and a decoded option-specific payload (one of the opt* types below).
type optionFrame struct {
	id      uint32
	dataLen uint32
	payload interface{}
}

// parseOption implements the Codec contract from the design: given the bytes
// following the 8-byte IHAVEOPT magic (which the caller has already
// consumed), it either returns a fully decoded optionFrame and the number of
// bytes of buf it occupies, or one of NeedMore, UnknownOption, OptionTooBig,
// or *ParseError.
func parseOption(buf []byte) (optionFrame, int, error) {
	if len(buf) < 8 {
		return optionFrame{}, 0, NeedMore(8 - len(buf))
	}
	id := binary.BigEndian.Uint32(buf[0:4])
	dataLen := binary.BigEndian.Uint32(buf[4:8])
	if dataLen > maxOptionLength {
		return optionFrame{}, 0, &OptionTooBig{id, dataLen, 8}
	}
	need := 8 + int(dataLen) - len(buf)
	if need > 0 {
		return optionFrame{}, 0, NeedMore(need)
	}
	consumed := 8 + int(dataLen)
	data := buf[8:consumed]

	payload, err := decodeOptionPayload(id, data)
	if err != nil {
		return optionFrame{}, consumed, err
	}
	if payload == nil {
		return optionFrame{}, consumed, &UnknownOption{id, dataLen, consumed}
	}
	return optionFrame{id, dataLen, payload}, consumed, nil
}

func decodeOptionPayload(id uint32, data []byte) (interface{}, error) {
	switch id {
	case cOptExportName:
		return optExportName{name: string(data)}, nil
	case cOptAbort:
		if len(data) != 0 {
			return nil, &ParseError{"NBD_OPT_ABORT must carry no data"}
		}
		return optAbort{}, nil
	case cOptList:
		if len(data) != 0 {
			return nil, &ParseError{"NBD_OPT_LIST must carry no data"}
		}
		return optList{}, nil
	case cOptPeekExport, cOptStartTLS, cOptSetMetaContext:
		// No payload decoding beyond the option header in this core; the
		// bytes are accepted opaquely and the option always answers
		// ErrUnsup.
		return optOpaque{id: id, data: append([]byte(nil), data...)}, nil
	case cOptInfo, cOptGo:
		return decodeOptInfo(id == cOptGo, data)
	case cOptStructuredReply:
		return optStructuredReply{nonEmpty: len(data) != 0}, nil
	case cOptListMetaContext:
		return decodeOptListMetaContext(data)
	default:
		return nil, nil
	}
}

type optExportName struct {
	name string
}

type optAbort struct{}

type optList struct{}

type optOpaque struct {
	id   uint32
	data []byte
}

type optInfo struct {
	done bool
	name string
	reqs []uint16
}

func decodeOptInfo(done bool, data []byte) (optInfo, error) {
	if len(data) < 6 {
		return optInfo{}, &ParseError{"option info/go payload shorter than its fixed header"}
	}
	nameLen := binary.BigEndian.Uint32(data[0:4])
	if uint64(nameLen) > uint64(len(data))-6 {
		return optInfo{}, &ParseError{"option info/go name_len overruns payload"}
	}
	name := string(data[4 : 4+nameLen])
	rest := data[4+nameLen:]
	nreqs := binary.BigEndian.Uint16(rest[0:2])
	rest = rest[2:]
	if len(rest) != int(nreqs)*2 {
		return optInfo{}, &ParseError{"option info/go request count does not match payload length"}
	}
	reqs := make([]uint16, nreqs)
	for i := range reqs {
		reqs[i] = binary.BigEndian.Uint16(rest[2*i : 2*i+2])
	}
	return optInfo{done, name, reqs}, nil
}

type optStructuredReply struct {
	nonEmpty bool
}

type optListMetaContext struct {
	name    string
	queries []string
}

func decodeOptListMetaContext(data []byte) (optListMetaContext, error) {
	if len(data) < 8 {
		return optListMetaContext{}, &ParseError{"list-meta-context payload shorter than its fixed header"}
	}
	nameLen := binary.BigEndian.Uint32(data[0:4])
	if uint64(nameLen) > uint64(len(data))-8 {
		return optListMetaContext{}, &ParseError{"list-meta-context name_len overruns payload"}
	}
	name := string(data[4 : 4+nameLen])
	rest := data[4+nameLen:]
	nqueries := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	queries := make([]string, 0, nqueries)
	for i := uint32(0); i < nqueries; i++ {
		if len(rest) < 4 {
			return optListMetaContext{}, &ParseError{"list-meta-context query truncated"}
		}
		qlen := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint64(qlen) > uint64(len(rest)) {
			return optListMetaContext{}, &ParseError{"list-meta-context query length overruns payload"}
		}
		queries = append(queries, string(rest[:qlen]))
		rest = rest[qlen:]
	}
	if len(rest) != 0 {
		return optListMetaContext{}, &ParseError{"list-meta-context payload has trailing bytes"}
	}
	return optListMetaContext{name, queries}, nil
}

// request is a fully decoded request header (the 24 bytes following the
// 4-byte request magic); its body, if any, is read separately by the
// transmission loop.
type request struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
}

// parseRequestHeader decodes the 24-byte request header. buf must be exactly
// 24 bytes; the request magic itself is checked by the caller before this is
// invoked, since it determines whether the connection is still framed at
// all.
func parseRequestHeader(buf [24]byte) request {
	return request{
		flags:  binary.BigEndian.Uint16(buf[0:2]),
		typ:    binary.BigEndian.Uint16(buf[2:4]),
		handle: binary.BigEndian.Uint64(buf[4:12]),
		offset: binary.BigEndian.Uint64(buf[12:20]),
		length: binary.BigEndian.Uint32(buf[20:24]),
	}
}
