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

import "encoding/binary"

// encodeOptionReply writes an option reply header (magic, echoed option id,
// reply type, data_len) followed by the reply's type-specific body, all
// through e. The header fields are written to e as they come; only the body
// is built into a scratch buffer first, so data_len can be computed before
// the body is written.
func encodeOptionReply(e *encoder, option uint32, replyType uint32, body func(*encoder)) {
	e.writeUint64(repMagic)
	e.writeUint32(option)
	e.writeUint32(replyType)
	saved := e.buf
	e.buf = []byte{}
	if body != nil {
		body(e)
	}
	buf := e.buf
	e.buf = saved
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

func encodeAck(e *encoder, option uint32) {
	encodeOptionReply(e, option, cRepAck, nil)
}

func encodeServer(e *encoder, option uint32, name, details string) {
	encodeOptionReply(e, option, cRepServer, func(e *encoder) {
		e.writeUint32(uint32(len(name)))
		e.writeString(name)
		e.writeString(details)
	})
}

func encodeInfoExport(e *encoder, option uint32, size uint64, flags uint16) {
	encodeOptionReply(e, option, cRepInfo, func(e *encoder) {
		e.writeUint16(cInfoExport)
		e.writeUint64(size)
		e.writeUint16(flags)
	})
}

func encodeInfoName(e *encoder, option uint32, name string) {
	encodeOptionReply(e, option, cRepInfo, func(e *encoder) {
		e.writeUint16(cInfoName)
		e.writeString(name)
	})
}

func encodeInfoDescription(e *encoder, option uint32, description string) {
	encodeOptionReply(e, option, cRepInfo, func(e *encoder) {
		e.writeUint16(cInfoDescription)
		e.writeString(description)
	})
}

func encodeInfoBlockSize(e *encoder, option uint32, min, preferred, max uint32) {
	encodeOptionReply(e, option, cRepInfo, func(e *encoder) {
		e.writeUint16(cInfoBlockSize)
		e.writeUint32(min)
		e.writeUint32(preferred)
		e.writeUint32(max)
	})
}

func encodeOptionError(e *encoder, option uint32, code errno, msg string) {
	encodeOptionReply(e, option, uint32(code), func(e *encoder) {
		e.writeString(msg)
	})
}

// simpleReply is the non-structured transmission-phase reply: a handle, an
// errno (0 on success) and an optional payload.
type simpleReply struct {
	errno  uint32
	handle uint64
	data   []byte
}

func (r *simpleReply) encode(e *encoder) {
	e.writeUint32(simpleReplyMagic)
	e.writeUint32(r.errno)
	e.writeUint64(r.handle)
	e.write(r.data)
}

// structuredReplyChunk is one frame of a structured reply sequence. Only one
// chunk per sequence has flagDone set, and it is written last.
type structuredReplyChunk struct {
	flags  uint16
	typ    uint16
	handle uint64
	data   []byte
}

func (c *structuredReplyChunk) encode(e *encoder) {
	e.writeUint32(structuredReplyMagic)
	e.writeUint16(c.flags)
	e.writeUint16(c.typ)
	e.writeUint64(c.handle)
	e.writeUint32(uint32(len(c.data)))
	e.write(c.data)
}

// offsetDataChunk builds the payload for a replyTypeOffsetData chunk: an
// 8-byte absolute offset followed by the raw bytes read from that offset.
func offsetDataChunk(handle uint64, offset uint64, data []byte, done bool) *structuredReplyChunk {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(payload[:8], offset)
	copy(payload[8:], data)
	return &structuredReplyChunk{
		flags:  doneFlag(done),
		typ:    replyTypeOffsetData,
		handle: handle,
		data:   payload,
	}
}

// noneChunk builds the single chunk emitted for a zero-length read: a
// replyTypeNone chunk with no payload, always DONE.
func noneChunk(handle uint64) *structuredReplyChunk {
	return &structuredReplyChunk{
		flags:  replyFlagDone,
		typ:    replyTypeNone,
		handle: handle,
	}
}

// errorChunk builds the terminal error chunk for a structured reply whose
// read failed partway through. Its payload is errno(4) || msglen(2) || msg,
// matching how repError already reports option-phase errors as a length-
// prefixed message.
func errorChunk(handle uint64, code Errno, msg string) *structuredReplyChunk {
	payload := make([]byte, 6+len(msg))
	binary.BigEndian.PutUint32(payload[0:4], uint32(code))
	binary.BigEndian.PutUint16(payload[4:6], uint16(len(msg)))
	copy(payload[6:], msg)
	return &structuredReplyChunk{
		flags:  replyFlagDone,
		typ:    replyTypeError,
		handle: handle,
		data:   payload,
	}
}

func doneFlag(done bool) uint16 {
	if done {
		return replyFlagDone
	}
	return 0
}
