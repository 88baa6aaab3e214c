package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// requestBuf builds one wire-format request frame: magic, header, body.
func requestBuf(flags, typ uint16, handle, offset uint64, length uint32, body []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(reqMagic))
	binary.Write(&buf, binary.BigEndian, flags)
	binary.Write(&buf, binary.BigEndian, typ)
	binary.Write(&buf, binary.BigEndian, handle)
	binary.Write(&buf, binary.BigEndian, offset)
	binary.Write(&buf, binary.BigEndian, length)
	buf.Write(body)
	return buf.Bytes()
}

// pipeRW glues a request stream (in) to an output buffer (out) behind a
// single io.ReadWriter, the way transmissionLoop expects to see one
// connection.
type pipeRW struct {
	in  *bytes.Reader
	out *bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.out.Write(b) }

func readSimpleReply(t *testing.T, buf *bytes.Buffer) simpleReply {
	t.Helper()
	var magic uint32
	if err := binary.Read(buf, binary.BigEndian, &magic); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	if magic != simpleReplyMagic {
		t.Fatalf("got magic 0x%x, want simpleReplyMagic", magic)
	}
	var r simpleReply
	binary.Read(buf, binary.BigEndian, &r.errno)
	binary.Read(buf, binary.BigEndian, &r.handle)
	r.data = append([]byte(nil), buf.Bytes()...)
	return r
}

func TestTransmissionSimpleRead(t *testing.T) {
	store := &fakeStore{name: "disk0", data: []byte("0123456789abcdef")}
	in := requestBuf(0, cmdRead, 0xcafe, 4, 6, nil)
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, chunkSize: 4096}
	if err := loop.run(); err != io.ErrUnexpectedEOF {
		t.Fatalf("run: %v", err)
	}

	rep := readSimpleReply(t, rw.out)
	if rep.errno != 0 || rep.handle != 0xcafe || string(rep.data) != "456789" {
		t.Fatalf("got %+v", rep)
	}
}

func TestTransmissionZeroLengthReadSucceeds(t *testing.T) {
	store := &fakeStore{name: "disk0", data: []byte("0123456789")}
	in := requestBuf(0, cmdRead, 1, 0, 0, nil)
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, chunkSize: 4096}
	loop.run()

	rep := readSimpleReply(t, rw.out)
	if rep.errno != 0 || len(rep.data) != 0 {
		t.Fatalf("got %+v, want success with empty payload", rep)
	}
}

func TestTransmissionReadOutOfRangeIsEINVAL(t *testing.T) {
	store := &fakeStore{name: "disk0", data: make([]byte, 10)}
	in := requestBuf(0, cmdRead, 2, 5, 10, nil)
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, chunkSize: 4096}
	loop.run()

	rep := readSimpleReply(t, rw.out)
	if Errno(rep.errno) != EINVAL {
		t.Fatalf("got errno %d, want EINVAL", rep.errno)
	}
}

func TestTransmissionWriteAcksUnsupported(t *testing.T) {
	store := &fakeStore{name: "disk0", data: make([]byte, 10)}
	in := requestBuf(0, cmdWrite, 3, 0, 4, []byte("abcd"))
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, chunkSize: 4096}
	loop.run()

	rep := readSimpleReply(t, rw.out)
	if Errno(rep.errno) != ENOTSUP || rep.handle != 3 {
		t.Fatalf("got %+v, want ENOTSUP", rep)
	}
}

func TestTransmissionDisconnect(t *testing.T) {
	store := &fakeStore{name: "disk0", data: make([]byte, 10)}
	in := requestBuf(0, cmdDisc, 0, 0, 0, nil)
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, chunkSize: 4096}
	if err := loop.run(); err != nil {
		t.Fatalf("run: %v, want nil (clean disconnect)", err)
	}
	if rw.out.Len() != 0 {
		t.Fatalf("expected no reply to NBD_CMD_DISC")
	}
}

func TestTransmissionStructuredRead(t *testing.T) {
	store := &fakeStore{name: "disk0", data: []byte("abcdefghijklmnop")}
	in := requestBuf(0, cmdRead, 0x1234, 2, 10, nil)
	rw := &pipeRW{in: bytes.NewReader(in), out: &bytes.Buffer{}}

	loop := &transmissionLoop{rw: rw, export: Export{Store: store}, structuredRepliesEnabled: true, chunkSize: 4}
	if err := loop.run(); err != io.ErrUnexpectedEOF {
		t.Fatalf("run: %v", err)
	}

	var reassembled []byte
	var sawDone bool
	for rw.out.Len() > 0 {
		var magic uint32
		binary.Read(rw.out, binary.BigEndian, &magic)
		if magic != structuredReplyMagic {
			t.Fatalf("bad chunk magic 0x%x", magic)
		}
		var flags, typ uint16
		var handle uint64
		var length uint32
		binary.Read(rw.out, binary.BigEndian, &flags)
		binary.Read(rw.out, binary.BigEndian, &typ)
		binary.Read(rw.out, binary.BigEndian, &handle)
		binary.Read(rw.out, binary.BigEndian, &length)
		if handle != 0x1234 {
			t.Fatalf("got handle %x, want 0x1234", handle)
		}
		if typ != replyTypeOffsetData {
			t.Fatalf("got chunk type %d, want offsetData", typ)
		}
		payload := make([]byte, length)
		io.ReadFull(rw.out, payload)
		reassembled = append(reassembled, payload[8:]...)
		if flags&replyFlagDone != 0 {
			if sawDone {
				t.Fatalf("saw DONE flag twice")
			}
			sawDone = true
			if rw.out.Len() != 0 {
				t.Fatalf("bytes remain after DONE chunk")
			}
		}
	}
	if !sawDone {
		t.Fatalf("never saw a DONE chunk")
	}
	if string(reassembled) != "cdefghijkl" {
		t.Fatalf("reassembled %q", reassembled)
	}
}
