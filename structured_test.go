package nbd

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type fakeStore struct {
	name string
	data []byte
	err  error
}

func (s *fakeStore) Ready() error { return nil }
func (s *fakeStore) Name() string { return s.name }
func (s *fakeStore) Size() uint64 { return uint64(len(s.data)) }
func (s *fakeStore) ReadAt(offset uint64, length uint32) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data[offset : offset+uint64(length)], nil
}

func TestStructuredReplyProducerZeroLength(t *testing.T) {
	store := &fakeStore{data: []byte("hello world")}
	p := newStructuredReplyProducer(store, 42, 3, 0, 4)

	c := p.Next()
	if c == nil {
		t.Fatalf("expected one chunk for a zero-length read")
	}
	if c.typ != replyTypeNone || c.flags&replyFlagDone == 0 || c.handle != 42 || len(c.data) != 0 {
		t.Fatalf("got %+v", c)
	}
	if p.Next() != nil {
		t.Fatalf("expected producer to be exhausted after the None/DONE chunk")
	}
}

func TestStructuredReplyProducerChunking(t *testing.T) {
	store := &fakeStore{data: []byte("0123456789")}
	p := newStructuredReplyProducer(store, 7, 0, 10, 4)

	var chunks []*structuredReplyChunk
	for {
		c := p.Next()
		if c == nil {
			break
		}
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	var reassembled []byte
	for i, c := range chunks {
		if c.typ != replyTypeOffsetData {
			t.Fatalf("chunk %d: typ %d, want offsetData", i, c.typ)
		}
		if c.handle != 7 {
			t.Fatalf("chunk %d: handle %d, want 7", i, c.handle)
		}
		last := i == len(chunks)-1
		if (c.flags&replyFlagDone != 0) != last {
			t.Fatalf("chunk %d: flagDone=%v, want %v", i, c.flags&replyFlagDone != 0, last)
		}
		offset := binary.BigEndian.Uint64(c.data[:8])
		if offset != uint64(i*4) {
			t.Fatalf("chunk %d: offset %d, want %d", i, offset, i*4)
		}
		reassembled = append(reassembled, c.data[8:]...)
	}
	if !bytes.Equal(reassembled, store.data) {
		t.Fatalf("reassembled %q, want %q", reassembled, store.data)
	}
}

func TestStructuredReplyProducerReadError(t *testing.T) {
	store := &fakeStore{data: make([]byte, 10), err: Errorf(EIO, "boom")}
	p := newStructuredReplyProducer(store, 1, 0, 10, 4)

	c := p.Next()
	if c == nil || c.typ != replyTypeError || c.flags&replyFlagDone == 0 {
		t.Fatalf("got %+v, want terminal error chunk", c)
	}
	code := binary.BigEndian.Uint32(c.data[:4])
	if Errno(code) != EIO {
		t.Fatalf("got errno %d, want EIO", code)
	}
	if p.Next() != nil {
		t.Fatalf("expected no chunks after a terminal error")
	}
}

func TestOffsetDataChunkEncode(t *testing.T) {
	c := offsetDataChunk(9, 128, []byte("abc"), true)
	var buf bytes.Buffer
	c.encode(&encoder{rw: &buf})

	if buf.Len() != 4+2+2+8+4+8+3 {
		t.Fatalf("encoded length %d", buf.Len())
	}
	b := buf.Bytes()
	if binary.BigEndian.Uint32(b[0:4]) != structuredReplyMagic {
		t.Fatalf("bad magic")
	}
	if binary.BigEndian.Uint16(b[4:6]) != replyFlagDone {
		t.Fatalf("bad flags")
	}
	if binary.BigEndian.Uint16(b[6:8]) != replyTypeOffsetData {
		t.Fatalf("bad type")
	}
	if binary.BigEndian.Uint64(b[8:16]) != 9 {
		t.Fatalf("bad handle")
	}
	if binary.BigEndian.Uint32(b[16:20]) != 11 {
		t.Fatalf("bad length")
	}
	if binary.BigEndian.Uint64(b[20:28]) != 128 {
		t.Fatalf("bad offset")
	}
	if string(b[28:31]) != "abc" {
		t.Fatalf("bad payload")
	}
}
