package nbd

import (
	"errors"
	"io"
	"net"
	"testing"
)

// serverGreeting writes the fixed handshake header a real ServerSession would
// write before handing off to the negotiator, and reads (and discards) the
// client's handshake flags, mirroring ServerSession.handshake.
func serverGreeting(rw io.ReadWriter) error {
	return do(rw, func(e *encoder) {
		e.writeUint64(nbdMagic)
		e.writeUint64(optMagic)
		e.writeUint16(flagDefaults)
		_ = e.uint32()
	})
}

func negotiatorPipe(t *testing.T, exports []Export) (*Client, chan negotiationResult, chan error) {
	t.Helper()
	server, client := net.Pipe()

	resultCh := make(chan negotiationResult, 1)
	errCh := make(chan error, 1)
	go func() {
		if err := serverGreeting(server); err != nil {
			errCh <- err
			return
		}
		n := &negotiator{rw: server, exports: exports}
		res, err := n.run()
		resultCh <- res
		errCh <- err
	}()

	cl, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	t.Cleanup(func() { client.Close(); server.Close() })
	return cl, resultCh, errCh
}

func TestNegotiatorList(t *testing.T) {
	exports := []Export{
		{Store: &fakeStore{name: "disk0", data: make([]byte, 16)}, Description: "first"},
		{Store: &fakeStore{name: "disk1", data: make([]byte, 16)}, Description: "second"},
	}
	cl, _, errCh := negotiatorPipe(t, exports)

	names, err := cl.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "disk0" || names[1] != "disk1" {
		t.Fatalf("got %v", names)
	}
	if err := cl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := <-errCh; !errors.Is(err, errAborted) {
		t.Fatalf("negotiator.run returned %v, want errAborted", err)
	}
}

func TestNegotiatorGoSucceeds(t *testing.T) {
	exports := []Export{
		{Store: &fakeStore{name: "disk0", data: make([]byte, 1024)}, Description: "desc"},
	}
	cl, resultCh, errCh := negotiatorPipe(t, exports)

	info, err := cl.Go("disk0")
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if info.Name != "disk0" || info.Description != "desc" || info.Size != 1024 {
		t.Fatalf("got %+v", info)
	}
	if info.BlockSizes == nil || *info.BlockSizes != defaultBlockSizes {
		t.Fatalf("got block sizes %+v, want %+v", info.BlockSizes, defaultBlockSizes)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("negotiator.run: %v", err)
	}
	res := <-resultCh
	if res.export.name() != "disk0" {
		t.Fatalf("got export %q", res.export.name())
	}
}

func TestNegotiatorStructuredReplyNonEmptyPayloadRejected(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	go func() {
		serverGreeting(server)
		n := &negotiator{rw: server}
		n.run()
	}()

	cl, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}

	err = do(client, func(e *encoder) {
		cl.sendOption(e, cOptStructuredReply, func(e *encoder) {
			e.writeUint32(0xdeadbeef) // non-empty payload: must be rejected
		})
		rep := cl.recvOption(e, cOptStructuredReply)
		_ = rep
	})
	rerr, ok := err.(*repError)
	if !ok {
		t.Fatalf("got %v (%T), want *repError", err, err)
	}
	if rerr.errno != errInvalid {
		t.Fatalf("got errno 0x%x, want errInvalid", uint32(rerr.errno))
	}
}

func TestNegotiatorUnknownExportNameIsErrUnknown(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	go func() {
		serverGreeting(server)
		n := &negotiator{rw: server}
		n.run()
	}()

	cl, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	_, err = cl.Info("whatever")
	rerr, ok := err.(*repError)
	if !ok {
		t.Fatalf("got %v, want *repError", err)
	}
	if rerr.errno != errUnknown {
		t.Fatalf("got errno 0x%x, want errUnknown", uint32(rerr.errno))
	}
}

func TestNegotiatorExportNameOptionUnsupported(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	exports := []Export{{Store: &fakeStore{name: "disk0", data: make([]byte, 16)}}}
	go func() {
		serverGreeting(server)
		n := &negotiator{rw: server, exports: exports}
		n.run()
	}()

	cl, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}

	err = do(client, func(e *encoder) {
		cl.sendOption(e, cOptExportName, func(e *encoder) { e.writeString("disk0") })
		cl.recvOption(e, cOptExportName)
	})
	rerr, ok := err.(*repError)
	if !ok {
		t.Fatalf("got %v, want *repError", err)
	}
	if rerr.errno != errUnsup {
		t.Fatalf("got errno 0x%x, want errUnsup", uint32(rerr.errno))
	}
}
