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
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Phase is one of the five states a ServerSession moves through. Phases only
// advance, never go backward.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseNegotiating
	PhaseReady
	PhaseServing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseReady:
		return "ready"
	case PhaseServing:
		return "serving"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the minimal configuration surface a ServerSession/ListenAndServe
// needs beyond the set of exports: the chunk size bounding a structured
// reply's payload, and (for ListenAndServe) the address to bind.
type Config struct {
	// ChunkSize bounds the payload of a single structured reply chunk. Zero
	// means 4096.
	ChunkSize uint32
	// BindAddress is the listen address for ListenAndServe. Empty means
	// 127.0.0.1:10809.
	BindAddress string
}

func (c Config) chunkSize() uint32 {
	if c.ChunkSize == 0 {
		return 4096
	}
	return c.ChunkSize
}

// DefaultBindAddress is used by ListenAndServe when Config.BindAddress is
// empty.
const DefaultBindAddress = "127.0.0.1:10809"

// ServerSession owns one connection's lifecycle: the fixed handshake, option
// negotiation, and (on success) the transmission loop. Exported only through
// Serve/ListenAndServe; its fields are not meant to be touched concurrently
// from outside the goroutine running it.
type ServerSession struct {
	conn    io.ReadWriter
	exports []Export
	config  Config
	logger  *log.Logger

	phase Phase
}

// ListenAndServe starts listening on network/addr (defaulting addr to
// DefaultBindAddress when empty) and serves exports, the first of which is
// the default selected by an empty export name. It starts a new goroutine
// per connection and only returns once ctx is cancelled or the listener
// fails; either way it waits for in-flight connections to finish first.
// Errors from individual sessions are not returned.
func ListenAndServe(ctx context.Context, network string, cfg Config, exports ...Export) error {
	addr := cfg.BindAddress
	if addr == "" {
		addr = DefaultBindAddress
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	defer l.Close()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		l.Close()
		return nil
	})
	group.Go(func() error {
		for {
			c, err := l.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			group.Go(func() error {
				defer c.Close()
				Serve(ctx, c, cfg, exports...)
				return nil
			})
		}
	})
	return group.Wait()
}

// Serve runs the full handshake/negotiation/transmission lifecycle of one
// connection against exports, the first of which is the default. It returns
// once the session reaches PhaseClosed.
func Serve(ctx context.Context, c net.Conn, cfg Config, exports ...Export) error {
	logger := log.New(log.Writer(), fmt.Sprintf("nbd[%s]: ", c.RemoteAddr()), log.LstdFlags)
	s := &ServerSession{conn: c, exports: exports, config: cfg, logger: logger, phase: PhaseHandshake}
	rw := wrapConn(ctx, c)
	defer rw.Close()
	return s.run(rw)
}

func (s *ServerSession) run(rw io.ReadWriter) error {
	defer func() { s.phase = PhaseClosed }()
	if err := s.handshake(rw); err != nil {
		s.logger.Printf("handshake failed: %v", err)
		return err
	}
	s.phase = PhaseNegotiating

	n := &negotiator{rw: rw, exports: s.exports}
	result, err := n.run()
	if err != nil {
		if errors.Is(err, errAborted) {
			s.logger.Printf("client aborted negotiation")
			s.phase = PhaseClosed
			return nil
		}
		s.logger.Printf("negotiation failed: %v", err)
		return err
	}
	s.phase = PhaseReady

	if err := result.export.Store.Ready(); err != nil {
		s.logger.Printf("failed to open export %q: %v", result.export.name(), err)
		return err
	}
	s.phase = PhaseServing

	loop := &transmissionLoop{
		rw:                       rw,
		export:                   result.export,
		structuredRepliesEnabled: result.structuredRepliesEnabled,
		chunkSize:                s.config.chunkSize(),
	}
	err = loop.run()
	s.phase = PhaseClosed
	if err != nil {
		s.logger.Printf("session ended: %v", err)
		return err
	}
	s.logger.Printf("client disconnected")
	return nil
}

// handshake performs the fixed greeting: the server advertises NBDMAGIC,
// IHAVEOPT and its handshake flags, then reads (and, per spec, ignores) the
// client's flags. The server does not enforce flag equality; whether to do
// so is left as policy, not protocol, by design.
func (s *ServerSession) handshake(rw io.ReadWriter) error {
	return do(rw, func(e *encoder) {
		e.writeUint64(nbdMagic)
		e.writeUint64(optMagic)
		e.writeUint16(flagDefaults)
		_ = e.uint32() // client flags: read and discard, not enforced.
	})
}

// ctxRW wraps a net.Conn to respect context cancellation by setting the
// connection's deadline into the past when ctx is done.
type ctxRW struct {
	ctx    context.Context
	cancel context.CancelFunc
	c      net.Conn
	done   <-chan struct{}
}

func wrapConn(ctx context.Context, c net.Conn) io.ReadWriteCloser {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		c.SetDeadline(time.Now())
	}()
	return &ctxRW{ctx, cancel, c, done}
}

func (rw *ctxRW) Read(p []byte) (int, error) {
	n, err := rw.c.Read(p)
	if rw.ctx.Err() != nil {
		err = rw.ctx.Err()
	}
	return n, err
}

func (rw *ctxRW) Write(p []byte) (int, error) {
	n, err := rw.c.Write(p)
	if rw.ctx.Err() != nil {
		err = rw.ctx.Err()
	}
	return n, err
}

func (rw *ctxRW) Close() error {
	rw.cancel()
	<-rw.done
	return nil
}
