// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mux multiplexes logical connections over one trunk stream.
//
// Every chunk read from a registered local endpoint is sent on the trunk as
//
//	u32 conn id (big-endian) | u32 length (big-endian) | length bytes
//
// and every frame read from the trunk is written to the local endpoint
// registered under its conn id. Frames for unknown ids are dropped.
//
// A Mux moves from open to closed exactly once. Close shuts down every local
// endpoint and the trunk, which unblocks all forwarding goroutines.
package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luxfi/nri/errdefs"
)

// readBufferSize is the per-connection read buffer and so the largest
// payload of one outgoing frame.
const readBufferSize = 32 * 1024

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger used for forwarding failures.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mux) { m.log = l }
}

// WithMaxPayload bounds the payload size accepted from the trunk. 0 disables the bound.
func WithMaxPayload(n uint32) Option {
	return func(m *Mux) { m.maxPayload = n }
}

// Mux owns one trunk and the logical connections layered over it.
type Mux struct {
	trunk io.ReadWriteCloser
	conns *Registry

	writeMu sync.Mutex
	wbuf    []byte

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	log         zerolog.Logger
	maxPayload  uint32
	readBufSize int
}

// New binds a Mux to trunk. No goroutine runs until AddConn or Start.
func New(trunk io.ReadWriteCloser, opts ...Option) *Mux {
	m := &Mux{
		trunk:       trunk,
		conns:       NewRegistry(),
		closed:      make(chan struct{}),
		log:         zerolog.Nop(),
		maxPayload:  DefaultMaxPayload,
		readBufSize: readBufferSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	// Outgoing frames carry at most one read, so they stay within the
	// payload bound the peer is expected to share.
	if m.maxPayload > 0 && uint32(m.readBufSize) > m.maxPayload {
		m.readBufSize = int(m.maxPayload)
	}
	return m
}

// AddConn registers conn under id and starts forwarding its reads to the trunk.
func (m *Mux) AddConn(id ConnID, conn io.ReadWriteCloser) error {
	if m.IsClosed() {
		return fmt.Errorf("mux: add conn %d: %w", id, errdefs.ErrClosed)
	}
	if err := m.conns.Add(id, conn); err != nil {
		return err
	}
	go m.connReader(id, conn)
	return nil
}

// Start launches the trunk reader. Calls after the first are no-ops.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		go m.trunkReader()
	})
}

// Close tears down every local endpoint and the trunk. Only the first call
// does any work; it is safe from any goroutine, including the forwarding loops.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		for _, conn := range m.conns.RemoveAll() {
			shutdown(conn)
		}
		shutdown(m.trunk)
		m.log.Debug().Msg("mux closed")
	})
	return nil
}

// Done is closed once the Mux is closed.
func (m *Mux) Done() <-chan struct{} {
	return m.closed
}

func (m *Mux) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// NumConns returns the number of registered logical connections.
func (m *Mux) NumConns() int {
	return m.conns.Len()
}

func (m *Mux) connReader(id ConnID, conn io.Reader) {
	buf := make([]byte, m.readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := m.writeFrame(id, buf[:n]); werr != nil {
				if !m.IsClosed() {
					m.log.Warn().Err(werr).Uint32("conn", uint32(id)).Msg("trunk write failed")
				}
				return
			}
		}
		if err != nil {
			switch {
			case m.IsClosed():
			case errors.Is(err, io.EOF):
				m.log.Debug().Uint32("conn", uint32(id)).Msg("conn reached eof")
			default:
				m.log.Warn().Err(err).Uint32("conn", uint32(id)).Msg("conn read failed")
			}
			return
		}
	}
}

// writeFrame sends one frame; the lock keeps header and payload of different
// frames from interleaving.
func (m *Mux) writeFrame(id ConnID, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.IsClosed() {
		return errdefs.ErrClosed
	}
	var hdr [HeaderLen]byte
	PutHeader(hdr[:], id, uint32(len(payload)))
	m.wbuf = append(append(m.wbuf[:0], hdr[:]...), payload...)
	_, err := m.trunk.Write(m.wbuf)
	return err
}

func (m *Mux) trunkReader() {
	var (
		hdr [HeaderLen]byte
		buf []byte
	)
	for {
		if _, err := io.ReadFull(m.trunk, hdr[:]); err != nil {
			m.fail("trunk header read failed", err)
			return
		}
		id, n := DecodeHeader(hdr)
		if m.maxPayload > 0 && n > m.maxPayload {
			m.fail("trunk frame rejected", fmt.Errorf("%w: conn %d, %d > %d", ErrFrameTooLarge, id, n, m.maxPayload))
			return
		}
		if cap(buf) < int(n) {
			buf = make([]byte, n)
		}
		payload := buf[:n]
		if _, err := io.ReadFull(m.trunk, payload); err != nil {
			m.fail("trunk payload read failed", err)
			return
		}

		conn, ok := m.conns.Get(id)
		if !ok {
			m.log.Debug().Uint32("conn", uint32(id)).Int("len", len(payload)).Msg("dropping frame for unknown conn")
			continue
		}
		if err := writeAll(conn, payload); err != nil {
			m.fail(fmt.Sprintf("conn %d write failed", id), err)
			return
		}
	}
}

func (m *Mux) fail(msg string, err error) {
	if !m.IsClosed() {
		m.log.Warn().Err(err).Msg(msg)
	}
	m.Close()
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// shutdown closes both directions of c before releasing it, so a peer
// holding a dup of the socket still observes EOF.
func shutdown(c io.Closer) {
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
	_ = c.Close()
}
