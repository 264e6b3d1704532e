// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/nri/errdefs"
)

// MaxMessageSize is the default bound on one encoded message.
const MaxMessageSize = 64 << 20

var (
	ErrClosed          = fmt.Errorf("rpc: connection %w", errdefs.ErrClosed)
	ErrInvalidResp     = errors.New("rpc: invalid response")
	ErrMessageTooLarge = errors.New("rpc: message too large")
)

// MessageType identifies wire message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
)

// RemoteError is an error returned by the handler on the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// Conn multiplexes concurrent calls over one connection.
type Conn struct {
	conn         net.Conn
	writeMu      sync.Mutex
	pending      sync.Map // requestID -> chan response
	nextID       atomic.Uint32
	closed       atomic.Bool
	readDone     chan struct{}
	readErr      error
	maxMessage   uint32
	writeTimeout time.Duration
}

type response struct {
	data []byte
	err  error
}

// NewConn starts reading responses from conn.
func NewConn(conn net.Conn, opts ...DialOption) *Conn {
	o := newDialOptions(opts)
	c := &Conn{
		conn:         conn,
		readDone:     make(chan struct{}),
		maxMessage:   o.maxMessage,
		writeTimeout: o.writeTimeout,
	}
	go c.readLoop()
	return c
}

// Call sends method with payload and waits for the response or ctx.
func (c *Conn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(method) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: method name too long", errdefs.ErrInvalidArgument)
	}

	requestID := c.nextID.Add(1)
	respCh := make(chan response, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	if err := c.write(ctx, encodeRequest(requestID, method, payload)); err != nil {
		return nil, fmt.Errorf("rpc write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp.data, resp.err
	case <-c.readDone:
		select {
		case resp := <-respCh:
			return resp.data, resp.err
		default:
			return nil, c.doneErr()
		}
	}
}

// Notify sends a one-way notification (no response expected)
func (c *Conn) Notify(ctx context.Context, method string, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(method) > math.MaxUint16 {
		return fmt.Errorf("%w: method name too long", errdefs.ErrInvalidArgument)
	}
	return c.write(ctx, encodeNotify(method, payload))
}

// Done is closed when the read side of the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.readDone
}

// Close closes the connection
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) write(ctx context.Context, buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.writeTimeout > 0 {
		deadline, ok = time.Now().Add(c.writeTimeout), true
	}
	if ok {
		if err := c.conn.SetWriteDeadline(deadline); err == nil {
			defer c.conn.SetWriteDeadline(time.Time{})
		}
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *Conn) doneErr() error {
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) && !c.closed.Load() {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		msg, err := readMessage(c.conn, c.maxMessage)
		if err != nil {
			c.readErr = err
			return
		}
		if len(msg) < 5 {
			continue
		}

		msgType := MessageType(msg[0])
		requestID := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]

		ch, ok := c.pending.Load(requestID)
		if !ok {
			continue
		}
		respCh := ch.(chan response)
		var resp response
		switch msgType {
		case MsgResponse:
			resp.data = payload
		case MsgError:
			resp.err = &RemoteError{Message: string(payload)}
		default:
			resp.err = fmt.Errorf("%w: message type %d", ErrInvalidResp, msgType)
		}
		select {
		case respCh <- resp:
		default:
		}
	}
}

// readMessage reads one length-prefixed message.
func readMessage(r io.Reader, max uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidResp)
	}
	if max > 0 && msgLen > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, msgLen, max)
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// encodeRequest: [4 len][1 type][4 reqID][2 methodLen][method][payload]
func encodeRequest(requestID uint32, method string, payload []byte) []byte {
	msgLen := 1 + 4 + 2 + len(method) + len(payload)

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(method)))
	copy(buf[11:], method)
	copy(buf[11+len(method):], payload)
	return buf
}

// encodeNotify: [4 len][1 type][2 methodLen][method][payload]
func encodeNotify(method string, payload []byte) []byte {
	msgLen := 1 + 2 + len(method) + len(payload)

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgNotify)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(method)))
	copy(buf[7:], method)
	copy(buf[7+len(method):], payload)
	return buf
}

// encodeResponse: [4 len][1 type][4 reqID][payload]
func encodeResponse(msgType MessageType, requestID uint32, payload []byte) []byte {
	msgLen := 1 + 4 + len(payload)

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)
	return buf
}
