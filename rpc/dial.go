// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to an RPC server listening on network/addr.
func Dial(ctx context.Context, network, addr string, opts ...DialOption) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// NewClient returns a client issuing calls over an established connection.
// The client owns conn.
func NewClient(conn net.Conn, opts ...DialOption) Client {
	o := newDialOptions(opts)
	return &client{
		conn:  NewConn(conn, opts...),
		codec: o.codec,
	}
}

// client implements Client on top of Conn
type client struct {
	conn  *Conn
	codec Codec
}

func (c *client) Call(ctx context.Context, method string, args, reply interface{}) error {
	var payload []byte
	var err error

	if args != nil {
		payload, err = c.codec.Encode(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}

	resp, err := c.conn.Call(ctx, method, payload)
	if err != nil {
		return err
	}

	if reply != nil && len(resp) > 0 {
		if err := c.codec.Decode(resp, reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
	}
	return nil
}

func (c *client) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.conn.Call(ctx, method, payload)
}

func (c *client) Notify(ctx context.Context, method string, args interface{}) error {
	var payload []byte
	var err error

	if args != nil {
		payload, err = c.codec.Encode(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}

	return c.conn.Notify(ctx, method, payload)
}

func (c *client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *client) Close() error {
	return c.conn.Close()
}
