// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Client issues calls over one connection.
type Client interface {
	// Call makes a synchronous call, encoding args and decoding into reply
	// with the client's codec. A nil reply discards the response.
	Call(ctx context.Context, method string, args, reply interface{}) error

	// CallRaw makes a call with raw bytes
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args interface{}) error

	// Done is closed once the underlying connection is gone
	Done() <-chan struct{}

	// Close closes the connection
	Close() error
}

// RawHandler handles one request payload and returns the response payload.
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Codec encodes/decodes RPC messages
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// DialOption configures clients
type DialOption func(*dialOptions)

type dialOptions struct {
	codec        Codec
	maxMessage   uint32
	writeTimeout time.Duration
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:      defaultCodec,
		maxMessage: MaxMessageSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMaxMessageSize bounds the size of responses the client accepts.
func WithMaxMessageSize(n uint32) DialOption {
	return func(o *dialOptions) {
		if n > 0 {
			o.maxMessage = n
		}
	}
}

// WithWriteTimeout bounds request writes that carry no context deadline.
func WithWriteTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.writeTimeout = d }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	log          zerolog.Logger
	maxMessage   uint32
	writeTimeout time.Duration
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		log:          zerolog.Nop(),
		maxMessage:   MaxMessageSize,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithServerLogger sets the logger for dropped connections and handler failures.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.log = l }
}

// WithServerMaxMessageSize bounds the size of requests the server accepts.
func WithServerMaxMessageSize(n uint32) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.maxMessage = n
		}
	}
}

// WithResponseTimeout bounds how long writing one response may take.
func WithResponseTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.writeTimeout = d }
}
