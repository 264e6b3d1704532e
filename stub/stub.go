// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

// Package stub is the plugin side of a plugin session. It serves the plugin
// handlers on mux.PluginServiceConn and calls the runtime over
// mux.RuntimeServiceConn, both carried by one trunk.
package stub

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luxfi/nri"
	"github.com/luxfi/nri/mux"
	"github.com/luxfi/nri/rpc"
)

// Handlers maps plugin method names (nri.MethodConfigure, ...) to handlers.
type Handlers map[string]rpc.RawHandler

// Option configures a Stub.
type Option func(*Stub)

// WithLogger sets the stub logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Stub) { s.log = l }
}

// WithCodec sets the codec used for calls to the runtime.
func WithCodec(c rpc.Codec) Option {
	return func(s *Stub) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMaxFrameSize bounds the payload of frames read from the trunk and the
// size of each RPC message.
func WithMaxFrameSize(n uint32) Option {
	return func(s *Stub) { s.maxFrame = n }
}

// Stub owns the plugin end of a trunk.
type Stub struct {
	log      zerolog.Logger
	codec    rpc.Codec
	maxFrame uint32

	mux       *mux.Mux
	server    *rpc.Server
	serveConn net.Conn
	runtime   rpc.Client

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

// New wires a stub over trunk. Nothing is read from the trunk until Start.
// On failure trunk is closed.
func New(trunk net.Conn, handlers Handlers, opts ...Option) (*Stub, error) {
	s := &Stub{
		log:      zerolog.Nop(),
		codec:    rpc.Proto,
		maxFrame: mux.DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = rpc.NewServer(rpc.WithServerLogger(s.log), rpc.WithServerMaxMessageSize(s.maxFrame))
	for method, h := range handlers {
		if err := s.server.RegisterRaw(method, h); err != nil {
			trunk.Close()
			return nil, fmt.Errorf("stub: %w", err)
		}
	}

	s.mux = mux.New(trunk, mux.WithLogger(s.log), mux.WithMaxPayload(s.maxFrame))

	muxSide, serveSide, err := mux.SocketPair()
	if err != nil {
		s.mux.Close()
		return nil, err
	}
	if err := s.mux.AddConn(mux.PluginServiceConn, muxSide); err != nil {
		muxSide.Close()
		serveSide.Close()
		s.mux.Close()
		return nil, err
	}

	runtimeSide, clientSide, err := mux.SocketPair()
	if err != nil {
		serveSide.Close()
		s.mux.Close()
		return nil, err
	}
	if err := s.mux.AddConn(mux.RuntimeServiceConn, runtimeSide); err != nil {
		runtimeSide.Close()
		clientSide.Close()
		serveSide.Close()
		s.mux.Close()
		return nil, err
	}

	s.serveConn = serveSide
	s.runtime = rpc.NewClient(clientSide, rpc.WithCodec(s.codec), rpc.WithMaxMessageSize(s.maxFrame))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Dial connects to the runtime listening on socketPath.
func Dial(ctx context.Context, socketPath string, handlers Handlers, opts ...Option) (*Stub, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("stub: dial %s: %w", socketPath, err)
	}
	return New(conn, handlers, opts...)
}

// Start begins serving handlers and reading the trunk.
func (s *Stub) Start() {
	s.startOnce.Do(func() {
		s.mux.Start()
		go func() {
			if err := s.server.ServeConn(s.ctx, s.serveConn); err != nil {
				s.log.Debug().Err(err).Msg("plugin service connection ended")
			}
		}()
	})
}

// RegisterPlugin announces the plugin to the runtime.
func (s *Stub) RegisterPlugin(ctx context.Context, req interface{}) error {
	return s.runtime.Call(ctx, nri.MethodRegisterPlugin, req, nil)
}

// UpdateContainers requests unsolicited container updates from the runtime.
func (s *Stub) UpdateContainers(ctx context.Context, req, resp interface{}) error {
	return s.runtime.Call(ctx, nri.MethodUpdateContainers, req, resp)
}

// Done is closed once the trunk is gone.
func (s *Stub) Done() <-chan struct{} {
	return s.mux.Done()
}

// Close tears down the trunk and both logical connections.
func (s *Stub) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mux.Close()
		s.runtime.Close()
		s.serveConn.Close()
		s.server.Close()
	})
	return nil
}
