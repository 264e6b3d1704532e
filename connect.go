// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package nri

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/nri/errdefs"
	"github.com/luxfi/nri/mux"
	"github.com/luxfi/nri/rpc"
)

// ConnectFD connects plugin id over the stream socket fd. The Service owns
// fd from here on, even when connecting fails.
func (s *Service) ConnectFD(id string, fd int, timeout time.Duration) error {
	conn, err := mux.FileConn(fd)
	if err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	return s.Connect(id, conn, timeout)
}

// Connect starts a session for plugin id over trunk. Calls to the plugin are
// bounded by timeout, or by the service default when timeout is not positive.
// On failure trunk is closed and nothing is registered.
func (s *Service) Connect(id string, trunk net.Conn, timeout time.Duration) error {
	if id == "" {
		trunk.Close()
		return fmt.Errorf("%w: empty plugin id", errdefs.ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		trunk.Close()
		return fmt.Errorf("connect %s: service %w", id, errdefs.ErrClosed)
	}
	if _, ok := s.sessions[id]; ok {
		trunk.Close()
		return fmt.Errorf("%w: plugin %s already connected", errdefs.ErrAlreadyExists, id)
	}

	sess, err := s.newSession(id, trunk, timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	s.sessions[id] = sess

	s.log.Info().
		Str("plugin", id).
		Str("instance", sess.instance).
		Dur("timeout", timeout).
		Msg("plugin connected")
	return nil
}

func (s *Service) newSession(id string, trunk net.Conn, timeout time.Duration) (*session, error) {
	instance, err := uuid.NewV7()
	if err != nil {
		trunk.Close()
		return nil, fmt.Errorf("%w: instance id: %v", errdefs.ErrOther, err)
	}
	log := s.log.With().Str("plugin", id).Str("instance", instance.String()).Logger()

	m := mux.New(trunk, mux.WithLogger(log), mux.WithMaxPayload(s.maxFrame))

	pluginSide, clientSide, err := mux.SocketPair()
	if err != nil {
		m.Close()
		return nil, err
	}
	if err := m.AddConn(mux.PluginServiceConn, pluginSide); err != nil {
		pluginSide.Close()
		clientSide.Close()
		m.Close()
		return nil, err
	}

	runtimeSide, serverSide, err := mux.SocketPair()
	if err != nil {
		clientSide.Close()
		m.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(withPluginID(context.Background(), id))
	go func() {
		if err := s.runtime.ServeConn(ctx, serverSide); err != nil {
			log.Debug().Err(err).Msg("runtime service connection ended")
		}
	}()
	if err := m.AddConn(mux.RuntimeServiceConn, runtimeSide); err != nil {
		cancel()
		runtimeSide.Close()
		serverSide.Close()
		clientSide.Close()
		m.Close()
		return nil, err
	}

	client := rpc.NewClient(clientSide,
		rpc.WithCodec(s.codec),
		rpc.WithMaxMessageSize(s.maxFrame),
		rpc.WithWriteTimeout(timeout),
	)
	m.Start()

	go func() {
		<-m.Done()
		log.Debug().Msg("plugin trunk closed")
	}()

	return &session{
		id:          id,
		instance:    instance.String(),
		connectedAt: time.Now(),
		timeout:     timeout,
		mux:         m,
		client:      client,
		cancel:      cancel,
	}, nil
}
