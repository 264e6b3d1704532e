// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/nri/errdefs"
)

// Server dispatches requests to handlers registered by method name.
// One Server may serve any number of connections.
type Server struct {
	opts *serverOptions

	mu        sync.RWMutex
	handlers  map[string]RawHandler
	listeners map[net.Listener]struct{}

	conns  sync.Map // net.Conn -> struct{}
	closed atomic.Bool
}

// NewServer returns a server with no registered methods.
func NewServer(opts ...ServerOption) *Server {
	return &Server{
		opts:      newServerOptions(opts),
		handlers:  make(map[string]RawHandler),
		listeners: make(map[net.Listener]struct{}),
	}
}

// RegisterRaw binds handler to method.
func (s *Server) RegisterRaw(method string, handler RawHandler) error {
	if method == "" || handler == nil {
		return fmt.Errorf("%w: empty method or nil handler", errdefs.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[method]; ok {
		return fmt.Errorf("%w: method %q", errdefs.ErrAlreadyExists, method)
	}
	s.handlers[method] = handler
	return nil
}

// Methods lists the registered method names in sorted order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Serve accepts connections from l until l fails or the server is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.closed.Load() {
		l.Close()
		return ErrClosed
	}
	s.mu.Lock()
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn serves requests read from conn until it reaches EOF, fails, or
// the server is closed. The handler context is cancelled when ServeConn
// returns. conn is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	if s.closed.Load() {
		conn.Close()
		return ErrClosed
	}
	s.conns.Store(conn, struct{}{})

	ctx, cancel := context.WithCancel(ctx)
	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer func() {
		cancel()
		inflight.Wait()
		s.conns.Delete(conn)
		conn.Close()
	}()

	for {
		msg, err := readMessage(conn, s.opts.maxMessage)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return nil
			}
			s.opts.log.Debug().Err(err).Msg("rpc connection dropped")
			return err
		}

		switch MessageType(msg[0]) {
		case MsgRequest:
			if len(msg) < 7 {
				continue
			}
			requestID := binary.BigEndian.Uint32(msg[1:5])
			methodLen := int(binary.BigEndian.Uint16(msg[5:7]))
			if len(msg) < 7+methodLen {
				continue
			}
			method := string(msg[7 : 7+methodLen])
			payload := msg[7+methodLen:]

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				resp, err := s.dispatch(ctx, method, payload)
				s.sendResponse(&writeMu, conn, requestID, resp, err)
			}()

		case MsgNotify:
			if len(msg) < 3 {
				continue
			}
			methodLen := int(binary.BigEndian.Uint16(msg[1:3]))
			if len(msg) < 3+methodLen {
				continue
			}
			method := string(msg[3 : 3+methodLen])
			payload := msg[3+methodLen:]

			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if _, err := s.dispatch(ctx, method, payload); err != nil {
					s.opts.log.Debug().Err(err).Str("method", method).Msg("notification failed")
				}
			}()

		default:
			s.opts.log.Debug().Uint8("type", msg[0]).Msg("ignoring unexpected message")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, method string, payload []byte) (resp []byte, err error) {
	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}

	defer func() {
		if r := recover(); r != nil {
			s.opts.log.Error().Interface("panic", r).Str("method", method).Msg("handler panicked")
			resp, err = nil, fmt.Errorf("%s: handler panic: %v", method, r)
		}
	}()
	return handler(ctx, payload)
}

func (s *Server) sendResponse(mu *sync.Mutex, conn net.Conn, requestID uint32, data []byte, err error) {
	var buf []byte
	if err != nil {
		buf = encodeResponse(MsgError, requestID, []byte(err.Error()))
	} else {
		buf = encodeResponse(MsgResponse, requestID, data)
	}

	mu.Lock()
	defer mu.Unlock()
	if s.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, werr := conn.Write(buf); werr != nil {
		s.opts.log.Debug().Err(werr).Uint32("request", requestID).Msg("failed to write response")
	}
}

// Close stops every listener and connection being served.
func (s *Server) Close() error {
	s.closed.Store(true)

	s.mu.Lock()
	var errs []error
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return errors.Join(errs...)
}
