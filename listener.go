// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nri

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luxfi/nri/errdefs"
)

const (
	socketDirMode  = 0o700
	socketFileMode = 0o600

	maxAcceptBackoff = time.Second
)

// AcceptFunc takes ownership of an accepted connection. A non-nil error
// closes the connection.
type AcceptFunc func(conn net.Conn) error

// ListenerOption configures an ExternalListener.
type ListenerOption func(*ExternalListener)

// WithListenerLogger sets the listener logger.
func WithListenerLogger(l zerolog.Logger) ListenerOption {
	return func(e *ExternalListener) { e.log = l }
}

// ExternalListener accepts plugin connections on a unix socket.
type ExternalListener struct {
	log zerolog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	done     chan struct{}
}

// NewExternalListener returns a listener that is not yet started.
func NewExternalListener(opts ...ListenerOption) *ExternalListener {
	e := &ExternalListener{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds address and hands every accepted connection to accept.
// A stale socket at address is replaced; any other file there is an error.
func (e *ExternalListener) Start(address string, accept AcceptFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener != nil {
		return fmt.Errorf("%w: external listener already started", errdefs.ErrAlreadyExists)
	}
	if accept == nil {
		return fmt.Errorf("%w: external listener callback not set", errdefs.ErrInvalidArgument)
	}
	if address == "" {
		return fmt.Errorf("%w: empty socket address", errdefs.ErrInvalidArgument)
	}

	if err := removeStaleSocket(address); err != nil {
		return err
	}
	if err := mkdirAll(filepath.Dir(address), socketDirMode); err != nil {
		return fmt.Errorf("%w: create socket dir: %v", errdefs.ErrIO, err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: address, Net: "unix"})
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", errdefs.ErrIO, address, err)
	}
	if err := os.Chmod(address, socketFileMode); err != nil {
		l.Close()
		return fmt.Errorf("%w: chmod %s: %v", errdefs.ErrIO, address, err)
	}

	e.listener = l
	e.done = make(chan struct{})
	go e.acceptLoop(l, accept, e.done)

	e.log.Info().Str("address", address).Msg("external listener started")
	return nil
}

// Addr returns the bound address, or nil when not started.
func (e *ExternalListener) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Shutdown closes the listening socket and waits for the accept loop to
// exit. It is safe to call more than once.
func (e *ExternalListener) Shutdown() {
	e.mu.Lock()
	l, done := e.listener, e.done
	e.listener = nil
	e.mu.Unlock()

	if l == nil {
		return
	}
	l.Close()
	<-done
}

func (e *ExternalListener) acceptLoop(l *net.UnixListener, accept AcceptFunc, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				e.log.Info().Msg("external listener exited")
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			e.log.Warn().Err(err).Dur("retry", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if err := accept(conn); err != nil {
			conn.Close()
			e.log.Warn().Err(err).Msg("external connect callback failed")
		}
	}
}

func removeStaleSocket(address string) error {
	fi, err := os.Lstat(address)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", errdefs.ErrIO, address, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", errdefs.ErrInvalidArgument, address)
	}
	if err := os.Remove(address); err != nil {
		return fmt.Errorf("%w: remove stale socket %s: %v", errdefs.ErrIO, address, err)
	}
	return nil
}

// mkdirAll creates dir and missing parents with mode, regardless of umask.
// Existing directories are left alone.
func mkdirAll(dir string, mode fs.FileMode) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if parent := filepath.Dir(dir); parent != dir {
		if err := mkdirAll(parent, mode); err != nil {
			return err
		}
	}
	if err := os.Mkdir(dir, mode); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return os.Chmod(dir, mode)
}
