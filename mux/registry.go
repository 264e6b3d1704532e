// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mux

import (
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/nri/errdefs"
)

// Registry maps logical connection ids to local endpoints.
//
// All operations hold one mutex so an insert either fully succeeds or fails.
// RemoveAll seals the registry: later inserts fail with errdefs.ErrClosed, which
// keeps a connection added concurrently with Mux.Close from escaping teardown.
type Registry struct {
	mu     sync.Mutex
	conns  map[ConnID]io.ReadWriteCloser
	sealed bool
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]io.ReadWriteCloser)}
}

// Add registers conn under id.
func (r *Registry) Add(id ConnID, conn io.ReadWriteCloser) error {
	if id == ReservedConnID {
		return fmt.Errorf("%w: conn id %d is reserved", errdefs.ErrInvalidArgument, id)
	}
	if conn == nil {
		return fmt.Errorf("%w: nil endpoint for conn %d", errdefs.ErrInvalidArgument, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("mux: add conn %d: %w", id, errdefs.ErrClosed)
	}
	if _, ok := r.conns[id]; ok {
		return fmt.Errorf("%w: conn id %d already exists", errdefs.ErrInvalidArgument, id)
	}
	r.conns[id] = conn
	return nil
}

// Get returns the endpoint registered under id.
func (r *Registry) Get(id ConnID) (io.ReadWriteCloser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Remove unregisters id so it may be reused. The endpoint is returned, not closed.
func (r *Registry) Remove(id ConnID) (io.ReadWriteCloser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return conn, ok
}

// RemoveAll drains and seals the registry.
func (r *Registry) RemoveAll() []io.ReadWriteCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	conns := make([]io.ReadWriteCloser, 0, len(r.conns))
	for id, conn := range r.conns {
		conns = append(conns, conn)
		delete(r.conns, id)
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
