// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nri

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/nri/mux"
	"github.com/luxfi/nri/rpc"
)

// session is the state bound to one connected plugin.
type session struct {
	id          string
	instance    string
	connectedAt time.Time
	timeout     time.Duration

	mux    *mux.Mux
	client rpc.Client

	// cancels the runtime service for this plugin
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mux.Close()
		s.client.Close()
		s.cancel()
	})
}

func (s *session) info() PluginInfo {
	return PluginInfo{
		ID:          s.id,
		InstanceID:  s.instance,
		ConnectedAt: s.connectedAt,
		Timeout:     s.timeout,
		Closed:      s.mux.IsClosed(),
	}
}
