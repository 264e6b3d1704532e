// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nri

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/nri/errdefs"
)

// RuntimeCallbacks answer the calls a plugin makes to the runtime. Payloads
// are encoded with the Service codec and passed through undecoded.
type RuntimeCallbacks struct {
	// RegisterPlugin is invoked when a plugin announces itself.
	RegisterPlugin func(ctx context.Context, pluginID string, req []byte) error

	// UpdateContainers is invoked when a plugin requests unsolicited
	// container updates. The returned bytes are the encoded response.
	UpdateContainers func(ctx context.Context, pluginID string, req []byte) ([]byte, error)
}

var (
	errRegisterNotSet = errors.New("register plugin callback not registered")
	errUpdateNotSet   = errors.New("update containers callback not registered")
)

type pluginIDKey struct{}

func withPluginID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, pluginIDKey{}, id)
}

// PluginID returns the id of the plugin whose call is being handled.
func PluginID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(pluginIDKey{}).(string)
	return id, ok
}

// SetRuntimeCallbacks installs cb. Callbacks can be installed once.
func (s *Service) SetRuntimeCallbacks(cb RuntimeCallbacks) error {
	if cb.RegisterPlugin == nil || cb.UpdateContainers == nil {
		return fmt.Errorf("%w: callbacks not set", errdefs.ErrInvalidArgument)
	}
	if !s.callbacks.CompareAndSwap(nil, &cb) {
		return fmt.Errorf("%w: runtime callbacks already registered", errdefs.ErrAlreadyExists)
	}
	return nil
}

func (s *Service) registerRuntimeMethods() {
	// fresh server, registration cannot collide
	_ = s.runtime.RegisterRaw(MethodRegisterPlugin, s.handleRegisterPlugin)
	_ = s.runtime.RegisterRaw(MethodUpdateContainers, s.handleUpdateContainers)
}

func (s *Service) handleRegisterPlugin(ctx context.Context, payload []byte) ([]byte, error) {
	id, _ := PluginID(ctx)
	s.log.Info().Str("plugin", id).Msg("runtime service registering plugin")

	cb := s.callbacks.Load()
	if cb == nil {
		return nil, errRegisterNotSet
	}
	if err := cb.RegisterPlugin(ctx, id, payload); err != nil {
		return nil, fmt.Errorf("register plugin for %s failed: %w", id, err)
	}
	return nil, nil
}

func (s *Service) handleUpdateContainers(ctx context.Context, payload []byte) ([]byte, error) {
	id, _ := PluginID(ctx)
	s.log.Debug().Str("plugin", id).Msg("runtime service updating containers")

	cb := s.callbacks.Load()
	if cb == nil {
		return nil, errUpdateNotSet
	}
	resp, err := cb.UpdateContainers(ctx, id, payload)
	if err != nil {
		return nil, fmt.Errorf("update containers for %s failed: %w", id, err)
	}
	return resp, nil
}
