// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nri

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/luxfi/nri/errdefs"
	"github.com/luxfi/nri/mux"
	"github.com/luxfi/nri/rpc"
)

// DefaultPluginTimeout applies to calls of sessions connected without a timeout.
const DefaultPluginTimeout = 2 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Sessions log through child loggers.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithCodec sets the codec used for plugin calls.
func WithCodec(c rpc.Codec) Option {
	return func(s *Service) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMaxFrameSize bounds the payload of frames read from a plugin trunk and
// the size of each RPC message exchanged with the plugin.
func WithMaxFrameSize(n uint32) Option {
	return func(s *Service) { s.maxFrame = n }
}

// WithPluginTimeout sets the timeout used when Connect is given none.
func WithPluginTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithRuntimeCallbacks installs callbacks at construction time.
func WithRuntimeCallbacks(cb RuntimeCallbacks) Option {
	return func(s *Service) { s.initCallbacks = &cb }
}

// PluginInfo describes one connected plugin.
type PluginInfo struct {
	ID          string        `json:"id"`
	InstanceID  string        `json:"instanceId"`
	ConnectedAt time.Time     `json:"connectedAt"`
	Timeout     time.Duration `json:"timeout"`
	Closed      bool          `json:"closed"`
}

// Service owns the plugin sessions of one runtime.
type Service struct {
	log            zerolog.Logger
	codec          rpc.Codec
	maxFrame       uint32
	defaultTimeout time.Duration
	initCallbacks  *RuntimeCallbacks

	callbacks atomic.Pointer[RuntimeCallbacks]
	runtime   *rpc.Server

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewService returns a Service with no sessions.
func NewService(opts ...Option) *Service {
	s := &Service{
		log:            zerolog.Nop(),
		codec:          rpc.Proto,
		maxFrame:       mux.DefaultMaxPayload,
		defaultTimeout: DefaultPluginTimeout,
		sessions:       make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runtime = rpc.NewServer(
		rpc.WithServerLogger(s.log.With().Str("component", "runtime-service").Logger()),
		rpc.WithServerMaxMessageSize(s.maxFrame),
		rpc.WithResponseTimeout(s.defaultTimeout),
	)
	s.registerRuntimeMethods()
	if s.initCallbacks != nil {
		if err := s.SetRuntimeCallbacks(*s.initCallbacks); err != nil {
			s.log.Warn().Err(err).Msg("ignoring runtime callbacks")
		}
	}
	return s
}

// Codec returns the codec used for plugin calls.
func (s *Service) Codec() rpc.Codec {
	return s.codec
}

// Disconnect closes and forgets the session of id. Unknown ids are ignored.
func (s *Service) Disconnect(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	sess.close()
	s.log.Info().Str("plugin", id).Str("instance", sess.instance).Msg("plugin disconnected")
	return nil
}

// Plugins returns the connected plugins sorted by id.
func (s *Service) Plugins() []PluginInfo {
	s.mu.RLock()
	infos := make([]PluginInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close disconnects every plugin and stops the runtime service.
// Later calls are no-ops.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	return s.runtime.Close()
}

func (s *Service) session(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: plugin %s", errdefs.ErrNotFound, id)
	}
	return sess, nil
}

func (s *Service) call(ctx context.Context, id, method string, req, resp interface{}) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sess.timeout)
	defer cancel()

	if err := sess.client.Call(ctx, method, req, resp); err != nil {
		if errors.Is(err, errdefs.ErrInvalidArgument) {
			return fmt.Errorf("%s %s: %w", id, method, err)
		}
		return fmt.Errorf("%s %s: %w: %w", id, method, errdefs.ErrTransport, err)
	}
	return nil
}

// Configure sends the runtime configuration to plugin id.
func (s *Service) Configure(ctx context.Context, id string, req, resp interface{}) error {
	return s.call(ctx, id, MethodConfigure, req, resp)
}

// Synchronize sends the current pods and containers to plugin id.
func (s *Service) Synchronize(ctx context.Context, id string, req, resp interface{}) error {
	return s.call(ctx, id, MethodSynchronize, req, resp)
}

// Shutdown asks plugin id to shut down.
func (s *Service) Shutdown(ctx context.Context, id string) error {
	return s.call(ctx, id, MethodShutdown, &emptypb.Empty{}, nil)
}

// CreateContainer lets plugin id adjust a container being created.
func (s *Service) CreateContainer(ctx context.Context, id string, req, resp interface{}) error {
	return s.call(ctx, id, MethodCreateContainer, req, resp)
}

// UpdateContainer lets plugin id adjust a container being updated.
func (s *Service) UpdateContainer(ctx context.Context, id string, req, resp interface{}) error {
	return s.call(ctx, id, MethodUpdateContainer, req, resp)
}

// StopContainer notifies plugin id of a container being stopped.
func (s *Service) StopContainer(ctx context.Context, id string, req, resp interface{}) error {
	return s.call(ctx, id, MethodStopContainer, req, resp)
}

// StateChange relays a pod or container lifecycle event to plugin id.
func (s *Service) StateChange(ctx context.Context, id string, event interface{}) error {
	return s.call(ctx, id, MethodStateChange, event, nil)
}
