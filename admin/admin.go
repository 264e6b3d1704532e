// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin exposes plugin sessions over JSON-RPC 2.0 on HTTP.
//
// Methods of the "Admin" service:
//
//	Admin.List        {}          -> {"plugins": [...]}
//	Admin.Disconnect  {"id": ...} -> {}
//	Admin.Shutdown    {"id": ...} -> {}
//	Admin.Health      {}          -> {"plugins": n, "sandboxer": ..., "sandboxReachable": ...}
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gorpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"

	"github.com/luxfi/nri"
	"github.com/luxfi/nri/errdefs"
)

// Path is the HTTP path the admin service is mounted on.
const Path = "/admin"

const shutdownGrace = 5 * time.Second

// Backend is the session manager the admin service operates on.
type Backend interface {
	Plugins() []nri.PluginInfo
	Disconnect(id string) error
	Shutdown(ctx context.Context, id string) error
}

// IDArgs names one plugin.
type IDArgs struct {
	ID string `json:"id"`
}

// ListArgs is the (empty) argument of Admin.List.
type ListArgs struct{}

// ListReply carries the connected plugins.
type ListReply struct {
	Plugins []nri.PluginInfo `json:"plugins"`
}

// HealthReply summarizes the daemon state.
type HealthReply struct {
	Plugins          int    `json:"plugins"`
	Sandboxer        string `json:"sandboxer,omitempty"`
	SandboxReachable bool   `json:"sandboxReachable"`
}

// SandboxProbe reports on the sandbox controller.
type SandboxProbe interface {
	Sandboxer() string
	Reachable(ctx context.Context) bool
}

// EmptyReply is returned by methods without a result.
type EmptyReply struct{}

// Service is the gorilla RPC receiver for the "Admin" service.
type Service struct {
	backend Backend
	sandbox SandboxProbe
	log     zerolog.Logger
}

// List returns the connected plugins.
func (s *Service) List(_ *http.Request, _ *ListArgs, reply *ListReply) error {
	reply.Plugins = s.backend.Plugins()
	return nil
}

// Disconnect closes the session of a plugin.
func (s *Service) Disconnect(_ *http.Request, args *IDArgs, _ *EmptyReply) error {
	if args.ID == "" {
		return invalidParams("id is required")
	}
	s.log.Info().Str("plugin", args.ID).Msg("admin disconnect")
	return s.backend.Disconnect(args.ID)
}

// Shutdown asks a plugin to shut down.
func (s *Service) Shutdown(r *http.Request, args *IDArgs, _ *EmptyReply) error {
	if args.ID == "" {
		return invalidParams("id is required")
	}
	s.log.Info().Str("plugin", args.ID).Msg("admin shutdown")
	if err := s.backend.Shutdown(r.Context(), args.ID); err != nil {
		if errdefs.IsNotFound(err) {
			return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
		}
		return err
	}
	return nil
}

// Health reports the number of plugins and whether the sandbox controller,
// if any, is reachable.
func (s *Service) Health(r *http.Request, _ *ListArgs, reply *HealthReply) error {
	reply.Plugins = len(s.backend.Plugins())
	if s.sandbox != nil {
		reply.Sandboxer = s.sandbox.Sandboxer()
		reply.SandboxReachable = s.sandbox.Reachable(r.Context())
	}
	return nil
}

func invalidParams(msg string) error {
	return &json2.Error{Code: json2.E_INVALID_REQ, Message: msg}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSandbox adds the sandbox controller to Admin.Health.
func WithSandbox(p SandboxProbe) Option {
	return func(s *Server) { s.sandbox = p }
}

// Server serves the admin service over HTTP.
type Server struct {
	log     zerolog.Logger
	sandbox SandboxProbe
	handler http.Handler
}

// NewServer builds the admin HTTP handler for backend.
func NewServer(backend Backend, opts ...Option) (*Server, error) {
	s := &Server{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	rpcServer := gorpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&Service{backend: backend, sandbox: s.sandbox, log: s.log}, "Admin"); err != nil {
		return nil, fmt.Errorf("%w: register admin service: %v", errdefs.ErrOther, err)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, rpcServer)
	s.handler = mux
	return s, nil
}

// Handler returns the HTTP handler serving Path.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve serves l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.log.Info().Str("address", l.Addr().String()).Msg("admin endpoint listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ListenAndServe listens on the TCP address addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: admin listen %s: %v", errdefs.ErrIO, addr, err)
	}
	return s.Serve(ctx, l)
}
