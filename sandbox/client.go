// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sandbox is a client for a sandbox controller serving the
// containerd.services.sandbox.v1.Controller gRPC service on a unix socket.
//
// Requests and responses are proto.Message values supplied by the caller, so
// the package does not depend on generated controller stubs.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/luxfi/nri/errdefs"
)

// ServiceName is the fully qualified controller service name.
const ServiceName = "containerd.services.sandbox.v1.Controller"

// SandboxerKey is the outgoing metadata key naming the sandboxer.
const SandboxerKey = "sandboxer"

// Controller method names.
const (
	MethodCreate   = "Create"
	MethodStart    = "Start"
	MethodPlatform = "Platform"
	MethodStop     = "Stop"
	MethodWait     = "Wait"
	MethodStatus   = "Status"
	MethodShutdown = "Shutdown"
	MethodMetrics  = "Metrics"
	MethodUpdate   = "Update"
)

// MethodPath returns the full gRPC method path of a controller method.
func MethodPath(method string) string {
	return "/" + ServiceName + "/" + method
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithBackoff sets the retry policy of WaitWithCallback.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b.normalize() }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Client talks to one sandbox controller. The gRPC connection is created on
// first use.
type Client struct {
	sandboxer string
	address   string
	log       zerolog.Logger
	backoff   Backoff
	dialOpts  []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// New returns a client for the controller of sandboxer listening on the unix
// socket at address.
func New(sandboxer, address string, opts ...Option) *Client {
	c := &Client{
		sandboxer: sandboxer,
		address:   address,
		log:       zerolog.Nop(),
		backoff:   DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("sandboxer", sandboxer).Str("address", address).Logger()
	return c
}

// Sandboxer returns the sandboxer name the client was built for.
func (c *Client) Sandboxer() string {
	return c.sandboxer
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	if c.address == "" {
		return nil, fmt.Errorf("%w: empty controller address", errdefs.ErrInvalidArgument)
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.dialOpts...)
	conn, err := grpc.NewClient("unix://"+c.address, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: sandbox controller client: %v", errdefs.ErrTransport, err)
	}
	c.conn = conn
	c.log.Info().Msg("sandbox controller client created")
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp proto.Message) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, SandboxerKey, c.sandboxer)
	if err := conn.Invoke(ctx, MethodPath(method), req, resp); err != nil {
		return wrapStatus(method, err)
	}
	return nil
}

// wrapStatus maps a gRPC failure to an error kind. The status stays
// reachable through status.FromError.
func wrapStatus(method string, err error) error {
	kind := errdefs.ErrTransport
	switch status.Code(err) {
	case codes.NotFound:
		kind = errdefs.ErrNotFound
	case codes.InvalidArgument:
		kind = errdefs.ErrInvalidArgument
	case codes.AlreadyExists:
		kind = errdefs.ErrAlreadyExists
	}
	return fmt.Errorf("sandbox %s: %w: %w", method, kind, err)
}

// Create creates a sandbox.
func (c *Client) Create(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodCreate, req, resp)
}

// Start starts a created sandbox.
func (c *Client) Start(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodStart, req, resp)
}

// Platform queries the platform of a sandbox.
func (c *Client) Platform(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodPlatform, req, resp)
}

// Stop stops a sandbox.
func (c *Client) Stop(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodStop, req, resp)
}

// Wait blocks until the sandbox exits.
func (c *Client) Wait(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodWait, req, resp)
}

// Status queries the status of a sandbox.
func (c *Client) Status(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodStatus, req, resp)
}

// Shutdown deletes a stopped sandbox.
func (c *Client) Shutdown(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodShutdown, req, resp)
}

// Metrics queries sandbox metrics.
func (c *Client) Metrics(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodMetrics, req, resp)
}

// Update updates sandbox resources or annotations.
func (c *Client) Update(ctx context.Context, req, resp proto.Message) error {
	return c.invoke(ctx, MethodUpdate, req, resp)
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// DefaultBackoff is the retry policy of WaitWithCallback.
var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2,
}

// Backoff is an exponential retry delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) normalize() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	return b
}

func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.Max {
		return b.Max
	}
	return d
}
