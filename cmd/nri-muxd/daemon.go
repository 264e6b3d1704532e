// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luxfi/nri"
	"github.com/luxfi/nri/admin"
	"github.com/luxfi/nri/config"
	"github.com/luxfi/nri/errdefs"
	"github.com/luxfi/nri/rpc"
	"github.com/luxfi/nri/sandbox"
)

const externalPrefix = "external-"

type daemon struct {
	cfg config.Config
	log zerolog.Logger

	svc      *nri.Service
	listener *nri.ExternalListener
	sandbox  *sandbox.Client
	admin    *admin.Server

	adminListener net.Listener
	adminDone     chan error
}

func newDaemon(cfg config.Config, log zerolog.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := rpc.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, log: log}
	d.svc = nri.NewService(
		nri.WithLogger(log),
		nri.WithCodec(codec),
		nri.WithMaxFrameSize(cfg.MaxFrameSize),
		nri.WithPluginTimeout(cfg.PluginTimeout),
		nri.WithRuntimeCallbacks(nri.RuntimeCallbacks{
			RegisterPlugin:   d.registerPlugin,
			UpdateContainers: d.updateContainers,
		}),
	)
	d.listener = nri.NewExternalListener(nri.WithListenerLogger(log))

	if cfg.Sandbox.Address != "" {
		d.sandbox = sandbox.New(cfg.Sandbox.Sandboxer, cfg.Sandbox.Address,
			sandbox.WithLogger(log),
			sandbox.WithBackoff(cfg.Sandbox.Backoff),
		)
	}

	if cfg.AdminAddr != "" {
		var opts []admin.Option
		opts = append(opts, admin.WithLogger(log))
		if d.sandbox != nil {
			opts = append(opts, admin.WithSandbox(d.sandbox))
		}
		d.admin, err = admin.NewServer(d.svc, opts...)
		if err != nil {
			d.svc.Close()
			return nil, err
		}
	}
	return d, nil
}

// registerPlugin records the plugin announcement. The daemon has no
// container state of its own to offer.
func (d *daemon) registerPlugin(_ context.Context, id string, req []byte) error {
	d.log.Info().Str("plugin", id).Int("bytes", len(req)).Msg("plugin registered")
	return nil
}

// updateContainers accepts every requested update.
func (d *daemon) updateContainers(_ context.Context, id string, req []byte) ([]byte, error) {
	d.log.Debug().Str("plugin", id).Int("bytes", len(req)).Msg("container update requested")
	return nil, nil
}

func (d *daemon) accept(conn net.Conn) error {
	return d.svc.Connect(externalPrefix+uuid.NewString(), conn, d.cfg.PluginTimeout)
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.listener.Start(d.cfg.ExternalSocket, d.accept); err != nil {
		return err
	}

	if d.admin != nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", d.cfg.AdminAddr)
		if err != nil {
			d.listener.Shutdown()
			return fmt.Errorf("%w: admin listen %s: %v", errdefs.ErrIO, d.cfg.AdminAddr, err)
		}
		d.adminListener = l
		d.adminDone = make(chan error, 1)
		go func() { d.adminDone <- d.admin.Serve(ctx, l) }()
	}

	if d.sandbox != nil {
		d.log.Info().
			Str("sandboxer", d.sandbox.Sandboxer()).
			Bool("reachable", d.sandbox.Reachable(ctx)).
			Msg("sandbox controller configured")
	}
	return nil
}

func (d *daemon) stop() {
	d.listener.Shutdown()
	if err := d.svc.Close(); err != nil {
		d.log.Warn().Err(err).Msg("closing service")
	}
	if d.sandbox != nil {
		d.sandbox.Close()
	}
}

func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.start(ctx); err != nil {
		d.svc.Close()
		return err
	}
	d.log.Info().Str("socket", d.cfg.ExternalSocket).Msg("nri-muxd started")

	var err error
	select {
	case <-ctx.Done():
	case err = <-d.adminDone:
	}
	cancel()
	if d.adminDone != nil && err == nil {
		err = <-d.adminDone
	}

	d.stop()
	d.log.Info().Msg("nri-muxd stopped")
	return err
}
