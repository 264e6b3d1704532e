// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/luxfi/nri"
	"github.com/luxfi/nri/rpc"
)

// Client calls the admin service of a running daemon.
type Client struct {
	uri     *url.URL
	options []rpc.Option
}

// NewClient returns a client for the daemon whose admin endpoint is at base,
// e.g. "http://127.0.0.1:7030".
func NewClient(base string, options ...rpc.Option) (*Client, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	uri, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("admin: parse %q: %w", base, err)
	}
	uri.Path = Path
	return &Client{uri: uri, options: options}, nil
}

// List returns the plugins connected to the daemon.
func (c *Client) List(ctx context.Context) ([]nri.PluginInfo, error) {
	var reply ListReply
	if err := rpc.SendJSONRequest(ctx, c.uri, "Admin.List", &ListArgs{}, &reply, c.options...); err != nil {
		return nil, err
	}
	return reply.Plugins, nil
}

// Disconnect closes the session of plugin id.
func (c *Client) Disconnect(ctx context.Context, id string) error {
	return rpc.SendJSONRequest(ctx, c.uri, "Admin.Disconnect", &IDArgs{ID: id}, &EmptyReply{}, c.options...)
}

// Shutdown asks plugin id to shut down.
func (c *Client) Shutdown(ctx context.Context, id string) error {
	return rpc.SendJSONRequest(ctx, c.uri, "Admin.Shutdown", &IDArgs{ID: id}, &EmptyReply{}, c.options...)
}

// Health returns the daemon health summary.
func (c *Client) Health(ctx context.Context) (HealthReply, error) {
	var reply HealthReply
	err := rpc.SendJSONRequest(ctx, c.uri, "Admin.Health", &ListArgs{}, &reply, c.options...)
	return reply, err
}
