// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sandbox

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const reachableTimeout = time.Second

// WaitCallbacks observe a WaitWithCallback loop. Nil callbacks are skipped.
type WaitCallbacks struct {
	// Pending is called once when the controller becomes unreachable.
	Pending func(err error)
	// Ready is called once the controller is reachable again after Pending.
	Ready func()
	// Exit is called with the final Wait response.
	Exit func(resp proto.Message)
}

// WaitWithCallback calls Wait until it returns a response, riding out
// controller restarts. Unavailable and DeadlineExceeded failures are retried
// with backoff; any other failure, or ctx ending, stops the loop.
func (c *Client) WaitWithCallback(ctx context.Context, req, resp proto.Message, cb WaitCallbacks) error {
	delay := c.backoff.Initial
	pending := false

	for {
		err := c.Wait(ctx, req, resp)
		if err == nil {
			if pending && cb.Ready != nil {
				cb.Ready()
			}
			if cb.Exit != nil {
				cb.Exit(resp)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}

		if !pending {
			pending = true
			c.log.Warn().Err(err).Msg("sandbox controller unavailable, waiting")
			if cb.Pending != nil {
				cb.Pending(err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		conn, cerr := c.connection()
		if cerr != nil {
			return cerr
		}
		if awaitReady(ctx, conn, delay) {
			pending = false
			delay = c.backoff.Initial
			c.log.Info().Msg("sandbox controller reachable again")
			if cb.Ready != nil {
				cb.Ready()
			}
			continue
		}
		delay = c.backoff.next(delay)
	}
}

// Reachable reports whether a connection to the controller can be
// established within a second or by the ctx deadline, whichever is sooner.
func (c *Client) Reachable(ctx context.Context) bool {
	conn, err := c.connection()
	if err != nil {
		return false
	}
	return awaitReady(ctx, conn, reachableTimeout)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// awaitReady reports whether conn reaches the Ready state within d.
func awaitReady(ctx context.Context, conn *grpc.ClientConn, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return true
		}
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
	}
}
