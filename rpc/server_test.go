// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/nri/errdefs"
)

type addArgs struct{ A, B int }
type addReply struct{ Sum int }

func TestRegisterRaw(t *testing.T) {
	s := NewServer()
	h := func(context.Context, []byte) ([]byte, error) { return nil, nil }

	require.NoError(t, s.RegisterRaw("b", h))
	require.NoError(t, s.RegisterRaw("a", h))
	assert.True(t, errdefs.IsAlreadyExists(s.RegisterRaw("a", h)))
	assert.True(t, errdefs.IsInvalidArgument(s.RegisterRaw("", h)))
	assert.True(t, errdefs.IsInvalidArgument(s.RegisterRaw("c", nil)))
	assert.Equal(t, []string{"a", "b"}, s.Methods())
}

func TestServeListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := filepath.Join(t.TempDir(), "rpc.sock")
	l, err := net.Listen("unix", addr)
	require.NoError(t, err)

	s := NewServer()
	require.NoError(t, s.RegisterRaw("add", func(_ context.Context, payload []byte) ([]byte, error) {
		var req addArgs
		if err := JSON.Decode(payload, &req); err != nil {
			return nil, err
		}
		return JSON.Encode(addReply{Sum: req.A + req.B})
	}))

	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, l) }()

	client, err := Dial(ctx, "unix", addr)
	require.NoError(t, err)
	defer client.Close()

	var reply addReply
	require.NoError(t, client.Call(ctx, "add", addArgs{A: 3, B: 4}, &reply))
	assert.Equal(t, 7, reply.Sum)

	require.NoError(t, s.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection survived server close")
	}
}

func TestServeConnAfterClose(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Close())

	a, b := net.Pipe()
	defer b.Close()
	assert.ErrorIs(t, s.ServeConn(context.Background(), a), ErrClosed)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer()
	require.NoError(t, s.RegisterRaw("boom", func(context.Context, []byte) ([]byte, error) {
		panic("bad input")
	}))
	c := NewConn(servePipe(t, s))
	defer c.Close()

	_, err := c.Call(ctx, "boom", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "handler panic")

	_, err = c.Call(ctx, "boom", nil)
	assert.Error(t, err, "server keeps serving after a panic")
}

func TestClientProtoCodec(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer()
	require.NoError(t, s.RegisterRaw("upper", func(_ context.Context, payload []byte) ([]byte, error) {
		var in wrapperspb.StringValue
		if err := Proto.Decode(payload, &in); err != nil {
			return nil, err
		}
		return Proto.Encode(wrapperspb.String(in.GetValue() + "!"))
	}))

	client := NewClient(servePipe(t, s), WithCodec(Proto))
	defer client.Close()

	var out wrapperspb.StringValue
	require.NoError(t, client.Call(ctx, "upper", wrapperspb.String("ready"), &out))
	assert.Equal(t, "ready!", out.GetValue())

	require.NoError(t, client.Call(ctx, "upper", wrapperspb.String("ignored"), nil))
}

func TestServerMaxMessageSize(t *testing.T) {
	s := NewServer(WithServerMaxMessageSize(16))
	require.NoError(t, s.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	served := make(chan error, 1)
	go func() { served <- s.ServeConn(context.Background(), serverSide) }()

	go clientSide.Write(encodeRequest(1, "echo", make([]byte, 64)))
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	case <-time.After(5 * time.Second):
		t.Fatal("oversized request did not end the connection")
	}
}

func TestServerResponseTimeout(t *testing.T) {
	s := NewServer(WithResponseTimeout(50 * time.Millisecond))
	require.NoError(t, s.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	client := servePipe(t, s)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	// The first response is never read and gets abandoned at the deadline.
	_, err := client.Write(encodeRequest(1, "echo", []byte("first")))
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)

	_, err = client.Write(encodeRequest(2, "echo", []byte("second")))
	require.NoError(t, err)
	msg, err := readMessage(client, 0)
	require.NoError(t, err)
	assert.Equal(t, MsgResponse, MessageType(msg[0]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(msg[1:5]))
	assert.Equal(t, "second", string(msg[5:]))
}
