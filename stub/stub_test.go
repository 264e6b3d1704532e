// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package stub_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/nri"
	"github.com/luxfi/nri/errdefs"
	"github.com/luxfi/nri/mux"
	"github.com/luxfi/nri/rpc"
	"github.com/luxfi/nri/stub"
)

func TestDialExternalListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	registered := make(chan string, 1)
	svc := nri.NewService(nri.WithRuntimeCallbacks(nri.RuntimeCallbacks{
		RegisterPlugin: func(_ context.Context, id string, _ []byte) error {
			registered <- id
			return nil
		},
		UpdateContainers: func(context.Context, string, []byte) ([]byte, error) { return nil, nil },
	}))
	defer svc.Close()

	address := filepath.Join(t.TempDir(), "nri.sock")
	l := nri.NewExternalListener()
	require.NoError(t, l.Start(address, func(conn net.Conn) error {
		return svc.Connect("external", conn, time.Second)
	}))
	defer l.Shutdown()

	p, err := stub.Dial(ctx, address, stub.Handlers{
		nri.MethodConfigure: func(_ context.Context, payload []byte) ([]byte, error) {
			var in wrapperspb.StringValue
			if err := rpc.Proto.Decode(payload, &in); err != nil {
				return nil, err
			}
			return rpc.Proto.Encode(wrapperspb.String("configured " + in.GetValue()))
		},
	})
	require.NoError(t, err)
	p.Start()
	defer p.Close()

	require.NoError(t, p.RegisterPlugin(ctx, wrapperspb.String("logger")))
	select {
	case id := <-registered:
		assert.Equal(t, "external", id)
	case <-ctx.Done():
		t.Fatal("plugin never registered")
	}

	var out wrapperspb.StringValue
	require.NoError(t, svc.Configure(ctx, "external", wrapperspb.String("isulad"), &out))
	assert.Equal(t, "configured isulad", out.GetValue())
}

func TestInvalidHandlerRejected(t *testing.T) {
	trunk, peer, err := mux.SocketPair()
	require.NoError(t, err)
	defer peer.Close()

	_, err = stub.New(trunk, stub.Handlers{"": func(context.Context, []byte) ([]byte, error) { return nil, nil }})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestCloseEndsSession(t *testing.T) {
	runtimeEnd, pluginEnd, err := mux.SocketPair()
	require.NoError(t, err)
	remote := mux.New(runtimeEnd)
	defer remote.Close()
	remote.Start()

	p, err := stub.New(pluginEnd, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case <-remote.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote mux did not observe trunk close")
	}

	err = p.RegisterPlugin(context.Background(), wrapperspb.String("late"))
	assert.Error(t, err)
}
