// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package mux

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/nri/errdefs"
)

const testTimeout = 5 * time.Second

func pipe(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := SocketPair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	require.NoError(t, a.SetDeadline(time.Now().Add(testTimeout)))
	require.NoError(t, b.SetDeadline(time.Now().Add(testTimeout)))
	return a, b
}

// readFrames collects frames from r until total payload bytes have arrived.
func readFrames(t *testing.T, r io.Reader, total int) ([]ConnID, []byte) {
	t.Helper()
	var (
		ids  []ConnID
		data []byte
	)
	for len(data) < total {
		id, payload, err := ReadFrame(r, 0)
		require.NoError(t, err)
		ids = append(ids, id)
		data = append(data, payload...)
	}
	return ids, data
}

func waitClosed(t *testing.T, m *Mux) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(testTimeout):
		t.Fatal("mux did not close")
	}
}

func TestAddConnRejectsReservedID(t *testing.T) {
	trunk, _ := pipe(t)
	m := New(trunk)
	defer m.Close()

	local, _ := pipe(t)
	err := m.AddConn(ReservedConnID, local)
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, 0, m.NumConns())
}

func TestAddConnRejectsDuplicate(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)
	defer m.Close()

	local, app := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))

	other, _ := pipe(t)
	err := m.AddConn(PluginServiceConn, other)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = app.Write([]byte("still here"))
	require.NoError(t, err)
	ids, data := readFrames(t, peer, len("still here"))
	for _, id := range ids {
		assert.Equal(t, PluginServiceConn, id)
	}
	assert.Equal(t, "still here", string(data))
}

func TestConnToTrunkOrdering(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)
	defer m.Close()

	local, app := pipe(t)
	require.NoError(t, m.AddConn(RuntimeServiceConn, local))

	payloads := [][]byte{[]byte("p1-"), []byte("p2-"), []byte("p3")}
	var want []byte
	for _, p := range payloads {
		_, err := app.Write(p)
		require.NoError(t, err)
		want = append(want, p...)
	}

	ids, got := readFrames(t, peer, len(want))
	for _, id := range ids {
		assert.Equal(t, RuntimeServiceConn, id)
	}
	assert.Equal(t, want, got)
}

func TestTrunkToConnOrdering(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)
	defer m.Close()

	local, app := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))
	m.Start()

	for _, p := range []string{"one,", "two,", "three"} {
		require.NoError(t, WriteFrame(peer, PluginServiceConn, []byte(p)))
	}

	got := make([]byte, len("one,two,three"))
	_, err := io.ReadFull(app, got)
	require.NoError(t, err)
	assert.Equal(t, "one,two,three", string(got))
}

func TestUnknownConnIsDropped(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)
	defer m.Close()

	local, app := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))
	m.Start()

	require.NoError(t, WriteFrame(peer, 99, []byte("lost")))
	require.NoError(t, WriteFrame(peer, ReservedConnID, []byte("never")))
	require.NoError(t, WriteFrame(peer, PluginServiceConn, []byte("found")))

	got := make([]byte, 5)
	_, err := io.ReadFull(app, got)
	require.NoError(t, err)
	assert.Equal(t, "found", string(got))
	assert.False(t, m.IsClosed())
}

type countingConn struct {
	*net.UnixConn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.UnixConn.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	rawTrunk, _ := pipe(t)
	trunk := &countingConn{UnixConn: rawTrunk}
	m := New(trunk)

	var conns []*countingConn
	for id := ConnID(1); id <= 3; id++ {
		local, _ := pipe(t)
		c := &countingConn{UnixConn: local}
		require.NoError(t, m.AddConn(id, c))
		conns = append(conns, c)
	}
	m.Start()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Close())
		}()
	}
	wg.Wait()

	assert.True(t, m.IsClosed())
	assert.Equal(t, int32(1), trunk.closes.Load())
	for _, c := range conns {
		assert.Equal(t, int32(1), c.closes.Load())
	}
	assert.Equal(t, 0, m.NumConns())

	err := m.AddConn(9, &nopConn{})
	assert.True(t, errdefs.IsClosed(err))
}

func TestTrunkEOFClosesMux(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)

	local, app := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))
	m.Start()

	require.NoError(t, peer.Close())
	waitClosed(t, m)

	_, err := app.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedFrameClosesMux(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk, WithMaxPayload(4))

	local, _ := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))
	m.Start()

	require.NoError(t, WriteFrame(peer, PluginServiceConn, []byte("too large")))
	waitClosed(t, m)
}

func TestOutgoingFramesRespectMaxPayload(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk, WithMaxPayload(4))
	defer m.Close()

	local, app := pipe(t)
	require.NoError(t, m.AddConn(PluginServiceConn, local))

	want := []byte("configure-request")
	_, err := app.Write(want)
	require.NoError(t, err)

	var got []byte
	for len(got) < len(want) {
		id, payload, err := ReadFrame(peer, 4)
		require.NoError(t, err)
		assert.Equal(t, PluginServiceConn, id)
		assert.LessOrEqual(t, len(payload), 4)
		got = append(got, payload...)
	}
	assert.Equal(t, want, got)
}

// trickleConn yields its data one byte at a time, interleaved with empty reads.
type trickleConn struct {
	data  []byte
	empty bool
}

func (c *trickleConn) Read(b []byte) (int, error) {
	c.empty = !c.empty
	if c.empty {
		return 0, nil
	}
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	b[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

func (c *trickleConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *trickleConn) Close() error                { return nil }

func TestPartialReadsAreFullyDelivered(t *testing.T) {
	trunk, peer := pipe(t)
	m := New(trunk)
	defer m.Close()

	want := bytes.Repeat([]byte("chunked"), 20)
	require.NoError(t, m.AddConn(PluginServiceConn, &trickleConn{data: append([]byte(nil), want...)}))

	ids, got := readFrames(t, peer, len(want))
	assert.Len(t, ids, len(want))
	assert.Equal(t, want, got)
}

func TestMuxToMux(t *testing.T) {
	runtimeTrunk, pluginTrunk := pipe(t)

	runtimeSide := New(runtimeTrunk)
	defer runtimeSide.Close()
	pluginSide := New(pluginTrunk)
	defer pluginSide.Close()

	apps := make(map[string]*net.UnixConn)
	for _, side := range []struct {
		name string
		m    *Mux
		id   ConnID
	}{
		{"runtime-plugin", runtimeSide, PluginServiceConn},
		{"runtime-runtime", runtimeSide, RuntimeServiceConn},
		{"plugin-plugin", pluginSide, PluginServiceConn},
		{"plugin-runtime", pluginSide, RuntimeServiceConn},
	} {
		local, app := pipe(t)
		require.NoError(t, side.m.AddConn(side.id, local))
		apps[side.name] = app
	}
	runtimeSide.Start()
	pluginSide.Start()

	exchange := func(from, to, msg string) {
		_, err := apps[from].Write([]byte(msg))
		require.NoError(t, err)
		got := make([]byte, len(msg))
		_, err = io.ReadFull(apps[to], got)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	exchange("runtime-plugin", "plugin-plugin", "configure")
	exchange("plugin-plugin", "runtime-plugin", "configured")
	exchange("plugin-runtime", "runtime-runtime", "register")
	exchange("runtime-runtime", "plugin-runtime", "registered")
}
