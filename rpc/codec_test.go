// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/nri/errdefs"
)

func TestCodecByName(t *testing.T) {
	for _, name := range []string{CodecProto, CodecCBOR, CodecJSON, CodecBinary, " JSON "} {
		c, err := CodecByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, c)
	}

	_, err := CodecByName("yaml")
	assert.True(t, errdefs.IsNotFound(err))
	assert.False(t, HasCodec("yaml"))
	assert.Subset(t, AvailableCodecs(), []string{"binary", "cbor", "json", "proto"})
}

func TestRegisterCodec(t *testing.T) {
	assert.True(t, errdefs.IsAlreadyExists(RegisterCodec("json", JSON)))
	assert.True(t, errdefs.IsInvalidArgument(RegisterCodec("", JSON)))

	require.NoError(t, RegisterCodec("json-alt", JSONCodec{}))
	assert.True(t, HasCodec("JSON-ALT"))
}

func TestProtoCodecRejectsPlainValues(t *testing.T) {
	_, err := Proto.Encode(struct{ A int }{1})
	assert.True(t, errdefs.IsInvalidArgument(err))

	var out struct{ A int }
	assert.True(t, errdefs.IsInvalidArgument(Proto.Decode(nil, &out)))

	raw, err := Proto.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	var back []byte
	require.NoError(t, Proto.Decode(raw, &back))
	assert.Equal(t, []byte{1, 2, 3}, back)
}

func TestCodecsRoundTrip(t *testing.T) {
	type state struct {
		ID    string
		State int
	}
	for _, c := range []Codec{JSON, CBOR} {
		data, err := c.Encode(state{ID: "ctr", State: 2})
		require.NoError(t, err)
		var out state
		require.NoError(t, c.Decode(data, &out))
		assert.Equal(t, state{ID: "ctr", State: 2}, out)
	}

	data, err := Proto.Encode(wrapperspb.UInt32(42))
	require.NoError(t, err)
	var u wrapperspb.UInt32Value
	require.NoError(t, Proto.Decode(data, &u))
	assert.Equal(t, uint32(42), u.GetValue())

	data, err = Binary.Encode([]byte("opaque"))
	require.NoError(t, err)
	assert.Equal(t, "opaque", string(data))
}
