// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"

	"github.com/luxfi/nri/errdefs"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := rawBytes(v); ok {
		return b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// ProtoCodec encodes proto.Message values with the protobuf wire format.
// Raw byte slices pass through unchanged.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v interface{}) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	if b, ok := rawBytes(v); ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: proto codec cannot encode %T", errdefs.ErrInvalidArgument, v)
}

func (ProtoCodec) Decode(data []byte, v interface{}) error {
	switch out := v.(type) {
	case proto.Message:
		return proto.Unmarshal(data, out)
	case *[]byte:
		*out = append((*out)[:0], data...)
		return nil
	}
	return fmt.Errorf("%w: proto codec cannot decode into %T", errdefs.ErrInvalidArgument, v)
}

// CBORCodec encodes values as CBOR (RFC 8949).
type CBORCodec struct{}

func (CBORCodec) Encode(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

var (
	// Binary is a codec that passes bytes through unchanged
	Binary Codec = BinaryCodec{}
	// Proto is the protobuf codec
	Proto Codec = ProtoCodec{}
	// CBOR is the CBOR codec
	CBOR Codec = CBORCodec{}
	// JSON is the JSON codec
	JSON Codec = JSONCodec{}
)

func rawBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case *[]byte:
		return *b, true
	}
	return nil, false
}
