// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/luxfi/nri/errdefs"
)

// ConnID identifies a logical connection on a trunk.
type ConnID uint32

const (
	// ReservedConnID is never assigned to a logical connection.
	ReservedConnID ConnID = 0

	// PluginServiceConn carries runtime-to-plugin calls.
	PluginServiceConn ConnID = iota
	// RuntimeServiceConn carries plugin-to-runtime calls.
	RuntimeServiceConn
)

const (
	// HeaderLen is the size of the frame header: conn id and payload length,
	// both big-endian uint32.
	HeaderLen = 8

	// MaxPayloadLen is the largest payload the header can describe.
	MaxPayloadLen = math.MaxUint32

	// DefaultMaxPayload bounds the payload the trunk reader accepts.
	DefaultMaxPayload = 16 << 20
)

// ErrFrameTooLarge reports a frame whose payload exceeds the accepted bound.
var ErrFrameTooLarge = errors.New("mux: frame payload too large")

// PutHeader writes the frame header for id and length n into b[:HeaderLen].
func PutHeader(b []byte, id ConnID, n uint32) {
	binary.BigEndian.PutUint32(b[0:4], uint32(id))
	binary.BigEndian.PutUint32(b[4:8], n)
}

// DecodeHeader returns the conn id and payload length of a frame header.
func DecodeHeader(hdr [HeaderLen]byte) (ConnID, uint32) {
	return ConnID(binary.BigEndian.Uint32(hdr[0:4])), binary.BigEndian.Uint32(hdr[4:8])
}

// Encode returns header followed by payload as one contiguous buffer.
func Encode(id ConnID, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d does not fit in 32 bits", errdefs.ErrInvalidArgument, len(payload))
	}
	buf := make([]byte, HeaderLen+len(payload))
	PutHeader(buf, id, uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode splits one complete encoded frame.
func Decode(b []byte) (ConnID, []byte, error) {
	if len(b) < HeaderLen {
		return 0, nil, fmt.Errorf("%w: short frame header (%d bytes)", errdefs.ErrInvalidArgument, len(b))
	}
	var hdr [HeaderLen]byte
	copy(hdr[:], b)
	id, n := DecodeHeader(hdr)
	if uint64(len(b)-HeaderLen) != uint64(n) {
		return 0, nil, fmt.Errorf("%w: frame length %d, have %d payload bytes", errdefs.ErrInvalidArgument, n, len(b)-HeaderLen)
	}
	return id, b[HeaderLen:], nil
}

// ReadFrame reads one frame from r. A maxPayload of 0 disables the size check.
func ReadFrame(r io.Reader, maxPayload uint32) (ConnID, []byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	id, n := DecodeHeader(hdr)
	if maxPayload > 0 && n > maxPayload {
		return id, nil, fmt.Errorf("%w: conn %d, %d > %d", ErrFrameTooLarge, id, n, maxPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return id, nil, err
	}
	return id, payload, nil
}

// WriteFrame writes header and payload to w with a single Write call.
func WriteFrame(w io.Writer, id ConnID, payload []byte) error {
	buf, err := Encode(id, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
