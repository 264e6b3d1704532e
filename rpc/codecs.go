// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/luxfi/nri/errdefs"
)

// Codec names
const (
	CodecProto  = "proto"  // protobuf wire format, default for plugin sessions
	CodecCBOR   = "cbor"   // CBOR
	CodecJSON   = "json"   // JSON
	CodecBinary = "binary" // raw bytes
)

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{
		CodecProto:  Proto,
		CodecCBOR:   CBOR,
		CodecJSON:   JSON,
		CodecBinary: Binary,
	}
)

// RegisterCodec makes c selectable by name.
func RegisterCodec(name string, c Codec) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || c == nil {
		return fmt.Errorf("%w: codec name and codec are required", errdefs.ErrInvalidArgument)
	}
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if _, ok := codecs[name]; ok {
		return fmt.Errorf("%w: codec %q", errdefs.ErrAlreadyExists, name)
	}
	codecs[name] = c
	return nil
}

// CodecByName looks up a registered codec.
func CodecByName(name string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", errdefs.ErrNotFound, name)
	}
	return c, nil
}

// AvailableCodecs returns the sorted names of registered codecs
func AvailableCodecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	result := make([]string, 0, len(codecs))
	for name := range codecs {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasCodec checks if a codec is registered
func HasCodec(name string) bool {
	_, err := CodecByName(name)
	return err == nil
}
