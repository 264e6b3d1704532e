// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc provides the request/response layer that runs over one logical
// connection of a trunk, or over any other stream connection.
//
// # Usage
//
// Client usage:
//
//	client := rpc.NewClient(conn, rpc.WithCodec(rpc.Proto))
//	defer client.Close()
//
//	// Structured call (codec encoding)
//	var resp pb.ConfigureResponse
//	err := client.Call(ctx, "Configure", &pb.ConfigureRequest{...}, &resp)
//
//	// Raw call (opaque bytes)
//	resp, err := client.CallRaw(ctx, "Configure", payload)
//
// Server usage:
//
//	server := rpc.NewServer()
//	server.RegisterRaw("RegisterPlugin", func(ctx context.Context, payload []byte) ([]byte, error) {
//	    return handle(payload)
//	})
//
//	go server.ServeConn(ctx, conn)  // one connection
//	go server.Serve(ctx, listener)  // or every connection of a listener
//
// # Wire format
//
// Each message is length prefixed:
//
//	request:  [4 len][1 type][4 reqID][2 methodLen][method][payload]
//	response: [4 len][1 type][4 reqID][payload]
//	notify:   [4 len][1 type][2 methodLen][method][payload]
//
// Error responses carry the error text as payload.
//
// # Architecture
//
//   - client.go: Client interface, RawHandler, Codec and options
//   - codec.go: JSON, binary, protobuf and CBOR codecs
//   - codecs.go: codec registry used for configuration-driven selection
//   - conn.go: Conn, the request multiplexing client side of one connection
//   - server.go: Server dispatching requests by method name
//   - dial.go: NewClient and Dial
//   - json.go: JSON-RPC over HTTP client helper
package rpc
