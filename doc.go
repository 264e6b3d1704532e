// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nri manages the runtime side of plugin sessions.
//
// A plugin hands the runtime one connected stream socket, the trunk. The
// Service wraps the trunk in a mux.Mux carrying two logical connections:
//
//   - mux.PluginServiceConn carries calls from the runtime to the plugin
//     (Configure, Synchronize, Shutdown, CreateContainer, UpdateContainer,
//     StopContainer, StateChange).
//   - mux.RuntimeServiceConn carries calls from the plugin to the runtime
//     (RegisterPlugin, UpdateContainers), which are answered by the
//     RuntimeCallbacks installed on the Service.
//
// Usage:
//
//	svc := nri.NewService(nri.WithLogger(log), nri.WithCodec(rpc.Proto))
//	defer svc.Close()
//
//	svc.SetRuntimeCallbacks(nri.RuntimeCallbacks{
//	    RegisterPlugin:   onRegister,
//	    UpdateContainers: onUpdate,
//	})
//
//	l := nri.NewExternalListener()
//	l.Start("/var/run/nri/nri.sock", func(conn net.Conn) error {
//	    return svc.Connect("external-"+uuid.NewString(), conn, 2*time.Second)
//	})
//
//	var resp pb.ConfigureResponse
//	err := svc.Configure(ctx, "10-logger", &pb.ConfigureRequest{...}, &resp)
//
// Every session is independent: a failing trunk closes only its own Mux.
// Calls against a closed session fail with a transport error until the
// plugin is disconnected and connected again.
package nri
