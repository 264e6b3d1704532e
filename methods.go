// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nri

// Methods served by a plugin on mux.PluginServiceConn.
const (
	MethodConfigure       = "Configure"
	MethodSynchronize     = "Synchronize"
	MethodShutdown        = "Shutdown"
	MethodCreateContainer = "CreateContainer"
	MethodUpdateContainer = "UpdateContainer"
	MethodStopContainer   = "StopContainer"
	MethodStateChange     = "StateChange"
)

// Methods served by the runtime on mux.RuntimeServiceConn.
const (
	MethodRegisterPlugin   = "RegisterPlugin"
	MethodUpdateContainers = "UpdateContainers"
)

// PluginMethods lists the methods a plugin is expected to serve.
var PluginMethods = []string{
	MethodConfigure,
	MethodSynchronize,
	MethodShutdown,
	MethodCreateContainer,
	MethodUpdateContainer,
	MethodStopContainer,
	MethodStateChange,
}
