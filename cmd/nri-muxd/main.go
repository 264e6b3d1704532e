// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

// nri-muxd accepts plugin connections on a unix socket and keeps a plugin
// session for each of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/nri/config"
	"github.com/luxfi/nri/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nri-muxd: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	logging.Configure(logging.ProfileRuntime, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logging.New("nri-muxd"))
	if err == nil {
		err = d.run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nri-muxd: %v\n", err)
		os.Exit(1)
	}
}
