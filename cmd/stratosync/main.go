// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/db"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/logger"
	"github.com/stratosync/stratosync/lib/model"
	"github.com/stratosync/stratosync/lib/transfer"
)

var l = logger.DefaultLogger.NewFacility("main", "Startup and shutdown")

const LongVersion = "stratosync v0.9.0"

type CLI struct {
	Home    string   `help:"Configuration and state directory." default:"~/.stratosync" type:"path"`
	Debug   []string `help:"Enable debug logging for the given facilities." name:"debug" sep:","`
	Version kong.VersionFlag

	Serve serveCmd `cmd:"" default:"withargs" help:"Run the sync engine."`
}

type serveCmd struct{}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Vars{"version": LongVersion})
	for _, facility := range cli.Debug {
		logger.DefaultLogger.SetDebug(facility, true)
	}
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

func (*serveCmd) Run(cli *CLI) error {
	if err := os.MkdirAll(cli.Home, 0o700); err != nil {
		return err
	}
	key, err := loadOrCreateKey(filepath.Join(cli.Home, "key"))
	if err != nil {
		return err
	}
	store, err := config.NewStore(cli.Home, key)
	if err != nil {
		return err
	}
	backend, err := db.Open(filepath.Join(cli.Home, "index"))
	if err != nil {
		return err
	}
	defer backend.Close()

	// The in-process cloud and loopback transfers; the production build
	// wires the RPC client and the chunked transfer engine here.
	client := cloud.NewMemcloud()
	transfers := &transfer.Loopback{Cloud: client}

	engine := model.NewEngine(store, backend, client, transfers,
		func(root string) (fs.Filesystem, error) {
			return fs.NewBasicFilesystem(root), nil
		},
		events.Default, model.Options{})

	sup := suture.New("stratosync", suture.Spec{})
	sup.Add(engine)
	sup.Add(serviceFunc(engine.ServeClient))
	sup.Add(serviceFunc(store.Serve))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.LoadSyncs(); err != nil {
		l.Warnf("Loading syncs: %v", err)
	}
	l.Infoln(LongVersion, "running;", len(engine.Configs(false)), "syncs configured")

	err = sup.Serve(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return store.Flush()
}

func loadOrCreateKey(path string) ([]byte, error) {
	if key, err := os.ReadFile(path); err == nil && len(key) == 32 {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// serviceFunc adapts a plain serve function to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }
