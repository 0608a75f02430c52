// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"
	"time"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/db"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/scanner"
	"github.com/stratosync/stratosync/lib/transfer"
)

// pastTime is used as the mtime of test files so the anti-flap logic
// considers them settled.
var pastTime = time.Now().Add(-time.Hour)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testOptions() Options {
	return Options{
		FolderScanInterval: time.Millisecond,
		NotifyDelay:        2 * time.Millisecond,
		NotifyTimeout:      20 * time.Millisecond,
		FileUpdateDelay:     30 * time.Millisecond,
		FileUpdateMaxDelay:  200 * time.Millisecond,
		ScanBlockedBase:     5 * time.Millisecond,
		ScanBlockedCeiling:  50 * time.Millisecond,
		StallBackoffCeiling: 20 * time.Millisecond,
		PassInterval:        time.Millisecond,
		ScanWorkers:         2,
	}
}

type harness struct {
	t       *testing.T
	fs      *fs.FakeFilesystem
	cloud   *cloud.Memcloud
	xfer    *transfer.Loopback
	store   *config.Store
	backend db.Backend
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t}
	h.fs = fs.NewFakeFilesystem("fake")
	h.cloud = cloud.NewMemcloud()
	h.xfer = &transfer.Loopback{Filesystem: h.fs, Cloud: h.cloud}

	var err error
	h.store, err = config.NewStore(t.TempDir(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	h.backend = db.OpenMemory()
	h.engine = NewEngine(h.store, h.backend, h.cloud, h.xfer, func(string) (fs.Filesystem, error) {
		return h.fs, nil
	}, events.NewLogger(), testOptions())
	return h
}

func (h *harness) addSync(typ config.SyncType, remote protocol.NodeHandle) config.BackupID {
	h.t.Helper()
	id := config.BackupID(uint64(len(h.engine.Configs(false)) + 1))
	cfg := config.SyncConfig{
		BackupID:  id,
		LocalRoot: "/local",
		Remote:    config.RemoteRoot{Handle: remote, Path: "/remote"},
		Type:      typ,
	}
	if err := h.engine.AddSync(cfg, true); err != nil {
		h.t.Fatal(err)
	}
	return id
}

// settle steps the engine until cond holds, failing the test on
// timeout.
func (h *harness) settle(cond func() bool) {
	h.t.Helper()
	for i := 0; i < 3000; i++ {
		h.engine.Step()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("engine did not settle")
}

// idle reports that every sync's tree is resolved with nothing in
// flight.
func (h *harness) idle() bool {
	h.engine.syncVecMut.Lock()
	defer h.engine.syncVecMut.Unlock()
	for _, s := range h.engine.syncs {
		if s.cfg.RunState != config.RunStateRun {
			continue
		}
		if s.root == nil || s.root.attention || s.pendingCloudOps > 0 {
			return false
		}
	}
	return true
}

// quiesce converges all syncs.
func (h *harness) quiesce() {
	h.t.Helper()
	h.settle(h.idle)
}

func (h *harness) writeFile(name, content string) {
	h.t.Helper()
	if err := h.fs.WriteFile(name, []byte(content), pastTime); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) mustLookupCloud(path string) cloud.Node {
	h.t.Helper()
	n, ok := h.cloud.Lookup(path)
	if !ok {
		h.t.Fatalf("cloud node %q not found", path)
	}
	return n
}

func (h *harness) cloudFingerprint(content string, mtime time.Time) protocol.Fingerprint {
	h.t.Helper()
	// Compute through the scanner so cloud fixtures compare equal to
	// scanned local files.
	tmp := fs.NewFakeFilesystem("fp")
	if err := tmp.WriteFile("x", []byte(content), mtime); err != nil {
		h.t.Fatal(err)
	}
	info, err := tmp.Lstat("x")
	if err != nil {
		h.t.Fatal(err)
	}
	fp, err := scanner.Fingerprint(tmp, "x", info)
	if err != nil {
		h.t.Fatal(err)
	}
	return fp
}

func (h *harness) sync(id config.BackupID) *Sync {
	h.t.Helper()
	s := h.engine.findSync(id)
	if s == nil {
		h.t.Fatalf("sync %v not found", id)
	}
	return s
}
