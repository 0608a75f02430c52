// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"

	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/fs"
)

func TestAddSyncRejectsNestedRoots(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)

	other := h.cloud.MkdirAll("other")
	err := h.engine.AddSync(config.SyncConfig{
		BackupID:  99,
		LocalRoot: "/local/sub",
		Remote:    config.RemoteRoot{Handle: other},
		Type:      config.TypeTwoWay,
	}, false)
	if err == nil {
		t.Fatal("nested local root accepted")
	}
}

func TestAddSyncRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)

	err := h.engine.AddSync(config.SyncConfig{
		BackupID:  id,
		LocalRoot: "/elsewhere",
		Remote:    config.RemoteRoot{Handle: remote},
	}, false)
	if err != ErrSyncExists {
		t.Fatalf("duplicate backup id accepted: %v", err)
	}
}

func TestFingerprintChangeRefusesResume(t *testing.T) {
	h := newHarness(t)
	h.writeFile("a.txt", "x")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if err := h.engine.Disable(id, config.NoSyncError, true); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		return h.sync(id).cfg.RunState == config.RunStateDisable
	})

	// A different volume is now mounted at the root.
	h.fs.SetVolumeFingerprint(0xdeadbeef)

	if err := h.engine.Enable(id); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		s := h.sync(id)
		return s.cfg.RunState == config.RunStateDisable && s.cfg.Error == config.FilesystemFingerprintChanged
	})
}

func TestResumeAfterOfflineDeletion(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("f/f_2")
	h.writeFile("f/f_2/inner.txt", "payload")
	h.writeFile("f/keep.txt", "stays")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	transfers := h.xfer.Started

	// Logout, keeping the cache.
	if err := h.engine.Disable(id, config.NoSyncError, true); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		return h.sync(id).cfg.RunState == config.RunStateDisable
	})

	// Offline deletion of the whole subtree.
	if err := h.fs.RemoveAll("f/f_2"); err != nil {
		t.Fatal(err)
	}

	// Resume. The load-sequence rescan detects the disappearance and
	// moves the cloud folder to sync-debris without re-downloading it.
	if err := h.engine.Enable(id); err != nil {
		t.Fatal(err)
	}
	h.quiesce()

	if _, ok := h.cloud.Lookup("remote/f/f_2"); ok {
		t.Error("deleted folder still under the cloud sync root")
	}
	if _, err := h.fs.Lstat("f/f_2"); !fs.IsNotExist(err) {
		t.Error("deleted folder re-downloaded on resume")
	}
	if _, err := h.fs.Lstat("f/keep.txt"); err != nil {
		t.Error("unrelated file disturbed on resume")
	}
	if h.xfer.Started != transfers {
		t.Errorf("resume caused %d transfers", h.xfer.Started-transfers)
	}
}

func TestDisableWithoutKeepCacheForcesFullResync(t *testing.T) {
	h := newHarness(t)
	h.writeFile("a.txt", "content")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if err := h.engine.Disable(id, config.NoSyncError, false); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		return h.sync(id).cfg.RunState == config.RunStateDisable
	})

	// The table must be empty now.
	table, err := h.backend.Table(h.sync(id).cfg.StateCacheName())
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Rewind(); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := table.Next(); ok {
		t.Error("state cache not destroyed on disable without keepCache")
	}

	// Re-enable and reconverge from scratch.
	if err := h.engine.Enable(id); err != nil {
		t.Fatal(err)
	}
	h.quiesce()
	h.mustLookupCloud("remote/a.txt")
}

func TestDeregisterAndRemove(t *testing.T) {
	h := newHarness(t)
	h.writeFile("a.txt", "x")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	// DeregisterAndRemove waits on the sync thread; run it from a
	// helper goroutine while the test keeps stepping.
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.DeregisterAndRemove(id) }()
	var err error
	h.settle(func() bool {
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.engine.Configs(false)) != 0 {
		t.Error("config not removed")
	}
	// A second removal must fail: the sync is gone.
	if err := h.engine.DeregisterAndRemove(id); err != ErrSyncNotFound {
		t.Errorf("expected ErrSyncNotFound, got %v", err)
	}
}
