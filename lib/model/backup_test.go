// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"

	"github.com/stratosync/stratosync/lib/config"
)

func TestBackupMirrorsThenMonitors(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("s")
	h.writeFile("s/data.txt", "backup me")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeBackup, remote)

	h.settle(func() bool {
		return h.sync(id).cfg.BackupState == config.BackupStateMonitor
	})
	h.mustLookupCloud("remote/s/data.txt")
}

func TestBackupDisablesOnForeignCloudChange(t *testing.T) {
	h := newHarness(t)
	h.writeFile("data.txt", "backup me")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeBackup, remote)

	h.settle(func() bool {
		return h.sync(id).cfg.BackupState == config.BackupStateMonitor
	})

	// A folder created directly in the cloud under the backup root is a
	// foreign change.
	h.cloud.MkdirAll("remote/foreign")
	h.settle(func() bool {
		s := h.sync(id)
		return s.cfg.RunState == config.RunStateDisable && s.cfg.Error == config.BackupModified
	})

	// Re-enabling restarts in Mirror and removes the foreign folder.
	if err := h.engine.Enable(id); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		_, ok := h.cloud.Lookup("remote/foreign")
		return !ok
	})
	h.settle(func() bool {
		return h.sync(id).cfg.BackupState == config.BackupStateMonitor
	})
}

func TestBackupMonitorAllowsLocalChanges(t *testing.T) {
	h := newHarness(t)
	h.writeFile("a.txt", "v1")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeBackup, remote)

	h.settle(func() bool {
		return h.sync(id).cfg.BackupState == config.BackupStateMonitor
	})

	// Local edits keep flowing to the cloud while monitoring, and the
	// sync stays enabled: our own uploads are attributable.
	h.writeFile("a.txt", "v2 changed")
	h.settle(func() bool {
		n, ok := h.cloud.Lookup("remote/a.txt")
		if !ok {
			return false
		}
		content, _ := h.cloud.Content(n.Handle)
		return string(content) == "v2 changed"
	})
	if s := h.sync(id); s.cfg.RunState != config.RunStateRun {
		t.Errorf("backup disabled by its own upload: %v / %v", s.cfg.RunState, s.cfg.Error)
	}
}

func TestResumeBackupState(t *testing.T) {
	cases := []struct {
		typ      config.SyncType
		state    config.BackupState
		external string
		want     config.BackupState
	}{
		{config.TypeBackup, config.BackupStateMirror, "", config.BackupStateMirror},
		{config.TypeBackup, config.BackupStateMonitor, "", config.BackupStateMonitor},
		{config.TypeBackup, config.BackupStateMonitor, "/mnt/drive", config.BackupStateMirror},
		{config.TypeBackup, config.BackupStateNone, "", config.BackupStateMirror},
		{config.TypeTwoWay, config.BackupStateMonitor, "", config.BackupStateNone},
	}
	for i, tc := range cases {
		cfg := &config.SyncConfig{
			Type:              tc.typ,
			BackupState:       tc.state,
			ExternalDrivePath: tc.external,
		}
		if got := resumeBackupState(cfg); got != tc.want {
			t.Errorf("case %d: resumeBackupState = %v, want %v", i, got, tc.want)
		}
	}
}
