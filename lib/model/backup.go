// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"time"

	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/protocol"
)

// Backup syncs force the cloud to match the local tree (Mirror), then
// watch for foreign cloud mutations (Monitor). While monitoring, any
// remote change that is not an echo of a command this engine issued on
// behalf of this sync disables it with BackupModified.

// Attribution entries expire after this long; a completion arriving
// later than this counts as foreign.
const uploadAttributionWindow = 60 * time.Second

type expectedUploadKey struct {
	parent protocol.NodeHandle
	name   string
}

// expectedUploads tracks recently issued putnodes per sync, keyed by
// (parent handle, name).
type expectedUploads struct {
	entries map[expectedUploadKey]time.Time
}

func newExpectedUploads() *expectedUploads {
	return &expectedUploads{entries: make(map[expectedUploadKey]time.Time)}
}

func (e *expectedUploads) expect(parent protocol.NodeHandle, name string) {
	e.entries[expectedUploadKey{parent, name}] = time.Now()
}

// claim reports whether the (parent, name) pair matches a recent
// command of ours, consuming the entry.
func (e *expectedUploads) claim(parent protocol.NodeHandle, name string) bool {
	key := expectedUploadKey{parent, name}
	t, ok := e.entries[key]
	if !ok {
		return false
	}
	delete(e.entries, key)
	return time.Since(t) <= uploadAttributionWindow
}

func (e *expectedUploads) prune() {
	now := time.Now()
	for k, t := range e.entries {
		if now.Sub(t) > uploadAttributionWindow {
			delete(e.entries, k)
		}
	}
}

// backupForeignChange is called by the reconciler when a monitoring
// backup observes an unattributable cloud mutation. The sync disables
// itself; re-enabling restarts in Mirror.
func (s *Sync) backupForeignChange(cloudPath string) {
	l.Infof("Backup %v: foreign cloud change at %q, disabling", s.cfg.BackupID, cloudPath)
	s.engine.evLogger.Log(events.BackupModified, map[string]interface{}{
		"sync": s.cfg.BackupID.String(),
		"path": cloudPath,
	})
	s.setError(config.BackupModified)
}

// maybeFinishMirror transitions Mirror to Monitor once a pass completed
// with full scans, no pending mutations and no stalls: the cloud now
// matches local.
func (s *Sync) maybeFinishMirror(madeProgress bool, stalls *StallInfo) {
	if s.cfg.BackupState != config.BackupStateMirror {
		return
	}
	if madeProgress || !s.scanningWasComplete || !stalls.empty() || s.pendingCloudOps > 0 {
		return
	}
	l.Infof("Backup %v: mirror complete, monitoring", s.cfg.BackupID)
	s.cfg.BackupState = config.BackupStateMonitor
	s.engine.updateConfig(s.cfg)
}

// resumeBackupState decides the state a backup re-enters after a
// restart: Mirror if the last durable state was Mirror or the sync is
// external, Monitor only for an internal backup whose mirror completed.
func resumeBackupState(cfg *config.SyncConfig) config.BackupState {
	if !cfg.IsBackup() {
		return config.BackupStateNone
	}
	if cfg.IsExternal() || cfg.BackupState != config.BackupStateMonitor {
		return config.BackupStateMirror
	}
	return config.BackupStateMonitor
}
