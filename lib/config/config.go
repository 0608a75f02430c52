// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config defines the per-sync configuration records and the
// encrypted, double-buffered on-disk store they live in.
package config

import (
	"fmt"

	"github.com/stratosync/stratosync/lib/protocol"
)

// BackupID identifies one sync across restarts. Opaque, never reused,
// never mutated.
type BackupID uint64

func (id BackupID) String() string {
	return fmt.Sprintf("sync-%016x", uint64(id))
}

type SyncType int

const (
	TypeTwoWay SyncType = iota
	TypeUp
	TypeDown
	TypeBackup
)

func (t SyncType) String() string {
	switch t {
	case TypeTwoWay:
		return "twoway"
	case TypeUp:
		return "up"
	case TypeDown:
		return "down"
	case TypeBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// IsUpload reports whether local changes propagate to the cloud.
func (t SyncType) IsUpload() bool {
	return t == TypeTwoWay || t == TypeUp || t == TypeBackup
}

// IsDownload reports whether cloud changes propagate to the filesystem.
func (t SyncType) IsDownload() bool {
	return t == TypeTwoWay || t == TypeDown
}

type RunState int

const (
	RunStatePending RunState = iota
	RunStateLoading
	RunStateRun
	RunStatePause
	RunStateSuspend
	RunStateDisable
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "pending"
	case RunStateLoading:
		return "loading"
	case RunStateRun:
		return "run"
	case RunStatePause:
		return "pause"
	case RunStateSuspend:
		return "suspend"
	case RunStateDisable:
		return "disable"
	default:
		return "unknown"
	}
}

type BackupState int

const (
	BackupStateNone BackupState = iota
	BackupStateMirror
	BackupStateMonitor
)

func (s BackupState) String() string {
	switch s {
	case BackupStateMirror:
		return "mirror"
	case BackupStateMonitor:
		return "monitor"
	default:
		return "none"
	}
}

type ChangeDetection int

const (
	ChangeDetectionNotifications ChangeDetection = iota
	ChangeDetectionPeriodicScan
)

func (c ChangeDetection) String() string {
	switch c {
	case ChangeDetectionNotifications:
		return "notifications"
	case ChangeDetectionPeriodicScan:
		return "periodic-scan"
	default:
		return "unknown"
	}
}

// SyncError enumerates the reasons a sync may be disabled or refuse to
// start. User-facing code maps these to messages; the engine never
// compares strings.
type SyncError int

const (
	NoSyncError SyncError = iota
	ConfigReadFailure
	FilesystemFingerprintChanged
	LocalRootUnavailable
	RemoteRootUnavailable
	StateCacheIOFailure
	BackupModified
	NotificationSystemUnavailable
	CouldNotCreateIgnoreFile
	PutnodesFailed
	ActiveSyncBelowPath
	ActiveSyncAbovePath
	LocalFilesystemMismatch
)

func (e SyncError) String() string {
	switch e {
	case NoSyncError:
		return "no error"
	case ConfigReadFailure:
		return "config read failure"
	case FilesystemFingerprintChanged:
		return "filesystem fingerprint changed"
	case LocalRootUnavailable:
		return "local root unavailable"
	case RemoteRootUnavailable:
		return "remote root unavailable"
	case StateCacheIOFailure:
		return "state cache I/O failure"
	case BackupModified:
		return "backup externally modified"
	case NotificationSystemUnavailable:
		return "notification system unavailable"
	case CouldNotCreateIgnoreFile:
		return "could not create ignore file"
	case PutnodesFailed:
		return "putnodes failed"
	case ActiveSyncBelowPath:
		return "active sync below path"
	case ActiveSyncAbovePath:
		return "active sync above path"
	case LocalFilesystemMismatch:
		return "local filesystem mismatch"
	default:
		return "unknown error"
	}
}

type SyncWarning int

const (
	NoSyncWarning SyncWarning = iota
	LocalIsOffline
	FallingBackToPeriodicScan
)

// RemoteRoot pairs the cloud handle of the remote root with the path
// string it had when last resolved. The handle is authoritative; the
// path is display only.
type RemoteRoot struct {
	Handle protocol.NodeHandle `json:"handle"`
	Path   string              `json:"path"`
}

// SyncConfig is one persisted record per sync.
type SyncConfig struct {
	BackupID              BackupID        `json:"backupId"`
	LocalRoot             string          `json:"localRoot"`
	Remote                RemoteRoot      `json:"remoteRoot"`
	FilesystemFingerprint uint64          `json:"filesystemFingerprint"`
	LocalRootFsid         uint64          `json:"localRootFsid"`
	Type                  SyncType        `json:"type"`
	Enabled               bool            `json:"enabled"`
	Error                 SyncError       `json:"error"`
	Warning               SyncWarning     `json:"warning"`
	RunState              RunState        `json:"runState"`
	BackupState           BackupState     `json:"backupState"`
	ChangeDetection       ChangeDetection `json:"changeDetection"`
	ScanIntervalSec       int             `json:"scanInterval"`
	ExternalDrivePath     string          `json:"externalDrivePath,omitempty"`
}

// IsExternal reports whether the sync lives on an external drive and its
// config is stored on the drive itself.
func (c *SyncConfig) IsExternal() bool {
	return c.ExternalDrivePath != ""
}

// IsBackup reports whether the sync auto-disables on foreign cloud
// changes.
func (c *SyncConfig) IsBackup() bool {
	return c.Type == TypeBackup
}

// StateCacheName derives the name of the sync's state cache table. The
// local root fsid is part of the name so that a changed root directory
// forces a full resync rather than trusting a stale cache.
func (c *SyncConfig) StateCacheName() string {
	return fmt.Sprintf("sc_%016x_%016x_%s", uint64(c.BackupID), c.LocalRootFsid, c.Remote.Handle)
}
