// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer defines the engine's interface to the chunked
// transfer subsystem, and a loopback implementation that moves bytes
// between the local filesystem and a cloud client directly. The engine
// only ever talks to the Manager interface; the production transfer
// engine lives outside this repository.
package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/semaphore"
)

type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Retry budget per the transfer policy: non-fatal errors allow up to 16
// retries overall and 6 for I/O; transfers issued by the sync engine
// itself get 8 I/O retries to smooth over re-issues. Quota-exceeded is
// retried indefinitely with backoff by the production engine.
const (
	MaxRetries       = 16
	MaxRetriesIO     = 6
	MaxRetriesSyncIO = 8
)

var (
	ErrCancelled = errors.New("transfer cancelled")
	ErrQuota     = errors.New("quota exceeded")
)

// File describes one transfer. The completion function receives the
// outcome; for uploads it carries the staged content and fingerprint so
// the engine can issue the putnodes itself, which is what keeps a
// rename-during-upload from cancelling or re-uploading anything.
type File struct {
	Direction   Direction
	LocalPath   string
	Handle      protocol.NodeHandle // download source
	Fingerprint protocol.Fingerprint
	CipherKey   []byte
	SyncOrigin  bool // sync-initiated; raises the I/O retry budget

	// Ctx carries the cancel token. Disabling a sync cancels its
	// non-user-initiated transfers through this.
	Ctx context.Context

	Done func(Result)
}

type Result struct {
	Err         error
	Content     []byte // uploads: staged bytes ready for putnodes
	Fingerprint protocol.Fingerprint
}

// Manager starts transfers. Implementations must not block in
// StartXfer; completion is delivered asynchronously.
type Manager interface {
	StartXfer(f *File)
}

// Loopback is the in-process Manager used by tests and offline
// development. Delay, when set, throttles each transfer; tests use it
// to hold an upload open while the tree changes around it.
type Loopback struct {
	Filesystem fs.Filesystem
	Cloud      cloud.Client
	Delay      time.Duration

	// Started counts transfers begun, for "no re-upload happened"
	// assertions. Read it only after the engine has quiesced.
	Started int

	slots *semaphore.Semaphore
}

// At most this many transfers touch the disk at once.
const maxParallelTransfers = 4

func (m *Loopback) StartXfer(f *File) {
	m.Started++
	if m.slots == nil {
		m.slots = semaphore.New(maxParallelTransfers)
	}
	go m.run(f)
}

func (m *Loopback) run(f *File) {
	if f.Ctx == nil {
		f.Ctx = context.Background()
	}
	if err := m.slots.TakeWithContext(f.Ctx, 1); err != nil {
		f.Done(Result{Err: ErrCancelled})
		return
	}
	defer m.slots.Give(1)

	switch f.Direction {
	case Upload:
		m.runUpload(f)
	case Download:
		if !m.sleep(f) {
			return
		}
		m.runDownload(f)
	}
}

// sleep applies the injected slowdown; false means the transfer was
// cancelled while waiting.
func (m *Loopback) sleep(f *File) bool {
	if m.Delay <= 0 {
		return true
	}
	select {
	case <-time.After(m.Delay):
		return true
	case <-f.Ctx.Done():
		f.Done(Result{Err: ErrCancelled})
		return false
	}
}

func (m *Loopback) ioAttempts(f *File) uint {
	if f.SyncOrigin {
		return MaxRetriesSyncIO
	}
	return MaxRetriesIO
}

func (m *Loopback) runUpload(f *File) {
	var content []byte
	err := retry.Do(
		func() error {
			fd, err := m.Filesystem.OpenRead(f.LocalPath)
			if err != nil {
				return err
			}
			defer fd.Close()
			content, err = io.ReadAll(fd)
			return err
		},
		retry.Context(f.Ctx),
		retry.Attempts(m.ioAttempts(f)),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !fs.IsPermanent(err) }),
	)
	if err != nil {
		f.Done(Result{Err: err})
		return
	}
	// The bytes are staged before any slowdown: a rename of the source
	// while the transfer is in flight does not disturb it.
	if !m.sleep(f) {
		return
	}
	f.Done(Result{Content: content, Fingerprint: f.Fingerprint})
}

func (m *Loopback) runDownload(f *File) {
	fetcher, ok := m.Cloud.(interface {
		Content(protocol.NodeHandle) ([]byte, bool)
	})
	if !ok {
		f.Done(Result{Err: errors.New("cloud client cannot serve content")})
		return
	}
	content, ok := fetcher.Content(f.Handle)
	if !ok {
		f.Done(Result{Err: cloud.ErrNodeNotFound})
		return
	}

	// Land in a temporary next to the target, then move into place, so
	// a crash mid-download never leaves a half file at the target name.
	tmp := fs.TempName(f.LocalPath)
	err := retry.Do(
		func() error {
			fd, err := m.Filesystem.Create(tmp)
			if err != nil {
				return err
			}
			if _, err := fd.Write(content); err != nil {
				fd.Close()
				return err
			}
			return fd.Close()
		},
		retry.Context(f.Ctx),
		retry.Attempts(m.ioAttempts(f)),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !fs.IsPermanent(err) }),
	)
	if err != nil {
		f.Done(Result{Err: err})
		return
	}
	if f.Fingerprint.Mtime != 0 {
		m.Filesystem.Chtimes(tmp, time.Unix(f.Fingerprint.Mtime, 0))
	}
	if err := m.Filesystem.Rename(tmp, f.LocalPath); err != nil {
		m.Filesystem.Remove(tmp)
		f.Done(Result{Err: err})
		return
	}
	f.Done(Result{Fingerprint: f.Fingerprint})
}
