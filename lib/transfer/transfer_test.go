// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
)

func waitDone(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
		return Result{}
	}
}

func TestLoopbackUploadStagesContent(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile("up.txt", []byte("upload payload"), time.Now())
	m := &Loopback{Filesystem: fakefs, Cloud: cloud.NewMemcloud()}

	done := make(chan Result, 1)
	m.StartXfer(&File{
		Direction: Upload,
		LocalPath: "up.txt",
		Done:      func(r Result) { done <- r },
	})
	res := waitDone(t, done)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if string(res.Content) != "upload payload" {
		t.Errorf("staged content = %q", res.Content)
	}
}

func TestLoopbackDownloadLandsViaTemp(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	mc := cloud.NewMemcloud()
	mtime := time.Now().Add(-time.Hour).Unix()
	fp := protocol.Fingerprint{Size: 4, Mtime: mtime}
	h := mc.PutFile("remote/d.txt", []byte("data"), fp)

	m := &Loopback{Filesystem: fakefs, Cloud: mc}
	done := make(chan Result, 1)
	m.StartXfer(&File{
		Direction:   Download,
		LocalPath:   "d.txt",
		Handle:      h,
		Fingerprint: fp,
		Done:        func(r Result) { done <- r },
	})
	res := waitDone(t, done)
	if res.Err != nil {
		t.Fatal(res.Err)
	}

	info, err := fakefs.Lstat("d.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 4 || info.ModTime.Unix() != mtime {
		t.Errorf("downloaded stat mismatch: %+v", info)
	}
	if _, err := fakefs.Lstat(fs.TempName("d.txt")); !fs.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestLoopbackUploadSurvivesSourceRename(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile("a", []byte("in flight"), time.Now())
	m := &Loopback{Filesystem: fakefs, Cloud: cloud.NewMemcloud(), Delay: 50 * time.Millisecond}

	done := make(chan Result, 1)
	m.StartXfer(&File{
		Direction: Upload,
		LocalPath: "a",
		Done:      func(r Result) { done <- r },
	})
	// The bytes are staged before the delay; moving the source now must
	// not disturb the transfer.
	time.Sleep(10 * time.Millisecond)
	if err := fakefs.Rename("a", "b"); err != nil {
		t.Fatal(err)
	}

	res := waitDone(t, done)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if string(res.Content) != "in flight" {
		t.Errorf("staged content = %q", res.Content)
	}
}

func TestLoopbackCancellation(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile("a", []byte("x"), time.Now())
	m := &Loopback{Filesystem: fakefs, Cloud: cloud.NewMemcloud(), Delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	m.StartXfer(&File{
		Direction: Upload,
		LocalPath: "a",
		Ctx:       ctx,
		Done:      func(r Result) { done <- r },
	})
	cancel()
	res := waitDone(t, done)
	if res.Err != ErrCancelled {
		t.Errorf("expected ErrCancelled, got %v", res.Err)
	}
}
