// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"testing"
	"time"

	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/fs"
)

func TestInitialUploadTwoWay(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("docs")
	h.writeFile("docs/a.txt", "hello")
	h.writeFile("top.txt", "top")

	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	for _, p := range []string{"remote/top.txt", "remote/docs", "remote/docs/a.txt"} {
		h.mustLookupCloud(p)
	}
	n := h.mustLookupCloud("remote/docs/a.txt")
	content, _ := h.cloud.Content(n.Handle)
	if got := string(content); got != "hello" {
		t.Errorf("cloud content = %q, want %q", got, "hello")
	}
	if probs := h.engine.Problems(); len(probs.Cloud)+len(probs.Local) != 0 {
		t.Errorf("unexpected stalls: %+v", probs)
	}
}

func TestInitialDownloadTwoWay(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	h.cloud.MkdirAll("remote/sub")
	h.cloud.PutFile("remote/sub/b.txt", []byte("cloudy"), h.cloudFingerprint("cloudy", pastTime))

	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	info, err := h.fs.Lstat("sub/b.txt")
	if err != nil {
		t.Fatalf("sub/b.txt not downloaded: %v", err)
	}
	if info.Size != int64(len("cloudy")) {
		t.Errorf("size = %d, want %d", info.Size, len("cloudy"))
	}
}

func TestEqualBothSidesJoinWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	h.writeFile("same.txt", "identical")
	remote := h.cloud.MkdirAll("remote")
	h.cloud.PutFile("remote/same.txt", []byte("identical"), h.cloudFingerprint("identical", pastTime))

	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if h.xfer.Started != 0 {
		t.Errorf("expected no transfers for equal content, got %d", h.xfer.Started)
	}
}

func TestRemoteDeletePropagatesToLocalDebris(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("f/f_2")
	h.writeFile("f/f_2/f_2_1", "data")
	h.writeFile("f/f_2/f_2_2", "keep")

	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	victim := h.mustLookupCloud("remote/f/f_2/f_2_1")
	h.cloud.Unlink(victim.Handle, false, nil)
	h.quiesce()

	if _, err := h.fs.Lstat("f/f_2/f_2_1"); !fs.IsNotExist(err) {
		t.Errorf("f_2_1 still present locally: %v", err)
	}
	day := time.Now().Format("2006-01-02")
	if _, err := h.fs.Lstat(".debris/" + day + "/f_2_1"); err != nil {
		t.Errorf("f_2_1 not parked in debris: %v", err)
	}
	if _, err := h.fs.Lstat("f/f_2/f_2_2"); err != nil {
		t.Errorf("unrelated sibling disturbed: %v", err)
	}
}

func TestLocalDeletePropagatesToCloudDebris(t *testing.T) {
	h := newHarness(t)
	h.writeFile("gone.txt", "bye")
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if err := h.fs.Remove("gone.txt"); err != nil {
		t.Fatal(err)
	}
	h.quiesce()

	if _, ok := h.cloud.Lookup("remote/gone.txt"); ok {
		t.Error("cloud node still under sync root after local delete")
	}
	found := false
	for _, n := range h.cloud.Children(h.cloud.DebrisRoot()) {
		if n.Name == "gone.txt" {
			found = true
		}
	}
	if !found {
		t.Error("deleted node not parked in cloud debris")
	}
}

func TestLocalEditUploads(t *testing.T) {
	h := newHarness(t)
	h.writeFile("note.txt", "v1")
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	h.writeFile("note.txt", "v2 with more bytes")
	h.quiesce()

	n := h.mustLookupCloud("remote/note.txt")
	content, _ := h.cloud.Content(n.Handle)
	if string(content) != "v2 with more bytes" {
		t.Errorf("cloud content = %q after local edit", content)
	}
}

func TestUploadOnlyIgnoresRemoteAdditions(t *testing.T) {
	h := newHarness(t)
	h.writeFile("mine.txt", "local")
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeUp, remote)
	h.quiesce()

	h.cloud.PutFile("remote/foreign.txt", []byte("x"), h.cloudFingerprint("x", pastTime))
	h.quiesce()

	if _, err := h.fs.Lstat("foreign.txt"); !fs.IsNotExist(err) {
		t.Error("upload-only sync downloaded a remote addition")
	}
}

func TestDownloadOnlyIgnoresLocalAdditions(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeDown, remote)
	h.quiesce()

	h.writeFile("localonly.txt", "x")
	h.quiesce()

	if _, ok := h.cloud.Lookup("remote/localonly.txt"); ok {
		t.Error("download-only sync uploaded a local addition")
	}
}

func TestPathSyncState(t *testing.T) {
	h := newHarness(t)
	h.writeFile("a.txt", "x")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if st := h.engine.PathSyncState(id, "a.txt"); st != PathSynced {
		t.Errorf("PathSyncState(a.txt) = %v, want synced", st)
	}
	if st := h.engine.PathSyncState(id, "missing.txt"); st == PathSynced {
		t.Errorf("PathSyncState(missing.txt) = synced for absent path")
	}
}
