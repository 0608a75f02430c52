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
)

func TestBothChangedStalls(t *testing.T) {
	h := newHarness(t)
	h.writeFile("note.txt", "v1")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	// Diverge both sides.
	h.writeFile("note.txt", "local edit")
	h.cloud.PutFile("remote/note.txt", []byte("cloud edit!"), h.cloudFingerprint("cloud edit!", pastTime))

	h.settle(func() bool {
		probs := h.engine.Problems()
		_, stalled := probs.StalledSyncs[id]
		return stalled
	})

	probs := h.engine.Problems()
	found := false
	for _, e := range probs.Local {
		if e.Reason == LocalAndRemoteChangedSinceLastSyncedStateUserMustChoose {
			found = true
			if !e.ImmediateAction {
				t.Error("both-changed stall should demand immediate attention")
			}
		}
	}
	if !found {
		t.Errorf("expected both-changed stall, got %+v", probs.Local)
	}
	if !probs.ImmediateStall {
		t.Error("immediate stall flag not set")
	}

	// Neither side may have been clobbered.
	n := h.mustLookupCloud("remote/note.txt")
	content, _ := h.cloud.Content(n.Handle)
	if string(content) != "cloud edit!" {
		t.Errorf("cloud content overwritten during stall: %q", content)
	}
}

func TestNoProgressBackoff(t *testing.T) {
	h := newHarness(t)
	h.writeFile("note.txt", "v1")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	h.writeFile("note.txt", "local")
	h.cloud.PutFile("remote/note.txt", []byte("remote!"), h.cloudFingerprint("remote!", pastTime))

	h.settle(func() bool {
		s := h.sync(id)
		return s.noProgressPasses >= noProgressThreshold && !s.backoffUntil.IsZero()
	})
}

func TestCaseInsensitiveNameClash(t *testing.T) {
	h := newHarness(t)
	h.fs.SetCaseInsensitive(true)
	remote := h.cloud.MkdirAll("remote")
	h.cloud.PutFile("remote/Readme.txt", []byte("one"), h.cloudFingerprint("one", pastTime))
	h.cloud.PutFile("remote/readme.txt", []byte("two"), h.cloudFingerprint("two", pastTime))

	h.addSync(config.TypeTwoWay, remote)
	h.settle(func() bool {
		return len(h.engine.Problems().NameConflicts) > 0
	})

	conflicts := h.engine.Problems().NameConflicts
	if len(conflicts[0].CloudNames) != 2 {
		t.Fatalf("conflict should list both cloud names, got %v", conflicts[0].CloudNames)
	}
	// Neither clashing sibling may have been synchronized.
	if _, err := h.fs.Lstat("Readme.txt"); err == nil {
		t.Error("clashing name was downloaded")
	}
	if _, err := h.fs.Lstat("readme.txt"); err == nil {
		t.Error("clashing name was downloaded")
	}
}

func TestDebrisSuffixesOnRepeatedNames(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	day := time.Now().Format("2006-01-02")
	for i := 0; i < 2; i++ {
		h.writeFile("gone.txt", "round "+string(rune('0'+i)))
		h.quiesce()
		n := h.mustLookupCloud("remote/gone.txt")
		h.cloud.Unlink(n.Handle, false, nil)
		h.quiesce()
	}

	if _, err := h.fs.Lstat(".debris/" + day + "/gone.txt"); err != nil {
		t.Errorf("first victim missing from debris: %v", err)
	}
	if _, err := h.fs.Lstat(".debris/" + day + "/gone.txt~1"); err != nil {
		t.Errorf("second victim not suffixed: %v", err)
	}
}

func TestSymlinkIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.fs.CreateSymlink("link", "target")
	h.writeFile("real.txt", "x")
	remote := h.cloud.MkdirAll("remote")
	h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	if _, ok := h.cloud.Lookup("remote/link"); ok {
		t.Error("symlink was uploaded")
	}
	h.mustLookupCloud("remote/real.txt")
}

func TestBlockedFileStallsAndRecovers(t *testing.T) {
	h := newHarness(t)
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	h.fs.SetBlocked("locked.txt", true)
	h.writeFile("locked.txt", "eventually")

	h.settle(func() bool {
		probs := h.engine.Problems()
		_, stalled := probs.StalledSyncs[id]
		return stalled
	})

	h.fs.SetBlocked("locked.txt", false)
	h.settle(func() bool {
		_, ok := h.cloud.Lookup("remote/locked.txt")
		return ok
	})
}
