// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/protocol"
)

func TestStateRecordRoundtrip(t *testing.T) {
	n := &LocalNode{
		name:       "Ünïcode name.txt",
		slocalname: "UNICOD~1.TXT",
		typ:        protocol.NodeTypeFile,
		syncedFsid: 0xdeadbeefcafe,
		parentDbid: 42,
		syncedCloudHandle: protocol.NodeHandle(0x1234),
		fingerprint: protocol.Fingerprint{
			Size:  1234567,
			Mtime: 1700000000,
			CRC:   [4]uint32{1, 2, 3, 4},
		},
	}

	rec, err := decodeStateRecord(7, encodeStateRecord(n))
	if err != nil {
		t.Fatal(err)
	}

	want := stateRecord{
		dbid:       7,
		parentDbid: 42,
		typ:        protocol.NodeTypeFile,
		fsid:       0xdeadbeefcafe,
		handle:     protocol.NodeHandle(0x1234),
		fp:         n.fingerprint,
		name:       "Ünïcode name.txt",
		shortname:  "UNICOD~1.TXT",
	}
	if diff, equal := messagediff.PrettyDiff(want, rec); !equal {
		t.Errorf("record roundtrip mismatch:\n%s", diff)
	}
}

func TestStateRecordRefusesUnknownMajor(t *testing.T) {
	n := &LocalNode{name: "x", typ: protocol.NodeTypeFile}
	blob := encodeStateRecord(n)
	// Bump the major version in place.
	blob[0], blob[1] = 0xff, 0xff

	_, err := decodeStateRecord(1, blob)
	if !errors.Is(err, errStateCacheVersion) {
		t.Fatalf("expected version refusal, got %v", err)
	}
}

func TestStateCacheSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.fs.MkdirAll("deep/nested/dirs")
	h.writeFile("deep/nested/dirs/file.txt", "persist me")
	remote := h.cloud.MkdirAll("remote")
	id := h.addSync(config.TypeTwoWay, remote)
	h.quiesce()

	transfers := h.xfer.Started

	if err := h.engine.Disable(id, config.NoSyncError, true); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		return h.sync(id).cfg.RunState == config.RunStateDisable
	})

	// Resume with nothing changed: the rebuilt tree must agree with
	// both sides without any transfer.
	if err := h.engine.Enable(id); err != nil {
		t.Fatal(err)
	}
	h.quiesce()

	if h.xfer.Started != transfers {
		t.Errorf("unchanged resume caused %d transfers", h.xfer.Started-transfers)
	}
	h.mustLookupCloud("remote/deep/nested/dirs/file.txt")
}
