// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/d4l3k/messagediff"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testConfig(id BackupID) SyncConfig {
	return SyncConfig{
		BackupID:        id,
		LocalRoot:       "/home/user/sync",
		Remote:          RemoteRoot{Handle: 0x42, Path: "/cloud/sync"},
		Type:            TypeTwoWay,
		Enabled:         true,
		ChangeDetection: ChangeDetectionNotifications,
		ScanIntervalSec: 300,
	}
}

func TestStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.LoadDrive(""); err != nil {
		t.Fatal(err)
	}
	want := testConfig(1)
	if err := s.Add(want); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(dir, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.LoadDrive(""); err != nil {
		t.Fatal(err)
	}
	got := s2.Configs()
	if len(got) != 1 {
		t.Fatalf("got %d configs, want 1", len(got))
	}
	if diff, equal := messagediff.PrettyDiff(want, got[0]); !equal {
		t.Errorf("config roundtrip mismatch:\n%s", diff)
	}
}

func TestStoreFallsBackToOlderSlot(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, testKey)
	if err != nil {
		t.Fatal(err)
	}
	s.LoadDrive("")
	s.Add(testConfig(1))
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(1)
	cfg.ScanIntervalSec = 999
	s.Update(cfg)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	// Two flushes populate both slots; counter 2 landed in slot 0.
	// Corrupt the newer slot; reads must fall back to the older one.
	newer := filepath.Join(dir, "syncs.0")
	raw, err := os.ReadFile(newer)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0xff
	if err := os.WriteFile(newer, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(dir, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.LoadDrive(""); err != nil {
		t.Fatal(err)
	}
	got := s2.Configs()
	if len(got) != 1 {
		t.Fatalf("got %d configs after fallback, want 1", len(got))
	}
	if got[0].ScanIntervalSec != 300 {
		t.Errorf("fallback returned interval %d, want the older slot's 300", got[0].ScanIntervalSec)
	}
}

func TestStoreBothSlotsCorruptIsError(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, testKey)
	s.LoadDrive("")
	s.Add(testConfig(1))
	s.Flush()
	s.Update(testConfig(1))
	s.Flush()

	for _, slot := range []string{"syncs.0", "syncs.1"} {
		p := filepath.Join(dir, slot)
		raw, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		raw[len(raw)-1] ^= 0xff
		os.WriteFile(p, raw, 0o600)
	}

	s2, _ := NewStore(dir, testKey)
	if err := s2.LoadDrive(""); err != ErrNoValidSlot {
		t.Fatalf("expected ErrNoValidSlot, got %v", err)
	}
}

func TestStoreRejectsShortKey(t *testing.T) {
	if _, err := NewStore(t.TempDir(), []byte("short")); err != ErrBadKey {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
}

func TestStoreWrongKeyFailsAuthentication(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir, testKey)
	s.LoadDrive("")
	s.Add(testConfig(1))
	s.Flush()

	other := []byte("ffffffffffffffffffffffffffffffff")
	s2, _ := NewStore(dir, other)
	if err := s2.LoadDrive(""); err != ErrNoValidSlot {
		t.Fatalf("expected authentication failure with wrong key, got %v", err)
	}
}

func TestStateCacheNameChangesWithRootFsid(t *testing.T) {
	a := testConfig(1)
	a.LocalRootFsid = 100
	b := testConfig(1)
	b.LocalRootFsid = 200
	if a.StateCacheName() == b.StateCacheName() {
		t.Error("state cache name must depend on the local root fsid")
	}
}
