// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"testing"
	"time"

	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
)

func waitScan(t *testing.T, req *Request) ([]FsNode, bool) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if done, results, inaccessible := req.Complete(); done {
			return results, inaccessible
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scan did not complete")
	return nil, false
}

func TestScanProducesNodes(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.MkdirAll("sub")
	mtime := time.Now().Add(-time.Hour)
	fakefs.WriteFile("b.txt", []byte("hello world"), mtime)
	fakefs.CreateSymlink("link", "elsewhere")
	fakefs.WriteFile(".stratosync.tmp.c", []byte("half"), mtime)

	svc := NewService(2)
	defer svc.Stop()

	results, inaccessible := waitScan(t, svc.Scan(Spec{Filesystem: fakefs, Dir: "."}))
	if inaccessible {
		t.Fatal("accessible root reported inaccessible")
	}

	byName := map[string]FsNode{}
	for _, n := range results {
		byName[n.Localname] = n
	}
	if _, ok := byName[".stratosync.tmp.c"]; ok {
		t.Error("temporary file not excluded from scan")
	}
	if n := byName["sub"]; n.Type != protocol.NodeTypeFolder {
		t.Errorf("sub scanned as %v", n.Type)
	}
	if n := byName["link"]; !n.IsSymlink {
		t.Error("symlink not flagged")
	}

	b := byName["b.txt"]
	if b.Type != protocol.NodeTypeFile {
		t.Fatalf("b.txt scanned as %v", b.Type)
	}
	if b.Size != int64(len("hello world")) || b.Mtime != mtime.Unix() {
		t.Errorf("stat mismatch: size %d mtime %d", b.Size, b.Mtime)
	}
	if b.Fingerprint.IsZero() {
		t.Error("file fingerprint not computed")
	}
	if b.Fingerprint.Size != b.Size || b.Fingerprint.Mtime != b.Mtime {
		t.Error("fingerprint disagrees with stat")
	}
}

func TestScanInaccessibleRoot(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	svc := NewService(1)
	defer svc.Stop()

	results, inaccessible := waitScan(t, svc.Scan(Spec{Filesystem: fakefs, Dir: "missing"}))
	if !inaccessible {
		t.Error("missing directory not reported as inaccessible root")
	}
	if len(results) != 0 {
		t.Error("inaccessible root produced results")
	}
}

func TestScanBlockedFile(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile("locked", []byte("x"), time.Now())
	fakefs.SetBlocked("locked", true)

	svc := NewService(1)
	defer svc.Stop()

	results, _ := waitScan(t, svc.Scan(Spec{Filesystem: fakefs, Dir: "."}))
	if len(results) != 1 || !results[0].IsBlocked {
		t.Errorf("blocked file not flagged: %+v", results)
	}
}

func TestScanReusesKnownFingerprints(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	mtime := time.Now().Add(-time.Hour)
	fakefs.WriteFile("a", []byte("content"), mtime)
	fsid, _ := fakefs.Fsid("a")

	known := protocol.Fingerprint{Size: int64(len("content")), Mtime: mtime.Unix(), CRC: [4]uint32{9, 9, 9, 9}}
	svc := NewService(1)
	defer svc.Stop()

	results, _ := waitScan(t, svc.Scan(Spec{
		Filesystem: fakefs,
		Dir:        ".",
		Reuse: func(name string, size, mt int64, id uint64) (protocol.Fingerprint, bool) {
			if name == "a" && size == known.Size && mt == known.Mtime && id == fsid {
				return known, true
			}
			return protocol.Fingerprint{}, false
		},
	}))
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Fingerprint != known {
		t.Error("known fingerprint not reused")
	}
}

func TestScanExcludesDebris(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.MkdirAll(".debris/2024-01-01")
	fakefs.WriteFile("real", []byte("x"), time.Now())

	svc := NewService(1)
	defer svc.Stop()

	results, _ := waitScan(t, svc.Scan(Spec{Filesystem: fakefs, Dir: ".", DebrisPath: ".debris"}))
	for _, n := range results {
		if n.Localname == ".debris" {
			t.Error("debris directory not excluded")
		}
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	mtime := time.Now().Add(-time.Hour)
	fakefs.WriteFile("f", []byte("aaaaaaaabbbbbbbbccccccccdddddddd"), mtime)

	info, _ := fakefs.Lstat("f")
	fp1, err := Fingerprint(fakefs, "f", info)
	if err != nil {
		t.Fatal(err)
	}

	// Change one byte in the last quarter only.
	fakefs.WriteFile("f", []byte("aaaaaaaabbbbbbbbccccccccdddddddX"), mtime)
	info, _ = fakefs.Lstat("f")
	fp2, err := Fingerprint(fakefs, "f", info)
	if err != nil {
		t.Fatal(err)
	}

	if fp1.CRC == fp2.CRC {
		t.Error("content change did not alter CRC words")
	}
	if fp1.CRC[0] != fp2.CRC[0] || fp1.CRC[3] == fp2.CRC[3] {
		t.Error("change in last quarter should alter only the last word")
	}
}
