// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ignore

import (
	"testing"
	"time"

	"github.com/stratosync/stratosync/lib/fs"
)

func TestLoadMissingFileMatchesNothing(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	m, err := Load(fakefs, DefaultIgnoreFile)
	if err != nil {
		t.Fatal(err)
	}
	if m.Match("anything") || m.Broken() {
		t.Error("empty matcher must match nothing and not be broken")
	}
}

func TestMatchPatterns(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile(DefaultIgnoreFile, []byte("# comment\n*.tmp\nbuild/**\n"), time.Now())

	m, err := Load(fakefs, DefaultIgnoreFile)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match("junk.tmp") {
		t.Error("*.tmp did not match junk.tmp")
	}
	if !m.Match("build/deep/file.o") {
		t.Error("build/** did not match nested file")
	}
	if m.Match("src/main.go") {
		t.Error("unrelated path matched")
	}
	if m.Match("deep/junk.tmp") {
		// * does not cross separators with this syntax.
		t.Error("*.tmp matched across separators")
	}
}

func TestBrokenIgnoreFile(t *testing.T) {
	fakefs := fs.NewFakeFilesystem("test")
	fakefs.WriteFile(DefaultIgnoreFile, []byte("[unclosed\n"), time.Now())

	m, err := Load(fakefs, DefaultIgnoreFile)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Broken() {
		t.Error("unparsable ignore file not flagged as broken")
	}
}
