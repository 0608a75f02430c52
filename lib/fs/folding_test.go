// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import "testing"

func TestUnicodeLowercaseNormalized(t *testing.T) {
	cases := [][2]string{
		{"README.TXT", "readme.txt"},
		{"already lower", "already lower"},
		{"Motörhead", "motörhead"},
		{"Å", "å"}, // A + ring above folds to å, NFC composed
	}
	for _, tc := range cases {
		if got := UnicodeLowercaseNormalized(tc[0]); got != tc[1] {
			t.Errorf("UnicodeLowercaseNormalized(%q) = %q, want %q", tc[0], got, tc[1])
		}
	}
}

func TestCanonicalName(t *testing.T) {
	if CanonicalName("FooBar", false) != "FooBar" {
		t.Error("case-sensitive canonical name must keep case")
	}
	if CanonicalName("FooBar", true) != "foobar" {
		t.Error("case-insensitive canonical name must fold")
	}
}

func TestTempNames(t *testing.T) {
	if got := TempName("dir/file.txt"); got != "dir/"+TempPrefix+"file.txt" {
		t.Errorf("TempName = %q", got)
	}
	if !IsTemporary(TempName("a/b")) {
		t.Error("TempName output not recognized as temporary")
	}
	if IsTemporary("regular.txt") {
		t.Error("regular file recognized as temporary")
	}
}
