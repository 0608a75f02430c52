// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !windows
// +build !windows

package fs

import (
	"os"
	"syscall"
)

// fsidFromFileInfo extracts the inode number where the OS exposes one.
func fsidFromFileInfo(fi os.FileInfo) (uint64, bool) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino, st.Ino != 0
	}
	return 0, false
}

// Shortname returns the OS alternate name for the entry. There are no
// 8.3 names outside Windows.
func (*BasicFilesystem) Shortname(string) (string, error) {
	return "", nil
}

// CaseInsensitive is false on Unix-like platforms, including Darwin,
// whose HFS+/APFS defaults are case-insensitive; nothing probes the
// volume for it.
func (*BasicFilesystem) CaseInsensitive() bool {
	return false
}
