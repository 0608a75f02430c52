// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import "path"

// TempPrefix marks in-flight download files. Scans skip entries with
// this prefix so a half-landed download is never treated as user data.
const TempPrefix = ".stratosync.tmp."

// TempName returns the temporary sibling for the given relative path.
func TempName(name string) string {
	dir, base := path.Split(name)
	return path.Join(dir, TempPrefix+base)
}

// IsTemporary reports whether the name is one of our temporaries.
func IsTemporary(name string) bool {
	base := path.Base(name)
	return len(base) >= len(TempPrefix) && base[:len(TempPrefix)] == TempPrefix
}
