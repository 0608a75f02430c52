// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import "os"

// The MFT record number would be the fsid here, but os.FileInfo does not
// carry it and opening every entry to ask is too expensive during scans.
// Without stable ids, local move detection is off: a moved file is seen
// as a removal plus a new file.
func fsidFromFileInfo(os.FileInfo) (uint64, bool) {
	return 0, false
}

func (*BasicFilesystem) VolumeFingerprint() (uint64, error) {
	return UndefinedFingerprint, nil
}

func (*BasicFilesystem) Shortname(string) (string, error) {
	// TODO: GetShortPathNameW; needs a windows build host to verify the
	// long-path prefix handling.
	return "", nil
}

func (*BasicFilesystem) CaseInsensitive() bool {
	return true
}
