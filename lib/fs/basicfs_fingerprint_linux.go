// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import "syscall"

// VolumeFingerprint identifies the filesystem holding the root via
// statfs. Filesystems that report a zero fsid (typically FAT) are
// reported as UndefinedFingerprint, which disables fsid-based move
// detection for the volume.
func (f *BasicFilesystem) VolumeFingerprint() (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(f.root, &st); err != nil {
		return UndefinedFingerprint, TransientError(errPath("statfs", f.root, err))
	}
	return uint64(uint32(st.Fsid.X__val[0]))<<32 | uint64(uint32(st.Fsid.X__val[1])), nil
}
