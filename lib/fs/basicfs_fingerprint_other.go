// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !linux && !darwin && !windows
// +build !linux,!darwin,!windows

package fs

// VolumeFingerprint is not implemented for this platform; fsid-based
// move detection is disabled.
func (*BasicFilesystem) VolumeFingerprint() (uint64, error) {
	return UndefinedFingerprint, nil
}
