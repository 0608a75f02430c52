// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"hash/crc32"
	"io"

	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
)

// Fingerprint computes the content fingerprint of a file: size, mtime
// and four CRC32 words, one per quarter of the content. The quarter
// split means a change anywhere in the file flips at least one word
// while the whole fingerprint stays 16 bytes.
func Fingerprint(filesystem fs.Filesystem, name string, info fs.Info) (protocol.Fingerprint, error) {
	fp := protocol.Fingerprint{
		Size:  info.Size,
		Mtime: info.ModTime.Unix(),
	}

	fd, err := filesystem.OpenRead(name)
	if err != nil {
		return protocol.Fingerprint{}, err
	}
	defer fd.Close()

	quarter := info.Size / 4
	for i := 0; i < 4; i++ {
		n := quarter
		if i == 3 {
			n = info.Size - 3*quarter
		}
		h := crc32.NewIEEE()
		if _, err := io.CopyN(h, fd, n); err != nil && err != io.EOF {
			return protocol.Fingerprint{}, err
		}
		fp.CRC[i] = h.Sum32()
	}
	return fp, nil
}
