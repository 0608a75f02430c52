// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol holds the few types shared between the cloud
// adapter, the scanner and the sync engine.
package protocol

import (
	"fmt"
	"strconv"
)

// NodeHandle identifies a cloud node. The zero value is "no node".
type NodeHandle uint64

const UndefHandle NodeHandle = 0

func (h NodeHandle) IsZero() bool { return h == UndefHandle }

func (h NodeHandle) String() string {
	return fmt.Sprintf("H:%012x", uint64(h))
}

func (h NodeHandle) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(h), 16)), nil
}

func (h *NodeHandle) UnmarshalText(bs []byte) error {
	v, err := strconv.ParseUint(string(bs), 16, 64)
	if err != nil {
		return err
	}
	*h = NodeHandle(v)
	return nil
}

type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeFile
	NodeTypeFolder
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeFile:
		return "file"
	case NodeTypeFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// Fingerprint is the content identity of a file: size, mtime (unix
// seconds) and four CRC32 words computed over equal quarters of the
// content. Folders have a zero fingerprint; their equality is
// structural and established recursively by the reconciler.
type Fingerprint struct {
	Size  int64
	Mtime int64
	CRC   [4]uint32
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Equal is full content identity, used to decide that two sides carry
// the same bytes.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// EqualStat compares only the cheap components. Used by the move
// detector to reject fsid reuse without the CRC being available.
func (f Fingerprint) EqualStat(other Fingerprint) bool {
	return f.Size == other.Size && f.Mtime == other.Mtime
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("fp(%d,%d,%08x%08x%08x%08x)", f.Size, f.Mtime, f.CRC[0], f.CRC[1], f.CRC[2], f.CRC[3])
}
