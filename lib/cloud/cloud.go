// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cloud defines the engine's view of the remote side. The real
// RPC client lives outside this repository; Memcloud below implements
// the same interface in memory for tests and offline development.
package cloud

import (
	"errors"

	"github.com/stratosync/stratosync/lib/protocol"
)

var (
	ErrNodeNotFound   = errors.New("cloud node not found")
	ErrParentNotFound = errors.New("cloud parent not found")
	ErrNameExists     = errors.New("name exists under parent")
	ErrNotEmpty       = errors.New("folder not empty")
)

// Node is a read-only snapshot of a remote node. Refreshed on demand;
// never mutated by the reconciler.
type Node struct {
	Handle            protocol.NodeHandle
	Parent            protocol.NodeHandle
	Type              protocol.NodeType
	Name              string
	Fingerprint       protocol.Fingerprint
	OwnerUser         string
	InShare           bool
	HasPendingChanges bool
}

// NodeSpec describes one node to create in a PutNodes call.
type NodeSpec struct {
	Name        string
	Type        protocol.NodeType
	Fingerprint protocol.Fingerprint
	Content     []byte // files only; carried by the transfer layer in production
}

// Completion is invoked exactly once when the cloud acknowledges or
// rejects a command. Completions for commands issued by one client are
// delivered in acknowledgement order.
type Completion func(err error)

// PutNodesResult carries the handles assigned to newly created nodes,
// in NodeSpec order.
type PutNodesResult struct {
	Handles []protocol.NodeHandle
}

// Client is the cloud adapter consumed by the sync engine. Structural
// queries are synchronous snapshots; mutations complete asynchronously
// via their completion callback.
type Client interface {
	NodeByHandle(h protocol.NodeHandle) (Node, bool)
	Children(parent protocol.NodeHandle) []Node

	Rename(h, newParent protocol.NodeHandle, newName string, done Completion)
	SetAttr(h protocol.NodeHandle, newName string, done Completion)
	PutNodes(parent protocol.NodeHandle, nodes []NodeSpec, versioning bool, done func(PutNodesResult, error))
	Unlink(h protocol.NodeHandle, permanent bool, done Completion)

	// MoveToDebris parks the node in the account's sync-debris area
	// instead of unlinking it.
	MoveToDebris(h protocol.NodeHandle, done Completion)

	// Updated delivers a token whenever remote nodes changed. Tokens
	// coalesce; the engine re-reads children on receipt. No ordering is
	// guaranteed relative to this client's own command completions.
	Updated() <-chan struct{}

	// RegisterSyncRoot marks the handle as a sync/backup root in the
	// account, and DeregisterSyncRoot removes the registration. The
	// deregistration is synchronous because DeregisterAndRemove must
	// fail if the cloud call fails.
	RegisterSyncRoot(h protocol.NodeHandle) error
	DeregisterSyncRoot(h protocol.NodeHandle) error
}
