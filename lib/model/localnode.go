// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/scanner"
)

// TreeAction marks how much of a subtree needs another visit.
type TreeAction int

const (
	TreeResolved TreeAction = iota
	TreeActionHere
	TreeActionSubtree
)

func (a TreeAction) String() string {
	switch a {
	case TreeActionHere:
		return "here"
	case TreeActionSubtree:
		return "here-and-below"
	default:
		return "resolved"
	}
}

// LocalNode is the in-memory shadow of a file or folder that was or is
// being synchronized: the "last synced" column of every row. Only the
// sync thread touches it.
type LocalNode struct {
	sync     *Sync
	parent   *LocalNode
	children map[string]*LocalNode // keyed by cloud-normalized name

	name       string // local name as on disk
	slocalname string // OS short/alternate name when one exists
	typ        protocol.NodeType

	syncedFsid        uint64
	scannedFsid       uint64
	syncedCloudHandle protocol.NodeHandle
	fingerprint       protocol.Fingerprint // files: as of last successful sync

	dbid       uint32
	parentDbid uint32

	scanAgain TreeAction
	syncAgain TreeAction
	// attention is bubbled to ancestors whenever any flag below them is
	// raised, so recursiveSync knows to descend.
	attention bool

	// Scanning state for folders.
	lastFolderScan []scanner.FsNode
	scanRequest    *scanner.Request
	scanLimiter    *rate.Limiter

	// Blocked handling with exponential backoff.
	scanBlocked      bool
	scanBlockedUntil time.Time
	scanBlockedDelay time.Duration

	// Set while our own commands are outstanding on the corresponding
	// cloud node; recursion below the node is deferred until clear.
	pendingCloudOps int

	scanseqno uint64

	conflictBelow bool
}

func newLocalNode(s *Sync, parent *LocalNode, name string, typ protocol.NodeType) *LocalNode {
	n := &LocalNode{
		sync:   s,
		parent: parent,
		name:   name,
		typ:    typ,
	}
	if typ == protocol.NodeTypeFolder {
		// A fresh folder needs its first scan and sync visit; files are
		// tracked through their parent's flags.
		n.children = make(map[string]*LocalNode)
		n.scanAgain = TreeActionHere
		n.syncAgain = TreeActionHere
	}
	if parent != nil {
		parent.children[s.canonical(name)] = n
		parent.bubble()
	}
	return n
}

// bubble raises the attention flag on all ancestors.
func (n *LocalNode) bubble() {
	for p := n; p != nil; p = p.parent {
		if p.attention {
			return
		}
		p.attention = true
	}
}

func (n *LocalNode) setScanAgain(action TreeAction) {
	if action > n.scanAgain {
		n.scanAgain = action
	}
	n.lastFolderScan = nil
	n.bubble()
}

func (n *LocalNode) setSyncAgain(action TreeAction) {
	if action > n.syncAgain {
		n.syncAgain = action
	}
	n.bubble()
}

// rawPath is the slash path below the sync root, in on-disk names.
func (n *LocalNode) rawPath() string {
	if n.parent == nil {
		return "."
	}
	parent := n.parent.rawPath()
	if parent == "." {
		return n.name
	}
	return parent + "/" + n.name
}

// localAbsPath is rawPath prefixed with the sync root for display and
// stall reporting.
func (n *LocalNode) localAbsPath() string {
	if n.parent == nil {
		return n.sync.cfg.LocalRoot
	}
	return n.sync.cfg.LocalRoot + "/" + n.rawPath()
}

// cloudPath is the display path of the corresponding cloud node.
func (n *LocalNode) cloudPath() string {
	if n.parent == nil {
		return n.sync.cfg.Remote.Path
	}
	return n.parent.cloudPath() + "/" + n.name
}

func (n *LocalNode) isRoot() bool { return n.parent == nil }

// setSyncedFsid moves the node's synced-fsid index entry.
func (n *LocalNode) setSyncedFsid(fsid uint64) {
	ix := n.sync.engine.moveDetector
	if n.syncedFsid != 0 {
		ix.unsetSyncedFsid(n.sync.fsFingerprint, n.syncedFsid, n)
	}
	n.syncedFsid = fsid
	if fsid != 0 {
		ix.setSyncedFsid(n.sync.fsFingerprint, fsid, n)
	}
}

func (n *LocalNode) setScannedFsid(fsid uint64) {
	ix := n.sync.engine.moveDetector
	if n.scannedFsid != 0 {
		ix.unsetScannedFsid(n.sync.fsFingerprint, n.scannedFsid, n)
	}
	n.scannedFsid = fsid
	if fsid != 0 {
		ix.setScannedFsid(n.sync.fsFingerprint, fsid, n)
	}
}

func (n *LocalNode) setSyncedCloudHandle(h protocol.NodeHandle) {
	ix := n.sync.engine.moveDetector
	if !n.syncedCloudHandle.IsZero() {
		ix.unsetCloudHandle(n.syncedCloudHandle, n)
	}
	n.syncedCloudHandle = h
	if !h.IsZero() {
		ix.setCloudHandle(h, n)
	}
}

// markSynced records the row as in agreement on both sides and queues
// the node for persistence.
func (n *LocalNode) markSynced(fsid uint64, h protocol.NodeHandle, fp protocol.Fingerprint, localname, shortname string) {
	if n.syncedFsid != fsid {
		n.setSyncedFsid(fsid)
	}
	if n.scannedFsid != fsid {
		n.setScannedFsid(fsid)
	}
	if n.syncedCloudHandle != h {
		n.setSyncedCloudHandle(h)
	}
	n.fingerprint = fp
	if localname != "" && localname != n.name {
		n.rekey(localname)
	}
	n.slocalname = shortname
	n.sync.statecache.queuePut(n)
}

// rekey renames the node within its parent's child map.
func (n *LocalNode) rekey(newName string) {
	if n.parent != nil {
		delete(n.parent.children, n.sync.canonical(n.name))
		n.parent.children[n.sync.canonical(newName)] = n
	}
	n.name = newName
}

// moveTo re-parents the node in the tree. The state cache row follows;
// the fsid and cloud handle indexes are keyed on the node pointer and
// need no update.
func (n *LocalNode) moveTo(newParent *LocalNode, newName string) {
	if n.parent != nil {
		delete(n.parent.children, n.sync.canonical(n.name))
	}
	old := n.sync
	n.parent = newParent
	n.name = newName
	if newParent != nil {
		newParent.children[newParent.sync.canonical(newName)] = n
		if newParent.sync != old {
			n.adoptSync(newParent.sync)
		}
		newParent.bubble()
	}
	n.sync.statecache.queuePut(n)
}

// adoptSync moves the node and its subtree to another sync, keeping the
// engine-wide indexes consistent. Happens on moves across syncs that
// share a filesystem fingerprint.
func (n *LocalNode) adoptSync(s *Sync) {
	oldCache := n.sync.statecache
	oldCache.queueDel(n.dbid)
	n.dbid = 0
	n.sync = s
	s.statecache.queuePut(n)
	for _, c := range n.children {
		c.adoptSync(s)
	}
}

// destroy removes the node and its subtree from the tree, the indexes
// and the state cache.
func (n *LocalNode) destroy() {
	for _, c := range n.children {
		c.destroy()
	}
	if n.syncedFsid != 0 {
		n.sync.engine.moveDetector.unsetSyncedFsid(n.sync.fsFingerprint, n.syncedFsid, n)
		n.syncedFsid = 0
	}
	if n.scannedFsid != 0 {
		n.sync.engine.moveDetector.unsetScannedFsid(n.sync.fsFingerprint, n.scannedFsid, n)
		n.scannedFsid = 0
	}
	if !n.syncedCloudHandle.IsZero() {
		n.sync.engine.moveDetector.unsetCloudHandle(n.syncedCloudHandle, n)
		n.syncedCloudHandle = protocol.NodeHandle(0)
	}
	if n.parent != nil {
		if cur, ok := n.parent.children[n.sync.canonical(n.name)]; ok && cur == n {
			delete(n.parent.children, n.sync.canonical(n.name))
		}
		n.parent = nil
	}
	n.sync.statecache.queueDelNode(n)
}

// blockScans marks the node transiently unscannable and arms the
// exponential backoff.
func (n *LocalNode) blockScans() {
	if !n.scanBlocked {
		n.scanBlocked = true
		n.scanBlockedDelay = n.sync.engine.opts.ScanBlockedBase
	} else if n.scanBlockedDelay < n.sync.engine.opts.ScanBlockedCeiling {
		n.scanBlockedDelay *= 2
		if n.scanBlockedDelay > n.sync.engine.opts.ScanBlockedCeiling {
			n.scanBlockedDelay = n.sync.engine.opts.ScanBlockedCeiling
		}
	}
	n.scanBlockedUntil = time.Now().Add(n.scanBlockedDelay)
	n.bubble()
}

func (n *LocalNode) unblockScans() {
	n.scanBlocked = false
	n.scanBlockedDelay = 0
	n.scanBlockedUntil = time.Time{}
}

// verifyShortname checks the stored alternate name against the live
// filesystem; a mismatch forces a rescan of the parent. Used after
// state cache load.
func (n *LocalNode) verifyShortname(filesystem fs.Filesystem) {
	if n.isRoot() {
		return
	}
	short, err := filesystem.Shortname(n.rawPath())
	if err != nil {
		return
	}
	if short != n.slocalname {
		l.Debugln("shortname mismatch for", n.rawPath(), "expected", n.slocalname, "got", short)
		if n.parent != nil {
			n.parent.setScanAgain(TreeActionHere)
		}
	}
}
