// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"time"

	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/scanner"
)

// moveDetector owns the engine-wide identity indexes: fsid to LocalNode
// per filesystem fingerprint on the local side, cloud handle to
// LocalNode across all syncs on the remote side. A disappearance on one
// side paired with an appearance claiming the same identity elsewhere
// is a move, not a delete plus create. Only the sync thread touches
// these maps.
type moveDetector struct {
	syncedByFsid  map[uint64]map[uint64]*LocalNode
	scannedByFsid map[uint64]map[uint64]*LocalNode
	byCloudHandle map[protocol.NodeHandle]*LocalNode
}

func newMoveDetector() *moveDetector {
	return &moveDetector{
		syncedByFsid:  make(map[uint64]map[uint64]*LocalNode),
		scannedByFsid: make(map[uint64]map[uint64]*LocalNode),
		byCloudHandle: make(map[protocol.NodeHandle]*LocalNode),
	}
}

func (d *moveDetector) setSyncedFsid(fp, fsid uint64, n *LocalNode) {
	m, ok := d.syncedByFsid[fp]
	if !ok {
		m = make(map[uint64]*LocalNode)
		d.syncedByFsid[fp] = m
	}
	m[fsid] = n
}

func (d *moveDetector) unsetSyncedFsid(fp, fsid uint64, n *LocalNode) {
	if m, ok := d.syncedByFsid[fp]; ok && m[fsid] == n {
		delete(m, fsid)
	}
}

func (d *moveDetector) setScannedFsid(fp, fsid uint64, n *LocalNode) {
	m, ok := d.scannedByFsid[fp]
	if !ok {
		m = make(map[uint64]*LocalNode)
		d.scannedByFsid[fp] = m
	}
	m[fsid] = n
}

func (d *moveDetector) unsetScannedFsid(fp, fsid uint64, n *LocalNode) {
	if m, ok := d.scannedByFsid[fp]; ok && m[fsid] == n {
		delete(m, fsid)
	}
}

func (d *moveDetector) setCloudHandle(h protocol.NodeHandle, n *LocalNode) {
	d.byCloudHandle[h] = n
}

func (d *moveDetector) unsetCloudHandle(h protocol.NodeHandle, n *LocalNode) {
	if d.byCloudHandle[h] == n {
		delete(d.byCloudHandle, h)
	}
}

// findBySyncedFsid returns the LocalNode currently claiming the fsid on
// the given filesystem fingerprint, applying the identity checks that
// guard against fsid reuse: matching type always, matching (size,
// mtime) for files. On Windows the drive letters of both roots must
// also match, to guard against cloned volume serial numbers.
func (d *moveDetector) findBySyncedFsid(s *Sync, fsid uint64, typ protocol.NodeType, fp *protocol.Fingerprint, exclude *LocalNode) *LocalNode {
	m, ok := d.syncedByFsid[s.fsFingerprint]
	if !ok {
		return nil
	}
	n, ok := m[fsid]
	if !ok || n == exclude {
		return nil
	}
	if n.typ != typ {
		return nil
	}
	if typ == protocol.NodeTypeFile && fp != nil && !n.fingerprint.EqualStat(*fp) {
		// Same inode, different stat: the OS reused the fsid for new
		// content. Drop the stale claim so normal create/delete
		// handling applies.
		l.Debugf("fsid %x reused (stat mismatch), clearing stale claim on %s", fsid, n.rawPath())
		n.setSyncedFsid(0)
		return nil
	}
	if n.sync != s {
		d1 := fs.WindowsDriveLetter(s.cfg.LocalRoot)
		d2 := fs.WindowsDriveLetter(n.sync.cfg.LocalRoot)
		if d1 != d2 {
			return nil
		}
	}
	return n
}

// findByScannedFsid matches against the last *observed* fsids rather
// than the synced ones. This is what recognizes a file moved while its
// first upload is still in flight.
func (d *moveDetector) findByScannedFsid(s *Sync, fsid uint64, typ protocol.NodeType, exclude *LocalNode) *LocalNode {
	m, ok := d.scannedByFsid[s.fsFingerprint]
	if !ok {
		return nil
	}
	n, ok := m[fsid]
	if !ok || n == exclude || n.typ != typ {
		return nil
	}
	if n.sync != s {
		d1 := fs.WindowsDriveLetter(s.cfg.LocalRoot)
		d2 := fs.WindowsDriveLetter(n.sync.cfg.LocalRoot)
		if d1 != d2 {
			return nil
		}
	}
	return n
}

// findByCloudHandle returns the LocalNode that last synced against the
// given cloud handle, anywhere in the engine.
func (d *moveDetector) findByCloudHandle(h protocol.NodeHandle, exclude *LocalNode) *LocalNode {
	n, ok := d.byCloudHandle[h]
	if !ok || n == exclude {
		return nil
	}
	return n
}

// fileSettled reports whether the file has stopped changing for long
// enough that a move/overwrite decision is safe. Editors that save via
// rename-over-temp look like moves of user data while mid-flight; we
// wait out FileUpdateDelay since the last observed mtime, but never
// longer than FileUpdateMaxDelay since we first saw it unsettled.
func (s *Sync) fileSettled(fsNode *scanner.FsNode) bool {
	if fsNode.Type != protocol.NodeTypeFile {
		return true
	}
	now := time.Now()
	// Mtimes are whole seconds; take the end of that second so a file
	// written just now is not already counted as quiet.
	mtime := time.Unix(fsNode.Mtime+1, 0)
	if now.Sub(mtime) >= s.engine.opts.FileUpdateDelay {
		delete(s.unsettledSince, fsNode.Localname)
		return true
	}
	first, ok := s.unsettledSince[fsNode.Localname]
	if !ok {
		s.unsettledSince[fsNode.Localname] = now
		return false
	}
	if now.Sub(first) >= s.engine.opts.FileUpdateMaxDelay {
		// Cap crossed; force a decision.
		delete(s.unsettledSince, fsNode.Localname)
		return true
	}
	return false
}
