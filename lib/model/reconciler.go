// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"time"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/scanner"
	"github.com/stratosync/stratosync/lib/transfer"

	"golang.org/x/time/rate"
)

// The reconciler works one folder at a time, recursively: join the
// three child sets by normalized name, test each row against the move
// detector, then dispatch on which of (cloud, synced, fs) are present.
// A row that cannot resolve this pass simply leaves its flags set; the
// outer loop revisits. There are no blocking waits in here.

// recursiveSync processes one folder and its flagged descendants.
// Returns whether the subtree is fully resolved.
func (s *Sync) recursiveSync(node *LocalNode, dirPath string) bool {
	// Cooperative disable, observed at the top of each folder iteration.
	if s.cfg.RunState != config.RunStateRun {
		return false
	}
	if node == nil || node.children == nil {
		return true
	}
	if !node.attention && node.scanAgain == TreeResolved && node.syncAgain == TreeResolved {
		return true
	}

	if node.scanAgain == TreeResolved && node.syncAgain == TreeResolved && node.lastFolderScan == nil {
		// This folder itself is settled; only descendants are flagged.
		// Descend without rescanning here.
		all := true
		for _, c := range node.children {
			if c.children == nil {
				continue
			}
			if !c.attention && c.scanAgain == TreeResolved && c.syncAgain == TreeResolved {
				continue
			}
			if c.pendingCloudOps > 0 {
				all = false
				continue
			}
			if !s.recursiveSync(c, joinRelPath(dirPath, c.name)) {
				all = false
			}
		}
		if all && node.pendingCloudOps == 0 {
			node.attention = false
			return true
		}
		return false
	}

	if node.scanAgain != TreeResolved || node.lastFolderScan == nil {
		if !s.ensureScanned(node, dirPath) {
			s.scanningComplete = false
			return false
		}
	}

	// A HERE_AND_BELOW flag propagates to the children and downgrades
	// to HERE_ONLY on the parent.
	if node.scanAgain == TreeActionSubtree {
		for _, c := range node.children {
			if c.children != nil {
				c.setScanAgain(TreeActionSubtree)
			}
		}
	}
	node.scanAgain = TreeResolved
	if node.syncAgain == TreeActionSubtree {
		for _, c := range node.children {
			if c.children != nil {
				c.setSyncAgain(TreeActionSubtree)
			}
		}
	}
	node.syncAgain = TreeActionHere

	var cloudChildren []cloud.Node
	if !node.syncedCloudHandle.IsZero() {
		cloudChildren = s.cloud.Children(node.syncedCloudHandle)
	}

	rows := s.computeSyncRows(node, cloudChildren, node.lastFolderScan)

	allResolved := true
	sawBlocked := false
	for i := range rows {
		row := &rows[i]
		if row.hasClashes() {
			s.recordNameConflict(node, row)
			allResolved = false
			continue
		}
		if row.fsNode != nil && row.fsNode.IsBlocked {
			sawBlocked = true
		}
		if !s.syncItem(row, node, dirPath) {
			allResolved = false
		}
	}
	if !sawBlocked && node.scanBlocked {
		node.unblockScans()
	}

	// Recurse into child folders that need attention. Before descending
	// we require that no commands of ours are outstanding on the
	// child's cloud node, so we never act on state we are mutating.
	for i := range rows {
		child := rows[i].node
		if child == nil || child.children == nil || child.parent != node {
			continue
		}
		if rows[i].fsNode == nil {
			// Not on disk this pass: either just deleted (the row
			// handling above deals with it) or just created and not yet
			// rescanned. Descending would only hit ENOENT.
			continue
		}
		if !child.attention && child.scanAgain == TreeResolved && child.syncAgain == TreeResolved {
			continue
		}
		if child.pendingCloudOps > 0 || (rows[i].cloudNode != nil && rows[i].cloudNode.HasPendingChanges) {
			allResolved = false
			continue
		}
		childPath := joinRelPath(dirPath, child.name)
		if !s.recursiveSync(child, childPath) {
			allResolved = false
		}
	}

	if allResolved && node.pendingCloudOps == 0 {
		node.syncAgain = TreeResolved
		node.attention = false
		// The cached scan list is only valid while we keep revisiting.
		node.lastFolderScan = nil
	}
	return allResolved
}

// ensureScanned makes sure a completed scan of the folder is at hand,
// issuing one if needed. At most one scan per folder every
// FolderScanInterval of wall time.
func (s *Sync) ensureScanned(node *LocalNode, dirPath string) bool {
	if node.scanRequest != nil {
		done, results, inaccessible := node.scanRequest.Complete()
		if !done {
			return false
		}
		node.scanRequest = nil
		if inaccessible {
			if node.isRoot() {
				s.setError(config.LocalRootUnavailable)
				return false
			}
			node.blockScans()
			s.stallLocal(node.localAbsPath(), StallEntry{
				Reason:    FileIssue,
				LocalPath: StallPath{Path: node.localAbsPath(), Problem: FilesystemErrorListingFolder},
			})
			return false
		}
		node.lastFolderScan = results
		return true
	}

	if node.scanBlocked && time.Now().Before(node.scanBlockedUntil) {
		return false
	}

	if node.scanLimiter == nil {
		node.scanLimiter = rate.NewLimiter(rate.Every(s.engine.opts.FolderScanInterval), 1)
	}
	if !node.scanLimiter.Allow() {
		return false
	}

	debrisName := ""
	if node.isRoot() {
		debrisName = debrisDirName
	}
	node.scanRequest = s.engine.scanService.Scan(scanner.Spec{
		Filesystem:      s.filesystem,
		Dir:             dirPath,
		DebrisPath:      debrisName,
		CaseInsensitive: s.caseInsensitive,
		Reuse: func(name string, size, mtime int64, fsid uint64) (protocol.Fingerprint, bool) {
			// Safe to skip hashing only when all of (name, size,
			// mtime, fsid) match what we synced before; an overwrite
			// landing on the same inode changes size or mtime and is
			// re-hashed.
			child, ok := node.children[s.canonical(name)]
			if !ok || child.typ != protocol.NodeTypeFile {
				return protocol.Fingerprint{}, false
			}
			if child.syncedFsid == fsid && child.fingerprint.Size == size && child.fingerprint.Mtime == mtime {
				return child.fingerprint, true
			}
			return protocol.Fingerprint{}, false
		},
	})
	return false
}

// syncItem advances one row. Returns whether the row resolved.
func (s *Sync) syncItem(row *syncRow, parent *LocalNode, parentPath string) bool {
	if row.fsNode != nil {
		if row.fsNode.IsSymlink {
			// Logged, not traversed, not uploaded, never a LocalNode.
			// The row re-resolves if it disappears or becomes a real
			// file or directory.
			l.Debugln("ignoring symlink", joinRelPath(parentPath, row.fsNode.Localname))
			return true
		}
		if row.fsNode.IsBlocked {
			parent.blockScans()
			parent.setScanAgain(TreeActionHere)
			p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, row.fsNode.Localname)
			s.stallLocal(p, StallEntry{
				Reason:    FileIssue,
				LocalPath: StallPath{Path: p, Problem: CannotFingerprintFile},
			})
			return false
		}
	}

	if handled, resolved := s.checkLocalPathForMovesRenames(row, parent, parentPath); handled {
		return resolved
	}
	if handled, resolved := s.checkCloudPathForMovesRenames(row, parent, parentPath); handled {
		return resolved
	}

	c, sn, f := row.cloudNode != nil, row.node != nil, row.fsNode != nil
	switch {
	case !c && !sn && !f:
		panic("bug: empty sync row")
	case !c && !sn && f:
		return s.resolveMakeSyncNodeFromFS(row, parent, parentPath)
	case !c && sn && !f:
		return s.resolveDelSyncNode(row)
	case !c && sn && f:
		return s.resolveCloudNodeGone(row, parent, parentPath)
	case c && !sn && !f:
		return s.resolveMakeSyncNodeFromCloud(row, parent, parentPath)
	case c && !sn && f:
		return s.resolveBothAppeared(row, parent, parentPath)
	case c && sn && !f:
		return s.resolveFsNodeGone(row, parent)
	default:
		return s.resolveAllPresent(row, parent, parentPath)
	}
}

// checkLocalPathForMovesRenames recognizes a filesystem entry that is
// really a known inode moved from elsewhere, and turns it into a cloud
// move instead of a delete-plus-upload.
func (s *Sync) checkLocalPathForMovesRenames(row *syncRow, parent *LocalNode, parentPath string) (handled, resolved bool) {
	fsNode := row.fsNode
	if fsNode == nil || !fsNode.FsidValid || !s.fsStableIds {
		return false, false
	}
	src := s.engine.moveDetector.findBySyncedFsid(s, fsNode.Fsid, fsNode.Type, &fsNode.Fingerprint, row.node)
	if src == nil {
		// A never-synced node whose upload is still in flight may have
		// been moved under us. Re-keying it is enough: the putnodes at
		// transfer completion lands against the parent at that time.
		if inFlight := s.engine.moveDetector.findByScannedFsid(s, fsNode.Fsid, fsNode.Type, row.node); inFlight != nil &&
			inFlight.pendingCloudOps > 0 && inFlight.syncedCloudHandle.IsZero() &&
			!(inFlight.parent == parent && s.canonical(inFlight.name) == fsNode.CloudName) {
			oldParent := inFlight.parent
			l.Debugf("in-flight upload moved: %s -> %s", inFlight.rawPath(), joinRelPath(parentPath, fsNode.Localname))
			inFlight.moveTo(parent, fsNode.Localname)
			if oldParent != nil {
				oldParent.setScanAgain(TreeActionHere)
				oldParent.setSyncAgain(TreeActionHere)
			}
			s.madeProgress = true
			return true, true
		}
		return false, false
	}
	if src == row.node {
		return false, false
	}
	if src.parent == parent && s.canonical(src.name) == fsNode.CloudName {
		return false, false
	}

	// A file still being written looks like a move of user data while
	// an editor is mid save-via-rename; wait for it to settle.
	if !s.fileSettled(fsNode) {
		s.movesComplete = false
		return true, false
	}

	targetHandle := parent.syncedCloudHandle
	if targetHandle.IsZero() {
		// Pending parent creation; neither failed nor advanced.
		s.movesComplete = false
		return true, false
	}

	// Both sides moving the same node independently is for the user to
	// untangle.
	if cn, ok := s.cloud.NodeByHandle(src.syncedCloudHandle); ok {
		srcParentHandle := protocol.UndefHandle
		if src.parent != nil {
			srcParentHandle = src.parent.syncedCloudHandle
		}
		if cn.Parent != srcParentHandle || s.canonical(cn.Name) != s.canonical(src.name) {
			s.stallLocal(src.localAbsPath(), StallEntry{
				Reason:          MoveOrRenameCannotOccur,
				LocalPath:       StallPath{Path: src.localAbsPath(), Problem: SourceWasMovedElsewhere},
				LocalPath2:      StallPath{Path: s.cfg.LocalRoot + "/" + joinRelPath(parentPath, fsNode.Localname)},
				CloudPath:       StallPath{Path: src.cloudPath(), Problem: SourceWasMovedElsewhere},
				CloudPath2:      StallPath{Path: cn.Name},
				ImmediateAction: true,
			})
			return true, false
		}
	} else {
		// The cloud side of the source is gone too; let the regular
		// case handling sort the rows out.
		return false, false
	}

	// Overwrite-by-move: the target name's cloud node is the victim and
	// goes to the cloud debris first.
	if row.cloudNode != nil && row.cloudNode.Handle != src.syncedCloudHandle {
		victim := row.cloudNode.Handle
		s.cloudOpStart(row.node)
		s.cloud.MoveToDebris(victim, s.completion(row.node, func(err error) {
			if err != nil {
				l.Debugln("debris move failed:", err)
			}
		}))
		if row.node != nil {
			row.node.destroy()
		}
	}

	oldParent := src.parent
	l.Debugf("local move detected: %s -> %s", src.rawPath(), joinRelPath(parentPath, fsNode.Localname))
	metricMutations.WithLabelValues("cloud-move").Inc()

	moved := src
	s.cloudOpStart(moved)
	s.cloud.Rename(src.syncedCloudHandle, targetHandle, fsNode.Localname, s.completion(moved, func(err error) {
		if err != nil {
			l.Infof("Sync %v: cloud move failed: %v", s.cfg.BackupID, err)
			if moved.parent != nil {
				moved.parent.setSyncAgain(TreeActionHere)
			}
			return
		}
		moved.markSynced(moved.syncedFsid, moved.syncedCloudHandle, moved.fingerprint, "", moved.slocalname)
	}))

	src.moveTo(parent, fsNode.Localname)
	src.setScannedFsid(fsNode.Fsid)
	if src.syncedFsid != fsNode.Fsid {
		src.setSyncedFsid(fsNode.Fsid)
	}
	if oldParent != nil {
		oldParent.setScanAgain(TreeActionHere)
		oldParent.setSyncAgain(TreeActionHere)
	}
	s.madeProgress = true
	return true, true
}

// checkCloudPathForMovesRenames is the symmetric side: a cloud handle
// that reappeared elsewhere commands a filesystem rename.
func (s *Sync) checkCloudPathForMovesRenames(row *syncRow, parent *LocalNode, parentPath string) (handled, resolved bool) {
	cn := row.cloudNode
	if cn == nil {
		return false, false
	}
	src := s.engine.moveDetector.findByCloudHandle(cn.Handle, row.node)
	if src == nil || src == row.node {
		return false, false
	}
	if src.parent == parent && s.canonical(src.name) == s.canonical(cn.Name) {
		return false, false
	}
	if src.sync != s {
		// Handle claimed by another sync: that sync sees its side
		// disappear and resolves it there.
		return false, false
	}

	from := src.rawPath()
	to := joinRelPath(parentPath, cn.Name)
	l.Debugf("cloud move detected: %s -> %s", from, to)
	metricMutations.WithLabelValues("local-move").Inc()

	if err := s.filesystem.Rename(from, to); err != nil {
		if fs.IsPermanent(err) {
			p := s.cfg.LocalRoot + "/" + to
			s.stallLocal(p, StallEntry{
				Reason:    MoveOrRenameCannotOccur,
				LocalPath: StallPath{Path: s.cfg.LocalRoot + "/" + from, Problem: SourceWasMovedElsewhere},
				CloudPath: StallPath{Path: src.cloudPath()},
			})
			return true, false
		}
		// Transient (target blocked): defer until the next scan tick.
		s.movesComplete = false
		return true, false
	}

	oldParent := src.parent
	src.moveTo(parent, cn.Name)
	src.markSynced(src.syncedFsid, cn.Handle, cn.Fingerprint, "", src.slocalname)
	if oldParent != nil {
		oldParent.setScanAgain(TreeActionHere)
		oldParent.setSyncAgain(TreeActionHere)
	}
	parent.setScanAgain(TreeActionHere)
	s.madeProgress = true
	return true, true
}

// resolveMakeSyncNodeFromFS: new locally (XXF).
func (s *Sync) resolveMakeSyncNodeFromFS(row *syncRow, parent *LocalNode, parentPath string) bool {
	if !s.cfg.Type.IsUpload() {
		// Download-only syncs ignore local additions.
		return true
	}
	fsNode := row.fsNode
	if fsNode.Type == protocol.NodeTypeFile && !s.fileSettled(fsNode) {
		s.movesComplete = false
		return false
	}

	n := newLocalNode(s, parent, fsNode.Localname, fsNode.Type)
	n.slocalname = fsNode.Shortname
	if fsNode.FsidValid {
		n.setScannedFsid(fsNode.Fsid)
	}

	switch fsNode.Type {
	case protocol.NodeTypeFolder:
		return s.createCloudFolder(n, parent, fsNode)
	case protocol.NodeTypeFile:
		return s.queueUpload(n, fsNode, joinRelPath(parentPath, fsNode.Localname))
	default:
		return true
	}
}

// resolveDelSyncNode: deleted on both sides (XSX).
func (s *Sync) resolveDelSyncNode(row *syncRow) bool {
	// The node may be an in-flight upload whose file just moved away;
	// give move detection a complete picture before letting go.
	if row.node.pendingCloudOps > 0 || !s.scanningWasComplete || !s.movesWereComplete {
		return false
	}
	row.node.destroy()
	s.madeProgress = true
	return true
}

// resolveCloudNodeGone: cloud disappeared while the local entry remains
// (XSF).
func (s *Sync) resolveCloudNodeGone(row *syncRow, parent *LocalNode, parentPath string) bool {
	// Moves first, deletes after: act only once scans and move
	// detection had a complete picture.
	if !s.scanningWasComplete || !s.movesWereComplete {
		return false
	}
	node := row.node
	if node.pendingCloudOps > 0 {
		return false
	}
	if node.syncedCloudHandle.IsZero() {
		// Never made it to the cloud in the first place; retry the
		// creation rather than treating this as a remote deletion.
		node.destroy()
		parent.setSyncAgain(TreeActionHere)
		return false
	}
	if _, ok := s.cloud.NodeByHandle(node.syncedCloudHandle); ok {
		// Moved out in the cloud; the target row does the rename.
		return false
	}

	if s.cfg.IsBackup() && s.cfg.BackupState == config.BackupStateMonitor {
		s.backupForeignChange(node.cloudPath())
		return false
	}

	if !s.cfg.Type.IsDownload() {
		// Upload-flavored syncs ignore remote deletions: the entry is
		// simply no longer synced and uploads fresh next pass.
		node.destroy()
		parent.setSyncAgain(TreeActionHere)
		s.madeProgress = true
		return false
	}

	victimPath := joinRelPath(parentPath, row.fsNode.Localname)
	parked, err := s.debris.park(victimPath)
	if err != nil {
		p := s.cfg.LocalRoot + "/" + victimPath
		entry := StallEntry{
			Reason:    FileIssue,
			LocalPath: StallPath{Path: p, Problem: FilesystemErrorDuringOperation},
		}
		if err == errDebrisExhausted {
			entry.LocalPath.Problem = CannotCreateDebris
		}
		s.stallLocal(p, entry)
		return false
	}
	l.Debugln("cloud deletion propagated,", victimPath, "->", parked)
	metricMutations.WithLabelValues("local-debris").Inc()
	node.destroy()
	parent.setScanAgain(TreeActionHere)
	s.madeProgress = true
	return true
}

// resolveMakeSyncNodeFromCloud: new remotely (CXX).
func (s *Sync) resolveMakeSyncNodeFromCloud(row *syncRow, parent *LocalNode, parentPath string) bool {
	cn := row.cloudNode

	if s.cfg.IsBackup() {
		switch s.cfg.BackupState {
		case config.BackupStateMonitor:
			s.backupForeignChange(parent.cloudPath() + "/" + cn.Name)
			return false
		case config.BackupStateMirror:
			// Mirror brings the cloud to match local: a cloud node with
			// no local counterpart goes to the cloud debris.
			s.cloudOpStart(parent)
			s.cloud.MoveToDebris(cn.Handle, s.completion(parent, func(err error) {
				if err != nil {
					l.Infof("Sync %v: removing foreign node: %v", s.cfg.BackupID, err)
				}
				parent.setSyncAgain(TreeActionHere)
			}))
			metricMutations.WithLabelValues("cloud-debris").Inc()
			s.madeProgress = true
			return false
		}
	}
	if !s.cfg.Type.IsDownload() {
		// Upload-only ignores remote additions.
		return true
	}

	switch cn.Type {
	case protocol.NodeTypeFolder:
		n := newLocalNode(s, parent, cn.Name, protocol.NodeTypeFolder)
		if err := s.filesystem.Mkdir(joinRelPath(parentPath, cn.Name)); err != nil && !fs.IsTransient(err) {
			p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, cn.Name)
			s.stallLocal(p, StallEntry{
				Reason:    CannotCreateFolder,
				LocalPath: StallPath{Path: p, Problem: FilesystemErrorDuringOperation},
			})
			n.destroy()
			return false
		}
		n.setSyncedCloudHandle(cn.Handle)
		s.statecache.queuePut(n)
		parent.setScanAgain(TreeActionHere)
		metricMutations.WithLabelValues("mkdir").Inc()
		s.madeProgress = true
		return false
	case protocol.NodeTypeFile:
		n := newLocalNode(s, parent, cn.Name, protocol.NodeTypeFile)
		return s.queueDownload(n, cn, joinRelPath(parentPath, cn.Name))
	default:
		return true
	}
}

// resolveBothAppeared: appeared on both sides with no synced state
// (CXF).
func (s *Sync) resolveBothAppeared(row *syncRow, parent *LocalNode, parentPath string) bool {
	cn, fsNode := row.cloudNode, row.fsNode

	if cn.Type == protocol.NodeTypeFolder && fsNode.Type == protocol.NodeTypeFolder {
		n := newLocalNode(s, parent, fsNode.Localname, protocol.NodeTypeFolder)
		n.slocalname = fsNode.Shortname
		if fsNode.FsidValid {
			n.setScannedFsid(fsNode.Fsid)
		}
		n.markSynced(fsNode.Fsid, cn.Handle, protocol.Fingerprint{}, "", fsNode.Shortname)
		s.madeProgress = true
		return false // descend next pass
	}

	if cn.Type != fsNode.Type {
		p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, fsNode.Localname)
		s.stallLocal(p, StallEntry{
			Reason:          FolderMatchedAgainstFile,
			LocalPath:       StallPath{Path: p},
			CloudPath:       StallPath{Path: parent.cloudPath() + "/" + cn.Name},
			ImmediateAction: true,
		})
		return false
	}

	if cn.Fingerprint.Equal(fsNode.Fingerprint) {
		// Same bytes on both sides: join as synced without a transfer.
		n := newLocalNode(s, parent, fsNode.Localname, protocol.NodeTypeFile)
		n.markSynced(fsNode.Fsid, cn.Handle, fsNode.Fingerprint, "", fsNode.Shortname)
		s.madeProgress = true
		return true
	}

	if s.cfg.IsBackup() && s.cfg.BackupState == config.BackupStateMonitor {
		s.backupForeignChange(parent.cloudPath() + "/" + cn.Name)
		return false
	}

	p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, fsNode.Localname)
	s.stallLocal(p, StallEntry{
		Reason:          LocalAndRemotePreviouslyUnsyncedDifferUserMustChoose,
		LocalPath:       StallPath{Path: p},
		CloudPath:       StallPath{Path: parent.cloudPath() + "/" + cn.Name},
		ImmediateAction: true,
	})
	return false
}

// resolveFsNodeGone: local disappeared while the cloud node remains
// (CSX).
func (s *Sync) resolveFsNodeGone(row *syncRow, parent *LocalNode) bool {
	if !s.scanningWasComplete || !s.movesWereComplete {
		return false
	}
	node := row.node
	if node.pendingCloudOps > 0 {
		return false
	}

	if s.cfg.Type == config.TypeDown {
		// Download-only ignores local deletions; the entry re-downloads.
		node.destroy()
		parent.setSyncAgain(TreeActionHere)
		s.madeProgress = true
		return false
	}

	l.Debugln("local deletion propagated to cloud for", node.rawPath())
	metricMutations.WithLabelValues("cloud-debris").Inc()
	gone := node
	s.cloudOpStart(parent)
	s.cloud.MoveToDebris(node.syncedCloudHandle, s.completion(parent, func(err error) {
		if err != nil {
			l.Infof("Sync %v: cloud debris move failed: %v", s.cfg.BackupID, err)
			parent.setSyncAgain(TreeActionHere)
			return
		}
		gone.destroy()
	}))
	s.madeProgress = true
	return false
}

// resolveAllPresent: all three present (CSF).
func (s *Sync) resolveAllPresent(row *syncRow, parent *LocalNode, parentPath string) bool {
	cn, node, fsNode := row.cloudNode, row.node, row.fsNode

	// While our own command on this node is outstanding, the three
	// views are transiently inconsistent; judge nothing.
	if node.pendingCloudOps > 0 {
		return false
	}

	if cn.Type != fsNode.Type || node.typ != fsNode.Type {
		p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, fsNode.Localname)
		s.stallLocal(p, StallEntry{
			Reason:          FolderMatchedAgainstFile,
			LocalPath:       StallPath{Path: p},
			CloudPath:       StallPath{Path: parent.cloudPath() + "/" + cn.Name},
			ImmediateAction: true,
		})
		return false
	}

	if fsNode.Type == protocol.NodeTypeFolder {
		// Folder content equality is established recursively, not here.
		if node.syncedFsid != fsNode.Fsid || node.syncedCloudHandle != cn.Handle || node.name != fsNode.Localname {
			node.markSynced(fsNode.Fsid, cn.Handle, node.fingerprint, fsNode.Localname, fsNode.Shortname)
		}
		return true
	}

	cloudEq := cn.Fingerprint.Equal(node.fingerprint)
	fsEq := fsNode.Fingerprint.Equal(node.fingerprint)

	switch {
	case cloudEq && fsEq:
		if node.syncedFsid != fsNode.Fsid || node.syncedCloudHandle != cn.Handle || node.name != fsNode.Localname {
			node.markSynced(fsNode.Fsid, cn.Handle, node.fingerprint, fsNode.Localname, fsNode.Shortname)
		}
		return true

	case cloudEq && !fsEq:
		// Local edit.
		if !s.cfg.Type.IsUpload() {
			return true
		}
		if !s.fileSettled(fsNode) {
			s.movesComplete = false
			return false
		}
		return s.queueUpload(node, fsNode, joinRelPath(parentPath, fsNode.Localname))

	case !cloudEq && fsEq:
		// Remote edit.
		if s.cfg.IsBackup() {
			if s.cfg.BackupState == config.BackupStateMonitor {
				s.backupForeignChange(node.cloudPath())
				return false
			}
			// Mirror overwrites the foreign edit with local content.
			return s.queueUpload(node, fsNode, joinRelPath(parentPath, fsNode.Localname))
		}
		if !s.cfg.Type.IsDownload() {
			return true
		}
		return s.queueDownload(node, cn, joinRelPath(parentPath, fsNode.Localname))

	default:
		p := s.cfg.LocalRoot + "/" + joinRelPath(parentPath, fsNode.Localname)
		s.stallLocal(p, StallEntry{
			Reason:          LocalAndRemoteChangedSinceLastSyncedStateUserMustChoose,
			LocalPath:       StallPath{Path: p},
			CloudPath:       StallPath{Path: node.cloudPath()},
			ImmediateAction: true,
		})
		return false
	}
}

// createCloudFolder commands creation of the cloud counterpart of a new
// local folder.
func (s *Sync) createCloudFolder(n *LocalNode, parent *LocalNode, fsNode *scanner.FsNode) bool {
	parentHandle := parent.syncedCloudHandle
	if parentHandle.IsZero() {
		// Parent creation still pending; revisit.
		return false
	}
	if ctrl := s.engine.controller; ctrl != nil && ctrl.DeferPutnodes(s.cfg.BackupID, n.rawPath()) {
		return false
	}

	s.expected.expect(parentHandle, fsNode.Localname)
	made := n
	fsid := fsNode.Fsid
	s.cloudOpStart(made)
	s.cloud.PutNodes(parentHandle, []cloud.NodeSpec{{
		Name: fsNode.Localname,
		Type: protocol.NodeTypeFolder,
	}}, false, func(res cloud.PutNodesResult, err error) {
		s.engine.postSync(func() {
			s.cloudOpDone(made)
			if made.parent == nil {
				return
			}
			if err != nil || len(res.Handles) == 0 {
				l.Infof("Sync %v: creating cloud folder %q: %v", s.cfg.BackupID, made.name, err)
				made.parent.setSyncAgain(TreeActionHere)
				return
			}
			made.markSynced(fsid, res.Handles[0], protocol.Fingerprint{}, "", made.slocalname)
			made.setSyncAgain(TreeActionSubtree)
		})
	})
	metricMutations.WithLabelValues("cloud-mkdir").Inc()
	s.madeProgress = true
	return false
}

// queueUpload stages a local file for upload. The putnodes is issued at
// transfer completion against the node's parent at that time, so a
// rename or move while the bytes are in flight lands the node at its
// final location with no extra versions and no cancelled transfer.
func (s *Sync) queueUpload(n *LocalNode, fsNode *scanner.FsNode, relPath string) bool {
	if n.pendingCloudOps > 0 {
		return false
	}
	if ctrl := s.engine.controller; ctrl != nil && ctrl.DeferUpload(s.cfg.BackupID, relPath) {
		return false
	}

	up := n
	if fsNode.FsidValid && n.scannedFsid != fsNode.Fsid {
		n.setScannedFsid(fsNode.Fsid)
	}
	fsid := fsNode.Fsid
	s.cloudOpStart(up)
	s.engine.evLogger.Log(events.ItemStarted, map[string]interface{}{
		"sync": s.cfg.BackupID.String(),
		"path": relPath,
		"kind": "upload",
	})
	s.transfers.StartXfer(&transfer.File{
		Direction:   transfer.Upload,
		LocalPath:   relPath,
		Fingerprint: fsNode.Fingerprint,
		SyncOrigin:  true,
		Ctx:         s.transferCtx,
		Done: func(res transfer.Result) {
			s.engine.postSync(func() {
				s.uploadTransferred(up, fsid, res)
			})
		},
	})
	metricMutations.WithLabelValues("upload").Inc()
	s.madeProgress = true
	return false
}

// uploadTransferred runs on the sync thread when the staged content is
// ready; it issues the putnodes against the node's current parent.
func (s *Sync) uploadTransferred(n *LocalNode, fsid uint64, res transfer.Result) {
	if res.Err != nil {
		s.cloudOpDone(n)
		l.Infof("Sync %v: upload of %q failed: %v", s.cfg.BackupID, n.name, res.Err)
		if n.parent != nil {
			n.parent.setSyncAgain(TreeActionHere)
		}
		return
	}
	if n.parent == nil {
		// Destroyed while in flight.
		s.cloudOpDone(n)
		return
	}
	parentHandle := n.parent.syncedCloudHandle
	if parentHandle.IsZero() {
		s.cloudOpDone(n)
		n.parent.setSyncAgain(TreeActionHere)
		return
	}
	if ctrl := s.engine.controller; ctrl != nil && ctrl.DeferPutnodes(s.cfg.BackupID, n.rawPath()) {
		// Vetoed for test ordering: retry from scratch next pass.
		s.cloudOpDone(n)
		n.parent.setSyncAgain(TreeActionHere)
		return
	}

	name := n.name
	s.expected.expect(parentHandle, name)
	fp := res.Fingerprint
	s.cloud.PutNodes(parentHandle, []cloud.NodeSpec{{
		Name:        name,
		Type:        protocol.NodeTypeFile,
		Fingerprint: fp,
		Content:     res.Content,
	}}, true, func(pres cloud.PutNodesResult, err error) {
		s.engine.postSync(func() {
			if ctrl := s.engine.controller; ctrl != nil && ctrl.DeferPutnodesCompletion(s.cfg.BackupID, n.rawPath()) {
				s.engine.postSync(func() { s.putnodesFinished(n, fsid, fp, pres, err) })
				return
			}
			s.putnodesFinished(n, fsid, fp, pres, err)
		})
	})
}

func (s *Sync) putnodesFinished(n *LocalNode, fsid uint64, fp protocol.Fingerprint, res cloud.PutNodesResult, err error) {
	s.cloudOpDone(n)
	if n.parent == nil {
		// Destroyed while the command was in flight; the created cloud
		// node shows up as CXX on a later pass and is reconciled then.
		return
	}
	if err != nil || len(res.Handles) == 0 {
		l.Infof("Sync %v: putnodes for %q failed: %v", s.cfg.BackupID, n.name, err)
		if n.parent != nil {
			n.parent.setSyncAgain(TreeActionHere)
		}
		return
	}
	n.markSynced(fsid, res.Handles[0], fp, "", n.slocalname)
	s.engine.evLogger.Log(events.ItemFinished, map[string]interface{}{
		"sync": s.cfg.BackupID.String(),
		"path": n.rawPath(),
		"kind": "upload",
	})
	if n.parent != nil {
		n.parent.setSyncAgain(TreeActionHere)
	}
}

// queueDownload fetches a cloud file into place.
func (s *Sync) queueDownload(n *LocalNode, cn *cloud.Node, relPath string) bool {
	if n.pendingCloudOps > 0 {
		return false
	}
	down := n
	handle := cn.Handle
	fp := cn.Fingerprint
	s.cloudOpStart(down)
	s.engine.evLogger.Log(events.ItemStarted, map[string]interface{}{
		"sync": s.cfg.BackupID.String(),
		"path": relPath,
		"kind": "download",
	})
	s.transfers.StartXfer(&transfer.File{
		Direction:   transfer.Download,
		LocalPath:   relPath,
		Handle:      handle,
		Fingerprint: fp,
		SyncOrigin:  true,
		Ctx:         s.transferCtx,
		Done: func(res transfer.Result) {
			s.engine.postSync(func() {
				s.cloudOpDone(down)
				if down.parent == nil {
					return
				}
				if res.Err != nil {
					l.Infof("Sync %v: download of %q failed: %v", s.cfg.BackupID, relPath, res.Err)
					down.parent.setSyncAgain(TreeActionHere)
					return
				}
				down.fingerprint = fp
				down.setSyncedCloudHandle(handle)
				s.statecache.queuePut(down)
				// Rescan to learn the fsid of the fresh file.
				down.parent.setScanAgain(TreeActionHere)
				down.parent.setSyncAgain(TreeActionHere)
				s.engine.evLogger.Log(events.ItemFinished, map[string]interface{}{
					"sync": s.cfg.BackupID.String(),
					"path": relPath,
					"kind": "download",
				})
			})
		},
	})
	metricMutations.WithLabelValues("download").Inc()
	s.madeProgress = true
	return false
}

// completion wraps a cloud command callback so it runs on the sync
// thread and keeps the pending-operation accounting straight.
func (s *Sync) completion(n *LocalNode, fn func(error)) cloud.Completion {
	return func(err error) {
		s.engine.postSync(func() {
			s.cloudOpDone(n)
			fn(err)
		})
	}
}

func (s *Sync) cloudOpStart(n *LocalNode) {
	s.pendingCloudOps++
	if n != nil {
		n.pendingCloudOps++
	}
}

func (s *Sync) cloudOpDone(n *LocalNode) {
	if s.pendingCloudOps > 0 {
		s.pendingCloudOps--
	}
	if n != nil && n.pendingCloudOps > 0 {
		n.pendingCloudOps--
	}
}

// recordNameConflict lifts same-key siblings out of the row set and
// publishes them; the conflict bit propagates to the sync root.
func (s *Sync) recordNameConflict(parent *LocalNode, row *syncRow) {
	conflict := NameConflict{
		CloudPath: parent.cloudPath(),
		LocalPath: parent.localAbsPath(),
		SyncID:    s.cfg.BackupID,
	}
	for _, cn := range row.cloudClashes {
		conflict.CloudNames = append(conflict.CloudNames, cn.Name)
	}
	for _, fn := range row.fsClashes {
		conflict.LocalNames = append(conflict.LocalNames, fn.Localname)
	}
	s.stalls.NameConflicts = append(s.stalls.NameConflicts, conflict)
	for p := parent; p != nil; p = p.parent {
		p.conflictBelow = true
	}
	s.engine.evLogger.Log(events.ConflictDetected, map[string]interface{}{
		"sync":  s.cfg.BackupID.String(),
		"cloud": conflict.CloudNames,
		"local": conflict.LocalNames,
	})
}

func (s *Sync) stallLocal(path string, entry StallEntry) {
	entry.SyncID = s.cfg.BackupID
	if entry.Reason == NoStallReason {
		entry.Reason = FileIssue
	}
	s.stalls.waitingLocal(path, entry)
}

func (s *Sync) stallCloud(path string, entry StallEntry) {
	entry.SyncID = s.cfg.BackupID
	if entry.Reason == NoStallReason {
		entry.Reason = FileIssue
	}
	s.stalls.waitingCloud(path, entry)
}

func joinRelPath(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}
