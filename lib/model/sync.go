// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"context"
	"strings"
	"time"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/ignore"
	"github.com/stratosync/stratosync/lib/protocol"
	"github.com/stratosync/stratosync/lib/transfer"
	"github.com/stratosync/stratosync/lib/watchaggregator"
)

// Sync is the runtime of one configured sync: its LocalNode tree, scan
// state, stall bookkeeping and lifecycle. All fields are owned by the
// sync thread except where noted.
type Sync struct {
	engine     *Engine
	cfg        config.SyncConfig
	filesystem fs.Filesystem
	cloud      cloud.Client
	transfers  transfer.Manager
	ignores    *ignore.Matcher

	fsFingerprint   uint64
	fsStableIds     bool
	caseInsensitive bool

	root       *LocalNode
	statecache *stateCache
	debris     *localDebris
	expected   *expectedUploads

	// Change detection.
	notifyIn    chan []string
	notifyq     []string
	watchCancel context.CancelFunc
	watchErrs   <-chan error
	watchFailed bool

	periodicDue  time.Time
	triggerEarly bool

	// Past-tense pass flags: computed at the end of one pass, consulted
	// during the next. Deletes are not acted upon until both are true.
	scanningWasComplete bool
	movesWereComplete   bool

	// Current-pass accumulators.
	scanningComplete bool
	movesComplete    bool
	madeProgress     bool
	stalls           *StallInfo
	pendingCloudOps  int

	unsettledSince map[string]time.Time

	// Progress gate.
	noProgressPasses int
	retryBackoff     time.Duration
	backoffUntil     time.Time

	// transferCtx carries the cancel token handed to this sync's
	// transfers; disabling the sync cancels them all.
	transferCtx    context.Context
	transferCancel context.CancelFunc
}

func newSync(e *Engine, cfg config.SyncConfig, filesystem fs.Filesystem) *Sync {
	s := &Sync{
		engine:         e,
		cfg:            cfg,
		filesystem:     filesystem,
		cloud:          e.cloud,
		transfers:      e.transfers,
		notifyIn:       make(chan []string, 16),
		unsettledSince: make(map[string]time.Time),
		expected:       newExpectedUploads(),
		debris:         newLocalDebris(filesystem),
	}
	s.transferCtx, s.transferCancel = context.WithCancel(context.Background())
	return s
}

func (s *Sync) canonical(name string) string {
	return fs.CanonicalName(name, s.caseInsensitive)
}

// setRunState transitions the state and mirrors it into the config
// store.
func (s *Sync) setRunState(st config.RunState) {
	if s.cfg.RunState == st {
		return
	}
	s.cfg.RunState = st
	s.engine.updateConfig(s.cfg)
	s.engine.evLogger.Log(events.StateChanged, map[string]interface{}{
		"sync":  s.cfg.BackupID.String(),
		"state": st.String(),
	})
}

// setError records a permanent sync error and disables the sync,
// keeping the state cache.
func (s *Sync) setError(reason config.SyncError) {
	s.cfg.Error = reason
	s.cfg.Enabled = false
	s.stop(true)
	s.setRunState(config.RunStateDisable)
}

// start brings the sync from Pending through Loading into Run,
// following the state cache load sequence.
func (s *Sync) start() {
	if s.cfg.RunState == config.RunStateRun {
		return
	}
	s.setRunState(config.RunStateLoading)

	fp, err := s.filesystem.VolumeFingerprint()
	if err != nil {
		l.Infof("Sync %v: cannot fingerprint volume: %v", s.cfg.BackupID, err)
		fp = fs.UndefinedFingerprint
	}
	if s.cfg.FilesystemFingerprint != fs.UndefinedFingerprint && fp != s.cfg.FilesystemFingerprint {
		// A different volume is mounted where the sync used to live.
		// The cache cannot be trusted and neither can the fsids.
		s.setError(config.FilesystemFingerprintChanged)
		return
	}
	s.fsFingerprint = fp
	s.fsStableIds = fp != fs.UndefinedFingerprint
	s.caseInsensitive = s.filesystem.CaseInsensitive()

	rootInfo, err := s.filesystem.Lstat(".")
	if err != nil || !rootInfo.IsDir() {
		s.setError(config.LocalRootUnavailable)
		return
	}

	s.ignores, err = ignore.Load(s.filesystem, ignore.DefaultIgnoreFile)
	if err != nil {
		l.Infof("Sync %v: reading ignore file: %v", s.cfg.BackupID, err)
	}

	table, err := s.engine.dbBackend.Table(s.cfg.StateCacheName())
	if err != nil {
		s.setError(config.StateCacheIOFailure)
		return
	}
	s.statecache = newStateCache(table)

	s.root = &LocalNode{
		sync:      s,
		name:      ".",
		typ:       protocol.NodeTypeFolder,
		children:  make(map[string]*LocalNode),
		scanAgain: TreeActionSubtree,
		syncAgain: TreeActionSubtree,
	}
	s.root.bubble()
	s.root.setSyncedCloudHandle(s.cfg.Remote.Handle)
	if rootInfo.FsidValid {
		s.root.setSyncedFsid(rootInfo.Fsid)
	}

	if err := s.statecache.loadTree(s, s.root); err != nil {
		l.Warnf("Sync %v: state cache unreadable: %v", s.cfg.BackupID, err)
		s.setError(config.StateCacheIOFailure)
		return
	}
	// The root row in the cache carries the old remote handle; the
	// config is authoritative. Queue the root so a fresh cache gets its
	// anchor row.
	s.root.setSyncedCloudHandle(s.cfg.Remote.Handle)
	s.statecache.queuePut(s.root)

	// Shortname verification for every reattached node; mismatches
	// trigger a rescan of their parent on the first pass.
	s.walkTree(func(n *LocalNode) {
		n.verifyShortname(s.filesystem)
	})

	// The load sequence ends with a full-tree scan whose purpose is to
	// find what disappeared while we were away. The reconciler performs
	// it through the ordinary flags.
	s.root.setScanAgain(TreeActionSubtree)
	s.root.setSyncAgain(TreeActionSubtree)

	if s.cfg.IsBackup() {
		s.cfg.BackupState = resumeBackupState(&s.cfg)
		s.engine.updateConfig(s.cfg)
	}

	s.debris.acquireLock(s.cfg.LocalRoot)
	s.startChangeDetection()
	s.schedulePeriodicScan()
	s.setRunState(config.RunStateRun)
}

func (s *Sync) walkTree(fn func(*LocalNode)) {
	var walk func(*LocalNode)
	walk = func(n *LocalNode) {
		fn(n)
		for _, c := range n.children {
			walk(c)
		}
	}
	if s.root != nil {
		walk(s.root)
	}
}

func (s *Sync) startChangeDetection() {
	if s.cfg.ChangeDetection != config.ChangeDetectionNotifications {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	evChan, errChan, err := s.filesystem.Watch(".", ctx)
	if err != nil {
		cancel()
		s.notificationFailure(err)
		return
	}
	s.watchCancel = cancel
	s.watchErrs = errChan
	delay := s.engine.opts.NotifyDelay
	watchaggregator.Aggregate(ctx, evChan, s.notifyIn, delay, s.engine.opts.NotifyTimeout)
}

// notificationFailure handles an irrecoverably dead watcher: fall back
// to periodic scanning when configured, fail the sync otherwise.
func (s *Sync) notificationFailure(err error) {
	s.watchFailed = true
	if s.cfg.ScanIntervalSec > 0 {
		l.Infof("Sync %v: notifications failed (%v); falling back to periodic scanning", s.cfg.BackupID, err)
		s.cfg.Warning = config.FallingBackToPeriodicScan
		s.cfg.ChangeDetection = config.ChangeDetectionPeriodicScan
		s.engine.updateConfig(s.cfg)
		s.schedulePeriodicScan()
		return
	}
	l.Warnf("Sync %v: notifications failed irrecoverably: %v", s.cfg.BackupID, err)
	s.setError(config.NotificationSystemUnavailable)
}

func (s *Sync) schedulePeriodicScan() {
	if s.cfg.ScanIntervalSec > 0 {
		s.periodicDue = time.Now().Add(time.Duration(s.cfg.ScanIntervalSec) * time.Second)
	}
}

// TriggerPeriodicScanEarly forces the next pass to behave as if the
// periodic timer fired. Test hook.
func (s *Sync) TriggerPeriodicScanEarly() {
	s.triggerEarly = true
}

// stop halts activity. With keepCache the state cache is flushed for
// resume; without it the cache is destroyed so the next enable starts
// from scratch.
func (s *Sync) stop(keepCache bool) {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	s.transferCancel()
	s.transferCtx, s.transferCancel = context.WithCancel(context.Background())
	if s.statecache != nil {
		if keepCache {
			if err := s.statecache.flush(); err != nil {
				l.Warnf("Sync %v: flushing state cache: %v", s.cfg.BackupID, err)
			}
		} else {
			if err := s.statecache.truncate(); err != nil {
				l.Warnf("Sync %v: destroying state cache: %v", s.cfg.BackupID, err)
			}
		}
	}
	s.debris.releaseLock()
	s.pendingCloudOps = 0
	// Withdraw this tree's claims from the engine-wide identity
	// indexes; a resumed sync re-registers them on load.
	ix := s.engine.moveDetector
	s.walkTree(func(n *LocalNode) {
		if n.syncedFsid != 0 {
			ix.unsetSyncedFsid(s.fsFingerprint, n.syncedFsid, n)
		}
		if n.scannedFsid != 0 {
			ix.unsetScannedFsid(s.fsFingerprint, n.scannedFsid, n)
		}
		if !n.syncedCloudHandle.IsZero() {
			ix.unsetCloudHandle(n.syncedCloudHandle, n)
		}
	})
	s.root = nil
}

// pass runs one reconciliation pass if the sync is runnable and not
// backing off.
func (s *Sync) pass() {
	if s.cfg.RunState != config.RunStateRun {
		return
	}

	s.drainNotifications()

	if s.triggerEarly || (!s.periodicDue.IsZero() && time.Now().After(s.periodicDue)) {
		s.triggerEarly = false
		if s.root != nil {
			s.root.setScanAgain(TreeActionSubtree)
			s.root.setSyncAgain(TreeActionSubtree)
		}
		s.schedulePeriodicScan()
	}

	if s.watchErrs != nil {
		select {
		case err := <-s.watchErrs:
			s.watchErrs = nil
			s.notificationFailure(err)
			if s.cfg.RunState != config.RunStateRun {
				return
			}
		default:
		}
	}

	if !s.backoffUntil.IsZero() && time.Now().Before(s.backoffUntil) {
		return
	}

	metricReconcilerPasses.Inc()
	s.stalls = newStallInfo()
	s.madeProgress = false
	s.scanningComplete = true
	s.movesComplete = true
	s.expected.prune()

	s.engine.localNodeChangeMut.Lock()
	s.recursiveSync(s.root, ".")
	s.engine.localNodeChangeMut.Unlock()

	if err := s.statecache.flush(); err != nil {
		l.Warnf("Sync %v: state cache write failed: %v", s.cfg.BackupID, err)
		s.engine.stateCacheFailure(s)
		return
	}

	s.maybeFinishMirror(s.madeProgress, s.stalls)

	s.engine.stallReport.publish(s.cfg.BackupID, s.stalls)

	// Progress gate: consecutive no-progress passes with a non-empty
	// stall set back off the retry cadence. An immediate stall is
	// surfaced regardless of backoff.
	if !s.madeProgress && !s.stalls.empty() {
		s.noProgressPasses++
		if s.noProgressPasses >= noProgressThreshold {
			if s.retryBackoff == 0 {
				s.retryBackoff = time.Second
				if s.retryBackoff > s.engine.opts.StallBackoffCeiling {
					s.retryBackoff = s.engine.opts.StallBackoffCeiling
				}
			} else if s.retryBackoff < s.engine.opts.StallBackoffCeiling {
				s.retryBackoff *= 2
				if s.retryBackoff > s.engine.opts.StallBackoffCeiling {
					s.retryBackoff = s.engine.opts.StallBackoffCeiling
				}
			}
			s.backoffUntil = time.Now().Add(s.retryBackoff)
		}
	} else {
		s.noProgressPasses = 0
		s.retryBackoff = 0
		s.backoffUntil = time.Time{}
	}

	s.scanningWasComplete = s.scanningComplete
	s.movesWereComplete = s.movesComplete
}

const noProgressThreshold = 3

// drainNotifications converts queued path tokens into scan flags on the
// nearest existing LocalNode. A token whose tail does not resolve in
// the tree scans the resolved prefix and everything below it.
func (s *Sync) drainNotifications() {
	for {
		select {
		case batch := <-s.notifyIn:
			s.notifyq = append(s.notifyq, batch...)
		default:
			goto drained
		}
	}
drained:
	if len(s.notifyq) == 0 {
		return
	}
	var last string
	for _, token := range s.notifyq {
		if token == last {
			continue
		}
		last = token
		s.applyNotification(token)
	}
	s.notifyq = s.notifyq[:0]
}

func (s *Sync) applyNotification(token string) {
	if s.root == nil {
		return
	}
	node, unresolvedTail := s.nearestNode(token)
	// The scan flag goes on the containing folder; the token may name a
	// file.
	if node.children == nil && node.parent != nil {
		node = node.parent
	}
	if unresolvedTail {
		node.setScanAgain(TreeActionSubtree)
	} else {
		node.setScanAgain(TreeActionHere)
	}
	node.setSyncAgain(TreeActionHere)
	s.engine.evLogger.Log(events.LocalChangeDetected, map[string]interface{}{
		"sync": s.cfg.BackupID.String(),
		"path": token,
	})
}

// nearestNode walks the tree as far as the token resolves and reports
// whether any components were left over.
func (s *Sync) nearestNode(token string) (*LocalNode, bool) {
	node := s.root
	if token == "." || token == "" {
		return node, true
	}
	for _, comp := range strings.Split(token, "/") {
		child, ok := node.children[s.canonical(comp)]
		if !ok {
			return node, true
		}
		node = child
	}
	return node, false
}
