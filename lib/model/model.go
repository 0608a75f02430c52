// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package model implements the sync engine core: the reconciler, the
// LocalNode trees, move detection, stall reporting and the sync
// lifecycle. One dedicated sync thread owns all of it; other threads
// talk to it through closure queues and snapshots.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/config"
	"github.com/stratosync/stratosync/lib/db"
	"github.com/stratosync/stratosync/lib/events"
	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/ignore"
	"github.com/stratosync/stratosync/lib/scanner"
	"github.com/stratosync/stratosync/lib/sync"
	"github.com/stratosync/stratosync/lib/transfer"
)

var (
	ErrSyncExists       = errors.New("sync already exists")
	ErrSyncNotFound     = errors.New("sync not found")
	ErrPathNested       = errors.New("path nested with an existing sync")
	ErrRootMissing      = errors.New("local root does not exist")
	ErrIgnoreFileNeeded = errors.New("ignore file required but missing")
)

// Controller is the test-only hook that can veto uploads, putnodes and
// putnodes completions to give tests deterministic ordering. A vetoed
// step is retried on a later pass.
type Controller interface {
	DeferUpload(id config.BackupID, path string) bool
	DeferPutnodes(id config.BackupID, path string) bool
	DeferPutnodesCompletion(id config.BackupID, path string) bool
}

// FilesystemFactory opens the filesystem rooted at a sync's local root.
type FilesystemFactory func(localRoot string) (fs.Filesystem, error)

type Options struct {
	// FileUpdateDelay is how long a file must be quiet before a
	// move/overwrite decision involving it is trusted.
	FileUpdateDelay time.Duration
	// FileUpdateMaxDelay caps the above; crossing it forces a decision.
	FileUpdateMaxDelay time.Duration
	// FolderScanInterval rate-limits scans of a single folder.
	FolderScanInterval time.Duration
	// NotifyDelay and NotifyTimeout drive notification aggregation.
	NotifyDelay   time.Duration
	NotifyTimeout time.Duration
	// ScanBlockedBase and ScanBlockedCeiling bound the blocked-path
	// backoff.
	ScanBlockedBase    time.Duration
	ScanBlockedCeiling time.Duration
	// StallBackoffCeiling caps the no-progress retry backoff.
	StallBackoffCeiling time.Duration
	// PassInterval is the sync thread's idle tick.
	PassInterval time.Duration
	// ScanWorkers sizes the shared scan pool.
	ScanWorkers int
	// RequireIgnoreFile makes AddSync fail when the root lacks one.
	RequireIgnoreFile bool
}

func (o *Options) fillDefaults() {
	if o.FileUpdateDelay == 0 {
		o.FileUpdateDelay = 3 * time.Second
	}
	if o.FileUpdateMaxDelay == 0 {
		o.FileUpdateMaxDelay = 60 * time.Second
	}
	if o.FolderScanInterval == 0 {
		o.FolderScanInterval = 2 * time.Second
	}
	if o.NotifyDelay == 0 {
		o.NotifyDelay = time.Second
	}
	if o.NotifyTimeout == 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.ScanBlockedBase == 0 {
		o.ScanBlockedBase = time.Second
	}
	if o.ScanBlockedCeiling == 0 {
		o.ScanBlockedCeiling = 5 * time.Minute
	}
	if o.StallBackoffCeiling == 0 {
		o.StallBackoffCeiling = 5 * time.Minute
	}
	if o.PassInterval == 0 {
		o.PassInterval = 50 * time.Millisecond
	}
	if o.ScanWorkers == 0 {
		o.ScanWorkers = 4
	}
}

const overlayCacheSize = 512

// PathState is the answer to the shell's "is this path synced" query.
type PathState int

const (
	PathUnknown PathState = iota
	PathSynced
	PathPending
)

// Engine owns the set of SyncConfigs and their runtimes.
type Engine struct {
	opts Options

	cfgStore  *config.Store
	dbBackend db.Backend
	cloud     cloud.Client
	transfers transfer.Manager
	fsFactory FilesystemFactory
	evLogger  *events.Logger

	scanService  *scanner.Service
	moveDetector *moveDetector

	syncs      []*Sync
	syncVecMut sync.Mutex

	// Held exclusive by the sync thread while mutating any LocalNode
	// tree; UI queries try-read it and fall back to the overlay cache.
	localNodeChangeMut sync.RWMutex
	overlayCache       *lru.Cache[string, PathState]

	stallReport *stallReport

	syncThreadActions   *actionQueue
	clientThreadActions *actionQueue

	controller Controller

	stateCacheFailures int
}

func NewEngine(store *config.Store, backend db.Backend, client cloud.Client, transfers transfer.Manager, fsFactory FilesystemFactory, evLogger *events.Logger, opts Options) *Engine {
	opts.fillDefaults()
	cache, _ := lru.New[string, PathState](overlayCacheSize)
	if evLogger == nil {
		evLogger = events.Default
	}
	return &Engine{
		opts:                opts,
		cfgStore:            store,
		dbBackend:           backend,
		cloud:               client,
		transfers:           transfers,
		fsFactory:           fsFactory,
		evLogger:            evLogger,
		scanService:         scanner.NewService(opts.ScanWorkers),
		moveDetector:        newMoveDetector(),
		syncVecMut:          sync.NewMutex(),
		localNodeChangeMut:  sync.NewRWMutex(),
		overlayCache:        cache,
		stallReport:         newStallReport(),
		syncThreadActions:   newActionQueue(),
		clientThreadActions: newActionQueue(),
	}
}

// LoadSyncs instantiates runtimes for every persisted config and
// resumes the enabled ones.
func (e *Engine) LoadSyncs() error {
	if err := e.cfgStore.LoadDrive(""); err != nil {
		return err
	}
	for _, cfg := range e.cfgStore.Configs() {
		if err := e.instantiate(cfg, cfg.Enabled); err != nil {
			l.Warnf("Resuming sync %v: %v", cfg.BackupID, err)
		}
	}
	return nil
}

// AddSync validates, persists and optionally starts a new sync.
func (e *Engine) AddSync(cfg config.SyncConfig, startImmediately bool) error {
	e.syncVecMut.Lock()
	for _, s := range e.syncs {
		if s.cfg.BackupID == cfg.BackupID {
			e.syncVecMut.Unlock()
			return ErrSyncExists
		}
		if nestedPaths(s.cfg.LocalRoot, cfg.LocalRoot) {
			e.syncVecMut.Unlock()
			return fmt.Errorf("%w: %s vs %s", ErrPathNested, cfg.LocalRoot, s.cfg.LocalRoot)
		}
	}
	e.syncVecMut.Unlock()

	filesystem, err := e.fsFactory(cfg.LocalRoot)
	if err != nil {
		return err
	}
	info, err := filesystem.Lstat(".")
	if err != nil || !info.IsDir() {
		return ErrRootMissing
	}
	fp, err := filesystem.VolumeFingerprint()
	if err != nil {
		return err
	}
	cfg.FilesystemFingerprint = fp
	if info.FsidValid {
		cfg.LocalRootFsid = info.Fsid
	}
	if e.opts.RequireIgnoreFile {
		if _, err := filesystem.Lstat(ignore.DefaultIgnoreFile); err != nil {
			return ErrIgnoreFileNeeded
		}
	}
	if cfg.IsBackup() {
		cfg.BackupState = config.BackupStateMirror
	}
	cfg.Enabled = startImmediately
	cfg.RunState = config.RunStatePending

	if err := e.cloud.RegisterSyncRoot(cfg.Remote.Handle); err != nil {
		return err
	}

	if cfg.IsExternal() {
		if err := e.cfgStore.LoadDrive(cfg.ExternalDrivePath); err != nil {
			return fmt.Errorf("%w: %v", errConfigIO, err)
		}
	}
	if err := e.cfgStore.Add(cfg); err != nil {
		return err
	}

	e.evLogger.Log(events.SyncAdded, map[string]interface{}{"sync": cfg.BackupID.String()})
	return e.instantiate(cfg, startImmediately)
}

var errConfigIO = errors.New("config store I/O failure")

func (e *Engine) instantiate(cfg config.SyncConfig, start bool) error {
	filesystem, err := e.fsFactory(cfg.LocalRoot)
	if err != nil {
		cfg.Error = config.ConfigReadFailure
		cfg.RunState = config.RunStateDisable
		e.cfgStore.Update(cfg)
		return err
	}
	s := newSync(e, cfg, filesystem)

	e.syncVecMut.Lock()
	e.syncs = append(e.syncs, s)
	e.syncVecMut.Unlock()

	if start {
		e.postSync(s.start)
	}
	e.refreshActiveMetric()
	return nil
}

// Enable transitions a disabled or pending sync towards Run.
func (e *Engine) Enable(id config.BackupID) error {
	s := e.findSync(id)
	if s == nil {
		return ErrSyncNotFound
	}
	e.postSync(func() {
		s.cfg.Enabled = true
		s.cfg.Error = config.NoSyncError
		s.cfg.Warning = config.NoSyncWarning
		if s.cfg.IsBackup() {
			// Re-enabling after BackupModified (or anything else)
			// restarts the mirror.
			s.cfg.BackupState = config.BackupStateMirror
		}
		e.updateConfig(s.cfg)
		s.start()
		e.refreshActiveMetric()
	})
	return nil
}

// Disable stops the sync with a reason. Without keepCache the state
// cache is destroyed and the next enable starts from scratch.
func (e *Engine) Disable(id config.BackupID, reason config.SyncError, keepCache bool) error {
	s := e.findSync(id)
	if s == nil {
		return ErrSyncNotFound
	}
	e.postSync(func() {
		s.cfg.Enabled = false
		s.cfg.Error = reason
		s.stop(keepCache)
		if !keepCache {
			if err := e.dbBackend.DropTable(s.cfg.StateCacheName()); err != nil {
				l.Warnf("Dropping state cache for %v: %v", id, err)
			}
		}
		s.setRunState(config.RunStateDisable)
		e.stallReport.publish(id, nil)
		e.refreshActiveMetric()
	})
	return nil
}

// DeregisterAndRemove synchronously removes the cloud-side registration
// and deletes the local state cache. Fails without side effects if the
// cloud call fails.
func (e *Engine) DeregisterAndRemove(id config.BackupID) error {
	s := e.findSync(id)
	if s == nil {
		return ErrSyncNotFound
	}
	if err := e.cloud.DeregisterSyncRoot(s.cfg.Remote.Handle); err != nil {
		return err
	}

	done := make(chan struct{})
	e.postSync(func() {
		defer close(done)
		s.stop(false)
		s.setRunState(config.RunStateDisable)
	})
	<-done

	if err := e.dbBackend.DropTable(s.cfg.StateCacheName()); err != nil {
		l.Warnf("Dropping state cache for %v: %v", id, err)
	}
	e.cfgStore.Remove(id)

	e.syncVecMut.Lock()
	for i, cur := range e.syncs {
		if cur == s {
			e.syncs = append(e.syncs[:i], e.syncs[i+1:]...)
			break
		}
	}
	e.syncVecMut.Unlock()

	e.stallReport.publish(id, nil)
	e.evLogger.Log(events.SyncRemoved, map[string]interface{}{"sync": id.String()})
	e.refreshActiveMetric()
	return nil
}

// Configs returns a snapshot for the UI.
func (e *Engine) Configs(onlyActive bool) []config.SyncConfig {
	e.syncVecMut.Lock()
	defer e.syncVecMut.Unlock()
	out := make([]config.SyncConfig, 0, len(e.syncs))
	for _, s := range e.syncs {
		if onlyActive && s.cfg.RunState != config.RunStateRun {
			continue
		}
		out = append(out, s.cfg)
	}
	return out
}

// Problems returns the published stall and conflict snapshot.
func (e *Engine) Problems() Problems {
	return e.stallReport.snapshot()
}

// SetController installs the test-only ordering hook.
func (e *Engine) SetController(c Controller) {
	e.controller = c
}

// TriggerPeriodicScanEarly forces the named sync's next pass to behave
// as if its periodic timer fired. Test hook.
func (e *Engine) TriggerPeriodicScanEarly(id config.BackupID) {
	if s := e.findSync(id); s != nil {
		e.postSync(s.TriggerPeriodicScanEarly)
	}
}

func (e *Engine) findSync(id config.BackupID) *Sync {
	e.syncVecMut.Lock()
	defer e.syncVecMut.Unlock()
	for _, s := range e.syncs {
		if s.cfg.BackupID == id {
			return s
		}
	}
	return nil
}

// SyncRun posts fn to the sync thread and waits for it. For synchronous
// UI queries; long-running callbacks do not belong here, and a warning
// is logged if the round trip takes unreasonably long.
func (e *Engine) SyncRun(fn func()) {
	done := make(chan struct{})
	start := time.Now()
	e.postSync(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(slowRoundTrip):
		l.Warnf("SyncRun round trip exceeding %v; posted from a slow or blocked context?", slowRoundTrip)
		<-done
	}
	if d := time.Since(start); d > slowRoundTrip {
		l.Warnf("SyncRun round trip took %v", d)
	}
}

// QueueSync posts fire-and-forget work to the sync thread.
func (e *Engine) QueueSync(fn func()) { e.postSync(fn) }

// QueueClient posts fire-and-forget work to the client thread.
func (e *Engine) QueueClient(fn func()) { e.clientThreadActions.post(fn) }

func (e *Engine) postSync(fn func()) { e.syncThreadActions.post(fn) }

// PathSyncState answers whether the path below the given sync is in the
// synced state. Never blocks the caller: if the tree lock cannot be had
// quickly the last cached answer is returned.
func (e *Engine) PathSyncState(id config.BackupID, relPath string) PathState {
	key := id.String() + "/" + relPath
	if !e.localNodeChangeMut.TryRLockFor(50 * time.Millisecond) {
		if st, ok := e.overlayCache.Get(key); ok {
			return st
		}
		return PathUnknown
	}
	defer e.localNodeChangeMut.RUnlock()

	st := PathUnknown
	if s := e.findSync(id); s != nil && s.root != nil {
		if node, unresolved := s.nearestNode(relPath); !unresolved {
			if node.attention || node.syncAgain != TreeResolved || node.scanAgain != TreeResolved {
				st = PathPending
			} else {
				st = PathSynced
			}
		}
	}
	e.overlayCache.Add(key, st)
	return st
}

// Serve runs the sync thread until ctx is cancelled. Implements
// suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	e.evLogger.Log(events.Starting, nil)
	ticker := time.NewTicker(e.opts.PassInterval)
	defer ticker.Stop()
	e.evLogger.Log(events.StartupComplete, nil)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case fn := <-e.syncThreadActions.ch:
			fn()
			e.syncThreadActions.drain()
		case <-ticker.C:
			e.Step()
		}
	}
}

// ServeClient drains the client thread queue. Implements
// suture.Service; in production the cloud RPC layer runs here.
func (e *Engine) ServeClient(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PassInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.clientThreadActions.ch:
			fn()
			e.clientThreadActions.drain()
		case <-ticker.C:
		}
	}
}

// Step runs one iteration of the sync thread: queued actions, remote
// update tokens, then one pass over every runnable sync. Exposed so
// tests can drive the engine deterministically without timers.
func (e *Engine) Step() {
	e.syncThreadActions.drain()
	e.drainCloudUpdates()

	e.syncVecMut.Lock()
	syncs := append([]*Sync(nil), e.syncs...)
	e.syncVecMut.Unlock()

	for _, s := range syncs {
		s.pass()
	}
}

func (e *Engine) drainCloudUpdates() {
	select {
	case <-e.cloud.Updated():
		e.evLogger.Log(events.RemoteChangeDetected, nil)
		e.syncVecMut.Lock()
		for _, s := range e.syncs {
			if s.root != nil {
				s.root.setSyncAgain(TreeActionSubtree)
			}
		}
		e.syncVecMut.Unlock()
	default:
	}
}

func (e *Engine) shutdown() {
	e.syncVecMut.Lock()
	syncs := append([]*Sync(nil), e.syncs...)
	e.syncVecMut.Unlock()
	for _, s := range syncs {
		if s.cfg.RunState == config.RunStateRun {
			s.stop(true)
			s.setRunState(config.RunStatePause)
		}
	}
	e.scanService.Stop()
	e.cfgStore.Flush()
}

// updateConfig persists a changed config record.
func (e *Engine) updateConfig(cfg config.SyncConfig) {
	if err := e.cfgStore.Update(cfg); err != nil {
		l.Warnf("Persisting config for %v: %v", cfg.BackupID, err)
	}
	e.evLogger.Log(events.ConfigSaved, nil)
}

// stateCacheFailure counts state cache write failures; repeated ones
// disable every sync, reported once.
func (e *Engine) stateCacheFailure(failed *Sync) {
	e.stateCacheFailures++
	if e.stateCacheFailures < 3 {
		failed.root.bubble()
		return
	}
	l.Warnln("State cache I/O failing repeatedly; disabling all syncs")
	e.syncVecMut.Lock()
	syncs := append([]*Sync(nil), e.syncs...)
	e.syncVecMut.Unlock()
	for _, s := range syncs {
		if s.cfg.RunState == config.RunStateRun {
			s.setError(config.StateCacheIOFailure)
		}
	}
}

func (e *Engine) refreshActiveMetric() {
	e.syncVecMut.Lock()
	active := 0
	for _, s := range e.syncs {
		if s.cfg.Enabled {
			active++
		}
	}
	e.syncVecMut.Unlock()
	metricActiveSyncs.Set(float64(active))
}

// nestedPaths reports whether one root contains the other.
func nestedPaths(a, b string) bool {
	a = strings.TrimRight(a, "/")
	b = strings.TrimRight(b, "/")
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
