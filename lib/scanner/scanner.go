// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner turns directories into fingerprinted FsNode lists. A
// shared worker pool serves scan requests from all syncs; requests
// complete asynchronously and are polled by the reconciler.
package scanner

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/stratosync/stratosync/lib/fs"
	"github.com/stratosync/stratosync/lib/protocol"
)

// FsNode is the snapshot of one directory entry produced by a scan.
type FsNode struct {
	Localname   string
	CloudName   string // normalized per the sync's folding rules
	Shortname   string
	Fsid        uint64
	FsidValid   bool
	Type        protocol.NodeType
	Size        int64
	Mtime       int64
	Fingerprint protocol.Fingerprint
	IsSymlink   bool
	IsBlocked   bool
}

// Spec describes one directory to scan.
type Spec struct {
	Filesystem fs.Filesystem
	Dir        string
	// DebrisPath, when non-empty, names a child excluded from results.
	DebrisPath string
	// CaseInsensitive selects the folding used for CloudName.
	CaseInsensitive bool
	// Reuse, when set, may return a known fingerprint for an entry so
	// the content hash can be skipped. The reconciler relies on this
	// being keyed on (name, size, mtime, fsid): an overwrite reusing an
	// inode changes size or mtime and misses here, so it is re-hashed.
	Reuse func(name string, size, mtime int64, fsid uint64) (protocol.Fingerprint, bool)
}

// Request is the handle to a pending scan.
type Request struct {
	spec Spec

	mut              sync.Mutex
	complete         bool
	results          []FsNode
	rootInaccessible bool
}

// Complete returns whether the scan has finished, and if so its
// results. A true rootInaccessible distinguishes an unopenable
// directory from an empty one.
func (r *Request) Complete() (done bool, results []FsNode, rootInaccessible bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.complete, r.results, r.rootInaccessible
}

func (r *Request) finish(results []FsNode, rootInaccessible bool) {
	r.mut.Lock()
	r.complete = true
	r.results = results
	r.rootInaccessible = rootInaccessible
	r.mut.Unlock()
}

// Service runs the shared scan worker pool.
type Service struct {
	queue   chan *Request
	wg      sync.WaitGroup
	stopped atomic.Bool
	rate    metrics.EWMA
	rateTot atomic.Int64
}

const queueDepth = 64

func NewService(workers int) *Service {
	if workers < 1 {
		workers = 1
	}
	s := &Service{
		queue: make(chan *Request, queueDepth),
		rate:  metrics.NewEWMA1(),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	go s.tick()
	return s
}

// Scan enqueues a request and returns its handle.
func (s *Service) Scan(spec Spec) *Request {
	req := &Request{spec: spec}
	if s.stopped.Load() {
		req.finish(nil, true)
		return req
	}
	s.queue <- req
	return req
}

// Stop closes the request queue, which ends every worker once it is
// drained, and waits for the pool to finish.
func (s *Service) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.queue)
	s.wg.Wait()
}

// ByteRate returns the exponentially weighted scan throughput in bytes
// per second.
func (s *Service) ByteRate() float64 {
	return s.rate.Rate()
}

func (s *Service) tick() {
	// The EWMA expects clock ticks every five seconds to decay.
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for range t.C {
		if s.stopped.Load() {
			return
		}
		s.rate.Tick()
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for req := range s.queue {
		if req == nil {
			// Terminate sentinel; also honored when sent explicitly.
			return
		}
		s.scanOne(req)
	}
}

func (s *Service) scanOne(req *Request) {
	spec := req.spec
	names, err := spec.Filesystem.DirNames(spec.Dir)
	if err != nil {
		l.Debugln("scan: cannot open", spec.Dir, err)
		req.finish(nil, true)
		return
	}
	sort.Strings(names)

	var nodes []FsNode
	for _, name := range names {
		if spec.DebrisPath != "" && name == spec.DebrisPath {
			continue
		}
		if fs.IsTemporary(name) {
			continue
		}
		child := joinRel(spec.Dir, name)
		info, err := spec.Filesystem.Lstat(child)
		if err != nil {
			if fs.IsNotExist(err) {
				// Raced with a delete; the entry simply isn't there.
				continue
			}
			nodes = append(nodes, FsNode{
				Localname: name,
				CloudName: fs.CanonicalName(name, spec.CaseInsensitive),
				IsBlocked: true,
			})
			continue
		}
		node := s.nodeFromInfo(spec, child, name, info)
		nodes = append(nodes, node)
	}
	req.finish(nodes, false)
}

func (s *Service) nodeFromInfo(spec Spec, path, name string, info fs.Info) FsNode {
	node := FsNode{
		Localname: name,
		CloudName: fs.CanonicalName(name, spec.CaseInsensitive),
		Fsid:      info.Fsid,
		FsidValid: info.FsidValid,
		Size:      info.Size,
		Mtime:     info.ModTime.Unix(),
	}

	if short, err := spec.Filesystem.Shortname(path); err == nil {
		node.Shortname = short
	}

	switch info.Type {
	case fs.TypeSymlink:
		node.Type = protocol.NodeTypeUnknown
		node.IsSymlink = true
		return node
	case fs.TypeDirectory:
		node.Type = protocol.NodeTypeFolder
		return node
	case fs.TypeFile:
		node.Type = protocol.NodeTypeFile
	default:
		node.Type = protocol.NodeTypeUnknown
		node.IsBlocked = true
		return node
	}

	if spec.Reuse != nil {
		if fp, ok := spec.Reuse(name, node.Size, node.Mtime, node.Fsid); ok {
			node.Fingerprint = fp
			return node
		}
	}

	fp, err := Fingerprint(spec.Filesystem, path, info)
	if err != nil {
		if fs.IsTransient(err) {
			l.Debugln("scan: transient open error, blocking", path, err)
		} else {
			l.Infof("Scanning %s: %v", path, err)
		}
		node.IsBlocked = true
		return node
	}
	node.Fingerprint = fp
	s.rateTot.Add(info.Size)
	s.rate.Update(info.Size)
	return node
}

func joinRel(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}
