// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"fmt"

	"github.com/calmh/xdr"

	"github.com/stratosync/stratosync/lib/db"
	"github.com/stratosync/stratosync/lib/protocol"
)

// State cache record version. The high half is the major; records with
// a different major are refused rather than guessed at.
const (
	stateCacheVersion      = 1<<16 | 0
	stateCacheVersionMajor = stateCacheVersion >> 16
)

// Queued tree changes are flushed once the insert queue reaches this
// size, to bound memory during massive renames.
const insertQueueFlushThreshold = 50000

var errStateCacheVersion = errors.New("state cache record has unknown major version")

// stateCache buffers LocalNode inserts and deletes and drains them into
// the table in one transaction per batch. A crash loses only work since
// the last commit; the full-tree rescan on resume restores correctness.
type stateCache struct {
	table   db.Table
	insertq map[*LocalNode]struct{}
	deleteq map[uint32]struct{}
}

func newStateCache(table db.Table) *stateCache {
	return &stateCache{
		table:   table,
		insertq: make(map[*LocalNode]struct{}),
		deleteq: make(map[uint32]struct{}),
	}
}

func (c *stateCache) queuePut(n *LocalNode) {
	if c == nil || c.table == nil {
		return
	}
	c.insertq[n] = struct{}{}
	if len(c.insertq) >= insertQueueFlushThreshold {
		// Bound memory during massive renames; the batch commits early.
		if err := c.flush(); err != nil {
			l.Warnf("state cache early flush: %v", err)
		}
	}
}

func (c *stateCache) queueDel(dbid uint32) {
	if c == nil || c.table == nil || dbid == 0 {
		return
	}
	c.deleteq[dbid] = struct{}{}
}

// queueDelNode removes the node wherever it is queued and records its
// row for deletion.
func (c *stateCache) queueDelNode(n *LocalNode) {
	if c == nil || c.table == nil {
		return
	}
	delete(c.insertq, n)
	if n.dbid != 0 {
		c.deleteq[n.dbid] = struct{}{}
	}
}

func (c *stateCache) pendingWrites() int {
	return len(c.insertq) + len(c.deleteq)
}

// flush writes all queued changes in one transaction.
func (c *stateCache) flush() error {
	if c == nil || c.table == nil || c.pendingWrites() == 0 {
		return nil
	}

	c.table.Begin()
	// Assign row ids first, pulling in any unpersisted ancestors, so
	// every parentDbid written below is final. Without this, map
	// iteration order could write a child before its parent has an id.
	for n := range c.insertq {
		for cur := n; cur != nil; cur = cur.parent {
			if cur.dbid == 0 {
				id, err := c.table.NewID()
				if err != nil {
					c.table.Abort()
					return err
				}
				cur.dbid = id
				c.insertq[cur] = struct{}{}
			}
		}
	}
	for n := range c.insertq {
		if n.parent != nil {
			n.parentDbid = n.parent.dbid
		}
		if err := c.table.Put(n.dbid, encodeStateRecord(n)); err != nil {
			c.table.Abort()
			return err
		}
		delete(c.insertq, n)
	}
	for id := range c.deleteq {
		if err := c.table.Del(id); err != nil {
			c.table.Abort()
			return err
		}
		delete(c.deleteq, id)
	}
	return c.table.Commit()
}

func (c *stateCache) truncate() error {
	if c == nil || c.table == nil {
		return nil
	}
	c.insertq = make(map[*LocalNode]struct{})
	c.deleteq = make(map[uint32]struct{})
	return c.table.Truncate()
}

// stateRecord is the decoded form of one persisted row.
type stateRecord struct {
	dbid       uint32
	parentDbid uint32
	typ        protocol.NodeType
	fsid       uint64
	handle     protocol.NodeHandle
	fp         protocol.Fingerprint
	name       string
	shortname  string
}

func encodeStateRecord(n *LocalNode) []byte {
	name := []byte(n.name)
	short := []byte(n.slocalname)
	size := 4 + 4 + 4 + 8 + 8 + 8 + 16 + 8 +
		4 + len(name) + xdr.Padding(len(name)) +
		4 + len(short) + xdr.Padding(len(short))

	m := &xdr.Marshaller{Data: make([]byte, size)}
	m.MarshalUint32(stateCacheVersion)
	m.MarshalUint32(uint32(n.typ))
	m.MarshalUint32(n.parentDbid)
	m.MarshalUint64(n.syncedFsid)
	m.MarshalUint64(uint64(n.fingerprint.Size))
	m.MarshalUint64(uint64(n.fingerprint.Mtime))
	for _, crc := range n.fingerprint.CRC {
		m.MarshalUint32(crc)
	}
	m.MarshalUint64(uint64(n.syncedCloudHandle))
	m.MarshalBytes(name)
	m.MarshalBytes(short)
	return m.Data
}

func decodeStateRecord(dbid uint32, blob []byte) (stateRecord, error) {
	u := &xdr.Unmarshaller{Data: blob}
	version := u.UnmarshalUint32()
	if version>>16 != stateCacheVersionMajor {
		return stateRecord{}, fmt.Errorf("%w: %d", errStateCacheVersion, version>>16)
	}

	rec := stateRecord{dbid: dbid}
	rec.typ = protocol.NodeType(u.UnmarshalUint32())
	rec.parentDbid = u.UnmarshalUint32()
	rec.fsid = u.UnmarshalUint64()
	rec.fp.Size = int64(u.UnmarshalUint64())
	rec.fp.Mtime = int64(u.UnmarshalUint64())
	for i := range rec.fp.CRC {
		rec.fp.CRC[i] = u.UnmarshalUint32()
	}
	rec.handle = protocol.NodeHandle(u.UnmarshalUint64())
	rec.name = string(u.UnmarshalBytes())
	rec.shortname = string(u.UnmarshalBytes())
	if u.Error != nil {
		return stateRecord{}, u.Error
	}
	return rec, nil
}

// Trees deeper than this are attached over several passes rather than
// one unbounded descent.
const maxLoadDepthPerBatch = 100

// loadTree reads all rows and rebuilds the LocalNode tree below root.
// Rows are grouped by parent id, then attached depth first starting at
// the root, at most maxLoadDepthPerBatch levels per pass. Orphaned rows
// (parent gone) are dropped from the table.
func (c *stateCache) loadTree(s *Sync, root *LocalNode) error {
	if err := c.table.Rewind(); err != nil {
		return err
	}

	byParent := make(map[uint32][]stateRecord)
	var rootRec *stateRecord
	for {
		id, blob, ok := c.table.Next()
		if !ok {
			break
		}
		rec, err := decodeStateRecord(id, blob)
		if err != nil {
			return err
		}
		if rec.parentDbid == 0 {
			r := rec
			rootRec = &r
			continue
		}
		byParent[rec.parentDbid] = append(byParent[rec.parentDbid], rec)
	}

	if rootRec == nil {
		// Empty or fresh table: initial scan territory.
		return nil
	}
	root.dbid = rootRec.dbid
	root.setSyncedFsid(rootRec.fsid)
	root.setSyncedCloudHandle(rootRec.handle)

	type attachItem struct {
		parent *LocalNode
		depth  int
	}
	pending := []attachItem{{parent: root, depth: 0}}
	attached := map[uint32]struct{}{rootRec.dbid: {}}

	limit := maxLoadDepthPerBatch
	for len(pending) > 0 {
		var next []attachItem
		for _, item := range pending {
			if item.depth >= limit {
				next = append(next, item)
				continue
			}
			for _, rec := range byParent[item.parent.dbid] {
				n := newLocalNode(s, item.parent, rec.name, rec.typ)
				n.dbid = rec.dbid
				n.parentDbid = rec.parentDbid
				n.slocalname = rec.shortname
				n.fingerprint = rec.fp
				n.setSyncedFsid(rec.fsid)
				n.setSyncedCloudHandle(rec.handle)
				attached[rec.dbid] = struct{}{}
				next = append(next, attachItem{parent: n, depth: item.depth + 1})
			}
			delete(byParent, item.parent.dbid)
		}
		pending = next
		limit += maxLoadDepthPerBatch
	}

	// Whatever remains grouped was orphaned by a torn write; drop it.
	for _, recs := range byParent {
		for _, rec := range recs {
			l.Debugln("state cache: dropping orphaned row", rec.dbid, rec.name)
			c.deleteq[rec.dbid] = struct{}{}
		}
	}
	return nil
}
