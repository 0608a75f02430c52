// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"sort"

	"github.com/stratosync/stratosync/lib/cloud"
	"github.com/stratosync/stratosync/lib/scanner"
)

// syncRow is the reconciliation unit: one name's view across the cloud
// node, the last-synced LocalNode and the live filesystem entry, plus
// any same-name clashes on either side. Transient, rebuilt every pass.
type syncRow struct {
	cloudNode *cloud.Node
	node      *LocalNode
	fsNode    *scanner.FsNode

	cloudClashes []cloud.Node
	fsClashes    []scanner.FsNode
}

func (r *syncRow) hasClashes() bool {
	return len(r.cloudClashes) > 0 || len(r.fsClashes) > 0
}

// displayName for logs and stall paths.
func (r *syncRow) displayName() string {
	switch {
	case r.fsNode != nil:
		return r.fsNode.Localname
	case r.cloudNode != nil:
		return r.cloudNode.Name
	case r.node != nil:
		return r.node.name
	}
	return "?"
}

// computeSyncRows joins the three child sets of one folder by
// cloud-normalized name. Multiple same-key entries within one side
// become a clash list on that row rather than distinct rows. Entries
// matching the ignore predicate never make it into a row.
func (s *Sync) computeSyncRows(parent *LocalNode, cloudChildren []cloud.Node, fsNodes []scanner.FsNode) []syncRow {
	rows := make(map[string]*syncRow)
	rowFor := func(key string) *syncRow {
		r, ok := rows[key]
		if !ok {
			r = &syncRow{}
			rows[key] = r
		}
		return r
	}

	parentPath := parent.rawPath()
	ignored := func(name string) bool {
		if s.ignores == nil {
			return false
		}
		if parentPath == "." {
			return s.ignores.Match(name)
		}
		return s.ignores.Match(parentPath + "/" + name)
	}

	for i := range cloudChildren {
		cn := &cloudChildren[i]
		if ignored(cn.Name) {
			continue
		}
		r := rowFor(s.canonical(cn.Name))
		if r.cloudNode != nil {
			r.cloudClashes = append(r.cloudClashes, *r.cloudNode, *cn)
			r.cloudNode = nil
		} else if len(r.cloudClashes) > 0 {
			r.cloudClashes = append(r.cloudClashes, *cn)
		} else {
			r.cloudNode = cn
		}
	}

	for i := range fsNodes {
		fn := &fsNodes[i]
		if ignored(fn.Localname) {
			continue
		}
		r := rowFor(fn.CloudName)
		if r.fsNode != nil {
			r.fsClashes = append(r.fsClashes, *r.fsNode, *fn)
			r.fsNode = nil
		} else if len(r.fsClashes) > 0 {
			r.fsClashes = append(r.fsClashes, *fn)
		} else {
			r.fsNode = fn
		}
	}

	for key, n := range parent.children {
		rowFor(key).node = n
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	// A single sorted pass makes chained renames (a→b while b→c)
	// deterministic.
	sort.Strings(keys)

	out := make([]syncRow, 0, len(rows))
	for _, k := range keys {
		out = append(out, *rows[k])
	}
	return out
}
