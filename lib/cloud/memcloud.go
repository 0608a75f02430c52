// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package cloud

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratosync/stratosync/lib/protocol"
)

// Memcloud implements Client in memory. Commands take effect
// synchronously and completions run in the caller's goroutine, which
// preserves acknowledgement order the way the network thread's FIFO
// response handler does in production.
type Memcloud struct {
	mut        sync.Mutex
	nodes      map[protocol.NodeHandle]*memNode
	root       protocol.NodeHandle
	debrisRoot protocol.NodeHandle
	nextHandle protocol.NodeHandle
	updated    chan struct{}
	syncRoots  map[protocol.NodeHandle]struct{}

	// OnPutNodes, when set, runs before a PutNodes takes effect and may
	// return an error to fail the call. Tests use it to inject failures
	// and ordering.
	OnPutNodes func(parent protocol.NodeHandle, nodes []NodeSpec) error
}

type memNode struct {
	node     Node
	children map[string]protocol.NodeHandle
	content  []byte
}

func NewMemcloud() *Memcloud {
	m := &Memcloud{
		nodes:      make(map[protocol.NodeHandle]*memNode),
		nextHandle: 0x1000,
		updated:    make(chan struct{}, 1),
		syncRoots:  make(map[protocol.NodeHandle]struct{}),
	}
	m.root = m.newNodeLocked(0, protocol.NodeTypeFolder, "", protocol.Fingerprint{}, nil)
	m.debrisRoot = m.newNodeLocked(0, protocol.NodeTypeFolder, "SyncDebris", protocol.Fingerprint{}, nil)
	return m
}

func (m *Memcloud) newNodeLocked(parent protocol.NodeHandle, typ protocol.NodeType, name string, fp protocol.Fingerprint, content []byte) protocol.NodeHandle {
	m.nextHandle++
	h := m.nextHandle
	n := &memNode{
		node: Node{
			Handle:      h,
			Parent:      parent,
			Type:        typ,
			Name:        name,
			Fingerprint: fp,
		},
		content: content,
	}
	if typ == protocol.NodeTypeFolder {
		n.children = make(map[string]protocol.NodeHandle)
	}
	m.nodes[h] = n
	if p, ok := m.nodes[parent]; ok {
		p.children[name] = h
	}
	return h
}

func (m *Memcloud) signal() {
	select {
	case m.updated <- struct{}{}:
	default:
	}
}

func (m *Memcloud) Root() protocol.NodeHandle { return m.root }

func (m *Memcloud) DebrisRoot() protocol.NodeHandle { return m.debrisRoot }

func (m *Memcloud) NodeByHandle(h protocol.NodeHandle) (Node, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	n, ok := m.nodes[h]
	if !ok {
		return Node{}, false
	}
	return n.node, true
}

func (m *Memcloud) Children(parent protocol.NodeHandle) []Node {
	m.mut.Lock()
	defer m.mut.Unlock()
	p, ok := m.nodes[parent]
	if !ok || p.children == nil {
		return nil
	}
	out := make([]Node, 0, len(p.children))
	for _, h := range p.children {
		out = append(out, m.nodes[h].node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memcloud) Rename(h, newParent protocol.NodeHandle, newName string, done Completion) {
	err := m.rename(h, newParent, newName)
	if done != nil {
		done(err)
	}
}

func (m *Memcloud) rename(h, newParent protocol.NodeHandle, newName string) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	n, ok := m.nodes[h]
	if !ok {
		return ErrNodeNotFound
	}
	np, ok := m.nodes[newParent]
	if !ok || np.children == nil {
		return ErrParentNotFound
	}
	if existing, ok := np.children[newName]; ok && existing != h {
		return ErrNameExists
	}
	if op, ok := m.nodes[n.node.Parent]; ok {
		delete(op.children, n.node.Name)
	}
	n.node.Parent = newParent
	n.node.Name = newName
	np.children[newName] = h
	m.signal()
	return nil
}

func (m *Memcloud) SetAttr(h protocol.NodeHandle, newName string, done Completion) {
	m.mut.Lock()
	n, ok := m.nodes[h]
	var err error
	if !ok {
		err = ErrNodeNotFound
	} else {
		if op, pok := m.nodes[n.node.Parent]; pok {
			delete(op.children, n.node.Name)
			op.children[newName] = h
		}
		n.node.Name = newName
		m.signal()
	}
	m.mut.Unlock()
	if done != nil {
		done(err)
	}
}

func (m *Memcloud) PutNodes(parent protocol.NodeHandle, nodes []NodeSpec, versioning bool, done func(PutNodesResult, error)) {
	res, err := m.putNodes(parent, nodes, versioning)
	if done != nil {
		done(res, err)
	}
}

func (m *Memcloud) putNodes(parent protocol.NodeHandle, nodes []NodeSpec, versioning bool) (PutNodesResult, error) {
	if hook := m.OnPutNodes; hook != nil {
		if err := hook(parent, nodes); err != nil {
			return PutNodesResult{}, err
		}
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.nodes[parent]
	if !ok || p.children == nil {
		return PutNodesResult{}, ErrParentNotFound
	}
	var res PutNodesResult
	for _, spec := range nodes {
		if old, ok := p.children[spec.Name]; ok {
			if !versioning || m.nodes[old].node.Type == protocol.NodeTypeFolder {
				return PutNodesResult{}, ErrNameExists
			}
			// Versioned overwrite replaces the visible node.
			delete(m.nodes, old)
			delete(p.children, spec.Name)
		}
		h := m.newNodeLocked(parent, spec.Type, spec.Name, spec.Fingerprint, append([]byte(nil), spec.Content...))
		res.Handles = append(res.Handles, h)
	}
	m.signal()
	return res, nil
}

func (m *Memcloud) Unlink(h protocol.NodeHandle, permanent bool, done Completion) {
	err := m.unlink(h)
	if done != nil {
		done(err)
	}
}

func (m *Memcloud) unlink(h protocol.NodeHandle) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	n, ok := m.nodes[h]
	if !ok {
		return ErrNodeNotFound
	}
	m.removeSubtreeLocked(h)
	if op, ok := m.nodes[n.node.Parent]; ok {
		delete(op.children, n.node.Name)
	}
	m.signal()
	return nil
}

func (m *Memcloud) removeSubtreeLocked(h protocol.NodeHandle) {
	n, ok := m.nodes[h]
	if !ok {
		return
	}
	for _, ch := range n.children {
		m.removeSubtreeLocked(ch)
	}
	delete(m.nodes, h)
}

func (m *Memcloud) MoveToDebris(h protocol.NodeHandle, done Completion) {
	m.mut.Lock()
	n, ok := m.nodes[h]
	m.mut.Unlock()
	if !ok {
		if done != nil {
			done(ErrNodeNotFound)
		}
		return
	}
	// Duplicate names are fine in debris; disambiguate with a stamp.
	name := n.node.Name
	if _, exists := m.lookupChild(m.debrisRoot, name); exists {
		name = name + "." + time.Now().Format("20060102-150405.000000000")
	}
	err := m.rename(h, m.debrisRoot, name)
	if done != nil {
		done(err)
	}
}

func (m *Memcloud) lookupChild(parent protocol.NodeHandle, name string) (protocol.NodeHandle, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	p, ok := m.nodes[parent]
	if !ok || p.children == nil {
		return 0, false
	}
	h, ok := p.children[name]
	return h, ok
}

func (m *Memcloud) Updated() <-chan struct{} { return m.updated }

func (m *Memcloud) RegisterSyncRoot(h protocol.NodeHandle) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	if _, ok := m.nodes[h]; !ok {
		return ErrNodeNotFound
	}
	m.syncRoots[h] = struct{}{}
	return nil
}

func (m *Memcloud) DeregisterSyncRoot(h protocol.NodeHandle) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	if _, ok := m.syncRoots[h]; !ok {
		return ErrNodeNotFound
	}
	delete(m.syncRoots, h)
	return nil
}

// Test helpers below.

// MkdirAll creates the folder path below the root and returns the
// handle of the last component.
func (m *Memcloud) MkdirAll(p string) protocol.NodeHandle {
	m.mut.Lock()
	defer m.mut.Unlock()

	cur := m.root
	for _, comp := range strings.Split(path.Clean(p), "/") {
		if comp == "" || comp == "." {
			continue
		}
		n := m.nodes[cur]
		if h, ok := n.children[comp]; ok {
			cur = h
			continue
		}
		cur = m.newNodeLocked(cur, protocol.NodeTypeFolder, comp, protocol.Fingerprint{}, nil)
	}
	m.signal()
	return cur
}

// PutFile creates or replaces a file at the path below the root.
func (m *Memcloud) PutFile(p string, content []byte, fp protocol.Fingerprint) protocol.NodeHandle {
	dir, base := path.Split(path.Clean(p))
	parent := m.MkdirAll(dir)

	m.mut.Lock()
	defer m.mut.Unlock()
	pn := m.nodes[parent]
	if old, ok := pn.children[base]; ok {
		delete(m.nodes, old)
		delete(pn.children, base)
	}
	h := m.newNodeLocked(parent, protocol.NodeTypeFile, base, fp, append([]byte(nil), content...))
	m.signal()
	return h
}

// Lookup resolves a slash path below the root.
func (m *Memcloud) Lookup(p string) (Node, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	cur := m.root
	for _, comp := range strings.Split(path.Clean(p), "/") {
		if comp == "" || comp == "." {
			continue
		}
		n, ok := m.nodes[cur]
		if !ok || n.children == nil {
			return Node{}, false
		}
		cur, ok = n.children[comp]
		if !ok {
			return Node{}, false
		}
	}
	n, ok := m.nodes[cur]
	if !ok {
		return Node{}, false
	}
	return n.node, true
}

// PathOf returns the slash path of the handle below the root, for test
// assertions.
func (m *Memcloud) PathOf(h protocol.NodeHandle) (string, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	var comps []string
	for h != m.root {
		n, ok := m.nodes[h]
		if !ok {
			return "", false
		}
		comps = append([]string{n.node.Name}, comps...)
		h = n.node.Parent
	}
	return path.Join(comps...), true
}

// Content returns the stored file content.
func (m *Memcloud) Content(h protocol.NodeHandle) ([]byte, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	n, ok := m.nodes[h]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.content...), true
}
