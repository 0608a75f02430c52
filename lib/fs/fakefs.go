// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeFilesystem implements Filesystem in memory, for tests. It assigns
// stable fsids to entries, keeps them across renames, and delivers watch
// events when entries are created, written, renamed or removed; Chtimes
// and the Set* helpers deliver none. Not particularly fast, but
// deterministic.
type FakeFilesystem struct {
	mut             sync.Mutex
	root            *fakeEntry
	uri             string
	fingerprint     uint64
	caseInsensitive bool
	nextFsid        uint64
	blocked         map[string]struct{}
	watches         []fakeWatch
}

type fakeEntry struct {
	name      string
	entryType Type
	children  map[string]*fakeEntry
	content   []byte
	mtime     time.Time
	fsid      uint64
	shortname string
}

type fakeWatch struct {
	prefix string
	ctx    context.Context
	events chan Event
}

func NewFakeFilesystem(uri string) *FakeFilesystem {
	fs := &FakeFilesystem{
		uri:         uri,
		fingerprint: 0xfa4efa4e,
		nextFsid:    1000,
		blocked:     make(map[string]struct{}),
	}
	fs.root = &fakeEntry{
		name:      ".",
		entryType: TypeDirectory,
		children:  make(map[string]*fakeEntry),
		mtime:     time.Now(),
		fsid:      fs.takeFsid(),
	}
	return fs
}

func (fs *FakeFilesystem) takeFsid() uint64 {
	fs.nextFsid++
	return fs.nextFsid
}

func (fs *FakeFilesystem) entryForName(name string) *fakeEntry {
	name = path.Clean(name)
	if name == "." || name == "" {
		return fs.root
	}

	comps := strings.Split(name, "/")
	entry := fs.root
	for _, comp := range comps {
		if entry.entryType != TypeDirectory {
			return nil
		}
		var ok bool
		entry, ok = entry.children[comp]
		if !ok {
			return nil
		}
	}
	return entry
}

func (fs *FakeFilesystem) parentAndBase(name string) (*fakeEntry, string) {
	name = path.Clean(name)
	dir, base := path.Dir(name), path.Base(name)
	parent := fs.entryForName(dir)
	if parent == nil || parent.entryType != TypeDirectory {
		return nil, ""
	}
	return parent, base
}

func (fs *FakeFilesystem) infoOf(entry *fakeEntry) Info {
	return Info{
		Name:      entry.name,
		Type:      entry.entryType,
		Size:      int64(len(entry.content)),
		ModTime:   entry.mtime,
		Fsid:      entry.fsid,
		FsidValid: fs.fingerprint != UndefinedFingerprint,
	}
}

func (fs *FakeFilesystem) Lstat(name string) (Info, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return Info{}, errPath("lstat", name, ErrNotExist)
	}
	return fs.infoOf(entry), nil
}

func (fs *FakeFilesystem) DirNames(name string) ([]string, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return nil, errPath("readdir", name, ErrNotExist)
	}
	if entry.entryType != TypeDirectory {
		return nil, PermanentError(errPath("readdir", name, ErrNotExist))
	}
	names := make([]string, 0, len(entry.children))
	for n := range entry.children {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FakeFilesystem) Mkdir(name string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	return fs.mkdirLocked(name)
}

func (fs *FakeFilesystem) mkdirLocked(name string) error {
	parent, base := fs.parentAndBase(name)
	if parent == nil {
		return errPath("mkdir", name, ErrNotExist)
	}
	if _, ok := parent.children[base]; ok {
		return errPath("mkdir", name, ErrExists)
	}
	parent.children[base] = &fakeEntry{
		name:      base,
		entryType: TypeDirectory,
		children:  make(map[string]*fakeEntry),
		mtime:     time.Now(),
		fsid:      fs.takeFsid(),
	}
	fs.notify(name, NonRemove)
	return nil
}

func (fs *FakeFilesystem) MkdirAll(name string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	name = path.Clean(name)
	if name == "." {
		return nil
	}
	comps := strings.Split(name, "/")
	cur := ""
	for _, comp := range comps {
		cur = path.Join(cur, comp)
		if entry := fs.entryForName(cur); entry != nil {
			if entry.entryType != TypeDirectory {
				return PermanentError(errPath("mkdirall", cur, ErrExists))
			}
			continue
		}
		if err := fs.mkdirLocked(cur); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FakeFilesystem) Rename(oldname, newname string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	oldParent, oldBase := fs.parentAndBase(oldname)
	if oldParent == nil {
		return errPath("rename", oldname, ErrNotExist)
	}
	entry, ok := oldParent.children[oldBase]
	if !ok {
		return errPath("rename", oldname, ErrNotExist)
	}
	newParent, newBase := fs.parentAndBase(newname)
	if newParent == nil {
		return errPath("rename", newname, ErrNotExist)
	}
	if victim, ok := newParent.children[newBase]; ok {
		if victim.entryType == TypeDirectory && len(victim.children) > 0 {
			return TransientError(errPath("rename", newname, ErrExists))
		}
	}
	delete(oldParent.children, oldBase)
	entry.name = newBase
	newParent.children[newBase] = entry
	fs.notify(oldname, Remove)
	fs.notify(newname, NonRemove)
	return nil
}

func (fs *FakeFilesystem) Remove(name string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	parent, base := fs.parentAndBase(name)
	if parent == nil {
		return errPath("remove", name, ErrNotExist)
	}
	entry, ok := parent.children[base]
	if !ok {
		return errPath("remove", name, ErrNotExist)
	}
	if entry.entryType == TypeDirectory && len(entry.children) > 0 {
		return TransientError(errPath("remove", name, ErrExists))
	}
	delete(parent.children, base)
	fs.notify(name, Remove)
	return nil
}

func (fs *FakeFilesystem) RemoveAll(name string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	parent, base := fs.parentAndBase(name)
	if parent == nil {
		return errPath("removeall", name, ErrNotExist)
	}
	if _, ok := parent.children[base]; !ok {
		return errPath("removeall", name, ErrNotExist)
	}
	delete(parent.children, base)
	fs.notify(name, Remove)
	return nil
}

func (fs *FakeFilesystem) OpenRead(name string) (io.ReadCloser, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	if _, ok := fs.blocked[path.Clean(name)]; ok {
		return nil, TransientError(errPath("open", name, ErrExists))
	}
	entry := fs.entryForName(name)
	if entry == nil {
		return nil, errPath("open", name, ErrNotExist)
	}
	if entry.entryType != TypeFile {
		return nil, PermanentError(errPath("open", name, ErrNotExist))
	}
	return io.NopCloser(bytes.NewReader(entry.content)), nil
}

type fakeFileWriter struct {
	fs   *FakeFilesystem
	name string
	buf  bytes.Buffer
}

func (w *fakeFileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeFileWriter) Close() error {
	return w.fs.WriteFile(w.name, w.buf.Bytes(), time.Now())
}

func (fs *FakeFilesystem) Create(name string) (io.WriteCloser, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	parent, _ := fs.parentAndBase(name)
	if parent == nil {
		return nil, errPath("create", name, ErrNotExist)
	}
	return &fakeFileWriter{fs: fs, name: name}, nil
}

func (fs *FakeFilesystem) Chtimes(name string, mtime time.Time) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return errPath("chtimes", name, ErrNotExist)
	}
	entry.mtime = mtime
	return nil
}

func (fs *FakeFilesystem) VolumeFingerprint() (uint64, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	return fs.fingerprint, nil
}

func (fs *FakeFilesystem) Shortname(name string) (string, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return "", errPath("shortname", name, ErrNotExist)
	}
	return entry.shortname, nil
}

func (fs *FakeFilesystem) CaseInsensitive() bool {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	return fs.caseInsensitive
}

func (fs *FakeFilesystem) Watch(name string, ctx context.Context) (<-chan Event, <-chan error, error) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	events := make(chan Event, backendBuffer)
	errs := make(chan error)
	fs.watches = append(fs.watches, fakeWatch{
		prefix: path.Clean(name),
		ctx:    ctx,
		events: events,
	})
	return events, errs, nil
}

func (fs *FakeFilesystem) notify(name string, evType EventType) {
	name = path.Clean(name)
	kept := fs.watches[:0]
	for _, w := range fs.watches {
		if w.ctx.Err() != nil {
			continue
		}
		kept = append(kept, w)
		if w.prefix != "." && name != w.prefix && !strings.HasPrefix(name, w.prefix+"/") {
			continue
		}
		select {
		case w.events <- Event{Name: name, Type: evType}:
		default:
		}
	}
	fs.watches = kept
}

func (fs *FakeFilesystem) URI() string { return fs.uri }

// Test helpers below. These hold the same lock as the regular
// operations so they are safe to call while the engine runs.

// WriteFile creates or replaces a file with the given content and mtime.
// A replaced file keeps its fsid, matching overwrite-in-place semantics.
func (fs *FakeFilesystem) WriteFile(name string, data []byte, mtime time.Time) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	parent, base := fs.parentAndBase(name)
	if parent == nil {
		return errPath("write", name, ErrNotExist)
	}
	entry, ok := parent.children[base]
	if !ok {
		entry = &fakeEntry{
			name:      base,
			entryType: TypeFile,
			fsid:      fs.takeFsid(),
		}
		parent.children[base] = entry
	}
	entry.content = append([]byte(nil), data...)
	entry.mtime = mtime
	fs.notify(name, NonRemove)
	return nil
}

// CreateSymlink records a symlink entry. The engine never follows
// symlinks, so the target is not resolved.
func (fs *FakeFilesystem) CreateSymlink(name, target string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	parent, base := fs.parentAndBase(name)
	if parent == nil {
		return errPath("symlink", name, ErrNotExist)
	}
	parent.children[base] = &fakeEntry{
		name:      base,
		entryType: TypeSymlink,
		content:   []byte(target),
		mtime:     time.Now(),
		fsid:      fs.takeFsid(),
	}
	fs.notify(name, NonRemove)
	return nil
}

// SetBlocked makes OpenRead on the path fail with a transient error, as
// an editor holding an exclusive lock would.
func (fs *FakeFilesystem) SetBlocked(name string, blocked bool) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	if blocked {
		fs.blocked[path.Clean(name)] = struct{}{}
	} else {
		delete(fs.blocked, path.Clean(name))
	}
}

// SetFsid overrides the fsid of an existing entry, for fsid-reuse tests.
func (fs *FakeFilesystem) SetFsid(name string, fsid uint64) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return errPath("setfsid", name, ErrNotExist)
	}
	entry.fsid = fsid
	return nil
}

// SetShortname sets the OS alternate name reported for an entry.
func (fs *FakeFilesystem) SetShortname(name, short string) error {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return errPath("setshortname", name, ErrNotExist)
	}
	entry.shortname = short
	return nil
}

// SetCaseInsensitive toggles case folding for name grouping.
func (fs *FakeFilesystem) SetCaseInsensitive(v bool) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.caseInsensitive = v
}

// SetVolumeFingerprint overrides the reported volume fingerprint.
func (fs *FakeFilesystem) SetVolumeFingerprint(fp uint64) {
	fs.mut.Lock()
	defer fs.mut.Unlock()
	fs.fingerprint = fp
}

// Fsid returns the fsid of an entry, for test assertions.
func (fs *FakeFilesystem) Fsid(name string) (uint64, bool) {
	fs.mut.Lock()
	defer fs.mut.Unlock()

	entry := fs.entryForName(name)
	if entry == nil {
		return 0, false
	}
	return entry.fsid, true
}
