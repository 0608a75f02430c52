// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const MiB = 20

// leveldbBackend implements Backend on a single goleveldb database.
// Each table gets a key namespace "t<name>\x00" plus a meta key carrying
// the id counter.
type leveldbBackend struct {
	ldb    *leveldb.DB
	mut    sync.Mutex
	closed bool
}

// Open opens the database at the given path, recovering it if needed.
func Open(path string) (Backend, error) {
	opts := &opt.Options{
		OpenFilesCacheCapacity: 100,
		WriteBuffer:            4 << MiB,
	}
	ldb, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		ldb, err = leveldb.RecoverFile(path, opts)
	}
	if err != nil {
		return nil, err
	}
	return &leveldbBackend{ldb: ldb}, nil
}

// OpenMemory returns a backend over volatile memory storage, for tests.
func OpenMemory() Backend {
	ldb, _ := leveldb.Open(storage.NewMemStorage(), nil)
	return &leveldbBackend{ldb: ldb}
}

func (b *leveldbBackend) Table(name string) (Table, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := &leveldbTable{
		backend: b,
		prefix:  append([]byte("t"+name), 0),
		metaKey: append([]byte("m"+name), 0),
	}
	if err := t.loadNextID(); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *leveldbBackend) DropTable(name string) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	prefix := append([]byte("t"+name), 0)
	it := b.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(append([]byte("m"+name), 0))
	return b.ldb.Write(batch, nil)
}

func (b *leveldbBackend) Close() error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.ldb.Close()
}

type leveldbTable struct {
	backend *leveldbBackend
	prefix  []byte
	metaKey []byte

	mut    sync.Mutex
	nextID uint32
	batch  *leveldb.Batch // non-nil inside a transaction bracket
	// Uncommitted writes, overlaid on reads within the transaction so
	// that Get after Put sees the new value before Commit.
	pending map[uint32][]byte
	deleted map[uint32]struct{}
	it      iterator.Iterator
}

func (t *leveldbTable) key(id uint32) []byte {
	k := make([]byte, len(t.prefix)+4)
	copy(k, t.prefix)
	binary.BigEndian.PutUint32(k[len(t.prefix):], id)
	return k
}

func (t *leveldbTable) idFromKey(k []byte) uint32 {
	return binary.BigEndian.Uint32(k[len(t.prefix):])
}

func (t *leveldbTable) loadNextID() error {
	v, err := t.backend.ldb.Get(t.metaKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		t.nextID = 0
		return nil
	}
	if err != nil {
		return err
	}
	if len(v) == 4 {
		t.nextID = binary.BigEndian.Uint32(v)
	}
	return nil
}

func (t *leveldbTable) NewID() (uint32, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.nextID++
	id := t.nextID
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], t.nextID)
	if t.batch != nil {
		t.batch.Put(t.metaKey, v[:])
		return id, nil
	}
	return id, t.backend.ldb.Put(t.metaKey, v[:], nil)
}

func (t *leveldbTable) Rewind() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.it != nil {
		t.it.Release()
	}
	t.it = t.backend.ldb.NewIterator(util.BytesPrefix(t.prefix), nil)
	return nil
}

func (t *leveldbTable) Next() (uint32, []byte, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.it == nil {
		return 0, nil, false
	}
	if !t.it.Next() {
		t.it.Release()
		t.it = nil
		return 0, nil, false
	}
	id := t.idFromKey(t.it.Key())
	blob := append([]byte(nil), t.it.Value()...)
	return id, blob, true
}

func (t *leveldbTable) Get(id uint32) ([]byte, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.batch != nil {
		if _, ok := t.deleted[id]; ok {
			return nil, ErrNotFound
		}
		if v, ok := t.pending[id]; ok {
			return append([]byte(nil), v...), nil
		}
	}
	v, err := t.backend.ldb.Get(t.key(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *leveldbTable) Put(id uint32, blob []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.batch != nil {
		t.batch.Put(t.key(id), blob)
		t.pending[id] = append([]byte(nil), blob...)
		delete(t.deleted, id)
		return nil
	}
	return t.backend.ldb.Put(t.key(id), blob, nil)
}

func (t *leveldbTable) Del(id uint32) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.batch != nil {
		t.batch.Delete(t.key(id))
		delete(t.pending, id)
		t.deleted[id] = struct{}{}
		return nil
	}
	return t.backend.ldb.Delete(t.key(id), nil)
}

func (t *leveldbTable) Truncate() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	batch := t.batch
	standalone := batch == nil
	if standalone {
		batch = new(leveldb.Batch)
	}
	it := t.backend.ldb.NewIterator(util.BytesPrefix(t.prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	if standalone {
		return t.backend.ldb.Write(batch, nil)
	}
	for id := range t.pending {
		delete(t.pending, id)
		t.deleted[id] = struct{}{}
	}
	return nil
}

func (t *leveldbTable) Begin() {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.batch != nil {
		return
	}
	t.batch = new(leveldb.Batch)
	t.pending = make(map[uint32][]byte)
	t.deleted = make(map[uint32]struct{})
}

func (t *leveldbTable) Commit() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.batch == nil {
		return nil
	}
	err := t.backend.ldb.Write(t.batch, nil)
	t.batch = nil
	t.pending = nil
	t.deleted = nil
	return err
}

func (t *leveldbTable) Abort() {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.batch = nil
	t.pending = nil
	t.deleted = nil
	// The id counter may have advanced inside the aborted bracket. That
	// only burns ids, which is harmless.
}

func (t *leveldbTable) Close() error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.it != nil {
		t.it.Release()
		t.it = nil
	}
	t.batch = nil
	return nil
}
