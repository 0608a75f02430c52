// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"bytes"
	"testing"
)

func TestTableBasicOps(t *testing.T) {
	backend := OpenMemory()
	defer backend.Close()

	table, err := backend.Table("nodes")
	if err != nil {
		t.Fatal(err)
	}

	id1, err := table.NewID()
	if err != nil {
		t.Fatal(err)
	}
	id2, err := table.NewID()
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Fatalf("ids must increase: %d then %d", id1, id2)
	}

	if err := table.Put(id1, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(id2, []byte("two")); err != nil {
		t.Fatal(err)
	}

	v, err := table.Get(id1)
	if err != nil || !bytes.Equal(v, []byte("one")) {
		t.Fatalf("Get(%d) = %q, %v", id1, v, err)
	}

	if err := table.Del(id1); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Get(id1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after Del, got %v", err)
	}
}

func TestTableIteration(t *testing.T) {
	backend := OpenMemory()
	defer backend.Close()
	table, _ := backend.Table("nodes")

	want := map[uint32]string{}
	for i := 0; i < 5; i++ {
		id, _ := table.NewID()
		blob := []byte{byte('a' + i)}
		table.Put(id, blob)
		want[id] = string(blob)
	}

	if err := table.Rewind(); err != nil {
		t.Fatal(err)
	}
	got := map[uint32]string{}
	for {
		id, blob, ok := table.Next()
		if !ok {
			break
		}
		got[id] = string(blob)
	}
	if len(got) != len(want) {
		t.Fatalf("iterated %d rows, want %d", len(got), len(want))
	}
	for id, v := range want {
		if got[id] != v {
			t.Errorf("row %d = %q, want %q", id, got[id], v)
		}
	}
}

func TestTableTransactionBracket(t *testing.T) {
	backend := OpenMemory()
	defer backend.Close()
	table, _ := backend.Table("nodes")

	id, _ := table.NewID()
	table.Put(id, []byte("committed"))

	table.Begin()
	table.Put(id, []byte("pending"))
	// Inside the bracket the pending write is visible to us.
	if v, _ := table.Get(id); !bytes.Equal(v, []byte("pending")) {
		t.Errorf("in-transaction Get = %q", v)
	}
	table.Abort()

	// After abort, the committed state is back.
	if v, _ := table.Get(id); !bytes.Equal(v, []byte("committed")) {
		t.Errorf("after abort Get = %q", v)
	}

	table.Begin()
	table.Del(id)
	if _, err := table.Get(id); err != ErrNotFound {
		t.Errorf("in-transaction deleted row still visible: %v", err)
	}
	if err := table.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Get(id); err != ErrNotFound {
		t.Errorf("committed delete not applied: %v", err)
	}
}

func TestTableTruncateAndDrop(t *testing.T) {
	backend := OpenMemory()
	defer backend.Close()

	a, _ := backend.Table("a")
	b, _ := backend.Table("b")
	idA, _ := a.NewID()
	a.Put(idA, []byte("x"))
	idB, _ := b.NewID()
	b.Put(idB, []byte("y"))

	if err := a.Truncate(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(idA); err != ErrNotFound {
		t.Error("truncate left rows behind")
	}
	// Other tables are untouched.
	if _, err := b.Get(idB); err != nil {
		t.Errorf("truncate of a clobbered b: %v", err)
	}

	if err := backend.DropTable("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(idB); err != ErrNotFound {
		t.Error("drop left rows behind")
	}
}

func TestTableIDsSurviveReopen(t *testing.T) {
	backend := OpenMemory()
	defer backend.Close()

	t1, _ := backend.Table("nodes")
	id1, _ := t1.NewID()
	t1.Put(id1, []byte("x"))
	t1.Close()

	t2, _ := backend.Table("nodes")
	id2, err := t2.NewID()
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("id counter regressed across reopen: %d then %d", id1, id2)
	}
}
