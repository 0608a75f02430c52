// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db provides the abstract record table the sync engine persists
// its state caches in. Keys are 32-bit row ids assigned by the table;
// blobs are opaque to this package.
package db

import "errors"

var (
	ErrNotFound = errors.New("given key not found in db")
	ErrClosed   = errors.New("db backend was closed")
)

// Table is a flat id->blob table with cursor iteration and transaction
// brackets. Writes between Begin and Commit are atomic; Abort discards
// them. Reads outside a transaction observe the last committed state.
// Close releases the table's cursor and drops an open transaction
// bracket. Calls made on the table after Close are not refused and do
// not return ErrClosed; only the Backend reports ErrClosed once closed.
type Table interface {
	// NewID assigns the next unused row id. The id is burned even if no
	// Put follows.
	NewID() (uint32, error)

	Rewind() error
	Next() (id uint32, blob []byte, ok bool)

	Get(id uint32) ([]byte, error)
	Put(id uint32, blob []byte) error
	Del(id uint32) error
	Truncate() error

	Begin()
	Commit() error
	Abort()

	Close() error
}

// Backend opens named tables. A single backend may serve several tables
// concurrently; each table's transaction bracket is independent.
type Backend interface {
	Table(name string) (Table, error)

	// DropTable removes the table and all its rows. Used when a sync's
	// state cache is destroyed on disable without keepCache.
	DropTable(name string) error

	Close() error
}
