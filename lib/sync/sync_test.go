// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sync

import (
	"testing"
	"time"
)

func TestMutexBasics(t *testing.T) {
	mut := NewMutex()
	mut.Lock()
	mut.Unlock()
}

func TestRWMutexTryRLockFor(t *testing.T) {
	mut := NewRWMutex()

	if !mut.TryRLockFor(time.Millisecond) {
		t.Fatal("uncontended TryRLockFor failed")
	}
	mut.RUnlock()

	mut.Lock()
	done := make(chan bool)
	go func() {
		done <- mut.TryRLockFor(20 * time.Millisecond)
	}()
	if got := <-done; got {
		t.Error("TryRLockFor succeeded while write-locked")
	}
	mut.Unlock()

	// After release it succeeds again.
	if !mut.TryRLockFor(time.Second) {
		t.Error("TryRLockFor failed after unlock")
	}
	mut.RUnlock()
}

func TestWaitGroup(t *testing.T) {
	wg := NewWaitGroup()
	wg.Add(1)
	go wg.Done()
	wg.Wait()
}
