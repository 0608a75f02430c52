// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides mutexes that can log contention and long hold
// times when debugging is enabled, and a mutex variant with a timed
// read acquisition for callers that must not block.
package sync

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
	// TryRLockFor attempts a read lock, giving up after the given
	// duration. It returns whether the lock was acquired.
	TryRLockFor(timeout time.Duration) bool
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{
			unlockers: make(chan string, 1024),
		}
	}
	return &timedRWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

// timedRWMutex is the production RWMutex. The only extension over the
// stdlib is the timed read acquisition.
type timedRWMutex struct {
	sync.RWMutex
}

func (m *timedRWMutex) TryRLockFor(timeout time.Duration) bool {
	if m.TryRLock() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if m.TryRLock() {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

type holder struct {
	at   string
	time time.Time
	goid int
}

func (h holder) String() string {
	if h.at == "" {
		return "not held"
	}
	return fmt.Sprintf("at %s goid: %d for %s", h.at, h.goid, time.Since(h.time))
}

type loggedMutex struct {
	sync.Mutex
	holder holder
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.holder = getHolder()
}

func (m *loggedMutex) Unlock() {
	duration := time.Since(m.holder.time)
	if duration >= threshold {
		l.Debugf("Mutex held for %v. Locked at %s unlocked at %s", duration, m.holder.at, getHolder().at)
	}
	m.holder = holder{}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	timedRWMutex
	holder holder

	readHolders    map[int][]holder
	readHoldersMut sync.Mutex

	logUnlockers bool
	unlockers    chan string
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()

	m.logUnlockers = true
	m.timedRWMutex.Lock()
	m.logUnlockers = false

	holdDuration := time.Since(start)
	if holdDuration >= threshold {
		unlockerStack := ""
		select {
		case unlockerStack = <-m.unlockers:
		default:
		}
		l.Debugf("RWMutex took %v to lock. Locked at %s. RUnlockers while locking:\n%s", holdDuration, getHolder().at, unlockerStack)
	}
	m.holder = getHolder()
}

func (m *loggedRWMutex) Unlock() {
	duration := time.Since(m.holder.time)
	if duration >= threshold {
		l.Debugf("RWMutex held for %v. Locked at %s: unlocked at %s", duration, m.holder.at, getHolder().at)
	}
	m.holder = holder{}
	m.timedRWMutex.Unlock()
}

func (m *loggedRWMutex) RLock() {
	m.timedRWMutex.RLock()
	h := getHolder()
	m.readHoldersMut.Lock()
	if m.readHolders == nil {
		m.readHolders = make(map[int][]holder)
	}
	m.readHolders[h.goid] = append(m.readHolders[h.goid], h)
	m.readHoldersMut.Unlock()
}

func (m *loggedRWMutex) RUnlock() {
	id := goid()
	m.readHoldersMut.Lock()
	current := m.readHolders[id]
	if len(current) > 0 {
		m.readHolders[id] = current[:len(current)-1]
	}
	m.readHoldersMut.Unlock()
	if m.logUnlockers {
		stack := getHolder()
		select {
		case m.unlockers <- stack.at:
		default:
		}
	}
	m.timedRWMutex.RUnlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	duration := time.Since(start)
	if duration >= threshold {
		l.Debugf("WaitGroup took %v at %s", duration, getHolder())
	}
}

func getHolder() holder {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return holder{
		at:   fmt.Sprintf("%s:%d", file, line),
		goid: goid(),
		time: time.Now(),
	}
}

func goid() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int
	if _, err := fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id); err != nil {
		return -1
	}
	return id
}
