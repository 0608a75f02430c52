// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watchaggregator coalesces filesystem notifications into
// batches of path tokens for the sync engine's notify queue. A burst of
// events below one path collapses into a single token; delivery waits
// for a quiet period, with an upper bound so a path that never goes
// quiet is still delivered eventually.
package watchaggregator

import (
	"context"
	"strings"
	"time"

	"github.com/stratosync/stratosync/lib/fs"
)

// Not meant to be changed, but must be changeable for tests
var maxFiles = 512

type aggregatedEvent struct {
	firstModTime time.Time
	lastModTime  time.Time
	evType       fs.EventType
}

type aggregator struct {
	// Time after which an event is delivered when no further
	// modifications occur.
	notifyDelay time.Duration
	// Time after which an event is delivered even though modifications
	// keep occurring.
	notifyTimeout time.Duration

	events map[string]*aggregatedEvent
	ctx    context.Context
}

// Aggregate reads raw watch events from in and delivers coalesced path
// batches to out until ctx is cancelled. Use a longer delay on network
// filesystems, where notification storms echo for longer.
func Aggregate(ctx context.Context, in <-chan fs.Event, out chan<- []string, notifyDelay, notifyTimeout time.Duration) {
	a := &aggregator{
		notifyDelay:   notifyDelay,
		notifyTimeout: notifyTimeout,
		events:        make(map[string]*aggregatedEvent),
		ctx:           ctx,
	}
	go a.mainLoop(in, out)
}

func (a *aggregator) mainLoop(in <-chan fs.Event, out chan<- []string) {
	timer := time.NewTimer(a.notifyDelay)
	defer timer.Stop()

	for {
		select {
		case ev := <-in:
			a.newEvent(ev)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.notifyDelay)
		case <-timer.C:
			a.deliver(out)
			timer.Reset(a.notifyDelay)
		case <-a.ctx.Done():
			l.Debugln("Aggregator stopped")
			return
		}
	}
}

func (a *aggregator) newEvent(ev fs.Event) {
	name := ev.Name
	if name == "" {
		name = "."
	}

	// An event below an already tracked directory adds nothing.
	for tracked := range a.events {
		if tracked == "." {
			return
		}
		if name == tracked || strings.HasPrefix(name, tracked+"/") {
			a.events[tracked].lastModTime = time.Now()
			return
		}
	}

	// Conversely, a directory event swallows tracked children.
	for tracked := range a.events {
		if strings.HasPrefix(tracked, name+"/") {
			delete(a.events, tracked)
		}
	}

	if len(a.events) >= maxFiles {
		// Too many separate paths; collapse to a full rescan token.
		l.Debugln("Aggregator overflow, collapsing to root")
		a.events = map[string]*aggregatedEvent{
			".": {firstModTime: time.Now(), lastModTime: time.Now(), evType: fs.Mixed},
		}
		return
	}

	if e, ok := a.events[name]; ok {
		e.lastModTime = time.Now()
		e.evType |= ev.Type
		return
	}
	now := time.Now()
	a.events[name] = &aggregatedEvent{
		firstModTime: now,
		lastModTime:  now,
		evType:       ev.Type,
	}
}

func (a *aggregator) deliver(out chan<- []string) {
	if len(a.events) == 0 {
		return
	}
	now := time.Now()
	var batch []string
	for name, ev := range a.events {
		// Deliver when quiet for notifyDelay, or when the path has been
		// hot for longer than notifyTimeout.
		if now.Sub(ev.lastModTime) >= a.notifyDelay || now.Sub(ev.firstModTime) >= a.notifyTimeout {
			batch = append(batch, name)
			delete(a.events, name)
		}
	}
	if len(batch) == 0 {
		return
	}
	l.Debugln("Delivering", len(batch), "aggregated paths")
	select {
	case out <- batch:
	case <-a.ctx.Done():
	}
}
