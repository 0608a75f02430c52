// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/gofrs/flock"

	"github.com/stratosync/stratosync/lib/fs"
)

// Deletions by the reconciler are parked in <root>/.debris/<YYYY-MM-DD>/
// rather than destroyed. Day folders are created lazily; a name already
// present gets a numeric suffix, indexes 0 through 99, before we give
// up and stall the row.
const (
	debrisDirName    = ".debris"
	debrisTmpDirName = "tmp"
	debrisDayFormat  = "2006-01-02"
	debrisMaxSuffix  = 100
)

var errDebrisExhausted = errors.New("debris suffixes exhausted")

type localDebris struct {
	filesystem fs.Filesystem
	lock       *flock.Flock
}

func newLocalDebris(filesystem fs.Filesystem) *localDebris {
	return &localDebris{filesystem: filesystem}
}

// acquireLock creates and holds .debris/tmp/lock for the duration of
// the sync, to keep OS cleanup jobs from pruning the tree under us.
// Only meaningful on a real on-disk filesystem.
func (d *localDebris) acquireLock(localRoot string) {
	if _, ok := d.filesystem.(*fs.BasicFilesystem); !ok {
		return
	}
	tmpDir := path.Join(debrisDirName, debrisTmpDirName)
	if err := d.filesystem.MkdirAll(tmpDir); err != nil {
		l.Debugln("debris: cannot create tmp dir:", err)
		return
	}
	d.lock = flock.New(path.Join(localRoot, debrisDirName, debrisTmpDirName, "lock"))
	if ok, err := d.lock.TryLock(); err != nil || !ok {
		l.Debugln("debris: lock not acquired:", err)
		d.lock = nil
	}
}

func (d *localDebris) releaseLock() {
	if d.lock != nil {
		d.lock.Unlock()
		d.lock = nil
	}
}

// park moves the victim into today's debris folder and returns the
// path it landed at (".debris/<day>/<name>"), relative to the sync root.
func (d *localDebris) park(relPath string) (string, error) {
	day := time.Now().Format(debrisDayFormat)
	dayDir := path.Join(debrisDirName, day)
	if err := d.filesystem.MkdirAll(dayDir); err != nil {
		return "", err
	}

	base := path.Base(relPath)
	for i := 0; i < debrisMaxSuffix; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s~%d", base, i)
		}
		target := path.Join(dayDir, name)
		if _, err := d.filesystem.Lstat(target); err == nil {
			continue
		} else if !fs.IsNotExist(err) {
			return "", err
		}
		if err := d.filesystem.Rename(relPath, target); err != nil {
			return "", err
		}
		l.Debugln("debris: parked", relPath, "at", target)
		return target, nil
	}
	return "", errDebrisExhausted
}
