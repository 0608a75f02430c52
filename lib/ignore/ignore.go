// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ignore provides the black-box ignore predicate consumed by the
// sync engine. Patterns are glob expressions, one per line, loaded from
// the sync root's ignore file.
package ignore

import (
	"bufio"
	"io"
	"strings"

	"github.com/gobwas/glob"

	"github.com/stratosync/stratosync/lib/fs"
)

const DefaultIgnoreFile = ".ssignore"

// Matcher answers whether a relative path is excluded from
// synchronization. The zero value matches nothing.
type Matcher struct {
	patterns []glob.Glob
	lines    []string
	broken   bool
}

// Load reads the ignore file from the filesystem root. A missing file
// yields an empty matcher and no error; an unparsable file yields a
// matcher whose Broken method returns true, which the engine surfaces as
// a stall.
func Load(filesystem fs.Filesystem, name string) (*Matcher, error) {
	m := &Matcher{}

	fd, err := filesystem.OpenRead(name)
	if err != nil {
		if fs.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer fd.Close()

	if err := m.parse(fd); err != nil {
		m.broken = true
	}
	return m, nil
}

func (m *Matcher) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pat, err := glob.Compile(line, '/')
		if err != nil {
			return err
		}
		m.patterns = append(m.patterns, pat)
		m.lines = append(m.lines, line)
	}
	return scanner.Err()
}

// Match reports whether the relative path is ignored.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	for _, pat := range m.patterns {
		if pat.Match(name) {
			return true
		}
	}
	return false
}

// Broken reports that the ignore file existed but could not be parsed.
func (m *Matcher) Broken() bool {
	return m != nil && m.broken
}

// Lines returns the patterns currently loaded, for diagnostics.
func (m *Matcher) Lines() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.lines...)
}
