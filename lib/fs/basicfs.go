// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// The BasicFilesystem implements all aspects by delegating to package os.
// All paths are relative to the root and cannot (should not) escape the
// root directory.
type BasicFilesystem struct {
	root string
}

func NewBasicFilesystem(root string) *BasicFilesystem {
	// The reason it's done like this:
	//          C:          ->  C:\            ->  C:\        (issue that this is trying to fix)
	//          C:\somedir  ->  C:\somedir\    ->  C:\somedir
	//          C:\somedir\ ->  C:\somedir\\   ->  C:\somedir
	// This way in the tests, we get away without OS specific separators
	// in the test configs.
	root = filepath.Dir(root + string(filepath.Separator))
	return &BasicFilesystem{root: root}
}

// rooted expands the relative path to the full path that is then used with
// the os package. If the relative path somehow causes the final path to
// escape the root directory, this returns an error, to prevent accessing
// files that are not in the shared directory.
func (f *BasicFilesystem) rooted(rel string) (string, error) {
	return rootedJoinedPath(f.root, rel)
}

func rootedJoinedPath(root, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	pathSep := string(os.PathSeparator)

	// The expected prefix for the resulting path is the root, with a path
	// separator at the end.
	expectedPrefix := filepath.FromSlash(root)
	if !strings.HasSuffix(expectedPrefix, pathSep) {
		expectedPrefix += pathSep
	}

	// The relative path should be clean from internal dotdots and similar
	// funkyness.
	rel = filepath.Clean(rel)

	// "." resolves to the root itself.
	if rel == "." {
		return filepath.FromSlash(root), nil
	}

	// It is not acceptable to attempt to traverse upwards.
	if rel == ".." {
		return "", ErrPathEscapes
	}
	if strings.HasPrefix(rel, ".."+pathSep) {
		return "", ErrPathEscapes
	}

	if strings.HasPrefix(rel, pathSep+pathSep) {
		// The relative path may pretend to be an absolute path within the
		// root, but the double path separator on Windows implies something
		// else. It would get cleaned by the Join below, but it's out of
		// spec anyway.
		return "", ErrPathEscapes
	}

	// The supposedly correct path is the one filepath.Join will return, as
	// it does cleaning and so on.
	joined := filepath.Join(root, rel)
	if joined != filepath.FromSlash(root) && !strings.HasPrefix(joined, expectedPrefix) {
		return "", ErrPathEscapes
	}

	return joined, nil
}

func (f *BasicFilesystem) unrooted(path string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(path, f.root), string(os.PathSeparator))
	return filepath.ToSlash(rel)
}

func (f *BasicFilesystem) Lstat(name string) (Info, error) {
	name, err := f.rooted(name)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Lstat(name)
	if err != nil {
		return Info{}, classify("lstat", name, err)
	}
	return f.infoFromOs(name, fi), nil
}

func (f *BasicFilesystem) infoFromOs(fullPath string, fi os.FileInfo) Info {
	info := Info{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		info.Type = TypeSymlink
	case fi.IsDir():
		info.Type = TypeDirectory
	case fi.Mode().IsRegular():
		info.Type = TypeFile
	default:
		info.Type = TypeUnknown
	}
	info.Fsid, info.FsidValid = fsidFromFileInfo(fi)
	return info
}

func (f *BasicFilesystem) DirNames(name string) ([]string, error) {
	name, err := f.rooted(name)
	if err != nil {
		return nil, err
	}
	fd, err := os.Open(name)
	if err != nil {
		return nil, classify("open", name, err)
	}
	defer fd.Close()

	names, err := fd.Readdirnames(-1)
	if err != nil {
		return nil, classify("readdir", name, err)
	}
	return names, nil
}

func (f *BasicFilesystem) Mkdir(name string) error {
	name, err := f.rooted(name)
	if err != nil {
		return err
	}
	if err := os.Mkdir(name, 0o777); err != nil {
		return classify("mkdir", name, err)
	}
	return nil
}

func (f *BasicFilesystem) MkdirAll(name string) error {
	name, err := f.rooted(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(name, 0o777); err != nil {
		return classify("mkdirall", name, err)
	}
	return nil
}

func (f *BasicFilesystem) Rename(oldname, newname string) error {
	oldname, err := f.rooted(oldname)
	if err != nil {
		return err
	}
	newname, err = f.rooted(newname)
	if err != nil {
		return err
	}
	if err := os.Rename(oldname, newname); err != nil {
		return classify("rename", oldname, err)
	}
	return nil
}

func (f *BasicFilesystem) Remove(name string) error {
	name, err := f.rooted(name)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil {
		return classify("remove", name, err)
	}
	return nil
}

func (f *BasicFilesystem) RemoveAll(name string) error {
	name, err := f.rooted(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(name); err != nil {
		return classify("removeall", name, err)
	}
	return nil
}

func (f *BasicFilesystem) OpenRead(name string) (io.ReadCloser, error) {
	name, err := f.rooted(name)
	if err != nil {
		return nil, err
	}
	fd, err := os.Open(name)
	if err != nil {
		return nil, classify("open", name, err)
	}
	return fd, nil
}

func (f *BasicFilesystem) Create(name string) (io.WriteCloser, error) {
	name, err := f.rooted(name)
	if err != nil {
		return nil, err
	}
	fd, err := os.Create(name)
	if err != nil {
		return nil, classify("create", name, err)
	}
	return fd, nil
}

func (f *BasicFilesystem) Chtimes(name string, mtime time.Time) error {
	name, err := f.rooted(name)
	if err != nil {
		return err
	}
	if err := os.Chtimes(name, mtime, mtime); err != nil {
		return classify("chtimes", name, err)
	}
	return nil
}

func (f *BasicFilesystem) URI() string {
	return strings.TrimPrefix(f.root, `\\?\`)
}

// classify maps an os error onto this package's errors. Not found and
// already exists become ErrNotExist and ErrExists without a marker;
// permission errors are marked permanent; everything else is marked
// transient, as a passing condition (locked file, EIO under load, ...).
func classify(op, name string, err error) error {
	switch {
	case os.IsNotExist(err):
		return errPath(op, name, ErrNotExist)
	case os.IsExist(err):
		return errPath(op, name, ErrExists)
	case os.IsPermission(err):
		return PermanentError(errPath(op, name, err))
	default:
		return TransientError(errPath(op, name, err))
	}
}
