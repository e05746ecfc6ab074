// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package osfs adapts the host operating system's file system to
// fsiface.FileSystem, for running the loader against ordinary files
// during development and testing.
package osfs

import (
	"os"

	"github.com/wickedsystems/uld/fsiface"
)

// FS is an fsiface.FileSystem backed by the local OS file system, rooted
// at an optional directory.
type FS struct {
	Root string
}

func New(root string) *FS {
	return &FS{Root: root}
}

func (fs *FS) Open(name string, flag fsiface.OpenFlag) (fsiface.File, error) {
	path := name
	if fs.Root != "" {
		path = fs.Root + string(os.PathSeparator) + name
	}
	mode := os.O_RDONLY
	if flag == fsiface.ReadWrite {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, err
	}
	return &osFile{f}, nil
}

type osFile struct {
	f *os.File
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

func (o *osFile) Close() error {
	return o.f.Close()
}

func (o *osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
