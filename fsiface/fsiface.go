// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsiface defines the minimal file system collaborator the loader
// needs from its host: open a named entry and perform positioned reads on
// it. It exists so the loader can run unmodified against the local OS file
// system (package osfs) or against a block-device FAT image (package
// fsfat) without caring which.
package fsiface

import "io"

// OpenFlag selects how Open should treat the named entry. The loader only
// ever opens objects for reading, but the flag is kept symbolic (rather
// than collapsed to nothing) because it mirrors the host's own open(2)
// flags and a future writer (e.g. the CLI's "dump resolved image" mode)
// may need ReadWrite.
type OpenFlag int

const (
	ReadOnly OpenFlag = iota
	ReadWrite
)

// FileSystem opens named entries for the loader to read.
type FileSystem interface {
	Open(name string, flag OpenFlag) (File, error)
}

// File is a positioned byte source. Implementations need not support
// concurrent use from multiple goroutines; the loader never shares a File
// across goroutines.
type File interface {
	io.ReaderAt
	io.Closer

	// Size returns the total size of the file in bytes.
	Size() (int64, error)
}
