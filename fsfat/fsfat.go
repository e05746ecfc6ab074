// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsfat implements fsiface.FileSystem over a FAT filesystem image
// (a whole-disk or whole-partition .img file), for the case where object
// files to load live on the same FAT media the embedded host boots from
// rather than on the operator's local OS file system.
package fsfat

import (
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/wickedsystems/uld/fsiface"
)

// FS is a read-only view of the FAT filesystem inside a disk image file.
type FS struct {
	disk *disk.Disk
	fs   filesystem.FileSystem
}

// Open opens the disk image at imagePath and locates its FAT filesystem
// on the given partition (0 for an unpartitioned FAT image, i.e. a raw
// ESP-style .img file).
func Open(imagePath string, partition int) (*FS, error) {
	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("fsfat: opening %s: %w", imagePath, err)
	}
	fsys, err := d.GetFilesystem(partition)
	if err != nil {
		return nil, fmt.Errorf("fsfat: reading filesystem on partition %d of %s: %w", partition, imagePath, err)
	}
	return &FS{disk: d, fs: fsys}, nil
}

// Open implements fsiface.FileSystem.
func (f *FS) Open(name string, flag fsiface.OpenFlag) (fsiface.File, error) {
	osFlag := os.O_RDONLY
	if flag == fsiface.ReadWrite {
		osFlag = os.O_RDWR
	}
	file, err := f.fs.OpenFile(name, osFlag)
	if err != nil {
		return nil, fmt.Errorf("fsfat: opening %s: %w", name, err)
	}
	return &fatFile{file: file}, nil
}

// fatFile adapts a diskfs filesystem.File (a Reader/Writer/Seeker/Closer)
// to fsiface.File's io.ReaderAt + Size shape. The loader never touches a
// File from more than one goroutine at a time, so the seek-then-read
// implementation of ReadAt is safe here even though it isn't safe for
// the general io.ReaderAt contract.
type fatFile struct {
	file filesystem.File
	size int64
	have bool
}

func (f *fatFile) ReadAt(p []byte, off int64) (int, error) {
	if _, err := f.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(f.file, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (f *fatFile) Size() (int64, error) {
	if f.have {
		return f.size, nil
	}
	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	size, err := f.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.file.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	f.size, f.have = size, true
	return size, nil
}

func (f *fatFile) Close() error { return f.file.Close() }
