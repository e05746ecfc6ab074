// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import "errors"

// Sentinel errors a Factory's phases report, wrapped with contextual
// detail via fmt.Errorf("%w: ...") and matched with errors.Is. The
// taxonomy itself is unchanged from the original loader's error codes;
// only the representation (a Go error chain instead of an integer plus a
// printf'd message) is new.
var (
	ErrMemory        = errors.New("out of memory")
	ErrAccess        = errors.New("access error reading object")
	ErrNoSym         = errors.New("symbol table entry not found")
	ErrNoRel         = errors.New("unsupported relocation type")
	ErrNoReach       = errors.New("relocation target out of reach")
	ErrNoDef         = errors.New("undefined symbol")
	ErrRedef         = errors.New("symbol redefined")
	ErrFault         = errors.New("malformed object")
	ErrInvalidHost   = errors.New("invalid host file system state")
	ErrInvalidTarget = errors.New("object does not match target")
)
