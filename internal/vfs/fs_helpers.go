// Copyright 2024 NASCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nascache/internal/common"
)

// =============================================================================
// Panic Recovery
// =============================================================================

// recoverPanic turns a panic in a file operation into EIO so one bad request
// does not take the mount down.
func recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}

// =============================================================================
// I/O Helpers
// =============================================================================

// readAt fills buf from f at off. Reaching end of file is not an error.
func readAt(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// cacheErr marks a failure on the cache side. The errno is dropped so the
// caller reports EIO rather than the cache filesystem's error.
func cacheErr(op string, err error) error {
	return fmt.Errorf("%w: cache %s: %v", common.ErrIO, op, err)
}

// punchHole deallocates [off, off+length) of f without changing its size.
func punchHole(f *os.File, off, length int64) error {
	if length <= 0 {
		return nil
	}
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

// run is a contiguous stretch of blocks that are all present or all absent.
type run struct {
	start   int64 // byte offset of the first block
	blocks  int
	present bool
}

// splitRuns groups consecutive block offsets with equal presence. offsets
// must be ascending and one block apart.
func splitRuns(offsets []int64, present []bool) []run {
	var runs []run
	for i, off := range offsets {
		if n := len(runs); n > 0 && runs[n-1].present == present[i] {
			runs[n-1].blocks++
			continue
		}
		runs = append(runs, run{start: off, blocks: 1, present: present[i]})
	}
	return runs
}

func (r run) length(blockSize int64) int64 {
	return int64(r.blocks) * blockSize
}
