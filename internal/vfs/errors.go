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
	"os"
	"syscall"

	"nascache/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	ENOSPC    = syscall.ENOSPC    // No space left on device
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EPERM     = syscall.EPERM     // Operation not permitted
	EROFS     = syscall.EROFS     // Read-only file system
	ENODATA   = syscall.ENODATA   // Attribute not found (xattr)
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
)

// ToErrno maps an error to the errno reported to the kernel.
// Raw errnos (also inside *os.PathError) pass through; sentinel errors map to
// their POSIX equivalent; anything else is EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ENOENT
	case errors.Is(err, common.ErrExists), errors.Is(err, os.ErrExist):
		return EEXIST
	case errors.Is(err, common.ErrInvalidHandle), errors.Is(err, os.ErrClosed):
		return EBADF
	case errors.Is(err, common.ErrCacheFull):
		return ENOSPC
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrBlockSize):
		return EINVAL
	case errors.Is(err, os.ErrPermission):
		return EACCES
	}
	return EIO
}
