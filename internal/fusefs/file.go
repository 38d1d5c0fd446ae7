package fusefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"nascache/internal/vfs"
)

// fsyncDataSync is the FUSE_FSYNC_FDATASYNC bit of a fsync request.
const fsyncDataSync = 1

// cacheFile is the FUSE file handle of an open vfs handle.
type cacheFile struct {
	cfs *vfs.CacheFS
	h   vfs.HandleID
}

var _ = (fs.FileHandle)((*cacheFile)(nil))
var _ = (fs.FileReader)((*cacheFile)(nil))
var _ = (fs.FileWriter)((*cacheFile)(nil))
var _ = (fs.FileFlusher)((*cacheFile)(nil))
var _ = (fs.FileFsyncer)((*cacheFile)(nil))
var _ = (fs.FileReleaser)((*cacheFile)(nil))
var _ = (fs.FileGetattrer)((*cacheFile)(nil))
var _ = (fs.FileSetattrer)((*cacheFile)(nil))

func (f *cacheFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.cfs.Read(ctx, f.h, dest, off)
	if err != nil {
		return nil, vfs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (f *cacheFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.cfs.Write(ctx, f.h, data, off)
	if err != nil {
		return 0, vfs.ToErrno(err)
	}
	return uint32(n), fs.OK
}

func (f *cacheFile) Flush(ctx context.Context) syscall.Errno {
	return vfs.ToErrno(f.cfs.Flush(f.h))
}

func (f *cacheFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return vfs.ToErrno(f.cfs.Fsync(ctx, f.h, flags&fsyncDataSync != 0))
}

func (f *cacheFile) Release(ctx context.Context) syscall.Errno {
	return vfs.ToErrno(f.cfs.Release(ctx, f.h))
}

func (f *cacheFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := f.cfs.Fstat(f.h)
	if err != nil {
		return vfs.ToErrno(err)
	}
	out.FromStat(&st)
	return fs.OK
}

func (f *cacheFile) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if err := f.cfs.Setattr(ctx, "", f.h, attrChange(in)); err != nil {
		return vfs.ToErrno(err)
	}
	return f.Getattr(ctx, out)
}
