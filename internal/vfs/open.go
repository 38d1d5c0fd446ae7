package vfs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nascache/internal/common"
	"nascache/internal/storage"
)

// Open opens rel on the remote root and pairs it with its cache file.
// Excluded paths and non-regular files get a remote-only handle.
func (fs *CacheFS) Open(ctx context.Context, rel string, flags int, mode uint32) (h HandleID, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q flags=%#x → h=%d err=%v (%v)", rel, flags, h, err, time.Since(start)) }()
	}
	defer recoverPanic("Open", &err)

	rel = common.RelPath(rel)
	key := fs.resolver.CacheKey(rel)

	remote, err := fs.openRemote(ctx, rel, key, flags, mode)
	if err != nil {
		return 0, err
	}
	if flags&(os.O_CREATE|os.O_TRUNC) != 0 {
		fs.invalidateAttr(rel)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(int(remote.Fd()), &st); err != nil {
		remote.Close()
		return 0, err
	}
	dh := &DualHandle{Remote: remote, Flags: flags}

	if fs.bypass(rel, key, &st) {
		return fs.handles.Allocate(dh, rel, key, st.Size), nil
	}

	unlock := fs.locks.Lock(key)
	defer unlock()

	dh.Cache, err = fs.prepareCache(ctx, rel, key, &st, flags)
	if err != nil {
		remote.Close()
		log.Warnf("[CACHE] Open %q: %v", rel, err)
		return 0, EIO
	}
	h = fs.handles.Allocate(dh, rel, key, st.Size)
	fs.handles.SetSize(key, st.Size)
	fs.handles.SetMtime(key, st.Mtim.Nano())
	return h, nil
}

// Create creates rel on the remote root and opens it.
func (fs *CacheFS) Create(ctx context.Context, rel string, flags int, mode uint32) (HandleID, error) {
	return fs.Open(ctx, rel, flags|os.O_CREATE, mode)
}

// bypass reports whether rel is served by its remote file alone.
func (fs *CacheFS) bypass(rel, key string, st *syscall.Stat_t) bool {
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG || IsReserved(key) {
		return true
	}
	return fs.exclude != nil && fs.exclude.Match(rel, false)
}

// openRemote opens the remote file. Write-only opens are widened to
// read-write so written ranges can be read back into the cache, and O_APPEND
// is dropped because every write carries its offset. A permission failure is
// retried once with owner read-write granted, restoring the mode afterwards.
func (fs *CacheFS) openRemote(ctx context.Context, rel, key string, flags int, mode uint32) (*os.File, error) {
	path := fs.resolver.RemotePath(rel)
	rflags := flags &^ os.O_APPEND
	if rflags&syscall.O_ACCMODE == os.O_WRONLY {
		rflags = rflags&^syscall.O_ACCMODE | os.O_RDWR
	}
	perm := os.FileMode(mode) & os.ModePerm

	f, err := os.OpenFile(path, rflags, perm)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, syscall.EACCES):
		return openWithOwnerAccess(path, rflags, perm)
	case errors.Is(err, syscall.ENOENT):
		unlock := fs.locks.Lock(key)
		if derr := fs.dropEntry(ctx, key); derr != nil {
			log.Debugf("[CACHE] Open %q: drop vanished entry: %v", rel, derr)
		}
		unlock()
		return nil, syscall.ENOENT
	}
	return nil, err
}

func openWithOwnerAccess(path string, flags int, perm os.FileMode) (*os.File, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return nil, syscall.EACCES
	}
	orig := st.Mode & 0o7777
	if err := syscall.Chmod(path, orig|0o600); err != nil {
		return nil, syscall.EACCES
	}
	f, err := os.OpenFile(path, flags, perm)
	if rerr := syscall.Chmod(path, orig); rerr != nil {
		log.Warnf("[VFS] restore mode %o on %s: %v", orig, path, rerr)
	}
	if err != nil {
		return nil, syscall.EACCES
	}
	return f, nil
}

// prepareCache returns the cache file of key, dropping a stale entry and
// registering a fresh one as needed. Caller holds the key's write lock.
func (fs *CacheFS) prepareCache(ctx context.Context, rel, key string, st *syscall.Stat_t, flags int) (*os.File, error) {
	path := fs.resolver.CachePathForKey(key)

	info, err := fs.meta.FileInfo(ctx, key)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if info != nil {
		if !fs.isStale(path, key, info, st, flags) {
			if f, err := os.OpenFile(path, os.O_RDWR, 0); err == nil {
				return f, nil
			}
		}
		log.Debugf("[CACHE] Open %q: dropping stale entry", rel)
		if err := fs.dropEntry(ctx, key); err != nil {
			return nil, err
		}
	}

	perm := os.FileMode(st.Mode&0o777) | 0o600
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(st.Size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if _, err := fs.meta.CreateFile(ctx, key, st.Size, st.Mtim.Nano()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

// isStale reports whether the cached entry can no longer be trusted: the
// open truncates, the cache file is gone, or the remote no longer has the
// mtime the cached bytes were taken at. While key is open that is the mtime
// tracked through its writes, otherwise the one recorded at release. The
// cache file's own mtime is not consulted; hole punching moves it.
func (fs *CacheFS) isStale(path, key string, info *storage.FileInfo, st *syscall.Stat_t, flags int) bool {
	if flags&os.O_TRUNC != 0 {
		return true
	}
	if _, err := os.Stat(path); err != nil {
		return true
	}
	if known, open := fs.handles.Mtime(key); open {
		return st.Mtim.Nano() != known
	}
	return st.Mtim.Nano() != info.RemoteMtime || st.Size != info.RemoteSize
}

// Release closes h. Every block range of the cache file that metadata does
// not mark present is punched out first, so the file holds only tracked
// bytes.
func (fs *CacheFS) Release(ctx context.Context, h HandleID) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Release h=%d → %v (%v)", h, err, time.Since(start)) }()
	}
	dh, ok := fs.handles.Release(h)
	if !ok {
		return common.ErrInvalidHandle
	}
	if dh.Cache != nil {
		if dh.Cached() {
			fs.trimCache(ctx, dh)
		}
		if cerr := dh.Cache.Close(); cerr != nil {
			log.Debugf("[CACHE] close cache file of %q: %v", dh.Rel(), cerr)
		}
	}
	return dh.Remote.Close()
}

func (fs *CacheFS) trimCache(ctx context.Context, dh *DualHandle) {
	key, unlock := fs.lockHandle(dh)
	defer unlock()
	if !dh.Cached() {
		return
	}
	size := dh.Size()
	offsets, err := fs.meta.ListBlockOffsets(ctx, key)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			log.Warnf("[CACHE] Release %q: list blocks: %v", dh.Rel(), err)
		}
		return
	}
	bs := fs.align.BlockSize
	end := fs.align.AlignUp(size)
	next := int64(0)
	for _, off := range append(offsets, end) {
		if off > next {
			if err := punchHole(dh.Cache, next, min(off, end)-next); err != nil {
				log.Debugf("[CACHE] Release %q: punch [%d,%d): %v", dh.Rel(), next, off, err)
			}
		}
		next = off + bs
	}
	if err := fs.meta.SetRemoteState(ctx, key, size, dh.Mtime()); err != nil {
		log.Debugf("[CACHE] Release %q: record remote state: %v", dh.Rel(), err)
	}
}

// lockHandle write-locks the key dh currently writes under. A rename can
// move the key while we wait, so the key is rechecked after locking.
func (fs *CacheFS) lockHandle(dh *DualHandle) (string, func()) {
	for {
		key := dh.Key()
		unlock := fs.locks.Lock(key)
		if dh.Key() == key {
			return key, unlock
		}
		unlock()
	}
}

// Fsync flushes the cache file, then the remote file. Only the remote
// result is reported.
func (fs *CacheFS) Fsync(ctx context.Context, h HandleID, datasync bool) error {
	dh, ok := fs.handles.Get(h)
	if !ok {
		return common.ErrInvalidHandle
	}
	sync := func(f *os.File) error {
		if datasync {
			return unix.Fdatasync(int(f.Fd()))
		}
		return f.Sync()
	}
	if dh.Cached() {
		if err := sync(dh.Cache); err != nil {
			log.Warnf("[CACHE] Fsync %q: cache: %v", dh.Rel(), err)
		}
	}
	return sync(dh.Remote)
}

// Flush has nothing to do: writes reach the remote synchronously.
func (fs *CacheFS) Flush(h HandleID) error {
	if _, ok := fs.handles.Get(h); !ok {
		return common.ErrInvalidHandle
	}
	return nil
}

// Fstat returns the attributes of the remote file behind h.
func (fs *CacheFS) Fstat(h HandleID) (syscall.Stat_t, error) {
	var st syscall.Stat_t
	dh, ok := fs.handles.Get(h)
	if !ok {
		return st, common.ErrInvalidHandle
	}
	err := syscall.Fstat(int(dh.Remote.Fd()), &st)
	return st, err
}
