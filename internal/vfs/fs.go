package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nascache/internal/block"
	"nascache/internal/cache"
	"nascache/internal/common"
	"nascache/internal/storage"
)

// attrCacheMaxEntries caps memory usage of the remote attribute cache.
const attrCacheMaxEntries = 10000

// PathFilter selects mount-relative paths that bypass the block cache.
type PathFilter interface {
	Match(rel string, isDir bool) bool
}

// Config configures a CacheFS.
type Config struct {
	RemoteRoot string
	CacheRoot  string
	Budget     int64 // bytes of blocks the cache may account for
	Naming     Naming
	Exclude    PathFilter    // optional
	AttrTTL    time.Duration // 0 disables the remote attribute cache
}

// CacheFS is the caching layer between the mount and the remote root.
// It owns the metadata store, the open handles and the per-key locks.
type CacheFS struct {
	resolver  *Resolver
	meta      *storage.MetaStore
	align     block.Aligner
	budget    int64
	exclude   PathFilter
	handles   *HandleManager
	locks     *keyLocks
	attrCache *cache.AttrCache

	writeAt func(f *os.File, b []byte, off int64) (int, error) // remote writes
}

// New creates a CacheFS over meta. The block size comes from meta.
func New(cfg Config, meta *storage.MetaStore) (*CacheFS, error) {
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg.RemoteRoot == "" || cfg.CacheRoot == "" {
		return nil, fmt.Errorf("%w: remote and cache roots are required", common.ErrInvalidPath)
	}
	align, err := block.New(meta.BlockSize())
	if err != nil {
		return nil, err
	}
	if cfg.Budget < 0 {
		cfg.Budget = 0
	}
	fs := &CacheFS{
		resolver: NewResolver(cfg.RemoteRoot, cfg.CacheRoot, cfg.Naming),
		meta:     meta,
		align:    align,
		budget:   cfg.Budget,
		exclude:  cfg.Exclude,
		handles:  NewHandleManager(),
		locks:    newKeyLocks(),
		writeAt:  (*os.File).WriteAt,
	}
	if cfg.AttrTTL > 0 {
		fs.attrCache = cache.NewAttrCache(cfg.AttrTTL, attrCacheMaxEntries)
	}
	return fs, nil
}

// Resolver returns the namespace resolver.
func (fs *CacheFS) Resolver() *Resolver { return fs.resolver }

// Meta returns the metadata store.
func (fs *CacheFS) Meta() *storage.MetaStore { return fs.meta }

// Budget returns the configured cache budget in bytes.
func (fs *CacheFS) Budget() int64 { return fs.budget }

// BlockSize returns the cache block size.
func (fs *CacheFS) BlockSize() int64 { return fs.align.BlockSize }

// Handles returns the handle manager.
func (fs *CacheFS) Handles() *HandleManager { return fs.handles }

// Close releases every handle still open. The metadata store stays open.
func (fs *CacheFS) Close() {
	for _, dh := range fs.handles.Clear() {
		if dh.Cache != nil {
			dh.Cache.Close()
		}
		dh.Remote.Close()
	}
	if fs.attrCache != nil {
		st := fs.attrCache.Stats()
		log.Debugf("[VFS] attr cache: %d entries, %d hits, %d misses", st.Size, st.Hits, st.Misses)
		fs.attrCache.Invalidate()
	}
}

// --- Cache Invalidation Methods ---

func (fs *CacheFS) invalidateAttr(rel string) {
	if fs.attrCache != nil {
		fs.attrCache.InvalidatePath(common.RelPath(rel))
	}
}

func (fs *CacheFS) invalidateAttrRename(oldRel, newRel string) {
	if fs.attrCache != nil {
		fs.attrCache.InvalidateRename(common.RelPath(oldRel), common.RelPath(newRel))
	}
}

// InvalidateAttr drops the memoized remote attributes of rel.
func (fs *CacheFS) InvalidateAttr(rel string) {
	fs.invalidateAttr(rel)
}

// --- Namespace operations ---

// Getattr returns the remote attributes of rel, memoized for the attribute TTL.
func (fs *CacheFS) Getattr(rel string) (syscall.Stat_t, error) {
	rel = common.RelPath(rel)
	if fs.attrCache != nil {
		if st, ok := fs.attrCache.Get(rel); ok {
			return st, nil
		}
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(fs.resolver.RemotePath(rel), &st); err != nil {
		return st, err
	}
	if fs.attrCache != nil {
		fs.attrCache.Set(rel, &st)
	}
	return st, nil
}

// dropEntry removes the metadata row and cache file of key and detaches the
// handles open on it. Caller holds the key's write lock.
func (fs *CacheFS) dropEntry(ctx context.Context, key string) error {
	if IsReserved(key) {
		return nil
	}
	fs.handles.Detach(key)
	err := fs.meta.DeleteFile(ctx, key)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if err := os.Remove(fs.resolver.CachePathForKey(key)); err != nil && !os.IsNotExist(err) {
		log.Warnf("[CACHE] remove cache file for %s: %v", key, err)
	}
	return nil
}

// Unlink removes rel from the cache and then from the remote root.
func (fs *CacheFS) Unlink(ctx context.Context, rel string) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Unlink %q → %v (%v)", rel, err, time.Since(start)) }()
	}
	rel = common.RelPath(rel)
	key := fs.resolver.CacheKey(rel)

	unlock := fs.locks.Lock(key)
	if derr := fs.dropEntry(ctx, key); derr != nil {
		log.Warnf("[CACHE] Unlink %q: drop cache entry: %v", rel, derr)
	}
	unlock()

	fs.invalidateAttr(rel)
	return syscall.Unlink(fs.resolver.RemotePath(rel))
}

// Rename renames on the remote root and then moves the cache entries along.
// flags are renameat2 flags.
func (fs *CacheFS) Rename(ctx context.Context, oldRel, newRel string, flags uint32) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Rename %q → %q flags=%d → %v (%v)", oldRel, newRel, flags, err, time.Since(start)) }()
	}
	oldRel = common.RelPath(oldRel)
	newRel = common.RelPath(newRel)
	oldPath := fs.resolver.RemotePath(oldRel)
	newPath := fs.resolver.RemotePath(newRel)

	if flags == 0 {
		err = os.Rename(oldPath, newPath)
	} else {
		err = unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, uint(flags))
	}
	if err != nil {
		return err
	}
	fs.invalidateAttrRename(oldRel, newRel)

	if flags&unix.RENAME_EXCHANGE != 0 {
		// Both names now hold other content.
		fs.dropTree(ctx, oldRel, newPath)
		fs.dropTree(ctx, newRel, oldPath)
		return nil
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(newPath, &st); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		fs.renameTree(ctx, oldRel, newRel, newPath)
		return nil
	}
	if err := fs.moveEntry(ctx, oldRel, newRel); err != nil {
		log.Warnf("[CACHE] Rename %q → %q: %v", oldRel, newRel, err)
	}
	return nil
}

// moveEntry moves the cache file and metadata row of oldRel to newRel. Any
// entry already cached for newRel is dropped, since newRel now names oldRel's
// content.
func (fs *CacheFS) moveEntry(ctx context.Context, oldRel, newRel string) error {
	oldKey := fs.resolver.CacheKey(oldRel)
	newKey := fs.resolver.CacheKey(newRel)
	if oldKey == newKey {
		return nil
	}
	unlock := fs.locks.LockPair(oldKey, newKey)
	defer unlock()

	exists, err := fs.meta.FileExists(ctx, oldKey)
	if err != nil {
		return err
	}
	if !exists || IsReserved(newKey) {
		return errors.Join(fs.dropEntry(ctx, oldKey), fs.dropEntry(ctx, newKey))
	}
	fs.handles.Detach(newKey)
	if err := os.Rename(fs.resolver.CachePathForKey(oldKey), fs.resolver.CachePathForKey(newKey)); err != nil {
		// Without the file the row is useless.
		derr := fs.dropEntry(ctx, oldKey)
		return errors.Join(err, derr, fs.dropEntry(ctx, newKey))
	}
	if err := fs.meta.RenameFile(ctx, oldKey, newKey); err != nil {
		return err
	}
	fs.handles.Rekey(oldKey, newKey, newRel)
	return nil
}

// renameTree moves the cache entries of every file below a renamed directory.
func (fs *CacheFS) renameTree(ctx context.Context, oldRel, newRel, newDir string) {
	_ = filepath.WalkDir(newDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		sub := strings.TrimPrefix(path, newDir)
		if merr := fs.moveEntry(ctx, oldRel+sub, newRel+sub); merr != nil {
			log.Warnf("[CACHE] Rename %q: %v", oldRel+sub, merr)
		}
		return nil
	})
}

// dropTree drops the cache entry of rel, or of every file below it when rel is
// now the directory at dir.
func (fs *CacheFS) dropTree(ctx context.Context, rel, dir string) {
	drop := func(r string) {
		key := fs.resolver.CacheKey(r)
		unlock := fs.locks.Lock(key)
		defer unlock()
		if err := fs.dropEntry(ctx, key); err != nil {
			log.Warnf("[CACHE] drop %q: %v", r, err)
		}
	}
	drop(rel)
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		drop(rel + strings.TrimPrefix(path, dir))
		return nil
	})
}

// Truncate truncates rel on the remote root, then trims its cache entry.
func (fs *CacheFS) Truncate(ctx context.Context, rel string, size int64) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Truncate %q size=%d → %v (%v)", rel, size, err, time.Since(start)) }()
	}
	rel = common.RelPath(rel)
	if err := os.Truncate(fs.resolver.RemotePath(rel), size); err != nil {
		return err
	}
	fs.truncateCache(ctx, rel, fs.resolver.CacheKey(rel), size)
	return nil
}

// TruncateHandle truncates an open file through its remote handle.
func (fs *CacheFS) TruncateHandle(ctx context.Context, h HandleID, size int64) error {
	dh, ok := fs.handles.Get(h)
	if !ok {
		return common.ErrInvalidHandle
	}
	if err := dh.Remote.Truncate(size); err != nil {
		return err
	}
	if !dh.Cached() {
		fs.invalidateAttr(dh.Rel())
		return nil
	}
	fs.truncateCache(ctx, dh.Rel(), dh.Key(), size)
	return nil
}

// truncateCache mirrors a remote truncate into the cache: blocks starting at
// or past size are dropped and the cache file is cut to the same length.
func (fs *CacheFS) truncateCache(ctx context.Context, rel, key string, size int64) {
	fs.invalidateAttr(rel)
	fs.handles.SetSize(key, size)
	var st syscall.Stat_t
	if err := syscall.Stat(fs.resolver.RemotePath(rel), &st); err != nil {
		log.Debugf("[CACHE] Truncate %q: stat remote: %v", rel, err)
	}
	fs.handles.SetMtime(key, st.Mtim.Nano())

	unlock := fs.locks.Lock(key)
	defer unlock()

	exists, err := fs.meta.FileExists(ctx, key)
	if err != nil || !exists {
		return
	}
	if _, err := fs.meta.DeleteBlocksFrom(ctx, key, size); err != nil {
		log.Warnf("[CACHE] Truncate %q: %v, dropping entry", rel, err)
		_ = fs.dropEntry(ctx, key)
		return
	}
	if err := os.Truncate(fs.resolver.CachePathForKey(key), size); err != nil {
		log.Warnf("[CACHE] Truncate %q: cache file: %v, dropping entry", rel, err)
		_ = fs.dropEntry(ctx, key)
		return
	}
	if err := fs.meta.SetRemoteState(ctx, key, size, st.Mtim.Nano()); err != nil {
		log.Debugf("[CACHE] Truncate %q: record remote state: %v", rel, err)
	}
}

// ReconcileResult reports what Reconcile cleaned up.
type ReconcileResult struct {
	DroppedRows  int // rows whose cache file was gone
	RemovedFiles int // cache files no row referenced
}

// Reconcile brings the cache root and the metadata store back in line after a
// crash: rows without a cache file are dropped and unreferenced cache files
// are removed.
func (fs *CacheFS) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	return Reconcile(ctx, fs.meta, fs.resolver)
}

// Reconcile is CacheFS.Reconcile for a store that is not mounted.
func Reconcile(ctx context.Context, meta *storage.MetaStore, r *Resolver) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	files, err := meta.ListFiles(ctx, 0)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(files))
	for _, f := range files {
		if _, err := os.Stat(r.CachePathForKey(f.Key)); os.IsNotExist(err) {
			if err := meta.DeleteFile(ctx, f.Key); err != nil && !errors.Is(err, common.ErrNotFound) {
				return res, err
			}
			res.DroppedRows++
			continue
		}
		known[f.Key] = true
	}

	entries, err := os.ReadDir(r.CacheRoot())
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || IsReserved(e.Name()) || known[r.KeyForName(e.Name())] {
			continue
		}
		if err := os.Remove(filepath.Join(r.CacheRoot(), e.Name())); err != nil {
			log.Warnf("[CACHE] Reconcile: remove %s: %v", e.Name(), err)
			continue
		}
		res.RemovedFiles++
	}
	log.Debugf("[CACHE] Reconcile: dropped %d rows, removed %d files", res.DroppedRows, res.RemovedFiles)
	return res, nil
}

// Purge drops all metadata rows and every cache file under the resolver's
// cache root. It must not run while the cache is mounted.
func Purge(ctx context.Context, meta *storage.MetaStore, r *Resolver) (int, error) {
	if err := meta.Purge(ctx); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(r.CacheRoot())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || IsReserved(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(r.CacheRoot(), e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// AttrChange lists the attributes a setattr request changes. Nil fields are
// left alone.
type AttrChange struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
	Size  *int64
}

// Setattr applies ch to rel on the remote root, through the open handle h
// when h is non-zero. Size changes keep the cache entry in line.
func (fs *CacheFS) Setattr(ctx context.Context, rel string, h HandleID, ch AttrChange) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Setattr %q h=%d → %v (%v)", rel, h, err, time.Since(start)) }()
	}
	var dh *DualHandle
	if h != 0 {
		var ok bool
		if dh, ok = fs.handles.Get(h); !ok {
			return common.ErrInvalidHandle
		}
		rel = dh.Rel()
	}
	rel = common.RelPath(rel)
	path := fs.resolver.RemotePath(rel)
	defer fs.invalidateAttr(rel)

	if ch.Mode != nil {
		if dh != nil {
			err = syscall.Fchmod(int(dh.Remote.Fd()), *ch.Mode&0o7777)
		} else {
			err = syscall.Chmod(path, *ch.Mode&0o7777)
		}
		if err != nil {
			return err
		}
	}

	if ch.UID != nil || ch.GID != nil {
		uid, gid := -1, -1
		if ch.UID != nil {
			uid = int(*ch.UID)
		}
		if ch.GID != nil {
			gid = int(*ch.GID)
		}
		if dh != nil {
			err = syscall.Fchown(int(dh.Remote.Fd()), uid, gid)
		} else {
			err = syscall.Lchown(path, uid, gid)
		}
		if err != nil {
			return err
		}
	}

	if ch.Size != nil {
		if dh != nil {
			err = fs.TruncateHandle(ctx, h, *ch.Size)
		} else {
			err = fs.Truncate(ctx, rel, *ch.Size)
		}
		if err != nil {
			return err
		}
	}

	if ch.Atime != nil || ch.Mtime != nil {
		omit := unix.Timespec{Nsec: unix.UTIME_OMIT}
		ts := []unix.Timespec{omit, omit}
		if ch.Atime != nil {
			ts[0] = unix.NsecToTimespec(ch.Atime.UnixNano())
		}
		if ch.Mtime != nil {
			ts[1] = unix.NsecToTimespec(ch.Mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return err
		}
	}
	return nil
}
