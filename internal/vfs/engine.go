package vfs

import (
	"context"
	"errors"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"nascache/internal/common"
)

// Read reads up to len(buf) bytes of h at off. Blocks marked present are
// served from the cache file; the rest come from the remote file and are
// written back into the cache afterwards.
func (fs *CacheFS) Read(ctx context.Context, h HandleID, buf []byte, off int64) (n int, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Read h=%d off=%d len=%d → n=%d err=%v (%v)", h, off, len(buf), n, err, time.Since(start)) }()
	}
	defer recoverPanic("Read", &err)

	dh, ok := fs.handles.Get(h)
	if !ok {
		return 0, common.ErrInvalidHandle
	}
	if !dh.Cached() {
		return readAt(dh.Remote, buf, off)
	}
	size := dh.Size()
	if off+int64(len(buf)) > size {
		size = fs.refreshSize(ctx, dh, size)
	}
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	if rest := size - off; int64(len(buf)) > rest {
		buf = buf[:rest]
	}

	rng := fs.align.Cover(off, int64(len(buf)))
	offsets := rng.Offsets()
	key := dh.Key()
	unlock := fs.locks.RLock(key)
	present, all, err := fs.meta.BlocksExist(ctx, key, offsets)
	if err != nil {
		unlock()
		log.Warnf("[CACHE] Read %q: block lookup: %v", dh.Rel(), err)
		return 0, EIO
	}

	if all {
		n, err = readAt(dh.Cache, buf, off)
		fs.touch(ctx, dh, key, offsets)
		unlock()
		if err != nil {
			log.Warnf("[CACHE] Read %q: %v", dh.Rel(), err)
			return 0, EIO
		}
		return n, nil
	}

	// Mixed or cold: fill an aligned buffer, hits from the cache and misses
	// from the remote, then hand back the requested window.
	abuf := make([]byte, min(rng.AlignedSize, size-rng.Lower))
	runs := splitRuns(offsets, present)
	got := make([]int, len(runs)) // bytes read per miss run
	bs := fs.align.BlockSize

	var g errgroup.Group
	g.Go(func() error {
		for _, r := range runs {
			if !r.present {
				continue
			}
			seg := window(abuf, r.start-rng.Lower, r.length(bs))
			if _, err := readAt(dh.Cache, seg, r.start); err != nil {
				return cacheErr("read", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i, r := range runs {
			if r.present {
				continue
			}
			seg := window(abuf, r.start-rng.Lower, r.length(bs))
			n, err := readAt(dh.Remote, seg, r.start)
			got[i] = n
			if err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()
	var hits []int64
	for _, r := range runs {
		if r.present {
			hits = append(hits, blockOffsets(r, bs)...)
		}
	}
	if err == nil && len(hits) > 0 {
		fs.touch(ctx, dh, key, hits)
	}
	unlock()
	if err != nil {
		if errors.Is(err, common.ErrIO) {
			log.Warnf("[CACHE] Read %q: %v", dh.Rel(), err)
			return 0, EIO
		}
		return 0, err
	}

	// A short remote read means the file shrank underneath us; only the
	// bytes that were really there are returned and cached.
	limit := rng.Lower + int64(len(abuf))
	for i, r := range runs {
		if r.present {
			continue
		}
		want := min(r.length(bs), limit-r.start)
		if want > 0 && int64(got[i]) < want {
			limit = r.start + int64(got[i])
			break
		}
	}
	n = copy(buf, window(abuf, off-rng.Lower, limit-off))

	for i, r := range runs {
		if r.present || r.start >= limit {
			continue
		}
		valid := int64(got[i])
		if r.start+valid < dh.Size() {
			valid -= valid % bs
		}
		if valid == 0 {
			continue
		}
		seg := window(abuf, r.start-rng.Lower, valid)
		if werr := fs.writeBack(ctx, dh, seg, r.start, true); werr != nil {
			logWriteBack(dh.Rel(), werr)
		}
	}
	return n, nil
}

// Write writes data to the remote file at off, then reads the covering
// blocks back and stores them in the cache. Only the remote result affects
// the returned count.
func (fs *CacheFS) Write(ctx context.Context, h HandleID, data []byte, off int64) (n int, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Write h=%d off=%d len=%d → n=%d err=%v (%v)", h, off, len(data), n, err, time.Since(start)) }()
	}
	defer recoverPanic("Write", &err)

	dh, ok := fs.handles.Get(h)
	if !ok {
		return 0, common.ErrInvalidHandle
	}
	n, err = fs.writeAt(dh.Remote, data, off)
	if n > 0 {
		dh.Grow(off + int64(n))
		fs.invalidateAttr(dh.Rel())
		fs.noteRemoteMtime(dh)
	}
	if err != nil {
		// Cached blocks under a partial write no longer match the remote.
		if n > 0 && dh.Cached() {
			key, unlock := fs.lockHandle(dh)
			fs.forget(ctx, dh, key, fs.align.Cover(off, int64(n)).Offsets())
			unlock()
		}
		return n, err
	}
	if n == 0 || !dh.Cached() {
		return n, nil
	}

	rng := fs.align.Cover(off, int64(n))
	roomErr := fs.makeRoom(ctx, rng.NumBlocks)
	key, unlock := fs.lockHandle(dh)
	defer unlock()
	if roomErr != nil {
		logWriteBack(dh.Rel(), roomErr)
		fs.forget(ctx, dh, key, rng.Offsets())
		return n, nil
	}

	size := dh.Size()
	abuf := make([]byte, max(0, min(rng.AlignedSize, size-rng.Lower)))
	got, rerr := readAt(dh.Remote, abuf, rng.Lower)
	if rerr != nil {
		log.Warnf("[CACHE] Write %q: read back: %v", dh.Rel(), rerr)
		fs.forget(ctx, dh, key, rng.Offsets())
		return n, nil
	}
	valid := int64(got)
	if rng.Lower+valid < size {
		valid -= valid % fs.align.BlockSize
	}
	if werr := fs.store(ctx, dh, key, abuf[:valid], rng.Lower, false); werr != nil {
		logWriteBack(dh.Rel(), werr)
		fs.forget(ctx, dh, key, rng.Offsets())
		return n, nil
	}
	// Blocks of a short read-back were not stored.
	if stored, end := rng.Lower+valid, min(rng.End(), size); stored < end {
		fs.forget(ctx, dh, key, fs.align.Cover(stored, end-stored).Offsets())
	}
	return n, nil
}

// refreshSize picks up growth of the remote file by another client while dh
// is open. A partial tail block is forgotten first: its cached bytes end at
// the old size.
func (fs *CacheFS) refreshSize(ctx context.Context, dh *DualHandle, size int64) int64 {
	var st syscall.Stat_t
	if err := syscall.Fstat(int(dh.Remote.Fd()), &st); err != nil || st.Size <= size {
		return size
	}
	if size%fs.align.BlockSize != 0 {
		key, unlock := fs.lockHandle(dh)
		fs.forget(ctx, dh, key, []int64{fs.align.AlignDown(size)})
		unlock()
	}
	dh.Grow(st.Size)
	return dh.Size()
}

// noteRemoteMtime records the remote mtime after a write through dh, so the
// write is not mistaken for another client's change on the next open. If the
// stat fails the entry is treated as stale then.
func (fs *CacheFS) noteRemoteMtime(dh *DualHandle) {
	if !dh.Cached() {
		return
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(int(dh.Remote.Fd()), &st); err != nil {
		log.Debugf("[CACHE] Write %q: stat remote: %v", dh.Rel(), err)
		return
	}
	dh.NoteMtime(st.Mtim.Nano())
}

// forget marks blocks absent after a write the cache could not mirror, so
// they are refetched instead of served stale. Caller holds the key's write
// lock.
func (fs *CacheFS) forget(ctx context.Context, dh *DualHandle, key string, offsets []int64) {
	if !dh.Cached() {
		return
	}
	for _, off := range offsets {
		err := fs.meta.DeleteBlock(ctx, key, off)
		if err == nil || errors.Is(err, common.ErrNotFound) {
			continue
		}
		log.Warnf("[CACHE] %q: cannot forget block %d: %v, dropping entry", dh.Rel(), off, err)
		if derr := fs.dropEntry(ctx, key); derr != nil {
			log.Errorf("[CACHE] %q: drop entry: %v", dh.Rel(), derr)
		}
		return
	}
}

// touch refreshes the recency of blocks just served from the cache.
func (fs *CacheFS) touch(ctx context.Context, dh *DualHandle, key string, offsets []int64) {
	if err := fs.meta.TouchBlocks(ctx, key, offsets); err != nil {
		log.Debugf("[CACHE] touch %q: %v", dh.Rel(), err)
	}
}

// window returns buf[off:off+length] clipped to buf.
func window(buf []byte, off, length int64) []byte {
	if off >= int64(len(buf)) || length <= 0 {
		return nil
	}
	return buf[off:min(off+length, int64(len(buf)))]
}

func blockOffsets(r run, blockSize int64) []int64 {
	out := make([]int64, r.blocks)
	for i := range out {
		out[i] = r.start + int64(i)*blockSize
	}
	return out
}

func logWriteBack(rel string, err error) {
	if errors.Is(err, common.ErrCacheFull) {
		log.Debugf("[CACHE] %q not cached: %v", rel, err)
		return
	}
	log.Warnf("[CACHE] write-back %q: %v", rel, err)
}
