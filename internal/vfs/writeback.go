package vfs

import (
	"context"

	log "github.com/sirupsen/logrus"

	"nascache/internal/common"
)

// makeRoom evicts until accounted usage is below the budget, numBlocks
// candidates per pass. It fails with common.ErrCacheFull when a pass frees
// nothing. Caller must not hold any key lock.
func (fs *CacheFS) makeRoom(ctx context.Context, numBlocks int64) error {
	for fs.meta.UsedSize() >= fs.budget {
		evicted, err := fs.Evict(ctx, int(max(numBlocks, 1)))
		if err != nil {
			return err
		}
		if evicted == 0 {
			return common.ErrCacheFull
		}
	}
	return nil
}

// writeBack stores buf, which starts at the block boundary off, in the cache
// file of dh and marks its blocks present. With fill set, blocks that became
// present in the meantime are left alone.
func (fs *CacheFS) writeBack(ctx context.Context, dh *DualHandle, buf []byte, off int64, fill bool) error {
	if len(buf) == 0 {
		return nil
	}
	if err := fs.makeRoom(ctx, fs.align.BlocksFor(int64(len(buf)))); err != nil {
		return err
	}
	key, unlock := fs.lockHandle(dh)
	defer unlock()
	return fs.store(ctx, dh, key, buf, off, fill)
}

// store writes buf to the cache file before recording its blocks, so metadata
// never claims bytes that are not on disk. Caller holds the key's write lock.
func (fs *CacheFS) store(ctx context.Context, dh *DualHandle, key string, buf []byte, off int64, fill bool) error {
	if !dh.Cached() {
		return nil
	}
	// A truncate may have run since buf was read.
	if size := dh.Size(); off+int64(len(buf)) > size {
		buf = window(buf, 0, size-off)
	}
	if len(buf) == 0 {
		return nil
	}

	bs := fs.align.BlockSize
	offsets := fs.align.Cover(off, int64(len(buf))).Offsets()
	present := make([]bool, len(offsets))
	if fill {
		var err error
		if present, _, err = fs.meta.BlocksExist(ctx, key, offsets); err != nil {
			return err
		}
	}

	var written []int64
	for _, r := range splitRuns(offsets, present) {
		if r.present {
			continue
		}
		seg := window(buf, r.start-off, r.length(bs))
		if _, err := dh.Cache.WriteAt(seg, r.start); err != nil {
			return cacheErr("write", err)
		}
		written = append(written, blockOffsets(r, bs)...)
	}
	if len(written) == 0 {
		return nil
	}
	added, err := fs.meta.WriteBlocks(ctx, key, written)
	if err != nil {
		return err
	}
	log.Tracef("[CACHE] stored %d blocks of %q at %d (%d new)", len(written), dh.Rel(), off, added)
	return nil
}
