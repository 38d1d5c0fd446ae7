package vfs

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"

	"nascache/internal/common"
	"nascache/internal/storage"
)

// Evict removes up to n of the least recently touched blocks across all
// files and punches them out of their cache files. It returns how many
// blocks were actually removed; blocks touched since selection are kept.
// Caller must not hold any key lock.
func (fs *CacheFS) Evict(ctx context.Context, n int) (int, error) {
	cands, err := fs.meta.SelectEvictionCandidates(ctx, n)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return 0, nil
	}

	keys := make(map[int64]string)
	files := make(map[string]*os.File)
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	evicted := 0
	for _, c := range cands {
		key, ok := keys[c.FileID]
		if !ok {
			key, err = fs.meta.ResolveFileName(ctx, c.FileID)
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			if err != nil {
				return evicted, err
			}
			keys[c.FileID] = key
		}
		done, err := fs.evictOne(ctx, key, c, files)
		if err != nil {
			return evicted, err
		}
		if done {
			evicted++
		}
	}
	log.Debugf("[EVICT] evicted %d/%d candidates, used=%d budget=%d", evicted, len(cands), fs.meta.UsedSize(), fs.budget)
	return evicted, nil
}

// evictOne drops candidate c of key. The row goes first, conditionally, so a
// block touched after selection is never punched.
func (fs *CacheFS) evictOne(ctx context.Context, key string, c storage.Candidate, files map[string]*os.File) (bool, error) {
	unlock := fs.locks.Lock(key)
	defer unlock()

	// A rename may have moved the file since its name was resolved.
	if cur, err := fs.meta.ResolveFileName(ctx, c.FileID); err != nil || cur != key {
		return false, nil
	}
	ok, err := fs.meta.EvictBlock(ctx, c)
	if err != nil || !ok {
		return false, err
	}

	f, opened := files[key]
	if !opened {
		f, err = os.OpenFile(fs.resolver.CachePathForKey(key), os.O_WRONLY, 0)
		if err != nil {
			log.Warnf("[EVICT] open cache file %s: %v", key, err)
			f = nil
		}
		files[key] = f
	}
	if f != nil {
		if err := punchHole(f, c.Offset, fs.align.BlockSize); err != nil {
			log.Warnf("[EVICT] punch %s@%d: %v", key, c.Offset, err)
		}
	}
	return true, nil
}
