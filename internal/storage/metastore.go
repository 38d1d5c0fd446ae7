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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"nascache/internal/common"
	"nascache/internal/util"
)

// MetaStore tracks which blocks of which cache files are present, and how
// many bytes they account for. Mutations are serialized by mu, and the usage
// counter only changes under mu after the owning transaction committed.
type MetaStore struct {
	path      string
	db        *sql.DB
	bunDB     *BunDB
	blockSize int64

	mu        sync.Mutex
	used      atomic.Int64
	lastStamp int64
	now       func() time.Time
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout(ctx))); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	// Failure is non-fatal (may not be supported on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")
	return nil
}

// OpenMetaStore opens the metadata file at path, creating it if absent.
// An existing file recorded with a different block size is reset, since its
// block offsets no longer line up. A blockSize of 0 adopts the recorded one
// (DefaultBlockSize for a new file) and never resets.
func OpenMetaStore(path string, blockSize int64, dbctx DBContext) (*MetaStore, error) {
	if blockSize < 0 {
		return nil, fmt.Errorf("%w: %d", common.ErrBlockSize, blockSize)
	}

	db, err := sql.Open("libsql", BuildDSN(path, dbctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them all in force.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, dbctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := execStatements(db, cacheMetaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	bs := strconv.FormatInt(blockSize, 10)
	if blockSize == 0 {
		bs = strconv.FormatInt(DefaultBlockSize, 10)
	}
	if err := execStatements(db, initCacheMeta, SchemaVersion, bs); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	ms := &MetaStore{
		path:      path,
		db:        db,
		bunDB:     NewBunDB(db),
		blockSize: blockSize,
		now:       time.Now,
	}
	ctx := context.Background()

	fileType, err := ms.bunDB.GetSchemaInfo(ctx, "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != StoreType {
		db.Close()
		return nil, fmt.Errorf("not a cache metadata file (type=%s)", fileType)
	}

	stored, err := ms.bunDB.GetSchemaInfo(ctx, "block_size")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read block size: %w", err)
	}
	if blockSize == 0 {
		ms.blockSize, err = strconv.ParseInt(stored, 10, 64)
		if err != nil || ms.blockSize <= 0 {
			db.Close()
			return nil, fmt.Errorf("%w: recorded %q", common.ErrBlockSize, stored)
		}
	} else if stored != bs {
		log.Warnf("[CACHE] block size changed %s -> %s, resetting metadata", stored, bs)
		err := ms.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := ms.bunDB.TruncateAllWith(tx, ctx); err != nil {
				return err
			}
			return ms.bunDB.SetSchemaInfoWith(tx, ctx, "block_size", bs)
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reset metadata: %w", err)
		}
	}

	if err := ms.reloadCounters(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("[CACHE] opened %s: block_size=%d used=%d", path, ms.blockSize, ms.used.Load())
	return ms, nil
}

func (ms *MetaStore) reloadCounters(ctx context.Context) error {
	used, err := ms.bunDB.SumLocalSize(ctx)
	if err != nil {
		return fmt.Errorf("failed to sum local sizes: %w", err)
	}
	var last sql.NullInt64
	if err := ms.bunDB.NewRaw(`SELECT MAX(touched_at) FROM data_blocks`).Scan(ctx, &last); err != nil {
		return fmt.Errorf("failed to read last stamp: %w", err)
	}
	ms.used.Store(used)
	ms.lastStamp = last.Int64
	return nil
}

// Close checkpoints the WAL and closes the database connection.
func (ms *MetaStore) Close() error {
	if ms.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	if rows, err := ms.db.Query("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[CACHE] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}
	err := ms.db.Close()
	ms.db = nil
	return err
}

// Path returns the file path
func (ms *MetaStore) Path() string {
	return ms.path
}

// BlockSize returns the block size the store accounts in.
func (ms *MetaStore) BlockSize() int64 {
	return ms.blockSize
}

// BunDB returns the Bun database wrapper.
func (ms *MetaStore) BunDB() *BunDB {
	return ms.bunDB
}

// UsedSize returns the bytes accounted to present blocks across all files.
func (ms *MetaStore) UsedSize() int64 {
	return ms.used.Load()
}

// stamp returns a strictly increasing touch time. Caller holds mu.
func (ms *MetaStore) stamp() int64 {
	t := ms.now().UnixNano()
	if t <= ms.lastStamp {
		t = ms.lastStamp + 1
	}
	ms.lastStamp = t
	return t
}

// mutate runs fn in one transaction under mu. fn returns the usage delta,
// which is applied only after commit. "database is locked" is retried.
func (ms *MetaStore) mutate(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) (int64, error)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var delta int64
	err := util.Retry(ctx, func() error {
		delta = 0
		return ms.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			d, err := fn(ctx, tx)
			delta = d
			return err
		})
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return err
	}
	ms.used.Add(delta)
	return nil
}

// --- Files ---

// FileExists reports whether key has a file row.
func (ms *MetaStore) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := ms.bunDB.GetFile(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateFile registers key with no present blocks, recording the remote size
// and mtime (ns) it was opened at. It fails with common.ErrExists if key is
// already registered.
func (ms *MetaStore) CreateFile(ctx context.Context, key string, remoteSize, remoteMtime int64) (int64, error) {
	var id int64
	err := ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		if _, err := ms.bunDB.GetFileWith(tx, ctx, key); err == nil {
			return 0, fmt.Errorf("%w: %s", common.ErrExists, key)
		} else if !errors.Is(err, common.ErrNotFound) {
			return 0, err
		}
		file := &FileModel{Path: key, RemoteSize: remoteSize, RemoteMtime: remoteMtime}
		if err := ms.bunDB.InsertFileWith(tx, ctx, file); err != nil {
			return 0, err
		}
		id = file.ID
		return 0, nil
	})
	return id, err
}

// DeleteFile removes key and all its blocks, releasing their accounted bytes.
func (ms *MetaStore) DeleteFile(ctx context.Context, key string) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
		if err := ms.bunDB.DeleteFileWith(tx, ctx, file.ID); err != nil {
			return 0, err
		}
		return -file.LocalSize, nil
	})
}

// RenameFile moves the row of oldKey to newKey, dropping any row already at newKey.
func (ms *MetaStore) RenameFile(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		src, err := ms.bunDB.GetFileWith(tx, ctx, oldKey)
		if err != nil {
			return 0, fmt.Errorf("rename %s: %w", oldKey, err)
		}
		var delta int64
		dst, err := ms.bunDB.GetFileWith(tx, ctx, newKey)
		switch {
		case err == nil:
			if err := ms.bunDB.DeleteFileWith(tx, ctx, dst.ID); err != nil {
				return 0, err
			}
			delta = -dst.LocalSize
		case !errors.Is(err, common.ErrNotFound):
			return 0, err
		}
		return delta, ms.bunDB.RenameFileWith(tx, ctx, src.ID, newKey)
	})
}

// SetRemoteState records the remote size and mtime (ns) the cached bytes of
// key correspond to.
func (ms *MetaStore) SetRemoteState(ctx context.Context, key string, size, mtime int64) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, err
		}
		return 0, ms.bunDB.SetRemoteStateWith(tx, ctx, file.ID, size, mtime)
	})
}

// FileInfo returns the row summary of key.
func (ms *MetaStore) FileInfo(ctx context.Context, key string) (*FileInfo, error) {
	file, err := ms.bunDB.GetFile(ctx, key)
	if err != nil {
		return nil, err
	}
	blocks, err := ms.bunDB.CountBlocks(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ID:          file.ID,
		Key:         file.Path,
		RemoteSize:  file.RemoteSize,
		RemoteMtime: file.RemoteMtime,
		LocalSize:   file.LocalSize,
		Blocks:      blocks,
	}, nil
}

// ListFiles returns up to limit files, largest local size first.
func (ms *MetaStore) ListFiles(ctx context.Context, limit int) ([]FileInfo, error) {
	files, err := ms.bunDB.ListFiles(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{
			ID:          f.ID,
			Key:         f.Path,
			RemoteSize:  f.RemoteSize,
			RemoteMtime: f.RemoteMtime,
			LocalSize:   f.LocalSize,
			Blocks:      f.LocalSize / ms.blockSize,
		}
	}
	return out, nil
}

// ResolveFileName maps a file id back to its cache key.
func (ms *MetaStore) ResolveFileName(ctx context.Context, fileID int64) (string, error) {
	return util.RetryWithResult(ctx, func() (string, error) {
		file, err := ms.bunDB.GetFileByID(ctx, fileID)
		if err != nil {
			return "", err
		}
		return file.Path, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// Stats summarizes the store.
func (ms *MetaStore) Stats(ctx context.Context) (*Stats, error) {
	files, err := ms.bunDB.CountFiles(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := ms.bunDB.CountBlocks(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Files:     files,
		Blocks:    blocks,
		UsedBytes: ms.UsedSize(),
		BlockSize: ms.blockSize,
	}, nil
}

// Purge drops every file and block row.
func (ms *MetaStore) Purge(ctx context.Context) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		if err := ms.bunDB.TruncateAllWith(tx, ctx); err != nil {
			return 0, err
		}
		return -ms.used.Load(), nil
	})
}

// --- Blocks ---

// BlockExists reports whether the block at offset of key is present.
func (ms *MetaStore) BlockExists(ctx context.Context, key string, offset int64) (bool, error) {
	file, err := ms.bunDB.GetFile(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = ms.bunDB.GetBlockWith(ms.bunDB.DB, ctx, file.ID, offset)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// BlocksExist reports presence per offset, and whether every offset is present.
// An unregistered key reports all absent.
func (ms *MetaStore) BlocksExist(ctx context.Context, key string, offsets []int64) ([]bool, bool, error) {
	out := make([]bool, len(offsets))
	file, err := ms.bunDB.GetFile(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return out, len(offsets) == 0, nil
	}
	if err != nil {
		return nil, false, err
	}
	present, err := ms.bunDB.PresentOffsetsWith(ms.bunDB.DB, ctx, file.ID, offsets)
	if err != nil {
		return nil, false, err
	}
	all := true
	for i, off := range offsets {
		out[i] = present[off]
		all = all && out[i]
	}
	return out, all, nil
}

// InsertBlock marks one block present. The file must be registered and the
// block must not already be present.
func (ms *MetaStore) InsertBlock(ctx context.Context, key string, offset int64) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, fmt.Errorf("insert block %s@%d: %w", key, offset, err)
		}
		if _, err := ms.bunDB.GetBlockWith(tx, ctx, file.ID, offset); err == nil {
			return 0, fmt.Errorf("%w: block %s@%d", common.ErrExists, key, offset)
		}
		blk := []DataBlockModel{{FileID: file.ID, BlockOffset: offset, TouchedAt: ms.stamp(), Valid: true}}
		if err := ms.bunDB.InsertBlocksWith(tx, ctx, blk); err != nil {
			return 0, err
		}
		if err := ms.bunDB.AddLocalSizeWith(tx, ctx, file.ID, ms.blockSize); err != nil {
			return 0, err
		}
		return ms.blockSize, nil
	})
}

// TouchBlock refreshes the recency of a present block.
func (ms *MetaStore) TouchBlock(ctx context.Context, key string, offset int64) error {
	return ms.TouchBlocks(ctx, key, []int64{offset})
}

// TouchBlocks refreshes the recency of present blocks; absent offsets are ignored
// unless none of them is present.
func (ms *MetaStore) TouchBlocks(ctx context.Context, key string, offsets []int64) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, err
		}
		n, err := ms.bunDB.TouchBlocksWith(tx, ctx, file.ID, offsets, ms.stamp())
		if err != nil {
			return 0, err
		}
		if n == 0 && len(offsets) > 0 {
			return 0, fmt.Errorf("touch %s: %w", key, common.ErrNotFound)
		}
		return 0, nil
	})
}

// WriteBlocks marks offsets fresh: present blocks are touched, absent ones
// inserted. It returns how many blocks were newly inserted.
func (ms *MetaStore) WriteBlocks(ctx context.Context, key string, offsets []int64) (int, error) {
	var added int
	err := ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		added = 0
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, fmt.Errorf("write blocks %s: %w", key, err)
		}
		present, err := ms.bunDB.PresentOffsetsWith(tx, ctx, file.ID, offsets)
		if err != nil {
			return 0, err
		}
		ts := ms.stamp()
		var existing []int64
		var fresh []DataBlockModel
		seen := make(map[int64]bool, len(offsets))
		for _, off := range offsets {
			if seen[off] {
				continue
			}
			seen[off] = true
			if present[off] {
				existing = append(existing, off)
				continue
			}
			fresh = append(fresh, DataBlockModel{FileID: file.ID, BlockOffset: off, TouchedAt: ts, Valid: true})
		}
		if _, err := ms.bunDB.TouchBlocksWith(tx, ctx, file.ID, existing, ts); err != nil {
			return 0, err
		}
		if err := ms.bunDB.InsertBlocksWith(tx, ctx, fresh); err != nil {
			return 0, err
		}
		delta := int64(len(fresh)) * ms.blockSize
		if err := ms.bunDB.AddLocalSizeWith(tx, ctx, file.ID, delta); err != nil {
			return 0, err
		}
		added = len(fresh)
		return delta, nil
	})
	return added, err
}

// DeleteBlock marks one block absent.
func (ms *MetaStore) DeleteBlock(ctx context.Context, key string, offset int64) error {
	return ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if err != nil {
			return 0, err
		}
		n, err := ms.bunDB.DeleteBlockWith(tx, ctx, file.ID, offset)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("block %s@%d: %w", key, offset, common.ErrNotFound)
		}
		if err := ms.bunDB.AddLocalSizeWith(tx, ctx, file.ID, -ms.blockSize); err != nil {
			return 0, err
		}
		return -ms.blockSize, nil
	})
}

// DeleteBlocksFrom marks absent every block of key starting at or after from.
// It returns the number of blocks removed; an unregistered key removes none.
func (ms *MetaStore) DeleteBlocksFrom(ctx context.Context, key string, from int64) (int, error) {
	var removed int
	err := ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		removed = 0
		file, err := ms.bunDB.GetFileWith(tx, ctx, key)
		if errors.Is(err, common.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n, err := ms.bunDB.DeleteBlocksFromWith(tx, ctx, file.ID, from)
		if err != nil {
			return 0, err
		}
		delta := -n * ms.blockSize
		if err := ms.bunDB.AddLocalSizeWith(tx, ctx, file.ID, delta); err != nil {
			return 0, err
		}
		removed = int(n)
		return delta, nil
	})
	return removed, err
}

// ListBlockOffsets returns the present block offsets of key in ascending order.
func (ms *MetaStore) ListBlockOffsets(ctx context.Context, key string) ([]int64, error) {
	file, err := ms.bunDB.GetFile(ctx, key)
	if err != nil {
		return nil, err
	}
	return ms.bunDB.ListBlockOffsetsWith(ms.bunDB.DB, ctx, file.ID)
}

// --- Eviction ---

// SelectEvictionCandidates returns up to n blocks, least recently touched first.
func (ms *MetaStore) SelectEvictionCandidates(ctx context.Context, n int) ([]Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	return ms.bunDB.SelectEvictionCandidates(ctx, n)
}

// EvictBlock removes a candidate block if it has not been touched since it was
// selected. It reports whether the block was removed.
func (ms *MetaStore) EvictBlock(ctx context.Context, c Candidate) (bool, error) {
	var evicted bool
	err := ms.mutate(ctx, func(ctx context.Context, tx bun.Tx) (int64, error) {
		evicted = false
		n, err := ms.bunDB.EvictBlockWith(tx, ctx, c)
		if err != nil || n == 0 {
			return 0, err
		}
		if err := ms.bunDB.AddLocalSizeWith(tx, ctx, c.FileID, -ms.blockSize); err != nil {
			return 0, err
		}
		evicted = true
		return -ms.blockSize, nil
	})
	return evicted, err
}

// RemoveFile deletes the metadata file and its WAL companions.
func RemoveFile(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
