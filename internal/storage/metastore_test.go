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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nascache/internal/common"
)

const testBlock = 4096

// testStore creates a temporary metadata store for testing.
// Uses t.TempDir() which automatically cleans up after the test.
func testStore(t *testing.T) *MetaStore {
	t.Helper()
	ms, err := OpenMetaStore(filepath.Join(t.TempDir(), MetaFileName), testBlock, DBContextDefault)
	require.NoError(t, err, "failed to open metadata store")
	t.Cleanup(func() { ms.Close() })
	return ms
}

// assertAccounting checks that the counter matches the rows.
func assertAccounting(t *testing.T, ms *MetaStore) {
	t.Helper()
	ctx := context.Background()
	sum, err := ms.BunDB().SumLocalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, ms.UsedSize(), "usage counter must equal SUM(local_size)")

	files, err := ms.BunDB().ListFiles(ctx, 0)
	require.NoError(t, err)
	for _, f := range files {
		n, err := ms.BunDB().CountBlocks(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, n*testBlock, f.LocalSize, "local_size of %s", f.Path)
	}
}

func TestOpenMetaStore(t *testing.T) {
	t.Parallel()

	t.Run("creates new file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), MetaFileName)
		ms, err := OpenMetaStore(path, testBlock, DBContextDefault)
		require.NoError(t, err)
		defer ms.Close()

		assert.FileExists(t, path)
		assert.Equal(t, path, ms.Path())
		assert.Equal(t, int64(testBlock), ms.BlockSize())
		assert.Zero(t, ms.UsedSize())
	})

	t.Run("rejects bad block size", func(t *testing.T) {
		t.Parallel()
		_, err := OpenMetaStore(filepath.Join(t.TempDir(), MetaFileName), -1, DBContextDefault)
		assert.ErrorIs(t, err, common.ErrBlockSize)
	})

	t.Run("upgrades version 1 file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), MetaFileName)
		ctx := context.Background()

		db, err := sql.Open("libsql", "file:"+path)
		require.NoError(t, err)
		require.NoError(t, execStatements(db, `
CREATE TABLE schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    remote_size INTEGER NOT NULL DEFAULT 0,
    local_size INTEGER NOT NULL DEFAULT 0
);
INSERT INTO schema_info (key, value) VALUES ('version', '1');
INSERT INTO schema_info (key, value) VALUES ('type', 'cache-meta');
INSERT INTO schema_info (key, value) VALUES ('block_size', '4096');
INSERT INTO files (path, remote_size) VALUES ('/old', 10);
`))
		require.NoError(t, db.Close())

		ms, err := OpenMetaStore(path, testBlock, DBContextDefault)
		require.NoError(t, err)
		defer ms.Close()

		info, err := ms.FileInfo(ctx, "/old")
		require.NoError(t, err)
		assert.Equal(t, int64(10), info.RemoteSize)
		assert.Zero(t, info.RemoteMtime, "rows from before the column match no remote mtime")

		version, err := ms.BunDB().GetSchemaInfo(ctx, "version")
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, version)
	})

	t.Run("zero block size adopts recorded one", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), MetaFileName)
		ctx := context.Background()

		fresh, err := OpenMetaStore(filepath.Join(t.TempDir(), MetaFileName), 0, DBContextDefault)
		require.NoError(t, err)
		assert.Equal(t, int64(DefaultBlockSize), fresh.BlockSize())
		require.NoError(t, fresh.Close())

		ms, err := OpenMetaStore(path, 2*testBlock, DBContextDefault)
		require.NoError(t, err)
		_, err = ms.CreateFile(ctx, "/a", 2*testBlock, 0)
		require.NoError(t, err)
		_, err = ms.WriteBlocks(ctx, "/a", []int64{0})
		require.NoError(t, err)
		require.NoError(t, ms.Close())

		ms2, err := OpenMetaStore(path, 0, DBContextDefault)
		require.NoError(t, err)
		defer ms2.Close()
		assert.Equal(t, int64(2*testBlock), ms2.BlockSize())
		assert.Equal(t, int64(2*testBlock), ms2.UsedSize())
	})

	t.Run("reopen restores usage", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), MetaFileName)
		ctx := context.Background()

		ms, err := OpenMetaStore(path, testBlock, DBContextDefault)
		require.NoError(t, err)
		_, err = ms.CreateFile(ctx, "/a", 3*testBlock, 0)
		require.NoError(t, err)
		_, err = ms.WriteBlocks(ctx, "/a", []int64{0, testBlock, 2 * testBlock})
		require.NoError(t, err)
		require.NoError(t, ms.Close())

		ms2, err := OpenMetaStore(path, testBlock, DBContextDefault)
		require.NoError(t, err)
		defer ms2.Close()
		assert.Equal(t, int64(3*testBlock), ms2.UsedSize())

		ok, err := ms2.BlockExists(ctx, "/a", testBlock)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("block size change resets tables", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), MetaFileName)
		ctx := context.Background()

		ms, err := OpenMetaStore(path, testBlock, DBContextDefault)
		require.NoError(t, err)
		_, err = ms.CreateFile(ctx, "/a", testBlock, 0)
		require.NoError(t, err)
		require.NoError(t, ms.InsertBlock(ctx, "/a", 0))
		require.NoError(t, ms.Close())

		ms2, err := OpenMetaStore(path, 2*testBlock, DBContextDefault)
		require.NoError(t, err)
		defer ms2.Close()
		assert.Zero(t, ms2.UsedSize())
		exists, err := ms2.FileExists(ctx, "/a")
		require.NoError(t, err)
		assert.False(t, exists)

		bs, err := ms2.BunDB().GetSchemaInfo(ctx, "block_size")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(2*testBlock), bs)
	})
}

func TestFileLifecycle(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	exists, err := ms.FileExists(ctx, "/dir1file")
	require.NoError(t, err)
	assert.False(t, exists)

	id, err := ms.CreateFile(ctx, "/dir1file", 10000, 1700000000123456789)
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = ms.CreateFile(ctx, "/dir1file", 10000, 0)
	assert.ErrorIs(t, err, common.ErrExists)

	info, err := ms.FileInfo(ctx, "/dir1file")
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, int64(10000), info.RemoteSize)
	assert.Equal(t, int64(1700000000123456789), info.RemoteMtime)
	assert.Zero(t, info.LocalSize)

	require.NoError(t, ms.SetRemoteState(ctx, "/dir1file", 20000, 1700000000999999999))
	info, err = ms.FileInfo(ctx, "/dir1file")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.RemoteSize)
	assert.Equal(t, int64(1700000000999999999), info.RemoteMtime)

	name, err := ms.ResolveFileName(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/dir1file", name)

	require.NoError(t, ms.DeleteFile(ctx, "/dir1file"))
	assert.ErrorIs(t, ms.DeleteFile(ctx, "/dir1file"), common.ErrNotFound)

	_, err = ms.ResolveFileName(ctx, id)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestInsertBlockRequiresFile(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	err := ms.InsertBlock(ctx, "/missing", 0)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Zero(t, ms.UsedSize())
}

func TestBlockAccounting(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	_, err := ms.CreateFile(ctx, "/f", 5*testBlock, 0)
	require.NoError(t, err)

	require.NoError(t, ms.InsertBlock(ctx, "/f", 0))
	assert.Equal(t, int64(testBlock), ms.UsedSize())

	err = ms.InsertBlock(ctx, "/f", 0)
	assert.ErrorIs(t, err, common.ErrExists, "duplicate (file, offset) is rejected")
	assert.Equal(t, int64(testBlock), ms.UsedSize())

	added, err := ms.WriteBlocks(ctx, "/f", []int64{0, testBlock, 2 * testBlock, 2 * testBlock})
	require.NoError(t, err)
	assert.Equal(t, 2, added, "existing and duplicate offsets are not counted twice")
	assert.Equal(t, int64(3*testBlock), ms.UsedSize())
	assertAccounting(t, ms)

	hits, all, err := ms.BlocksExist(ctx, "/f", []int64{0, testBlock, 2 * testBlock, 3 * testBlock})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, false}, hits)
	assert.False(t, all)

	_, all, err = ms.BlocksExist(ctx, "/f", []int64{0, 2 * testBlock})
	require.NoError(t, err)
	assert.True(t, all)

	require.NoError(t, ms.DeleteBlock(ctx, "/f", testBlock))
	assert.ErrorIs(t, ms.DeleteBlock(ctx, "/f", testBlock), common.ErrNotFound)
	assert.Equal(t, int64(2*testBlock), ms.UsedSize())

	offsets, err := ms.ListBlockOffsets(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2 * testBlock}, offsets)
	assertAccounting(t, ms)

	require.NoError(t, ms.DeleteFile(ctx, "/f"))
	assert.Zero(t, ms.UsedSize())
	n, err := ms.BunDB().CountBlocks(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "deleting a file removes its blocks")
}

func TestBlocksExistUnknownFile(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	hits, all, err := ms.BlocksExist(ctx, "/nope", []int64{0, testBlock})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, hits)
	assert.False(t, all)

	ok, err := ms.BlockExists(ctx, "/nope", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteBlocksFrom(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	_, err := ms.CreateFile(ctx, "/t", 4*testBlock, 0)
	require.NoError(t, err)
	_, err = ms.WriteBlocks(ctx, "/t", []int64{0, testBlock, 2 * testBlock, 3 * testBlock})
	require.NoError(t, err)

	// truncate to 1.5 blocks keeps the block holding the new end
	n, err := ms.DeleteBlocksFrom(ctx, "/t", testBlock+testBlock/2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	offsets, err := ms.ListBlockOffsets(ctx, "/t")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, testBlock}, offsets)
	assertAccounting(t, ms)

	n, err = ms.DeleteBlocksFrom(ctx, "/unknown", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenameFile(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	_, err := ms.CreateFile(ctx, "/src", testBlock, 0)
	require.NoError(t, err)
	require.NoError(t, ms.InsertBlock(ctx, "/src", 0))

	_, err = ms.CreateFile(ctx, "/dst", 2*testBlock, 0)
	require.NoError(t, err)
	_, err = ms.WriteBlocks(ctx, "/dst", []int64{0, testBlock})
	require.NoError(t, err)
	assert.Equal(t, int64(3*testBlock), ms.UsedSize())

	require.NoError(t, ms.RenameFile(ctx, "/src", "/dst"))
	assert.Equal(t, int64(testBlock), ms.UsedSize(), "replaced destination releases its blocks")

	exists, err := ms.FileExists(ctx, "/src")
	require.NoError(t, err)
	assert.False(t, exists)

	offsets, err := ms.ListBlockOffsets(ctx, "/dst")
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, offsets)
	assertAccounting(t, ms)

	assert.ErrorIs(t, ms.RenameFile(ctx, "/gone", "/x"), common.ErrNotFound)
}

func TestEvictionOrder(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	tick := 0
	ms.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := ms.CreateFile(ctx, "/a", 3*testBlock, 0)
	require.NoError(t, err)
	_, err = ms.CreateFile(ctx, "/b", testBlock, 0)
	require.NoError(t, err)

	require.NoError(t, ms.InsertBlock(ctx, "/a", 0))         // t1
	require.NoError(t, ms.InsertBlock(ctx, "/b", 0))         // t2
	require.NoError(t, ms.InsertBlock(ctx, "/a", testBlock)) // t3
	require.NoError(t, ms.TouchBlock(ctx, "/a", 0))          // /a@0 becomes newest

	cands, err := ms.SelectEvictionCandidates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	first, err := ms.ResolveFileName(ctx, cands[0].FileID)
	require.NoError(t, err)
	assert.Equal(t, "/b", first)
	assert.Equal(t, int64(0), cands[0].Offset)

	second, err := ms.ResolveFileName(ctx, cands[1].FileID)
	require.NoError(t, err)
	assert.Equal(t, "/a", second)
	assert.Equal(t, int64(testBlock), cands[1].Offset)

	ok, err := ms.EvictBlock(ctx, cands[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2*testBlock), ms.UsedSize())
	assertAccounting(t, ms)
}

func TestEvictBlockSkipsTouched(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	_, err := ms.CreateFile(ctx, "/a", testBlock, 0)
	require.NoError(t, err)
	require.NoError(t, ms.InsertBlock(ctx, "/a", 0))

	cands, err := ms.SelectEvictionCandidates(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	// a concurrent write-back refreshes the block after selection
	_, err = ms.WriteBlocks(ctx, "/a", []int64{0})
	require.NoError(t, err)

	ok, err := ms.EvictBlock(ctx, cands[0])
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(testBlock), ms.UsedSize())
}

func TestStampsAreMonotonic(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	frozen := time.Unix(1700000000, 0)
	ms.now = func() time.Time { return frozen }

	_, err := ms.CreateFile(ctx, "/a", 3*testBlock, 0)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, ms.InsertBlock(ctx, "/a", i*testBlock))
	}

	cands, err := ms.SelectEvictionCandidates(ctx, 3)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Less(t, cands[0].TouchedAt, cands[1].TouchedAt)
	assert.Less(t, cands[1].TouchedAt, cands[2].TouchedAt)
	assert.Equal(t, []int64{0, testBlock, 2 * testBlock}, []int64{cands[0].Offset, cands[1].Offset, cands[2].Offset})
}

func TestStatsAndListFiles(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	_, err := ms.CreateFile(ctx, "/small", testBlock, 0)
	require.NoError(t, err)
	_, err = ms.CreateFile(ctx, "/big", 4*testBlock, 0)
	require.NoError(t, err)
	require.NoError(t, ms.InsertBlock(ctx, "/small", 0))
	_, err = ms.WriteBlocks(ctx, "/big", []int64{0, testBlock, 2 * testBlock})
	require.NoError(t, err)

	st, err := ms.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Files)
	assert.Equal(t, int64(4), st.Blocks)
	assert.Equal(t, int64(4*testBlock), st.UsedBytes)
	assert.Equal(t, int64(testBlock), st.BlockSize)

	files, err := ms.ListFiles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/big", files[0].Key)
	assert.Equal(t, int64(3), files[0].Blocks)

	require.NoError(t, ms.Purge(ctx))
	assert.Zero(t, ms.UsedSize())
	st, err = ms.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Files)
	assert.Zero(t, st.Blocks)
}

func TestConcurrentWriteBlocksKeepAccounting(t *testing.T) {
	t.Parallel()
	ms := testStore(t)
	ctx := context.Background()

	const files = 4
	const blocks = 16
	for f := 0; f < files; f++ {
		_, err := ms.CreateFile(ctx, fmt.Sprintf("/f%d", f), blocks*testBlock, 0)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for f := 0; f < files; f++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				for b := int64(0); b < blocks; b++ {
					_, err := ms.WriteBlocks(ctx, key, []int64{b * testBlock})
					assert.NoError(t, err)
				}
			}(fmt.Sprintf("/f%d", f))
		}
	}
	wg.Wait()

	assert.Equal(t, int64(files*blocks*testBlock), ms.UsedSize())
	assertAccounting(t, ms)
}

func TestRemoveFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), MetaFileName)
	ms, err := OpenMetaStore(path, testBlock, DBContextDefault)
	require.NoError(t, err)
	require.NoError(t, ms.Close())

	require.NoError(t, RemoveFile(path))
	assert.NoFileExists(t, path)
	require.NoError(t, RemoveFile(path), "removing twice is fine")
}
