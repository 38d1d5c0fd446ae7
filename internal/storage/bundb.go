package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"nascache/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfoWith upserts a schema info value using the provided bun.IDB (for transaction support).
func (db *BunDB) SetSchemaInfoWith(idb bun.IDB, ctx context.Context, key, value string) error {
	_, err := idb.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- File Operations ---

// GetFile returns the file row for a cache key, or common.ErrNotFound.
func (db *BunDB) GetFile(ctx context.Context, key string) (*FileModel, error) {
	return db.GetFileWith(db.DB, ctx, key)
}

// GetFileWith is like GetFile but uses the provided bun.IDB (for transaction support).
func (db *BunDB) GetFileWith(idb bun.IDB, ctx context.Context, key string) (*FileModel, error) {
	var file FileModel
	err := idb.NewSelect().
		Model(&file).
		Where("path = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// GetFileByID returns the file row with the given id, or common.ErrNotFound.
func (db *BunDB) GetFileByID(ctx context.Context, id int64) (*FileModel, error) {
	var file FileModel
	err := db.NewSelect().
		Model(&file).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// InsertFileWith inserts a file row and fills in its id.
func (db *BunDB) InsertFileWith(idb bun.IDB, ctx context.Context, file *FileModel) error {
	// Use RETURNING clause to get the id (libsql doesn't support LastInsertId)
	_, err := idb.NewInsert().
		Model(file).
		Returning("id").
		Exec(ctx)
	return err
}

// DeleteFileWith deletes a file row and all of its blocks.
func (db *BunDB) DeleteFileWith(idb bun.IDB, ctx context.Context, id int64) error {
	// Explicit block delete: foreign_keys is a per-connection pragma.
	if _, err := idb.NewDelete().Model((*DataBlockModel)(nil)).Where("file_id = ?", id).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*FileModel)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// RenameFileWith changes a file row's cache key.
func (db *BunDB) RenameFileWith(idb bun.IDB, ctx context.Context, id int64, newKey string) error {
	_, err := idb.NewUpdate().
		Model((*FileModel)(nil)).
		Set("path = ?", newKey).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// SetRemoteStateWith records the remote size and mtime a file's cached bytes
// correspond to.
func (db *BunDB) SetRemoteStateWith(idb bun.IDB, ctx context.Context, id, size, mtime int64) error {
	_, err := idb.NewUpdate().
		Model((*FileModel)(nil)).
		Set("remote_size = ?", size).
		Set("remote_mtime = ?", mtime).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// AddLocalSizeWith adjusts a file's local_size by delta bytes.
func (db *BunDB) AddLocalSizeWith(idb bun.IDB, ctx context.Context, id, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := idb.NewUpdate().
		Model((*FileModel)(nil)).
		Set("local_size = local_size + ?", delta).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ListFiles returns file rows ordered by local size, largest first.
// limit <= 0 returns all rows.
func (db *BunDB) ListFiles(ctx context.Context, limit int) ([]FileModel, error) {
	var files []FileModel
	q := db.NewSelect().
		Model(&files).
		Order("local_size DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(ctx)
	return files, err
}

// SumLocalSize returns the total local_size across all files.
func (db *BunDB) SumLocalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := db.NewRaw(`SELECT SUM(local_size) FROM files`).Scan(ctx, &total); err != nil {
		return 0, err
	}
	if total.Valid {
		return total.Int64, nil
	}
	return 0, nil
}

// --- Block Operations ---

// GetBlockWith returns the block row at offset, or common.ErrNotFound.
func (db *BunDB) GetBlockWith(idb bun.IDB, ctx context.Context, fileID, offset int64) (*DataBlockModel, error) {
	var blk DataBlockModel
	err := idb.NewSelect().
		Model(&blk).
		Where("file_id = ?", fileID).
		Where("block_offset = ?", offset).
		Where("valid = 1").
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &blk, nil
}

// PresentOffsetsWith returns which of offsets have a block row.
func (db *BunDB) PresentOffsetsWith(idb bun.IDB, ctx context.Context, fileID int64, offsets []int64) (map[int64]bool, error) {
	present := make(map[int64]bool, len(offsets))
	if len(offsets) == 0 {
		return present, nil
	}
	var found []int64
	err := idb.NewSelect().
		Model((*DataBlockModel)(nil)).
		Column("block_offset").
		Where("file_id = ?", fileID).
		Where("block_offset IN (?)", bun.In(offsets)).
		Where("valid = 1").
		Scan(ctx, &found)
	if err != nil {
		return nil, err
	}
	for _, off := range found {
		present[off] = true
	}
	return present, nil
}

// ListBlockOffsetsWith returns every present block offset of a file in ascending order.
func (db *BunDB) ListBlockOffsetsWith(idb bun.IDB, ctx context.Context, fileID int64) ([]int64, error) {
	var offsets []int64
	err := idb.NewSelect().
		Model((*DataBlockModel)(nil)).
		Column("block_offset").
		Where("file_id = ?", fileID).
		Where("valid = 1").
		Order("block_offset ASC").
		Scan(ctx, &offsets)
	return offsets, err
}

// InsertBlocksWith inserts new block rows.
func (db *BunDB) InsertBlocksWith(idb bun.IDB, ctx context.Context, blocks []DataBlockModel) error {
	if len(blocks) == 0 {
		return nil
	}
	_, err := idb.NewInsert().
		Model(&blocks).
		Returning("id").
		Exec(ctx)
	return err
}

// TouchBlocksWith sets touched_at on the given blocks and returns the rows updated.
func (db *BunDB) TouchBlocksWith(idb bun.IDB, ctx context.Context, fileID int64, offsets []int64, stamp int64) (int64, error) {
	if len(offsets) == 0 {
		return 0, nil
	}
	res, err := idb.NewUpdate().
		Model((*DataBlockModel)(nil)).
		Set("touched_at = ?", stamp).
		Where("file_id = ?", fileID).
		Where("block_offset IN (?)", bun.In(offsets)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteBlockWith removes one block row and returns the rows deleted.
func (db *BunDB) DeleteBlockWith(idb bun.IDB, ctx context.Context, fileID, offset int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*DataBlockModel)(nil)).
		Where("file_id = ?", fileID).
		Where("block_offset = ?", offset).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteBlocksFromWith removes every block starting at or after from.
func (db *BunDB) DeleteBlocksFromWith(idb bun.IDB, ctx context.Context, fileID, from int64) (int64, error) {
	res, err := idb.NewDelete().
		Model((*DataBlockModel)(nil)).
		Where("file_id = ?", fileID).
		Where("block_offset >= ?", from).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EvictBlockWith deletes a block only if it was not touched since selection.
func (db *BunDB) EvictBlockWith(idb bun.IDB, ctx context.Context, c Candidate) (int64, error) {
	res, err := idb.NewDelete().
		Model((*DataBlockModel)(nil)).
		Where("id = ?", c.BlockID).
		Where("touched_at = ?", c.TouchedAt).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SelectEvictionCandidates returns the n least recently touched blocks.
func (db *BunDB) SelectEvictionCandidates(ctx context.Context, n int) ([]Candidate, error) {
	var out []Candidate
	err := db.NewRaw(`
		SELECT id, file_id, block_offset, touched_at
		FROM data_blocks
		WHERE valid = 1
		ORDER BY touched_at ASC, id ASC
		LIMIT ?`, n).Scan(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("select eviction candidates: %w", err)
	}
	return out, nil
}

// CountBlocks returns the number of block rows, for one file when fileID > 0.
func (db *BunDB) CountBlocks(ctx context.Context, fileID int64) (int64, error) {
	q := db.NewSelect().Model((*DataBlockModel)(nil))
	if fileID > 0 {
		q = q.Where("file_id = ?", fileID)
	}
	n, err := q.Count(ctx)
	return int64(n), err
}

// CountFiles returns the number of file rows.
func (db *BunDB) CountFiles(ctx context.Context) (int64, error) {
	n, err := db.NewSelect().Model((*FileModel)(nil)).Count(ctx)
	return int64(n), err
}

// TruncateAllWith removes every file and block row.
func (db *BunDB) TruncateAllWith(idb bun.IDB, ctx context.Context) error {
	if _, err := idb.NewDelete().Model((*DataBlockModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*FileModel)(nil)).Where("1 = 1").Exec(ctx)
	return err
}
