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
	"github.com/uptrace/bun"
)

// Bun ORM models for the cache metadata tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FileModel represents a cached file. Path holds the cache key, not the
// mount-relative path.
type FileModel struct {
	bun.BaseModel `bun:"table:files"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Path        string `bun:"path,notnull,unique"`
	RemoteSize  int64  `bun:"remote_size,notnull"`
	RemoteMtime int64  `bun:"remote_mtime,notnull"` // Unix nanoseconds
	LocalSize   int64  `bun:"local_size,notnull"` // bytes of present blocks, block granular
}

// DataBlockModel represents one present block of a cached file.
type DataBlockModel struct {
	bun.BaseModel `bun:"table:data_blocks"`

	ID          int64 `bun:"id,pk,autoincrement"`
	FileID      int64 `bun:"file_id,notnull"`
	BlockOffset int64 `bun:"block_offset,notnull"`
	TouchedAt   int64 `bun:"touched_at,notnull"` // Unix nanoseconds
	Valid       bool  `bun:"valid,notnull"`
}

// FileInfo summarizes a cached file.
type FileInfo struct {
	ID          int64
	Key         string
	RemoteSize  int64
	RemoteMtime int64
	LocalSize   int64
	Blocks      int64
}

// Candidate is a block selected for eviction. TouchedAt is the stamp seen at
// selection; eviction only succeeds if it is unchanged.
type Candidate struct {
	BlockID   int64 `bun:"id"`
	FileID    int64 `bun:"file_id"`
	Offset    int64 `bun:"block_offset"`
	TouchedAt int64 `bun:"touched_at"`
}

// Stats summarizes the whole store.
type Stats struct {
	Files     int64
	Blocks    int64
	UsedBytes int64
	BlockSize int64
}
