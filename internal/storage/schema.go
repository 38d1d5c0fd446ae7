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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "2"

// StoreType is the schema_info type tag of a cache metadata file.
const StoreType = "cache-meta"

// MetaFileName is the metadata file created under the cache root.
const MetaFileName = "Metadata-File.db"

// DefaultBlockSize is recorded for a new metadata file opened without a
// block size.
const DefaultBlockSize = 4096

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "NASCACHE_BUSY_TIMEOUT"
	// EnvDaemonBusyTimeout is the busy_timeout for the mounted filesystem
	EnvDaemonBusyTimeout = "NASCACHE_DAEMON_BUSY_TIMEOUT"
	// EnvCLIBusyTimeout is the busy_timeout for stats/purge commands
	EnvCLIBusyTimeout = "NASCACHE_CLI_BUSY_TIMEOUT"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextDaemon uses the daemon-specific busy_timeout
	DBContextDaemon
	// DBContextCLI uses the CLI-specific busy_timeout
	DBContextCLI
)

// configBusyTimeout is set from settings.yaml (0 = unset)
var configBusyTimeout int

// SetConfigBusyTimeout sets the settings-file busy_timeout. Values <= 0 are ignored.
func SetConfigBusyTimeout(ms int) {
	if ms > 0 {
		configBusyTimeout = ms
	}
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (daemon/cli) > general env > config file > default
func GetBusyTimeout(ctx DBContext) int {
	var specificEnv string
	switch ctx {
	case DBContextDaemon:
		specificEnv = EnvDaemonBusyTimeout
	case DBContextCLI:
		specificEnv = EnvCLIBusyTimeout
	}

	for _, name := range []string{specificEnv, EnvBusyTimeout} {
		if name == "" {
			continue
		}
		if val := os.Getenv(name); val != "" {
			if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
				return timeout
			}
		}
	}

	if configBusyTimeout > 0 {
		return configBusyTimeout
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout for the context
func BuildDSN(path string, ctx DBContext) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout(ctx))
}

// Schema SQL for the cache metadata file.
// touched_at is a monotonic nanosecond stamp; (touched_at, id) is the LRU order.
// remote_mtime is the remote file's mtime (ns) the cached bytes correspond to.
const cacheMetaSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    remote_size INTEGER NOT NULL DEFAULT 0,
    remote_mtime INTEGER NOT NULL DEFAULT 0,
    local_size INTEGER NOT NULL DEFAULT 0 CHECK (local_size >= 0)
);

CREATE TABLE IF NOT EXISTS data_blocks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    block_offset INTEGER NOT NULL,
    touched_at INTEGER NOT NULL,
    valid INTEGER NOT NULL DEFAULT 1,
    UNIQUE (file_id, block_offset)
);

CREATE INDEX IF NOT EXISTS idx_data_blocks_lru ON data_blocks(touched_at, id);
CREATE INDEX IF NOT EXISTS idx_data_blocks_file ON data_blocks(file_id, block_offset);
`

const initCacheMeta = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'cache-meta');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('block_size', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// migrateSchema upgrades a version 1 file in place. Rows from before
// remote_mtime existed get 0, which no remote file matches, so their entries
// are dropped as stale on first open.
func migrateSchema(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('files') WHERE name = 'remote_mtime'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.Exec(`ALTER TABLE files ADD COLUMN remote_mtime INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}
	_, err := db.Exec(`UPDATE schema_info SET value = ? WHERE key = 'version'`, SchemaVersion)
	return err
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	argIdx := 0
	for _, stmt := range splitStatements(sqlScript) {
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
