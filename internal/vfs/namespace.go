package vfs

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"nascache/internal/common"
	"nascache/internal/storage"
)

// Naming selects how mount-relative paths become cache file names.
type Naming string

const (
	// NamingHashed names cache files by the BLAKE3 hash of the relative path.
	NamingHashed Naming = "hashed"
	// NamingFlat strips every slash from the path. Distinct paths such as
	// "a/bc" and "ab/c" share one cache file under this scheme.
	NamingFlat Naming = "flat"
)

// Files the daemon keeps in the cache root next to the cache files.
const (
	LockFileName     = ".nascache.lock"
	SettingsFileName = "settings.yaml"
	LogFileName      = "nascache.log"
)

// ParseNaming validates a naming scheme name; empty selects NamingHashed.
func ParseNaming(s string) (Naming, error) {
	switch Naming(strings.ToLower(strings.TrimSpace(s))) {
	case "", NamingHashed:
		return NamingHashed, nil
	case NamingFlat:
		return NamingFlat, nil
	}
	return "", fmt.Errorf("unknown naming scheme %q (want %q or %q)", s, NamingHashed, NamingFlat)
}

// Resolver translates mount-relative paths into remote paths and cache keys.
type Resolver struct {
	remoteRoot string
	cacheRoot  string
	naming     Naming
}

// NewResolver creates a resolver over the two roots.
func NewResolver(remoteRoot, cacheRoot string, naming Naming) *Resolver {
	if naming == "" {
		naming = NamingHashed
	}
	return &Resolver{
		remoteRoot: strings.TrimRight(remoteRoot, "/"),
		cacheRoot:  strings.TrimRight(cacheRoot, "/"),
		naming:     naming,
	}
}

// RemoteRoot returns the remote root directory.
func (r *Resolver) RemoteRoot() string { return r.remoteRoot }

// CacheRoot returns the cache root directory.
func (r *Resolver) CacheRoot() string { return r.cacheRoot }

// Naming returns the active naming scheme.
func (r *Resolver) Naming() Naming { return r.naming }

// RemotePath returns the path of rel under the remote root.
func (r *Resolver) RemotePath(rel string) string {
	return common.JoinRoot(r.remoteRoot, rel)
}

// CacheKey returns the metadata key of rel. Flat keys keep a leading slash.
func (r *Resolver) CacheKey(rel string) string {
	rel = common.RelPath(rel)
	if r.naming == NamingFlat {
		return "/" + strings.ReplaceAll(rel, "/", "")
	}
	sum := blake3.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:])
}

// CachePath returns the cache file path of rel.
func (r *Resolver) CachePath(rel string) string {
	return r.CachePathForKey(r.CacheKey(rel))
}

// CachePathForKey returns the cache file path of a metadata key.
func (r *Resolver) CachePathForKey(key string) string {
	return r.cacheRoot + "/" + strings.TrimPrefix(key, "/")
}

// KeyForName returns the metadata key of a file name found in the cache root.
func (r *Resolver) KeyForName(name string) string {
	if r.naming == NamingFlat {
		return "/" + name
	}
	return name
}

// IsReserved reports whether a cache root file name belongs to the daemon
// rather than to a cached file.
func IsReserved(name string) bool {
	name = strings.TrimPrefix(name, "/")
	switch name {
	case "", storage.MetaFileName, storage.MetaFileName + "-wal", storage.MetaFileName + "-shm",
		storage.MetaFileName + "-journal", LockFileName, SettingsFileName, LogFileName:
		return true
	}
	return false
}
