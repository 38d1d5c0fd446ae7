package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nascache/internal/storage"
)

func TestParseNaming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Naming
		wantErr bool
	}{
		{"", NamingHashed, false},
		{"hashed", NamingHashed, false},
		{" FLAT ", NamingFlat, false},
		{"sha1", "", true},
	}
	for _, tt := range tests {
		got, err := ParseNaming(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolverPaths(t *testing.T) {
	t.Parallel()

	r := NewResolver("/nas/share/", "/var/cache/nas", NamingFlat)
	assert.Equal(t, "/nas/share", r.RemoteRoot())
	assert.Equal(t, "/nas/share/dir/file.txt", r.RemotePath("/dir/file.txt"))
	assert.Equal(t, "/nas/share", r.RemotePath(""))
	// No normalization happens.
	assert.Equal(t, "/nas/share/a/../b", r.RemotePath("a/../b"))
}

func TestFlatKeys(t *testing.T) {
	t.Parallel()

	r := NewResolver("/remote", "/cache", NamingFlat)
	tests := []struct {
		rel, key, path string
	}{
		{"file.txt", "/file.txt", "/cache/file.txt"},
		{"/dir/sub/file.txt", "/dirsubfile.txt", "/cache/dirsubfile.txt"},
		{"a/bc", "/abc", "/cache/abc"},
		{"ab/c", "/abc", "/cache/abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.key, r.CacheKey(tt.rel), tt.rel)
		assert.Equal(t, tt.path, r.CachePath(tt.rel), tt.rel)
		assert.Equal(t, tt.key, r.KeyForName(tt.path[len("/cache/"):]), tt.rel)
	}
}

func TestHashedKeys(t *testing.T) {
	t.Parallel()

	r := NewResolver("/remote", "/cache", "")
	assert.Equal(t, NamingHashed, r.Naming())

	k1 := r.CacheKey("a/bc")
	k2 := r.CacheKey("ab/c")
	assert.NotEqual(t, k1, k2, "hashed keys must not alias")
	assert.Len(t, k1, 64)
	assert.Equal(t, k1, r.CacheKey("/a/bc/"), "slashes at the ends are ignored")
	assert.Equal(t, "/cache/"+k1, r.CachePath("a/bc"))
	assert.Equal(t, k1, r.KeyForName(k1))
}

func TestIsReserved(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		storage.MetaFileName, storage.MetaFileName + "-wal", "/" + storage.MetaFileName + "-shm",
		LockFileName, SettingsFileName, LogFileName, "", "/",
	} {
		assert.True(t, IsReserved(name), name)
	}
	assert.False(t, IsReserved("movie.mkv"))
	assert.False(t, IsReserved("/Metadata-File.db.bak"))
}
