package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nascache/internal/daemon"
	"nascache/internal/storage"
)

func TestEffectiveSettings(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, daemon.InitCacheRoot(root))

	t.Run("file values without overrides", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)

		s, err := effectiveSettings(root)
		require.NoError(t, err)
		assert.Equal(t, daemon.DefaultSettings(), *s)
	})

	t.Run("environment and explicit overrides", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		t.Setenv("NASCACHE_CACHE_SIZE", "2GiB")
		t.Setenv("NASCACHE_BLOCK_SIZE", "65536")
		initConfig()
		viper.Set("attr-ttl", "5s")
		viper.Set("exclude", []string{"*.iso"})

		s, err := effectiveSettings(root)
		require.NoError(t, err)
		assert.Equal(t, "2GiB", s.CacheSize)
		assert.Equal(t, int64(65536), s.BlockSize)
		assert.Equal(t, 5*time.Second, s.AttrTTL)
		assert.Equal(t, []string{"*.iso"}, s.Exclude)
		assert.Equal(t, "hashed", s.Naming, "unset keys keep file values")
	})
}

func seedCache(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, daemon.InitCacheRoot(root))

	ctx := context.Background()
	meta, err := storage.OpenMetaStore(daemon.MetaPath(root), 4096, storage.DBContextDefault)
	require.NoError(t, err)
	defer meta.Close()

	_, err = meta.CreateFile(ctx, "/movies/a.mkv", 3*4096, 0)
	require.NoError(t, err)
	_, err = meta.WriteBlocks(ctx, "/movies/a.mkv", []int64{0, 4096})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "moviesa.mkv"), make([]byte, 3*4096), 0600))
	return root
}

func TestStatsCommand(t *testing.T) {
	root := seedCache(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"stats", root})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })
	require.NoError(t, Execute())

	text := out.String()
	assert.Contains(t, text, "Block size:  4.0 KiB")
	assert.Contains(t, text, "Files:       1")
	assert.Contains(t, text, "Used:        8.0 KiB (2 blocks)")
	assert.Contains(t, text, "/movies/a.mkv")
}

func TestStatsRequiresCache(t *testing.T) {
	rootCmd.SetArgs([]string{"stats", t.TempDir()})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	assert.Error(t, Execute())
}

func TestPurgeCommand(t *testing.T) {
	root := seedCache(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"purge", root})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })
	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "Purged 1 cache files")

	assert.NoFileExists(t, filepath.Join(root, "moviesa.mkv"))
	assert.FileExists(t, daemon.SettingsPath(root))
	assert.FileExists(t, daemon.MetaPath(root))

	meta, err := storage.OpenMetaStore(daemon.MetaPath(root), 0, storage.DBContextDefault)
	require.NoError(t, err)
	defer meta.Close()
	assert.Zero(t, meta.UsedSize())
}

func TestPurgeRefusesMountedCache(t *testing.T) {
	root := seedCache(t)
	lock := flock.New(daemon.LockPath(root))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	rootCmd.SetArgs([]string{"purge", root})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err = Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is mounted")
	assert.FileExists(t, filepath.Join(root, "moviesa.mkv"))
}

func TestFormatBuildDate(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
	assert.Equal(t, time.Unix(1700000000, 0).Format("2006-01-02"), formatBuildDate("1700000000"))
}

func TestPurgeReset(t *testing.T) {
	root := seedCache(t)
	require.NoError(t, os.WriteFile(daemon.MetaPath(root), []byte("not a database"), 0600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"purge", "--reset", root})
	t.Cleanup(func() {
		purgeReset = false
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "removed metadata and 1 cache files")

	assert.NoFileExists(t, daemon.MetaPath(root))
	assert.NoFileExists(t, filepath.Join(root, "moviesa.mkv"))
	assert.FileExists(t, daemon.SettingsPath(root))
}
