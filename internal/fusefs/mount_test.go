package fusefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nascache/internal/storage"
	"nascache/internal/vfs"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real FUSE mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

type testMount struct {
	mountpoint string
	remote     string
	cfs        *vfs.CacheFS
	meta       *storage.MetaStore
}

// mountCache mounts a cache over a fresh remote root. The mount is
// unmounted when the test ends.
func mountCache(t *testing.T, budget int64) *testMount {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	remote := filepath.Join(root, "remote")
	cacheDir := filepath.Join(root, "cache")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	meta, err := storage.OpenMetaStore(filepath.Join(cacheDir, storage.MetaFileName), 4096, storage.DBContextDefault)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	cfs, err := vfs.New(vfs.Config{RemoteRoot: remote, CacheRoot: cacheDir, Budget: budget}, meta)
	require.NoError(t, err)

	mountpoint := filepath.Join(root, "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, FS: cfs})
	if err != nil {
		t.Skipf("skipping: cannot mount here: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
		cfs.Close()
	})
	return &testMount{mountpoint: mountpoint, remote: remote, cfs: cfs, meta: meta}
}

func (m *testMount) present(t *testing.T, rel string, off int64) bool {
	t.Helper()
	ok, err := m.meta.BlockExists(context.Background(), m.cfs.Resolver().CacheKey(rel), off)
	require.NoError(t, err)
	return ok
}

func TestMountReadThrough(t *testing.T) {
	m := mountCache(t, 1<<20)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(m.remote, "file.bin"), data, 0o644))

	got, err := os.ReadFile(filepath.Join(m.mountpoint, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, m.present(t, "file.bin", 0))
	assert.True(t, m.present(t, "file.bin", 8192))
}

func TestMountWriteThrough(t *testing.T) {
	m := mountCache(t, 1<<20)

	path := filepath.Join(m.mountpoint, "dir", "note.txt")
	require.NoError(t, os.Mkdir(filepath.Join(m.mountpoint, "dir"), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("written through"), 0o644))

	remote, err := os.ReadFile(filepath.Join(m.remote, "dir", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written through", string(remote))
	assert.True(t, m.present(t, "dir/note.txt", 0))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written through", string(got))
}

func TestMountNamespaceOps(t *testing.T) {
	m := mountCache(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(m.remote, "a"), []byte("aaaa"), 0o644))
	_, err := os.ReadFile(filepath.Join(m.mountpoint, "a"))
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(m.mountpoint, "a"), filepath.Join(m.mountpoint, "b")))
	assert.True(t, m.present(t, "b", 0))
	assert.FileExists(t, filepath.Join(m.remote, "b"))

	require.NoError(t, os.Truncate(filepath.Join(m.mountpoint, "b"), 2))
	got, err := os.ReadFile(filepath.Join(m.mountpoint, "b"))
	require.NoError(t, err)
	assert.Equal(t, "aa", string(got))

	require.NoError(t, os.Remove(filepath.Join(m.mountpoint, "b")))
	assert.NoFileExists(t, filepath.Join(m.remote, "b"))
	assert.Zero(t, m.meta.UsedSize())

	entries, err := os.ReadDir(m.mountpoint)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMountRequiresOptions(t *testing.T) {
	t.Parallel()

	_, err := Mount(Options{})
	assert.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.Error(t, err)
}
