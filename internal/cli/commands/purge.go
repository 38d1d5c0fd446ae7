package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"nascache/internal/daemon"
	"nascache/internal/storage"
	"nascache/internal/vfs"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <cache>",
	Short: "Drop all cached data",
	Long: `Removes every cached file and block record from <cache>. Settings are kept.

The cache must not be mounted; the remote is never touched.

With --reset the metadata database is deleted instead of emptied, which also
recovers a cache whose metadata can no longer be opened.`,
	Args: cobra.ExactArgs(1),
	RunE: runPurge,
}

var purgeReset bool

func init() {
	purgeCmd.Flags().BoolVar(&purgeReset, "reset", false, "delete the metadata database as well")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	cacheRoot := args[0]

	lock := flock.New(daemon.LockPath(cacheRoot))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("cache %s is mounted; unmount it first", cacheRoot)
	}
	defer lock.Unlock()

	if purgeReset {
		return resetCache(cmd, cacheRoot)
	}

	meta, settings, err := openCacheMeta(cacheRoot)
	if err != nil {
		return err
	}
	defer meta.Close()

	naming, err := vfs.ParseNaming(settings.Naming)
	if err != nil {
		return err
	}
	before := meta.UsedSize()
	removed, err := vfs.Purge(cmd.Context(), meta, vfs.NewResolver("", cacheRoot, naming))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cache files (%d bytes of blocks)\n", removed, before)
	return nil
}

// resetCache removes the metadata database and every cache file without
// opening the database. The caller holds the cache root lock.
func resetCache(cmd *cobra.Command, cacheRoot string) error {
	if err := storage.RemoveFile(daemon.MetaPath(cacheRoot)); err != nil {
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	entries, err := os.ReadDir(cacheRoot)
	if err != nil {
		return err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || vfs.IsReserved(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(cacheRoot, e.Name())); err != nil {
			return err
		}
		removed++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset cache: removed metadata and %d cache files\n", removed)
	return nil
}
