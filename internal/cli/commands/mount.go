package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nascache/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount <remote> <mountpoint> <cache>",
	Short: "Mount a remote directory through the block cache",
	Long: `Mounts <remote> at <mountpoint>, caching file blocks under <cache>.

Runs in the foreground until interrupted (Ctrl-C or SIGTERM), then unmounts.
Settings come from <cache>/settings.yaml, created with defaults on first use;
flags and NASCACHE_* environment variables override them.

Examples:
  nascache mount /mnt/nas ~/nas ~/.cache/nas
  nascache mount --cache-size 20GiB --block-size 65536 /mnt/nas ~/nas ~/.cache/nas
  nascache mount --cache-size 102400 /mnt/nas ~/nas /var/cache/nas   # 100 MiB, given in KB`,
	Args: cobra.ExactArgs(3),
	RunE: runMount,
}

// Flags that override settings.yaml keys.
var settingsFlags = []string{
	"cache-size", "block-size", "naming", "exclude",
	"log-level", "attr-ttl", "busy-timeout", "allow-other",
}

func init() {
	f := mountCmd.Flags()
	f.String("cache-size", "", "cache budget, e.g. 20GiB; a plain number is KB")
	f.Int64("block-size", 0, "cache block size in bytes")
	f.String("naming", "", "cache file naming: hashed or flat")
	f.StringSlice("exclude", nil, "gitignore-style pattern of paths that bypass the cache (repeatable)")
	f.String("log-level", "", "log level: trace, debug, info, warn, off")
	f.Duration("attr-ttl", 0, "how long remote attributes are memoized, 0 disables")
	f.Int("busy-timeout", 0, "SQLite busy_timeout in milliseconds")
	f.Bool("allow-other", false, "let other users access the mount")
	bindFlags(f, settingsFlags...)

	f.Bool("foreground", false, "log to stderr instead of the log file in the cache root")
	f.Bool("debug", false, "log every FUSE request")
	f.Bool("save-settings", false, "write the effective settings back to settings.yaml")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	remote, mountpoint, cacheRoot := args[0], args[1], args[2]

	if err := daemon.InitCacheRoot(cacheRoot); err != nil {
		return err
	}
	settings, err := effectiveSettings(cacheRoot)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if save, _ := cmd.Flags().GetBool("save-settings"); save {
		if err := daemon.SaveSettings(cacheRoot, settings); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
	}

	foreground, _ := cmd.Flags().GetBool("foreground")
	debug, _ := cmd.Flags().GetBool("debug")
	return daemon.Run(cmd.Context(), daemon.Options{
		RemoteRoot: remote,
		Mountpoint: mountpoint,
		CacheRoot:  cacheRoot,
		Settings:   *settings,
		Foreground: foreground,
		Debug:      debug,
		OnMounted: func(d *daemon.Daemon) {
			fmt.Fprintf(os.Stderr, "Mounted %s at %s (cache %s, budget %s). Press Ctrl-C to unmount.\n",
				remote, mountpoint, cacheRoot, humanize.IBytes(uint64(d.Budget())))
		},
	})
}

// effectiveSettings loads settings.yaml and applies any flag or
// environment override on top.
func effectiveSettings(cacheRoot string) (*daemon.Settings, error) {
	s, err := daemon.LoadSettings(cacheRoot)
	if err != nil {
		return nil, err
	}
	if viper.IsSet("cache-size") {
		s.CacheSize = viper.GetString("cache-size")
	}
	if viper.IsSet("block-size") {
		s.BlockSize = viper.GetInt64("block-size")
	}
	if viper.IsSet("naming") {
		s.Naming = viper.GetString("naming")
	}
	if viper.IsSet("exclude") {
		s.Exclude = viper.GetStringSlice("exclude")
	}
	if viper.IsSet("log-level") {
		s.LogLevel = viper.GetString("log-level")
	}
	if viper.IsSet("attr-ttl") {
		s.AttrTTL = viper.GetDuration("attr-ttl")
	}
	if viper.IsSet("busy-timeout") {
		s.BusyTimeout = viper.GetInt("busy-timeout")
	}
	if viper.IsSet("allow-other") {
		s.AllowOther = viper.GetBool("allow-other")
	}
	return s, nil
}
