package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nascache/internal/daemon"
	"nascache/internal/storage"
)

var statsCmd = &cobra.Command{
	Use:   "stats <cache>",
	Short: "Show cache usage",
	Long: `Shows how much of the cache budget is in use, how many files and blocks are
cached, and the files holding the most cached data.

Safe to run while the cache is mounted.`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

var statsTop int

func init() {
	statsCmd.Flags().IntVarP(&statsTop, "top", "n", 10, "number of largest cached files to list, 0 for none")
	rootCmd.AddCommand(statsCmd)
}

// openCacheMeta opens the metadata of an existing cache root with the
// block size it was recorded with.
func openCacheMeta(cacheRoot string) (*storage.MetaStore, *daemon.Settings, error) {
	if _, err := os.Stat(daemon.MetaPath(cacheRoot)); err != nil {
		return nil, nil, fmt.Errorf("no cache metadata in %s: %w", cacheRoot, err)
	}
	settings, err := daemon.LoadSettings(cacheRoot)
	if err != nil {
		return nil, nil, err
	}
	storage.SetConfigBusyTimeout(settings.BusyTimeout)
	meta, err := storage.OpenMetaStore(daemon.MetaPath(cacheRoot), 0, storage.DBContextCLI)
	if err != nil {
		return nil, nil, err
	}
	return meta, settings, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cacheRoot := args[0]
	meta, settings, err := openCacheMeta(cacheRoot)
	if err != nil {
		return err
	}
	defer meta.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return printStats(ctx, cmd.OutOrStdout(), meta, settings, statsTop)
}

func printStats(ctx context.Context, out io.Writer, meta *storage.MetaStore, settings *daemon.Settings, top int) error {
	st, err := meta.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Metadata:    %s\n", meta.Path())
	fmt.Fprintf(out, "Block size:  %s\n", humanize.IBytes(uint64(st.BlockSize)))
	fmt.Fprintf(out, "Files:       %d\n", st.Files)
	fmt.Fprintf(out, "Used:        %s (%d blocks)\n", humanize.IBytes(uint64(st.UsedBytes)), st.Blocks)
	if want, err := daemon.ParseSize(settings.CacheSize); err == nil && want > 0 {
		fmt.Fprintf(out, "Budget:      %s configured, %.1f%% used\n",
			humanize.IBytes(uint64(want)), 100*float64(st.UsedBytes)/float64(want))
	}

	if top <= 0 || st.Files == 0 {
		return nil
	}
	files, err := meta.ListFiles(ctx, top)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nLargest cached files:\n")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CACHED\tSIZE\tBLOCKS\tKEY")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			humanize.IBytes(uint64(f.LocalSize)), humanize.IBytes(uint64(f.RemoteSize)), f.Blocks, f.Key)
	}
	return tw.Flush()
}
