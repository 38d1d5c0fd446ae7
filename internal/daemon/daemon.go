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

// Package daemon runs one cache mount: it owns the cache root lock, the
// metadata store, the FUSE server and the log file.
package daemon

// FUSE SELF-DEADLOCK WARNING:
// A request served by this process must never touch a path inside its own
// mountpoint; the kernel would queue the access behind the request itself.
// Remote and cache roots are therefore refused when they sit below the
// mountpoint.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"nascache/internal/fusefs"
	"nascache/internal/storage"
	"nascache/internal/util"
	"nascache/internal/vfs"
)

// maxLogSize is the log file size above which the older half is dropped
// at startup.
const maxLogSize = 50 * 1024 * 1024

func init() {
	// Default logging to discard until explicitly enabled via log_level
	log.SetOutput(io.Discard)
}

// Options describes one mount.
type Options struct {
	RemoteRoot string
	Mountpoint string
	CacheRoot  string
	Settings   Settings

	// Foreground logs to stderr instead of the log file.
	Foreground bool
	// Debug logs every FUSE request.
	Debug bool

	// OnMounted, if set, is called by Run once the mount is serving.
	OnMounted func(*Daemon)
}

// Daemon serves a single mount until stopped.
type Daemon struct {
	opts    Options
	lock    *flock.Flock
	logFile *os.File
	meta    *storage.MetaStore
	cfs     *vfs.CacheFS
	server  *fuse.Server
	budget  int64
}

// New validates opts and resolves its paths. Nothing is opened yet.
func New(opts Options) (*Daemon, error) {
	for name, p := range map[string]*string{
		"remote root": &opts.RemoteRoot,
		"mountpoint":  &opts.Mountpoint,
		"cache root":  &opts.CacheRoot,
	} {
		if *p == "" {
			return nil, fmt.Errorf("%s is required", name)
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*p = abs
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if within(opts.RemoteRoot, opts.Mountpoint) || within(opts.CacheRoot, opts.Mountpoint) {
		return nil, fmt.Errorf("remote and cache roots must not be inside the mountpoint %s", opts.Mountpoint)
	}
	if within(opts.CacheRoot, opts.RemoteRoot) || within(opts.RemoteRoot, opts.CacheRoot) {
		return nil, errors.New("remote and cache roots must not contain each other")
	}
	info, err := os.Stat(opts.RemoteRoot)
	if err != nil {
		return nil, fmt.Errorf("remote root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("remote root %s is not a directory", opts.RemoteRoot)
	}
	return &Daemon{opts: opts}, nil
}

// within reports whether path equals dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

// Budget returns the effective cache budget. Valid after Start.
func (d *Daemon) Budget() int64 { return d.budget }

// FS returns the cache filesystem. Valid after Start.
func (d *Daemon) FS() *vfs.CacheFS { return d.cfs }

// Start locks the cache root, opens the metadata store and mounts.
// On error everything acquired so far is released.
func (d *Daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if err := InitCacheRoot(d.opts.CacheRoot); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath(d.opts.CacheRoot))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		d.lock = nil
		return fmt.Errorf("cache root %s is in use by another instance", d.opts.CacheRoot)
	}

	if err := d.setupLogging(); err != nil {
		return err
	}

	s := d.opts.Settings
	storage.SetConfigBusyTimeout(s.BusyTimeout)
	naming, _ := vfs.ParseNaming(s.Naming)

	d.meta, err = storage.OpenMetaStore(MetaPath(d.opts.CacheRoot), s.BlockSize, storage.DBContextDaemon)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}

	resolver := vfs.NewResolver(d.opts.RemoteRoot, d.opts.CacheRoot, naming)
	res, err := vfs.Reconcile(ctx, d.meta, resolver)
	if err != nil {
		return fmt.Errorf("failed to reconcile cache root: %w", err)
	}
	if res.DroppedRows > 0 || res.RemovedFiles > 0 {
		log.Infof("[DAEMON] reconciled cache root: %d rows dropped, %d files removed", res.DroppedRows, res.RemovedFiles)
	}

	if d.budget, err = d.effectiveBudget(); err != nil {
		return err
	}

	d.cfs, err = vfs.New(vfs.Config{
		RemoteRoot: d.opts.RemoteRoot,
		CacheRoot:  d.opts.CacheRoot,
		Budget:     d.budget,
		Naming:     naming,
		Exclude:    BuildExcludeFilter(s.Exclude),
		AttrTTL:    s.AttrTTL,
	}, d.meta)
	if err != nil {
		return err
	}
	if used := d.meta.UsedSize(); used > d.budget {
		n, err := d.cfs.Evict(ctx, int((used-d.budget+s.BlockSize-1)/s.BlockSize))
		if err != nil {
			return fmt.Errorf("failed to shrink cache to budget: %w", err)
		}
		log.Infof("[DAEMON] evicted %d blocks to fit the budget", n)
	}

	if _, err := CleanupStaleMount(d.opts.Mountpoint); err != nil {
		return err
	}
	d.server, err = fusefs.Mount(fusefs.Options{
		Mountpoint:  d.opts.Mountpoint,
		FS:          d.cfs,
		AttrTimeout: s.AttrTTL,
		AllowOther:  s.AllowOther,
		Debug:       d.opts.Debug,
	})
	if err != nil {
		return err
	}
	log.Infof("[DAEMON] started (PID %d): budget=%s block=%d", os.Getpid(), humanize.IBytes(uint64(d.budget)), s.BlockSize)
	return nil
}

// effectiveBudget clamps the configured cache size to what the cache
// filesystem can hold. Blocks already cached count as available.
func (d *Daemon) effectiveBudget() (int64, error) {
	want, err := ParseSize(d.opts.Settings.CacheSize)
	if err != nil {
		return 0, err
	}
	free, err := FreeSpace(d.opts.CacheRoot)
	if err != nil {
		return 0, err
	}
	budget := ClampBudget(want, free+d.meta.UsedSize())
	if budget < want {
		log.Warnf("[DAEMON] cache size %s does not fit, using %s",
			humanize.IBytes(uint64(want)), humanize.IBytes(uint64(budget)))
	}
	return budget, nil
}

// Stop unmounts and releases everything Start acquired.
func (d *Daemon) Stop(ctx context.Context) error {
	var unmountErr error
	if d.server != nil && IsMounted(d.opts.Mountpoint) {
		unmountErr = util.Retry(ctx, d.server.Unmount, util.UnmountRetryOptions(ctx)...)
		if unmountErr != nil {
			log.Warnf("[DAEMON] unmount failed, detaching lazily: %v", unmountErr)
			if err := Unmount(d.opts.Mountpoint); err == nil {
				unmountErr = nil
			}
		}
		if unmountErr == nil {
			err := util.PollUntil(ctx, util.DefaultPollConfig(), func() bool {
				return !IsMounted(d.opts.Mountpoint)
			})
			if err != nil {
				log.Warnf("[DAEMON] %s still listed as mounted", d.opts.Mountpoint)
			}
		}
	}
	d.server = nil
	d.close()
	log.Infof("[DAEMON] stopped")
	return unmountErr
}

func (d *Daemon) close() {
	if d.cfs != nil {
		d.cfs.Close()
		d.cfs = nil
	}
	if d.meta != nil {
		if err := d.meta.Close(); err != nil {
			log.Warnf("[DAEMON] closing metadata: %v", err)
		}
		d.meta = nil
	}
	if d.lock != nil {
		d.lock.Unlock()
		d.lock = nil
	}
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
}

// Run mounts and serves until ctx is done, SIGINT or SIGTERM arrives, the
// parent named by NASCACHE_PARENT_PID exits, or the mount is removed from
// outside.
func Run(ctx context.Context, opts Options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := New(opts)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	if opts.OnMounted != nil {
		opts.OnMounted(d)
	}

	served := make(chan struct{})
	go func() {
		d.server.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		log.Infof("[DAEMON] %v, shutting down", context.Cause(ctx))
	case <-served:
		log.Infof("[DAEMON] unmounted externally, shutting down")
	case <-watchParent(ctx):
		log.Infof("[DAEMON] parent process exited, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

// watchParent closes the returned channel when the process named by
// NASCACHE_PARENT_PID no longer exists. It never closes if the variable
// is unset.
func watchParent(ctx context.Context) <-chan struct{} {
	gone := make(chan struct{})
	ppid, err := strconv.Atoi(os.Getenv("NASCACHE_PARENT_PID"))
	if err != nil || ppid <= 0 {
		return gone
	}
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Kill with signal 0 only checks that the process exists.
				if err := syscall.Kill(ppid, 0); err != nil {
					close(gone)
					return
				}
			}
		}
	}()
	return gone
}

// setupLogging routes logrus to stderr or the log file at the configured
// level. Level off leaves output discarded.
func (d *Daemon) setupLogging() error {
	level, enabled := parseLogLevel(d.opts.Settings.LogLevel)
	if !enabled {
		log.SetOutput(io.Discard)
		return nil
	}
	log.SetLevel(level)
	if d.opts.Foreground {
		log.SetOutput(os.Stderr)
		return nil
	}

	logPath := LogPath(d.opts.CacheRoot)
	if err := truncateLogFile(logPath, maxLogSize); err != nil {
		// Non-fatal, just report to stderr
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = f
	log.SetOutput(f)
	return nil
}

// parseLogLevel maps a settings level name to logrus. Unknown names log at
// debug; off, none and empty disable logging.
func parseLogLevel(name string) (log.Level, bool) {
	switch strings.ToLower(name) {
	case "", "off", "none":
		return log.PanicLevel, false
	case "trace":
		return log.TraceLevel, true
	case "debug":
		return log.DebugLevel, true
	case "info":
		return log.InfoLevel, true
	case "warn":
		return log.WarnLevel, true
	default:
		return log.DebugLevel, true
	}
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	startIdx := len(data) - len(data)/2
	// Find the next newline to avoid cutting a line in the middle
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	kept := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept)))
	return os.WriteFile(logPath, append(header, kept...), 0600)
}
