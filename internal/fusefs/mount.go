package fusefs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"nascache/internal/vfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// FS serves the mount.
	FS *vfs.CacheFS

	// AttrTimeout is how long the kernel may keep entries and attributes.
	// Zero uses one second.
	AttrTimeout time.Duration

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request.
	Debug bool
}

// Mount mounts the cache at the configured mountpoint. The caller must call
// Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.FS == nil {
		return nil, errors.New("cache filesystem is required")
	}
	if options.AttrTimeout <= 0 {
		options.AttrTimeout = time.Second
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root, err := NewRoot(options.FS)
	if err != nil {
		return nil, fmt.Errorf("remote root: %w", err)
	}

	attrTimeout := options.AttrTimeout
	negativeTimeout := 100 * time.Millisecond
	server, err := fs.Mount(options.Mountpoint, root, &fs.Options{
		EntryTimeout:    &attrTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "nascache:" + options.FS.Resolver().RemoteRoot(),
			Name:       "nascache",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	log.Infof("[FUSE] mounted %s at %s", options.FS.Resolver().RemoteRoot(), options.Mountpoint)
	return server, nil
}
