package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// mountTable is read to find existing mounts.
const mountTable = "/proc/self/mounts"

// mountEntry is one line of the mount table.
type mountEntry struct {
	Source     string
	Mountpoint string
	FSType     string
}

// parseMounts reads mount table lines in fstab format. Space, tab, newline
// and backslash in paths arrive as octal escapes.
func parseMounts(r io.Reader) ([]mountEntry, error) {
	var entries []mountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, mountEntry{
			Source:     unescapeMountField(fields[0]),
			Mountpoint: unescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	return entries, scanner.Err()
}

func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// findMount returns the mount table entry for mountpoint, or nil.
func findMount(mountpoint string) (*mountEntry, error) {
	f, err := os.Open(mountTable)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := parseMounts(f)
	if err != nil {
		return nil, err
	}
	mountpoint = filepath.Clean(mountpoint)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Mountpoint == mountpoint {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// IsMounted reports whether mountpoint appears in the mount table.
func IsMounted(mountpoint string) bool {
	e, err := findMount(mountpoint)
	return err == nil && e != nil
}

// isDisconnected reports whether the FUSE server behind mountpoint is gone.
// The kernel answers every request on such a mount with ENOTCONN.
func isDisconnected(mountpoint string) bool {
	_, err := os.Stat(mountpoint)
	return errors.Is(err, syscall.ENOTCONN)
}

// Unmount lazily detaches a FUSE mount with fusermount, which works
// without privileges for mounts the caller owns.
func Unmount(mountpoint string) error {
	var lastErr error
	for _, bin := range []string{"fusermount3", "fusermount"} {
		path, err := exec.LookPath(bin)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := exec.Command(path, "-u", "-z", mountpoint).CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(string(out)))
	}
	return lastErr
}

// CleanupStaleMount detaches a FUSE mount left at mountpoint by a crashed
// instance. Live mounts are left alone and reported as an error, since
// mounting over them would hide the other instance.
func CleanupStaleMount(mountpoint string) (bool, error) {
	e, err := findMount(mountpoint)
	if err != nil || e == nil {
		return false, err
	}
	if !strings.HasPrefix(e.FSType, "fuse") {
		return false, fmt.Errorf("%s is already mounted (%s)", mountpoint, e.FSType)
	}
	if !isDisconnected(mountpoint) {
		return false, fmt.Errorf("%s is already mounted by %s", mountpoint, e.Source)
	}
	log.Infof("[DAEMON] detaching stale mount at %s", mountpoint)
	if err := Unmount(mountpoint); err != nil {
		return false, fmt.Errorf("failed to detach stale mount %s: %w", mountpoint, err)
	}
	return true, nil
}
