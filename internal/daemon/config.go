package daemon

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"nascache/internal/artifacts"
	"nascache/internal/storage"
	"nascache/internal/vfs"
)

// budgetReserve is the free space left on the cache filesystem when the
// requested budget does not fit.
const budgetReserve = 100 * 1024

// SettingsPath returns the settings file of a cache root.
func SettingsPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, vfs.SettingsFileName)
}

// LockPath returns the lock file that keeps a cache root to one instance.
func LockPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, vfs.LockFileName)
}

// LogPath returns the log file path.
// Uses NASCACHE_LOG env var if set, otherwise defaults to the cache root.
func LogPath(cacheRoot string) string {
	if envPath := os.Getenv("NASCACHE_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(cacheRoot, vfs.LogFileName)
}

// MetaPath returns the metadata database of a cache root.
func MetaPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, storage.MetaFileName)
}

// InitCacheRoot creates the cache root and writes the default settings
// template if none exists.
func InitCacheRoot(cacheRoot string) error {
	if err := os.MkdirAll(cacheRoot, 0700); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}
	settingsPath := SettingsPath(cacheRoot)
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.Settings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings is the per cache root configuration from settings.yaml.
type Settings struct {
	CacheSize   string        `yaml:"cache_size"`   // humanized bytes, plain number = KB
	BlockSize   int64         `yaml:"block_size"`   // bytes
	Naming      string        `yaml:"naming"`       // hashed or flat
	Exclude     []string      `yaml:"exclude"`      // gitignore patterns that bypass the cache
	LogLevel    string        `yaml:"log_level"`    // trace, debug, info, warn, off
	AttrTTL     time.Duration `yaml:"attr_ttl"`     // remote attribute memoization, 0 = off
	BusyTimeout int           `yaml:"busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
	AllowOther  bool          `yaml:"allow_other"`
}

// DefaultSettings parses the embedded settings template.
func DefaultSettings() Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.Settings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// LoadSettings reads settings.yaml from cacheRoot over the embedded
// defaults, so keys missing from the file keep their default value.
func LoadSettings(cacheRoot string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(SettingsPath(cacheRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return &s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SettingsPath(cacheRoot), err)
	}
	return &s, nil
}

// SaveSettings writes s to settings.yaml in cacheRoot.
func SaveSettings(cacheRoot string, s *Settings) error {
	if err := os.MkdirAll(cacheRoot, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# NASCache settings\n# Values given on the command line take precedence.\n\n")
	return os.WriteFile(SettingsPath(cacheRoot), append(header, data...), 0600)
}

// Validate checks every field and returns the first problem found.
func (s *Settings) Validate() error {
	if _, err := ParseSize(s.CacheSize); err != nil {
		return err
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", s.BlockSize)
	}
	if _, err := vfs.ParseNaming(s.Naming); err != nil {
		return err
	}
	switch strings.ToLower(s.LogLevel) {
	case "", "off", "none", "trace", "debug", "info", "warn":
	default:
		return fmt.Errorf("unknown log_level %q", s.LogLevel)
	}
	if s.AttrTTL < 0 {
		return errors.New("attr_ttl must not be negative")
	}
	return nil
}

// ParseSize parses a cache size. A plain number is kilobytes; anything
// else goes through humanize ("10GiB", "512 MB").
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("cache size is empty")
	}
	if kb, err := strconv.ParseInt(s, 10, 64); err == nil {
		if kb < 0 {
			return 0, fmt.Errorf("cache size must not be negative: %s", s)
		}
		if kb > math.MaxInt64/1024 {
			return 0, fmt.Errorf("cache size too large: %s", s)
		}
		return kb * 1024, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cache size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("cache size too large: %s", s)
	}
	return int64(n), nil
}

// ClampBudget limits want to what fits in avail bytes, keeping a small
// reserve free when there is room for it.
func ClampBudget(want, avail int64) int64 {
	if avail > budgetReserve && want > avail-budgetReserve {
		return avail - budgetReserve
	}
	if want > avail {
		return max(avail, 0)
	}
	return want
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func FreeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
