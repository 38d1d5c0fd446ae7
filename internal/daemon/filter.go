package daemon

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"nascache/internal/vfs"
)

// excludeFilter matches mount-relative paths against gitignore-style
// patterns. A path also matches when any of its parent directories does.
type excludeFilter struct {
	ignore *ignore.GitIgnore
}

// BuildExcludeFilter compiles the exclude patterns from settings.yaml.
// Blank lines and comments are skipped; nil is returned when nothing is left.
func BuildExcludeFilter(patterns []string) vfs.PathFilter {
	var lines []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		lines = append(lines, p)
	}
	if len(lines) == 0 {
		return nil
	}
	return &excludeFilter{ignore: ignore.CompileIgnoreLines(lines...)}
}

func (f *excludeFilter) Match(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return false
	}

	checkPath := rel
	if isDir {
		checkPath = rel + "/"
	}
	if f.ignore.MatchesPath(checkPath) {
		return true
	}

	for i := strings.LastIndexByte(rel, '/'); i > 0; i = strings.LastIndexByte(rel[:i], '/') {
		if f.ignore.MatchesPath(rel[:i] + "/") {
			return true
		}
	}
	return false
}
