package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildExcludeFilter(t *testing.T) {
	t.Run("no patterns", func(t *testing.T) {
		assert.Nil(t, BuildExcludeFilter(nil))
		assert.Nil(t, BuildExcludeFilter([]string{"", "  ", "# comment"}))
	})

	f := BuildExcludeFilter([]string{"*.tmp", "scratch/", "/top.iso", "# ignored"})
	require.NotNil(t, f)

	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{"a.tmp", false, true},
		{"deep/dir/b.tmp", false, true},
		{"a.txt", false, false},
		{"scratch", true, true},
		{"scratch/file.bin", false, true},
		{"work/scratch/file.bin", false, true},
		{"scratchpad/file.bin", false, false},
		{"top.iso", false, true},
		{"/top.iso", false, true},
		{"sub/top.iso", false, false},
		{"", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Match(tt.rel, tt.isDir))
		})
	}
}
