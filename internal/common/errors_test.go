package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrInvalidPath,
		ErrInvalidHandle,
		ErrIO,
		ErrCacheFull,
		ErrBlockSize,
		ErrLocked,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("evict 4 blocks: %w", ErrCacheFull)
	assert.True(t, errors.Is(wrapped, ErrCacheFull))
	assert.False(t, errors.Is(wrapped, ErrIO))

	double := fmt.Errorf("write back: %w", wrapped)
	assert.True(t, errors.Is(double, ErrCacheFull))
}
