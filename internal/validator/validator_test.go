package validator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/validator"
)

func TestAllowList(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "app")
	require.NoError(t, os.Mkdir(inside, 0o755))
	file := filepath.Join(root, "README")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	outside := t.TempDir()

	v, err := validator.NewAllowList([]string{root, "  "})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Clean(root)}, v.Roots())

	tests := []struct {
		name    string
		project string
		reason  string
	}{
		{"root itself", root, ""},
		{"inside root", inside, ""},
		{"inside with dots", filepath.Join(inside, "..", "app"), ""},
		{"empty", "", "empty path"},
		{"relative", "app", "path must be absolute"},
		{"outside", outside, "outside allowed roots"},
		{"sibling prefix", root + "-evil", "outside allowed roots"},
		{"escape", filepath.Join(root, "..", filepath.Base(outside)), "outside allowed roots"},
		{"missing", filepath.Join(root, "nope"), "does not exist"},
		{"file", file, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(context.Background(), tt.project)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var invalid *domain.InvalidProjectError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.reason, invalid.Reason)
			assert.False(t, domain.IsRetryable(err))
		})
	}
}

func TestAllowList_NoRootsAcceptsAnyDirectory(t *testing.T) {
	v, err := validator.NewAllowList(nil)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(context.Background(), t.TempDir()))
}
